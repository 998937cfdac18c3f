package bus

import (
	"context"
	"fmt"
	"sync"
)

// Broker is a shared in-memory router that several MemoryBus clients can
// attach to, simulating a single MQTT broker for tests and the demo
// process (spec §6 names an MQTT-shaped transport but does not mandate
// one; no MQTT client exists anywhere in the example corpus this module
// was grounded on, so this stands in as test/demo scaffolding around the
// Bus interface, not a production transport).
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[string]Handler // topic -> clientID -> handler
}

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[string]Handler)}
}

func (b *Broker) subscribe(clientID, topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]Handler)
	}
	b.subs[topic][clientID] = h
}

func (b *Broker) unsubscribe(clientID, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handlers, ok := b.subs[topic]; ok {
		delete(handlers, clientID)
		if len(handlers) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *Broker) unsubscribeAll(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, handlers := range b.subs {
		delete(handlers, clientID)
		if len(handlers) == 0 {
			delete(b.subs, topic)
		}
	}
}

func (b *Broker) publish(topic string, payload []byte) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	// Deliver synchronously: the in-memory broker's "acknowledgment" is
	// simply that every currently subscribed handler has run.
	for _, h := range handlers {
		h(topic, payload)
	}
}

// MemoryBus implements Bus against a shared Broker.
type MemoryBus struct {
	broker   *Broker
	clientID string

	mu        sync.Mutex
	connected bool
	lwtTopic  string
	lwtPayload []byte
}

// NewMemoryBus attaches a new client to broker. ClientID is assigned at
// Connect time from the supplied Session.
func NewMemoryBus(broker *Broker) *MemoryBus {
	return &MemoryBus{broker: broker}
}

func (m *MemoryBus) Connect(ctx context.Context, session Session) error {
	if session.ClientID == "" {
		return fmt.Errorf("bus: session client_id must not be empty")
	}
	m.mu.Lock()
	m.clientID = session.ClientID
	m.connected = true
	m.lwtTopic = session.LastWillTopic
	m.lwtPayload = session.LastWillPayload
	m.mu.Unlock()
	return nil
}

func (m *MemoryBus) Disconnect(ctx context.Context, suppressLWT bool) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	clientID := m.clientID
	lwtTopic, lwtPayload := m.lwtTopic, m.lwtPayload
	m.mu.Unlock()

	m.broker.unsubscribeAll(clientID)
	if !suppressLWT && lwtTopic != "" {
		m.broker.publish(lwtTopic, lwtPayload)
	}
	return nil
}

func (m *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return fmt.Errorf("bus: publish while disconnected")
	}
	m.broker.publish(topic, payload)
	return nil
}

func (m *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	m.mu.Lock()
	clientID := m.clientID
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return fmt.Errorf("bus: subscribe while disconnected")
	}
	m.broker.subscribe(clientID, topic, handler)
	return nil
}

func (m *MemoryBus) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	clientID := m.clientID
	m.mu.Unlock()
	m.broker.unsubscribe(clientID, topic)
	return nil
}
