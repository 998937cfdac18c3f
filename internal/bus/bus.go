// Package bus defines the publish/subscribe transport interface consumed
// by the rest of this module (spec §6: "Bus interface (consumed, not
// implemented here)") and a small in-memory implementation used by tests
// and the demo node. Production deployments supply their own Bus backed
// by a real MQTT client; nothing upstream depends on which one.
package bus

import "context"

// Handler receives messages delivered on a subscribed topic.
type Handler func(topic string, payload []byte)

// Session carries the identity and session-persistence parameters a Bus
// needs at connect time (spec §4.7, §6).
type Session struct {
	ClientID             string
	KeepAliveSeconds     int
	SessionExpirySeconds int
	CleanStart           bool
	LastWillTopic        string
	LastWillPayload      []byte
}

// Bus is the publish/subscribe transport every component above it is
// written against. QoS is always 1 and Retain is always false for
// application publishes, per spec §4.7.
type Bus interface {
	Connect(ctx context.Context, session Session) error
	// Disconnect closes the connection. When suppressLWT is true the
	// broker's last-will-and-testament is not published — the graceful
	// disconnect case of spec §4.7.
	Disconnect(ctx context.Context, suppressLWT bool) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Unsubscribe(ctx context.Context, topic string) error
}
