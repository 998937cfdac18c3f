// Package connection implements the bus connection lifecycle of spec
// §4.7 (C8): a session state machine with jittered exponential backoff
// reconnect, last-will publication, and foreground/background hooks for
// mobile-friendly maintenance.
package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"merklekv/internal/bus"
)

// State is one node of spec §4.7's state machine:
// Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected,
// with Reconnecting as a transient self-loop during backoff.
type State string

const (
	StateDisconnected  State = "Disconnected"
	StateConnecting    State = "Connecting"
	StateConnected     State = "Connected"
	StateReconnecting  State = "Reconnecting"
	StateDisconnecting State = "Disconnecting"
)

// Event is one entry in the observable state-transition stream.
type Event struct {
	State State
	Reason string
	Err    error
}

// Options configures a Connection.
type Options struct {
	Bus    bus.Bus
	ClientID string

	KeepAliveSeconds     int
	SessionExpirySeconds int

	// ResponseTopic is where the last-will-and-testament is published.
	ResponseTopic string

	// BackgroundGracePeriod is how long the connection is kept alive
	// after on_background() before maintenance assumes it can lapse.
	BackgroundGracePeriod time.Duration
}

type lastWillPayload struct {
	Status      string `json:"status"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Connection owns the lifecycle state machine for one node's bus session.
type Connection struct {
	mu    sync.Mutex
	state State
	opts  Options

	listeners []func(Event)

	backgroundSince time.Time
	inBackground    bool

	cancelReconnect context.CancelFunc
	reconnectBackoff backoff.BackOff
}

// New constructs a Connection in the Disconnected state.
func New(opts Options) *Connection {
	if opts.BackgroundGracePeriod <= 0 {
		opts.BackgroundGracePeriod = 5 * time.Minute
	}
	return &Connection{state: StateDisconnected, opts: opts}
}

// OnEvent registers a listener for state transitions.
func (c *Connection) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Connection) emit(ev Event) {
	c.mu.Lock()
	c.state = ev.State
	listeners := make([]func(Event), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) session() bus.Session {
	payload, _ := json.Marshal(lastWillPayload{Status: "offline", TimestampMs: time.Now().UnixMilli()})
	return bus.Session{
		ClientID:             c.opts.ClientID,
		KeepAliveSeconds:     c.opts.KeepAliveSeconds,
		SessionExpirySeconds: c.opts.SessionExpirySeconds,
		CleanStart:           false, // persistent subscription per spec §6
		LastWillTopic:        c.opts.ResponseTopic,
		LastWillPayload:      payload,
	}
}

// Connect attempts a single connection, without retrying. Run (below)
// is what drives the reconnect loop; Connect is exposed separately so
// callers can perform one explicit attempt (e.g. at startup) and inspect
// its error.
func (c *Connection) Connect(ctx context.Context) error {
	c.emit(Event{State: StateConnecting})
	if err := c.opts.Bus.Connect(ctx, c.session()); err != nil {
		c.emit(Event{State: StateDisconnected, Reason: "connect failed", Err: err})
		return err
	}
	c.emit(Event{State: StateConnected})
	return nil
}

// newReconnectBackoff builds the jittered exponential backoff of spec
// §4.7: 1s initial, doubling to a 32s cap, ±20% jitter.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 32 * time.Second
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // never give up; the Run loop owns cancellation
	return b
}

// Run drives the connect/reconnect loop until ctx is cancelled: it
// connects, waits for the disconnected channel to signal a drop (e.g. from a bus
// callback), then reconnects with jittered exponential backoff (1s to a
// 32s cap, ±20% jitter — spec §4.7). The backoff persists across
// attempts so the delay actually grows under a sustained outage; it
// resets to its initial interval whenever a connect attempt succeeds.
func (c *Connection) Run(ctx context.Context, disconnected <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelReconnect = cancel
	c.reconnectBackoff = newReconnectBackoff()
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			c.emit(Event{State: StateDisconnected, Reason: "disposed"})
			return
		}

		if err := c.Connect(ctx); err != nil {
			if !c.waitBackoff(ctx) {
				c.emit(Event{State: StateDisconnected, Reason: "disposed"})
				return
			}
			continue
		}
		c.resetBackoff()

		select {
		case <-ctx.Done():
			c.emit(Event{State: StateDisconnected, Reason: "disposed"})
			return
		case <-disconnected:
			c.emit(Event{State: StateReconnecting, Reason: "connection lost"})
			if !c.waitBackoff(ctx) {
				c.emit(Event{State: StateDisconnected, Reason: "disposed"})
				return
			}
		}
	}
}

func (c *Connection) resetBackoff() {
	c.mu.Lock()
	b := c.reconnectBackoff
	c.mu.Unlock()
	if b != nil {
		b.Reset()
	}
}

// waitBackoff blocks for one interval of the persisted reconnect backoff,
// returning false if ctx was cancelled first (spec §4.7: "cancellation
// from the owner aborts the current wait").
func (c *Connection) waitBackoff(ctx context.Context) bool {
	c.mu.Lock()
	b := c.reconnectBackoff
	if b == nil {
		b = newReconnectBackoff()
		c.reconnectBackoff = b
	}
	c.mu.Unlock()

	delay := b.NextBackOff()
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Disconnect transitions to Disconnecting then Disconnected, suppressing
// the last-will-and-testament (a graceful disconnect).
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancelReconnect
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.emit(Event{State: StateDisconnecting})
	err := c.opts.Bus.Disconnect(ctx, true)
	c.emit(Event{State: StateDisconnected, Reason: "graceful disconnect"})
	return err
}

// OnBackground records that the app has moved to the background; the
// default mobile-friendly policy keeps the connection alive for
// BackgroundGracePeriod before maintenance may let it lapse.
func (c *Connection) OnBackground() {
	c.mu.Lock()
	c.inBackground = true
	c.backgroundSince = time.Now()
	c.mu.Unlock()
}

// OnForeground records a return to the foreground. If the app was in the
// background longer than BackgroundGracePeriod, the caller should trigger
// an immediate reconnect attempt (spec §4.7); the returned shouldReconnect
// reports whether that threshold was crossed.
func (c *Connection) OnForeground() (shouldReconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inBackground {
		return false
	}
	elapsed := time.Since(c.backgroundSince)
	c.inBackground = false
	return elapsed > c.opts.BackgroundGracePeriod
}
