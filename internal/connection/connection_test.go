package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"merklekv/internal/bus"
)

func TestConnectTransitionsToConnected(t *testing.T) {
	broker := bus.NewBroker()
	c := New(Options{Bus: bus.NewMemoryBus(broker), ClientID: "n1", ResponseTopic: "mkv/n1/res"})

	var states []State
	c.OnEvent(func(ev Event) { states = append(states, ev.State) })

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, []State{StateConnecting, StateConnected}, states)
}

func TestDisconnectSuppressesLastWill(t *testing.T) {
	broker := bus.NewBroker()
	watcher := bus.NewMemoryBus(broker)
	require.NoError(t, watcher.Connect(context.Background(), bus.Session{ClientID: "watcher"}))

	fired := false
	require.NoError(t, watcher.Subscribe(context.Background(), "mkv/n1/res", func(string, []byte) { fired = true }))

	c := New(Options{Bus: bus.NewMemoryBus(broker), ClientID: "n1", ResponseTopic: "mkv/n1/res"})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))

	require.False(t, fired, "graceful disconnect must suppress the last-will-and-testament")
	require.Equal(t, StateDisconnected, c.State())
}

func TestOnForegroundAfterLongBackgroundTriggersReconnect(t *testing.T) {
	broker := bus.NewBroker()
	c := New(Options{
		Bus: bus.NewMemoryBus(broker), ClientID: "n1",
		BackgroundGracePeriod: 10 * time.Millisecond,
	})

	c.OnBackground()
	time.Sleep(20 * time.Millisecond)
	require.True(t, c.OnForeground())
}

func TestOnForegroundAfterShortBackgroundSkipsReconnect(t *testing.T) {
	broker := bus.NewBroker()
	c := New(Options{
		Bus: bus.NewMemoryBus(broker), ClientID: "n1",
		BackgroundGracePeriod: time.Minute,
	})

	c.OnBackground()
	require.False(t, c.OnForeground())
}

func TestRunReconnectsAfterDisconnectSignal(t *testing.T) {
	broker := bus.NewBroker()
	c := New(Options{Bus: bus.NewMemoryBus(broker), ClientID: "n1"})

	var states []State
	c.OnEvent(func(ev Event) { states = append(states, ev.State) })

	disconnected := make(chan struct{}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		disconnected <- struct{}{}
	}()

	c.Run(ctx, disconnected)

	require.Contains(t, states, StateReconnecting)
}
