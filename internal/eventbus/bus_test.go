package eventbus

import (
	"context"
	"testing"
	"time"

	"fundarb/internal/core"
	"fundarb/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus(logging.NewNop())
	defer bus.Drain(context.Background())

	opened := bus.Subscribe(core.EventTradeOpened)
	all := bus.Subscribe()

	bus.Publish(core.NewEvent(core.EventTradeOpened, "BTC-USD", ""))
	bus.Publish(core.NewEvent(core.EventTradeClosed, "BTC-USD", ""))

	ev := <-opened
	assert.Equal(t, core.EventTradeOpened, ev.Type)

	select {
	case ev := <-opened:
		t.Fatalf("unexpected event on filtered channel: %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	received := map[core.EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			received[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on catch-all channel")
		}
	}
	assert.True(t, received[core.EventTradeOpened])
	assert.True(t, received[core.EventTradeClosed])
}

func TestDrainClosesSubscriberChannels(t *testing.T) {
	bus := NewBus(logging.NewNop())
	ch := bus.Subscribe(core.EventTradeOpened)

	bus.Publish(core.NewEvent(core.EventTradeOpened, "ETH-USD", ""))
	require.NoError(t, bus.Drain(context.Background()))

	// Any buffered event is still readable, then the channel closes.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed")
		}
	}
}

func TestPublishAfterDrainIsNoop(t *testing.T) {
	bus := NewBus(logging.NewNop())
	require.NoError(t, bus.Drain(context.Background()))
	bus.Publish(core.NewEvent(core.EventTradeClosed, "SOL-USD", ""))
}
