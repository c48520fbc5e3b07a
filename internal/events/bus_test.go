package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audionet/verifier/internal/session"
)

func TestBusDeliversToSessionSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("sess-1")
	other := bus.Subscribe("sess-2")

	bus.Publish(ProgressEvent{
		SessionID: "sess-1",
		Status:    session.StatusProcessing,
		Stage:     session.StageQuality,
		Progress:  0.15,
		Time:      time.Now(),
	})

	select {
	case ev := <-ch:
		assert.Equal(t, session.StageQuality, ev.Stage)
		assert.InDelta(t, 0.15, ev.Progress, 1e-9)
	default:
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other:
		t.Fatal("event leaked to another session's subscriber")
	default:
	}
}

func TestBusDropsWhenSubscriberLags(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe("sess-1")

	bus.Publish(ProgressEvent{SessionID: "sess-1", Progress: 0.1})
	bus.Publish(ProgressEvent{SessionID: "sess-1", Progress: 0.2}) // dropped

	require.Len(t, ch, 1)
	ev := <-ch
	assert.InDelta(t, 0.1, ev.Progress, 1e-9)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("sess-1")
	bus.Unsubscribe("sess-1", ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(ProgressEvent{SessionID: "sess-1"})
}

func TestMultiFansOut(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("sess-1")

	multi := Multi{bus, Nop{}}
	multi.Publish(ProgressEvent{SessionID: "sess-1", Progress: 0.5})

	require.Len(t, ch, 1)
}
