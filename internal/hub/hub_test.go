package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordo/internal/types"
)

func recvOne(t *testing.T, ch <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return types.Event{}
	}
}

func TestPublishRoutesByStrategy(t *testing.T) {
	h := New()
	_, chA := h.Subscribe("strat-a", 4)
	_, chB := h.Subscribe("strat-b", 4)

	h.Publish(types.Event{Type: types.EventFill, StrategyID: "strat-a"})

	ev := recvOne(t, chA)
	assert.Equal(t, types.EventFill, ev.Type)
	select {
	case <-chB:
		t.Fatal("strat-b must not receive strat-a events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardReceivesEverything(t *testing.T) {
	h := New()
	_, all := h.Subscribe(types.TopicAll, 4)

	h.Publish(types.Event{Type: types.EventFill, StrategyID: "strat-a"})
	h.Publish(types.Event{Type: types.EventPositionClosed, StrategyID: "strat-b"})

	assert.Equal(t, types.EventFill, recvOne(t, all).Type)
	assert.Equal(t, types.EventPositionClosed, recvOne(t, all).Type)
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := New()
	id, ch := h.Subscribe("strat-a", 1)
	_ = id

	h.Publish(types.Event{Type: types.EventFill, StrategyID: "strat-a"})
	// Buffer full now; next publish must evict instead of blocking.
	h.Publish(types.Event{Type: types.EventFill, StrategyID: "strat-a"})

	require.Equal(t, 0, h.SubscriberCount())
	// Channel was closed; drain the buffered event then observe close.
	recvOne(t, ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New()
	id, ch := h.Subscribe("strat-a", 4)
	h.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount())

	// Double unsubscribe is harmless.
	h.Unsubscribe(id)
}

func TestPublishStampsTime(t *testing.T) {
	h := New()
	_, ch := h.Subscribe(types.TopicAll, 1)
	h.Publish(types.Event{Type: types.EventHeartbeat})
	assert.False(t, recvOne(t, ch).At.IsZero())
}
