package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChanObserverNeverBlocks(t *testing.T) {
	ch := make(chan Event, 2)
	obs := Chan(ch)
	for i := 0; i < 5; i++ {
		obs.OnEvent(ScanProgress{Percent: i * 20})
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, int64(3), obs.Dropped())
	assert.Equal(t, ScanProgress{Percent: 0}, <-ch)
}

func TestMultiAndOrNop(t *testing.T) {
	var a, b []Event
	obs := Multi(
		ObserverFunc(func(e Event) { a = append(a, e) }),
		nil,
		ObserverFunc(func(e Event) { b = append(b, e) }),
	)
	obs.OnEvent(ScanFinished{Ports: 1})
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)

	assert.NotPanics(t, func() { OrNop(nil).OnEvent(ScanFinished{}) })
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{Completed, Failed, Cancelled} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{Idle, Connecting, Receiving} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "receiving", Receiving.String())
	assert.Equal(t, "unknown", State(42).String())
}
