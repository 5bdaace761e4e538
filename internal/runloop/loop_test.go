package runloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoop() *Loop {
	l := New(zerolog.Nop())
	l.Start()
	return l
}

func TestCallRunsSerially(t *testing.T) {
	l := newLoop()
	defer l.Stop()

	var n int
	for i := 0; i < 100; i++ {
		ok := l.Call(func() { n++ })
		require.True(t, ok)
	}
	l.Call(func() { assert.Equal(t, 100, n) })
}

func TestScheduleImmediateUnderThreshold(t *testing.T) {
	l := newLoop()
	defer l.Stop()

	done := make(chan struct{})
	timer := l.Schedule(time.Millisecond, func() { close(done) })
	assert.Nil(t, timer)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("inline task never ran")
	}
}

func TestScheduleTimerFires(t *testing.T) {
	l := newLoop()
	defer l.Stop()

	done := make(chan struct{})
	timer := l.Schedule(20*time.Millisecond, func() { close(done) })
	require.NotNil(t, timer)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer task never ran")
	}
}

func TestScheduleCancel(t *testing.T) {
	l := newLoop()
	defer l.Stop()

	var fired atomic.Bool
	timer := l.Schedule(50*time.Millisecond, func() { fired.Store(true) })
	require.NotNil(t, timer)
	timer.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestStopDrainsQueued(t *testing.T) {
	l := newLoop()

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		l.Submit(func() { n.Add(1) })
	}
	l.Stop()
	assert.Equal(t, int32(10), n.Load())

	assert.False(t, l.Submit(func() {}))
	assert.False(t, l.Call(func() {}))
}
