package persist

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebounceFiresAfterQuietPeriod(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(30*time.Millisecond, 500*time.Millisecond, func() { fired.Add(1) })
	defer d.Stop()

	d.Trigger()
	assert.Equal(t, int32(0), fired.Load(), "no leading edge")
	assert.Eventually(t, func() bool { return fired.Load() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(50*time.Millisecond, time.Second, func() { fired.Add(1) })
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Eventually(t, func() bool { return fired.Load() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load(), "burst fires exactly once")
}

func TestDebounceCeilingLimitsDelay(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(60*time.Millisecond, 150*time.Millisecond, func() { fired.Add(1) })
	defer d.Stop()

	// Keep triggering faster than the quiet period; only the ceiling lets
	// it fire.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) && fired.Load() == 0 {
		d.Trigger()
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, fired.Load(), int32(1))
}

func TestDebounceStopDiscardsPending(t *testing.T) {
	var fired atomic.Int32
	d := newDebouncer(30*time.Millisecond, time.Second, func() { fired.Add(1) })

	d.Trigger()
	d.Stop()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	d.Trigger() // no-op after Stop
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
