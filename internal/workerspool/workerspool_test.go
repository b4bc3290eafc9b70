package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/groupgemm/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Saturate(t *testing.T) {
	// All units must be running at the same time.
	wantTasks := 5
	pool := New(wantTasks)

	var count atomic.Int32
	var unitsSeen [5]atomic.Bool
	doneNewTasks := xsync.NewLatch()
	doneTest := make(chan struct{})

	go func() {
		pool.Saturate(func(unit int) {
			unitsSeen[unit].Store(true)
			got := count.Add(1)
			runtime.Gosched()
			if int(got) == wantTasks {
				doneNewTasks.Trigger()
				return
			}
			doneNewTasks.Wait()
		})
		close(doneTest)
	}()

	select {
	case <-doneTest:
		// Success
	case <-time.After(time.Second):
		t.Fatal("Timeout before all tasks were executed.")
	}
	require.Equal(t, int32(wantTasks), count.Load())
	for unit := range unitsSeen {
		assert.True(t, unitsSeen[unit].Load(), "unit %d never ran", unit)
	}

	// No parallelism: a single inline task.
	pool = New(0)
	assert.False(t, pool.IsEnabled())
	count.Store(0)
	pool.Saturate(func(unit int) {
		assert.Equal(t, 0, unit)
		count.Add(1)
	})
	assert.Equal(t, int32(1), count.Load())

	// Unlimited.
	pool = New(-1)
	assert.True(t, pool.IsUnlimited())
	count.Store(0)
	var started atomic.Int32
	pool.Saturate(func(int) {
		started.Add(1)
		runtime.Gosched()
		count.Add(1)
	})
	assert.Equal(t, int32(runtime.NumCPU()), started.Load())
	assert.Equal(t, count.Load(), started.Load())
}

func TestPool_WaitToStart(t *testing.T) {
	pool := New(1)
	release := xsync.NewLatch()
	running := xsync.NewLatch()
	pool.WaitToStart(func() {
		running.Trigger()
		release.Wait()
	})
	running.Wait()

	// The second task waits for the only unit.
	var secondStarted atomic.Bool
	done := make(chan struct{})
	go pool.WaitToStart(func() {
		secondStarted.Store(true)
		close(done)
	})
	time.Sleep(10 * time.Millisecond)
	assert.False(t, secondStarted.Load(), "the only unit is busy")
	release.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitToStart never got a free unit")
	}
}
