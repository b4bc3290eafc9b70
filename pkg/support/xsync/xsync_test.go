package xsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // No pending operations returns immediately.

	var finished atomic.Int32
	release := NewLatch()
	wg.Add("first")
	go func() {
		// Adds more work while the main goroutine is already waiting.
		wg.Add("copy")
		wg.Add("copy")
		for range 2 {
			go func() {
				release.Wait()
				finished.Add(1)
				wg.Done("copy")
			}()
		}
		finished.Add(1)
		wg.Done("first")
	}()

	// Wait for the "first" operation to hand over to the copies.
	require.Eventually(t, func() bool {
		_, labels := wg.Pending()
		return len(labels) == 1 && labels[0] == "copy×2"
	}, time.Second, time.Millisecond)
	count, _ := wg.Pending()
	assert.Equal(t, int64(2), count)

	release.Trigger()
	wg.Wait()
	assert.Equal(t, int32(3), finished.Load())
	count, labels := wg.Pending()
	assert.Equal(t, int64(0), count)
	assert.Empty(t, labels)
	require.Panics(t, func() { wg.Done("first") })
}

func TestLatch(t *testing.T) {
	l := NewLatch()
	var waiters atomic.Int32
	done := make(chan struct{})
	for range 3 {
		go func() {
			l.Wait()
			if waiters.Add(1) == 3 {
				close(done)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), waiters.Load(), "waiters returned before Trigger")
	l.Trigger()
	l.Trigger() // Second trigger is a no-op.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not released by Trigger")
	}
	l.Wait() // Returns immediately once triggered.
}
