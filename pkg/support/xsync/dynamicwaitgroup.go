// Package xsync holds small synchronization primitives used by the accelerator runtime.
package xsync

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup counts outstanding operations like a sync.WaitGroup, but new operations may be
// added while someone is already waiting on it.
//
// Each operation carries a label (a stream operation name), so waiters can report what they are
// waiting on.
type DynamicWaitGroup struct {
	mu     sync.Mutex
	cond   *sync.Cond
	count  int64
	labels map[string]int
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{labels: make(map[string]int)}
	wg.cond = sync.NewCond(&wg.mu)
	return wg
}

// Add one pending operation with the given label.
func (wg *DynamicWaitGroup) Add(label string) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.count++
	wg.labels[label]++
}

// Done marks one operation with the given label as finished.
// It panics if no such operation is pending.
func (wg *DynamicWaitGroup) Done(label string) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if wg.labels[label] == 0 {
		panic(errors.Errorf("DynamicWaitGroup: Done(%q) without a pending operation", label))
	}
	wg.labels[label]--
	if wg.labels[label] == 0 {
		delete(wg.labels, label)
	}
	wg.count--
	if wg.count == 0 {
		wg.cond.Broadcast()
	}
}

// Pending returns the number of pending operations and a sorted summary of their labels,
// e.g. ["CopyToHost", "FreeAsync×2"].
func (wg *DynamicWaitGroup) Pending() (count int64, labels []string) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	labels = make([]string, 0, len(wg.labels))
	for label, n := range wg.labels {
		if n > 1 {
			label = fmt.Sprintf("%s×%d", label, n)
		}
		labels = append(labels, label)
	}
	slices.Sort(labels)
	return wg.count, labels
}

// Wait blocks until there are no pending operations.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	for wg.count > 0 {
		wg.cond.Wait()
	}
}
