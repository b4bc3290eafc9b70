// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the compute units of an emulated device: a soft-limited pool of
// goroutines that kernels saturate with one task per unit.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of compute-unit workers.
//
// The zero value is not usable, create it with New.
type Pool struct {
	// maxParallelism is the number of compute units. If 0 work runs inline, if negative it is unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the given number of compute units.
// If units is 0 the pool runs every task inline (parallelism disabled).
func New(units int) *Pool {
	w := &Pool{maxParallelism: units}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// NumWorkers returns how many tasks Saturate will start: the number of compute units, 1 if
// parallelism is disabled, and runtime.NumCPU() if it is unlimited.
func (w *Pool) NumWorkers() int {
	switch {
	case w.maxParallelism == 0:
		return 1
	case w.maxParallelism < 0:
		return runtime.NumCPU()
	default:
		return w.maxParallelism
	}
}

// lockedIsFull returns whether all compute units are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until a compute unit is available to run the task.
//
// If parallelism is disabled it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Saturate runs NumWorkers copies of task, each one given its unit index in [0, NumWorkers),
// and waits for all of them to finish.
//
// Tasks wait for a free compute unit, so concurrent kernels on the same pool share the units.
func (w *Pool) Saturate(task func(unit int)) {
	numWorkers := w.NumWorkers()
	if !w.IsEnabled() {
		task(0)
		return
	}
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for unit := range numWorkers {
		w.WaitToStart(func() {
			defer wg.Done()
			task(unit)
		})
	}
	wg.Wait()
}
