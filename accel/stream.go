// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/groupgemm/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream executes operations on a device in the order they were enqueued, asynchronously with
// respect to the host.
//
// Errors are sticky: after an operation fails (or panics) every later operation is skipped, except
// memory releases, and Synchronize reports the first error. A Stream must not be shared by
// concurrent callers that depend on each other's ordering.
type Stream struct {
	device  *Device
	id      string
	pending *xsync.DynamicWaitGroup

	mu     sync.Mutex
	cond   sync.Cond // Signaled when queue grows or the stream is closed.
	queue  []streamOp
	err    error
	closed bool
	done   *xsync.Latch // Triggered when the worker goroutine exits.
}

type streamOp struct {
	name string
	fn   func() error

	// always runs the operation even after the stream faulted (memory releases).
	always bool
}

// NewStream creates a new stream on the device. Close it when no longer needed.
func (d *Device) NewStream() *Stream {
	s := &Stream{
		device:  d,
		id:      uuid.NewString(),
		pending: xsync.NewDynamicWaitGroup(),
		done:    xsync.NewLatch(),
	}
	s.cond = sync.Cond{L: &s.mu}
	go s.run()
	return s
}

// Device of the stream.
func (s *Stream) Device() *Device { return s.device }

// ID uniquely identifies the stream in logs.
func (s *Stream) ID() string { return s.id }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("stream %s on %s", s.id[:8], s.device)
}

// Enqueue adds an operation to the end of the stream.
//
// It returns the sticky error immediately if the stream already faulted, or an error if it was closed.
// Errors of the operation itself are reported by Synchronize.
func (s *Stream) Enqueue(name string, fn func() error) error {
	return s.enqueue(streamOp{name: name, fn: fn})
}

func (s *Stream) enqueue(op streamOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Errorf("%s: enqueuing %q on a closed stream", s, op.name)
	}
	if s.err != nil && !op.always {
		return s.err
	}
	s.pending.Add(op.name)
	s.queue = append(s.queue, op)
	s.cond.Signal()
	return nil
}

// CopyToDevice enqueues a copy of src to device memory at dst.
// src is copied at enqueue time, the caller may reuse it immediately.
func (s *Stream) CopyToDevice(dst Ptr, src []byte) error {
	data := slices.Clone(src)
	return s.Enqueue("CopyToDevice", func() error {
		deviceData, err := s.device.Bytes(dst, int64(len(data)))
		if err != nil {
			return err
		}
		copy(deviceData, data)
		return nil
	})
}

// CopyToHost enqueues a copy of len(dst) bytes of device memory at src into dst.
// dst must not be touched until the stream is synchronized.
func (s *Stream) CopyToHost(dst []byte, src Ptr) error {
	return s.Enqueue("CopyToHost", func() error {
		deviceData, err := s.device.Bytes(src, int64(len(dst)))
		if err != nil {
			return err
		}
		copy(dst, deviceData)
		return nil
	})
}

// FreeAsync releases the allocation at ptr once every operation enqueued before it has executed.
// Releases run even after the stream faulted; a failure to release is only logged.
func (s *Stream) FreeAsync(ptr Ptr) {
	if ptr.IsNull() {
		return
	}
	err := s.enqueue(streamOp{name: "FreeAsync", always: true, fn: func() error {
		if err := s.device.Free(ptr); err != nil {
			klog.Errorf("%s: %+v", s, err)
		}
		return nil
	}})
	if err != nil {
		// Closed stream: nothing is pending on it anymore.
		if err := s.device.Free(ptr); err != nil {
			klog.Errorf("%s: %+v", s, err)
		}
	}
}

// Synchronize blocks until every enqueued operation has executed, and returns the sticky error, if any.
func (s *Stream) Synchronize() error {
	if klog.V(2).Enabled() {
		if count, labels := s.pending.Pending(); count > 0 {
			klog.Infof("%s: waiting for %d operation(s): %s", s, count, strings.Join(labels, ", "))
		}
	}
	s.pending.Wait()
	return s.Err()
}

// Err returns the sticky error of the stream, without waiting.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close synchronizes the stream and stops its worker goroutine. It returns the sticky error.
// It is safe to call Close more than once.
func (s *Stream) Close() error {
	err := s.Synchronize()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
	s.done.Wait()
	return err
}

// run executes operations until the stream is closed.
func (s *Stream) run() {
	defer s.done.Trigger()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = streamOp{}
		s.queue = s.queue[1:]
		skip := s.err != nil && !op.always
		s.mu.Unlock()

		if !skip {
			if err := s.execute(op); err != nil {
				s.mu.Lock()
				if s.err == nil {
					s.err = err
					klog.V(1).Infof("%s: operation %q failed: %v", s, op.name, err)
				}
				s.mu.Unlock()
			}
		}
		s.pending.Done(op.name)
	}
}

// execute runs one operation, converting panics into an ErrKernelFault.
func (s *Stream) execute(op streamOp) (err error) {
	exception := exceptions.Try(func() {
		err = op.fn()
	})
	if exception != nil {
		if panicErr, ok := exception.(error); ok {
			return errors.Wrapf(ErrKernelFault, "%s: operation %q panicked: %+v", s, op.name, panicErr)
		}
		return errors.Wrapf(ErrKernelFault, "%s: operation %q panicked: %v", s, op.name, exception)
	}
	return err
}
