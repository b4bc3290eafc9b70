// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/groupgemm/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is one emulated accelerator. It is safe for concurrent use.
type Device struct {
	platform     *Platform
	ordinal      int
	generation   Generation
	memoryBudget int64
	pool         *workerspool.Pool

	mu          sync.Mutex
	allocations map[uint32]*allocation
	nextHandle  uint32
	used        int64
}

// Platform owning the device.
func (d *Device) Platform() *Platform { return d.platform }

// Ordinal of the device in its platform.
func (d *Device) Ordinal() int { return d.ordinal }

// Generation of the device.
func (d *Device) Generation() Generation { return d.generation }

// ComputeUnits returns the pool of compute-unit workers kernels run on.
func (d *Device) ComputeUnits() *workerspool.Pool { return d.pool }

// HardwareInfo returns the (cached) description of the device.
func (d *Device) HardwareInfo() HardwareInfo {
	hw, err := d.platform.HardwareInfo(d.ordinal)
	if err != nil {
		// The device belongs to its platform, the ordinal is always valid.
		panic(err)
	}
	return hw
}

// MemoryBudget returns the total memory of the device in bytes.
func (d *Device) MemoryBudget() int64 { return d.memoryBudget }

// MemoryUsed returns the number of bytes currently allocated.
func (d *Device) MemoryUsed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// NumAllocations returns the number of live allocations.
func (d *Device) NumAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocations)
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("device #%d (%s)", d.ordinal, d.generation)
}

// Alloc allocates size bytes of device memory. The returned pointer is aligned to Alignment bytes
// and the memory is zeroed.
//
// It returns an error wrapping ErrResourceExhausted if the allocation doesn't fit the memory budget.
func (d *Device) Alloc(size int64) (Ptr, error) {
	if size < 0 || size > maxAllocationSize {
		return NullPtr, errors.Errorf("%s: invalid allocation size %d", d, size)
	}
	rounded := RoundUpToAlignment(max(size, 1))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+rounded > d.memoryBudget {
		return NullPtr, errors.Wrapf(ErrResourceExhausted, "%s: allocating %s with %s of %s in use",
			d, humanize.IBytes(uint64(rounded)), humanize.IBytes(uint64(d.used)), humanize.IBytes(uint64(d.memoryBudget)))
	}
	if d.nextHandle > maxHandle {
		return NullPtr, errors.Wrapf(ErrResourceExhausted, "%s: out of allocation handles", d)
	}
	handle := d.nextHandle
	d.nextHandle++
	d.allocations[handle] = &allocation{data: alignedBytes(rounded), size: size}
	d.used += rounded
	if klog.V(2).Enabled() {
		klog.Infof("%s: allocated %s at %s (%s in use)", d, humanize.IBytes(uint64(size)),
			makePtr(handle, 0), humanize.IBytes(uint64(d.used)))
	}
	return makePtr(handle, 0), nil
}

// Free releases the allocation starting at ptr, immediately.
//
// Memory that may still be used by work enqueued on a stream must be released with Stream.FreeAsync.
func (d *Device) Free(ptr Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	alloc, found := d.allocations[ptr.handle()]
	if !found || ptr.offset() != 0 {
		return errors.Wrapf(ErrInvalidPointer, "%s: freeing %s, it is not the start of a live allocation", d, ptr)
	}
	delete(d.allocations, ptr.handle())
	d.used -= int64(len(alloc.data))
	return nil
}

// Extent returns the number of bytes from ptr to the end of its allocation.
func (d *Device) Extent(ptr Ptr) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	alloc, found := d.allocations[ptr.handle()]
	if !found || ptr.offset() > alloc.size {
		return 0, errors.Wrapf(ErrInvalidPointer, "%s: %s doesn't point to a live allocation", d, ptr)
	}
	return alloc.size - ptr.offset(), nil
}

// Bytes returns a view of n bytes of device memory starting at ptr. The view aliases device memory.
//
// It fails with ErrInvalidPointer if the range is not within a live allocation.
func (d *Device) Bytes(ptr Ptr, n int64) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrInvalidPointer, "%s: negative length %d at %s", d, n, ptr)
	}
	d.mu.Lock()
	alloc, found := d.allocations[ptr.handle()]
	d.mu.Unlock()
	if !found {
		return nil, errors.Wrapf(ErrInvalidPointer, "%s: %s doesn't point to a live allocation", d, ptr)
	}
	start := ptr.offset()
	if start+n > alloc.size {
		return nil, errors.Wrapf(ErrInvalidPointer, "%s: accessing %d bytes at %s overflows its allocation of %d bytes",
			d, n, ptr, alloc.size)
	}
	return alloc.data[start : start+n : start+n], nil
}
