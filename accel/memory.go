// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// Ptr is an opaque device memory address.
//
// The upper bits hold the allocation handle and the lower ptrOffsetBits bits the byte offset within
// the allocation, so pointer arithmetic within an allocation is plain integer arithmetic.
type Ptr uint64

// NullPtr is the zero device pointer; it never resolves.
const NullPtr Ptr = 0

const (
	ptrOffsetBits     = 40
	ptrOffsetMask     = 1<<ptrOffsetBits - 1
	maxHandle         = 1<<(64-ptrOffsetBits) - 1
	maxAllocationSize = 1 << (ptrOffsetBits - 1)

	// Alignment in bytes of every device allocation.
	Alignment = 256
)

func makePtr(handle uint32, offset int64) Ptr {
	return Ptr(uint64(handle)<<ptrOffsetBits | uint64(offset))
}

func (p Ptr) handle() uint32 { return uint32(p >> ptrOffsetBits) }

func (p Ptr) offset() int64 { return int64(p & ptrOffsetMask) }

// IsNull returns whether p is the null pointer.
func (p Ptr) IsNull() bool { return p == NullPtr }

// Add returns p advanced by the given number of bytes.
func (p Ptr) Add(bytes int64) Ptr { return Ptr(int64(p) + bytes) }

// IsAligned returns whether the address is a multiple of alignment bytes.
func (p Ptr) IsAligned(alignment int) bool {
	return p.offset()%int64(alignment) == 0
}

// String implements fmt.Stringer.
func (p Ptr) String() string {
	if p.IsNull() {
		return "nullptr"
	}
	return fmt.Sprintf("0x%x", uint64(p))
}

// RoundUpToAlignment rounds size up to a multiple of Alignment.
func RoundUpToAlignment(size int64) int64 {
	return (size + Alignment - 1) / Alignment * Alignment
}

type allocation struct {
	data []byte // len(data) is size rounded up to Alignment.
	size int64
}

// alignedBytes returns a zeroed slice of n bytes whose first element is Alignment-aligned in
// host memory, so device offsets and host addresses share alignment.
func alignedBytes(n int64) []byte {
	buf := make([]byte, n+Alignment)
	misalignment := int64(uintptr(unsafe.Pointer(&buf[0])) % Alignment)
	start := (Alignment - misalignment) % Alignment
	return buf[start : start+n : start+n]
}

// View returns a typed view of n elements of device memory starting at ptr.
// The view aliases device memory.
//
// ptr must be aligned to the element size.
func View[T any](d *Device, ptr Ptr, n int) ([]T, error) {
	var zero T
	elemSize := int64(unsafe.Sizeof(zero))
	if n == 0 {
		return nil, nil
	}
	if !ptr.IsAligned(int(unsafe.Alignof(zero))) {
		return nil, errors.Wrapf(ErrInvalidPointer, "%s: %s is not aligned for %T elements", d, ptr, zero)
	}
	data, err := d.Bytes(ptr, int64(n)*elemSize)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n), nil
}

// bytesOf returns the raw bytes of a flat slice, aliasing it.
func bytesOf[T any](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(zero)))
}
