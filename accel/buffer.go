// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Element is the set of Go types that can be stored in a Buffer.
type Element interface {
	int8 | int32 | int64 | uint64 | float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// DTypeOf returns the dtype corresponding to the Go type T.
func DTypeOf[T Element]() dtypes.DType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return dtypes.Int8
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case uint64:
		return dtypes.Uint64
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case float16.Float16:
		return dtypes.Float16
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	}
	return dtypes.InvalidDType
}

// Buffer is a dense, row-major array in device memory: a typed handle on one allocation.
type Buffer struct {
	device *Device
	ptr    Ptr
	dtype  dtypes.DType
	dims   []int
}

// NewBuffer allocates a zeroed buffer with the given dtype and dimensions.
func (d *Device) NewBuffer(dtype dtypes.DType, dims ...int) (*Buffer, error) {
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			return nil, errors.Errorf("%s: invalid buffer dimensions %v", d, dims)
		}
		size *= dim
	}
	ptr, err := d.Alloc(int64(size) * int64(dtype.Memory()))
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating buffer %s%v", dtype, dims)
	}
	return &Buffer{device: d, ptr: ptr, dtype: dtype, dims: slices.Clone(dims)}, nil
}

// BufferFromFlat allocates a buffer and copies flat into it.
//
// The copy is synchronous: it doesn't go through a stream.
func BufferFromFlat[T Element](d *Device, flat []T, dims ...int) (*Buffer, error) {
	b, err := d.NewBuffer(DTypeOf[T](), dims...)
	if err != nil {
		return nil, err
	}
	if len(flat) != b.Size() {
		_ = b.Finalize()
		return nil, errors.Errorf("BufferFromFlat: flat has %d elements, dimensions %v require %d", len(flat), dims, b.Size())
	}
	data, err := d.Bytes(b.ptr, b.ByteSize())
	if err != nil {
		_ = b.Finalize()
		return nil, err
	}
	copy(data, bytesOf(flat))
	return b, nil
}

// BufferToFlat copies the contents of the buffer to a new Go slice.
//
// The copy is synchronous: synchronize the streams writing to the buffer first.
func BufferToFlat[T Element](b *Buffer) ([]T, error) {
	if dtype := DTypeOf[T](); dtype != b.dtype {
		return nil, errors.Errorf("BufferToFlat: buffer has dtype %s, requested %s", b.dtype, dtype)
	}
	view, err := View[T](b.device, b.ptr, b.Size())
	if err != nil {
		return nil, err
	}
	return slices.Clone(view), nil
}

// Device where the buffer lives.
func (b *Buffer) Device() *Device { return b.device }

// Ptr returns the device address of the first element.
func (b *Buffer) Ptr() Ptr { return b.ptr }

// DType of the elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Dims returns a copy of the dimensions.
func (b *Buffer) Dims() []int { return slices.Clone(b.dims) }

// Rank is the number of dimensions.
func (b *Buffer) Rank() int { return len(b.dims) }

// Dim returns the size of the given axis.
func (b *Buffer) Dim(axis int) int { return b.dims[axis] }

// Size is the number of elements.
func (b *Buffer) Size() int {
	size := 1
	for _, dim := range b.dims {
		size *= dim
	}
	return size
}

// ByteSize is the number of bytes used by the elements.
func (b *Buffer) ByteSize() int64 {
	return int64(b.Size()) * int64(b.dtype.Memory())
}

// Finalize releases the buffer memory immediately.
// Use Stream.FreeAsync(b.Ptr()) if work using it may still be pending.
func (b *Buffer) Finalize() error {
	if b.ptr.IsNull() {
		return nil
	}
	err := b.device.Free(b.ptr)
	b.ptr = NullPtr
	return err
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("%s%v@%s", b.dtype, b.dims, b.ptr)
}
