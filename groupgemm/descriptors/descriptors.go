// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package descriptors builds the per-group argument arrays of a grouped kernel launch: problem
// shapes, leading dimensions, and the operand, output and scale pointers of every group.
//
// All arrays live in one call-scoped device allocation, the Arena, split into bounds-checked
// sections. The arrays are written by an operation enqueued on the call's stream, so they are
// ready before any kernel enqueued after it runs.
package descriptors

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// sectionAlignment of every section in the arena.
const sectionAlignment = 16

// scaleBytes is the size of a float32 scale.
const scaleBytes = 4

// Inputs to Build. Operands are given in caller order: A is [totalRows, K], B is
// [numGroups, N, K] and D is [totalRows, N], all row-major with the given leading dimensions.
type Inputs struct {
	NumGroups int

	// Problems (M, N, K) of each group and the row offsets of the groups in A and D (NumGroups+1 values).
	Problems []kernels.ProblemShape
	Offsets  []int64

	A, B, D                         accel.Ptr
	ElemSizeA, ElemSizeB, ElemSizeD int64
	LeadingDims                     kernels.LeadingDims

	// ScalesA holds one scale per row of A if PerRow, else a single scale.
	// ScalesB holds N scales per group if PerColumn, else one per group.
	ScalesA, ScalesB  accel.Ptr
	PerRow, PerColumn bool
}

// Section of the arena: a byte range.
type Section struct {
	Offset, Length int64
}

// End of the section.
func (s Section) End() int64 { return s.Offset + s.Length }

// Arena holds the descriptor arrays of one call.
type Arena struct {
	device    *accel.Device
	base      accel.Ptr
	size      int64
	numGroups int

	// Problems holds kernels.ProblemShapeWords int64 per group, in caller coordinates.
	Problems Section

	// StridesA, StridesB and StridesD hold the leading dimension (int64) of each group.
	StridesA, StridesB, StridesD Section

	// PtrA, PtrB, PtrD, PtrScalesA and PtrScalesB hold one device pointer (uint64) per group.
	PtrA, PtrB, PtrD       Section
	PtrScalesA, PtrScalesB Section
}

// Build allocates the arena and enqueues the computation of the arrays on the stream.
//
// The arena must be released with Arena.Release once the launches using it are enqueued.
func Build(stream *accel.Stream, in Inputs) (*Arena, error) {
	g := in.NumGroups
	switch {
	case g <= 0:
		return nil, errors.Errorf("descriptors: invalid number of groups %d", g)
	case len(in.Problems) != g || len(in.Offsets) != g+1:
		return nil, errors.Errorf("descriptors: %d groups with %d problem shapes and %d offsets (%d expected)",
			g, len(in.Problems), len(in.Offsets), g+1)
	case len(in.LeadingDims.A) != g || len(in.LeadingDims.B) != g || len(in.LeadingDims.D) != g:
		return nil, errors.Errorf("descriptors: leading dimensions for %d/%d/%d groups, %d expected",
			len(in.LeadingDims.A), len(in.LeadingDims.B), len(in.LeadingDims.D), g)
	}

	dev := stream.Device()
	a := &Arena{device: dev, numGroups: g}
	var offset int64
	section := func(bytes int64) Section {
		s := Section{Offset: offset, Length: bytes}
		offset += (bytes + sectionAlignment - 1) / sectionAlignment * sectionAlignment
		return s
	}
	words := int64(g) * 8
	a.Problems = section(words * kernels.ProblemShapeWords)
	a.StridesA, a.StridesB, a.StridesD = section(words), section(words), section(words)
	a.PtrA, a.PtrB, a.PtrD = section(words), section(words), section(words)
	a.PtrScalesA, a.PtrScalesB = section(words), section(words)
	a.size = offset

	var err error
	if a.base, err = dev.Alloc(a.size); err != nil {
		return nil, errors.WithMessagef(err, "descriptors: allocating arena for %d groups", g)
	}
	if klog.V(2).Enabled() {
		klog.Infof("descriptors: arena of %s for %d groups at %s", humanize.IBytes(uint64(a.size)), g, a.base)
	}

	// The enqueued operation owns copies of the host arrays.
	in.Problems = slices.Clone(in.Problems)
	in.Offsets = slices.Clone(in.Offsets)
	in.LeadingDims = kernels.LeadingDims{
		A: slices.Clone(in.LeadingDims.A),
		B: slices.Clone(in.LeadingDims.B),
		D: slices.Clone(in.LeadingDims.D),
	}
	base := a.base
	if err = stream.Enqueue("BuildGroupDescriptors", func() error { return a.write(base, &in) }); err != nil {
		_ = dev.Free(a.base)
		return nil, err
	}
	return a, nil
}

// write computes the arrays into device memory at base. It runs on the stream, possibly after the
// host already released the arena.
func (a *Arena) write(base accel.Ptr, in *Inputs) error {
	g := a.numGroups
	problems, err := accel.View[int64](a.device, base.Add(a.Problems.Offset), g*kernels.ProblemShapeWords)
	if err != nil {
		return err
	}
	var strides [3][]int64
	for i, s := range []Section{a.StridesA, a.StridesB, a.StridesD} {
		if strides[i], err = accel.View[int64](a.device, base.Add(s.Offset), g); err != nil {
			return err
		}
	}
	var ptrs [5][]uint64
	for i, s := range []Section{a.PtrA, a.PtrB, a.PtrD, a.PtrScalesA, a.PtrScalesB} {
		if ptrs[i], err = accel.View[uint64](a.device, base.Add(s.Offset), g); err != nil {
			return err
		}
	}

	// Broadcast scales don't advance with the rows (A) or columns (B) of the groups.
	var rowScaleStride, colScaleStride int64
	if in.PerRow {
		rowScaleStride = 1
	}
	if in.PerColumn {
		colScaleStride = 1
	}
	lds := in.LeadingDims
	for e, p := range in.Problems {
		rowOffset := in.Offsets[e]
		problems[e*kernels.ProblemShapeWords] = int64(p.M)
		problems[e*kernels.ProblemShapeWords+1] = int64(p.N)
		problems[e*kernels.ProblemShapeWords+2] = int64(p.K)
		strides[0][e], strides[1][e], strides[2][e] = lds.A[e], lds.B[e], lds.D[e]

		ptrs[0][e] = uint64(in.A.Add(rowOffset * lds.A[e] * in.ElemSizeA))
		ptrs[1][e] = uint64(in.B.Add(int64(e) * int64(p.N) * lds.B[e] * in.ElemSizeB))
		ptrs[2][e] = uint64(in.D.Add(rowOffset * lds.D[e] * in.ElemSizeD))
		ptrs[3][e] = uint64(in.ScalesA.Add(rowOffset * rowScaleStride * scaleBytes))
		perGroupScales := colScaleStride*(int64(p.N)-1) + 1
		ptrs[4][e] = uint64(in.ScalesB.Add(int64(e) * perGroupScales * scaleBytes))
	}
	return nil
}

// Ptr returns the device address of a section of the arena.
// It panics if the section is not within the arena.
func (a *Arena) Ptr(s Section) accel.Ptr {
	if s.Offset < 0 || s.Length < 0 || s.End() > a.size {
		exceptions.Panicf("descriptors: section %+v out of the arena bounds [0, %d)", s, a.size)
	}
	if a.base.IsNull() {
		exceptions.Panicf("descriptors: arena already released")
	}
	return a.base.Add(s.Offset)
}

// Base returns the device address of the arena, or accel.NullPtr after it is released.
func (a *Arena) Base() accel.Ptr { return a.base }

// Size of the arena in bytes.
func (a *Arena) Size() int64 { return a.size }

// NumGroups the arena was built for.
func (a *Arena) NumGroups() int { return a.numGroups }

// Release the arena after every operation already enqueued on the stream. It is a no-op if
// the arena was already released.
func (a *Arena) Release(stream *accel.Stream) {
	if a.base.IsNull() {
		return
	}
	stream.FreeAsync(a.base)
	a.base = accel.NullPtr
}

// String implements fmt.Stringer.
func (a *Arena) String() string {
	return fmt.Sprintf("descriptors.Arena(%d groups, %d bytes at %s)", a.numGroups, a.size, a.base)
}
