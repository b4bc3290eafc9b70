// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package groupgemm computes grouped, quantized matrix multiplications for mixture-of-experts
// layers: one matmul per expert, each over its own contiguous block of rows, in a single kernel
// launch that dequantizes with per-group scales in its epilogue.
//
// For experts e = 0..E-1 with rows [offsets[e], offsets[e+1]) of A:
//
//	Out[offsets[e]+i, j] = cast(Σₖ A[offsets[e]+i, k] · B[e, j, k] · scaleA(i) · scaleB(e, j))
//
// scaleA is per row (PerRow) or a single value; scaleB is per output column of each expert
// (PerColumn) or one value per expert.
//
// Kernel configurations are registered in package kernels; GroupedMatMul picks one for the device
// generation, the operand and output dtypes and the shape of the problem, unless WithConfig is given.
package groupgemm

import (
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
)

// ProblemShape (M, N, K) of one group.
type ProblemShape = kernels.ProblemShape

var (
	// ErrUnsupportedConfiguration is returned (wrapped) when the request can't be executed by the
	// kernel configuration: invalid shapes, offsets, alignment, dtypes or mixed scale modes.
	ErrUnsupportedConfiguration = kernels.ErrUnsupportedConfiguration

	// ErrResourceExhausted is returned (wrapped) when the workspace can't be allocated.
	ErrResourceExhausted = accel.ErrResourceExhausted

	// ErrKernelFault is returned (wrapped) when the kernel launch reports a non-success status.
	// Faults while the kernel runs are reported by the stream.
	ErrKernelFault = accel.ErrKernelFault
)

// Strides are the per-group leading dimensions, in elements, of A, B and Out.
// Empty slices default to dense operands: K for A and B, N for Out.
type Strides struct {
	A, B, D []int64
}

// Request for a grouped matmul. All buffers must be on the same device.
type Request struct {
	// Out is [totalRows, N], overwritten.
	Out *accel.Buffer

	// A is [totalRows, K], B is [numExperts, N, K].
	A, B *accel.Buffer

	// ScalesA has totalRows values if PerRow, else 1.
	// ScalesB has numExperts·N values if PerColumn, else numExperts.
	ScalesA, ScalesB *accel.Buffer

	// ExpertOffsets has numExperts+1 row offsets, starting at 0.
	ExpertOffsets []int64

	// ProblemSizes has one (M, N, K) per expert.
	ProblemSizes []ProblemShape

	Strides Strides

	PerRow, PerColumn bool
}

// ShapeHint returns the selection hint describing the request.
func (r *Request) ShapeHint() kernels.ShapeHint {
	hint := kernels.ShapeHint{NumGroups: len(r.ProblemSizes)}
	for _, p := range r.ProblemSizes {
		hint.TotalRows += p.M
	}
	if len(r.ProblemSizes) > 0 {
		hint.N, hint.K = r.ProblemSizes[0].N, r.ProblemSizes[0].K
	}
	return hint
}
