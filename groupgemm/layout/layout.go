// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layout decides, once per call, how the caller's operands map onto the kernel's.
//
// A swapped configuration computes Dᵀ = B·Aᵀ: the kernel's A operand is the caller's B, the scale
// broadcast modes trade places, and the output is written column-major in kernel coordinates, so
// the caller still gets a row-major D. Everything downstream works on the Normalized result and
// never looks at the swap flag again.
package layout

import (
	"fmt"

	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
)

// Operands of a grouped call: device arrays with one entry per group, as built by the descriptors
// package, plus host copies of the leading dimensions.
type Operands struct {
	PtrA, PtrB       accel.Ptr
	StrideA, StrideB accel.Ptr
	ScalesA, ScalesB accel.Ptr
	LeadingDims      kernels.LeadingDims

	// PerRow: one A scale per row. PerColumn: one B scale per column (output feature).
	PerRow, PerColumn bool
}

// Normalized operands, in kernel order.
type Normalized struct {
	Operands
	Output  kernels.OutputLayout
	Swapped bool
}

// Normalize maps the caller operands to kernel operands. With swap the A and B pointer, stride and
// scale arrays are exchanged, as are the broadcast modes, and the output becomes column-major.
func Normalize(swap bool, ops Operands) Normalized {
	if !swap {
		return Normalized{Operands: ops, Output: kernels.RowMajor}
	}
	swapped := Operands{
		PtrA:    ops.PtrB,
		PtrB:    ops.PtrA,
		StrideA: ops.StrideB,
		StrideB: ops.StrideA,
		ScalesA: ops.ScalesB,
		ScalesB: ops.ScalesA,
		LeadingDims: kernels.LeadingDims{
			A: ops.LeadingDims.B,
			B: ops.LeadingDims.A,
			D: ops.LeadingDims.D,
		},
		PerRow:    ops.PerColumn,
		PerColumn: ops.PerRow,
	}
	return Normalized{Operands: swapped, Output: kernels.ColumnMajor, Swapped: true}
}

// KernelProblem returns a group's problem shape in kernel coordinates: (N, M, K) when swapped.
func (n Normalized) KernelProblem(p kernels.ProblemShape) kernels.ProblemShape {
	return n.Output.KernelShape(p)
}

// String implements fmt.Stringer.
func (n Normalized) String() string {
	return fmt.Sprintf("layout(swapped=%v, output=%s, perRow=%v, perColumn=%v)", n.Swapped, n.Output, n.PerRow, n.PerColumn)
}
