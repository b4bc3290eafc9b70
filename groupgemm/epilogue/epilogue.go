// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package epilogue implements the fused dequantization epilogue of grouped kernels:
// out[i, j] = cast(acc[i, j] · scaleA[i·RowStride] · scaleB[j·ColStride]).
//
// Per-row (per-column) scales and per-tensor scales differ only in the stride used to index them:
// 1 when the scale varies along the axis, 0 when a single value is broadcast. The choice is made
// once, when the arguments are built, and the inner loops never branch on it.
package epilogue

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/groupgemm/accel"
	"github.com/x448/float16"
)

// Kind of fused epilogue.
type Kind int

const (
	// ScaledAcc dequantizes the accumulator with the A and B scales and casts it to the output dtype.
	ScaledAcc Kind = iota
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case ScaledAcc:
		return "ScaledAcc"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Args of the epilogue, as passed to a kernel.
type Args struct {
	Kind Kind

	// ScalesA and ScalesB are device arrays with one scale pointer (uint64) per group, for the
	// kernel's A and B operands respectively.
	ScalesA, ScalesB accel.Ptr

	// RowStride and ColStride index the A scales by output row and the B scales by output column.
	// They are 1 (one scale per row/column) or 0 (broadcast).
	RowStride, ColStride int64
}

// Build the epilogue arguments for the given scale pointer arrays and broadcast modes.
// perRow and perColumn are in kernel coordinates.
func Build(scalesA, scalesB accel.Ptr, perRow, perColumn bool) Args {
	return Args{
		Kind:      ScaledAcc,
		ScalesA:   scalesA,
		ScalesB:   scalesB,
		RowStride: strideFor(perRow),
		ColStride: strideFor(perColumn),
	}
}

func strideFor(varying bool) int64 {
	if varying {
		return 1
	}
	return 0
}

// PerRow returns whether the A scales vary per output row.
func (a Args) PerRow() bool { return a.RowStride != 0 }

// PerColumn returns whether the B scales vary per output column.
func (a Args) PerColumn() bool { return a.ColStride != 0 }

// ScaleLengths returns the number of A and B scales read for a rows×cols output.
func (a Args) ScaleLengths(rows, cols int) (rowScales, colScales int) {
	return int(a.RowStride)*(rows-1) + 1, int(a.ColStride)*(cols-1) + 1
}

// String implements fmt.Stringer.
func (a Args) String() string {
	return fmt.Sprintf("%s(perRow=%v, perColumn=%v)", a.Kind, a.PerRow(), a.PerColumn())
}

// Gather copies the scales for the index range [start, start+len(dst)) into dst, with the given stride.
func Gather(dst, scales []float32, start int, stride int64) {
	for i := range dst {
		dst[i] = scales[int64(start+i)*stride]
	}
}

// Accumulator is the type kernels accumulate products in.
type Accumulator interface {
	int32 | float32
}

// Apply writes rows×cols outputs: d[i·dRow + j·dCol] = cast(acc[i·accStride + j] · rowScales[i] · colScales[j]).
func Apply[Acc Accumulator, Out any](d []Out, dRow, dCol int64, acc []Acc, accStride, rows, cols int,
	rowScales, colScales []float32, cast func(float32) Out) {
	for i := range rows {
		rowScale := rowScales[i]
		accRow := acc[i*accStride : i*accStride+cols]
		base := int64(i) * dRow
		for j, v := range accRow {
			d[base+int64(j)*dCol] = cast(float32(v) * rowScale * colScales[j])
		}
	}
}

// Caster returns the conversion from float32 to the output type Out.
// It panics if Out is not float32, bfloat16.BFloat16 or float16.Float16.
func Caster[Out any]() func(float32) Out {
	var zero Out
	switch any(zero).(type) {
	case float32:
		return any(func(v float32) float32 { return v }).(func(float32) Out)
	case bfloat16.BFloat16:
		return any(bfloat16.FromFloat32).(func(float32) Out)
	case float16.Float16:
		return any(float16.Fromfloat32).(func(float32) Out)
	}
	panic(fmt.Sprintf("epilogue: unsupported output type %T", zero))
}
