package layout

import (
	"testing"

	"github.com/gomlx/groupgemm/groupgemm/kernels"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	ops := Operands{
		PtrA: 1, PtrB: 2,
		StrideA: 3, StrideB: 4,
		ScalesA: 5, ScalesB: 6,
		LeadingDims: kernels.LeadingDims{A: []int64{16}, B: []int64{32}, D: []int64{8}},
		PerRow:      true,
		PerColumn:   false,
	}

	n := Normalize(false, ops)
	assert.Equal(t, ops, n.Operands, "no swap is the identity")
	assert.Equal(t, kernels.RowMajor, n.Output)
	assert.False(t, n.Swapped)
	assert.Equal(t, kernels.ProblemShape{M: 3, N: 8, K: 16}, n.KernelProblem(kernels.ProblemShape{M: 3, N: 8, K: 16}))

	s := Normalize(true, ops)
	assert.True(t, s.Swapped)
	assert.Equal(t, kernels.ColumnMajor, s.Output)
	assert.Equal(t, ops.PtrB, s.PtrA)
	assert.Equal(t, ops.PtrA, s.PtrB)
	assert.Equal(t, ops.StrideB, s.StrideA)
	assert.Equal(t, ops.StrideA, s.StrideB)
	assert.Equal(t, ops.ScalesB, s.ScalesA)
	assert.Equal(t, ops.ScalesA, s.ScalesB)
	assert.False(t, s.PerRow)
	assert.True(t, s.PerColumn)
	assert.Equal(t, []int64{32}, s.LeadingDims.A)
	assert.Equal(t, []int64{16}, s.LeadingDims.B)
	assert.Equal(t, []int64{8}, s.LeadingDims.D)
	assert.Equal(t, kernels.ProblemShape{M: 8, N: 3, K: 16}, s.KernelProblem(kernels.ProblemShape{M: 3, N: 8, K: 16}))

	// Swapping twice gives back the caller operands.
	assert.Equal(t, ops, Normalize(true, s.Operands).Operands)
}
