package epilogue

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestBuild(t *testing.T) {
	for _, perRow := range []bool{false, true} {
		for _, perColumn := range []bool{false, true} {
			args := Build(1, 2, perRow, perColumn)
			assert.Equal(t, ScaledAcc, args.Kind)
			assert.Equal(t, perRow, args.PerRow())
			assert.Equal(t, perColumn, args.PerColumn())
			rows, cols := args.ScaleLengths(5, 3)
			wantRows, wantCols := 1, 1
			if perRow {
				wantRows = 5
			}
			if perColumn {
				wantCols = 3
			}
			assert.Equal(t, wantRows, rows, "%s", args)
			assert.Equal(t, wantCols, cols, "%s", args)
		}
	}
}

func TestGather(t *testing.T) {
	scales := []float32{1, 2, 3, 4, 5}
	dst := make([]float32, 3)
	Gather(dst, scales, 2, 1)
	assert.Equal(t, []float32{3, 4, 5}, dst)
	Gather(dst, scales[:1], 2, 0)
	assert.Equal(t, []float32{1, 1, 1}, dst)
}

// TestApply checks the four broadcast modes against out[i][j] = acc[i][j] · sA(i) · sB(j).
func TestApply(t *testing.T) {
	const rows, cols = 3, 4
	acc := make([]int32, rows*cols)
	for i := range acc {
		acc[i] = int32(i - 5)
	}
	scalesA := []float32{0.5, 2, -1}
	scalesB := []float32{1, 0.25, 3, -2}
	for _, perRow := range []bool{false, true} {
		for _, perColumn := range []bool{false, true} {
			t.Run(fmt.Sprintf("perRow=%v,perColumn=%v", perRow, perColumn), func(t *testing.T) {
				args := Build(0, 0, perRow, perColumn)
				rowScales := make([]float32, rows)
				colScales := make([]float32, cols)
				Gather(rowScales, scalesA, 0, args.RowStride)
				Gather(colScales, scalesB, 0, args.ColStride)
				out := make([]float32, rows*cols)
				Apply(out, cols, 1, acc, cols, rows, cols, rowScales, colScales, Caster[float32]())
				for i := range rows {
					for j := range cols {
						sA, sB := scalesA[0], scalesB[0]
						if perRow {
							sA = scalesA[i]
						}
						if perColumn {
							sB = scalesB[j]
						}
						assert.Equal(t, float32(acc[i*cols+j])*sA*sB, out[i*cols+j], "out[%d][%d]", i, j)
					}
				}
			})
		}
	}
}

func TestApplyColumnMajor(t *testing.T) {
	// Output written transposed: row stride 1, column stride 2.
	acc := []float32{1, 2, 3, 4, 5, 6}
	out := make([]bfloat16.BFloat16, 6)
	Apply(out, 1, 2, acc, 3, 2, 3, []float32{1, 1}, []float32{1, 1, 1}, Caster[bfloat16.BFloat16]())
	got := make([]float32, len(out))
	for i, v := range out {
		got[i] = v.Float32()
	}
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got)
}

func TestCaster(t *testing.T) {
	assert.Equal(t, float32(1.5), Caster[float32]()(1.5))
	assert.Equal(t, float32(1.5), Caster[float16.Float16]()(1.5).Float32())
	assert.Equal(t, float32(1.5), Caster[bfloat16.BFloat16]()(1.5).Float32())
	require.Panics(t, func() { Caster[int8]() })
}
