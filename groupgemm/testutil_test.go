package groupgemm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/groupgemm/accel"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// testProblem describes a grouped matmul test case.
type testProblem struct {
	ms                []int
	n, k              int
	operand, output   dtypes.DType
	perRow, perColumn bool
	seed              int64
}

// testData holds the device request of a testProblem and its float64 reference result.
type testData struct {
	req       *Request
	totalRows int
	want      []float64
}

func newTestDevice(t *testing.T, config string) *accel.Device {
	platform, err := accel.NewWithConfig(config)
	require.NoError(t, err)
	return must.M1(platform.Device(0))
}

// operandBuffer creates a buffer with random operand values and returns them as float64.
func operandBuffer(t *testing.T, d *accel.Device, rng *rand.Rand, dtype dtypes.DType, dims ...int) (*accel.Buffer, []float64) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float64, size)
	switch dtype {
	case dtypes.Int8:
		flat := make([]int8, size)
		for i := range flat {
			flat[i] = int8(rng.Intn(255) - 127)
			values[i] = float64(flat[i])
		}
		return must.M1(accel.BufferFromFlat(d, flat, dims...)), values
	case dtypes.Float16:
		flat := make([]float16.Float16, size)
		for i := range flat {
			flat[i] = float16.Fromfloat32(2*rng.Float32() - 1)
			values[i] = float64(flat[i].Float32())
		}
		return must.M1(accel.BufferFromFlat(d, flat, dims...)), values
	}
	t.Fatalf("unsupported operand dtype %s", dtype)
	return nil, nil
}

func randomScales(rng *rand.Rand, n int) []float32 {
	scales := make([]float32, n)
	for i := range scales {
		scales[i] = 0.05 + 0.05*rng.Float32()
	}
	return scales
}

func newTestData(t *testing.T, d *accel.Device, tp testProblem) *testData {
	rng := rand.New(rand.NewSource(tp.seed))
	numGroups := len(tp.ms)
	td := &testData{req: &Request{PerRow: tp.perRow, PerColumn: tp.perColumn}}
	td.req.ExpertOffsets = []int64{0}
	for _, m := range tp.ms {
		td.totalRows += m
		td.req.ExpertOffsets = append(td.req.ExpertOffsets, int64(td.totalRows))
		td.req.ProblemSizes = append(td.req.ProblemSizes, ProblemShape{M: m, N: tp.n, K: tp.k})
	}

	var aValues, bValues []float64
	td.req.A, aValues = operandBuffer(t, d, rng, tp.operand, td.totalRows, tp.k)
	td.req.B, bValues = operandBuffer(t, d, rng, tp.operand, numGroups, tp.n, tp.k)
	td.req.Out = must.M1(d.NewBuffer(tp.output, td.totalRows, tp.n))
	numScalesA, numScalesB := 1, numGroups
	if tp.perRow {
		numScalesA = td.totalRows
	}
	if tp.perColumn {
		numScalesB = numGroups * tp.n
	}
	scalesA, scalesB := randomScales(rng, numScalesA), randomScales(rng, numScalesB)
	td.req.ScalesA = must.M1(accel.BufferFromFlat(d, scalesA, numScalesA))
	td.req.ScalesB = must.M1(accel.BufferFromFlat(d, scalesB, numScalesB))

	// Reference: one dense matmul per group.
	td.want = make([]float64, td.totalRows*tp.n)
	for e, m := range tp.ms {
		if m == 0 {
			continue
		}
		offset := int(td.req.ExpertOffsets[e])
		aMat := mat.NewDense(m, tp.k, aValues[offset*tp.k:(offset+m)*tp.k])
		bMat := mat.NewDense(tp.n, tp.k, bValues[e*tp.n*tp.k:(e+1)*tp.n*tp.k])
		var c mat.Dense
		c.Mul(aMat, bMat.T())
		for i := range m {
			sA := float64(scalesA[0])
			if tp.perRow {
				sA = float64(scalesA[offset+i])
			}
			for j := range tp.n {
				sB := float64(scalesB[e])
				if tp.perColumn {
					sB = float64(scalesB[e*tp.n+j])
				}
				td.want[(offset+i)*tp.n+j] = c.At(i, j) * sA * sB
			}
		}
	}
	return td
}

// output reads the result as float64.
func (td *testData) output(t *testing.T) []float64 {
	out := td.req.Out
	got := make([]float64, out.Size())
	switch out.DType() {
	case dtypes.Float32:
		for i, v := range must.M1(accel.BufferToFlat[float32](out)) {
			got[i] = float64(v)
		}
	case dtypes.BFloat16:
		for i, v := range must.M1(accel.BufferToFlat[bfloat16.BFloat16](out)) {
			got[i] = float64(v.Float32())
		}
	case dtypes.Float16:
		for i, v := range must.M1(accel.BufferToFlat[float16.Float16](out)) {
			got[i] = float64(v.Float32())
		}
	default:
		t.Fatalf("unsupported output dtype %s", out.DType())
	}
	return got
}

// relativeTolerance of the output dtype.
func relativeTolerance(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.BFloat16:
		return 1e-2
	case dtypes.Float16:
		return 2e-3
	default:
		return 1e-5
	}
}

func requireClose(t *testing.T, want, got []float64, relTolerance float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		delta := relTolerance*math.Abs(want[i]) + 1e-5
		require.InDelta(t, want[i], got[i], delta, "element %d", i)
	}
}

func (td *testData) finalize(t *testing.T) {
	for _, b := range []*accel.Buffer{td.req.Out, td.req.A, td.req.B, td.req.ScalesA, td.req.ScalesB} {
		require.NoError(t, b.Finalize())
	}
}
