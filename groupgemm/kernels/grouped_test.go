package kernels

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/epilogue"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleGroupLaunch holds a hand-built launch of one int8 group D[m, n] = A[m, k]·B[n, k]ᵀ·sA·sB.
type singleGroupLaunch struct {
	device    *accel.Device
	a, b, d   *accel.Buffer
	args      *Arguments
	want      []float32
	allocated []*accel.Buffer
}

func ptrArray(t *testing.T, d *accel.Device, ptrs ...accel.Ptr) *accel.Buffer {
	values := make([]uint64, len(ptrs))
	for i, p := range ptrs {
		values[i] = uint64(p)
	}
	return must.M1(accel.BufferFromFlat(d, values, len(values)))
}

func newSingleGroupLaunch(t *testing.T, d *accel.Device, m, n, k int, output OutputLayout) *singleGroupLaunch {
	rng := rand.New(rand.NewSource(int64(m*1000 + n*10 + k)))
	aValues := make([]int8, m*k)
	bValues := make([]int8, n*k)
	for i := range aValues {
		aValues[i] = int8(rng.Intn(255) - 127)
	}
	for i := range bValues {
		bValues[i] = int8(rng.Intn(255) - 127)
	}
	const scaleA, scaleB = float32(0.5), float32(0.125)
	l := &singleGroupLaunch{device: d}
	l.a = must.M1(accel.BufferFromFlat(d, aValues, m, k))
	l.b = must.M1(accel.BufferFromFlat(d, bValues, n, k))
	l.d = must.M1(d.NewBuffer(dtypes.Float32, m, n))
	sa := must.M1(accel.BufferFromFlat(d, []float32{scaleA}, 1))
	sb := must.M1(accel.BufferFromFlat(d, []float32{scaleB}, 1))
	l.want = make([]float32, m*n)
	for i := range m {
		for j := range n {
			var acc int32
			for kk := range k {
				acc += int32(aValues[i*k+kk]) * int32(bValues[j*k+kk])
			}
			l.want[i*n+j] = float32(acc) * scaleA * scaleB
		}
	}

	// Kernel operand order: swapped problems read B as the kernel's A.
	kernelA, kernelB, kernelSA, kernelSB := l.a, l.b, sa, sb
	lda, ldb := int64(k), int64(k)
	if output == ColumnMajor {
		kernelA, kernelB, kernelSA, kernelSB = l.b, l.a, sb, sa
	}
	problems := must.M1(accel.BufferFromFlat(d, []int64{int64(m), int64(n), int64(k)}, 1, ProblemShapeWords))
	arrays := []*accel.Buffer{
		problems,
		ptrArray(t, d, kernelA.Ptr()), ptrArray(t, d, kernelB.Ptr()), ptrArray(t, d, l.d.Ptr()),
		must.M1(accel.BufferFromFlat(d, []int64{lda}, 1)),
		must.M1(accel.BufferFromFlat(d, []int64{ldb}, 1)),
		must.M1(accel.BufferFromFlat(d, []int64{int64(n)}, 1)),
		ptrArray(t, d, kernelSA.Ptr()), ptrArray(t, d, kernelSB.Ptr()),
	}
	l.allocated = append(arrays, l.a, l.b, l.d, sa, sb)
	l.args = &Arguments{
		Device:         d,
		NumGroups:      1,
		Problems:       []ProblemShape{{m, n, k}},
		LeadingDims:    LeadingDims{A: []int64{lda}, B: []int64{ldb}, D: []int64{int64(n)}},
		DeviceProblems: problems.Ptr(),
		PtrA:           arrays[1].Ptr(),
		PtrB:           arrays[2].Ptr(),
		PtrD:           arrays[3].Ptr(),
		StrideA:        arrays[4].Ptr(),
		StrideB:        arrays[5].Ptr(),
		StrideD:        arrays[6].Ptr(),
		Output:         output,
		Epilogue:       epilogue.Build(arrays[7].Ptr(), arrays[8].Ptr(), false, false),
		Hardware:       d.HardwareInfo(),
	}
	return l
}

func (l *singleGroupLaunch) finalize(t *testing.T) {
	for _, b := range l.allocated {
		require.NoError(t, b.Finalize())
	}
}

// smallTileSpec exercises several tiles, K-blocks and epilogue sub-tiles on small problems.
func smallTileSpec(name string, swap bool) ConfigSpec {
	spec := testSpec(accel.SM90, dtypes.Int8, dtypes.Float32, TileShape{4, 8, 16})
	spec.Name = name
	spec.SwapAB = swap
	spec.Mainloop = FixedStages(2)
	spec.EpilogueSchedule = EpilogueSchedule{SubTileM: 2, SubTileN: 4}
	return spec
}

func TestGroupedKernel(t *testing.T) {
	platform := must.M1(accel.NewWithConfig("sm90,units=3,memory=16MiB"))
	d := must.M1(platform.Device(0))
	stream := d.NewStream()
	defer func() { require.NoError(t, stream.Close()) }()

	for _, output := range []OutputLayout{RowMajor, ColumnMajor} {
		t.Run(output.String(), func(t *testing.T) {
			c := must.M1(NewConfig(smallTileSpec("small", output == ColumnMajor)))
			l := newSingleGroupLaunch(t, d, 7, 24, 48, output)
			defer l.finalize(t)
			require.NoError(t, c.CanImplement(l.args))
			size := c.WorkspaceSize(1, l.args.Hardware.ComputeUnits)
			workspace := must.M1(d.Alloc(size))
			require.Equal(t, StatusSuccess, c.Run(l.args, workspace, size, stream))
			stream.FreeAsync(workspace)
			require.NoError(t, stream.Synchronize())
			got := must.M1(accel.BufferToFlat[float32](l.d))
			assert.Equal(t, l.want, got)
		})
	}
}

func TestRunStatus(t *testing.T) {
	platform := must.M1(accel.NewWithConfig("sm90,units=2,memory=16MiB"))
	d := must.M1(platform.Device(0))
	c := must.M1(NewConfig(smallTileSpec("small", false)))
	l := newSingleGroupLaunch(t, d, 3, 8, 16, RowMajor)
	defer l.finalize(t)
	size := c.WorkspaceSize(1, l.args.Hardware.ComputeUnits)
	workspace := must.M1(d.Alloc(size))
	defer func() { require.NoError(t, d.Free(workspace)) }()

	stream := d.NewStream()
	assert.Equal(t, StatusErrorWorkspaceNull, c.Run(l.args, accel.NullPtr, size, stream))
	assert.Equal(t, StatusErrorWorkspaceNull, c.Run(l.args, workspace, size-1, stream))
	badArgs := *l.args
	badArgs.NumGroups = 0
	assert.Equal(t, StatusErrorInvalidProblem, c.Run(&badArgs, workspace, size, stream))
	require.NoError(t, stream.Close())
	assert.Equal(t, StatusErrorInternal, c.Run(l.args, workspace, size, stream))

	assert.NoError(t, StatusSuccess.Err())
	require.ErrorIs(t, StatusErrorInvalidProblem.Err(), accel.ErrKernelFault)
	assert.Equal(t, "ErrorWorkspaceNull", StatusErrorWorkspaceNull.String())
}

func TestKernelFault(t *testing.T) {
	platform := must.M1(accel.NewWithConfig("sm90,units=2,memory=16MiB"))
	d := must.M1(platform.Device(0))
	c := must.M1(NewConfig(smallTileSpec("small", false)))
	l := newSingleGroupLaunch(t, d, 3, 8, 16, RowMajor)
	size := c.WorkspaceSize(1, l.args.Hardware.ComputeUnits)
	workspace := must.M1(d.Alloc(size))

	// The A operand is released (in stream order) before the kernel runs.
	stream := d.NewStream()
	stream.FreeAsync(l.a.Ptr())
	require.Equal(t, StatusSuccess, c.Run(l.args, workspace, size, stream))
	stream.FreeAsync(workspace)
	err := stream.Synchronize()
	require.ErrorIs(t, err, accel.ErrKernelFault)
	t.Logf("kernel fault: %v", err)
	_ = stream.Close()
}
