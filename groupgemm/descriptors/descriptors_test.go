package descriptors

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioInputs(t *testing.T, d *accel.Device, perRow, perColumn bool) Inputs {
	const n, k = 8, 16
	ms := []int{3, 0, 5, 2}
	in := Inputs{
		NumGroups: len(ms),
		Offsets:   []int64{0, 3, 3, 8, 10},
		A:         must.M1(d.NewBuffer(dtypes.Int8, 10, k)).Ptr(),
		B:         must.M1(d.NewBuffer(dtypes.Int8, len(ms), n, k)).Ptr(),
		D:         must.M1(d.NewBuffer(dtypes.BFloat16, 10, n)).Ptr(),
		ElemSizeA: 1, ElemSizeB: 1, ElemSizeD: 2,
		ScalesA:   must.M1(d.NewBuffer(dtypes.Float32, 10)).Ptr(),
		ScalesB:   must.M1(d.NewBuffer(dtypes.Float32, len(ms)*n)).Ptr(),
		PerRow:    perRow,
		PerColumn: perColumn,
	}
	for _, m := range ms {
		in.Problems = append(in.Problems, kernels.ProblemShape{M: m, N: n, K: k})
		in.LeadingDims.A = append(in.LeadingDims.A, k)
		in.LeadingDims.B = append(in.LeadingDims.B, k)
		in.LeadingDims.D = append(in.LeadingDims.D, n)
	}
	return in
}

func readArray[T accel.Element](t *testing.T, a *Arena, s Section, n int) []T {
	return must.M1(accel.View[T](a.device, a.Ptr(s), n))
}

func TestBuild(t *testing.T) {
	platform := must.M1(accel.NewWithConfig("sm90,units=2,memory=1MiB"))
	d := must.M1(platform.Device(0))
	stream := d.NewStream()
	defer func() { require.NoError(t, stream.Close()) }()

	for _, perRow := range []bool{false, true} {
		for _, perColumn := range []bool{false, true} {
			t.Run(fmt.Sprintf("perRow=%v,perColumn=%v", perRow, perColumn), func(t *testing.T) {
				in := scenarioInputs(t, d, perRow, perColumn)
				numAllocations := d.NumAllocations()
				arena, err := Build(stream, in)
				require.NoError(t, err)
				require.NoError(t, stream.Synchronize())
				fmt.Printf("\t%s\n", arena)

				problems := readArray[int64](t, arena, arena.Problems, 4*kernels.ProblemShapeWords)
				assert.Equal(t, []int64{3, 8, 16, 0, 8, 16, 5, 8, 16, 2, 8, 16}, problems)
				assert.Equal(t, []int64{16, 16, 16, 16}, readArray[int64](t, arena, arena.StridesA, 4))
				assert.Equal(t, []int64{8, 8, 8, 8}, readArray[int64](t, arena, arena.StridesD, 4))

				ptrA := readArray[uint64](t, arena, arena.PtrA, 4)
				ptrB := readArray[uint64](t, arena, arena.PtrB, 4)
				ptrD := readArray[uint64](t, arena, arena.PtrD, 4)
				ptrSA := readArray[uint64](t, arena, arena.PtrScalesA, 4)
				ptrSB := readArray[uint64](t, arena, arena.PtrScalesB, 4)
				for e := range 4 {
					offset := in.Offsets[e]
					assert.Equal(t, uint64(in.A.Add(offset*16)), ptrA[e], "A of group %d", e)
					assert.Equal(t, uint64(in.B.Add(int64(e)*8*16)), ptrB[e], "B of group %d", e)
					assert.Equal(t, uint64(in.D.Add(offset*8*2)), ptrD[e], "D of group %d", e)
					wantSA := in.ScalesA
					if perRow {
						wantSA = wantSA.Add(offset * 4)
					}
					assert.Equal(t, uint64(wantSA), ptrSA[e], "A scales of group %d", e)
					wantSB := in.ScalesB.Add(int64(e) * 4)
					if perColumn {
						wantSB = in.ScalesB.Add(int64(e) * 8 * 4)
					}
					assert.Equal(t, uint64(wantSB), ptrSB[e], "B scales of group %d", e)
				}

				arena.Release(stream)
				arena.Release(stream)
				require.NoError(t, stream.Synchronize())
				assert.Equal(t, numAllocations, d.NumAllocations(), "arena released")
				assert.True(t, arena.Base().IsNull())
				require.Panics(t, func() { arena.Ptr(arena.PtrA) })
			})
		}
	}
}

func TestBuildErrors(t *testing.T) {
	platform := must.M1(accel.NewWithConfig("sm90,units=1,memory=1MiB"))
	d := must.M1(platform.Device(0))
	stream := d.NewStream()
	defer func() { _ = stream.Close() }()

	in := scenarioInputs(t, d, false, false)
	numAllocations := d.NumAllocations()
	bad := in
	bad.NumGroups = 0
	_, err := Build(stream, bad)
	assert.Error(t, err)
	bad = in
	bad.Offsets = bad.Offsets[:3]
	_, err = Build(stream, bad)
	assert.Error(t, err)
	bad = in
	bad.LeadingDims.D = nil
	_, err = Build(stream, bad)
	assert.Error(t, err)
	assert.Equal(t, numAllocations, d.NumAllocations(), "failed builds must not allocate")

	// Out of bounds sections are programming errors.
	arena := must.M1(Build(stream, in))
	require.Panics(t, func() { arena.Ptr(Section{Offset: arena.Size() - 8, Length: 16}) })
	arena.Release(stream)
	require.NoError(t, stream.Synchronize())
}
