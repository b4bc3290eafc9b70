package main

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindConfig(t *testing.T) {
	small := kernels.ShapeHint{NumGroups: 8, TotalRows: 64, N: 128, K: 128}
	c := must.M1(findConfig(kernels.DefaultConfigName, small, dtypes.Int8, dtypes.BFloat16, accel.SM90))
	assert.Equal(t, kernels.DefaultConfigName, c.Name())
	assert.False(t, c.SwapAB())
	c = must.M1(findConfig(kernels.SmallMSwapConfigName, small, dtypes.Int8, dtypes.BFloat16, accel.SM90))
	assert.True(t, c.SwapAB())

	_, err := findConfig("unknown", small, dtypes.Int8, dtypes.BFloat16, accel.SM90)
	require.ErrorIs(t, err, kernels.ErrUnsupportedConfiguration)
}

func TestBench(t *testing.T) {
	platform := must.M1(accel.NewWithConfig("sm89,units=2,memory=64MiB"))
	device := must.M1(platform.Device(0))
	*flagExperts, *flagRows, *flagN, *flagK, *flagIters = 4, 40, 32, 64, 2
	*flagPerRow = true

	req := must.M1(newRequest(device, rand.New(rand.NewSource(1)), dtypes.Float16, dtypes.Float32))
	assert.Len(t, req.ProblemSizes, 4)
	assert.Equal(t, int64(40), req.ExpertOffsets[4])
	assert.Equal(t, 40, req.ScalesA.Size())
	assert.Equal(t, 4, req.ScalesB.Size())
	finalize(req)

	baseline := device.NumAllocations()
	require.NoError(t, bench(device))
	assert.Equal(t, baseline, device.NumAllocations())
}
