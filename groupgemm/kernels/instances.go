// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/epilogue"
	"k8s.io/klog/v2"
)

// Names of the default configurations, instantiated for every generation and dtype pair.
const (
	DefaultConfigName    = "default"
	SmallMSwapConfigName = "small-m-swap"
	TinyMSwapConfigName  = "tiny-m-swap"
)

var (
	// OperandDTypes supported by the grouped kernels.
	OperandDTypes = []dtypes.DType{dtypes.Int8, dtypes.Float16}

	// OutputDTypes supported by the grouped kernels.
	OutputDTypes = []dtypes.DType{dtypes.Float32, dtypes.BFloat16, dtypes.Float16}

	// Generations with default configurations.
	Generations = []accel.Generation{accel.SM80, accel.SM89, accel.SM90, accel.SM100}
)

// DefaultSpecs returns the default configurations for a generation and dtype pair.
func DefaultSpecs(gen accel.Generation, operand, output dtypes.DType) []ConfigSpec {
	key := Key{Operand: operand, Output: output, Generation: gen}
	swapKey := key
	swapKey.SwapAB = true
	// Blocks of a cluster share the B operand on generations that have clusters.
	smallCluster := ClusterShape{1, 1, 1}
	if gen.SupportsClusters() {
		smallCluster = ClusterShape{1, 2, 1}
	}
	return []ConfigSpec{
		{
			Name:     DefaultConfigName,
			Key:      key,
			Epilogue: epilogue.ScaledAcc,
			Tile:     TileShape{128, 128, 64},
			Cluster:  ClusterShape{1, 1, 1},
			Mainloop: AutoStages,
		},
		{
			Name:       SmallMSwapConfigName,
			Key:        swapKey,
			Epilogue:   epilogue.ScaledAcc,
			Tile:       TileShape{64, 64, 64},
			Cluster:    smallCluster,
			Mainloop:   AutoStages,
			MaxAvgRows: SwapMaxAvgRows,
		},
		{
			Name:       TinyMSwapConfigName,
			Key:        swapKey,
			Epilogue:   epilogue.ScaledAcc,
			Tile:       TileShape{64, 16, 64},
			Cluster:    ClusterShape{1, 1, 1},
			Mainloop:   FixedStages(4),
			MaxAvgRows: 16,
			Priority:   1,
		},
	}
}

func init() {
	for _, gen := range Generations {
		for _, operand := range OperandDTypes {
			for _, output := range OutputDTypes {
				for _, spec := range DefaultSpecs(gen, operand, output) {
					c, err := NewConfig(spec)
					if err != nil {
						// Configurations that don't fit a generation are simply not available there.
						klog.V(2).Infof("kernels: skipping %q for %s: %v", spec.Name, spec.Key, err)
						continue
					}
					registerConfig(c)
				}
			}
		}
	}
}
