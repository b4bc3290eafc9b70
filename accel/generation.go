// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Generation of the emulated accelerator. It fixes the on-chip memory budget per block and the
// features (thread-block clusters) kernels can rely on.
type Generation int

//go:generate go tool enumer -type=Generation -trimprefix=Generation -transform=lower -output=gen_generation_enumer.go generation.go

const (
	GenerationUnknown Generation = iota
	SM80
	SM89
	SM90
	SM100
)

// DefaultGeneration is used when the configuration doesn't name one.
const DefaultGeneration = SM90

// SharedMemoryPerBlock returns the on-chip memory (in bytes) a single block can use, or 0 for an
// unknown generation.
func (g Generation) SharedMemoryPerBlock() int {
	switch g {
	case SM80:
		return 166912
	case SM89:
		return 101376
	case SM90, SM100:
		return 232448
	default:
		return 0
	}
}

// SupportsClusters returns whether blocks can be grouped into clusters larger than 1×1×1.
func (g Generation) SupportsClusters() bool {
	return g >= SM90
}

// MaxClusterSize is the largest portable cluster (product of its dimensions).
func (g Generation) MaxClusterSize() int {
	if g.SupportsClusters() {
		return 8
	}
	return 1
}

// SupportsDType returns whether kernels of this generation take or produce the given dtype.
// Every known generation supports the same dtypes; an unknown generation supports none.
func (g Generation) SupportsDType(dtype dtypes.DType) bool {
	if g == GenerationUnknown {
		return false
	}
	switch dtype {
	case dtypes.Int8, dtypes.Int32, dtypes.Float16, dtypes.Float32, dtypes.BFloat16:
		return true
	default:
		return false
	}
}
