// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/epilogue"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrUnsupportedConfiguration is returned (wrapped) when a kernel configuration can't be built for
// its target, or when a problem can't be executed by the selected configuration.
var ErrUnsupportedConfiguration = errors.New("unsupported configuration")

// TileShape is the output tile (M×N) computed by one block, and the K-depth of each mainloop step.
type TileShape struct{ M, N, K int }

func (s TileShape) String() string { return fmt.Sprintf("%dx%dx%d", s.M, s.N, s.K) }

// ClusterShape is the number of blocks cooperating on neighboring tiles.
// Blocks in a cluster share (multicast) the operand they have in common.
type ClusterShape struct{ M, N, K int }

func (s ClusterShape) String() string { return fmt.Sprintf("%dx%dx%d", s.M, s.N, s.K) }

// Size is the number of blocks in the cluster.
func (s ClusterShape) Size() int { return s.M * s.N * s.K }

// MainloopSchedule sets the depth of the operand staging pipeline.
//
// A zero Stages means "auto carveout": as many stages as fit the on-chip memory left by the epilogue.
type MainloopSchedule struct {
	Stages int
}

// AutoStages is the auto carveout mainloop schedule.
var AutoStages = MainloopSchedule{}

// FixedStages returns a schedule with the given number of stages.
func FixedStages(stages int) MainloopSchedule { return MainloopSchedule{Stages: stages} }

func (s MainloopSchedule) String() string {
	if s.Stages == 0 {
		return "auto"
	}
	return fmt.Sprintf("stages=%d", s.Stages)
}

// EpilogueSchedule is the sub-tile the epilogue stores at a time.
// Zero values default to min(64, TileShape.M) × min(32, TileShape.N).
type EpilogueSchedule struct {
	SubTileM, SubTileN int
}

// Key are the capability tags configurations are registered under.
type Key struct {
	Operand    dtypes.DType
	Output     dtypes.DType
	Generation accel.Generation
	SwapAB     bool
}

func (k Key) String() string {
	swap := ""
	if k.SwapAB {
		swap = ",swap"
	}
	return fmt.Sprintf("%s->%s@%s%s", k.Operand, k.Output, k.Generation, swap)
}

// ConfigSpec describes a kernel configuration to instantiate with NewConfig or Register.
type ConfigSpec struct {
	Name string
	Key

	Epilogue         epilogue.Kind
	Tile             TileShape
	Cluster          ClusterShape
	Mainloop         MainloopSchedule
	EpilogueSchedule EpilogueSchedule

	// MaxAvgRows is the largest average number of rows per group the configuration is tuned for.
	// 0 means no limit. Select prefers the tightest bound that still covers a problem.
	MaxAvgRows int

	// Priority among configurations with the same Key, higher first.
	Priority int
}

// Config is an instantiated kernel configuration: immutable, safe for concurrent use.
type Config struct {
	spec         ConfigSpec
	stages       int
	alignA       int
	alignB       int
	alignD       int
	sharedMemory int
	kernel       kernelFunc
}

// accumulatorBytes is the size of int32 and float32 accumulators.
const accumulatorBytes = 4

// alignmentBits is the width of the widest vectorized access kernels do.
const alignmentBits = 128

// NewConfig instantiates a kernel configuration, checking it can run on its generation.
//
// It returns an error wrapping ErrUnsupportedConfiguration if the dtypes are not supported, the
// tile isn't aligned, or the staging pipeline doesn't fit the on-chip memory of the generation.
func NewConfig(spec ConfigSpec) (*Config, error) {
	unsupported := func(format string, args ...any) (*Config, error) {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "kernel config %q (%s): %s",
			spec.Name, spec.Key, fmt.Sprintf(format, args...))
	}
	gen := spec.Generation
	budget := gen.SharedMemoryPerBlock()
	if budget == 0 {
		return unsupported("unknown generation %s", gen)
	}
	if !gen.SupportsDType(spec.Operand) || !gen.SupportsDType(spec.Output) {
		return unsupported("dtypes not supported by %s", gen)
	}
	kernel, found := kernelTable[dtypePair{spec.Operand, spec.Output}]
	if !found {
		return unsupported("no grouped kernel for operand %s and output %s", spec.Operand, spec.Output)
	}
	if spec.Epilogue != epilogue.ScaledAcc {
		return unsupported("epilogue %s not supported", spec.Epilogue)
	}

	tile, cluster := spec.Tile, spec.Cluster
	if tile.M <= 0 || tile.N <= 0 || tile.K <= 0 {
		return unsupported("invalid tile shape %s", tile)
	}
	if cluster.M <= 0 || cluster.N <= 0 || cluster.K != 1 {
		return unsupported("invalid cluster shape %s", cluster)
	}
	if cluster.Size() > gen.MaxClusterSize() {
		return unsupported("cluster %s larger than the %d block(s) supported by %s", cluster, gen.MaxClusterSize(), gen)
	}
	// The shared operand is split among the blocks of the cluster.
	if tile.M%cluster.N != 0 || tile.N%cluster.M != 0 {
		return unsupported("tile %s can't be split over cluster %s", tile, cluster)
	}

	c := &Config{
		spec:   spec,
		kernel: kernel,
		alignA: alignmentBits / (8 * int(spec.Operand.Memory())),
		alignD: alignmentBits / (8 * int(spec.Output.Memory())),
	}
	c.alignB = c.alignA
	if tile.K%c.alignA != 0 || tile.K%c.alignB != 0 {
		return unsupported("tile K=%d not a multiple of the operand alignment %d", tile.K, c.alignA)
	}
	if tile.M%c.alignD != 0 || tile.N%c.alignD != 0 {
		return unsupported("tile %s not a multiple of the output alignment %d", tile, c.alignD)
	}

	sub := spec.EpilogueSchedule
	if sub.SubTileM == 0 {
		sub.SubTileM = min(64, tile.M)
	}
	if sub.SubTileN == 0 {
		sub.SubTileN = min(32, tile.N)
	}
	if sub.SubTileM < 0 || sub.SubTileN < 0 || tile.M%sub.SubTileM != 0 || tile.N%sub.SubTileN != 0 {
		return unsupported("epilogue sub-tile %dx%d doesn't divide tile %s", sub.SubTileM, sub.SubTileN, tile)
	}
	c.spec.EpilogueSchedule = sub

	// On-chip memory: the epilogue carveout (output sub-tile + scales) and the operand stages.
	stageBytes := (tile.M + tile.N) * tile.K * int(spec.Operand.Memory())
	carveout := sub.SubTileM*sub.SubTileN*int(spec.Output.Memory()) + (tile.M+tile.N)*accumulatorBytes
	available := budget - carveout
	switch {
	case spec.Mainloop.Stages < 0:
		return unsupported("invalid mainloop schedule %s", spec.Mainloop)
	case spec.Mainloop.Stages == 0:
		c.stages = max(available, 0) / stageBytes
		if c.stages < 2 {
			return unsupported("only %d stage(s) of %d bytes fit the %d bytes of on-chip memory of %s, 2 are required",
				c.stages, stageBytes, budget, gen)
		}
	default:
		c.stages = spec.Mainloop.Stages
		if c.stages*stageBytes > available {
			return unsupported("%d stages of %d bytes plus %d bytes of epilogue don't fit the %d bytes of on-chip memory of %s",
				c.stages, stageBytes, carveout, budget, gen)
		}
	}
	c.sharedMemory = c.stages*stageBytes + carveout
	return c, nil
}

// Name of the configuration.
func (c *Config) Name() string { return c.spec.Name }

// Key the configuration is registered under.
func (c *Config) Key() Key { return c.spec.Key }

// Spec returns the configuration spec, with defaults filled in.
func (c *Config) Spec() ConfigSpec { return c.spec }

// SwapAB returns whether the configuration computes the transposed problem.
func (c *Config) SwapAB() bool { return c.spec.SwapAB }

// Stages of the operand staging pipeline.
func (c *Config) Stages() int { return c.stages }

// AlignmentA is the element alignment required for the A operand (K extent and strides).
func (c *Config) AlignmentA() int { return c.alignA }

// AlignmentB is the element alignment required for the B operand.
func (c *Config) AlignmentB() int { return c.alignB }

// AlignmentD is the element alignment required for the contiguous dimension of the output.
func (c *Config) AlignmentD() int { return c.alignD }

// SharedMemoryBytes is the on-chip memory used per block.
func (c *Config) SharedMemoryBytes() int { return c.sharedMemory }

// String implements fmt.Stringer.
func (c *Config) String() string {
	s := c.spec
	return fmt.Sprintf("%s[%s tile=%s cluster=%s mainloop=%s stages=%d]", s.Name, s.Key, s.Tile, s.Cluster, s.Mainloop, c.stages)
}

// WorkspaceSize returns the bytes of device workspace a launch over numGroups groups needs on a
// device with the given number of compute units. It never decreases as numGroups grows.
//
// Layout: the tile prefix table (numGroups+1 int64 values), then one slot per compute unit with
// its accumulator tile, operand staging ring, widened operand fragments and gathered scales.
func (c *Config) WorkspaceSize(numGroups, computeUnits int) int64 {
	return c.prefixTableBytes(numGroups) + int64(max(computeUnits, 1))*c.unitSlotBytes()
}

func (c *Config) prefixTableBytes(numGroups int) int64 {
	return accel.RoundUpToAlignment(int64(max(numGroups, 0)+1) * 8)
}

// unitSlotBytes is the workspace used by one compute unit.
func (c *Config) unitSlotBytes() int64 {
	l := c.unitSlotLayout()
	return l.total
}

type unitSlotLayout struct {
	acc, ring, fragments, scales, total int64
}

func (c *Config) unitSlotLayout() unitSlotLayout {
	tile := c.spec.Tile
	var l unitSlotLayout
	accBytes := accel.RoundUpToAlignment(int64(tile.M * tile.N * accumulatorBytes))
	l.ring = accBytes
	ringBytes := accel.RoundUpToAlignment(int64(c.stages * (tile.M + tile.N) * tile.K * int(c.spec.Operand.Memory())))
	l.fragments = l.ring + ringBytes
	fragmentBytes := accel.RoundUpToAlignment(int64((tile.M + tile.N) * tile.K * accumulatorBytes))
	l.scales = l.fragments + fragmentBytes
	scaleBytes := accel.RoundUpToAlignment(int64((tile.M + tile.N) * 4))
	l.total = l.scales + scaleBytes
	return l
}

// ceilDiv returns ⌈a/b⌉ for non-negative a and positive b.
func ceilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}
