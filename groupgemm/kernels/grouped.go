// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/epilogue"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// kernelFunc executes a launch on the calling goroutine (the stream's).
type kernelFunc func(l *launchParams) error

type launchParams struct {
	config    *Config
	args      Arguments
	workspace accel.Ptr
}

type dtypePair struct {
	operand, output dtypes.DType
}

// kernelTable holds the grouped kernel instantiated for each supported operand/output pair.
var kernelTable = map[dtypePair]kernelFunc{
	{dtypes.Int8, dtypes.Float32}:     groupedKernel[int8, int32, float32],
	{dtypes.Int8, dtypes.BFloat16}:    groupedKernel[int8, int32, bfloat16.BFloat16],
	{dtypes.Int8, dtypes.Float16}:     groupedKernel[int8, int32, float16.Float16],
	{dtypes.Float16, dtypes.Float32}:  groupedKernel[float16.Float16, float32, float32],
	{dtypes.Float16, dtypes.BFloat16}: groupedKernel[float16.Float16, float32, bfloat16.BFloat16],
	{dtypes.Float16, dtypes.Float16}:  groupedKernel[float16.Float16, float32, float16.Float16],
}

// widener returns the conversion of staged operands to the accumulator type.
func widener[In any, Acc epilogue.Accumulator]() func(dst []Acc, src []In) {
	var zero In
	switch any(zero).(type) {
	case int8:
		return any(func(dst []int32, src []int8) {
			for i, v := range src {
				dst[i] = int32(v)
			}
		}).(func([]Acc, []In))
	case float16.Float16:
		return any(func(dst []float32, src []float16.Float16) {
			for i, v := range src {
				dst[i] = v.Float32()
			}
		}).(func([]Acc, []In))
	}
	panic(fmt.Sprintf("grouped kernel: unsupported operand type %T", zero))
}

// groupOperands are the resolved operands of one group, in kernel coordinates.
type groupOperands[In, Out any] struct {
	problem        ProblemShape
	tilesM, tilesN int
	a, b           []In
	lda, ldb       int64
	d              []Out
	dRow, dCol     int64
	scalesA        []float32
	scalesB        []float32
}

// groupedKernel is a persistent grouped GEMM: the output tiles of all groups are numbered through a
// prefix table in the workspace and handed round-robin to the compute units. Each unit stages K-slices
// of its tile's operands through a ring of Config.Stages slots, accumulates in its accumulator tile and
// finishes with the fused epilogue.
func groupedKernel[In any, Acc epilogue.Accumulator, Out any](l *launchParams) error {
	c, args := l.config, &l.args
	dev := args.Device
	groups, err := resolveGroups[In, Out](args, c.spec.Tile)
	if err != nil {
		return err
	}

	prefix, err := accel.View[int64](dev, l.workspace, args.NumGroups+1)
	if err != nil {
		return errors.WithMessage(err, "tile prefix table")
	}
	prefix[0] = 0
	for g := range groups {
		prefix[g+1] = prefix[g] + int64(groups[g].tilesM*groups[g].tilesN)
	}
	numTiles := prefix[args.NumGroups]
	if numTiles == 0 {
		return nil
	}

	pool := dev.ComputeUnits()
	units := min(args.Hardware.ComputeUnits, pool.NumWorkers())
	slotsBase := l.workspace.Add(c.prefixTableBytes(args.NumGroups))
	var (
		mu       sync.Mutex
		firstErr error
	)
	pool.Saturate(func(unit int) {
		if unit >= units {
			return
		}
		var err error
		exception := exceptions.Try(func() {
			var u *computeUnit[In, Acc, Out]
			u, err = newComputeUnit[In, Acc, Out](c, args, slotsBase.Add(int64(unit)*c.unitSlotBytes()))
			if err != nil {
				return
			}
			for tile := int64(unit); tile < numTiles; tile += int64(units) {
				// Group owning the tile: last g with prefix[g] <= tile.
				g := sort.Search(len(groups), func(g int) bool { return prefix[g+1] > tile })
				local := int(tile - prefix[g])
				grp := &groups[g]
				u.computeTile(grp, local/grp.tilesN, local%grp.tilesN)
			}
		})
		if exception != nil {
			err = errors.Errorf("compute unit %d panicked: %v", unit, exception)
		}
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	})
	return firstErr
}

// resolveGroups reads the descriptor arrays and resolves the operands of every group.
func resolveGroups[In, Out any](args *Arguments, tile TileShape) ([]groupOperands[In, Out], error) {
	dev, numGroups := args.Device, args.NumGroups
	problems, err := accel.View[int64](dev, args.DeviceProblems, numGroups*ProblemShapeWords)
	if err != nil {
		return nil, errors.WithMessage(err, "problem shapes")
	}
	var ptrs [5][]uint64
	for i, arr := range []accel.Ptr{args.PtrA, args.PtrB, args.PtrD, args.Epilogue.ScalesA, args.Epilogue.ScalesB} {
		if ptrs[i], err = accel.View[uint64](dev, arr, numGroups); err != nil {
			return nil, errors.WithMessage(err, "pointer arrays")
		}
	}
	var strides [3][]int64
	for i, arr := range []accel.Ptr{args.StrideA, args.StrideB, args.StrideD} {
		if strides[i], err = accel.View[int64](dev, arr, numGroups); err != nil {
			return nil, errors.WithMessage(err, "stride arrays")
		}
	}

	groups := make([]groupOperands[In, Out], numGroups)
	for g := range groups {
		p := args.Output.KernelShape(ProblemShape{
			M: int(problems[g*ProblemShapeWords]),
			N: int(problems[g*ProblemShapeWords+1]),
			K: int(problems[g*ProblemShapeWords+2]),
		})
		if p.M < 0 || p.N < 0 || p.K <= 0 {
			return nil, errors.Errorf("group %d: invalid problem shape %s", g, p)
		}
		grp := &groups[g]
		grp.problem = p
		if p.M == 0 || p.N == 0 {
			continue
		}
		grp.tilesM = ceilDiv(p.M, tile.M)
		grp.tilesN = ceilDiv(p.N, tile.N)
		grp.lda, grp.ldb = strides[0][g], strides[1][g]
		grp.dRow, grp.dCol = args.Output.Strides(strides[2][g])
		if grp.a, err = accel.View[In](dev, accel.Ptr(ptrs[0][g]), int(int64(p.M-1)*grp.lda)+p.K); err != nil {
			return nil, errors.WithMessagef(err, "group %d: operand A", g)
		}
		if grp.b, err = accel.View[In](dev, accel.Ptr(ptrs[1][g]), int(int64(p.N-1)*grp.ldb)+p.K); err != nil {
			return nil, errors.WithMessagef(err, "group %d: operand B", g)
		}
		dLen := int(int64(p.M-1)*grp.dRow+int64(p.N-1)*grp.dCol) + 1
		if grp.d, err = accel.View[Out](dev, accel.Ptr(ptrs[2][g]), dLen); err != nil {
			return nil, errors.WithMessagef(err, "group %d: output", g)
		}
		rowScales, colScales := args.Epilogue.ScaleLengths(p.M, p.N)
		if grp.scalesA, err = accel.View[float32](dev, accel.Ptr(ptrs[3][g]), rowScales); err != nil {
			return nil, errors.WithMessagef(err, "group %d: A scales", g)
		}
		if grp.scalesB, err = accel.View[float32](dev, accel.Ptr(ptrs[4][g]), colScales); err != nil {
			return nil, errors.WithMessagef(err, "group %d: B scales", g)
		}
	}
	return groups, nil
}

// computeUnit holds the views of one unit's workspace slot.
type computeUnit[In any, Acc epilogue.Accumulator, Out any] struct {
	tile      TileShape
	stages    int
	sub       EpilogueSchedule
	rowStride int64
	colStride int64
	acc       []Acc
	ring      []In
	fragA     []Acc
	fragB     []Acc
	rowScales []float32
	colScales []float32
	widen     func(dst []Acc, src []In)
	cast      func(float32) Out
}

func newComputeUnit[In any, Acc epilogue.Accumulator, Out any](c *Config, args *Arguments, slot accel.Ptr) (*computeUnit[In, Acc, Out], error) {
	dev := args.Device
	tile := c.spec.Tile
	layout := c.unitSlotLayout()
	u := &computeUnit[In, Acc, Out]{
		tile:      tile,
		stages:    c.stages,
		sub:       c.spec.EpilogueSchedule,
		rowStride: args.Epilogue.RowStride,
		colStride: args.Epilogue.ColStride,
		widen:     widener[In, Acc](),
		cast:      epilogue.Caster[Out](),
	}
	var err error
	if u.acc, err = accel.View[Acc](dev, slot.Add(layout.acc), tile.M*tile.N); err != nil {
		return nil, err
	}
	if u.ring, err = accel.View[In](dev, slot.Add(layout.ring), c.stages*(tile.M+tile.N)*tile.K); err != nil {
		return nil, err
	}
	fragments, err := accel.View[Acc](dev, slot.Add(layout.fragments), (tile.M+tile.N)*tile.K)
	if err != nil {
		return nil, err
	}
	u.fragA, u.fragB = fragments[:tile.M*tile.K], fragments[tile.M*tile.K:]
	scales, err := accel.View[float32](dev, slot.Add(layout.scales), tile.M+tile.N)
	if err != nil {
		return nil, err
	}
	u.rowScales, u.colScales = scales[:tile.M], scales[tile.M:]
	return u, nil
}

// computeTile computes the output tile (tm, tn) of the group.
func (u *computeUnit[In, Acc, Out]) computeTile(grp *groupOperands[In, Out], tm, tn int) {
	tile := u.tile
	p := grp.problem
	r0, c0 := tm*tile.M, tn*tile.N
	rows, cols := min(tile.M, p.M-r0), min(tile.N, p.N-c0)
	clear(u.acc)

	kBlocks := ceilDiv(p.K, tile.K)
	stageSize := (tile.M + tile.N) * tile.K
	stage := func(kb int) []In {
		slot := kb % u.stages
		return u.ring[slot*stageSize : (slot+1)*stageSize]
	}
	load := func(kb int) {
		s := stage(kb)
		k0 := kb * tile.K
		kw := min(tile.K, p.K-k0)
		sa, sb := s[:tile.M*tile.K], s[tile.M*tile.K:]
		for i := range rows {
			src := int64(r0+i)*grp.lda + int64(k0)
			copy(sa[i*tile.K:i*tile.K+kw], grp.a[src:src+int64(kw)])
		}
		for j := range cols {
			src := int64(c0+j)*grp.ldb + int64(k0)
			copy(sb[j*tile.K:j*tile.K+kw], grp.b[src:src+int64(kw)])
		}
	}
	mma := func(kb int) {
		s := stage(kb)
		kw := min(tile.K, p.K-kb*tile.K)
		u.widen(u.fragA[:rows*tile.K], s[:rows*tile.K])
		u.widen(u.fragB[:cols*tile.K], s[tile.M*tile.K:tile.M*tile.K+cols*tile.K])
		for i := range rows {
			aRow := u.fragA[i*tile.K : i*tile.K+kw]
			accRow := u.acc[i*tile.N : i*tile.N+cols]
			for j := range accRow {
				bRow := u.fragB[j*tile.K : j*tile.K+kw]
				var sum Acc
				for kk, av := range aRow {
					sum += av * bRow[kk]
				}
				accRow[j] += sum
			}
		}
	}

	// Prologue fills all but one stage, then every step loads one K-block ahead while it consumes
	// the oldest one.
	for kb := range min(u.stages-1, kBlocks) {
		load(kb)
	}
	for kb := range kBlocks {
		if next := kb + u.stages - 1; next < kBlocks {
			load(next)
		}
		mma(kb)
	}

	// Epilogue, one sub-tile at a time.
	epilogue.Gather(u.rowScales[:rows], grp.scalesA, r0, u.rowStride)
	epilogue.Gather(u.colScales[:cols], grp.scalesB, c0, u.colStride)
	for si := 0; si < rows; si += u.sub.SubTileM {
		subRows := min(u.sub.SubTileM, rows-si)
		for sj := 0; sj < cols; sj += u.sub.SubTileN {
			subCols := min(u.sub.SubTileN, cols-sj)
			offset := int64(r0+si)*grp.dRow + int64(c0+sj)*grp.dCol
			epilogue.Apply(grp.d[offset:], grp.dRow, grp.dCol, u.acc[si*tile.N+sj:], tile.N, subRows, subCols,
				u.rowScales[si:], u.colScales[sj:], u.cast)
		}
	}
}
