// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package groupgemm

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/descriptors"
	"github.com/gomlx/groupgemm/groupgemm/epilogue"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
	"github.com/gomlx/groupgemm/groupgemm/layout"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// baseAlignment in bytes required of every operand and scale buffer.
const baseAlignment = 16

// Executor runs grouped matmuls with one kernel configuration on one device.
// It holds no per-call state and is safe for concurrent use with different streams.
type Executor struct {
	device *accel.Device
	config *kernels.Config
}

// GroupSet are the problems of a call and their row offsets.
type GroupSet struct {
	Problems []ProblemShape
	Offsets  []int64
}

// NumGroups in the set.
func (g GroupSet) NumGroups() int { return len(g.Problems) }

// ExecutionArguments of one call, built by Executor.Prepare.
type ExecutionArguments struct {
	// CallID identifies the call in logs.
	CallID string

	Request  Request
	Groups   GroupSet
	Arena    *descriptors.Arena
	Operands layout.Normalized
	Epilogue epilogue.Args
	Hardware accel.HardwareInfo

	// Kernel are the arguments passed to the kernel launch.
	Kernel kernels.Arguments
}

// NewExecutor returns an executor of the configuration on the device. The configuration must have
// been built for the device's generation.
func NewExecutor(device *accel.Device, config *kernels.Config) (*Executor, error) {
	if device == nil || config == nil {
		return nil, errors.New("groupgemm: NewExecutor requires a device and a kernel configuration")
	}
	if config.Key().Generation != device.Generation() {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "groupgemm: configuration %s is for %s, %s is %s",
			config.Name(), config.Key().Generation, device, device.Generation())
	}
	return &Executor{device: device, config: config}, nil
}

// Config returns the kernel configuration of the executor.
func (e *Executor) Config() *kernels.Config { return e.config }

// Device returns the device of the executor.
func (e *Executor) Device() *accel.Device { return e.device }

// Prepare builds the execution arguments of a request: it enqueues the construction of the group
// descriptors on the stream and normalizes the operands for the configuration.
//
// Only what is needed to build the descriptors is checked here; call Validate before launching.
// The arguments own a descriptor arena: release it with Release.
func (e *Executor) Prepare(stream *accel.Stream, req *Request) (*ExecutionArguments, error) {
	if req == nil {
		return nil, errors.Wrap(ErrUnsupportedConfiguration, "groupgemm: nil request")
	}
	if stream.Device() != e.device {
		return nil, errors.Errorf("groupgemm: %s is not on %s", stream, e.device)
	}
	buffers := []struct {
		name string
		b    *accel.Buffer
	}{{"Out", req.Out}, {"A", req.A}, {"B", req.B}, {"ScalesA", req.ScalesA}, {"ScalesB", req.ScalesB}}
	for _, buf := range buffers {
		if buf.b == nil || buf.b.Ptr().IsNull() {
			return nil, errors.Wrapf(ErrUnsupportedConfiguration, "groupgemm: missing buffer %s", buf.name)
		}
		if buf.b.Device() != e.device {
			return nil, errors.Wrapf(ErrUnsupportedConfiguration, "groupgemm: buffer %s is on %s, not %s",
				buf.name, buf.b.Device(), e.device)
		}
	}
	numGroups := len(req.ProblemSizes)
	if numGroups == 0 || len(req.ExpertOffsets) != numGroups+1 {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "groupgemm: %d problem sizes and %d expert offsets, expected at least 1 and one more offset than problems",
			numGroups, len(req.ExpertOffsets))
	}

	args := &ExecutionArguments{
		CallID:   uuid.NewString(),
		Request:  *req,
		Groups:   GroupSet{Problems: slices.Clone(req.ProblemSizes), Offsets: slices.Clone(req.ExpertOffsets)},
		Hardware: e.device.HardwareInfo(),
	}
	args.Request.Strides = denseStrides(req)
	lds := kernels.LeadingDims(args.Request.Strides)
	if len(lds.A) != numGroups || len(lds.B) != numGroups || len(lds.D) != numGroups {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "groupgemm: strides for %d/%d/%d groups, expected %d",
			len(lds.A), len(lds.B), len(lds.D), numGroups)
	}

	var err error
	args.Arena, err = descriptors.Build(stream, descriptors.Inputs{
		NumGroups:   numGroups,
		Problems:    args.Groups.Problems,
		Offsets:     args.Groups.Offsets,
		A:           req.A.Ptr(),
		B:           req.B.Ptr(),
		D:           req.Out.Ptr(),
		ElemSizeA:   int64(req.A.DType().Memory()),
		ElemSizeB:   int64(req.B.DType().Memory()),
		ElemSizeD:   int64(req.Out.DType().Memory()),
		LeadingDims: lds,
		ScalesA:     req.ScalesA.Ptr(),
		ScalesB:     req.ScalesB.Ptr(),
		PerRow:      req.PerRow,
		PerColumn:   req.PerColumn,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "groupgemm: call %s", args.CallID)
	}
	arena := args.Arena
	args.Operands = layout.Normalize(e.config.SwapAB(), layout.Operands{
		PtrA:        arena.Ptr(arena.PtrA),
		PtrB:        arena.Ptr(arena.PtrB),
		StrideA:     arena.Ptr(arena.StridesA),
		StrideB:     arena.Ptr(arena.StridesB),
		ScalesA:     arena.Ptr(arena.PtrScalesA),
		ScalesB:     arena.Ptr(arena.PtrScalesB),
		LeadingDims: lds,
		PerRow:      req.PerRow,
		PerColumn:   req.PerColumn,
	})
	ops := args.Operands
	args.Epilogue = epilogue.Build(ops.ScalesA, ops.ScalesB, ops.PerRow, ops.PerColumn)
	args.Kernel = kernels.Arguments{
		Device:         e.device,
		NumGroups:      numGroups,
		Problems:       args.Groups.Problems,
		LeadingDims:    ops.LeadingDims,
		DeviceProblems: arena.Ptr(arena.Problems),
		PtrA:           ops.PtrA,
		PtrB:           ops.PtrB,
		PtrD:           arena.Ptr(arena.PtrD),
		StrideA:        ops.StrideA,
		StrideB:        ops.StrideB,
		StrideD:        arena.Ptr(arena.StridesD),
		Output:         ops.Output,
		Epilogue:       args.Epilogue,
		Hardware:       args.Hardware,
	}
	if klog.V(1).Enabled() {
		klog.Infof("groupgemm: call %s prepared %d groups (first %s in kernel coordinates) with %s, %s, %s",
			args.CallID, numGroups, ops.KernelProblem(args.Groups.Problems[0]), e.config, ops, args.Epilogue)
	}
	return args, nil
}

// denseStrides fills the strides left empty in the request with the row widths of the buffers:
// A.Dim(1), B.Dim(2) and Out.Dim(1). Buffers of an unexpected rank fall back to the problem shapes,
// and are rejected by Validate.
func denseStrides(req *Request) Strides {
	s := req.Strides
	fill := func(lds []int64, b *accel.Buffer, rank int, dim func(p ProblemShape) int) []int64 {
		if len(lds) > 0 {
			return slices.Clone(lds)
		}
		lds = make([]int64, len(req.ProblemSizes))
		for g, p := range req.ProblemSizes {
			if b.Rank() == rank {
				lds[g] = int64(b.Dim(rank - 1))
			} else {
				lds[g] = int64(dim(p))
			}
		}
		return lds
	}
	s.A = fill(s.A, req.A, 2, func(p ProblemShape) int { return p.K })
	s.B = fill(s.B, req.B, 3, func(p ProblemShape) int { return p.K })
	s.D = fill(s.D, req.Out, 2, func(p ProblemShape) int { return p.N })
	return s
}

// WorkspaceSize returns the bytes of device workspace the launch needs. It never decreases as the
// number of groups grows.
func (e *Executor) WorkspaceSize(args *ExecutionArguments) int64 {
	return e.config.WorkspaceSize(args.Groups.NumGroups(), args.Hardware.ComputeUnits)
}

// Launch enqueues the kernel on the stream, using the given workspace.
// A non-success Status converts to an error wrapping ErrKernelFault with Status.Err.
func (e *Executor) Launch(args *ExecutionArguments, workspace accel.Ptr, workspaceBytes int64, stream *accel.Stream) kernels.Status {
	if args.Arena == nil || args.Arena.Base().IsNull() {
		return kernels.StatusErrorInvalidProblem
	}
	status := e.config.Run(&args.Kernel, workspace, workspaceBytes, stream)
	klog.V(1).Infof("groupgemm: call %s launched %s with %s of workspace: %s",
		args.CallID, e.config.Name(), humanize.IBytes(uint64(workspaceBytes)), status)
	return status
}

// Release frees the descriptor arena of the call once the work enqueued on the stream is done.
func (e *Executor) Release(args *ExecutionArguments, stream *accel.Stream) {
	if args.Arena != nil {
		args.Arena.Release(stream)
	}
}

// String implements fmt.Stringer.
func (e *Executor) String() string {
	return fmt.Sprintf("groupgemm.Executor(%s on %s)", e.config, e.device)
}

// checkBuffer verifies the dtype and alignment of a request buffer.
func checkBuffer(name string, b *accel.Buffer, dtype dtypes.DType, rank int) error {
	if b.DType() != dtype {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s has dtype %s, %s required", name, b.DType(), dtype)
	}
	if rank > 0 && b.Rank() != rank {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s has shape %v, rank %d required", name, b.Dims(), rank)
	}
	if !b.Ptr().IsAligned(baseAlignment) {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s at %s is not %d-byte aligned", name, b.Ptr(), baseAlignment)
	}
	extent, err := b.Device().Extent(b.Ptr())
	if err != nil {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s: %v", name, err)
	}
	if extent < b.ByteSize() {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s needs %d bytes, its allocation has %d", name, b.ByteSize(), extent)
	}
	return nil
}
