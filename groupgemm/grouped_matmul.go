// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package groupgemm

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/groupgemm/accel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GroupedMatMul enqueues the grouped matmul described by the request on the stream.
//
// The descriptors are built and the kernel launched on the stream; temporary device memory
// (descriptor arena and workspace) is released in stream order after the kernel. The host only
// blocks to allocate the workspace: Out is ready once the stream is synchronized, and faults while
// the kernel runs are reported by stream.Synchronize.
//
// Errors wrap ErrUnsupportedConfiguration (the request can't be executed by the configuration),
// ErrResourceExhausted (no memory for the workspace) or ErrKernelFault (the launch failed).
func GroupedMatMul(stream *accel.Stream, req *Request, opts ...Option) error {
	device := stream.Device()
	config, err := ResolveConfig(device, req, opts...)
	if err != nil {
		return err
	}
	executor, err := NewExecutor(device, config)
	if err != nil {
		return err
	}

	args, err := executor.Prepare(stream, req)
	if err != nil {
		return err
	}
	defer executor.Release(args, stream)
	if err = executor.Validate(args); err != nil {
		return err
	}

	workspaceBytes := executor.WorkspaceSize(args)
	workspace, err := device.Alloc(workspaceBytes)
	if err != nil {
		return errors.WithMessagef(err, "groupgemm: call %s allocating %s of workspace",
			args.CallID, humanize.IBytes(uint64(workspaceBytes)))
	}
	defer stream.FreeAsync(workspace)

	if status := executor.Launch(args, workspace, workspaceBytes, stream); status.Err() != nil {
		return errors.WithMessagef(status.Err(), "groupgemm: call %s", args.CallID)
	}
	if klog.V(2).Enabled() {
		klog.Infof("groupgemm: call %s enqueued on %s", args.CallID, stream)
	}
	return nil
}
