// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/groupgemm/accel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Status returned by a kernel launch.
type Status int

//go:generate go tool enumer -type=Status -trimprefix=Status -output=gen_status_enumer.go status.go

const (
	StatusSuccess Status = iota
	StatusErrorWorkspaceNull
	StatusErrorInvalidProblem
	StatusErrorInternal
)

// Err converts a non-success status to an error wrapping accel.ErrKernelFault, or nil.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return errors.Wrapf(accel.ErrKernelFault, "kernel launch returned %s", s)
}

// Run enqueues the kernel on the stream.
//
// The launch is asynchronous: faults while the kernel runs are reported by stream.Synchronize as
// errors wrapping accel.ErrKernelFault. The returned status only covers the launch itself.
func (c *Config) Run(args *Arguments, workspace accel.Ptr, workspaceBytes int64, stream *accel.Stream) Status {
	required := c.WorkspaceSize(args.NumGroups, args.Hardware.ComputeUnits)
	if workspace.IsNull() || workspaceBytes < required {
		klog.V(1).Infof("%s: workspace %s of %d bytes, %d bytes required", c.spec.Name, workspace, workspaceBytes, required)
		return StatusErrorWorkspaceNull
	}
	if args.Device == nil || args.Device != stream.Device() || args.NumGroups <= 0 ||
		len(args.Problems) != args.NumGroups || args.Hardware.ComputeUnits <= 0 {
		return StatusErrorInvalidProblem
	}
	launch := &launchParams{
		config:    c,
		args:      *args,
		workspace: workspace,
	}
	err := stream.Enqueue(c.spec.Name, func() error {
		if err := c.kernel(launch); err != nil {
			return errors.Wrapf(accel.ErrKernelFault, "%s: %v", c.spec.Name, err)
		}
		return nil
	})
	if err != nil {
		klog.Errorf("%s: failed to launch on %s: %v", c.spec.Name, stream, err)
		return StatusErrorInternal
	}
	return StatusSuccess
}
