// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import "github.com/pkg/errors"

var (
	// ErrResourceExhausted is returned (wrapped) when a device allocation doesn't fit the device memory budget.
	ErrResourceExhausted = errors.New("device resources exhausted")

	// ErrKernelFault is returned (wrapped) when a kernel reports a non-success status or fails while
	// running on a stream.
	ErrKernelFault = errors.New("kernel fault")

	// ErrInvalidPointer is returned (wrapped) when a device pointer doesn't resolve to live device
	// memory, or an access falls outside its allocation.
	ErrInvalidPointer = errors.New("invalid device pointer")
)
