// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux

package accel

import "runtime"

// DefaultComputeUnits is runtime.NumCPU() on platforms without scheduler affinity masks.
func DefaultComputeUnits() int {
	return runtime.NumCPU()
}
