// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build linux

package accel

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// DefaultComputeUnits is the number of CPUs in this process' scheduler affinity mask.
// It falls back to runtime.NumCPU() if the mask can't be read.
func DefaultComputeUnits() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return runtime.NumCPU()
}
