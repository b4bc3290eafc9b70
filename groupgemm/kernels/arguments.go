// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"

	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/epilogue"
	"github.com/pkg/errors"
)

// ProblemShape of one group: D[M, N] = A[M, K] · B[N, K]ᵀ.
type ProblemShape struct {
	M, N, K int
}

func (p ProblemShape) String() string { return fmt.Sprintf("(%d, %d, %d)", p.M, p.N, p.K) }

// ProblemShapeWords is the number of int64 values a ProblemShape takes in device memory.
const ProblemShapeWords = 3

// OutputLayout of D in kernel coordinates.
type OutputLayout int

const (
	// RowMajor output: D[i, j] at i·ldd + j.
	RowMajor OutputLayout = iota

	// ColumnMajor output: D[i, j] at i + j·ldd. Used to compute the transposed problem and still
	// write a row-major result.
	ColumnMajor
)

func (l OutputLayout) String() string {
	if l == ColumnMajor {
		return "ColumnMajor"
	}
	return "RowMajor"
}

// Strides returns the element strides of the rows and columns of D, given its leading dimension.
func (l OutputLayout) Strides(ldd int64) (row, col int64) {
	if l == ColumnMajor {
		return 1, ldd
	}
	return ldd, 1
}

// KernelShape maps a problem shape, as stored in the descriptors, to kernel coordinates.
func (l OutputLayout) KernelShape(p ProblemShape) ProblemShape {
	if l == ColumnMajor {
		return ProblemShape{M: p.N, N: p.M, K: p.K}
	}
	return p
}

// LeadingDims are the per-group leading dimensions (in elements) of A, B and D, in kernel order.
type LeadingDims struct {
	A, B, D []int64
}

// Arguments of a grouped kernel launch.
//
// Device arrays have one entry per group: problem shapes as ProblemShapeWords int64 values,
// pointers as uint64 and leading dimensions as int64. Operand arrays are in kernel order (A is the
// operand whose rows index the kernel's M).
type Arguments struct {
	Device    *accel.Device
	NumGroups int

	// Problems and LeadingDims are host copies of the device arrays, used to check feasibility.
	Problems    []ProblemShape
	LeadingDims LeadingDims

	DeviceProblems            accel.Ptr
	PtrA, PtrB, PtrD          accel.Ptr
	StrideA, StrideB, StrideD accel.Ptr
	Output                    OutputLayout
	Epilogue                  epilogue.Args
	Hardware                  accel.HardwareInfo
}

// CanImplement checks that the configuration can execute every group of the arguments: the K
// extent and leading dimensions must honor the operand alignments, and the contiguous dimension of
// the output the output alignment.
func (c *Config) CanImplement(args *Arguments) error {
	if args.Hardware.Generation != c.spec.Generation {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s: built for %s, device %d is %s",
			c.spec.Name, c.spec.Generation, args.Hardware.DeviceOrdinal, args.Hardware.Generation)
	}
	if args.NumGroups <= 0 || len(args.Problems) != args.NumGroups {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s: %d groups with %d problem shapes",
			c.spec.Name, args.NumGroups, len(args.Problems))
	}
	lds := args.LeadingDims
	if len(lds.A) != args.NumGroups || len(lds.B) != args.NumGroups || len(lds.D) != args.NumGroups {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%s: leading dimensions for %d/%d/%d groups, expected %d",
			c.spec.Name, len(lds.A), len(lds.B), len(lds.D), args.NumGroups)
	}
	for g, problem := range args.Problems {
		p := args.Output.KernelShape(problem)
		contiguous := p.N
		if args.Output == ColumnMajor {
			contiguous = p.M
		}
		switch {
		case p.K%c.alignA != 0 || p.K%c.alignB != 0:
			return errors.Wrapf(ErrUnsupportedConfiguration, "%s: group %d has K=%d, it must be a multiple of %d",
				c.spec.Name, g, p.K, max(c.alignA, c.alignB))
		case contiguous%c.alignD != 0:
			return errors.Wrapf(ErrUnsupportedConfiguration, "%s: group %d output extent %d must be a multiple of %d",
				c.spec.Name, g, contiguous, c.alignD)
		case lds.A[g]%int64(c.alignA) != 0 || lds.B[g]%int64(c.alignB) != 0 || lds.D[g]%int64(c.alignD) != 0:
			return errors.Wrapf(ErrUnsupportedConfiguration, "%s: group %d leading dimensions (%d, %d, %d) not aligned to (%d, %d, %d)",
				c.spec.Name, g, lds.A[g], lds.B[g], lds.D[g], c.alignA, c.alignB, c.alignD)
		}
	}
	return nil
}
