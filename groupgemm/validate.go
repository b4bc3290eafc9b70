// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package groupgemm

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Validate checks that the configuration can execute the prepared call.
//
// It only reads host state and has no effect on the device, so it may be called any number of
// times with the same result. Failures wrap ErrUnsupportedConfiguration.
func (e *Executor) Validate(args *ExecutionArguments) error {
	if err := e.validate(args); err != nil {
		if args != nil {
			return errors.WithMessagef(err, "groupgemm: call %s with %s", args.CallID, e.config.Name())
		}
		return err
	}
	return nil
}

func (e *Executor) validate(args *ExecutionArguments) error {
	if args == nil || args.Arena == nil || args.Arena.Base().IsNull() {
		return errors.Wrap(ErrUnsupportedConfiguration, "execution arguments not prepared or already released")
	}
	key := e.config.Key()
	if args.Hardware.Generation != key.Generation {
		return errors.Wrapf(ErrUnsupportedConfiguration, "device generation %s, configuration built for %s",
			args.Hardware.Generation, key.Generation)
	}
	req := &args.Request
	for _, err := range []error{
		checkBuffer("A", req.A, key.Operand, 2),
		checkBuffer("B", req.B, key.Operand, 3),
		checkBuffer("Out", req.Out, key.Output, 2),
		checkBuffer("ScalesA", req.ScalesA, dtypes.Float32, 0),
		checkBuffer("ScalesB", req.ScalesB, dtypes.Float32, 0),
	} {
		if err != nil {
			return err
		}
	}

	groups := args.Groups
	numGroups := groups.NumGroups()
	if numGroups != req.B.Dim(0) {
		return errors.Wrapf(ErrUnsupportedConfiguration, "%d groups, but B has %d experts", numGroups, req.B.Dim(0))
	}
	if groups.Offsets[0] != 0 {
		return errors.Wrapf(ErrUnsupportedConfiguration, "expert offsets must start at 0, got %d", groups.Offsets[0])
	}
	n, k := groups.Problems[0].N, groups.Problems[0].K
	if n <= 0 || k <= 0 {
		return errors.Wrapf(ErrUnsupportedConfiguration, "N=%d and K=%d must be positive", n, k)
	}
	// Row widths of the buffers: leading dimensions must lie in [K, width] (or [N, width] for Out),
	// which also keeps every extent below the buffer sizes.
	widthA, widthB, widthD := int64(req.A.Dim(1)), int64(req.B.Dim(2)), int64(req.Out.Dim(1))
	switch {
	case req.B.Dim(1) != n:
		return errors.Wrapf(ErrUnsupportedConfiguration, "B has shape %v, it must be [%d, N=%d, ≥K=%d]", req.B.Dims(), numGroups, n, k)
	case widthA < int64(k):
		return errors.Wrapf(ErrUnsupportedConfiguration, "A has shape %v, rows narrower than K=%d", req.A.Dims(), k)
	case widthB < int64(k):
		return errors.Wrapf(ErrUnsupportedConfiguration, "B has shape %v, rows narrower than K=%d", req.B.Dims(), k)
	case widthD < int64(n):
		return errors.Wrapf(ErrUnsupportedConfiguration, "Out has shape %v, rows narrower than N=%d", req.Out.Dims(), n)
	}

	lds := args.Request.Strides
	var totalRows int64
	for g, p := range groups.Problems {
		switch {
		case p.N != n || p.K != k:
			return errors.Wrapf(ErrUnsupportedConfiguration, "group %d has shape %s, all groups must share N=%d and K=%d", g, p, n, k)
		case p.M < 0 || p.M > req.A.Dim(0):
			return errors.Wrapf(ErrUnsupportedConfiguration, "group %d has M=%d, A has %d rows", g, p.M, req.A.Dim(0))
		case groups.Offsets[g+1]-groups.Offsets[g] != int64(p.M):
			return errors.Wrapf(ErrUnsupportedConfiguration, "group %d has M=%d but offsets %d to %d",
				g, p.M, groups.Offsets[g], groups.Offsets[g+1])
		case lds.A[g] < int64(k) || lds.B[g] < int64(k) || lds.D[g] < int64(n):
			return errors.Wrapf(ErrUnsupportedConfiguration, "group %d leading dimensions (%d, %d, %d) smaller than (K, K, N)=(%d, %d, %d)",
				g, lds.A[g], lds.B[g], lds.D[g], k, k, n)
		case lds.A[g] > widthA || lds.B[g] > widthB || lds.D[g] > widthD:
			return errors.Wrapf(ErrUnsupportedConfiguration, "group %d leading dimensions (%d, %d, %d) larger than the buffer rows (%d, %d, %d)",
				g, lds.A[g], lds.B[g], lds.D[g], widthA, widthB, widthD)
		}
		totalRows += int64(p.M)

		// Buffer extents, in elements.
		if p.M > 0 {
			lastRow := groups.Offsets[g] + int64(p.M) - 1
			if end := lastRow*lds.A[g] + int64(k); end > int64(req.A.Size()) {
				return errors.Wrapf(ErrUnsupportedConfiguration, "group %d reads A up to element %d, A has %d", g, end, req.A.Size())
			}
			if end := lastRow*lds.D[g] + int64(n); end > int64(req.Out.Size()) {
				return errors.Wrapf(ErrUnsupportedConfiguration, "group %d writes Out up to element %d, Out has %d", g, end, req.Out.Size())
			}
		}
		if end := (int64(g)*int64(n)+int64(n)-1)*lds.B[g] + int64(k); end > int64(req.B.Size()) {
			return errors.Wrapf(ErrUnsupportedConfiguration, "group %d reads B up to element %d, B has %d", g, end, req.B.Size())
		}
	}
	if totalRows != int64(req.A.Dim(0)) || totalRows != int64(req.Out.Dim(0)) {
		return errors.Wrapf(ErrUnsupportedConfiguration, "groups sum to %d rows, A has %d and Out has %d",
			totalRows, req.A.Dim(0), req.Out.Dim(0))
	}

	// Scale counts must match the broadcast modes exactly: anything else is a mixed-mode request.
	wantScalesA := 1
	if req.PerRow {
		wantScalesA = int(totalRows)
	}
	wantScalesB := numGroups
	if req.PerColumn {
		wantScalesB = numGroups * n
	}
	if req.ScalesA.Size() != wantScalesA || req.ScalesB.Size() != wantScalesB {
		return errors.Wrapf(ErrUnsupportedConfiguration, "mixed scale modes: %d A scales and %d B scales, "+
			"perRow=%v and perColumn=%v require %d and %d",
			req.ScalesA.Size(), req.ScalesB.Size(), req.PerRow, req.PerColumn, wantScalesA, wantScalesB)
	}

	return e.config.CanImplement(&args.Kernel)
}
