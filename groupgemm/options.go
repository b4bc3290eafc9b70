// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package groupgemm

import (
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
	"github.com/pkg/errors"
)

// Option of GroupedMatMul.
type Option func(*options)

type options struct {
	config *kernels.Config
	hint   *kernels.ShapeHint
}

// WithConfig uses the given kernel configuration instead of selecting one from the registry.
func WithConfig(config *kernels.Config) Option {
	return func(o *options) { o.config = config }
}

// WithSelection selects the kernel configuration for the hinted shapes instead of the request's.
// Use it to resolve the same configuration for every call of a layer.
func WithSelection(hint kernels.ShapeHint) Option {
	return func(o *options) { o.hint = &hint }
}

// ResolveConfig returns the kernel configuration GroupedMatMul would use for the request.
func ResolveConfig(device *accel.Device, req *Request, opts ...Option) (*kernels.Config, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.config != nil {
		return o.config, nil
	}
	if req == nil || req.A == nil || req.Out == nil {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "groupgemm: request without operands")
	}
	hint := req.ShapeHint()
	if o.hint != nil {
		hint = *o.hint
	}
	return kernels.Select(req.A.DType(), req.Out.DType(), device.Generation(), hint)
}
