// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	registryMu sync.RWMutex

	// registry maps capability keys to their configurations, sorted by decreasing priority.
	registry = make(map[Key][]*Config)

	// registryOrder lists every registered configuration in registration order.
	registryOrder []*Config
)

// Register instantiates and registers a kernel configuration. It is meant to be called from init()
// functions: it panics if the configuration can't be built for its generation, or if a
// configuration with the same name is already registered for the same key.
func Register(spec ConfigSpec) *Config {
	c, err := NewConfig(spec)
	if err != nil {
		exceptions.Panicf("kernels.Register: %+v", err)
	}
	registerConfig(c)
	return c
}

func registerConfig(c *Config) {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := c.spec.Key
	for _, other := range registry[key] {
		if other.spec.Name == c.spec.Name {
			exceptions.Panicf("kernels.Register: configuration %q already registered for %s", c.spec.Name, key)
		}
	}
	configs := append(registry[key], c)
	slices.SortStableFunc(configs, func(a, b *Config) int { return b.spec.Priority - a.spec.Priority })
	registry[key] = configs
	registryOrder = append(registryOrder, c)
	klog.V(2).Infof("kernels: registered %s (%d bytes on-chip)", c, c.sharedMemory)
}

// Lookup returns the highest priority configuration registered for the key.
func Lookup(key Key) (*Config, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	configs := registry[key]
	if len(configs) == 0 {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "no kernel configuration registered for %s", key)
	}
	return configs[0], nil
}

// Configs returns all registered configurations, in registration order.
func Configs() []*Config {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Clone(registryOrder)
}

// ShapeHint describes the problems a configuration will be used for.
type ShapeHint struct {
	NumGroups int
	TotalRows int
	N, K      int
}

// AvgRows returns the average number of rows per group, rounded up.
func (h ShapeHint) AvgRows() int {
	if h.NumGroups <= 0 {
		return h.TotalRows
	}
	return ceilDiv(h.TotalRows, h.NumGroups)
}

// SwapMaxAvgRows is the largest average number of rows per group for which computing the transposed
// problem is preferred: with few rows per expert, N fills the kernel's M dimension better.
const SwapMaxAvgRows = 64

// ChooseSwap returns whether swapped configurations suit the hinted problems.
func ChooseSwap(hint ShapeHint) bool {
	return hint.AvgRows() <= SwapMaxAvgRows
}

// Select returns the configuration best suited for the hinted problems, among those registered for
// the operand and output dtypes and the generation (swapped or not).
//
// It picks the configuration with the tightest MaxAvgRows still covering hint.AvgRows(), then the
// highest priority.
func Select(operand, output dtypes.DType, gen accel.Generation, hint ShapeHint) (*Config, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	avgRows := hint.AvgRows()
	bound := func(c *Config) int {
		if c.spec.MaxAvgRows == 0 {
			return int(^uint(0) >> 1)
		}
		return c.spec.MaxAvgRows
	}
	var best *Config
	for _, swap := range []bool{false, true} {
		for _, c := range registry[Key{Operand: operand, Output: output, Generation: gen, SwapAB: swap}] {
			if avgRows > bound(c) {
				continue
			}
			if best == nil || bound(c) < bound(best) || (bound(c) == bound(best) && c.spec.Priority > best.spec.Priority) {
				best = c
			}
		}
	}
	if best == nil {
		return nil, errors.Wrapf(ErrUnsupportedConfiguration, "no kernel configuration for %s->%s on %s covers %d rows per group",
			operand, output, gen, avgRows)
	}
	klog.V(1).Infof("kernels: selected %s for %+v", best, hint)
	return best, nil
}
