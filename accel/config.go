// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package accel

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ConfigEnvVar is the environment variable read by New with the platform configuration.
	// See ParseConfig for the format.
	ConfigEnvVar = "GROUPGEMM_ACCEL"

	// MemoryEnvVar sets the default device memory budget (e.g. "2GiB") when the configuration
	// doesn't include one.
	MemoryEnvVar = "GROUPGEMM_DEVICE_MEMORY"

	// DefaultMemoryBudget is the device memory budget used when neither the configuration nor
	// MemoryEnvVar set one.
	DefaultMemoryBudget int64 = 4 << 30
)

// Config of the emulated accelerator platform.
type Config struct {
	// Generation of every device of the platform.
	Generation Generation

	// ComputeUnits per device: the number of kernel workers running in parallel.
	ComputeUnits int

	// MemoryBudget per device, in bytes.
	MemoryBudget int64

	// NumDevices in the platform.
	NumDevices int
}

// String returns the configuration in the format accepted by ParseConfig.
func (c Config) String() string {
	return fmt.Sprintf("%s,units=%d,memory=%s,devices=%d",
		c.Generation, c.ComputeUnits, humanize.IBytes(uint64(c.MemoryBudget)), c.NumDevices)
}

// ParseConfig parses a comma-separated platform configuration, e.g. "sm90,units=8,memory=2GiB,devices=2".
//
// A bare token names the generation (sm80, sm89, sm90 or sm100). Keys:
//
//   - units: compute units per device. Default is the number of CPUs this process may run on.
//   - memory: memory budget per device, as in "512MiB" or "4GB". Default from MemoryEnvVar, else 4GiB.
//   - devices: number of devices. Default 1.
//
// Values left out are filled with their defaults.
func ParseConfig(config string) (Config, error) {
	var c Config
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			gen, err := GenerationString(part)
			if err != nil || gen == GenerationUnknown {
				return c, errors.Errorf("accel config %q: unknown generation %q, valid values are sm80, sm89, sm90 and sm100", config, part)
			}
			c.Generation = gen
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "units":
			units, err := strconv.Atoi(value)
			if err != nil || units <= 0 {
				return c, errors.Errorf("accel config %q: invalid units=%q, it must be a positive integer", config, value)
			}
			c.ComputeUnits = units
		case "memory":
			budget, err := humanize.ParseBytes(value)
			if err != nil || budget == 0 {
				return c, errors.Errorf("accel config %q: invalid memory=%q", config, value)
			}
			c.MemoryBudget = int64(budget)
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return c, errors.Errorf("accel config %q: invalid devices=%q, it must be a positive integer", config, value)
			}
			c.NumDevices = n
		default:
			return c, errors.Errorf("accel config %q: unknown key %q", config, key)
		}
	}
	return c.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Generation == GenerationUnknown {
		c.Generation = DefaultGeneration
	}
	if c.ComputeUnits == 0 {
		c.ComputeUnits = DefaultComputeUnits()
	}
	if c.MemoryBudget == 0 {
		c.MemoryBudget = defaultMemoryBudget()
	}
	if c.NumDevices == 0 {
		c.NumDevices = 1
	}
	return c
}

var warnMemoryBudgetOnce sync.Once

// defaultMemoryBudget reads MemoryEnvVar, falling back to DefaultMemoryBudget with a warning.
func defaultMemoryBudget() int64 {
	value := os.Getenv(MemoryEnvVar)
	if value != "" {
		budget, err := humanize.ParseBytes(value)
		if err == nil && budget > 0 {
			return int64(budget)
		}
		klog.Warningf("Invalid %s=%q, using the default device memory budget of %s",
			MemoryEnvVar, value, humanize.IBytes(uint64(DefaultMemoryBudget)))
		return DefaultMemoryBudget
	}
	warnMemoryBudgetOnce.Do(func() {
		klog.Warningf("Environment variable %s not set, using the default device memory budget of %s. "+
			"Set it (e.g. %s=16GiB) to tune it for your host.",
			MemoryEnvVar, humanize.IBytes(uint64(DefaultMemoryBudget)), MemoryEnvVar)
	})
	return DefaultMemoryBudget
}
