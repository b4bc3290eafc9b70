// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package accel implements the emulated accelerator grouped kernels run on: devices with a
// generation tag and a memory budget, device memory addressed by opaque pointers, and ordered
// execution streams.
//
// Device memory is host memory, but it is only reachable through a Device: kernels and copies
// resolve a Ptr into a view of its allocation, with bounds checks.
//
// Create a Platform with New (configured by the GROUPGEMM_ACCEL environment variable) or
// NewWithConfig:
//
//	platform, err := accel.NewWithConfig("sm90,units=8,memory=2GiB")
//	device, err := platform.Device(0)
//	stream := device.NewStream()
//	defer stream.Close()
package accel

import (
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/groupgemm/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Platform is a set of emulated devices sharing one configuration.
type Platform struct {
	config  Config
	devices []*Device

	hwMu   sync.Mutex
	hwInfo map[int]HardwareInfo
}

// HardwareInfo describes a device as seen by kernels.
type HardwareInfo struct {
	DeviceOrdinal        int
	ComputeUnits         int
	Generation           Generation
	SharedMemoryPerBlock int
	MemoryBudget         int64
}

// String implements fmt.Stringer.
func (hw HardwareInfo) String() string {
	return fmt.Sprintf("device #%d (%s, %d compute units, %s on-chip per block, %s memory)",
		hw.DeviceOrdinal, hw.Generation, hw.ComputeUnits,
		humanize.IBytes(uint64(hw.SharedMemoryPerBlock)), humanize.IBytes(uint64(hw.MemoryBudget)))
}

// New creates a Platform configured by the ConfigEnvVar environment variable, or with the
// defaults if it is not set.
func New() (*Platform, error) {
	return NewWithConfig(os.Getenv(ConfigEnvVar))
}

// NewWithConfig creates a Platform from a configuration string. See ParseConfig for its format.
func NewWithConfig(config string) (*Platform, error) {
	c, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	p := &Platform{
		config: c,
		hwInfo: make(map[int]HardwareInfo),
	}
	p.devices = make([]*Device, c.NumDevices)
	for ordinal := range p.devices {
		p.devices[ordinal] = &Device{
			platform:     p,
			ordinal:      ordinal,
			generation:   c.Generation,
			memoryBudget: c.MemoryBudget,
			pool:         workerspool.New(c.ComputeUnits),
			allocations:  make(map[uint32]*allocation),
			nextHandle:   1,
		}
	}
	klog.V(1).Infof("accel: created platform %s", c)
	return p, nil
}

// Config returns the configuration of the platform, with defaults filled in.
func (p *Platform) Config() Config {
	return p.config
}

// NumDevices returns the number of devices in the platform.
func (p *Platform) NumDevices() int {
	return len(p.devices)
}

// Device returns the device with the given ordinal.
func (p *Platform) Device(ordinal int) (*Device, error) {
	if ordinal < 0 || ordinal >= len(p.devices) {
		return nil, errors.Errorf("accel: device #%d doesn't exist, platform has %d device(s)", ordinal, len(p.devices))
	}
	return p.devices[ordinal], nil
}

// HardwareInfo returns the description of the device with the given ordinal.
//
// It is computed on the first query for each device and cached afterward.
func (p *Platform) HardwareInfo(ordinal int) (HardwareInfo, error) {
	p.hwMu.Lock()
	defer p.hwMu.Unlock()
	if hw, found := p.hwInfo[ordinal]; found {
		return hw, nil
	}
	d, err := p.Device(ordinal)
	if err != nil {
		return HardwareInfo{}, err
	}
	hw := HardwareInfo{
		DeviceOrdinal:        ordinal,
		ComputeUnits:         d.pool.NumWorkers(),
		Generation:           d.generation,
		SharedMemoryPerBlock: d.generation.SharedMemoryPerBlock(),
		MemoryBudget:         d.memoryBudget,
	}
	p.hwInfo[ordinal] = hw
	klog.V(1).Infof("accel: queried %s", hw)
	return hw, nil
}

// String implements fmt.Stringer.
func (p *Platform) String() string {
	return fmt.Sprintf("accel[%s]", p.config)
}
