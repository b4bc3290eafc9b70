// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// groupgemm lists the registered grouped matmul kernel configurations and benchmarks them on the
// emulated accelerator.
//
// Examples:
//
//	groupgemm -list -device=sm89
//	groupgemm -bench -device="sm90,units=8" -experts=8 -rows=512 -n=256 -k=512 -per_row
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/groupgemm/accel"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "", fmt.Sprintf("Emulated device configuration, e.g. \"sm90,units=8,memory=1GiB\". "+
		"Defaults to $%s, or %s with one compute unit per available CPU.", accel.ConfigEnvVar, accel.DefaultGeneration))
	flagList  = flag.Bool("list", false, "Lists the kernel configurations available for the device generation.")
	flagAll   = flag.Bool("all", false, "With -list, lists the configurations of every generation.")
	flagBench = flag.Bool("bench", false, "Benchmarks GroupedMatMul on the device.")

	flagExperts   = flag.Int("experts", 8, "Number of experts (groups).")
	flagRows      = flag.Int("rows", 256, "Total number of rows routed to the experts.")
	flagN         = flag.Int("n", 256, "Output columns of each expert.")
	flagK         = flag.Int("k", 256, "Contraction dimension.")
	flagOperand   = flag.String("operand", "int8", "Operands dtype: int8 or float16.")
	flagOutput    = flag.String("output", "bfloat16", "Output dtype: float32, bfloat16 or float16.")
	flagPerRow    = flag.Bool("per_row", false, "One scale per row of A, instead of a single one.")
	flagPerColumn = flag.Bool("per_column", false, "One scale per output column of each expert, instead of one per expert.")
	flagConfig    = flag.String("config", "", "Name of the kernel configuration to benchmark. Defaults to the registry selection.")
	flagIters     = flag.Int("iters", 20, "Number of benchmarked calls.")
	flagSeed      = flag.Int64("seed", 1, "Seed of the random operands and routing.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagList && !*flagBench {
		klog.Errorf("Nothing to do, use -list or -bench. See 'groupgemm -help'.")
		os.Exit(1)
	}

	var platform *accel.Platform
	if *flagDevice != "" {
		platform = must.M1(accel.NewWithConfig(*flagDevice))
	} else {
		platform = must.M1(accel.New())
	}
	device := must.M1(platform.Device(0))
	fmt.Println(titleStyle.Render("Device"))
	fmt.Println(hardwareTable(device.HardwareInfo()).Render())

	if *flagList {
		listConfigs(device.Generation(), *flagAll)
	}
	if *flagBench {
		if err := bench(device); err != nil {
			klog.Errorf("Benchmark failed: %+v", err)
			os.Exit(1)
		}
	}
}
