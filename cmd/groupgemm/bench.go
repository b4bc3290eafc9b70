// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
)

// ProgressbarStyle of the benchmark loop.
var ProgressbarStyle = progressbar.ThemeASCII

// bench runs GroupedMatMul on random operands, routed to the experts at random.
func bench(device *accel.Device) error {
	operand, err := dtypes.DTypeString(*flagOperand)
	if err != nil {
		return errors.Wrapf(err, "invalid -operand=%q", *flagOperand)
	}
	output, err := dtypes.DTypeString(*flagOutput)
	if err != nil {
		return errors.Wrapf(err, "invalid -output=%q", *flagOutput)
	}
	rng := rand.New(rand.NewSource(*flagSeed))
	req, err := newRequest(device, rng, operand, output)
	if err != nil {
		return err
	}
	defer finalize(req)

	var opts []groupgemm.Option
	if *flagConfig != "" {
		config, err := findConfig(*flagConfig, req.ShapeHint(), operand, output, device.Generation())
		if err != nil {
			return err
		}
		opts = append(opts, groupgemm.WithConfig(config))
	}
	config, err := groupgemm.ResolveConfig(device, req, opts...)
	if err != nil {
		return err
	}
	opts = []groupgemm.Option{groupgemm.WithConfig(config)}
	hint := req.ShapeHint()
	workspace := config.WorkspaceSize(hint.NumGroups, device.HardwareInfo().ComputeUnits)

	stream := device.NewStream()
	defer func() { _ = stream.Close() }()

	// Warm-up, also checks the request.
	if err = groupgemm.GroupedMatMul(stream, req, opts...); err != nil {
		return err
	}
	if err = stream.Synchronize(); err != nil {
		return err
	}

	term := termenv.NewOutput(os.Stdout)
	term.HideCursor()
	defer term.ShowCursor()
	bar := progressbar.NewOptions(*flagIters,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("calls"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	var elapsed time.Duration
	for range *flagIters {
		start := time.Now()
		if err = groupgemm.GroupedMatMul(stream, req, opts...); err != nil {
			return err
		}
		if err = stream.Synchronize(); err != nil {
			return err
		}
		elapsed += time.Since(start)
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()

	perCall := elapsed / time.Duration(max(*flagIters, 1))
	flops := 2 * float64(hint.TotalRows) * float64(hint.N) * float64(hint.K)
	throughput := flops / perCall.Seconds()
	fmt.Println(titleStyle.Render("Benchmark"))
	table := newPlainTable(false)
	table.Row("configuration", config.String())
	table.Row("problem", fmt.Sprintf("%d experts, %s rows (%d per expert on average), N=%d, K=%d",
		hint.NumGroups, humanize.Comma(int64(hint.TotalRows)), hint.AvgRows(), hint.N, hint.K))
	table.Row("scales", fmt.Sprintf("per-row=%v, per-column=%v", req.PerRow, req.PerColumn))
	table.Row("workspace", humanize.IBytes(uint64(workspace)))
	table.Row("calls", humanize.Comma(int64(*flagIters)))
	table.Row("time per call", perCall.String())
	table.Row("throughput", term.String(humanize.SIWithDigits(throughput, 2, "FLOP/s")).Bold().String())
	fmt.Println(table.Render())
	return nil
}

// findConfig returns the configuration with the given name for the dtypes and generation.
// Swapped and non-swapped instances are searched in the order preferred for the hinted shapes.
func findConfig(name string, hint kernels.ShapeHint, operand, output dtypes.DType, gen accel.Generation) (*kernels.Config, error) {
	swapOrder := []bool{false, true}
	if kernels.ChooseSwap(hint) {
		swapOrder = []bool{true, false}
	}
	for _, swap := range swapOrder {
		for _, c := range kernels.Configs() {
			if c.Name() == name && c.Key() == (kernels.Key{Operand: operand, Output: output, Generation: gen, SwapAB: swap}) {
				return c, nil
			}
		}
	}
	return nil, errors.Wrapf(kernels.ErrUnsupportedConfiguration, "no configuration %q for %s->%s on %s, see -list",
		name, operand, output, gen)
}

// newRequest builds a request over random operands, with the rows routed to the experts at random.
func newRequest(device *accel.Device, rng *rand.Rand, operand, output dtypes.DType) (*groupgemm.Request, error) {
	numExperts, rows, n, k := *flagExperts, *flagRows, *flagN, *flagK
	if numExperts <= 0 || rows < 0 || n <= 0 || k <= 0 {
		return nil, errors.Errorf("invalid problem: -experts=%d -rows=%d -n=%d -k=%d", numExperts, rows, n, k)
	}
	counts := make([]int, numExperts)
	for range rows {
		counts[rng.Intn(numExperts)]++
	}
	req := &groupgemm.Request{PerRow: *flagPerRow, PerColumn: *flagPerColumn}
	req.ExpertOffsets = make([]int64, 1, numExperts+1)
	for _, m := range counts {
		req.ExpertOffsets = append(req.ExpertOffsets, req.ExpertOffsets[len(req.ExpertOffsets)-1]+int64(m))
		req.ProblemSizes = append(req.ProblemSizes, groupgemm.ProblemShape{M: m, N: n, K: k})
	}

	var err error
	if req.A, err = randomOperand(device, rng, operand, rows, k); err != nil {
		return nil, err
	}
	if req.B, err = randomOperand(device, rng, operand, numExperts, n, k); err != nil {
		return nil, err
	}
	if req.Out, err = device.NewBuffer(output, rows, n); err != nil {
		return nil, err
	}
	numScalesA, numScalesB := 1, numExperts
	if req.PerRow {
		numScalesA = rows
	}
	if req.PerColumn {
		numScalesB = numExperts * n
	}
	if req.ScalesA, err = accel.BufferFromFlat(device, randomScales(rng, numScalesA), numScalesA); err != nil {
		return nil, err
	}
	if req.ScalesB, err = accel.BufferFromFlat(device, randomScales(rng, numScalesB), numScalesB); err != nil {
		return nil, err
	}
	return req, nil
}

func randomOperand(device *accel.Device, rng *rand.Rand, dtype dtypes.DType, dims ...int) (*accel.Buffer, error) {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	switch dtype {
	case dtypes.Int8:
		flat := make([]int8, size)
		for i := range flat {
			flat[i] = int8(rng.Intn(255) - 127)
		}
		return accel.BufferFromFlat(device, flat, dims...)
	case dtypes.Float16:
		flat := make([]float16.Float16, size)
		for i := range flat {
			flat[i] = float16.Fromfloat32(2*rng.Float32() - 1)
		}
		return accel.BufferFromFlat(device, flat, dims...)
	}
	return nil, errors.Wrapf(kernels.ErrUnsupportedConfiguration, "operand dtype %s, use %v", dtype, kernels.OperandDTypes)
}

func randomScales(rng *rand.Rand, n int) []float32 {
	scales := make([]float32, n)
	for i := range scales {
		scales[i] = 0.01 + 0.01*rng.Float32()
	}
	return scales
}

func finalize(req *groupgemm.Request) {
	for _, b := range []*accel.Buffer{req.Out, req.A, req.B, req.ScalesA, req.ScalesB} {
		if b != nil {
			_ = b.Finalize()
		}
	}
}
