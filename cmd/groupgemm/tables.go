// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/groupgemm/accel"
	"github.com/gomlx/groupgemm/groupgemm/kernels"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func hardwareTable(hw accel.HardwareInfo) *lgtable.Table {
	table := newPlainTable(false)
	table.Row("device", strconv.Itoa(hw.DeviceOrdinal))
	table.Row("generation", hw.Generation.String())
	table.Row("compute units", humanize.Comma(int64(hw.ComputeUnits)))
	table.Row("on-chip memory per block", humanize.IBytes(uint64(hw.SharedMemoryPerBlock)))
	table.Row("memory budget", humanize.IBytes(uint64(hw.MemoryBudget)))
	return table
}

// listConfigs prints the registered configurations of the generation, or of every generation.
func listConfigs(gen accel.Generation, all bool) {
	fmt.Println(titleStyle.Render("Kernel configurations"))
	table := newPlainTable(true)
	table.Row("Name", "Generation", "Operand", "Output", "Swap", "Tile", "Cluster", "Stages",
		"On-chip", "Alignment (A/B/D)", "Max rows/group", "Priority")
	var count int
	for _, c := range kernels.Configs() {
		key := c.Key()
		if !all && key.Generation != gen {
			continue
		}
		spec := c.Spec()
		maxRows := "-"
		if spec.MaxAvgRows > 0 {
			maxRows = strconv.Itoa(spec.MaxAvgRows)
		}
		table.Row(c.Name(), key.Generation.String(), key.Operand.String(), key.Output.String(),
			strconv.FormatBool(key.SwapAB), spec.Tile.String(), spec.Cluster.String(),
			fmt.Sprintf("%d (%s)", c.Stages(), spec.Mainloop),
			humanize.IBytes(uint64(c.SharedMemoryBytes())),
			fmt.Sprintf("%d/%d/%d", c.AlignmentA(), c.AlignmentB(), c.AlignmentD()),
			maxRows, strconv.Itoa(spec.Priority))
		count++
	}
	fmt.Println(table.Render())
	fmt.Printf("%s configurations\n", humanize.Comma(int64(count)))
}
