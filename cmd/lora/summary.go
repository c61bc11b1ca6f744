// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lora/pkg/ml/model"
)

// bytesPerParameter of the float32 values.
const bytesPerParameter = 4

// parameterCounts of a model at some stage (e.g. before and after applying LoRA).
type parameterCounts struct {
	Stage           string
	Layers          int
	Adapters        int
	Variables       int
	TrainableVars   int
	Parameters      int
	TrainableParams int
}

// countParameters of m, after its current stage.
func countParameters(stage string, m model.Module) parameterCounts {
	counts := parameterCounts{
		Stage:           stage,
		Layers:          m.Registry().Len(),
		Parameters:      model.CountParameters(m),
		TrainableParams: model.CountTrainableParameters(m),
	}
	for _, layer := range m.Registry().Layers() {
		if layer.Kind() == model.KindLoRA {
			counts.Adapters++
		}
	}
	for _, v := range model.VariablesMap(m) {
		counts.Variables++
		if v.Trainable {
			counts.TrainableVars++
		}
	}
	return counts
}

// trainableFraction returns the percentage of trainable parameters.
func (c parameterCounts) trainableFraction() string {
	if c.Parameters == 0 {
		return "-"
	}
	return fmt.Sprintf("%.4f%%", 100*float64(c.TrainableParams)/float64(c.Parameters))
}

// Summary prints a table with one column per stage. Rows whose value changed across stages are highlighted.
func Summary(w io.Writer, stages ...parameterCounts) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	t := newPlainTable(lipgloss.Right, lipgloss.Left)
	headers := []string{""}
	for _, stage := range stages {
		headers = append(headers, stage.Stage)
	}
	t.Headers(headers...)

	addRow := func(name string, valueFn func(c parameterCounts) string) {
		row := []string{name}
		for _, stage := range stages {
			row = append(row, valueFn(stage))
		}
		t.Row(!isAllEqual(row[1:]), row...)
	}
	addRow("# layers", func(c parameterCounts) string { return humanize.Comma(int64(c.Layers)) })
	addRow("# LoRA adapters", func(c parameterCounts) string { return humanize.Comma(int64(c.Adapters)) })
	addRow("# variables", func(c parameterCounts) string { return humanize.Comma(int64(c.Variables)) })
	addRow("# trainable variables", func(c parameterCounts) string { return humanize.Comma(int64(c.TrainableVars)) })
	addRow("# parameters", func(c parameterCounts) string { return humanize.Comma(int64(c.Parameters)) })
	addRow("# trainable parameters", func(c parameterCounts) string { return humanize.Comma(int64(c.TrainableParams)) })
	addRow("trainable %", parameterCounts.trainableFraction)
	addRow("# bytes", func(c parameterCounts) string { return humanize.Bytes(uint64(c.Parameters * bytesPerParameter)) })
	addRow("# trainable bytes", func(c parameterCounts) string {
		return humanize.Bytes(uint64(c.TrainableParams * bytesPerParameter))
	})
	_, _ = fmt.Fprintln(w, t.Render())
}

func isAllEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}
