// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/lora/pkg/ml/model"
	"gonum.org/v1/gonum/floats"
)

// variableStats are the MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value) of a variable.
type variableStats struct {
	MAV, RMS, MaxAV float64
}

func computeStats(v *model.Variable) variableStats {
	values := v.Value().Float64s()
	if len(values) == 0 {
		return variableStats{}
	}
	n := float64(len(values))
	abs := make([]float64, len(values))
	for ii, x := range values {
		abs[ii] = math.Abs(x)
	}
	return variableStats{
		MAV:   floats.Sum(abs) / n,
		RMS:   floats.Norm(values, 2) / math.Sqrt(n),
		MaxAV: floats.Max(abs),
	}
}

// ListVariables lists the variables of m (only the trainable ones if trainableOnly), with their shape and statistics.
// A freshly initialized LoRA B matrix shows as all zeros.
func ListVariables(w io.Writer, m model.ParameterSource, trainableOnly bool) {
	title := "Variables"
	if trainableOnly {
		title = "Trainable variables"
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
	t := newPlainTable()
	t.Headers("Name", "Shape", "Size", "Bytes", "Trainable", "MAV", "RMS", "MaxAV")
	vars := model.VariablesMap(m)
	names := make([]string, 0, len(vars))
	for name, v := range vars {
		if trainableOnly && !v.Trainable {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		v := vars[name]
		stats := computeStats(v)
		t.Row(false, name, fmt.Sprintf("%v", v.Shape()),
			humanize.Comma(int64(v.Size())),
			humanize.Bytes(uint64(v.Size()*bytesPerParameter)),
			fmt.Sprintf("%v", v.Trainable),
			fmt.Sprintf("%.3g", stats.MAV),
			fmt.Sprintf("%.3g", stats.RMS),
			fmt.Sprintf("%.3g", stats.MaxAV))
	}
	_, _ = fmt.Fprintln(w, t.Render())
}
