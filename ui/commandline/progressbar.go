// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar displays the progression of a fixed number of steps (e.g.: the ranks of a sweep),
// with the extra metrics appended to the bar line.
//
// When finished, it prints a table with the final values of the extra metrics.
type ProgressBar struct {
	w              io.Writer
	output         *termenv.Output
	bar            *progressbar.ProgressBar
	suffix         string
	numSteps       int
	stepsDone      int
	start          time.Time
	extraMetricFns []ExtraMetricFn
}

// NewProgressBar creates a progress bar for numSteps steps, written to w.
// itsString is the name of the unit of the steps, e.g. "ranks".
func NewProgressBar(w io.Writer, numSteps int, itsString string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		w:              w,
		output:         termenv.NewOutput(w),
		numSteps:       numSteps,
		start:          time.Now(),
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      "),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(itsString),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	pBar.output.HideCursor()
	return pBar
}

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the writer for the enclosed progressbar.ProgressBar.
// This ensures that the progress bar and its suffix are written in the same write operation.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.w.Write(data)
	if err != nil {
		return n, err
	}
	_, err = io.WriteString(pBar.w, pBar.suffix)
	return n, err
}

// Add marks amount steps as done, and refreshes the extra metrics.
func (pBar *ProgressBar) Add(amount int) error {
	if amount <= 0 || pBar.bar.IsFinished() {
		return nil
	}
	pBar.stepsDone += amount
	parts := make([]string, 0, len(pBar.extraMetricFns))
	for _, metricFn := range pBar.extraMetricFns {
		name, value := metricFn()
		parts = append(parts, fmt.Sprintf(" [%s=%s]", name, value))
	}
	pBar.suffix = strings.Join(parts, "")
	return errors.WithStack(pBar.bar.Add(amount))
}

// Finish completes the progress bar and prints a table with the steps done, the elapsed time
// and the final values of the extra metrics.
func (pBar *ProgressBar) Finish() error {
	defer pBar.output.ShowCursor()
	if !pBar.bar.IsFinished() {
		if err := pBar.bar.Finish(); err != nil {
			return errors.WithStack(err)
		}
	}
	statsTable := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	statsTable.Row("Steps", fmt.Sprintf("%s of %s", HumanizeCount(pBar.stepsDone), HumanizeCount(pBar.numSteps)))
	statsTable.Row("Elapsed", FormatDuration(time.Since(pBar.start)))
	for _, metricFn := range pBar.extraMetricFns {
		name, value := metricFn()
		statsTable.Row(name, value)
	}
	_, err := fmt.Fprintf(pBar.w, "\n%s\n", lipgloss.NewStyle().PaddingLeft(8).Render(statsTable.String()))
	return errors.WithStack(err)
}
