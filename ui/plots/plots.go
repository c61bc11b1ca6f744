// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects, saves and plots points of metrics measured along a sweep:
// e.g. the reconstruction error of a low-rank approximation as a function of the rank.
package plots

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/lora/pkg/ml/lowrank"
	"github.com/gomlx/lora/pkg/support/fsutil"
	"github.com/gomlx/lora/pkg/support/sets"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// SweepPointsFileName is the default file name within a checkpoint directory to store
// the points collected during a rank sweep.
const SweepPointsFileName = "lowrank_points.json"

// Metric names used by FromRankErrors.
const (
	MeasuredErrorMetric = "Measured error"
	ExpectedErrorMetric = "Expected error"
)

// Point represents a plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType, e.g.: "error". It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the value of the swept variable (e.g. the rank) at which the metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// FromRankError converts a reconstruction error to its plot points: the measured and the expected error.
func FromRankError(rankErr lowrank.RankError) []Point {
	step := float64(rankErr.Rank)
	return []Point{
		{MetricName: MeasuredErrorMetric, Short: "err", MetricType: "error", Step: step, Value: rankErr.Error},
		{MetricName: ExpectedErrorMetric, Short: "tail", MetricType: "error", Step: step, Value: rankErr.Expected},
	}
}

// FromRankErrors converts the results of lowrank.ErrorsByRank to plot points.
func FromRankErrors(rankErrs []lowrank.RankError) []Point {
	points := make([]Point, 0, 2*len(rankErrs))
	for _, rankErr := range rankErrs {
		points = append(points, FromRankError(rankErr)...)
	}
	return points
}

// LoadPointsFromCheckpoint loads all plot points saved in file [SweepPointsFileName] in a checkpoint directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(path.Join(checkpointDir, SweepPointsFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file, appending to it.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open plot points file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		var enc *json.Encoder
		if f != nil {
			enc = json.NewEncoder(f)
		}
		for point := range pointChan {
			if err != nil {
				// Drain the channel.
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			closeErr := f.Close()
			if err == nil && closeErr != nil {
				err = errors.Wrapf(closeErr, "failed to close plot points file %q", filePath)
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
//
// See LoadPoints and LoadPointsFromCheckpoint if you want to read `rawPoints` from a file.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
		nameToType[p.MetricName] = p.MetricType
	})
	names := sets.Sorted(metricNames)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// Series returns the (step, value) pairs of the metric, sorted by step.
func (points Points) Series(metricName string) plotter.XYs {
	var xys plotter.XYs
	points.Map(func(p *Point) {
		if p.MetricName == metricName {
			xys = append(xys, plotter.XY{X: p.Step, Y: p.Value})
		}
	})
	return xys
}

// TableForMetrics returns a table with the first column being the `Step` (with the given stepName as header)
// followed by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(stepName string, metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{stepName}, metrics...)...)
	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%.6g", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics("Step")
}

// lineColors used for the metrics, in the order of MetricsNames. It cycles if there are more metrics.
var lineColors = []color.Color{
	color.RGBA{R: 0x70, G: 0x50, B: 0x90, A: 0xff},
	color.RGBA{R: 0xe0, G: 0x80, B: 0x20, A: 0xff},
	color.RGBA{R: 0x20, G: 0x90, B: 0x60, A: 0xff},
	color.RGBA{R: 0x20, G: 0x60, B: 0xc0, A: 0xff},
}

// Plot builds a line plot of the given metrics (all of them if none is given) as a function of the step.
func (points Points) Plot(title, xLabel, yLabel string, metrics ...string) (*plot.Plot, error) {
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	if len(metrics) == 0 {
		return nil, errors.New("no points to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Y.Min = 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	for ii, metricName := range metrics {
		xys := points.Series(metricName)
		if len(xys) == 0 {
			return nil, errors.Errorf("no points for metric %q", metricName)
		}
		line, scatter, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create line for metric %q", metricName)
		}
		c := lineColors[ii%len(lineColors)]
		line.Color = c
		scatter.Color = c
		if ii%2 == 1 {
			line.Dashes = []vg.Length{vg.Points(5), vg.Points(3)}
		}
		p.Add(line, scatter)
		p.Legend.Add(metricName, line, scatter)
	}
	return p, nil
}

// SavePlot saves the plot of the metrics (all of them if none is given) to filePath.
// The format is given by the file extension (".png", ".svg", ".pdf", ...).
func (points Points) SavePlot(filePath, title, xLabel, yLabel string, metrics ...string) error {
	p, err := points.Plot(title, xLabel, yLabel, metrics...)
	if err != nil {
		return err
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	klog.V(1).Infof("saved plot %q to %q", title, filePath)
	return nil
}
