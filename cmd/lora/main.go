// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// lora builds a DistilBERT sequence classifier, applies LoRA adapters to it and reports the
// parameter counts before and after. It can also save the adapters to a checkpoint, merge them
// back into the base layers, and run a sweep of low-rank approximations of a random matrix, to
// show how the reconstruction error decays with the rank.
//
// Examples:
//
//	# Adapters on the query and value projections (the default), with rank 16.
//	$ lora -set="lora_r=16;lora_alpha=32"
//
//	# Adapters on all attention projections, with the classifier head trainable, saved to a checkpoint.
//	$ lora -set="lora_target_modules=q_lin,k_lin,v_lin,out_lin;lora_modules_to_save=classifier" -checkpoint=~/work/adapters
//
//	# Reconstruction error vs rank of a random 768x384 matrix of rank 8.
//	$ lora -adapt=false -lowrank -plot=/tmp/errors.png
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/checkpoints"
	"github.com/gomlx/lora/pkg/ml/lora"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/gomlx/lora/pkg/ml/models/distilbert"
	"github.com/gomlx/lora/pkg/support/fsutil"
	"github.com/gomlx/lora/ui/commandline"
	"github.com/gomlx/lora/ui/plots"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "LoRA configuration file, in YAML (or a PEFT adapter_config.json). "+
		"Values given with -set take precedence.")
	flagAdapt   = flag.Bool("adapt", true, "Builds the DistilBERT model and applies the LoRA adapters.")
	flagSummary = flag.Bool("summary", true, "Display a summary of the model sizes before and after applying LoRA.")
	flagVars    = flag.Bool("vars", false, "Lists the trainable variables after applying LoRA.")
	flagTokens  = flag.String("tokens", "", "Comma-separated token ids of a sequence to classify before and after "+
		"applying LoRA: freshly initialized adapters don't change the logits.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory where to save the trainable variables (the adapters). "+
		"If it already holds checkpoints, the latest one is loaded first.")
	flagKeep    = flag.Int("keep", 3, "Number of checkpoints to keep in -checkpoint. Use -1 to keep all.")
	flagHalf    = flag.Bool("half", false, "Save checkpoints in half-precision (float16).")
	flagMerge   = flag.Bool("merge", false, "Merge the adapters into the base layers at the end.")
	flagLowRank = flag.Bool("lowrank", false, "Run a sweep of low-rank approximations of a random low-rank matrix, "+
		"see the lowrank_* settings.")
	flagPlot = flag.String("plot", "", "Plot the reconstruction errors of -lowrank to the given file (.png, .svg or .pdf).")
)

// ParamRunID is the checkpoint parameter identifying the run that created the checkpoint directory.
const ParamRunID = "run_id"

// options holds all the values configurable with -set.
type options struct {
	model distilbert.Config
	lora  lora.Config
	bias  string
	sweep sweepConfig
}

func defaultOptions() *options {
	opts := &options{model: distilbert.DefaultConfig(), lora: lora.DefaultConfig(), sweep: defaultSweepConfig()}
	opts.bias = string(opts.lora.Bias)
	return opts
}

// bindSettings binds the hyperparameters to the fields of opts.
func bindSettings(opts *options) *commandline.Settings {
	return commandline.NewSettings().
		MustBind(distilbert.ParamVocabSize, &opts.model.VocabSize).
		MustBind(distilbert.ParamMaxPositions, &opts.model.MaxPositions).
		MustBind(distilbert.ParamDim, &opts.model.Dim).
		MustBind(distilbert.ParamNumLayers, &opts.model.NumLayers).
		MustBind(distilbert.ParamNumHeads, &opts.model.NumHeads).
		MustBind(distilbert.ParamHiddenDim, &opts.model.HiddenDim).
		MustBind(distilbert.ParamNumLabels, &opts.model.NumLabels).
		MustBind(distilbert.ParamPadTokenID, &opts.model.PadTokenID).
		MustBind(distilbert.ParamSeed, &opts.model.Seed).
		MustBind(distilbert.ParamInitStdDev, &opts.model.InitStdDev).
		MustBind(lora.ParamRank, &opts.lora.Rank).
		MustBind(lora.ParamAlpha, &opts.lora.Alpha).
		MustBind(lora.ParamUseRSLora, &opts.lora.UseRSLora).
		MustBind(lora.ParamInitStdDev, &opts.lora.InitStdDev).
		MustBind(lora.ParamSeed, &opts.lora.Seed).
		MustBind(lora.ParamTargetModules, &opts.lora.TargetModules).
		MustBind(lora.ParamModulesToSave, &opts.lora.ModulesToSave).
		MustBind(lora.ParamBias, &opts.bias).
		MustBind("lowrank_rows", &opts.sweep.Rows).
		MustBind("lowrank_cols", &opts.sweep.Cols).
		MustBind("lowrank_true_rank", &opts.sweep.TrueRank).
		MustBind("lowrank_max_rank", &opts.sweep.MaxRank).
		MustBind("lowrank_seed", &opts.sweep.Seed)
}

// configure loads the LoRA configuration file (if any) and then parses the settings, which take precedence.
// It returns the names of the settings set.
func configure(opts *options, settings *commandline.Settings, configPath, settingsStr string) ([]string, error) {
	if configPath != "" {
		configPath, err := fsutil.ReplaceTildeInDir(configPath)
		if err != nil {
			return nil, err
		}
		loraCfg, err := lora.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		opts.lora = loraCfg
		opts.bias = string(loraCfg.Bias)
	}
	namesSet, err := settings.Parse(settingsStr)
	if err != nil {
		return nil, err
	}
	opts.lora.Bias = lora.BiasMode(opts.bias)
	return namesSet, nil
}

func main() {
	klog.InitFlags(nil)
	opts := defaultOptions()
	settings := bindSettings(opts)
	settingsStr := commandline.CreateSettingsFlag(settings, nil, "")
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'lora -help'.", flag.Args())
		os.Exit(1)
	}

	namesSet, err := configure(opts, settings, *flagConfig, *settingsStr)
	if err != nil {
		klog.Fatalf("Failed to configure: %+v", err)
	}
	if len(namesSet) > 0 {
		fmt.Println(titleStyle.Render("Settings"))
		fmt.Println(commandline.SprintModifiedSettings(settings, namesSet))
	}

	if *flagAdapt {
		if err := adapt(os.Stdout, opts, settings); err != nil {
			klog.Fatalf("Failed: %+v", err)
		}
	}
	if *flagLowRank {
		if err := sweep(os.Stdout, opts.sweep, *flagCheckpoint, *flagPlot); err != nil {
			klog.Fatalf("Low-rank sweep failed: %+v", err)
		}
	}
}

// adapt builds the model, applies the adapters and reports it, following the flags.
func adapt(w io.Writer, opts *options, settings *commandline.Settings) error {
	m, err := distilbert.New(opts.model)
	if err != nil {
		return err
	}
	tokens, err := parseTokens(*flagTokens)
	if err != nil {
		return err
	}
	var logitsBefore *tensors.Tensor
	if len(tokens) > 0 {
		if logitsBefore, err = m.Forward([][]int{tokens}); err != nil {
			return err
		}
	}

	before := countParameters("DistilBERT", m)
	adapters, err := lora.Apply(m, opts.lora)
	if err != nil {
		return err
	}
	stages := []parameterCounts{before, countParameters("LoRA", m)}
	klog.V(1).Infof("%d LoRA adapters applied, scale %g", len(adapters), opts.lora.Scale())

	if logitsBefore != nil {
		logitsAfter, err := m.Forward([][]int{tokens})
		if err != nil {
			return err
		}
		distance := must.M1(tensors.FrobeniusDistance(logitsBefore, logitsAfter))
		_, _ = fmt.Fprintf(w, "Logits before LoRA: %v\nLogits after LoRA:  %v\n(distance %g)\n",
			logitsBefore.Data(), logitsAfter.Data(), distance)
	}

	if *flagCheckpoint != "" {
		if err := saveCheckpoint(w, m, settings, *flagCheckpoint); err != nil {
			return err
		}
	}
	if *flagVars {
		ListVariables(w, m, true)
	}
	if *flagMerge {
		numMerged, err := lora.MergeAll(m)
		if err != nil {
			return err
		}
		klog.V(1).Infof("%d LoRA adapters merged", numMerged)
		stages = append(stages, countParameters("Merged", m))
	}
	if *flagSummary {
		Summary(w, stages...)
	}
	return nil
}

// saveCheckpoint saves the trainable variables of m, along with the settings, to dir.
// If dir already holds checkpoints, the latest is loaded into m first.
func saveCheckpoint(w io.Writer, m model.Module, settings *commandline.Settings, dir string) error {
	params := make(map[string]any)
	for _, name := range settings.Names() {
		params[name], _ = settings.Value(name)
	}
	builder := checkpoints.Build(m).Dir(dir).Keep(*flagKeep).TrainableOnly().WithParams(params)
	if *flagHalf {
		builder = builder.HalfPrecision()
	}
	handler, err := builder.Done()
	if err != nil {
		return err
	}
	if _, found := handler.Params()[ParamRunID]; !found {
		// First checkpoint in the directory: identify the run.
		handler.SetParam(ParamRunID, uuid.NewString())
	}
	if loaded := handler.LoadedVariables(); len(loaded) > 0 {
		_, _ = fmt.Fprintf(w, "Loaded %d variables from %s\n", len(loaded), handler)
	}
	if err := handler.Save(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Saved %d trainable variables to %s (params: %d)\n",
		len(trainableNames(m)), handler, len(params))
	return nil
}

func trainableNames(m model.ParameterSource) []string {
	var names []string
	for name, v := range m.Variables() {
		if v.Trainable {
			names = append(names, name)
		}
	}
	return names
}

// parseTokens parses a comma-separated list of token ids.
func parseTokens(tokensStr string) ([]int, error) {
	tokensStr = strings.TrimSpace(tokensStr)
	if tokensStr == "" {
		return nil, nil
	}
	parts := strings.Split(tokensStr, ",")
	tokens := make([]int, len(parts))
	for ii, part := range parts {
		token, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid token #%d %q in -tokens", ii, part)
		}
		tokens[ii] = token
	}
	return tokens, nil
}

// sweep runs the low-rank sweep, prints the errors and plots them if plotPath is given.
// If checkpointDir is given, the points are also saved there.
func sweep(w io.Writer, cfg sweepConfig, checkpointDir, plotPath string) error {
	var pointsFile string
	if checkpointDir != "" {
		var err error
		pointsFile, err = fsutil.PrepareOutputFile(path.Join(checkpointDir, plots.SweepPointsFileName), checkpoints.DirPermMode)
		if err != nil {
			return err
		}
	}
	points, err := lowRankSweep(w, cfg, pointsFile)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Reconstruction error of a [%d, %d] matrix of rank %d",
		cfg.Rows, cfg.Cols, cfg.TrueRank)))
	_, _ = fmt.Fprintln(w, points.TableForMetrics("Rank"))
	if plotPath == "" {
		return nil
	}
	plotPath, err = fsutil.PrepareOutputFile(plotPath, checkpoints.DirPermMode)
	if err != nil {
		return err
	}
	title := fmt.Sprintf("Low-rank approximation of a rank %d matrix", cfg.TrueRank)
	if err := points.SavePlot(plotPath, title, "rank", "Frobenius error"); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Plot saved to %q\n", plotPath)
	return nil
}
