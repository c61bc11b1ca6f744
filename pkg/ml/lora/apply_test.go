// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lora

import (
	"os"
	"testing"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/gomlx/lora/pkg/ml/models/distilbert"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(filePath string, contents []byte) error {
	return os.WriteFile(filePath, contents, 0o644)
}

func smallModel(t *testing.T) *distilbert.Model {
	cfg := distilbert.DefaultConfig()
	cfg.VocabSize = 40
	cfg.MaxPositions = 8
	cfg.Dim = 16
	cfg.NumLayers = 2
	cfg.NumHeads = 2
	cfg.HiddenDim = 24
	cfg.InitStdDev = 0.2
	m, err := distilbert.New(cfg)
	require.NoError(t, err)
	return m
}

var tokens = [][]int{{1, 12, 30, 2}, {1, 7, 2, 0}}

func TestApply(t *testing.T) {
	m := smallModel(t)
	want := must.M1(m.Forward(tokens))
	total := model.CountParameters(m)

	adapters, err := Apply(m, Config{Rank: 4, Alpha: 8})
	require.NoError(t, err)
	require.Len(t, adapters, 4)
	for _, path := range m.QueryValuePaths() {
		layer := must.M1(m.Registry().Lookup(path))
		assert.Equal(t, model.KindLoRA, layer.Kind())
		assert.Same(t, adapters[path], layer)
	}
	k := must.M1(m.Registry().Lookup("distilbert.transformer.layer.0.attention.k_lin"))
	assert.Equal(t, model.KindLinear, k.Kind())

	// Only the adapters are trainable.
	perAdapter := 4 * (16 + 16)
	assert.Equal(t, 4*perAdapter, model.CountTrainableParameters(m))
	assert.Equal(t, total+4*perAdapter, model.CountParameters(m))
	vars := model.VariablesMap(m)
	assert.Contains(t, vars, "distilbert.transformer.layer.0.attention.q_lin.lora_A")
	assert.Contains(t, vars, "distilbert.transformer.layer.0.attention.q_lin.weight")

	// Fresh adapters don't change the outputs.
	assert.True(t, tensors.Equal(want, must.M1(m.Forward(tokens))))

	// Applying twice fails, and doesn't change anything.
	_, err = Apply(m, Config{Rank: 4, Alpha: 8})
	require.Error(t, err)
	assert.Equal(t, 4*perAdapter, model.CountTrainableParameters(m))
}

func TestApplyOptions(t *testing.T) {
	m := smallModel(t)
	_, err := Apply(m, Config{Rank: 2, Alpha: 2, TargetModules: []string{"missing"}})
	require.ErrorIs(t, err, model.ErrLayerNotFound)
	assert.Equal(t, model.CountParameters(m), model.CountTrainableParameters(m), "model unchanged on error")

	_, err = Apply(m, Config{Rank: 0, Alpha: 2})
	require.ErrorIs(t, err, ErrInvalidConfig)

	// A layer can't be both adapted and fully trained: its frozen weights would become trainable.
	_, err = Apply(m, Config{Rank: 2, Alpha: 2, TargetModules: []string{"q_lin"}, ModulesToSave: []string{"q_lin"}})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Empty(t, Adapters(m))
	assert.Equal(t, model.CountParameters(m), model.CountTrainableParameters(m), "model unchanged on error")

	adapters, err := Apply(m, Config{
		Rank:          2,
		Alpha:         2,
		TargetModules: []string{"attention.k_lin", "ffn.lin1"},
		ModulesToSave: []string{"classifier"},
		Bias:          BiasLoRAOnly,
	})
	require.NoError(t, err)
	assert.Len(t, adapters, 4)
	assert.Len(t, Adapters(m), 4)
	perK := 2*(16+16) + 16      // A, B and the bias of k_lin.
	perLin1 := 2*(16+24) + 24   // A, B and the bias of lin1.
	classifier := 16*2 + 2      // modules_to_save.
	assert.Equal(t, 2*perK+2*perLin1+classifier, model.CountTrainableParameters(m))
}

func TestApplyBiasAll(t *testing.T) {
	m := smallModel(t)
	_, err := Apply(m, Config{Rank: 1, Alpha: 1, TargetModules: []string{"q_lin"}, Bias: BiasAll})
	require.NoError(t, err)
	var biases int
	for name, v := range m.Variables() {
		if _, last := model.SplitPath(name); last == "bias" {
			assert.Truef(t, v.Trainable, "%q should be trainable", name)
			biases += v.Size()
		}
	}
	adapterParams := 2 * 1 * (16 + 16)
	assert.Equal(t, biases+adapterParams, model.CountTrainableParameters(m))
}

func TestMergeAndUnwrap(t *testing.T) {
	m := smallModel(t)
	want := must.M1(m.Forward(tokens))
	adapters := must.M1(Apply(m, Config{Rank: 2, Alpha: 4, Seed: 1}))

	// Simulate training: set B to random values.
	src := initializer.NewSource(9)
	for _, layer := range adapters {
		adapter := layer.(*Linear)
		require.NoError(t, adapter.B().SetValue(initializer.Normal(src, 0.5)(adapter.B().Shape()...)))
	}
	adapted := must.M1(m.Forward(tokens))
	assert.False(t, tensors.Equal(want, adapted), "trained adapters should change the outputs")

	// Merging keeps the outputs.
	merged, err := MergeAll(m)
	require.NoError(t, err)
	assert.Equal(t, 4, merged)
	assert.Empty(t, Adapters(m))
	assert.InDeltaSlice(t, adapted.Data(), must.M1(m.Forward(tokens)).Data(), 1e-4)

	// Unwrap restores the original layers.
	m2 := smallModel(t)
	must.M1(Apply(m2, Config{Rank: 2, Alpha: 4}))
	adapters2 := Adapters(m2)
	for _, layer := range adapters2 {
		adapter := layer.(*Linear)
		require.NoError(t, adapter.B().SetValue(initializer.Normal(src, 0.5)(adapter.B().Shape()...)))
	}
	unwrapped, err := Unwrap(m2)
	require.NoError(t, err)
	assert.Equal(t, 4, unwrapped)
	assert.True(t, tensors.Equal(want, must.M1(m2.Forward(tokens))))
	assert.Equal(t, 0, model.CountTrainableParameters(m2))
}

func TestResolvePaths(t *testing.T) {
	m := smallModel(t)
	paths, err := ResolvePaths(m, []string{"v_lin", "layer.0.attention.q_lin", "v_lin"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"distilbert.transformer.layer.0.attention.q_lin",
		"distilbert.transformer.layer.0.attention.v_lin",
		"distilbert.transformer.layer.1.attention.v_lin",
	}, paths)
}
