// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distilbert

import (
	"fmt"
	"testing"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = 50
	cfg.MaxPositions = 16
	cfg.Dim = 16
	cfg.NumLayers = 2
	cfg.NumHeads = 4
	cfg.HiddenDim = 32
	cfg.Seed = 7
	cfg.InitStdDev = 0.2
	return cfg
}

var testTokens = [][]int{
	{1, 23, 5, 17, 2},
	{1, 9, 44, 2, 0},
}

func TestNumParameters(t *testing.T) {
	// Same number of parameters as distilbert-base-uncased with a binary sequence classification head.
	assert.Equal(t, 66_955_010, DefaultConfig().NumParameters())

	cfg := smallConfig()
	m := must.M1(New(cfg))
	assert.Equal(t, cfg.NumParameters(), model.CountParameters(m))
	assert.Equal(t, cfg.NumParameters(), model.CountTrainableParameters(m))

	model.FreezeAll(m)
	assert.Equal(t, 0, model.CountTrainableParameters(m))
	assert.Equal(t, cfg.NumParameters(), model.CountParameters(m))
}

func TestNaming(t *testing.T) {
	m := must.M1(New(smallConfig()))
	assert.Equal(t, 6*2+2, m.Registry().Len())
	assert.Equal(t, []string{
		"distilbert.transformer.layer.0.attention.q_lin",
		"distilbert.transformer.layer.0.attention.v_lin",
		"distilbert.transformer.layer.1.attention.q_lin",
		"distilbert.transformer.layer.1.attention.v_lin",
	}, m.QueryValuePaths())

	vars := model.VariablesMap(m)
	for _, name := range []string{
		"distilbert.embeddings.word_embeddings.weight",
		"distilbert.embeddings.position_embeddings.weight",
		"distilbert.embeddings.LayerNorm.weight",
		"distilbert.transformer.layer.1.attention.q_lin.weight",
		"distilbert.transformer.layer.1.attention.out_lin.bias",
		"distilbert.transformer.layer.0.sa_layer_norm.bias",
		"distilbert.transformer.layer.0.ffn.lin1.weight",
		"distilbert.transformer.layer.0.output_layer_norm.weight",
		"pre_classifier.weight",
		"classifier.bias",
	} {
		assert.Containsf(t, vars, name, "missing variable %q", name)
	}
	assert.Equal(t, []int{16, 2}, vars["classifier.weight"].Shape())
	var first string
	for name := range m.Variables() {
		first = name
		break
	}
	assert.Equal(t, "distilbert.embeddings.word_embeddings.weight", first)
}

func TestForward(t *testing.T) {
	m := must.M1(New(smallConfig()))
	logits, err := m.Forward(testTokens)
	require.NoError(t, err)
	fmt.Printf("\tlogits=%s\n", logits)
	assert.Equal(t, []int{2, 2}, logits.Shape())

	// Same seed, same model.
	m2 := must.M1(New(smallConfig()))
	assert.True(t, tensors.Equal(logits, must.M1(m2.Forward(testTokens))))

	labels, err := m.Predict(testTokens)
	require.NoError(t, err)
	for _, label := range labels {
		assert.Contains(t, []int{LabelNegative, LabelPositive}, label)
	}

	// Padding is masked out: trailing pad tokens don't change the logits.
	short := must.M1(m.Forward([][]int{{1, 9, 44, 2}}))
	assert.InDeltaSlice(t, logits.Row(1), short.Row(0), 1e-5)

	// Invalid inputs.
	_, err = m.Forward(nil)
	require.Error(t, err)
	_, err = m.Forward([][]int{{1, 2}, {1}})
	require.Error(t, err)
	_, err = m.Forward([][]int{make([]int, 17)})
	require.Error(t, err)
	_, err = m.Forward([][]int{{1, 50}})
	require.Error(t, err)
}

func TestExtractReplace(t *testing.T) {
	m := must.M1(New(smallConfig()))
	want := must.M1(m.Forward(testTokens))

	layers, err := model.ExtractLayers(m, m.QueryValuePaths())
	require.NoError(t, err)
	require.Len(t, layers, 4)
	m, err = model.ReplaceLayers(m, layers)
	require.NoError(t, err)
	assert.True(t, tensors.Equal(want, must.M1(m.Forward(testTokens))))

	_, err = model.ExtractLayers(m, []string{"distilbert.transformer.layer.2.attention.q_lin"})
	require.ErrorIs(t, err, model.ErrLayerNotFound)
}

func TestInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.NumHeads = 3
	_, err := New(cfg)
	require.Error(t, err)

	cfg = smallConfig()
	cfg.NumLayers = 0
	_, err = New(cfg)
	require.Error(t, err)
}
