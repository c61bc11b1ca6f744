// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distilbert implements a DistilBERT encoder with a sequence classification head, used as the
// host model of the LoRA adapters.
//
// It only implements the forward pass (inference). All linear layers are registered in the model's
// model.Registry under the same paths used by the DistilBERT checkpoints (e.g.:
// "distilbert.transformer.layer.0.attention.q_lin"), so they can be extracted and replaced by path,
// and the variables follow the same naming (e.g. "distilbert.embeddings.word_embeddings.weight").
package distilbert

import (
	"fmt"
	"iter"
	"math"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/gomlx/lora/pkg/ml/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scope names.
const (
	BaseScope          = "distilbert"
	PreClassifierScope = "pre_classifier"
	ClassifierScope    = "classifier"
)

// Labels of the binary sentiment classification.
const (
	LabelNegative = 0
	LabelPositive = 1
)

// LayerPath returns the path of the block blockIdx: "distilbert.transformer.layer.<blockIdx>".
func LayerPath(blockIdx int) string {
	return model.JoinPath(BaseScope, "transformer", "layer", fmt.Sprint(blockIdx))
}

// QueryValuePaths returns the paths of the query and value projections of all blocks, the default
// targets of LoRA adapters.
func QueryValuePaths(numLayers int) []string {
	paths := make([]string, 0, 2*numLayers)
	for ii := range numLayers {
		paths = append(paths,
			model.JoinPath(LayerPath(ii), "attention", "q_lin"),
			model.JoinPath(LayerPath(ii), "attention", "v_lin"))
	}
	return paths
}

// block is one transformer block.
type block struct {
	query, key, value, output *model.Slot
	saLayerNorm               *nn.LayerNorm
	lin1, lin2                *model.Slot
	outputLayerNorm           *nn.LayerNorm
}

// Model is a DistilBERT encoder with a classification head.
type Model struct {
	config   Config
	registry *model.Registry

	wordEmbeddings, positionEmbeddings *nn.Embedding
	embeddingsLayerNorm                *nn.LayerNorm
	blocks                             []*block
	preClassifier, classifier          *model.Slot
}

var _ model.Module = (*Model)(nil)

// New creates a randomly initialized model, and registers all its linear layers.
func New(config Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Model{config: config, registry: model.NewRegistry()}
	initFn := initializer.Normal(initializer.NewSource(config.Seed), config.InitStdDev)
	m.wordEmbeddings = nn.NewEmbedding(config.VocabSize, config.Dim, initFn)
	m.positionEmbeddings = nn.NewEmbedding(config.MaxPositions, config.Dim, initFn)
	m.embeddingsLayerNorm = nn.NewLayerNorm(config.Dim, config.Epsilon)

	var err error
	register := func(path string, in, out int) *model.Slot {
		if err != nil {
			return nil
		}
		var slot *model.Slot
		slot, err = m.registry.Register(path, nn.NewLinear(in, out, initFn, true))
		return slot
	}
	dim := config.Dim
	for ii := range config.NumLayers {
		attention := model.JoinPath(LayerPath(ii), "attention")
		ffn := model.JoinPath(LayerPath(ii), "ffn")
		b := &block{
			query:           register(model.JoinPath(attention, "q_lin"), dim, dim),
			key:             register(model.JoinPath(attention, "k_lin"), dim, dim),
			value:           register(model.JoinPath(attention, "v_lin"), dim, dim),
			output:          register(model.JoinPath(attention, "out_lin"), dim, dim),
			saLayerNorm:     nn.NewLayerNorm(dim, config.Epsilon),
			lin1:            register(model.JoinPath(ffn, "lin1"), dim, config.HiddenDim),
			lin2:            register(model.JoinPath(ffn, "lin2"), config.HiddenDim, dim),
			outputLayerNorm: nn.NewLayerNorm(dim, config.Epsilon),
		}
		m.blocks = append(m.blocks, b)
	}
	m.preClassifier = register(PreClassifierScope, dim, dim)
	m.classifier = register(ClassifierScope, dim, config.NumLabels)
	if err != nil {
		return nil, errors.WithMessage(err, "distilbert.New")
	}
	klog.V(1).Infof("distilbert: created model with %d layers registered and %d parameters",
		m.registry.Len(), config.NumParameters())
	return m, nil
}

// Config used to build the model.
func (m *Model) Config() Config { return m.config }

// Registry implements model.Addressable.
func (m *Model) Registry() *model.Registry { return m.registry }

// QueryValuePaths returns the paths of the query and value projections of all blocks.
func (m *Model) QueryValuePaths() []string { return QueryValuePaths(m.config.NumLayers) }

// DefaultTargets returns QueryValuePaths, the layers adapted by default by lora.Apply.
func (m *Model) DefaultTargets() []string { return m.QueryValuePaths() }

// scopedSource is a ParameterSource and the scope of its variables.
type scopedSource struct {
	scope string
	src   model.ParameterSource
}

func slotSource(slot *model.Slot) scopedSource {
	return scopedSource{slot.Path(), slot.Layer()}
}

// Variables implements model.ParameterSource. Linear layers are read from the registry, so it reflects
// any replaced layer.
func (m *Model) Variables() iter.Seq2[string, *model.Variable] {
	return func(yield func(string, *model.Variable) bool) {
		embeddings := model.JoinPath(BaseScope, "embeddings")
		sources := []scopedSource{
			{model.JoinPath(embeddings, "word_embeddings"), m.wordEmbeddings},
			{model.JoinPath(embeddings, "position_embeddings"), m.positionEmbeddings},
			{model.JoinPath(embeddings, "LayerNorm"), m.embeddingsLayerNorm},
		}
		for ii, b := range m.blocks {
			layerPath := LayerPath(ii)
			sources = append(sources,
				slotSource(b.query), slotSource(b.key), slotSource(b.value), slotSource(b.output),
				scopedSource{model.JoinPath(layerPath, "sa_layer_norm"), b.saLayerNorm},
				slotSource(b.lin1), slotSource(b.lin2),
				scopedSource{model.JoinPath(layerPath, "output_layer_norm"), b.outputLayerNorm})
		}
		sources = append(sources, slotSource(m.preClassifier), slotSource(m.classifier))
		for _, source := range sources {
			for name, v := range model.PrefixVariables(source.scope, source.src) {
				if !yield(name, v) {
					return
				}
			}
		}
	}
}

// Forward returns the logits, shaped `[batch, NumLabels]`, for the batch of token sequences.
// All sequences must have the same length (use PadTokenID to pad them), and the first token
// (usually [CLS]) is used for the classification.
func (m *Model) Forward(tokens [][]int) (*tensors.Tensor, error) {
	if len(tokens) == 0 {
		return nil, errors.New("distilbert.Forward: empty batch")
	}
	seqLen := len(tokens[0])
	if seqLen == 0 || seqLen > m.config.MaxPositions {
		return nil, errors.Errorf("distilbert.Forward: sequence length must be in [1, %d], got %d",
			m.config.MaxPositions, seqLen)
	}
	logits := tensors.New(len(tokens), m.config.NumLabels)
	for ii, sequence := range tokens {
		if len(sequence) != seqLen {
			return nil, errors.Errorf("distilbert.Forward: sequence #%d has length %d, expected %d",
				ii, len(sequence), seqLen)
		}
		cls, err := m.encode(sequence)
		if err != nil {
			return nil, errors.WithMessagef(err, "distilbert.Forward: sequence #%d", ii)
		}
		out, err := m.classify(cls)
		if err != nil {
			return nil, errors.WithMessagef(err, "distilbert.Forward: sequence #%d", ii)
		}
		copy(logits.Row(ii), out.Data())
	}
	return logits, nil
}

// Predict returns the argmax label for each sequence: for binary sentiment classification,
// LabelNegative or LabelPositive.
func (m *Model) Predict(tokens [][]int) ([]int, error) {
	logits, err := m.Forward(tokens)
	if err != nil {
		return nil, err
	}
	return nn.ArgMax(logits)
}

// encode returns the embedding of the first token after the last block, shaped `[1, Dim]`.
func (m *Model) encode(sequence []int) (*tensors.Tensor, error) {
	seqLen := len(sequence)
	x, err := m.wordEmbeddings.Lookup(sequence)
	if err != nil {
		return nil, err
	}
	positions := make([]int, seqLen)
	for ii := range positions {
		positions[ii] = ii
	}
	posEmbed, err := m.positionEmbeddings.Lookup(positions)
	if err != nil {
		return nil, err
	}
	if x, err = tensors.Add(x, posEmbed); err != nil {
		return nil, err
	}
	if x, err = m.embeddingsLayerNorm.Forward(x); err != nil {
		return nil, err
	}

	mask := make([]bool, seqLen)
	for ii, token := range sequence {
		mask[ii] = token != m.config.PadTokenID
	}
	for ii, b := range m.blocks {
		x, err = m.blockForward(b, x, mask)
		if err != nil {
			return nil, errors.WithMessagef(err, "in block %d", ii)
		}
	}
	return tensors.FromValues(append([]float32(nil), x.Row(0)...), 1, m.config.Dim)
}

// classify applies the classification head to the first token embedding.
func (m *Model) classify(cls *tensors.Tensor) (*tensors.Tensor, error) {
	pre, err := m.preClassifier.Forward(cls)
	if err != nil {
		return nil, err
	}
	return m.classifier.Forward(nn.Relu(pre))
}

// blockForward applies the self-attention and the feed-forward network, each with a residual connection
// followed by a layer normalization (post-norm).
func (m *Model) blockForward(b *block, x *tensors.Tensor, mask []bool) (*tensors.Tensor, error) {
	attention, err := m.selfAttention(b, x, mask)
	if err != nil {
		return nil, err
	}
	if x, err = tensors.Add(x, attention); err != nil {
		return nil, err
	}
	if x, err = b.saLayerNorm.Forward(x); err != nil {
		return nil, err
	}
	hidden, err := b.lin1.Forward(x)
	if err != nil {
		return nil, err
	}
	ffn, err := b.lin2.Forward(nn.Gelu(hidden))
	if err != nil {
		return nil, err
	}
	if x, err = tensors.Add(x, ffn); err != nil {
		return nil, err
	}
	return b.outputLayerNorm.Forward(x)
}

// selfAttention is the multi-head attention of x `[seq, dim]` with itself. Keys where mask is false are ignored.
func (m *Model) selfAttention(b *block, x *tensors.Tensor, mask []bool) (*tensors.Tensor, error) {
	query, err := b.query.Forward(x)
	if err != nil {
		return nil, err
	}
	key, err := b.key.Forward(x)
	if err != nil {
		return nil, err
	}
	value, err := b.value.Forward(x)
	if err != nil {
		return nil, err
	}
	seqLen, dim := x.Dim(0), m.config.Dim
	headDim := dim / m.config.NumHeads
	invSqrtHeadDim := float32(1 / math.Sqrt(float64(headDim)))
	context := tensors.New(seqLen, dim)
	for head := range m.config.NumHeads {
		q := tensors.Scale(headColumns(query, head, headDim), invSqrtHeadDim)
		k := headColumns(key, head, headDim)
		v := headColumns(value, head, headDim)
		scores, err := tensors.MatMulTransposed(q, k)
		if err != nil {
			return nil, err
		}
		weights := nn.MaskedSoftmax(scores, mask)
		headContext, err := tensors.MatMul(weights, v)
		if err != nil {
			return nil, err
		}
		for row := range seqLen {
			copy(context.Row(row)[head*headDim:(head+1)*headDim], headContext.Row(row))
		}
	}
	return b.output.Forward(context)
}

// headColumns returns a copy of the columns of x used by head, shaped `[seq, headDim]`.
func headColumns(x *tensors.Tensor, head, headDim int) *tensors.Tensor {
	seqLen := x.Dim(0)
	out := tensors.New(seqLen, headDim)
	for row := range seqLen {
		copy(out.Row(row), x.Row(row)[head*headDim:(head+1)*headDim])
	}
	return out
}
