// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distilbert

import (
	"github.com/pkg/errors"
)

// Hyperparameter keys, used to configure the model from the command line (see ui/commandline).
const (
	ParamVocabSize    = "distilbert_vocab_size"
	ParamMaxPositions = "distilbert_max_positions"
	ParamDim          = "distilbert_dim"
	ParamNumLayers    = "distilbert_num_layers"
	ParamNumHeads     = "distilbert_num_heads"
	ParamHiddenDim    = "distilbert_hidden_dim"
	ParamNumLabels    = "distilbert_num_labels"
	ParamPadTokenID   = "distilbert_pad_token_id"
	ParamSeed         = "distilbert_seed"
	ParamInitStdDev   = "distilbert_init_std"
)

// Config of the encoder.
type Config struct {
	VocabSize    int     // Vocabulary size.
	MaxPositions int     // Max sequence length (absolute positional embeddings).
	Dim          int     // Embedding dimension.
	NumLayers    int     // Transformer blocks.
	NumHeads     int     // Attention heads per block, it must divide Dim.
	HiddenDim    int     // Feed-forward hidden dimension.
	NumLabels    int     // Number of classes of the classification head.
	PadTokenID   int     // Token id used for padding, masked out of attention.
	Seed         uint64  // Seed for the random initialization of the weights.
	InitStdDev   float64 // Standard deviation of the random initialization of the weights.
	Epsilon      float64 // Epsilon of the layer normalizations.
}

// DefaultConfig returns the configuration of distilbert-base-uncased with a binary classification head.
func DefaultConfig() Config {
	return Config{
		VocabSize:    30522,
		MaxPositions: 512,
		Dim:          768,
		NumLayers:    6,
		NumHeads:     12,
		HiddenDim:    3072,
		NumLabels:    2,
		PadTokenID:   0,
		Seed:         0,
		InitStdDev:   0.02,
		Epsilon:      1e-12,
	}
}

// Validate returns an error if the configuration is invalid.
func (c Config) Validate() error {
	for _, check := range []struct {
		name  string
		value int
	}{
		{ParamVocabSize, c.VocabSize}, {ParamMaxPositions, c.MaxPositions}, {ParamDim, c.Dim},
		{ParamNumLayers, c.NumLayers}, {ParamNumHeads, c.NumHeads}, {ParamHiddenDim, c.HiddenDim},
		{ParamNumLabels, c.NumLabels},
	} {
		if check.value < 1 {
			return errors.Errorf("distilbert: %s must be >= 1, got %d", check.name, check.value)
		}
	}
	if c.Dim%c.NumHeads != 0 {
		return errors.Errorf("distilbert: %s=%d is not divisible by %s=%d", ParamDim, c.Dim, ParamNumHeads, c.NumHeads)
	}
	if c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize {
		return errors.Errorf("distilbert: %s=%d out of the vocabulary range", ParamPadTokenID, c.PadTokenID)
	}
	if c.InitStdDev < 0 {
		return errors.Errorf("distilbert: %s must be >= 0, got %g", ParamInitStdDev, c.InitStdDev)
	}
	return nil
}

// NumParameters returns the number of parameters of a model built with this configuration, without building it.
func (c Config) NumParameters() int {
	linear := func(in, out int) int { return in*out + out }
	embeddings := c.VocabSize*c.Dim + c.MaxPositions*c.Dim + 2*c.Dim
	block := 4*linear(c.Dim, c.Dim) + linear(c.Dim, c.HiddenDim) + linear(c.HiddenDim, c.Dim) + 2*2*c.Dim
	head := linear(c.Dim, c.Dim) + linear(c.Dim, c.NumLabels)
	return embeddings + c.NumLayers*block + head
}
