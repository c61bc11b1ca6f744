// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"iter"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/pkg/errors"
)

// Embedding is a lookup table from integer ids to vectors, stored in the variable "weight" shaped
// `[vocabSize, dim]`.
type Embedding struct {
	table *model.Variable
}

// NewEmbedding creates an embedding table initialized with initFn.
func NewEmbedding(vocabSize, dim int, initFn initializer.Initializer) *Embedding {
	return &Embedding{table: model.NewVariable(initFn(vocabSize, dim), true)}
}

// VocabSize is the number of entries in the table.
func (e *Embedding) VocabSize() int { return e.table.Value().Dim(0) }

// Dim is the size of the embedded vectors.
func (e *Embedding) Dim() int { return e.table.Value().Dim(1) }

// Lookup returns the embeddings of ids, shaped `[len(ids), Dim()]`.
func (e *Embedding) Lookup(ids []int) (*tensors.Tensor, error) {
	dim, vocab := e.Dim(), e.VocabSize()
	out := tensors.New(len(ids), dim)
	for row, id := range ids {
		if id < 0 || id >= vocab {
			return nil, errors.Errorf("embedding id %d out of range [0, %d)", id, vocab)
		}
		copy(out.Row(row), e.table.Value().Row(id))
	}
	return out, nil
}

// Variables implements model.ParameterSource.
func (e *Embedding) Variables() iter.Seq2[string, *model.Variable] {
	return func(yield func(string, *model.Variable) bool) {
		yield("weight", e.table)
	}
}
