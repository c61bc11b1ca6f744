// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lora implements Low-Rank Adaptation (LoRA) of linear layers.
//
// A LoRA adapter wraps a frozen linear layer W₀ (and its frozen bias b₀) with two trainable matrices,
// A `[in, r]` initialized with random normal values, and B `[r, out]` initialized with zeros:
//
//	y = x·W₀ + b₀ + (α/r)·(x·A·B)
//
// Since B starts at zero, a fresh adapter computes exactly the same outputs as the frozen layer, and
// fine-tuning starts from the pretrained model. Only r·(in+out) parameters are trained per layer.
//
// Example:
//
//	m := must.M1(distilbert.New(distilbert.DefaultConfig()))
//	adapters := must.M1(lora.Apply(m, lora.DefaultConfig()))
//	fmt.Printf("%d adapters, %d trainable parameters\n", len(adapters), model.CountTrainableParameters(m))
package lora

import (
	"iter"

	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/gomlx/lora/pkg/ml/initializer"
	"github.com/gomlx/lora/pkg/ml/model"
	"github.com/gomlx/lora/pkg/ml/nn"
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when the adapter matrices are not conformable with the frozen layer.
	// It also matches model.ErrShapeMismatch with errors.Is.
	ErrShapeMismatch = errors.Wrap(model.ErrShapeMismatch, "LoRA adapter")

	// ErrInvalidConfig is returned for invalid configurations, see Config.Validate.
	ErrInvalidConfig = errors.New("invalid LoRA configuration")
)

// Variable names of the adapter matrices.
const (
	NameA = "lora_A"
	NameB = "lora_B"
)

// Linear is a frozen nn.Linear layer wrapped with a low-rank adapter.
//
// It implements model.Layer with Kind model.KindLoRA, so it can take the place of the layer it wraps.
type Linear struct {
	base  *nn.Linear
	a, b  *model.Variable
	rank  int
	alpha float64
	scale float64
}

var _ model.Layer = (*Linear)(nil)

// New wraps base with a new adapter configured by cfg: base is frozen, A is initialized with random
// normal values and B with zeros.
//
// If cfg.Bias is BiasLoRAOnly or BiasAll, the bias of base is left trainable.
func New(base *nn.Linear, cfg Config) (*Linear, error) {
	if base == nil {
		return nil, errors.New("lora.New: nil base layer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model.FreezeAll(base)
	if bias := base.Bias(); bias != nil && (cfg.Bias == BiasLoRAOnly || cfg.Bias == BiasAll) {
		bias.Trainable = true
	}
	src := initializer.NewSource(cfg.Seed)
	l := &Linear{
		base:  base,
		a:     model.NewVariable(initializer.Normal(src, cfg.initStdDev())(base.InputDim(), cfg.Rank), true),
		b:     model.NewVariable(initializer.Zero(cfg.Rank, base.OutputDim()), true),
		rank:  cfg.Rank,
		alpha: cfg.Alpha,
		scale: cfg.Scale(),
	}
	return l, nil
}

// NewFromFactors wraps base with an adapter with the given A `[in, rank]` and B `[rank, out]` values.
// base is frozen.
//
// It returns an error wrapping ErrShapeMismatch if the shapes are not conformable, and ErrInvalidConfig
// for invalid rank or alpha values.
func NewFromFactors(base *nn.Linear, a, b *tensors.Tensor, rank int, alpha float64) (*Linear, error) {
	if base == nil || a == nil || b == nil {
		return nil, errors.New("lora.NewFromFactors: nil base layer or factors")
	}
	cfg := Config{Rank: rank, Alpha: alpha}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in, out := base.InputDim(), base.OutputDim()
	if a.Rank() != 2 || a.Dim(0) != in || a.Dim(1) != rank {
		return nil, errors.Wrapf(ErrShapeMismatch, "A must be shaped [%d, %d], got %v", in, rank, a.Shape())
	}
	if b.Rank() != 2 || b.Dim(0) != rank || b.Dim(1) != out {
		return nil, errors.Wrapf(ErrShapeMismatch, "B must be shaped [%d, %d], got %v", rank, out, b.Shape())
	}
	model.FreezeAll(base)
	return &Linear{
		base:  base,
		a:     model.NewVariable(a, true),
		b:     model.NewVariable(b, true),
		rank:  rank,
		alpha: alpha,
		scale: cfg.Scale(),
	}, nil
}

// Kind implements model.Layer.
func (l *Linear) Kind() model.LayerKind { return model.KindLoRA }

// InputDim implements model.Layer.
func (l *Linear) InputDim() int { return l.base.InputDim() }

// OutputDim implements model.Layer.
func (l *Linear) OutputDim() int { return l.base.OutputDim() }

// Base returns the frozen layer wrapped by the adapter.
func (l *Linear) Base() *nn.Linear { return l.base }

// A returns the variable of the down projection, shaped `[in, rank]`.
func (l *Linear) A() *model.Variable { return l.a }

// B returns the variable of the up projection, shaped `[rank, out]`.
func (l *Linear) B() *model.Variable { return l.b }

// Rank of the adapter.
func (l *Linear) Rank() int { return l.rank }

// Alpha of the adapter.
func (l *Linear) Alpha() float64 { return l.alpha }

// Scale applied to the low-rank update, usually α/r.
func (l *Linear) Scale() float32 { return float32(l.scale) }

// Forward implements model.Layer: x·W₀ + b₀ + (α/r)·(x·A·B).
func (l *Linear) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	y, err := l.base.Forward(x)
	if err != nil {
		return nil, errors.WithMessage(err, "lora.Linear.Forward")
	}
	down, err := tensors.MatMul(x, l.a.Value())
	if err != nil {
		return nil, errors.WithMessage(err, "lora.Linear.Forward")
	}
	up, err := tensors.MatMul(down, l.b.Value())
	if err != nil {
		return nil, errors.WithMessage(err, "lora.Linear.Forward")
	}
	return tensors.AddScaled(y, up, l.Scale())
}

// Delta returns the update (α/r)·A·B, shaped `[in, out]`.
func (l *Linear) Delta() (*tensors.Tensor, error) {
	product, err := tensors.MatMul(l.a.Value(), l.b.Value())
	if err != nil {
		return nil, err
	}
	return tensors.Scale(product, l.Scale()), nil
}

// Merge returns a new frozen nn.Linear with weights W₀ + (α/r)·A·B and the same bias, which computes the
// same outputs as the adapter, without the extra cost of the low-rank product.
func (l *Linear) Merge() (*nn.Linear, error) {
	product, err := tensors.MatMul(l.a.Value(), l.b.Value())
	if err != nil {
		return nil, err
	}
	weight, err := tensors.AddScaled(l.base.Weight().Value(), product, l.Scale())
	if err != nil {
		return nil, err
	}
	var bias *tensors.Tensor
	if l.base.Bias() != nil {
		bias = l.base.Bias().Value().Clone()
	}
	merged, err := nn.LinearFromValues(weight, bias)
	if err != nil {
		return nil, err
	}
	model.FreezeAll(merged)
	return merged, nil
}

// Variables implements model.ParameterSource: it yields the variables of the frozen layer under their
// original names ("weight" and "bias"), followed by NameA and NameB.
func (l *Linear) Variables() iter.Seq2[string, *model.Variable] {
	return func(yield func(string, *model.Variable) bool) {
		for name, v := range l.base.Variables() {
			if !yield(name, v) {
				return
			}
		}
		if !yield(NameA, l.a) {
			return
		}
		yield(NameB, l.b)
	}
}
