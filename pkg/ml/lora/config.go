// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lora

import (
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Hyperparameter keys, used to configure the adapters from the command line (see ui/commandline).
const (
	ParamRank          = "lora_r"
	ParamAlpha         = "lora_alpha"
	ParamUseRSLora     = "lora_use_rslora"
	ParamInitStdDev    = "lora_init_std"
	ParamSeed          = "lora_seed"
	ParamTargetModules = "lora_target_modules"
	ParamModulesToSave = "lora_modules_to_save"
	ParamBias          = "lora_bias"
)

// BiasMode defines which biases are trainable after Apply.
type BiasMode string

const (
	// BiasNone keeps every bias frozen.
	BiasNone BiasMode = "none"

	// BiasLoRAOnly makes trainable the biases of the layers wrapped with adapters.
	BiasLoRAOnly BiasMode = "lora_only"

	// BiasAll makes trainable every bias of the model.
	BiasAll BiasMode = "all"
)

// Config of the LoRA adapters.
//
// The field names follow the `adapter_config.json` files of the PEFT library, so those can be loaded
// with LoadConfig (JSON is valid YAML).
type Config struct {
	// Rank r of the A (`[in, r]`) and B (`[r, out]`) matrices. It must be >= 1.
	Rank int `yaml:"r" json:"r"`

	// Alpha is the numerator of the scale α/r applied to the low-rank update. It must be > 0.
	Alpha float64 `yaml:"lora_alpha" json:"lora_alpha"`

	// UseRSLora switches the scale to α/√r (rank-stabilized LoRA).
	UseRSLora bool `yaml:"use_rslora" json:"use_rslora"`

	// InitStdDev is the standard deviation of the random normal initialization of A.
	// If 0, 1/√r is used.
	InitStdDev float64 `yaml:"init_std" json:"init_std"`

	// Seed for the initialization of A.
	Seed uint64 `yaml:"seed" json:"seed"`

	// TargetModules are the paths (or path suffixes, like "q_lin") of the layers to wrap.
	// If empty, the model's default targets are used (query and value projections).
	TargetModules []string `yaml:"target_modules" json:"target_modules"`

	// ModulesToSave are the paths (or path suffixes) of layers that are not wrapped, but are kept fully
	// trainable (and saved with the adapters), typically the classification head.
	ModulesToSave []string `yaml:"modules_to_save" json:"modules_to_save"`

	// Bias selects which biases are trainable, see BiasMode. Empty means BiasNone.
	Bias BiasMode `yaml:"bias" json:"bias"`
}

// DefaultConfig returns the default configuration: rank 8, alpha 16.
func DefaultConfig() Config {
	return Config{Rank: 8, Alpha: 16, Bias: BiasNone}
}

// Validate returns an error wrapping ErrInvalidConfig if the config is not usable.
func (c Config) Validate() error {
	if c.Rank < 1 {
		return errors.Wrapf(ErrInvalidConfig, "rank (r) must be >= 1, got %d", c.Rank)
	}
	if !(c.Alpha > 0) || math.IsInf(c.Alpha, 0) {
		return errors.Wrapf(ErrInvalidConfig, "alpha (lora_alpha) must be > 0, got %g", c.Alpha)
	}
	if math.IsNaN(c.InitStdDev) || math.IsInf(c.InitStdDev, 0) || c.InitStdDev < 0 {
		return errors.Wrapf(ErrInvalidConfig, "init_std must be finite and >= 0, got %g", c.InitStdDev)
	}
	if !slices.Contains([]BiasMode{"", BiasNone, BiasLoRAOnly, BiasAll}, c.Bias) {
		return errors.Wrapf(ErrInvalidConfig, "bias must be one of %q, %q or %q, got %q",
			BiasNone, BiasLoRAOnly, BiasAll, c.Bias)
	}
	return nil
}

// Scale returns the scaling factor of the low-rank update: α/r, or α/√r if UseRSLora is set.
func (c Config) Scale() float64 {
	if c.UseRSLora {
		return c.Alpha / math.Sqrt(float64(c.Rank))
	}
	return c.Alpha / float64(c.Rank)
}

// initStdDev returns the standard deviation used to initialize A.
func (c Config) initStdDev() float64 {
	if c.InitStdDev == 0 {
		return 1 / math.Sqrt(float64(c.Rank))
	}
	return c.InitStdDev
}

// ParseConfig parses a YAML (or JSON) configuration. Fields not present keep the values of DefaultConfig.
func ParseConfig(contents []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse LoRA configuration")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML (or JSON) configuration file, see ParseConfig.
func LoadConfig(filePath string) (Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read LoRA configuration from %q", filePath)
	}
	cfg, err := ParseConfig(contents)
	if err != nil {
		return cfg, errors.WithMessagef(err, "in file %q", filePath)
	}
	return cfg, nil
}

// Marshal the configuration to YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
