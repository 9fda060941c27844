// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mdt implements the Masked Diffusion Transformer (MDT), a
// class-conditional generative image model with a Vision-Transformer
// backbone, adaLN-Zero conditioning and an asymmetric masked-training
// path with windowed relative position biases.
//
// The model is built as GoMLX graph functions: parameters live in a
// context.Context, and Config.ForwardGraph /
// Config.ForwardWithCFGGraph build the forward computation for any
// backend. The Model wrapper compiles and caches the executables for
// tensor-in / tensor-out use:
//
//	cfg := mdt.S2(32, 3).WithMasking(0.3).WithDecodeLayer(2).WithLearnSigma(false)
//	model := must.M1(cfg.NewModel(backend))
//	out := must.M1(model.Forward(images, timesteps, labels, false))
//
// Training loops, samplers/noise schedules, checkpointing and
// distribution are external collaborators: they drive the graph
// functions directly with their own context and optimizer.
package mdt

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Config describes an MDT model: the input geometry, the transformer
// backbone, the conditioning setup and the masked-training path.
//
// Create it with New (or one of the size variants S2..XL8), adjust it
// with the With* setters, then either call the *Graph methods inside
// your own graph-building function, or NewModel for a ready-to-run
// executable wrapper.
type Config struct {
	// InputSize is the height and width of the (square) input.
	InputSize int
	// PatchSize is the side of the square, non-overlapping patches the
	// input is split into. Must divide InputSize.
	PatchSize  int
	InChannels int

	HiddenSize int
	Depth      int
	NumHeads   int
	MLPRatio   float64

	// ClassDropoutProb is the label-dropout probability used during
	// training to enable classifier-free guidance. When > 0 the label
	// embedding table gets one extra row used as the "null"
	// (unconditional) class.
	ClassDropoutProb float64
	NumClasses       int

	// LearnSigma doubles the output channels so the model predicts a
	// per-pixel variance alongside the noise estimate.
	LearnSigma bool

	// MaskRatio is the fraction of tokens removed by random masking when
	// a forward call enables it. Only meaningful after WithMasking.
	MaskRatio   float64
	maskEnabled bool

	// DecodeLayer is the number of final blocks that always run on the
	// full token sequence: the side splice happens before block
	// Depth-DecodeLayer.
	DecodeLayer int

	// FrequencyEmbedSize is the width of the sinusoidal features fed to
	// the timestep embedder.
	FrequencyEmbedSize int

	// QKScale overrides the attention logits scale. Zero means the
	// default headDim^-0.5.
	QKScale float64

	AttentionDropout  float64
	ProjectionDropout float64

	DType dtypes.DType

	initSeed int64
	relPos   *RelativePositionBias
	posTable *tensors.Tensor // [numPatches, HiddenSize] initial sin-cos values.
}

// New creates an MDT configuration with the given geometry and
// backbone dimensions, and the original defaults for everything else:
// MLP ratio 4, class dropout 0.1, 1000 classes, learned sigma, masking
// disabled, decode layer 2 (capped at depth-1).
//
// It panics on invalid geometry (InputSize not divisible by PatchSize,
// HiddenSize not divisible by NumHeads, non-positive dimensions).
func New(inputSize, patchSize, inChannels, hiddenSize, depth, numHeads int) *Config {
	if inputSize <= 0 || patchSize <= 0 || inChannels <= 0 || hiddenSize <= 0 || depth <= 0 || numHeads <= 0 {
		exceptions.Panicf("mdt.New: all dimensions must be positive, got inputSize=%d, patchSize=%d, "+
			"inChannels=%d, hiddenSize=%d, depth=%d, numHeads=%d",
			inputSize, patchSize, inChannels, hiddenSize, depth, numHeads)
	}
	if inputSize%patchSize != 0 {
		exceptions.Panicf("mdt.New: inputSize=%d must be divisible by patchSize=%d", inputSize, patchSize)
	}
	if hiddenSize%numHeads != 0 {
		exceptions.Panicf("mdt.New: hiddenSize=%d must be divisible by numHeads=%d", hiddenSize, numHeads)
	}
	grid := inputSize / patchSize
	decodeLayer := 2
	if decodeLayer >= depth {
		decodeLayer = depth - 1
	}
	cfg := &Config{
		InputSize:          inputSize,
		PatchSize:          patchSize,
		InChannels:         inChannels,
		HiddenSize:         hiddenSize,
		Depth:              depth,
		NumHeads:           numHeads,
		MLPRatio:           4.0,
		ClassDropoutProb:   0.1,
		NumClasses:         1000,
		LearnSigma:         true,
		DecodeLayer:        decodeLayer,
		FrequencyEmbedSize: 256,
		DType:              dtypes.Float32,
		relPos:             NewRelativePositionBias(grid, grid, numHeads),
	}
	cfg.posTable = SinCos2DEmbedding(hiddenSize, grid)
	return cfg
}

// Size variants of the original MDT paper: depth/hidden/heads fixed per
// size (S, B, L, XL), patch size 2, 4 or 8.

func S2(inputSize, inChannels int) *Config { return New(inputSize, 2, inChannels, 384, 12, 6) }
func S4(inputSize, inChannels int) *Config { return New(inputSize, 4, inChannels, 384, 12, 6) }
func S8(inputSize, inChannels int) *Config { return New(inputSize, 8, inChannels, 384, 12, 6) }

func B2(inputSize, inChannels int) *Config { return New(inputSize, 2, inChannels, 768, 12, 12) }
func B4(inputSize, inChannels int) *Config { return New(inputSize, 4, inChannels, 768, 12, 12) }
func B8(inputSize, inChannels int) *Config { return New(inputSize, 8, inChannels, 768, 12, 12) }

func L2(inputSize, inChannels int) *Config { return New(inputSize, 2, inChannels, 1024, 24, 16) }
func L4(inputSize, inChannels int) *Config { return New(inputSize, 4, inChannels, 1024, 24, 16) }
func L8(inputSize, inChannels int) *Config { return New(inputSize, 8, inChannels, 1024, 24, 16) }

func XL2(inputSize, inChannels int) *Config { return New(inputSize, 2, inChannels, 1152, 28, 16) }
func XL4(inputSize, inChannels int) *Config { return New(inputSize, 4, inChannels, 1152, 28, 16) }
func XL8(inputSize, inChannels int) *Config { return New(inputSize, 8, inChannels, 1152, 28, 16) }

// WithMLPRatio sets the expansion ratio of the blocks' feed-forward
// hidden layer.
func (cfg *Config) WithMLPRatio(ratio float64) *Config {
	if ratio <= 0 {
		exceptions.Panicf("mdt: MLP ratio must be positive, got %g", ratio)
	}
	cfg.MLPRatio = ratio
	return cfg
}

// WithClassDropout sets the label-dropout probability used for
// classifier-free guidance training.
func (cfg *Config) WithClassDropout(prob float64) *Config {
	if prob < 0 || prob > 1 {
		exceptions.Panicf("mdt: class dropout probability must be in [0, 1], got %g", prob)
	}
	cfg.ClassDropoutProb = prob
	return cfg
}

// WithNumClasses sets the number of class labels.
func (cfg *Config) WithNumClasses(n int) *Config {
	if n <= 0 {
		exceptions.Panicf("mdt: number of classes must be positive, got %d", n)
	}
	cfg.NumClasses = n
	return cfg
}

// WithLearnSigma toggles the doubled output channels for the learned
// variance.
func (cfg *Config) WithLearnSigma(learn bool) *Config {
	cfg.LearnSigma = learn
	return cfg
}

// WithMasking enables the masked-training path with the given mask
// ratio in [0, 1). Forward calls still choose per call whether to mask.
func (cfg *Config) WithMasking(maskRatio float64) *Config {
	if maskRatio < 0 || maskRatio >= 1 {
		exceptions.Panicf("mdt: mask ratio must be in [0, 1), got %g", maskRatio)
	}
	cfg.MaskRatio = maskRatio
	cfg.maskEnabled = true
	return cfg
}

// WithDecodeLayer sets how many trailing blocks run after the side
// splice, on the full token sequence.
func (cfg *Config) WithDecodeLayer(n int) *Config {
	if n < 0 || n >= cfg.Depth {
		exceptions.Panicf("mdt: decode layer must be in [0, depth=%d), got %d", cfg.Depth, n)
	}
	cfg.DecodeLayer = n
	return cfg
}

// WithFrequencyEmbedSize sets the width of the sinusoidal timestep
// features (default 256).
func (cfg *Config) WithFrequencyEmbedSize(size int) *Config {
	if size <= 0 {
		exceptions.Panicf("mdt: frequency embedding size must be positive, got %d", size)
	}
	cfg.FrequencyEmbedSize = size
	return cfg
}

// WithQKScale overrides the attention logits scaling factor.
func (cfg *Config) WithQKScale(scale float64) *Config {
	cfg.QKScale = scale
	return cfg
}

// WithAttentionDropout sets the dropout rate on attention weights,
// active only while training.
func (cfg *Config) WithAttentionDropout(rate float64) *Config {
	cfg.AttentionDropout = rate
	return cfg
}

// WithProjectionDropout sets the dropout rate on the attention output
// projection, active only while training.
func (cfg *Config) WithProjectionDropout(rate float64) *Config {
	cfg.ProjectionDropout = rate
	return cfg
}

// WithDType sets the dtype of parameters and activations.
func (cfg *Config) WithDType(dtype dtypes.DType) *Config {
	if !dtype.IsFloat() {
		exceptions.Panicf("mdt: dtype must be a float type, got %s", dtype)
	}
	cfg.DType = dtype
	return cfg
}

// WithInitSeed sets the seed NewModel uses to initialize the context
// random state, for reproducible parameter initialization. The default
// of 0 leaves the state non-deterministic.
func (cfg *Config) WithInitSeed(seed int64) *Config {
	cfg.initSeed = seed
	return cfg
}

// GridSize returns the number of patches per side.
func (cfg *Config) GridSize() int { return cfg.InputSize / cfg.PatchSize }

// NumPatches returns the token sequence length.
func (cfg *Config) NumPatches() int {
	grid := cfg.GridSize()
	return grid * grid
}

// OutChannels returns the number of output channels: doubled when the
// model also predicts sigma.
func (cfg *Config) OutChannels() int {
	if cfg.LearnSigma {
		return 2 * cfg.InChannels
	}
	return cfg.InChannels
}

// MaskingEnabled reports whether the configuration carries the
// masked-training path (mask token, side block).
func (cfg *Config) MaskingEnabled() bool { return cfg.maskEnabled }

// Validate checks the full configuration. New and the With* setters
// already reject invalid values eagerly; Validate re-checks the
// assembled configuration, including cross-field constraints that the
// setters cannot see in isolation.
func (cfg *Config) Validate() error {
	if cfg.InputSize <= 0 || cfg.PatchSize <= 0 || cfg.InputSize%cfg.PatchSize != 0 {
		return errors.Errorf("input size %d must be positive and divisible by patch size %d",
			cfg.InputSize, cfg.PatchSize)
	}
	if cfg.HiddenSize <= 0 || cfg.NumHeads <= 0 || cfg.HiddenSize%cfg.NumHeads != 0 {
		return errors.Errorf("hidden size %d must be positive and divisible by the number of heads %d",
			cfg.HiddenSize, cfg.NumHeads)
	}
	if cfg.HiddenSize%4 != 0 {
		return errors.Errorf("hidden size %d must be divisible by 4 for the 2D sin-cos position embedding",
			cfg.HiddenSize)
	}
	if cfg.Depth <= 0 {
		return errors.Errorf("depth must be positive, got %d", cfg.Depth)
	}
	if cfg.DecodeLayer < 0 || cfg.DecodeLayer >= cfg.Depth {
		return errors.Errorf("decode layer %d out of range [0, depth=%d)", cfg.DecodeLayer, cfg.Depth)
	}
	if cfg.maskEnabled {
		if cfg.MaskRatio < 0 || cfg.MaskRatio >= 1 {
			return errors.Errorf("mask ratio %g out of range [0, 1)", cfg.MaskRatio)
		}
		if cfg.DecodeLayer < 1 {
			return errors.Errorf("masked training requires at least one decode layer to splice the " +
				"full sequence back in")
		}
	}
	if cfg.NumClasses <= 0 {
		return errors.Errorf("number of classes must be positive, got %d", cfg.NumClasses)
	}
	if cfg.ClassDropoutProb < 0 || cfg.ClassDropoutProb > 1 {
		return errors.Errorf("class dropout probability %g out of range [0, 1]", cfg.ClassDropoutProb)
	}
	if !cfg.DType.IsFloat() {
		return errors.Errorf("dtype %s is not a float type", cfg.DType)
	}
	return nil
}

// mustValidate panics on an invalid configuration, for use inside graph
// building where errors surface as exceptions.
func (cfg *Config) mustValidate() {
	if err := cfg.Validate(); err != nil {
		exceptions.Panicf("invalid MDT configuration: %+v", err)
	}
}
