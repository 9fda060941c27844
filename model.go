// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	"fmt"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// posEmbedVar returns (creating if needed) a position embedding
// variable [1, numPatches, HiddenSize] initialized from the 2D sin-cos
// table. The table is only the starting point: the variable stays
// trainable so the positions can be fine-tuned.
func posEmbedVar(ctx *context.Context, cfg *Config, name string) *context.Variable {
	shape := shapes.Make(cfg.DType, 1, cfg.NumPatches(), cfg.HiddenSize)
	return ctx.WithInitializer(initializers.BroadcastTensorToShape(cfg.posTable)).
		VariableWithShape(name, shape)
}

// decoderPosEmbedding is the position embedding re-added at the start
// of the decode blocks, after the side splice restores grid order.
func decoderPosEmbedding(ctx *context.Context, cfg *Config, g *Graph) *Node {
	return posEmbedVar(ctx, cfg, "decoder_pos_embed").ValueGraph(g)
}

// maskTokenVar returns (creating if needed) the token used to fill
// removed positions. It is a trained parameter only when the
// configuration carries the masked-training path.
func maskTokenVar(ctx *context.Context, cfg *Config) *context.Variable {
	shape := shapes.Make(cfg.DType, 1, 1, cfg.HiddenSize)
	v := ctx.WithInitializer(initializers.RandomNormalFn(ctx, tableInitStdDev)).
		VariableWithShape("mask_token", shape)
	v.SetTrainable(cfg.maskEnabled)
	return v
}

// patchEmbedGraph splits x ([batch, InChannels, InputSize, InputSize])
// into non-overlapping PatchSize² patches in row-major grid order and
// linearly embeds each, returning [batch, numPatches, HiddenSize].
func patchEmbedGraph(ctx *context.Context, cfg *Config, x *Node) *Node {
	batch := x.Shape().Dimensions[0]
	grid := cfg.GridSize()
	p := cfg.PatchSize
	x = Reshape(x, batch, cfg.InChannels, grid, p, grid, p)
	x = TransposeAllAxes(x, 0, 2, 4, 3, 5, 1) // [batch, grid, grid, p, p, c]
	x = Reshape(x, batch, cfg.NumPatches(), p*p*cfg.InChannels)
	return layers.Dense(ctx.In("patch_embed"), x, true, cfg.HiddenSize)
}

// unpatchifyGraph inverts the patch layout: tokens [batch, numPatches,
// PatchSize²*OutChannels] back to images [batch, OutChannels,
// InputSize, InputSize].
func unpatchifyGraph(cfg *Config, tokens *Node) *Node {
	batch := tokens.Shape().Dimensions[0]
	grid := cfg.GridSize()
	p := cfg.PatchSize
	outC := cfg.OutChannels()
	x := Reshape(tokens, batch, grid, grid, p, p, outC)
	x = TransposeAllAxes(x, 0, 5, 1, 3, 2, 4) // [batch, c, grid, p, grid, p]
	return Reshape(x, batch, outC, grid*p, grid*p)
}

// checkForwardInputs panics unless x, t and y have the shapes
// ForwardGraph expects.
func (cfg *Config) checkForwardInputs(x, t, y *Node) {
	dims := x.Shape().Dimensions
	if x.Rank() != 4 || dims[1] != cfg.InChannels || dims[2] != cfg.InputSize || dims[3] != cfg.InputSize {
		exceptions.Panicf("mdt: x must be [batch, %d, %d, %d], got shape %s",
			cfg.InChannels, cfg.InputSize, cfg.InputSize, x.Shape())
	}
	batch := dims[0]
	if t.Rank() != 1 || t.Shape().Dimensions[0] != batch {
		exceptions.Panicf("mdt: t must be [batch=%d], got shape %s", batch, t.Shape())
	}
	if y.Rank() != 1 || y.Shape().Dimensions[0] != batch || !y.DType().IsInt() {
		exceptions.Panicf("mdt: y must be integer labels [batch=%d], got shape %s", batch, y.Shape())
	}
}

// ForwardGraph builds the MDT forward pass: x is a batch of images (or
// latents) [batch, InChannels, InputSize, InputSize], t the diffusion
// timesteps [batch] and y the class labels [batch]. It returns [batch,
// OutChannels, InputSize, InputSize].
//
// With enableMask true (requires WithMasking) the blocks before the
// decode stage run on the randomly reduced token sequence and the side
// splice rebuilds the full sequence, the asymmetric path used for mask
// latent modeling during training.
func (cfg *Config) ForwardGraph(ctx *context.Context, x, t, y *Node, enableMask bool) *Node {
	return cfg.ForwardWithLabelDropGraph(ctx, x, t, y, nil, enableMask)
}

// ForwardWithLabelDropGraph is ForwardGraph with an explicit label-drop
// mask: forceDrop (boolean [batch], may be nil) selects which examples
// are conditioned on the null class instead of their label, regardless
// of training mode. Useful to build the unconditional half of a
// guidance batch deterministically.
func (cfg *Config) ForwardWithLabelDropGraph(ctx *context.Context, x, t, y, forceDrop *Node, enableMask bool) *Node {
	cfg.mustValidate()
	cfg.checkForwardInputs(x, t, y)
	if enableMask && !cfg.maskEnabled {
		exceptions.Panicf("mdt: masked forward requested but masking is not configured, use WithMasking")
	}
	g := x.Graph()
	ctx = ctx.WithInitializer(initializers.XavierUniformFn(ctx))

	tokens := patchEmbedGraph(ctx, cfg, x)
	tokens = Add(tokens, posEmbedVar(ctx, cfg, "pos_embed").ValueGraph(g))

	c := Add(timestepEmbeddingGraph(ctx, cfg, t), labelEmbeddingGraph(ctx, cfg, y, forceDrop))

	var tm tokenMask
	var idsKeep *Node
	if enableMask {
		tokens, tm = randomMasking(ctx, cfg, tokens)
		idsKeep = tm.idsKeep
	}

	spliceIdx := cfg.Depth - cfg.DecodeLayer
	for i := 0; i < cfg.Depth; i++ {
		if i == spliceIdx {
			if enableMask {
				tokens = sideInterpolateGraph(ctx, cfg, tokens, c, tm)
				idsKeep = nil
			} else {
				tokens = Add(tokens, decoderPosEmbedding(ctx, cfg, g))
			}
		}
		tokens = mdtBlockGraph(ctx.In(fmt.Sprintf("block_%d", i)), cfg, tokens, c, idsKeep)
	}

	tokens = finalLayerGraph(ctx.In("final_layer"), cfg, tokens, c)
	return unpatchifyGraph(cfg, tokens)
}

// ForwardWithCFGGraph builds the classifier-free-guidance forward pass
// used during sampling. The batch is a guidance pair layout: x, t and y
// are [2*half, ...] where the second half of y holds the null class;
// only the first half of x is used, duplicated so both halves denoise
// the same input. The noise prediction becomes
//
//	uncond + scale(t) * (cond - uncond)
//
// with a power-cosine schedule on the guidance strength:
// scale(t) = (cfgScale-1) * (1-cos((1-t/diffusionSteps)^scalePow * pi))/2 + 1,
// so guidance fades in as sampling approaches t=0. The variance
// channels (when LearnSigma) pass through unguided.
//
// cfgScale <= 0 disables guidance entirely and is equivalent to
// ForwardGraph without masking.
func (cfg *Config) ForwardWithCFGGraph(ctx *context.Context, x, t, y *Node, cfgScale float64, diffusionSteps int, scalePow float64) *Node {
	if cfgScale <= 0 {
		return cfg.ForwardGraph(ctx, x, t, y, false)
	}
	if diffusionSteps <= 0 {
		exceptions.Panicf("mdt: diffusionSteps must be positive, got %d", diffusionSteps)
	}
	cfg.mustValidate()
	cfg.checkForwardInputs(x, t, y)
	batch := x.Shape().Dimensions[0]
	if batch%2 != 0 {
		exceptions.Panicf("mdt: guidance needs an even batch (conditional and unconditional halves), got %d", batch)
	}
	half := batch / 2

	// Both halves denoise the first half's input.
	halfX := SliceAxis(x, 0, AxisRange(0, half))
	combined := Concatenate([]*Node{halfX, halfX}, 0)
	out := cfg.ForwardGraph(ctx, combined, t, y, false)

	eps := SliceAxis(out, 1, AxisRange(0, cfg.InChannels))
	condEps := SliceAxis(eps, 0, AxisRange(0, half))
	uncondEps := SliceAxis(eps, 0, AxisRange(half, batch))

	realScale := guidanceScaleGraph(t, cfg.DType, cfgScale, diffusionSteps, scalePow)
	realScale = Reshape(SliceAxis(realScale, 0, AxisRange(0, half)), half, 1, 1, 1)

	halfEps := Add(uncondEps, Mul(realScale, Sub(condEps, uncondEps)))
	eps = Concatenate([]*Node{halfEps, halfEps}, 0)
	if cfg.OutChannels() == cfg.InChannels {
		return eps
	}
	rest := SliceAxis(out, 1, AxisRangeToEnd(cfg.InChannels))
	return Concatenate([]*Node{eps, rest}, 1)
}

// guidanceScaleGraph computes the per-example effective guidance
// strength for timesteps t ([batch]): 1 at t = diffusionSteps (no
// guidance at the start of sampling) ramping to cfgScale at t = 0,
// along a power-cosine curve.
func guidanceScaleGraph(t *Node, dtype dtypes.DType, cfgScale float64, diffusionSteps int, scalePow float64) *Node {
	tFrac := OneMinus(DivScalar(ConvertDType(t, dtype), float64(diffusionSteps)))
	scaleStep := MulScalar(OneMinus(Cos(MulScalar(PowScalar(tFrac, scalePow), math.Pi))), 0.5)
	return AddScalar(MulScalar(scaleStep, cfgScale-1), 1)
}

// forwardKey identifies a compiled forward variant of a Model.
type forwardKey struct {
	masked         bool
	guided         bool
	cfgScale       float64
	diffusionSteps int
	scalePow       float64
}

// Model wraps a Config with its own parameter context and cached
// compiled executables, for tensor-in / tensor-out inference.
//
// It is not safe for concurrent use. Training loops should instead
// drive Config.ForwardGraph directly with their own context and
// optimizer.
type Model struct {
	cfg     *Config
	backend backends.Backend

	// Context holds the model parameters. Exposed so callers can load
	// checkpointed weights before the first Forward call.
	Context *context.Context

	execs   map[forwardKey]*context.Exec
	logOnce sync.Once
}

// NewModel validates the configuration and prepares a Model on the
// given backend. Parameters are created (randomly initialized) lazily
// on the first forward call; load weights into Model.Context before
// that to run a trained model.
func (cfg *Config) NewModel(backend backends.Backend) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "mdt.NewModel: invalid configuration")
	}
	ctx := context.New().Checked(false)
	if cfg.initSeed != 0 {
		if err := ctx.SetRNGStateFromSeed(cfg.initSeed); err != nil {
			return nil, errors.WithMessage(err, "mdt.NewModel: seeding the context random state")
		}
	}
	return &Model{
		cfg:     cfg,
		backend: backend,
		Context: ctx,
		execs:   make(map[forwardKey]*context.Exec),
	}, nil
}

// Config returns the model's configuration.
func (m *Model) Config() *Config { return m.cfg }

func (m *Model) exec(key forwardKey) (*context.Exec, error) {
	if e, found := m.execs[key]; found {
		return e, nil
	}
	graphFn := func(ctx *context.Context, x, t, y *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		if key.guided {
			return m.cfg.ForwardWithCFGGraph(ctx, x, t, y, key.cfgScale, key.diffusionSteps, key.scalePow)
		}
		return m.cfg.ForwardGraph(ctx, x, t, y, key.masked)
	}
	e, err := context.NewExec(m.backend, m.Context, graphFn)
	if err != nil {
		return nil, errors.WithMessage(err, "mdt: compiling forward graph")
	}
	m.execs[key] = e
	return e, nil
}

func (m *Model) logParameters() {
	m.logOnce.Do(func() {
		klog.V(1).Infof("MDT model with %s parameters (hidden=%d, depth=%d, heads=%d, patch=%d)",
			humanize.Comma(int64(m.Context.NumParameters())),
			m.cfg.HiddenSize, m.cfg.Depth, m.cfg.NumHeads, m.cfg.PatchSize)
	})
}

// Forward runs the forward pass on concrete tensors: images [batch,
// InChannels, InputSize, InputSize], timesteps [batch] and labels
// [batch]. See Config.ForwardGraph.
func (m *Model) Forward(images, timesteps, labels *tensors.Tensor, enableMask bool) (*tensors.Tensor, error) {
	e, err := m.exec(forwardKey{masked: enableMask})
	if err != nil {
		return nil, err
	}
	out, err := e.Exec1(images, timesteps, labels)
	if err != nil {
		return nil, errors.WithMessage(err, "mdt: forward")
	}
	m.logParameters()
	return out, nil
}

// ForwardWithGuidance runs the classifier-free-guidance forward pass on
// concrete tensors. See Config.ForwardWithCFGGraph for the expected
// guidance pair batch layout.
func (m *Model) ForwardWithGuidance(images, timesteps, labels *tensors.Tensor,
	cfgScale float64, diffusionSteps int, scalePow float64) (*tensors.Tensor, error) {
	key := forwardKey{guided: true, cfgScale: cfgScale, diffusionSteps: diffusionSteps, scalePow: scalePow}
	e, err := m.exec(key)
	if err != nil {
		return nil, err
	}
	out, err := e.Exec1(images, timesteps, labels)
	if err != nil {
		return nil, errors.WithMessage(err, "mdt: guided forward")
	}
	m.logParameters()
	return out, nil
}
