// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// layerNormEpsilon matches the original blocks' normalization.
const layerNormEpsilon = 1e-6

// modulate applies the adaLN affine transform: x [batch, seq, hidden]
// is scaled by (1+scale) and shifted, with shift and scale [batch,
// hidden] broadcast over the sequence axis.
func modulate(x, shift, scale *Node) *Node {
	return Add(Mul(x, OnePlus(ExpandDims(scale, 1))), ExpandDims(shift, 1))
}

// adaLNModulation projects the conditioning vector c [batch, hidden]
// through SiLU and a zero-initialized linear layer into numChunks
// modulation vectors of width hidden each. The zero initialization
// makes every modulated block an identity function at the start of
// training.
func adaLNModulation(ctx *context.Context, c *Node, numChunks, hidden int) []*Node {
	ctx = ctx.In("adaln_modulation").WithInitializer(initializers.Zero)
	mod := layers.Dense(ctx, activations.Swish(c), true, numChunks*hidden)
	return Split(mod, -1, numChunks)
}

// blockLayerNorm is the blocks' normalization: no learned gain or
// offset, those roles are taken over by the adaLN modulation.
func blockLayerNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, -1).
		LearnedGain(false).LearnedOffset(false).Epsilon(layerNormEpsilon).Done()
}

// mdtBlockGraph is one transformer block with adaLN-Zero conditioning:
// x is [batch, seq, HiddenSize], c the conditioning vector [batch,
// HiddenSize]. idsKeep (nil for full sequences) selects the relative
// position bias of the attention, see attentionGraph.
func mdtBlockGraph(ctx *context.Context, cfg *Config, x, c, idsKeep *Node) *Node {
	mod := adaLNModulation(ctx, c, 6, cfg.HiddenSize)
	shiftAttn, scaleAttn, gateAttn := mod[0], mod[1], mod[2]
	shiftMLP, scaleMLP, gateMLP := mod[3], mod[4], mod[5]

	attnIn := modulate(blockLayerNorm(ctx.In("norm_1"), x), shiftAttn, scaleAttn)
	attn := attentionGraph(ctx.In("attn"), cfg, attnIn, idsKeep)
	x = Add(x, Mul(ExpandDims(gateAttn, 1), attn))

	mlpIn := modulate(blockLayerNorm(ctx.In("norm_2"), x), shiftMLP, scaleMLP)
	mlpHidden := int(cfg.MLPRatio * float64(cfg.HiddenSize))
	mlp := layers.Dense(ctx.In("mlp_fc1"), mlpIn, true, mlpHidden)
	mlp = activations.GeluApproximate(mlp)
	mlp = layers.Dense(ctx.In("mlp_fc2"), mlp, true, cfg.HiddenSize)
	return Add(x, Mul(ExpandDims(gateMLP, 1), mlp))
}

// finalLayerGraph maps the transformer output back to patch pixel
// space: adaLN (2 chunks, no gate) followed by a zero-initialized
// linear projection to PatchSize² * OutChannels per token. The zero
// initialization makes the untrained model output exactly zero.
func finalLayerGraph(ctx *context.Context, cfg *Config, x, c *Node) *Node {
	mod := adaLNModulation(ctx, c, 2, cfg.HiddenSize)
	x = modulate(blockLayerNorm(ctx.In("norm_final"), x), mod[0], mod[1])
	outDim := cfg.PatchSize * cfg.PatchSize * cfg.OutChannels()
	return layers.Dense(ctx.In("linear").WithInitializer(initializers.Zero), x, true, outDim)
}
