// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// tableInitStdDev is the standard deviation used for the embedding
// tables and the mask token, following the original initialization.
const tableInitStdDev = 0.02

// attentionGraph is multi-head self-attention with a learned relative
// position bias added to the logits. x is [batch, seq, hidden].
//
// With idsKeep == nil the sequence is the full patch grid and the bias
// covers every token pair. Otherwise idsKeep ([batch, seq]) holds the
// original grid position of each token and the bias is gathered per
// example for the surviving pairs.
func attentionGraph(ctx *context.Context, cfg *Config, x *Node, idsKeep *Node) *Node {
	g := x.Graph()
	batch := x.Shape().Dimensions[0]
	seq := x.Shape().Dimensions[1]
	headDim := cfg.HiddenSize / cfg.NumHeads
	scale := cfg.QKScale
	if scale == 0 {
		scale = 1.0 / math.Sqrt(float64(headDim))
	}

	qkv := layers.Dense(ctx.In("qkv"), x, true, 3*cfg.HiddenSize)
	qkv = Reshape(qkv, batch, seq, 3, cfg.NumHeads, headDim)
	parts := Split(qkv, 2, 3)
	q := Reshape(parts[0], batch, seq, cfg.NumHeads, headDim)
	k := Reshape(parts[1], batch, seq, cfg.NumHeads, headDim)
	v := Reshape(parts[2], batch, seq, cfg.NumHeads, headDim)

	scores := MulScalar(Einsum("bqhd,bkhd->bhqk", q, k), scale)
	biasCtx := ctx.In("rel_pos_bias").WithInitializer(initializers.RandomNormalFn(ctx, tableInitStdDev))
	if idsKeep == nil {
		full := cfg.relPos.FullBias(biasCtx, g, x.DType())
		scores = Add(scores, ExpandDims(full, 0))
	} else {
		scores = Add(scores, cfg.relPos.MaskedBias(biasCtx, g, x.DType(), idsKeep))
	}
	weights := Softmax(scores, -1)
	weights = layers.DropoutStatic(ctx.In("attn_dropout"), weights, cfg.AttentionDropout)

	out := Einsum("bhqk,bkhd->bqhd", weights, v)
	out = Reshape(out, batch, seq, cfg.HiddenSize)
	out = layers.Dense(ctx.In("proj"), out, true, cfg.HiddenSize)
	return layers.DropoutStatic(ctx.In("proj_dropout"), out, cfg.ProjectionDropout)
}
