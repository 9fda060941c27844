// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// timestepEmbedMaxPeriod is the largest sinusoid period of the raw
// timestep features.
const timestepEmbedMaxPeriod = 10000

// normalWeights initializes rank >= 2 variables (weights) from a normal
// distribution with the given standard deviation, and rank <= 1
// variables (biases) with zero, mirroring how XavierUniformFn handles
// biases.
func normalWeights(ctx *context.Context, stddev float64) context.VariableInitializer {
	normal := initializers.RandomNormalFn(ctx, stddev)
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		return normal(g, shape)
	}
}

// timestepEmbeddingGraph maps raw timesteps t ([batch], any numeric
// dtype) to conditioning vectors [batch, HiddenSize] through the fixed
// sinusoidal features and a 2-layer SiLU MLP.
func timestepEmbeddingGraph(ctx *context.Context, cfg *Config, t *Node) *Node {
	ctx = ctx.In("t_embedder").WithInitializer(normalWeights(ctx, tableInitStdDev))
	embed := TimestepEmbedding(t, cfg.FrequencyEmbedSize, timestepEmbedMaxPeriod, cfg.DType)
	embed = layers.Dense(ctx.In("mlp_0"), embed, true, cfg.HiddenSize)
	embed = activations.Swish(embed)
	return layers.Dense(ctx.In("mlp_1"), embed, true, cfg.HiddenSize)
}

// labelEmbeddingGraph maps class labels ([batch], integer dtype, values
// in [0, NumClasses)) to conditioning vectors [batch, HiddenSize].
//
// When ClassDropoutProb > 0 the table carries one extra "null" row for
// the unconditional class. forceDrop, if non-nil, is a boolean [batch]
// mask selecting which labels to replace by the null class; when it is
// nil and the graph is in training mode, labels are dropped at random
// with probability ClassDropoutProb.
func labelEmbeddingGraph(ctx *context.Context, cfg *Config, labels, forceDrop *Node) *Node {
	g := labels.Graph()
	useNull := cfg.ClassDropoutProb > 0
	vocabSize := cfg.NumClasses
	if useNull {
		vocabSize++
	}
	if forceDrop != nil {
		if !useNull {
			exceptions.Panicf("mdt: label drop requested but the configuration has no null class " +
				"(class dropout probability is 0)")
		}
		nullLabel := ConstAsDType(g, labels.DType(), cfg.NumClasses)
		labels = Where(forceDrop, nullLabel, labels)
	} else if useNull && ctx.IsTraining(g) {
		batch := labels.Shape().Dimensions[0]
		u := ctx.RandomUniform(g, shapes.Make(cfg.DType, batch))
		drop := LessThan(u, ConstAsDType(g, cfg.DType, cfg.ClassDropoutProb))
		nullLabel := ConstAsDType(g, labels.DType(), cfg.NumClasses)
		labels = Where(drop, nullLabel, labels)
	}
	ctx = ctx.In("label_embedder").WithInitializer(initializers.RandomNormalFn(ctx, tableInitStdDev))
	return layers.Embedding(ctx, labels, cfg.DType, vocabSize, cfg.HiddenSize)
}
