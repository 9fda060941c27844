// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// relPosTableVarName is the name of the learned bias table variable,
// one per attention layer scope.
const relPosTableVarName = "relative_position_bias_table"

// RelativePositionBias produces learned attention biases indexed by the
// relative (row, column) displacement between token pairs of a fixed
// windowH x windowW token grid.
//
// The displacement index is a pure function of the grid geometry, so it
// is computed once on the host at construction and embedded in graphs
// as a constant. The bias table itself is a learned variable, created
// in whatever context scope the bias methods are called with, so each
// attention layer gets its own table while sharing the index.
type RelativePositionBias struct {
	windowH, windowW    int
	numHeads            int
	numRelativeDistance int
	index               *tensors.Tensor // [L, L] int32, L = windowH*windowW.
}

// NewRelativePositionBias precomputes the relative displacement index
// for a windowH x windowW token grid with numHeads attention heads.
func NewRelativePositionBias(windowH, windowW, numHeads int) *RelativePositionBias {
	if windowH <= 0 || windowW <= 0 || numHeads <= 0 {
		exceptions.Panicf("NewRelativePositionBias: windowH=%d, windowW=%d and numHeads=%d must all be positive",
			windowH, windowW, numHeads)
	}
	numTokens := windowH * windowW
	// 3 extra table rows follow the BEiT layout for class-token
	// relations, unused by the patch-only index below.
	rp := &RelativePositionBias{
		windowH:             windowH,
		windowW:             windowW,
		numHeads:            numHeads,
		numRelativeDistance: (2*windowH-1)*(2*windowW-1) + 3,
	}
	flat := make([]int32, numTokens*numTokens)
	for i := 0; i < numTokens; i++ {
		ri, ci := i/windowW, i%windowW
		for j := 0; j < numTokens; j++ {
			rj, cj := j/windowW, j%windowW
			dr := ri - rj + windowH - 1
			dc := ci - cj + windowW - 1
			flat[i*numTokens+j] = int32(dr*(2*windowW-1) + dc)
		}
	}
	rp.index = tensors.FromFlatDataAndDimensions(flat, numTokens, numTokens)
	return rp
}

// NumTokens returns the window's token count.
func (rp *RelativePositionBias) NumTokens() int { return rp.windowH * rp.windowW }

// NumRelativeDistance returns the number of rows of the learned table.
func (rp *RelativePositionBias) NumRelativeDistance() int { return rp.numRelativeDistance }

// table returns (creating if needed, in the current scope) the learned
// bias table variable's value, shaped [numRelativeDistance, numHeads].
func (rp *RelativePositionBias) table(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	shape := shapes.Make(dtype, rp.numRelativeDistance, rp.numHeads)
	return ctx.VariableWithShape(relPosTableVarName, shape).ValueGraph(g)
}

// FullBias gathers the bias for every token pair of the full window,
// returning [numHeads, L, L] with L = NumTokens().
func (rp *RelativePositionBias) FullBias(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	numTokens := rp.NumTokens()
	idx := Reshape(ConstCachedTensor(g, rp.index), numTokens*numTokens, 1)
	bias := Gather(rp.table(ctx, g, dtype), idx)
	bias = Reshape(bias, numTokens, numTokens, rp.numHeads)
	return TransposeAllAxes(bias, 2, 0, 1)
}

// MaskedBias gathers the bias restricted to the kept tokens of a masked
// sequence: idsKeep is [batch, numKept] with original token positions,
// and the result is [batch, numHeads, numKept, numKept]. Each batch
// example keeps its own token subset, so the gather is batched.
func (rp *RelativePositionBias) MaskedBias(ctx *context.Context, g *Graph, dtype dtypes.DType, idsKeep *Node) *Node {
	if idsKeep.Rank() != 2 {
		exceptions.Panicf("RelativePositionBias.MaskedBias: idsKeep must be [batch, numKept], got shape %s",
			idsKeep.Shape())
	}
	batch := idsKeep.Shape().Dimensions[0]
	numKept := idsKeep.Shape().Dimensions[1]
	full := rp.FullBias(ctx, g, dtype)
	pairBias := TransposeAllAxes(full, 1, 2, 0) // [L, L, numHeads]

	rows := BroadcastToDims(Reshape(idsKeep, batch, numKept, 1, 1), batch, numKept, numKept, 1)
	cols := BroadcastToDims(Reshape(idsKeep, batch, 1, numKept, 1), batch, numKept, numKept, 1)
	pairs := Concatenate([]*Node{rows, cols}, -1) // [batch, numKept, numKept, 2]
	bias := Gather(pairBias, pairs)               // [batch, numKept, numKept, numHeads]
	return TransposeAllAxes(bias, 0, 3, 1, 2)
}
