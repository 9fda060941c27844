// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// tokenMask carries the bookkeeping of a random token masking.
type tokenMask struct {
	// mask is [batch, numPatches] in the model dtype: 1 where the token
	// was removed, 0 where it was kept.
	mask *Node
	// idsRestore is [batch, numPatches] Int32: the inverse of the
	// shuffle permutation, mapping each original position to its slot in
	// the shuffled order.
	idsRestore *Node
	// idsKeep is [batch, lenKeep] Int32: the original positions of the
	// kept tokens.
	idsKeep *Node
}

// gatherTokens selects per-example slices along axis 1: x is [batch, n,
// ...] and ids [batch, k] holds, per example, the axis-1 positions to
// pick. Returns [batch, k, ...].
func gatherTokens(x, ids *Node) *Node {
	g := x.Graph()
	if ids.Rank() != 2 || x.Rank() < 2 || x.Shape().Dimensions[0] != ids.Shape().Dimensions[0] {
		exceptions.Panicf("gatherTokens: x must be [batch, n, ...] and ids [batch, k], got %s and %s",
			x.Shape(), ids.Shape())
	}
	batch := ids.Shape().Dimensions[0]
	k := ids.Shape().Dimensions[1]
	batchIdx := Iota(g, shapes.Make(ids.DType(), batch, k, 1), 0)
	pairs := Concatenate([]*Node{batchIdx, ExpandDims(ids, -1)}, -1)
	return Gather(x, pairs)
}

// argSortRows returns, per row of x ([batch, n]), the Int32 permutation
// that sorts the row ascending: element i of a result row is the
// column of the i-th smallest value.
func argSortRows(x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	indices := Iota(g, shapes.Make(dtypes.Int32, x.Shape().Dimensions...), 1)
	comparator := NewClosure(g, func(g *Graph) []*Node {
		lhs := Parameter(g, "lhs", shapes.Make(dtype))
		rhs := Parameter(g, "rhs", shapes.Make(dtype))
		lhsIdx := Parameter(g, "lhs_idx", shapes.Make(dtypes.Int32))
		rhsIdx := Parameter(g, "rhs_idx", shapes.Make(dtypes.Int32))
		_ = lhsIdx
		_ = rhsIdx
		return []*Node{LessThan(lhs, rhs)}
	})
	return SortFunc(comparator, 1, false, x, indices)[1]
}

// randomMasking removes a MaskRatio fraction of the tokens of x
// ([batch, numPatches, hidden]) uniformly at random, independently per
// example: per-token uniform noise is argsorted and the first
// floor(numPatches*(1-MaskRatio)) positions of the resulting shuffle
// are kept, in shuffled order. Returns the reduced sequence and the
// bookkeeping needed to splice the removed tokens back in.
func randomMasking(ctx *context.Context, cfg *Config, x *Node) (*Node, tokenMask) {
	g := x.Graph()
	batch := x.Shape().Dimensions[0]
	numTokens := x.Shape().Dimensions[1]
	lenKeep := int(float64(numTokens) * (1 - cfg.MaskRatio))
	if lenKeep < 1 {
		exceptions.Panicf("randomMasking: mask ratio %g leaves no token of %d", cfg.MaskRatio, numTokens)
	}

	noise := ctx.RandomUniform(g, shapes.Make(cfg.DType, batch, numTokens))
	idsShuffle := argSortRows(noise)
	idsRestore := argSortRows(idsShuffle)
	idsKeep := Slice(idsShuffle, AxisRange(), AxisRange(0, lenKeep))

	xKept := gatherTokens(x, idsKeep)

	// 0 for the first lenKeep slots of the shuffled order, 1 for the
	// rest; un-shuffling yields the per-position removal mask.
	slot := Iota(g, shapes.Make(dtypes.Int32, batch, numTokens), 1)
	maskShuffled := ConvertDType(GreaterOrEqual(slot, ConstAsDType(g, dtypes.Int32, lenKeep)), cfg.DType)
	mask := gatherTokens(maskShuffled, idsRestore)

	return xKept, tokenMask{mask: mask, idsRestore: idsRestore, idsKeep: idsKeep}
}

// sideInterpolateGraph rebuilds the full-length sequence after the
// reduced blocks: learned mask tokens fill the removed positions, the
// sequence is un-shuffled back to grid order, a dedicated position
// embedding is added and one extra conditioned block (the side block)
// runs over the full sequence. Its output is used only at the removed
// positions; kept positions pass through unchanged from x.
func sideInterpolateGraph(ctx *context.Context, cfg *Config, x, c *Node, tm tokenMask) *Node {
	g := x.Graph()
	batch := x.Shape().Dimensions[0]
	numTokens := tm.idsRestore.Shape().Dimensions[1]
	numRemoved := numTokens - x.Shape().Dimensions[1]

	maskToken := maskTokenVar(ctx, cfg).ValueGraph(g)
	full := x
	if numRemoved > 0 {
		fill := BroadcastToDims(maskToken, batch, numRemoved, cfg.HiddenSize)
		full = Concatenate([]*Node{x, fill}, 1)
	}
	full = gatherTokens(full, tm.idsRestore)
	full = Add(full, decoderPosEmbedding(ctx, cfg, g))

	before := full
	full = mdtBlockGraph(ctx.In("side_block"), cfg, full, c, nil)

	mask := ExpandDims(tm.mask, -1)
	return Add(Mul(full, mask), Mul(OneMinus(mask), before))
}
