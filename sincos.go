// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// SinCos1DEmbedding returns the fixed sinusoidal embedding of the given
// positions, shaped [len(positions), embedDim]: the first half of each
// row holds sin(pos*omega_i), the second half cos(pos*omega_i), with
// omega_i = 1/10000^(i/(embedDim/2)).
//
// embedDim must be even.
func SinCos1DEmbedding(embedDim int, positions []float64) *tensors.Tensor {
	if embedDim <= 0 || embedDim%2 != 0 {
		exceptions.Panicf("SinCos1DEmbedding: embedDim must be positive and even, got %d", embedDim)
	}
	half := embedDim / 2
	omega := make([]float64, half)
	for i := range omega {
		omega[i] = 1.0 / math.Pow(10000, float64(i)/float64(half))
	}
	flat := make([]float64, len(positions)*embedDim)
	for p, pos := range positions {
		row := flat[p*embedDim : (p+1)*embedDim]
		for i, w := range omega {
			row[i] = math.Sin(pos * w)
			row[half+i] = math.Cos(pos * w)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(positions), embedDim)
}

// SinCos2DEmbedding returns the fixed 2D sinusoidal position embedding
// for a gridSize x gridSize patch grid, shaped [gridSize², embedDim].
// Tokens are laid out row-major; each token's embedding concatenates
// the 1D embedding of its column with the 1D embedding of its row, each
// of width embedDim/2.
//
// embedDim must be divisible by 4.
func SinCos2DEmbedding(embedDim, gridSize int) *tensors.Tensor {
	if embedDim <= 0 || embedDim%4 != 0 {
		exceptions.Panicf("SinCos2DEmbedding: embedDim must be positive and divisible by 4, got %d", embedDim)
	}
	if gridSize <= 0 {
		exceptions.Panicf("SinCos2DEmbedding: gridSize must be positive, got %d", gridSize)
	}
	coords := make([]float64, gridSize)
	for i := range coords {
		coords[i] = float64(i)
	}
	axisEmbed := SinCos1DEmbedding(embedDim/2, coords)
	axisFlat := tensors.MustCopyFlatData[float64](axisEmbed)
	half := embedDim / 2
	flat := make([]float64, gridSize*gridSize*embedDim)
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			token := flat[(row*gridSize+col)*embedDim:][:embedDim]
			copy(token[:half], axisFlat[col*half:(col+1)*half])
			copy(token[half:], axisFlat[row*half:(row+1)*half])
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, gridSize*gridSize, embedDim)
}

// TimestepEmbedding builds the sinusoidal features of diffusion
// timesteps t (shape [batch], any numeric dtype, fractional values
// allowed), shaped [batch, dim] in the given dtype. The first half of
// each row holds cosines, the second half sines; an odd dim is
// completed with a zero column.
func TimestepEmbedding(t *Node, dim int, maxPeriod float64, dtype dtypes.DType) *Node {
	g := t.Graph()
	if dim <= 0 {
		exceptions.Panicf("TimestepEmbedding: dim must be positive, got %d", dim)
	}
	if t.Rank() != 1 {
		exceptions.Panicf("TimestepEmbedding: t must be rank-1 ([batch]), got shape %s", t.Shape())
	}
	half := dim / 2
	freqs := Exp(MulScalar(Iota(g, shapes.Make(dtype, half), 0), -math.Log(maxPeriod)/float64(half)))
	args := Mul(ExpandDims(ConvertDType(t, dtype), -1), ExpandDims(freqs, 0))
	embed := Concatenate([]*Node{Cos(args), Sin(args)}, -1)
	if dim%2 != 0 {
		zero := Zeros(g, shapes.Make(dtype, t.Shape().Dimensions[0], 1))
		embed = Concatenate([]*Node{embed, zero}, -1)
	}
	return embed
}
