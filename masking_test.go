// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mdt

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	graphtest "github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherTokens(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("PerExampleSelection", func(t *testing.T) {
		x := [][][]float32{
			{{0, 1}, {10, 11}, {20, 21}, {30, 31}},
			{{100, 101}, {110, 111}, {120, 121}, {130, 131}},
		}
		ids := [][]int32{{2, 0}, {3, 3}}
		got, err := ExecOnce(backend, func(x, ids *Node) *Node {
			return gatherTokens(x, ids)
		}, x, ids)
		require.NoError(t, err)
		want := [][][]float32{
			{{20, 21}, {0, 1}},
			{{130, 131}, {130, 131}},
		}
		assert.Equal(t, want, got.Value())
	})

	t.Run("Rank2Values", func(t *testing.T) {
		got, err := ExecOnce(backend, func(x, ids *Node) *Node {
			return gatherTokens(x, ids)
		}, [][]float32{{0, 1, 2}, {3, 4, 5}}, [][]int32{{1}, {2}})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{1}, {5}}, got.Value())
	})
}

func TestRandomMasking(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := New(8, 2, 3, 32, 2, 4).WithMasking(0.3).WithInitSeed(1)
	const batch, numTokens, hidden = 2, 16, 32
	lenKeep := int(float64(numTokens) * (1 - cfg.MaskRatio)) // 11

	t.Run("ShapesAndMaskCount", func(t *testing.T) {
		for _, ratio := range []float64{0, 0.1, 0.3, 0.5, 0.75} {
			ratioCfg := New(8, 2, 3, 32, 2, 4).WithMasking(ratio).WithInitSeed(1)
			keep := int(float64(numTokens) * (1 - ratio))
			ctx := context.New()
			mask, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := IotaFull(g, shapes.Make(dtypes.Float32, batch, numTokens, hidden))
				xKept, tm := randomMasking(ctx, ratioCfg, x)
				require.Equal(t, []int{batch, keep, hidden}, xKept.Shape().Dimensions)
				require.Equal(t, []int{batch, numTokens}, tm.idsRestore.Shape().Dimensions)
				require.Equal(t, []int{batch, keep}, tm.idsKeep.Shape().Dimensions)
				return tm.mask
			})
			require.NoError(t, err)
			data := tensors.MustCopyFlatData[float32](mask)
			for row := 0; row < batch; row++ {
				removed := float32(0)
				for _, v := range data[row*numTokens : (row+1)*numTokens] {
					require.Contains(t, []float32{0, 1}, v)
					removed += v
				}
				assert.Equal(t, float32(numTokens-keep), removed, "ratio %g row %d", ratio, row)
			}
		}
	})

	t.Run("KeptPositionsAreUnmasked", func(t *testing.T) {
		ctx := context.New()
		got, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, batch, numTokens, hidden))
			_, tm := randomMasking(ctx, cfg, x)
			// The mask at every kept position must be 0.
			return ReduceAllMax(gatherTokens(tm.mask, tm.idsKeep))
		})
		require.NoError(t, err)
		assert.Zero(t, tensors.ToScalar[float32](got))
	})

	t.Run("RestoreInvertsShuffle", func(t *testing.T) {
		ctx := context.New()
		got, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, batch, numTokens, hidden))
			xKept, tm := randomMasking(ctx, cfg, x)
			// Splicing the kept tokens back through idsRestore must put
			// each back at its original position: where the mask is 0
			// the restored sequence equals x.
			filler := Zeros(g, shapes.Make(dtypes.Float32, batch, numTokens-lenKeep, hidden))
			restored := gatherTokens(Concatenate([]*Node{xKept, filler}, 1), tm.idsRestore)
			keep := ExpandDims(OneMinus(tm.mask), -1)
			return ReduceAllMax(Abs(Mul(keep, Sub(restored, x))))
		})
		require.NoError(t, err)
		assert.Zero(t, tensors.ToScalar[float32](got))
	})

	t.Run("FullMaskRatioPanics", func(t *testing.T) {
		require.Panics(t, func() { New(8, 2, 3, 32, 2, 4).WithMasking(1.0) })
	})
}
