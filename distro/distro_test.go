// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distro

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func closeSlice(t *testing.T, want, got []float64, tol float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.InDeltaf(t, want[i], got[i], tol, "index %d", i)
	}
}

func TestDCTRoundTrip1D(t *testing.T) {
	shape := []int64{16}
	tr := NewTransformDCT([][]int64{shape}, 8)
	x := make([]float64, 16)
	for i := range x {
		x[i] = math.Sin(float64(i))
	}
	enc := tr.Encode(Tensor{Data: x, Shape: shape})
	dec := tr.Decode(enc)
	closeSlice(t, x, dec.Data, 1e-9)
}

func TestDCTRoundTrip2D(t *testing.T) {
	shape := []int64{8, 16}
	tr := NewTransformDCT([][]int64{shape}, 8)
	x := make([]float64, 8*16)
	for i := range x {
		x[i] = float64(i%7) - 3
	}
	enc := tr.Encode(Tensor{Data: x, Shape: shape})
	dec := tr.Decode(enc)
	closeSlice(t, x, dec.Data, 1e-7)
}

func TestCompressDecompressFullTopKIsLossless(t *testing.T) {
	shape := []int64{4}
	tr := NewTransformDCT([][]int64{shape}, 4)
	x := Tensor{Data: []float64{1, -2, 3.5, 0.25}, Shape: shape}
	enc := tr.Encode(x)

	sparse := Compress(enc, int64(len(enc.Data)))
	dec := Decompress(sparse)
	closeSlice(t, enc.Data, dec.Data, 1e-12)
}

func TestCompressKeepsLargestMagnitudes(t *testing.T) {
	enc := Tensor{Data: []float64{0.1, -5, 0.2, 3}, Shape: []int64{4}}
	sparse := Compress(enc, 2)
	require.Len(t, sparse.Idx, 2)
	require.ElementsMatch(t, []uint32{1, 3}, sparse.Idx)
}

func TestBatchDecompressScatterMeansOverlappingIndices(t *testing.T) {
	a := Sparse{Idx: []uint32{0, 2}, Val: []float32{2, 4}, XShape: []int64{4}, TotalK: 4}
	b := Sparse{Idx: []uint32{0, 1}, Val: []float32{6, 8}, XShape: []int64{4}, TotalK: 4}
	out := BatchDecompress([]Sparse{a, b})
	// index 0 averaged over both peers, 1 and 2 from a single peer each,
	// index 3 never reported so stays zero.
	closeSlice(t, []float64{4, 8, 4, 0}, out.Data, 1e-12)
}

func TestQuantizeSignPreservesSignOnly(t *testing.T) {
	signs := QuantizeSign([]float32{0.001, -9, 0, 4})
	require.Equal(t, []float32{1, -1, 1, 1}, signs)
}

func TestGenerateApplySingleNodeRecoversGradientDirection(t *testing.T) {
	shape := []int64{8}
	opt := NewOptimizer(Params{Chunk: 8, TopK: 8, CompressionDecay: 1}, map[string][]int64{
		"w": shape,
	})

	variable := make([]float64, 8)
	grad := []float64{1, -1, 2, -2, 0.5, -0.5, 3, -3}
	// prevLR 0 and lr 1 keep the arithmetic legible: delta ends up exactly
	// grad (lossless full-topk compression), and Apply's SGD step at lr 1
	// subtracts it straight back out.
	res, err := opt.Generate("w", variable, grad, 0, 1, nil)
	require.NoError(t, err)

	applied := make([]float64, 8)
	optAgg := NewOptimizer(Params{Chunk: 8, TopK: 8, CompressionDecay: 1}, map[string][]int64{"w": shape})
	require.NoError(t, optAgg.Apply("w", applied, []Result{res}, 1))

	want := make([]float64, 8)
	for i, g := range grad {
		want[i] = -g
	}
	closeSlice(t, want, applied, 1e-7)
}

func TestGenerateApplyAggregatesTwoTrainers(t *testing.T) {
	shape := []int64{8}
	optA := NewOptimizer(Params{Chunk: 8, TopK: 8, CompressionDecay: 1}, map[string][]int64{"w": shape})
	optB := NewOptimizer(Params{Chunk: 8, TopK: 8, CompressionDecay: 1}, map[string][]int64{"w": shape})
	optAgg := NewOptimizer(Params{Chunk: 8, TopK: 8, CompressionDecay: 1}, map[string][]int64{"w": shape})

	gradA := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	gradB := []float64{3, 3, 3, 3, 3, 3, 3, 3}
	varA := make([]float64, 8)
	varB := make([]float64, 8)

	resA, err := optA.Generate("w", varA, gradA, 0, 1, nil)
	require.NoError(t, err)
	resB, err := optB.Generate("w", varB, gradB, 0, 1, nil)
	require.NoError(t, err)

	applied := make([]float64, 8)
	require.NoError(t, optAgg.Apply("w", applied, []Result{resA, resB}, 1))
	for _, v := range applied {
		require.InDelta(t, -2.0, v, 1e-7)
	}
}

func TestGenerateUnregisteredParameterErrors(t *testing.T) {
	opt := NewOptimizer(DefaultParams(), map[string][]int64{})
	_, err := opt.Generate("missing", []float64{1}, []float64{1}, 0, 0.01, nil)
	require.Error(t, err)
}
