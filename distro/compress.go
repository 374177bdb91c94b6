// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distro

import "sort"

// Sparse is a compressed DCT-domain delta: the topk-by-magnitude
// coefficients out of totalk, their flat indices, and the original dense
// shape needed to decompress -- mirrors CompressDCT.compress's return shape
// in distro.rs (idx, val, xshape, totalk).
type Sparse struct {
	Idx    []uint32
	Val    []float32
	XShape []int64
	TotalK int64
}

// Compress keeps the topk largest-magnitude coefficients of the DCT-encoded
// tensor x per distro.rs's CompressDCT.compress: flatten, partial-sort by
// abs value, keep the top k indices/values.
func Compress(x Tensor, topk int64) Sparse {
	n := int64(len(x.Data))
	if topk > n {
		topk = n
	}
	type kv struct {
		idx int64
		val float64
	}
	all := make([]kv, n)
	for i, v := range x.Data {
		all[i] = kv{idx: int64(i), val: v}
	}
	sort.Slice(all, func(i, j int) bool {
		return abs64(all[i].val) > abs64(all[j].val)
	})
	idx := make([]uint32, topk)
	val := make([]float32, topk)
	for i := int64(0); i < topk; i++ {
		idx[i] = uint32(all[i].idx)
		val[i] = float32(all[i].val)
	}
	shape := make([]int64, len(x.Shape))
	copy(shape, x.Shape)
	return Sparse{Idx: idx, Val: val, XShape: shape, TotalK: n}
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Decompress scatters idx/val back into a dense tensor of shape xshape,
// zero elsewhere -- the single-source case of distro.rs's
// CompressDCT.decompress.
func Decompress(s Sparse) Tensor {
	data := make([]float64, s.TotalK)
	for i, idx := range s.Idx {
		data[idx] = float64(s.Val[i])
	}
	return Tensor{Data: data, Shape: s.XShape}
}

// BatchDecompress aggregates several peers' Sparse deltas for the same
// parameter into one dense tensor via scatter-mean: each coefficient index
// is averaged over however many peers reported a value at that index,
// matching distro.rs's CompressDCT.batch_decompress ("decompress multiple
// tensors and sums them to one tensor with an average of 0 at unused
// indices").
func BatchDecompress(sparses []Sparse) Tensor {
	if len(sparses) == 0 {
		return Tensor{}
	}
	totalK := sparses[0].TotalK
	shape := sparses[0].XShape
	sum := make([]float64, totalK)
	count := make([]int32, totalK)
	for _, s := range sparses {
		for i, idx := range s.Idx {
			sum[idx] += float64(s.Val[i])
			count[idx]++
		}
	}
	for i := range sum {
		if count[i] > 0 {
			sum[i] /= float64(count[i])
		}
	}
	return Tensor{Data: sum, Shape: shape}
}

// QuantizeSign replaces each value with its sign (1-bit quantization per
// spec.md §4.7 "optional 1-bit sign quantization"), returning the signs as
// +1/-1 float32 so Decompress/BatchDecompress stay agnostic to whether a
// Sparse came from the quantized or unquantized path.
func QuantizeSign(val []float32) []float32 {
	out := make([]float32, len(val))
	for i, v := range val {
		if v < 0 {
			out[i] = -1
		} else {
			out[i] = 1
		}
	}
	return out
}
