// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package round

import (
	"fmt"

	"github.com/luxfi/psyche/codec"
	"github.com/luxfi/psyche/distro"
)

// resultWire is the canonical on-the-wire shape of a distro.Result,
// published as a blob payload (spec.md §6 "payloads are canonically
// serialized TransmittableDownload"). It is a plain struct rather than
// distro.Result itself so the wire format doesn't shift if the in-memory
// type grows unexported bookkeeping later.
type resultWire struct {
	Name   string
	Idx    []uint32
	Val    []float32
	XShape []int64
	TotalK int64
	LR     float64
}

// EncodeResult serializes a distro.Result for publication as a blob.
func EncodeResult(r distro.Result) ([]byte, error) {
	w := resultWire{
		Name:   r.Name,
		Idx:    r.Sparse.Idx,
		Val:    r.Sparse.Val,
		XShape: r.Sparse.XShape,
		TotalK: r.Sparse.TotalK,
		LR:     r.LR,
	}
	b, err := codec.Codec.Marshal(codec.CurrentVersion, w)
	if err != nil {
		return nil, fmt.Errorf("round: encode result: %w", err)
	}
	return b, nil
}

// DecodeResult deserializes a peer's published DisTrO result.
func DecodeResult(data []byte) (distro.Result, error) {
	var w resultWire
	if _, err := codec.Codec.Unmarshal(data, &w); err != nil {
		return distro.Result{}, fmt.Errorf("round: decode result: %w", err)
	}
	return distro.Result{
		Name: w.Name,
		Sparse: distro.Sparse{
			Idx:    w.Idx,
			Val:    w.Val,
			XShape: w.XShape,
			TotalK: w.TotalK,
		},
		LR: w.LR,
	}, nil
}
