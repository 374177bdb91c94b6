// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distro

import (
	"fmt"
	"sync"

	"github.com/luxfi/psyche/core"
)

// Params tunes the optimizer; defaults mirror the Rust client's
// DistroResult config (chunk 64, topk 32 coefficients per encoded
// tensor, quantization off by default). WeightDecay and CompressionDecay
// come straight from the Coordinator's OptimizerConfig (core.OptimizerConfig)
// and are distro.rs's Distro::new constructor arguments of the same name.
type Params struct {
	Chunk            int64
	TopK             int64
	Quantize1Bit     bool
	WeightDecay      float64
	CompressionDecay float64
}

// DefaultParams matches distro.rs's common defaults for small-to-mid LLM
// weight matrices: no weight decay, no compression decay (delta carried
// forward unscaled).
func DefaultParams() Params {
	return Params{Chunk: 64, TopK: 32, Quantize1Bit: false, WeightDecay: 0, CompressionDecay: 1}
}

// ParamsFromConfig translates the Coordinator-published core.OptimizerConfig
// (core/types.go's LLM.Optimizer field) into the Params this package's
// Optimizer actually consumes. CompressionDecay of zero is treated as
// "unset" rather than "decay everything to zero every step" -- the
// Coordinator's wire default is the zero value, and distro.rs's own default
// construction is compression_decay: 1.0 (no decay), not 0.0.
func ParamsFromConfig(cfg core.OptimizerConfig) Params {
	p := Params{
		Chunk:            cfg.CompressionChunk,
		TopK:             cfg.CompressionTopK,
		Quantize1Bit:     cfg.Quantized,
		WeightDecay:      cfg.WeightDecay,
		CompressionDecay: cfg.CompressionDecay,
	}
	if p.Chunk == 0 {
		p.Chunk = 64
	}
	if p.TopK == 0 {
		p.TopK = 32
	}
	if p.CompressionDecay == 0 {
		p.CompressionDecay = 1
	}
	return p
}

// paramState tracks the per-parameter persistent optimizer state:
// distro.rs's Distro.state[i].delta, kept in parameter space (not
// DCT-domain -- Encode is applied once, fresh, at the end of Generate's
// step 5, exactly as distro.rs's generate does with full_delta).
type paramState struct {
	shape []int64
	delta []float64 // parameter-space, same length as variable/grad
}

// Optimizer implements the DisTrO compressed-gradient step of spec.md
// §4.7: Generate mutates the caller's variable in place (lookahead undo,
// weight decay) and produces this node's sparse contribution; Apply
// aggregates peers' contributions (scatter-mean), decodes them, and takes
// the plain SGD step against variable directly.
type Optimizer struct {
	mu     sync.Mutex
	params Params

	transforms map[int]*TransformDCT // cache key: shape-rank signature bucket
	state      map[string]*paramState
}

// NewOptimizer constructs an Optimizer. shapes lists every trainable
// parameter's shape up front so DCT bases can be precomputed once, as
// distro.rs's TransformDCT::new does at model-load time rather than per
// step.
func NewOptimizer(params Params, shapes map[string][]int64) *Optimizer {
	o := &Optimizer{
		params:     params,
		transforms: make(map[int]*TransformDCT),
		state:      make(map[string]*paramState),
	}
	allShapes := make([][]int64, 0, len(shapes))
	for name, shape := range shapes {
		allShapes = append(allShapes, shape)
		o.state[name] = &paramState{shape: shape}
	}
	o.transforms[0] = NewTransformDCT(allShapes, params.Chunk)
	return o
}

func (o *Optimizer) transform() *TransformDCT { return o.transforms[0] }

// Result is what Generate broadcasts for one parameter: a Sparse delta plus
// the learning rate it was generated under, needed by Apply's lookahead
// correction when Quantize1Bit discards magnitude.
type Result struct {
	Name   string
	Sparse Sparse
	LR     float64
}

// Generate produces this node's compressed contribution for parameter
// name, mutating variable in place and advancing the persistent delta
// state, per spec.md §4.7's five steps (distro.rs's Distro::generate).
// prevLR and lr are the caller's own LR-schedule lookups for step-1 and
// step (distro.rs's trainer.rs computes both via get_lr before calling
// generate; Distro itself carries no LR state):
//  1. subtract the prior step's delta sign times prevLR from variable
//     (lookahead undo);
//  2. if prevSelfResults carries this node's own not-yet-superseded
//     broadcasts, decode and remove their sum from delta so it isn't
//     double-counted once the aggregated apply includes them;
//  3. decay variable by (1 - lr*weight_decay) and delta by
//     compression_decay;
//  4. add lr*grad to delta;
//  5. compress encode(delta) at top-k (optionally reduced to signs).
//
// delta is never zeroed after compressing: the coefficients topk drops
// simply carry forward, decayed, into the next round -- that persistence
// is distro.rs's error-feedback mechanism, not a separate step.
func (o *Optimizer) Generate(name string, variable, grad []float64, prevLR, lr float64, prevSelfResults []Result) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.state[name]
	if !ok {
		return Result{}, fmt.Errorf("distro: unregistered parameter %q", name)
	}
	if st.delta == nil {
		st.delta = make([]float64, len(variable))
	}

	for i := range variable {
		variable[i] -= signf(st.delta[i]) * prevLR
	}

	if len(prevSelfResults) > 0 {
		decoded := o.decodeToParamSpace(prevSelfResults, st.shape)
		for i := range st.delta {
			st.delta[i] -= decoded[i]
		}
	}

	if o.params.WeightDecay != 0 {
		decay := 1 - lr*o.params.WeightDecay
		for i := range variable {
			variable[i] *= decay
		}
	}
	if o.params.CompressionDecay != 1 {
		for i := range st.delta {
			st.delta[i] *= o.params.CompressionDecay
		}
	}

	for i := range st.delta {
		st.delta[i] += lr * grad[i]
	}

	encoded := o.transform().Encode(Tensor{Data: st.delta, Shape: st.shape})
	sparse := Compress(encoded, o.params.TopK)
	if o.params.Quantize1Bit {
		sparse.Val = QuantizeSign(sparse.Val)
	}

	return Result{Name: name, Sparse: sparse, LR: lr}, nil
}

// signf mirrors distro.rs's Tensor::sign(): +1/-1, or 0 for an exact zero
// (distinct from QuantizeSign's "zeros are positive" convention, which
// only applies to the quantized broadcast value, not this lookahead term).
func signf(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// decodeToParamSpace scatter-means a set of per-parameter Results back into
// dense parameter space: rescale sign-only values by their own reported LR
// (Quantize1Bit discards magnitude, so distro.rs's "delta.sign() * prev_lr"
// lookahead is the only usable reconstruction), batch-decompress, then
// inverse-DCT. Shared by Apply and Generate's step 2.
func (o *Optimizer) decodeToParamSpace(results []Result, shape []int64) []float64 {
	sparses := make([]Sparse, len(results))
	for i, r := range results {
		s := r.Sparse
		if o.params.Quantize1Bit {
			scaled := make([]float32, len(s.Val))
			for j, v := range s.Val {
				scaled[j] = v * float32(r.LR)
			}
			s = Sparse{Idx: s.Idx, Val: scaled, XShape: s.XShape, TotalK: s.TotalK}
		}
		sparses[i] = s
	}

	dense := BatchDecompress(sparses)
	decoded := o.transform().Decode(reshapeLike(dense, shape, o.params.Chunk, o.transform()))
	return decoded.Data
}

// Apply aggregates peers' (and, typically, this node's own) Result values
// for one parameter, decodes them to a dense gradient, and takes a plain
// SGD step against variable directly with the current lr, per spec.md
// §4.7's Apply: "write as variable.grad, then take a plain SGD step with
// the current lr." An empty results set leaves variable unchanged and logs
// nothing itself -- the caller (round's aggregation) is the one that warns,
// per spec.md §4.7's failure-mode note.
func (o *Optimizer) Apply(name string, variable []float64, results []Result, lr float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.state[name]
	if !ok {
		return fmt.Errorf("distro: unregistered parameter %q", name)
	}
	if len(results) == 0 {
		return nil
	}

	grad := o.decodeToParamSpace(results, st.shape)
	for i := range variable {
		variable[i] -= lr * grad[i]
	}
	return nil
}

// reshapeLike restores the blocked-axis shape Encode produced (e.g. [rows,
// n1] or [blocksH, n1, blocksW, n2]) from a flat TotalK-length tensor, so
// Decode's shape-dispatch (len(Shape)==4 vs else) sees the same layout it
// produced.
func reshapeLike(flat Tensor, originalShape []int64, chunk int64, t *TransformDCT) Tensor {
	if len(originalShape) == 2 {
		h, w := originalShape[0], originalShape[1]
		n1, n2 := t.chunkOf[h], t.chunkOf[w]
		return Tensor{Data: flat.Data, Shape: []int64{h / n1, n1, w / n2, n2}}
	}
	n1 := t.chunkOf[originalShape[0]]
	return Tensor{Data: flat.Data, Shape: []int64{originalShape[0] / n1, n1}}
}
