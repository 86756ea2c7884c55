// Package explain attributes a single prediction to its input features
// relative to a fixed background record.
package explain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Tolerance bounds |base + sum(contributions) - prediction|.
const Tolerance = 1e-6

// PredictFunc scores one raw feature vector.
type PredictFunc func(raw []float64) (float64, error)

type Contribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

type Attribution struct {
	BaseValue     float64        `json:"base_value"`
	Prediction    float64        `json:"prediction"`
	Contributions []Contribution `json:"contributions"`
}

// Sum returns base value plus every contribution.
func (a *Attribution) Sum() float64 {
	total := a.BaseValue
	for _, c := range a.Contributions {
		total += c.Value
	}
	return total
}

// Explainer estimates Shapley values by walking random feature orderings from
// the background record to the explained record and crediting each feature
// with the change in model output when it is switched over. Orderings are
// enumerated exactly when there are no more of them than the sample budget.
type Explainer struct {
	predict    PredictFunc
	features   []string
	background []float64
	base       float64
	samples    int
	seed       int64
}

func NewExplainer(predict PredictFunc, features []string, background []float64, samples int, seed int64) (*Explainer, error) {
	if predict == nil {
		return nil, errors.New("predict func is nil")
	}
	if len(features) == 0 {
		return nil, errors.New("no features to explain")
	}
	if len(features) > 62 {
		return nil, fmt.Errorf("too many features: %d", len(features))
	}
	if len(background) != len(features) {
		return nil, fmt.Errorf("background has %d values, want %d", len(background), len(features))
	}
	if samples <= 0 {
		return nil, errors.New("samples must be positive")
	}
	base, err := predict(append([]float64(nil), background...))
	if err != nil {
		return nil, fmt.Errorf("score background: %w", err)
	}
	if math.IsNaN(base) || math.IsInf(base, 0) {
		return nil, errors.New("background prediction is not finite")
	}
	return &Explainer{
		predict:    predict,
		features:   append([]string(nil), features...),
		background: append([]float64(nil), background...),
		base:       base,
		samples:    samples,
		seed:       seed,
	}, nil
}

// BaseValue is the model output on the background record.
func (e *Explainer) BaseValue() float64 {
	return e.base
}

func (e *Explainer) Features() []string {
	return append([]string(nil), e.features...)
}

// Exact reports whether every ordering fits in the sample budget.
func (e *Explainer) Exact() bool {
	return factorial(len(e.features)) <= e.samples
}

// Explain attributes the prediction for raw. The result is deterministic for a
// given input and seed.
func (e *Explainer) Explain(ctx context.Context, raw []float64) (*Attribution, error) {
	d := len(e.features)
	if len(raw) != d {
		return nil, fmt.Errorf("got %d values, want %d", len(raw), d)
	}

	// Model outputs keyed by the set of features taken from raw.
	outputs := make(map[uint64]float64, 1<<min(d, 12))
	outputs[0] = e.base
	point := make([]float64, d)
	eval := func(mask uint64) (float64, error) {
		if v, ok := outputs[mask]; ok {
			return v, nil
		}
		for i := 0; i < d; i++ {
			if mask&(1<<uint(i)) != 0 {
				point[i] = raw[i]
			} else {
				point[i] = e.background[i]
			}
		}
		v, err := e.predict(point)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, errors.New("model returned a non-finite value")
		}
		outputs[mask] = v
		return v, nil
	}

	full := uint64(1)<<uint(d) - 1
	prediction, err := eval(full)
	if err != nil {
		return nil, err
	}

	sums := make([]float64, d)
	walks := 0
	walk := func(order []int) error {
		var mask uint64
		prev := e.base
		for _, i := range order {
			mask |= 1 << uint(i)
			v, err := eval(mask)
			if err != nil {
				return err
			}
			sums[i] += v - prev
			prev = v
		}
		walks++
		return nil
	}

	if e.Exact() {
		err = permutations(d, func(order []int) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return walk(order)
		})
	} else {
		rng := rand.New(rand.NewSource(e.seed))
		for s := 0; s < e.samples && err == nil; s++ {
			if err = ctx.Err(); err != nil {
				break
			}
			err = walk(rng.Perm(d))
		}
	}
	if err != nil {
		return nil, err
	}

	attr := &Attribution{
		BaseValue:     e.base,
		Prediction:    prediction,
		Contributions: make([]Contribution, d),
	}
	for i, name := range e.features {
		attr.Contributions[i] = Contribution{Feature: name, Value: sums[i] / float64(walks)}
	}
	if gap := math.Abs(attr.Sum() - prediction); gap > Tolerance {
		return nil, fmt.Errorf("attributions do not add up: off by %g", gap)
	}
	return attr, nil
}

// permutations calls fn with every ordering of 0..n-1 (Heap's algorithm).
// fn must not retain order.
func permutations(n int, fn func(order []int) error) error {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	c := make([]int, n)
	if err := fn(order); err != nil {
		return err
	}
	for i := 0; i < n; {
		if c[i] < i {
			if i%2 == 0 {
				order[0], order[i] = order[i], order[0]
			} else {
				order[c[i]], order[i] = order[i], order[c[i]]
			}
			if err := fn(order); err != nil {
				return err
			}
			c[i]++
			i = 0
		} else {
			c[i] = 0
			i++
		}
	}
	return nil
}

func factorial(n int) int {
	f := 1
	for i := 2; i <= n; i++ {
		f *= i
		if f > math.MaxInt32 {
			return math.MaxInt32
		}
	}
	return f
}
