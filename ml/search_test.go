package ml

import (
	"context"
	"math"
	"testing"
)

func TestRandomizedSearch(t *testing.T) {
	features, targets := syntheticPrices(60)
	space := ParameterSpace{
		NEstimators:     []int{3, 5},
		MaxDepth:        []int{0, 4},
		MinSamplesSplit: []int{2},
		MinSamplesLeaf:  []int{1, 2},
		MaxFeatures:     []string{"all"},
	}
	search := &RandomizedSearch{Space: space, Base: DefaultForestParams(), Iterations: 4, Folds: 3, Seed: 7}
	results, err := search.Run(context.Background(), features, targets, []string{"year", "km_driven", "fuel"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	seen := make(map[ForestParams]bool)
	for i, r := range results {
		if r.Rank != i+1 {
			t.Fatalf("unexpected rank %d at %d", r.Rank, i)
		}
		if i > 0 && r.Score > results[i-1].Score {
			t.Fatal("results not sorted by score")
		}
		if r.Score > 0 || len(r.FoldScores) != 3 {
			t.Fatalf("unexpected score %+v", r)
		}
		if r.Params.NEstimators != 3 && r.Params.NEstimators != 5 {
			t.Fatalf("n_estimators outside space: %d", r.Params.NEstimators)
		}
		if seen[r.Params] {
			t.Fatalf("parameter set sampled twice: %+v", r.Params)
		}
		seen[r.Params] = true
	}
}

func TestRandomizedSearchCancelled(t *testing.T) {
	features, targets := syntheticPrices(30)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	search := &RandomizedSearch{Space: DefaultParameterSpace(), Base: DefaultForestParams(), Iterations: 2, Seed: 1}
	if _, err := search.Run(ctx, features, targets, []string{"year", "km_driven", "fuel"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestKFoldCoversEveryRow(t *testing.T) {
	folds := KFold(10, 3, 1)
	seen := make(map[int]bool)
	for _, fold := range folds {
		for _, idx := range fold {
			if seen[idx] {
				t.Fatalf("row %d in two folds", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(seen))
	}
}

func TestMetrics(t *testing.T) {
	mse, err := MeanSquaredError([]float64{1, 2, 3}, []float64{1, 2, 5})
	if err != nil || mse != 4.0/3.0 {
		t.Fatalf("unexpected mse %f (%v)", mse, err)
	}
	r2, err := R2Score([]float64{1, 2, 3}, []float64{1, 2, 3})
	if err != nil || r2 != 1 {
		t.Fatalf("unexpected r2 %f (%v)", r2, err)
	}
	if _, err := R2Score([]float64{1}, nil); err == nil {
		t.Fatal("expected length mismatch error")
	}
	r2, err = R2Score([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 5})
	if err != nil || math.Abs(r2-0.8) > 1e-12 {
		t.Fatalf("r2 = %f, want 0.8 (%v)", r2, err)
	}
	r2, err = R2Score([]float64{7, 7, 7}, []float64{6, 7, 8})
	if err != nil || r2 != 0 {
		t.Fatalf("constant target: r2 = %f, want 0 (%v)", r2, err)
	}
}
