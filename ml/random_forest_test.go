package ml

import (
	"math"
	"path/filepath"
	"testing"
)

func syntheticPrices(n int) ([][]float64, []float64) {
	features := make([][]float64, n)
	targets := make([]float64, n)
	for i := 0; i < n; i++ {
		year := float64(2005 + i%15)
		km := float64(10000 + (i*7919)%150000)
		fuel := float64(i % 2)
		features[i] = []float64{year, km, fuel}
		targets[i] = 50000*(year-2000) - km + 100000*fuel
	}
	return features, targets
}

func TestRandomForestReproducible(t *testing.T) {
	features, targets := syntheticPrices(120)
	names := []string{"year", "km_driven", "fuel"}
	params := DefaultForestParams()
	params.NEstimators = 15

	a := NewRandomForest(params)
	b := NewRandomForest(params)
	if err := a.Fit(features, targets, names); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Fit(features, targets, names); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, row := range features[:20] {
		pa, _ := a.Predict(row)
		pb, _ := b.Predict(row)
		if pa != pb {
			t.Fatalf("same seed gave different predictions: %f vs %f", pa, pb)
		}
	}
}

func TestRandomForestFitsSignal(t *testing.T) {
	features, targets := syntheticPrices(200)
	params := DefaultForestParams()
	params.NEstimators = 20
	model := NewRandomForest(params)
	if err := model.Fit(features, targets, []string{"year", "km_driven", "fuel"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	predicted, err := model.PredictBatch(features)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := R2Score(targets, predicted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r2 < 0.9 {
		t.Fatalf("expected training R2 above 0.9, got %f", r2)
	}
}

func TestRandomForestSaveLoad(t *testing.T) {
	features, targets := syntheticPrices(60)
	params := DefaultForestParams()
	params.NEstimators = 5
	params.MaxFeatures = "sqrt"
	model := NewRandomForest(params)
	names := []string{"year", "km_driven", "fuel"}
	if err := model.Fit(features, targets, names); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := model.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadModel(ModelTypeRandomForest, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := loaded.FeatureNames(); len(got) != 3 || got[1] != "km_driven" {
		t.Fatalf("unexpected feature names: %v", got)
	}
	for _, row := range features[:10] {
		want, _ := model.Predict(row)
		got, err := loaded.Predict(row)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		if math.Abs(want-got) > 1e-9 {
			t.Fatalf("expected %f, got %f", want, got)
		}
	}
}

func TestRandomForestRejectsWrongWidth(t *testing.T) {
	features, targets := syntheticPrices(30)
	params := DefaultForestParams()
	params.NEstimators = 3
	model := NewRandomForest(params)
	if err := model.Fit(features, targets, []string{"year", "km_driven", "fuel"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := model.Predict([]float64{2015, 45000}); err == nil {
		t.Fatal("expected error for short feature vector")
	}
	if err := NewRandomForest(params).Fit(features, targets, []string{"year"}); err == nil {
		t.Fatal("expected error for mismatched feature names")
	}
}

func TestLoadModelUnsupportedType(t *testing.T) {
	if _, err := LoadModel("svm", "model.json"); err == nil {
		t.Fatal("expected error for unsupported model type")
	}
}
