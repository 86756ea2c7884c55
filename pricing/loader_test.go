package pricing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carprice/config"
	"carprice/db"
	"carprice/ml"
)

// trainArtifacts fits a tiny forest on synthetic cars and saves it with an
// encoder artifact holding a fitted brand vocabulary.
func trainArtifacts(t *testing.T, dir string, encoding ml.Encoding) (modelPath, encoderPath string) {
	t.Helper()
	cfg := config.Default()
	artifact := &ml.EncoderArtifact{Fields: map[string][]string{"brand": {"Ford", "Hyundai", "Maruti", "Toyota"}}}
	schema, err := BuildSchema(cfg.Schema, artifact, encoding)
	require.NoError(t, err)

	fuels := []string{"Diesel", "Petrol"}
	brands := artifact.Fields["brand"]
	var records []ml.Record
	var targets []float64
	for i := 0; i < 80; i++ {
		year := 2005 + i%15
		rec := CarFeatures{
			Year:         year,
			KmDriven:     20000 + (i*7919)%120000,
			Fuel:         fuels[i%2],
			Transmission: "Manual",
			Brand:        brands[i%len(brands)],
			Owner:        "First Owner",
			SellerType:   "Individual",
		}.Record()
		records = append(records, rec)
		targets = append(targets, float64(year-2000)*30000-rec.Numeric["km_driven"]*0.5)
	}
	X, err := ml.BuildMatrix(schema, records)
	require.NoError(t, err)

	params := ml.DefaultForestParams()
	params.NEstimators = 10
	var model ml.Model = ml.NewRandomForest(params)
	require.NoError(t, model.Fit(X, targets, schema.ColumnNames()))

	modelPath = filepath.Join(dir, "model.json")
	encoderPath = filepath.Join(dir, "encoder.json")
	require.NoError(t, model.Save(modelPath))
	require.NoError(t, artifact.Save(encoderPath))
	return modelPath, encoderPath
}

func TestLoadArtifactsFromPath(t *testing.T) {
	dir := t.TempDir()
	modelPath, encoderPath := trainArtifacts(t, dir, ml.EncodingOneHot)

	artifacts, err := LoadArtifacts(context.Background(), nil, config.ModelConfig{URI: modelPath, EncoderPath: encoderPath})
	require.NoError(t, err)
	assert.Equal(t, ml.EncodingOneHot, artifacts.Encoding, "inferred from one-hot column names")
	assert.Equal(t, []string{"Ford", "Hyundai", "Maruti", "Toyota"}, artifacts.Encoder.Fields["brand"])

	_, err = LoadArtifacts(context.Background(), nil, config.ModelConfig{URI: "models:/CarPrice/1"})
	assert.Error(t, err, "a registry URI without a registry")
}

func TestNewFromConfigThroughRegistry(t *testing.T) {
	dir := t.TempDir()
	modelPath, encoderPath := trainArtifacts(t, dir, ml.EncodingOrdinal)

	store, err := db.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	defer store.Close()
	_, err = store.RegisterModel(context.Background(), db.RegisteredModel{
		Name:         "OptimizedRandomForestModel",
		RunID:        "run-1",
		ModelType:    ml.ModelTypeRandomForest,
		ArtifactPath: modelPath,
		EncoderPath:  encoderPath,
		Encoding:     string(ml.EncodingOrdinal),
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Model.URI = "models:/OptimizedRandomForestModel/latest"
	cfg.Explain.OutputDir = filepath.Join(dir, "plots")
	cfg.Explain.Samples = 64

	svc, err := NewFromConfig(context.Background(), cfg, store, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ReadyMessage, svc.Status())
	assert.Equal(t, []string{"Ford", "Hyundai", "Maruti", "Toyota"}, svc.Metadata()["brand_mapping"])

	price, err := svc.Predict(context.Background(), sampleCar())
	require.NoError(t, err)
	assert.Greater(t, price, 0.0)

	exp, err := svc.Explain(context.Background(), sampleCar())
	require.NoError(t, err)
	sum := exp.BaseValue
	for _, v := range exp.Contributions {
		sum += v
	}
	assert.InDelta(t, exp.Prediction, sum, 1e-6)
}

func TestNewFromConfigRefusesMismatchedModel(t *testing.T) {
	dir := t.TempDir()
	modelPath, _ := trainArtifacts(t, dir, ml.EncodingOneHot)

	cfg := config.Default()
	cfg.Model.URI = modelPath
	cfg.Explain.OutputDir = filepath.Join(dir, "plots")
	// One-hot model, but the brand vocabulary from config has a different order.
	_, err := NewFromConfig(context.Background(), cfg, nil, nil, nil)
	require.Error(t, err)
}
