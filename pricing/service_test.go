package pricing

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carprice/config"
	"carprice/ml"
)

type linearModel struct {
	names   []string
	weights []float64
	bias    float64
}

func (m *linearModel) Predict(x []float64) (float64, error) {
	if len(x) != len(m.weights) {
		return 0, errors.New("width mismatch")
	}
	sum := m.bias
	for i, w := range m.weights {
		sum += w * x[i]
	}
	return sum, nil
}

func (m *linearModel) FeatureNames() []string { return m.names }

// nanModel returns NaN for cars newer than after.
type nanModel struct {
	names []string
	after float64
}

func (m *nanModel) Predict(x []float64) (float64, error) {
	if x[0] > m.after {
		return math.NaN(), nil
	}
	return 1, nil
}

func (m *nanModel) FeatureNames() []string { return m.names }

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func sampleCar() CarFeatures {
	return CarFeatures{
		Year:         2015,
		KmDriven:     45000,
		Fuel:         "Petrol",
		Transmission: "Manual",
		Brand:        "Hyundai",
		Owner:        "First Owner",
		SellerType:   "Individual",
	}
}

func newTestService(t *testing.T, policy string, publisher Publisher) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Schema.UnknownPolicy = policy
	schema, err := BuildSchema(cfg.Schema, nil, ml.EncodingOrdinal)
	require.NoError(t, err)

	model := &linearModel{
		names:   schema.ColumnNames(),
		weights: []float64{15000, -0.75, -2500, 1200, -40000, -8000, 3333.333},
		bias:    -29800000,
	}
	svc, err := NewService(schema, model, Options{
		ModelURI:     "models:/OptimizedRandomForestModel/1",
		CacheSize:    16,
		Samples:      512,
		Seed:         42,
		PlotDir:      t.TempDir(),
		Language:     "en",
		Background:   BackgroundFeatures(cfg.Explain.Background),
		MetadataKind: map[string]MetadataStyle{"fuel": MetadataMapping, "transmission": MetadataMapping},
		Publisher:    publisher,
	})
	require.NoError(t, err)
	return svc
}

func TestPredictExample(t *testing.T) {
	svc := newTestService(t, "reject", nil)
	price, err := svc.Predict(context.Background(), sampleCar())
	require.NoError(t, err)
	assert.Greater(t, price, 0.0)
	assert.InDelta(t, math.Round(price*100), price*100, 1e-6, "price must have at most two decimals")
}

func TestPredictRejectsUnknownFuel(t *testing.T) {
	svc := newTestService(t, "reject", nil)
	car := sampleCar()
	car.Fuel = "Hydrogen"

	_, err := svc.Predict(context.Background(), car)
	var verr *ml.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "fuel", verr.Field)
	assert.Equal(t, []string{"Diesel", "Petrol", "LPG", "CNG", "Electric"}, verr.Accepted)
}

func TestPredictSentinelPolicy(t *testing.T) {
	svc := newTestService(t, "sentinel", nil)
	car := sampleCar()
	car.Brand = "Tesla"

	price, err := svc.Predict(context.Background(), car)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(price))
}

func TestPredictIsRepeatableAndCached(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(t, "reject", pub)
	ctx := ContextWithRequestID(context.Background(), "req-1")

	first, err := svc.Predict(ctx, sampleCar())
	require.NoError(t, err)
	second, err := svc.Predict(ctx, sampleCar())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.Len(t, pub.events, 2)
	assert.False(t, pub.events[0].Cached)
	assert.True(t, pub.events[1].Cached)
	assert.Equal(t, "req-1", pub.events[0].RequestID)
	assert.Equal(t, first, pub.events[0].Price)
	assert.Equal(t, "models:/OptimizedRandomForestModel/1", pub.events[0].ModelURI)
}

func TestNonFiniteOutput(t *testing.T) {
	cfg := config.Default()
	schema, err := BuildSchema(cfg.Schema, nil, ml.EncodingOrdinal)
	require.NoError(t, err)

	_, err = NewService(schema, &nanModel{names: schema.ColumnNames()}, Options{
		Background: BackgroundFeatures(cfg.Explain.Background),
	})
	require.Error(t, err, "a NaN background prediction must fail startup")

	svc, err := NewService(schema, &nanModel{names: schema.ColumnNames(), after: 2012}, Options{
		Background: BackgroundFeatures(cfg.Explain.Background),
	})
	require.NoError(t, err)
	_, err = svc.Predict(context.Background(), sampleCar())
	var ierr *InternalError
	require.True(t, errors.As(err, &ierr), "got %v", err)
}

func TestNewServiceRejectsColumnMismatch(t *testing.T) {
	cfg := config.Default()
	schema, err := BuildSchema(cfg.Schema, nil, ml.EncodingOrdinal)
	require.NoError(t, err)

	names := schema.ColumnNames()
	names[0], names[1] = names[1], names[0]
	_, err = NewService(schema, &linearModel{names: names, weights: make([]float64, len(names))}, Options{
		Background: BackgroundFeatures(cfg.Explain.Background),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match schema")
}

func TestMetadata(t *testing.T) {
	svc := newTestService(t, "reject", nil)
	meta := svc.Metadata()

	assert.Equal(t, "models:/OptimizedRandomForestModel/1", meta["model_uri"])
	assert.Equal(t, ReadyMessage, meta["status"])
	assert.Equal(t, map[string]int{"Diesel": 0, "Petrol": 1, "LPG": 2, "CNG": 3, "Electric": 4}, meta["fuel_mapping"])
	assert.Equal(t, map[string]int{"Automatic": 0, "Manual": 1}, meta["transmission_mapping"])
	assert.Equal(t, []string{"Hyundai", "Maruti", "Ford", "Toyota"}, meta["brand_mapping"])
	assert.Equal(t, []string{"Dealer", "Individual", "Trustmark Dealer"}, meta["seller_type_mapping"])
	assert.Len(t, meta["owner_mapping"], 5)
}

func TestExplainIsAdditive(t *testing.T) {
	svc := newTestService(t, "reject", nil)
	exp, err := svc.Explain(context.Background(), sampleCar())
	require.NoError(t, err)

	sum := exp.BaseValue
	for _, v := range exp.Contributions {
		sum += v
	}
	assert.InDelta(t, exp.Prediction, sum, 1e-6)
	assert.Len(t, exp.FeatureImpact, 7)
	assert.Equal(t, "No significant impact", exp.FeatureImpact["brand"], "brand matches the background")
	assert.True(t, strings.HasPrefix(exp.FeatureImpact["year"], "Strong positive contribution: +"))
	assert.True(t, strings.HasPrefix(exp.FeatureImpact["km_driven"], "Strong positive contribution: +"))
	assert.True(t, strings.HasPrefix(exp.FeatureImpact["seller_type"], "Strong positive contribution: +"))

	price, err := svc.Predict(context.Background(), sampleCar())
	require.NoError(t, err)
	assert.Equal(t, price, RoundPrice(exp.Prediction))
}

func TestExplainVisualWritesChart(t *testing.T) {
	svc := newTestService(t, "reject", nil)
	ctx := ContextWithRequestID(context.Background(), "abc/123")

	exp, path, err := svc.ExplainVisual(ctx, sampleCar())
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, "waterfall_abc_123.png", filepath.Base(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestBuildSchemaUsesEncoderArtifact(t *testing.T) {
	cfg := config.Default()
	artifact := &ml.EncoderArtifact{Fields: map[string][]string{"brand": {"Audi", "BMW", "Ford"}}}

	schema, err := BuildSchema(cfg.Schema, artifact, ml.EncodingOneHot)
	require.NoError(t, err)

	brand, ok := schema.Field("brand")
	require.True(t, ok)
	assert.Equal(t, []string{"Audi", "BMW", "Ford"}, brand.Mapping.Labels())
	assert.Equal(t, ml.EncodingOneHot, brand.Encoding)
	names := schema.ColumnNames()
	assert.Equal(t, "brand=Ford", names[len(names)-1])

	fuel, _ := schema.Field("fuel")
	assert.Equal(t, ml.EncodingOrdinal, fuel.Encoding)
}

func TestRoundPrice(t *testing.T) {
	assert.Equal(t, 2.35, RoundPrice(2.345))
	assert.Equal(t, -2.35, RoundPrice(-2.345))
	assert.Equal(t, 10.0, RoundPrice(10))
	assert.Equal(t, 452301.13, RoundPrice(452301.12999))
}
