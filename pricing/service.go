// Package pricing serves price predictions and their explanations from a
// loaded model.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carprice/explain"
	"carprice/ml"
)

const ReadyMessage = "Model is ready for prediction"

// Event is published after every successful prediction.
type Event struct {
	// EventID is assigned once per published event; RequestID may repeat
	// when a client resends its own X-Request-ID.
	EventID   string      `json:"event_id"`
	RequestID string      `json:"request_id"`
	ModelURI  string      `json:"model_uri"`
	Features  CarFeatures `json:"features"`
	Price     float64     `json:"predicted_selling_price"`
	Cached    bool        `json:"cached"`
	Timestamp time.Time   `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// MetadataStyle selects how a field's mapping is reported by Metadata.
type MetadataStyle string

const (
	MetadataMapping MetadataStyle = "mapping"
	MetadataLabels  MetadataStyle = "labels"
)

type Options struct {
	ModelURI     string
	CacheSize    int
	Samples      int
	Seed         int64
	PlotDir      string
	Language     string
	Background   CarFeatures
	MetadataKind map[string]MetadataStyle
	Publisher    Publisher
	Logger       *zap.Logger
}

type Explanation struct {
	BaseValue     float64            `json:"base_value"`
	Prediction    float64            `json:"prediction"`
	FeatureImpact map[string]string  `json:"feature_impact"`
	Contributions map[string]float64 `json:"contributions"`

	attribution *explain.Attribution
}

// Service is built once at startup and shared read-only by every request.
type Service struct {
	schema    *ml.Schema
	model     ml.Regressor
	modelURI  string
	cache     *lru.Cache[string, float64]
	explainer *explain.Explainer
	formatter *explain.Formatter
	plotDir   string
	metadata  map[string]MetadataStyle
	publisher Publisher
	logger    *zap.Logger
}

// NewService refuses a model whose input columns differ from what schema
// produces.
func NewService(schema *ml.Schema, model ml.Regressor, opts Options) (*Service, error) {
	if schema == nil || model == nil {
		return nil, ErrNotReady
	}
	if err := schema.CheckColumns(model.FeatureNames()); err != nil {
		return nil, fmt.Errorf("model does not match schema: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		schema:    schema,
		model:     model,
		modelURI:  opts.ModelURI,
		formatter: explain.NewFormatter(opts.Language),
		plotDir:   opts.PlotDir,
		metadata:  opts.MetadataKind,
		publisher: opts.Publisher,
		logger:    logger,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, float64](opts.CacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}

	background, err := schema.Encode(opts.Background.Record())
	if err != nil {
		return nil, fmt.Errorf("encode background: %w", err)
	}
	samples := opts.Samples
	if samples <= 0 {
		samples = 2048
	}
	s.explainer, err = explain.NewExplainer(s.score, schema.Columns(), background, samples, opts.Seed)
	if err != nil {
		return nil, fmt.Errorf("build explainer: %w", err)
	}
	return s, nil
}

func (s *Service) Ready() bool {
	return s != nil && s.model != nil
}

func (s *Service) Status() string {
	if !s.Ready() {
		return ErrNotReady.Error()
	}
	return ReadyMessage
}

func (s *Service) ModelURI() string {
	return s.modelURI
}

// Metadata reports every categorical field's mapping as <field>_mapping,
// either as a label to code object or as a label list in code order.
func (s *Service) Metadata() map[string]any {
	out := map[string]any{
		"model_uri": s.modelURI,
		"status":    s.Status(),
	}
	for _, field := range s.schema.CategoricalFields() {
		key := field.Name + "_mapping"
		if s.metadata[field.Name] == MetadataMapping {
			out[key] = field.Mapping.AsMap()
		} else {
			out[key] = field.Mapping.Labels()
		}
	}
	return out
}

// Predict returns the price rounded to two decimals. Invalid input comes back
// as *ml.ValidationError, anything else as *InternalError.
func (s *Service) Predict(ctx context.Context, f CarFeatures) (float64, error) {
	raw, err := s.schema.Encode(f.Record())
	if err != nil {
		return 0, err
	}
	s.logSentinels(f, raw)

	key := cacheKey(raw)
	price, cached := 0.0, false
	if s.cache != nil {
		price, cached = s.cache.Get(key)
	}
	if !cached {
		value, err := s.score(raw)
		if err != nil {
			return 0, &InternalError{Op: "predict", Err: err}
		}
		price = RoundPrice(value)
		if s.cache != nil {
			s.cache.Add(key, price)
		}
	}

	if s.publisher != nil {
		ev := Event{
			RequestID: RequestIDFromContext(ctx),
			ModelURI:  s.modelURI,
			Features:  f,
			Price:     price,
			Cached:    cached,
			Timestamp: time.Now().UTC(),
		}
		if ev.RequestID == "" {
			ev.RequestID = uuid.NewString()
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish prediction event", zap.String("request_id", ev.RequestID), zap.Error(err))
		}
	}
	return price, nil
}

// Explain attributes the unrounded prediction to each raw input field.
func (s *Service) Explain(ctx context.Context, f CarFeatures) (*Explanation, error) {
	raw, err := s.schema.Encode(f.Record())
	if err != nil {
		return nil, err
	}
	attr, err := s.explainer.Explain(ctx, raw)
	if err != nil {
		return nil, &InternalError{Op: "explain", Err: err}
	}
	contributions := make(map[string]float64, len(attr.Contributions))
	for _, c := range attr.Contributions {
		contributions[c.Feature] = c.Value
	}
	return &Explanation{
		BaseValue:     attr.BaseValue,
		Prediction:    attr.Prediction,
		FeatureImpact: s.formatter.Impact(attr),
		Contributions: contributions,
		attribution:   attr,
	}, nil
}

// ExplainVisual explains f and saves the waterfall chart as
// waterfall_<request id>.png under the plot directory.
func (s *Service) ExplainVisual(ctx context.Context, f CarFeatures) (*Explanation, string, error) {
	exp, err := s.Explain(ctx, f)
	if err != nil {
		return nil, "", err
	}
	id := RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	path := filepath.Join(s.plotDir, "waterfall_"+sanitize(id)+".png")
	if err := explain.RenderWaterfall(exp.attribution, path); err != nil {
		return nil, "", &InternalError{Op: "render waterfall", Err: err}
	}
	return exp, path, nil
}

// score runs the model on one raw encoded vector.
func (s *Service) score(raw []float64) (float64, error) {
	input, err := s.schema.Expand(raw)
	if err != nil {
		return 0, err
	}
	value, err := s.model.Predict(input)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, errors.New("model returned a non-finite value")
	}
	return value, nil
}

func (s *Service) logSentinels(f CarFeatures, raw []float64) {
	if s.schema.UnknownPolicy() != ml.UnknownSentinel || !s.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	rec := f.Record()
	for i, col := range s.schema.Columns() {
		if _, ok := s.schema.Field(col); ok && raw[i] == ml.SentinelCode {
			s.logger.Debug("unknown label encoded as sentinel", zap.String("field", col), zap.String("value", rec.Categorical[col]))
		}
	}
}

// RoundPrice rounds half away from zero to two decimal places.
func RoundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func cacheKey(raw []float64) string {
	var b strings.Builder
	for i, v := range raw {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
