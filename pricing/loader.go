package pricing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"carprice/config"
	"carprice/db"
	"carprice/ml"
)

// ModelResolver maps a models:/ URI to registered artifacts.
type ModelResolver interface {
	ResolveModel(ctx context.Context, uri string) (*db.RegisteredModel, error)
}

// Artifacts is everything loaded from disk for one model version.
type Artifacts struct {
	URI      string
	Model    ml.Regressor
	Encoder  *ml.EncoderArtifact
	Encoding ml.Encoding
}

// LoadArtifacts resolves cfg.URI through the registry, or reads it as a
// model file path, and loads the model and its encoder artifact.
// cfg.EncoderPath, when set, replaces the registered encoder.
func LoadArtifacts(ctx context.Context, resolver ModelResolver, cfg config.ModelConfig) (*Artifacts, error) {
	modelType := ml.ModelTypeRandomForest
	modelPath := cfg.URI
	encoderPath := cfg.EncoderPath
	var encoding ml.Encoding

	if db.IsModelURI(cfg.URI) {
		if resolver == nil {
			return nil, fmt.Errorf("model uri %s needs a registry", cfg.URI)
		}
		registered, err := resolver.ResolveModel(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		modelType = registered.ModelType
		modelPath = registered.ArtifactPath
		encoding = ml.Encoding(registered.Encoding)
		if encoderPath == "" {
			encoderPath = registered.EncoderPath
		}
	}

	model, err := ml.LoadModel(modelType, modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelPath, err)
	}
	if encoding == "" {
		encoding = inferEncoding(model.FeatureNames())
	}

	artifacts := &Artifacts{URI: cfg.URI, Model: model, Encoding: encoding}
	if encoderPath != "" {
		artifacts.Encoder, err = ml.LoadEncoderArtifact(encoderPath)
		if err != nil {
			return nil, fmt.Errorf("load encoder %s: %w", encoderPath, err)
		}
	}
	return artifacts, nil
}

func inferEncoding(names []string) ml.Encoding {
	for _, name := range names {
		if strings.Contains(name, "=") {
			return ml.EncodingOneHot
		}
	}
	return ml.EncodingOrdinal
}

// NewFromConfig loads the configured model and builds the service around it.
// Any error here means the service must not start.
func NewFromConfig(ctx context.Context, cfg *config.Config, resolver ModelResolver, publisher Publisher, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	artifacts, err := LoadArtifacts(ctx, resolver, cfg.Model)
	if err != nil {
		return nil, err
	}
	schema, err := BuildSchema(cfg.Schema, artifacts.Encoder, artifacts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}

	kinds := make(map[string]MetadataStyle, len(cfg.Schema.Categorical))
	for _, field := range cfg.Schema.Categorical {
		kinds[field.Name] = MetadataStyle(field.Metadata)
	}

	if cfg.Explain.OutputDir != "" {
		if err := os.MkdirAll(cfg.Explain.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create plot dir: %w", err)
		}
	}

	svc, err := NewService(schema, artifacts.Model, Options{
		ModelURI:     artifacts.URI,
		CacheSize:    cfg.Cache.Size,
		Samples:      cfg.Explain.Samples,
		Seed:         cfg.Explain.Seed,
		PlotDir:      cfg.Explain.OutputDir,
		Language:     cfg.Explain.Language,
		Background:   BackgroundFeatures(cfg.Explain.Background),
		MetadataKind: kinds,
		Publisher:    publisher,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("model loaded",
		zap.String("model_uri", artifacts.URI),
		zap.String("encoding", string(artifacts.Encoding)),
		zap.Strings("columns", schema.ColumnNames()),
		zap.String("unknown_policy", string(schema.UnknownPolicy())),
	)
	return svc, nil
}
