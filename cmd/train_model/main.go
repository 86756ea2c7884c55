package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carprice/config"
	"carprice/db"
	"carprice/logging"
	"carprice/ml"
	"carprice/pipeline"
	"carprice/pricing"
)

func main() {
	csvPath := flag.String("csv", "./data/cartest.csv", "training data csv")
	configPath := flag.String("config", "config.yaml", "config file holding the feature schema")
	encoding := flag.String("encoding", "ordinal", "encoding for fitted fields: ordinal or onehot")
	name := flag.String("name", "OptimizedRandomForestModel", "registered model name")
	experiment := flag.String("experiment", "optimized_experiment", "experiment name recorded with the run")
	artifactsDir := flag.String("artifacts", "./artifacts", "artifact root; each run gets its own directory")
	testRatio := flag.Float64("test_ratio", 0.2, "test ratio")
	search := flag.Int("search", 0, "randomized search iterations, 0 to skip")
	folds := flag.Int("folds", 3, "cross validation folds for the search")
	outlierZ := flag.Float64("outlier_z", 4, "reject rows whose price z-score exceeds this, 0 to keep all")
	nEstimators := flag.Int("n_estimators", 100, "number of trees")
	maxDepth := flag.Int("max_depth", 0, "max tree depth, 0 for unlimited")
	maxFeatures := flag.String("max_features", "all", "features per split: all, sqrt or log2")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	params := ml.DefaultForestParams()
	params.NEstimators = *nEstimators
	params.MaxDepth = *maxDepth
	params.MaxFeatures = *maxFeatures
	params.Seed = *seed

	run := trainRun{
		csvPath:    *csvPath,
		encoding:   ml.Encoding(*encoding),
		name:       *name,
		experiment: *experiment,
		artifacts:  *artifactsDir,
		testRatio:  *testRatio,
		search:     *search,
		folds:      *folds,
		outlierZ:   *outlierZ,
		params:     params,
	}
	uri, err := run.execute(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}
	fmt.Printf("model registered as %s\n", uri)
}

type trainRun struct {
	csvPath    string
	encoding   ml.Encoding
	name       string
	experiment string
	artifacts  string
	testRatio  float64
	search     int
	folds      int
	outlierZ   float64
	params     ml.ForestParams
}

func (t trainRun) execute(ctx context.Context, cfg *config.Config, logger *zap.Logger) (string, error) {
	started := time.Now().UTC()
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	switch t.encoding {
	case ml.EncodingOrdinal, ml.EncodingOneHot:
	default:
		return "", fmt.Errorf("unsupported encoding %q", t.encoding)
	}

	ds, skipped, err := ml.LoadCarCSV(t.csvPath, cfg.Schema.Numeric)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", t.csvPath, err)
	}
	logger.Info("dataset loaded", zap.Int("rows", ds.Len()), zap.Int("skipped", skipped))

	cleaner := pipeline.NewDataCleaner()
	cleaner.SetOutlierThreshold(t.outlierZ)
	ds, issues := cleaner.Clean(ds)
	for _, issue := range issues {
		logger.Debug("row rejected", zap.Int("row", issue.Row), zap.String("rule", issue.Rule), zap.String("reason", issue.Message))
	}
	stats := cleaner.GetStats()
	logger.Info("dataset cleaned", zap.Int64("passed", stats.Passed), zap.Int64("rejected", stats.Rejected), zap.Any("issues", stats.Issues))
	if ds.Len() == 0 {
		return "", fmt.Errorf("no rows left after cleaning %s", t.csvPath)
	}

	train, test := ml.SplitDataset(ds, t.testRatio, t.params.Seed)

	imputer := &ml.MeanImputer{}
	if err := imputer.Fit(train.Records, cfg.Schema.Numeric); err != nil {
		return "", fmt.Errorf("fit imputer: %w", err)
	}
	logger.Info("imputer fitted", zap.Any("means", imputer.Means()))
	if train.Records, err = imputer.Transform(train.Records); err != nil {
		return "", err
	}
	if test.Records, err = imputer.Transform(test.Records); err != nil {
		return "", err
	}

	// Fitted vocabularies come from the training split only.
	artifact := &ml.EncoderArtifact{Fields: map[string][]string{}}
	for _, field := range cfg.Schema.Categorical {
		if !field.FromEncoder {
			continue
		}
		values := make([]string, 0, train.Len())
		for _, rec := range train.Records {
			values = append(values, rec.Categorical[field.Name])
		}
		artifact.Fields[field.Name] = ml.FitOrdinal(values)
	}

	// Unknown labels in the data encode to the sentinel rather than failing
	// the run, the way a fitted encoder handles unseen categories.
	schemaCfg := cfg.Schema
	schemaCfg.UnknownPolicy = string(ml.UnknownSentinel)
	schema, err := pricing.BuildSchema(schemaCfg, artifact, t.encoding)
	if err != nil {
		return "", fmt.Errorf("build schema: %w", err)
	}

	trainX, trainY, dropped := encodeRows(schema, train)
	testX, testY, droppedTest := encodeRows(schema, test)
	logger.Info("features encoded",
		zap.Int("train", len(trainX)), zap.Int("test", len(testX)),
		zap.Int("dropped", dropped+droppedTest), zap.Strings("columns", schema.ColumnNames()))
	if len(trainX) == 0 || len(testX) == 0 {
		return "", fmt.Errorf("not enough usable rows: %d train, %d test", len(trainX), len(testX))
	}

	params := t.params
	var searchScore float64
	if t.search > 0 {
		rs := &ml.RandomizedSearch{
			Space:      ml.DefaultParameterSpace(),
			Base:       params,
			Iterations: t.search,
			Folds:      t.folds,
			Seed:       params.Seed,
		}
		logger.Info("randomized search started", zap.Int("iterations", t.search), zap.Int("folds", t.folds))
		results, err := rs.Run(ctx, trainX, trainY, schema.ColumnNames())
		if err != nil {
			return "", fmt.Errorf("randomized search: %w", err)
		}
		params = results[0].Params
		searchScore = results[0].Score
		logger.Info("best parameters", zap.Any("params", params), zap.Float64("neg_mse", searchScore))
	}

	var model ml.Model = ml.NewRandomForest(params)
	if err := model.Fit(trainX, trainY, schema.ColumnNames()); err != nil {
		return "", fmt.Errorf("fit: %w", err)
	}

	predicted := make([]float64, len(testX))
	for i, row := range testX {
		if predicted[i], err = model.Predict(row); err != nil {
			return "", err
		}
	}
	mse, err := ml.MeanSquaredError(testY, predicted)
	if err != nil {
		return "", err
	}
	r2, err := ml.R2Score(testY, predicted)
	if err != nil {
		return "", err
	}
	logger.Info("model evaluated", zap.Float64("mse", mse), zap.Float64("r2", r2))

	dir := filepath.Join(t.artifacts, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	modelPath := filepath.Join(dir, "model.json")
	encoderPath := filepath.Join(dir, "encoder.json")
	if err := model.Save(modelPath); err != nil {
		return "", fmt.Errorf("save model: %w", err)
	}
	if err := artifact.Save(encoderPath); err != nil {
		return "", fmt.Errorf("save encoder: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return "", err
	}
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return "", err
	}
	defer store.Close()

	metrics := map[string]float64{"mse": mse, "r2": r2}
	if t.search > 0 {
		metrics["cv_neg_mse"] = searchScore
	}
	if err := store.LogTrainingRun(ctx, db.TrainingRun{
		RunID:      runID,
		Experiment: t.experiment,
		Params: map[string]any{
			"n_estimators":      params.NEstimators,
			"max_depth":         params.MaxDepth,
			"min_samples_split": params.MinSamplesSplit,
			"min_samples_leaf":  params.MinSamplesLeaf,
			"max_features":      params.MaxFeatures,
			"bootstrap":         params.Bootstrap,
			"random_state":      params.Seed,
			"encoding":          string(t.encoding),
		},
		Metrics:    metrics,
		DataPoints: ds.Len(),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("log run: %w", err)
	}

	version, err := store.RegisterModel(ctx, db.RegisteredModel{
		Name:         t.name,
		RunID:        runID,
		ModelType:    ml.ModelTypeRandomForest,
		ArtifactPath: modelPath,
		EncoderPath:  encoderPath,
		Encoding:     string(t.encoding),
	})
	if err != nil {
		return "", fmt.Errorf("register model: %w", err)
	}
	uri := fmt.Sprintf("models:/%s/%d", t.name, version)
	versions, err := store.ListModelVersions(ctx, t.name)
	if err != nil {
		return "", err
	}
	logger.Info("model registered",
		zap.String("model_uri", uri),
		zap.String("artifact", modelPath),
		zap.Int("versions", len(versions)))
	return uri, nil
}

// encodeRows drops rows the schema cannot encode, e.g. a missing category.
func encodeRows(schema *ml.Schema, ds *ml.Dataset) ([][]float64, []float64, int) {
	X := make([][]float64, 0, ds.Len())
	y := make([]float64, 0, ds.Len())
	dropped := 0
	for i, rec := range ds.Records {
		row, err := ml.BuildMatrix(schema, []ml.Record{rec})
		if err != nil {
			dropped++
			continue
		}
		X = append(X, row[0])
		y = append(y, ds.Targets[i])
	}
	return X, y, dropped
}
