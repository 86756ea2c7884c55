package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"sync"

	"github.com/goccy/go-json"
)

const ModelTypeRandomForest = "random_forest_regressor"

// ForestParams mirrors the RandomForestRegressor knobs used by the training
// pipeline. MaxDepth 0 means unlimited.
type ForestParams struct {
	NEstimators     int    `json:"n_estimators"`
	MaxDepth        int    `json:"max_depth"`
	MinSamplesSplit int    `json:"min_samples_split"`
	MinSamplesLeaf  int    `json:"min_samples_leaf"`
	MaxFeatures     string `json:"max_features"`
	Bootstrap       bool   `json:"bootstrap"`
	Seed            int64  `json:"random_state"`
}

func DefaultForestParams() ForestParams {
	return ForestParams{
		NEstimators:     100,
		MaxDepth:        0,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		MaxFeatures:     "all",
		Bootstrap:       true,
		Seed:            42,
	}
}

// resolveMaxFeatures turns the max_features setting into a feature count.
func resolveMaxFeatures(setting string, n int) (int, error) {
	switch setting {
	case "", "all", "auto":
		return n, nil
	case "sqrt":
		return max(1, int(math.Sqrt(float64(n)))), nil
	case "log2":
		return max(1, int(math.Log2(float64(n)))), nil
	default:
		return 0, fmt.Errorf("unsupported max_features %q", setting)
	}
}

// RandomForest averages bootstrap-trained regression trees.
type RandomForest struct {
	params   ForestParams
	features []string
	trees    []*DecisionTree
}

func NewRandomForest(params ForestParams) *RandomForest {
	return &RandomForest{params: params}
}

type forestArtifact struct {
	ModelType    string       `json:"model_type"`
	FeatureNames []string     `json:"feature_names"`
	Params       ForestParams `json:"params"`
	Trees        [][]TreeNode `json:"trees"`
}

func (rf *RandomForest) Params() ForestParams {
	return rf.params
}

func (rf *RandomForest) FeatureNames() []string {
	return append([]string(nil), rf.features...)
}

func (rf *RandomForest) Fit(features [][]float64, targets []float64, featureNames []string) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	width := len(features[0])
	if len(featureNames) != width {
		return fmt.Errorf("got %d feature names for %d columns", len(featureNames), width)
	}
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("row %d has %d columns, expected %d", i, len(row), width)
		}
	}
	if rf.params.NEstimators <= 0 {
		return errors.New("n_estimators must be positive")
	}
	maxFeatures, err := resolveMaxFeatures(rf.params.MaxFeatures, width)
	if err != nil {
		return err
	}
	treeParams := TreeParams{
		MaxDepth:        rf.params.MaxDepth,
		MinSamplesSplit: rf.params.MinSamplesSplit,
		MinSamplesLeaf:  rf.params.MinSamplesLeaf,
		MaxFeatures:     maxFeatures,
	}

	trees := make([]*DecisionTree, rf.params.NEstimators)
	errs := make([]error, rf.params.NEstimators)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(runtime.NumCPU(), rf.params.NEstimators); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				// Per-tree seed keeps results independent of scheduling.
				rng := rand.New(rand.NewSource(rf.params.Seed + int64(i)*7919))
				x, y := features, targets
				if rf.params.Bootstrap {
					x, y = bootstrapSample(features, targets, rng)
				}
				tree := &DecisionTree{}
				errs[i] = tree.Train(x, y, treeParams, rng)
				trees[i] = tree
			}
		}()
	}
	for i := range trees {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("train tree %d: %w", i, err)
		}
	}
	rf.trees = trees
	rf.features = append([]string(nil), featureNames...)
	return nil
}

func bootstrapSample(features [][]float64, targets []float64, rng *rand.Rand) ([][]float64, []float64) {
	n := len(features)
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		j := rng.Intn(n)
		x[i] = features[j]
		y[i] = targets[j]
	}
	return x, y
}

func (rf *RandomForest) Predict(features []float64) (float64, error) {
	if len(rf.trees) == 0 {
		return 0, errors.New("model not trained")
	}
	if len(features) != len(rf.features) {
		return 0, fmt.Errorf("expected %d features, got %d", len(rf.features), len(features))
	}
	var sum float64
	for _, tree := range rf.trees {
		v, err := tree.Predict(features)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(len(rf.trees)), nil
}

func (rf *RandomForest) PredictBatch(features [][]float64) ([]float64, error) {
	out := make([]float64, len(features))
	for i, row := range features {
		v, err := rf.Predict(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (rf *RandomForest) Save(path string) error {
	if len(rf.trees) == 0 {
		return errors.New("model not trained")
	}
	artifact := forestArtifact{
		ModelType:    ModelTypeRandomForest,
		FeatureNames: rf.features,
		Params:       rf.params,
		Trees:        make([][]TreeNode, len(rf.trees)),
	}
	for i, tree := range rf.trees {
		artifact.Trees[i] = tree.Nodes()
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func LoadRandomForest(path string) (*RandomForest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var artifact forestArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	if artifact.ModelType != ModelTypeRandomForest {
		return nil, fmt.Errorf("artifact holds %q, not %q", artifact.ModelType, ModelTypeRandomForest)
	}
	if len(artifact.FeatureNames) == 0 {
		return nil, errors.New("artifact has no feature names")
	}
	if len(artifact.Trees) == 0 {
		return nil, errors.New("artifact has no trees")
	}
	rf := &RandomForest{
		params:   artifact.Params,
		features: artifact.FeatureNames,
		trees:    make([]*DecisionTree, len(artifact.Trees)),
	}
	for i, nodes := range artifact.Trees {
		tree, err := newTreeFromNodes(nodes, len(artifact.FeatureNames))
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		rf.trees[i] = tree
	}
	return rf, nil
}
