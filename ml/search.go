package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

// ParameterSpace lists the candidate values per forest hyperparameter.
type ParameterSpace struct {
	NEstimators     []int
	MaxDepth        []int
	MinSamplesSplit []int
	MinSamplesLeaf  []int
	MaxFeatures     []string
}

func DefaultParameterSpace() ParameterSpace {
	return ParameterSpace{
		NEstimators:     []int{100, 200, 300, 400, 500},
		MaxDepth:        []int{0, 10, 20, 30, 40},
		MinSamplesSplit: []int{2, 5, 10},
		MinSamplesLeaf:  []int{1, 2, 4},
		MaxFeatures:     []string{"all", "sqrt", "log2"},
	}
}

func (s ParameterSpace) size() int {
	return len(s.NEstimators) * len(s.MaxDepth) * len(s.MinSamplesSplit) * len(s.MinSamplesLeaf) * len(s.MaxFeatures)
}

// at decodes a flat grid index into one parameter set.
func (s ParameterSpace) at(idx int, base ForestParams) ForestParams {
	p := base
	p.NEstimators = s.NEstimators[idx%len(s.NEstimators)]
	idx /= len(s.NEstimators)
	p.MaxDepth = s.MaxDepth[idx%len(s.MaxDepth)]
	idx /= len(s.MaxDepth)
	p.MinSamplesSplit = s.MinSamplesSplit[idx%len(s.MinSamplesSplit)]
	idx /= len(s.MinSamplesSplit)
	p.MinSamplesLeaf = s.MinSamplesLeaf[idx%len(s.MinSamplesLeaf)]
	idx /= len(s.MinSamplesLeaf)
	p.MaxFeatures = s.MaxFeatures[idx%len(s.MaxFeatures)]
	return p
}

type SearchResult struct {
	Params     ForestParams `json:"params"`
	Score      float64      `json:"score"`
	FoldScores []float64    `json:"fold_scores"`
	Rank       int          `json:"rank"`
}

// RandomizedSearch samples Iterations distinct grid points and scores each by
// k-fold negative mean squared error.
type RandomizedSearch struct {
	Space      ParameterSpace
	Base       ForestParams
	Iterations int
	Folds      int
	Seed       int64
}

func (s *RandomizedSearch) Run(ctx context.Context, features [][]float64, targets []float64, featureNames []string) ([]SearchResult, error) {
	total := s.Space.size()
	if total == 0 {
		return nil, errors.New("parameter space is empty")
	}
	if s.Folds < 2 {
		s.Folds = 3
	}
	if len(features) < s.Folds {
		return nil, fmt.Errorf("need at least %d rows for %d folds", s.Folds, s.Folds)
	}
	iterations := s.Iterations
	if iterations <= 0 || iterations > total {
		iterations = total
	}

	rng := rand.New(rand.NewSource(s.Seed))
	candidates := rng.Perm(total)[:iterations]
	folds := KFold(len(features), s.Folds, s.Seed)

	results := make([]SearchResult, 0, iterations)
	for _, idx := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		params := s.Space.at(idx, s.Base)
		scores, err := crossValidate(params, features, targets, featureNames, folds)
		if err != nil {
			return nil, fmt.Errorf("evaluate %+v: %w", params, err)
		}
		var mean float64
		for _, sc := range scores {
			mean += sc
		}
		mean /= float64(len(scores))
		results = append(results, SearchResult{Params: params, Score: mean, FoldScores: scores})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// KFold shuffles row indices with seed and deals them into k folds.
func KFold(n, k int, seed int64) [][]int {
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)
	folds := make([][]int, k)
	for i, idx := range perm {
		folds[i%k] = append(folds[i%k], idx)
	}
	return folds
}

func crossValidate(params ForestParams, features [][]float64, targets []float64, featureNames []string, folds [][]int) ([]float64, error) {
	scores := make([]float64, 0, len(folds))
	for f, holdout := range folds {
		inHoldout := make(map[int]bool, len(holdout))
		for _, i := range holdout {
			inHoldout[i] = true
		}
		var trainX, testX [][]float64
		var trainY, testY []float64
		for i := range features {
			if inHoldout[i] {
				testX = append(testX, features[i])
				testY = append(testY, targets[i])
			} else {
				trainX = append(trainX, features[i])
				trainY = append(trainY, targets[i])
			}
		}

		model := NewRandomForest(params)
		if err := model.Fit(trainX, trainY, featureNames); err != nil {
			return nil, fmt.Errorf("fold %d: %w", f, err)
		}
		predicted, err := model.PredictBatch(testX)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", f, err)
		}
		mse, err := MeanSquaredError(testY, predicted)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", f, err)
		}
		scores = append(scores, -mse)
	}
	return scores, nil
}
