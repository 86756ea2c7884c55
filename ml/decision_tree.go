package ml

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

// DecisionTree is a CART regression tree stored as a flat node slice.
// Node 0 is the root.
type DecisionTree struct {
	nodes []TreeNode
}

type TreeNode struct {
	FeatureIdx int     `json:"feature_idx"`
	Threshold  float64 `json:"threshold"`
	LeftChild  int     `json:"left_child"`
	RightChild int     `json:"right_child"`
	Value      float64 `json:"value"`
	Samples    int     `json:"samples"`
	IsLeaf     bool    `json:"is_leaf"`
}

// TreeParams controls tree growth. MaxDepth <= 0 grows until leaves are pure
// or too small to split; MaxFeatures <= 0 considers every feature.
type TreeParams struct {
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
	MaxFeatures     int
}

func newTreeFromNodes(nodes []TreeNode, featureCount int) (*DecisionTree, error) {
	if len(nodes) == 0 {
		return nil, errors.New("tree has no nodes")
	}
	for i, node := range nodes {
		if node.IsLeaf {
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= featureCount {
			return nil, fmt.Errorf("node %d: feature index %d out of range", i, node.FeatureIdx)
		}
		if node.LeftChild <= i || node.LeftChild >= len(nodes) || node.RightChild <= i || node.RightChild >= len(nodes) {
			return nil, fmt.Errorf("node %d: invalid children %d/%d", i, node.LeftChild, node.RightChild)
		}
	}
	return &DecisionTree{nodes: nodes}, nil
}

func (dt *DecisionTree) Nodes() []TreeNode {
	return dt.nodes
}

func (dt *DecisionTree) Train(features [][]float64, targets []float64, params TreeParams, rng *rand.Rand) error {
	if len(features) == 0 || len(targets) == 0 {
		return errors.New("features or targets empty")
	}
	if len(features) != len(targets) {
		return errors.New("features and targets size mismatch")
	}
	if params.MinSamplesSplit < 2 {
		params.MinSamplesSplit = 2
	}
	if params.MinSamplesLeaf < 1 {
		params.MinSamplesLeaf = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	indices := make([]int, len(features))
	for i := range indices {
		indices[i] = i
	}
	b := &treeBuilder{
		features: features,
		targets:  targets,
		params:   params,
		rng:      rng,
		nFeat:    len(features[0]),
	}
	b.build(indices, 0)
	dt.nodes = b.nodes
	return nil
}

func (dt *DecisionTree) Predict(features []float64) (float64, error) {
	if len(dt.nodes) == 0 {
		return 0, errors.New("model not trained")
	}
	idx := 0
	for {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return 0, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return 0, errors.New("invalid tree state")
		}
	}
}

type treeBuilder struct {
	features [][]float64
	targets  []float64
	params   TreeParams
	rng      *rand.Rand
	nFeat    int
	nodes    []TreeNode
}

type split struct {
	feature   int
	threshold float64
	left      []int
	right     []int
}

// build appends the subtree for indices and returns the index of its root.
func (b *treeBuilder) build(indices []int, depth int) int {
	mean, sse := meanAndSSE(b.targets, indices)
	idx := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      mean,
		Samples:    len(indices),
		IsLeaf:     true,
	})

	if b.params.MaxDepth > 0 && depth >= b.params.MaxDepth {
		return idx
	}
	if len(indices) < b.params.MinSamplesSplit || len(indices) < 2*b.params.MinSamplesLeaf || sse <= 1e-12 {
		return idx
	}

	best, ok := b.findBestSplit(indices, sse)
	if !ok {
		return idx
	}

	left := b.build(best.left, depth+1)
	right := b.build(best.right, depth+1)
	b.nodes[idx].FeatureIdx = best.feature
	b.nodes[idx].Threshold = best.threshold
	b.nodes[idx].LeftChild = left
	b.nodes[idx].RightChild = right
	b.nodes[idx].IsLeaf = false
	return idx
}

func (b *treeBuilder) findBestSplit(indices []int, parentSSE float64) (split, bool) {
	maxFeatures := b.params.MaxFeatures
	if maxFeatures <= 0 || maxFeatures > b.nFeat {
		maxFeatures = b.nFeat
	}

	best := split{feature: -1}
	bestSSE := parentSSE - 1e-12
	sorted := make([]int, len(indices))

	// Keep drawing features past maxFeatures until a valid split turns up.
	for visited, feature := range b.rng.Perm(b.nFeat) {
		if visited >= maxFeatures && best.feature >= 0 {
			break
		}
		copy(sorted, indices)
		sort.SliceStable(sorted, func(i, j int) bool {
			return b.features[sorted[i]][feature] < b.features[sorted[j]][feature]
		})

		var totalSum, totalSq float64
		for _, i := range sorted {
			totalSum += b.targets[i]
			totalSq += b.targets[i] * b.targets[i]
		}

		var leftSum, leftSq float64
		n := len(sorted)
		for pos := 0; pos < n-1; pos++ {
			y := b.targets[sorted[pos]]
			leftSum += y
			leftSq += y * y
			leftN := pos + 1
			rightN := n - leftN
			if leftN < b.params.MinSamplesLeaf || rightN < b.params.MinSamplesLeaf {
				continue
			}
			cur := b.features[sorted[pos]][feature]
			next := b.features[sorted[pos+1]][feature]
			if cur == next {
				continue
			}
			rightSum := totalSum - leftSum
			rightSq := totalSq - leftSq
			sse := (leftSq - leftSum*leftSum/float64(leftN)) + (rightSq - rightSum*rightSum/float64(rightN))
			if sse < bestSSE {
				bestSSE = sse
				best.feature = feature
				best.threshold = (cur + next) / 2
			}
		}
	}

	if best.feature < 0 {
		return split{}, false
	}
	for _, i := range indices {
		if b.features[i][best.feature] <= best.threshold {
			best.left = append(best.left, i)
		} else {
			best.right = append(best.right, i)
		}
	}
	if len(best.left) == 0 || len(best.right) == 0 {
		return split{}, false
	}
	return best, true
}

func meanAndSSE(targets []float64, indices []int) (float64, float64) {
	if len(indices) == 0 {
		return 0, 0
	}
	var sum float64
	for _, i := range indices {
		sum += targets[i]
	}
	mean := sum / float64(len(indices))
	var sse float64
	for _, i := range indices {
		d := targets[i] - mean
		sse += d * d
	}
	return mean, sse
}
