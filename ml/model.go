package ml

// Regressor predicts a continuous target from a fixed-order feature vector.
type Regressor interface {
	Predict(features []float64) (float64, error)
	FeatureNames() []string
}

// Model is a Regressor that can be trained and persisted.
type Model interface {
	Regressor
	Fit(features [][]float64, targets []float64, featureNames []string) error
	Save(path string) error
}
