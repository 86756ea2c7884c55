package ml

import (
	"fmt"
)

func LoadModel(modelType, path string) (Regressor, error) {
	switch modelType {
	case ModelTypeRandomForest, "random_forest":
		model, err := LoadRandomForest(path)
		if err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
}
