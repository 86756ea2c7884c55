package ml

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

func MeanSquaredError(actual, predicted []float64) (float64, error) {
	if err := checkPairs(actual, predicted); err != nil {
		return 0, err
	}
	var sum float64
	for i := range actual {
		d := actual[i] - predicted[i]
		sum += d * d
	}
	return sum / float64(len(actual)), nil
}

// R2Score is the coefficient of determination. A constant target yields 0.
func R2Score(actual, predicted []float64) (float64, error) {
	if err := checkPairs(actual, predicted); err != nil {
		return 0, err
	}
	if len(actual) < 2 || stat.Variance(actual, nil) == 0 {
		return 0, nil
	}
	return stat.RSquaredFrom(predicted, actual, nil), nil
}

func checkPairs(actual, predicted []float64) error {
	if len(actual) == 0 {
		return errors.New("no values")
	}
	if len(actual) != len(predicted) {
		return errors.New("actual/predicted length mismatch")
	}
	return nil
}
