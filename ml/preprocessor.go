package ml

import (
	"errors"
	"fmt"
	"sort"
)

// MeanImputer fills missing numeric fields with the training mean.
type MeanImputer struct {
	means map[string]float64
}

func (p *MeanImputer) Fit(records []Record, columns []string) error {
	if len(records) == 0 {
		return errors.New("records is empty")
	}
	means := make(map[string]float64, len(columns))
	for _, col := range columns {
		var sum float64
		var n int
		for _, rec := range records {
			if v, ok := rec.Numeric[col]; ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			return fmt.Errorf("column %s has no values", col)
		}
		means[col] = sum / float64(n)
	}
	p.means = means
	return nil
}

// Transform returns copies of records with missing numerics filled in.
func (p *MeanImputer) Transform(records []Record) ([]Record, error) {
	if p.means == nil {
		return nil, errors.New("imputer not fitted")
	}
	out := make([]Record, len(records))
	for i, rec := range records {
		numeric := make(map[string]float64, len(p.means))
		for k, v := range rec.Numeric {
			numeric[k] = v
		}
		for col, mean := range p.means {
			if _, ok := numeric[col]; !ok {
				numeric[col] = mean
			}
		}
		out[i] = Record{Numeric: numeric, Categorical: rec.Categorical}
	}
	return out, nil
}

func (p *MeanImputer) Means() map[string]float64 {
	if p.means == nil {
		return nil
	}
	keys := make([]string, 0, len(p.means))
	for key := range p.means {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make(map[string]float64, len(p.means))
	for _, key := range keys {
		out[key] = p.means[key]
	}
	return out
}
