package pricing

import (
	"fmt"

	"carprice/config"
	"carprice/ml"
)

// BuildSchema turns the schema config into an encoder schema. Fields marked
// from_encoder take their vocabulary from artifact when it has one, and use
// fitted as their encoding unless the config names one.
func BuildSchema(cfg config.SchemaConfig, artifact *ml.EncoderArtifact, fitted ml.Encoding) (*ml.Schema, error) {
	fields := make([]ml.CategoricalField, 0, len(cfg.Categorical))
	for _, fc := range cfg.Categorical {
		labels := fc.Labels
		encoding := ml.Encoding(fc.Encoding)
		if fc.FromEncoder {
			if artifact != nil {
				if learned, ok := artifact.Fields[fc.Name]; ok {
					labels = learned
				}
			}
			if encoding == "" {
				encoding = fitted
			}
		}
		mapping, err := ml.NewMapping(labels)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fc.Name, err)
		}
		fields = append(fields, ml.CategoricalField{Name: fc.Name, Mapping: mapping, Encoding: encoding})
	}
	return ml.NewSchema(cfg.Columns, cfg.Numeric, fields, ml.UnknownPolicy(cfg.UnknownPolicy))
}
