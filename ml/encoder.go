package ml

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// SentinelCode is the code an unknown label encodes to under UnknownSentinel.
const SentinelCode = -1

type Encoding string

const (
	EncodingOrdinal Encoding = "ordinal"
	EncodingOneHot  Encoding = "onehot"
)

// UnknownPolicy decides what happens to a label missing from its mapping.
type UnknownPolicy string

const (
	UnknownReject   UnknownPolicy = "reject"
	UnknownSentinel UnknownPolicy = "sentinel"
)

// ValidationError reports a record the encoder refuses to encode.
type ValidationError struct {
	Field    string
	Value    string
	Accepted []string
	Reason   string
}

func (e *ValidationError) Error() string {
	if len(e.Accepted) > 0 {
		return fmt.Sprintf("invalid %s: %q. Accepted values: [%s]", e.Field, e.Value, strings.Join(e.Accepted, ", "))
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Mapping is an immutable label to code table. A label's code is its index.
type Mapping struct {
	labels []string
	codes  map[string]int
}

func NewMapping(labels []string) (*Mapping, error) {
	if len(labels) == 0 {
		return nil, errors.New("mapping has no labels")
	}
	m := &Mapping{
		labels: append([]string(nil), labels...),
		codes:  make(map[string]int, len(labels)),
	}
	for i, label := range labels {
		if label == "" {
			return nil, fmt.Errorf("empty label at position %d", i)
		}
		if _, dup := m.codes[label]; dup {
			return nil, fmt.Errorf("duplicate label %q", label)
		}
		m.codes[label] = i
	}
	return m, nil
}

func (m *Mapping) Code(label string) (int, bool) {
	code, ok := m.codes[label]
	return code, ok
}

// Labels returns the labels in code order.
func (m *Mapping) Labels() []string {
	return append([]string(nil), m.labels...)
}

func (m *Mapping) Len() int {
	return len(m.labels)
}

func (m *Mapping) AsMap() map[string]int {
	out := make(map[string]int, len(m.codes))
	for k, v := range m.codes {
		out[k] = v
	}
	return out
}

type CategoricalField struct {
	Name     string
	Mapping  *Mapping
	Encoding Encoding
}

// Record is one raw observation keyed by column name.
type Record struct {
	Numeric     map[string]float64
	Categorical map[string]string
}

// Schema fixes the raw column order a model was trained on and how each
// column is encoded.
type Schema struct {
	columns     []string
	numeric     map[string]bool
	categorical map[string]CategoricalField
	unknown     UnknownPolicy
	expanded    []string
}

func NewSchema(columns []string, numeric []string, categorical []CategoricalField, unknown UnknownPolicy) (*Schema, error) {
	switch unknown {
	case UnknownReject, UnknownSentinel:
	default:
		return nil, fmt.Errorf("unknown value policy %q is not one of reject, sentinel", unknown)
	}
	s := &Schema{
		columns:     append([]string(nil), columns...),
		numeric:     make(map[string]bool, len(numeric)),
		categorical: make(map[string]CategoricalField, len(categorical)),
		unknown:     unknown,
	}
	for _, name := range numeric {
		s.numeric[name] = true
	}
	for _, field := range categorical {
		if s.numeric[field.Name] {
			return nil, fmt.Errorf("column %q is both numeric and categorical", field.Name)
		}
		if field.Mapping == nil {
			return nil, fmt.Errorf("column %q has no mapping", field.Name)
		}
		switch field.Encoding {
		case EncodingOrdinal, EncodingOneHot:
		case "":
			field.Encoding = EncodingOrdinal
		default:
			return nil, fmt.Errorf("column %q: unsupported encoding %q", field.Name, field.Encoding)
		}
		s.categorical[field.Name] = field
	}

	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if seen[col] {
			return nil, fmt.Errorf("column %q listed twice", col)
		}
		seen[col] = true
		_, isCat := s.categorical[col]
		if !s.numeric[col] && !isCat {
			return nil, fmt.Errorf("column %q is neither numeric nor categorical", col)
		}
	}
	if len(seen) != len(s.numeric)+len(s.categorical) {
		return nil, errors.New("every numeric and categorical field must appear in the column order")
	}

	for _, col := range s.columns {
		field, ok := s.categorical[col]
		if !ok || field.Encoding == EncodingOrdinal {
			s.expanded = append(s.expanded, col)
			continue
		}
		for _, label := range field.Mapping.labels {
			s.expanded = append(s.expanded, col+"="+label)
		}
	}
	return s, nil
}

// Columns returns the raw column order.
func (s *Schema) Columns() []string {
	return append([]string(nil), s.columns...)
}

// ColumnNames returns the model input columns after one-hot expansion.
func (s *Schema) ColumnNames() []string {
	return append([]string(nil), s.expanded...)
}

func (s *Schema) UnknownPolicy() UnknownPolicy {
	return s.unknown
}

func (s *Schema) Field(name string) (CategoricalField, bool) {
	field, ok := s.categorical[name]
	return field, ok
}

// CategoricalFields returns the categorical fields in column order.
func (s *Schema) CategoricalFields() []CategoricalField {
	out := make([]CategoricalField, 0, len(s.categorical))
	for _, col := range s.columns {
		if field, ok := s.categorical[col]; ok {
			out = append(out, field)
		}
	}
	return out
}

// CheckColumns fails unless names matches the schema's model columns exactly.
func (s *Schema) CheckColumns(names []string) error {
	if len(names) != len(s.expanded) {
		return fmt.Errorf("model expects %d columns %v, schema produces %d %v", len(names), names, len(s.expanded), s.expanded)
	}
	for i := range names {
		if names[i] != s.expanded[i] {
			return fmt.Errorf("column %d: model expects %q, schema produces %q", i, names[i], s.expanded[i])
		}
	}
	return nil
}

// Encode maps a raw record to a vector in raw column order, categorical
// labels replaced by their codes.
func (s *Schema) Encode(r Record) ([]float64, error) {
	out := make([]float64, len(s.columns))
	for i, col := range s.columns {
		if s.numeric[col] {
			v, ok := r.Numeric[col]
			if !ok {
				return nil, &ValidationError{Field: col, Reason: "field is required"}
			}
			out[i] = v
			continue
		}
		field := s.categorical[col]
		label, ok := r.Categorical[col]
		if !ok || label == "" {
			return nil, &ValidationError{Field: col, Reason: "field is required"}
		}
		code, ok := field.Mapping.Code(label)
		if !ok {
			if s.unknown == UnknownReject {
				return nil, &ValidationError{Field: col, Value: label, Accepted: field.Mapping.Labels()}
			}
			code = SentinelCode
		}
		out[i] = float64(code)
	}
	return out, nil
}

// Expand turns a raw encoded vector into the model input vector. Sentinel
// codes expand to all-zero one-hot blocks.
func (s *Schema) Expand(raw []float64) ([]float64, error) {
	if len(raw) != len(s.columns) {
		return nil, fmt.Errorf("expected %d raw values, got %d", len(s.columns), len(raw))
	}
	if len(s.expanded) == len(s.columns) {
		return append([]float64(nil), raw...), nil
	}
	out := make([]float64, 0, len(s.expanded))
	for i, col := range s.columns {
		field, ok := s.categorical[col]
		if !ok || field.Encoding == EncodingOrdinal {
			out = append(out, raw[i])
			continue
		}
		block := make([]float64, field.Mapping.Len())
		if code := int(raw[i]); code >= 0 && code < len(block) {
			block[code] = 1
		}
		out = append(out, block...)
	}
	return out, nil
}

// FitOrdinal learns an ordinal vocabulary the way sklearn's OrdinalEncoder
// does: distinct values sorted ascending.
func FitOrdinal(values []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// EncoderArtifact persists fitted vocabularies next to a model.
type EncoderArtifact struct {
	Fields map[string][]string `json:"fields"`
}

func (a *EncoderArtifact) Save(path string) error {
	payload, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func LoadEncoderArtifact(path string) (*EncoderArtifact, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var artifact EncoderArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, fmt.Errorf("decode encoder artifact: %w", err)
	}
	if len(artifact.Fields) == 0 {
		return nil, errors.New("encoder artifact has no fields")
	}
	return &artifact, nil
}
