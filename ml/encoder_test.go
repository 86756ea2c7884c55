package ml

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func carSchema(t *testing.T, unknown UnknownPolicy, brandEncoding Encoding) *Schema {
	t.Helper()
	mustMapping := func(labels ...string) *Mapping {
		m, err := NewMapping(labels)
		if err != nil {
			t.Fatalf("mapping: %v", err)
		}
		return m
	}
	schema, err := NewSchema(
		[]string{"year", "km_driven", "fuel", "transmission", "brand"},
		[]string{"year", "km_driven"},
		[]CategoricalField{
			{Name: "fuel", Mapping: mustMapping("Diesel", "Petrol", "LPG", "CNG", "Electric")},
			{Name: "transmission", Mapping: mustMapping("Automatic", "Manual")},
			{Name: "brand", Mapping: mustMapping("Hyundai", "Maruti", "Ford", "Toyota"), Encoding: brandEncoding},
		},
		unknown,
	)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return schema
}

func sampleRecord() Record {
	return Record{
		Numeric:     map[string]float64{"year": 2015, "km_driven": 45000},
		Categorical: map[string]string{"fuel": "Petrol", "transmission": "Manual", "brand": "Ford"},
	}
}

func TestSchemaEncodeDeterministic(t *testing.T) {
	schema := carSchema(t, UnknownReject, EncodingOrdinal)
	first, err := schema.Encode(sampleRecord())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{2015, 45000, 1, 1, 2}
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("expected %v, got %v", want, first)
	}
	for i := 0; i < 10; i++ {
		again, _ := schema.Encode(sampleRecord())
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("encoding changed between calls: %v vs %v", first, again)
		}
	}
}

func TestSchemaRejectsUnknownLabel(t *testing.T) {
	schema := carSchema(t, UnknownReject, EncodingOrdinal)
	rec := sampleRecord()
	rec.Categorical["fuel"] = "Hydrogen"

	_, err := schema.Encode(rec)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "fuel" {
		t.Fatalf("expected field fuel, got %s", verr.Field)
	}
	want := []string{"Diesel", "Petrol", "LPG", "CNG", "Electric"}
	if !reflect.DeepEqual(verr.Accepted, want) {
		t.Fatalf("expected accepted %v, got %v", want, verr.Accepted)
	}
}

func TestSchemaMissingField(t *testing.T) {
	schema := carSchema(t, UnknownSentinel, EncodingOrdinal)
	rec := sampleRecord()
	delete(rec.Categorical, "transmission")
	_, err := schema.Encode(rec)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "transmission" {
		t.Fatalf("expected missing transmission error, got %v", err)
	}
}

func TestSchemaSentinelPolicy(t *testing.T) {
	schema := carSchema(t, UnknownSentinel, EncodingOrdinal)
	rec := sampleRecord()
	rec.Categorical["brand"] = "Lada"
	raw, err := schema.Encode(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw[4] != SentinelCode {
		t.Fatalf("expected sentinel code, got %f", raw[4])
	}
}

func TestSchemaOneHotExpand(t *testing.T) {
	schema := carSchema(t, UnknownSentinel, EncodingOneHot)
	wantCols := []string{"year", "km_driven", "fuel", "transmission", "brand=Hyundai", "brand=Maruti", "brand=Ford", "brand=Toyota"}
	if !reflect.DeepEqual(schema.ColumnNames(), wantCols) {
		t.Fatalf("unexpected columns %v", schema.ColumnNames())
	}

	raw, _ := schema.Encode(sampleRecord())
	row, err := schema.Expand(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(row, []float64{2015, 45000, 1, 1, 0, 0, 1, 0}) {
		t.Fatalf("unexpected row %v", row)
	}

	rec := sampleRecord()
	rec.Categorical["brand"] = "Lada"
	raw, _ = schema.Encode(rec)
	row, _ = schema.Expand(raw)
	if !reflect.DeepEqual(row[4:], []float64{0, 0, 0, 0}) {
		t.Fatalf("expected empty one-hot block, got %v", row[4:])
	}
}

func TestSchemaCheckColumns(t *testing.T) {
	schema := carSchema(t, UnknownReject, EncodingOrdinal)
	if err := schema.CheckColumns([]string{"year", "km_driven", "fuel", "transmission", "brand"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := schema.CheckColumns([]string{"km_driven", "year", "fuel", "transmission", "brand"}); err == nil {
		t.Fatal("expected error for reordered columns")
	}
	if err := schema.CheckColumns([]string{"year", "km_driven"}); err == nil {
		t.Fatal("expected error for missing columns")
	}
}

func TestNewSchemaValidation(t *testing.T) {
	m, _ := NewMapping([]string{"A"})
	cases := map[string]func() error{
		"bad policy": func() error {
			_, err := NewSchema([]string{"x"}, []string{"x"}, nil, "maybe")
			return err
		},
		"unlisted column": func() error {
			_, err := NewSchema([]string{"x"}, []string{"x"}, []CategoricalField{{Name: "c", Mapping: m}}, UnknownReject)
			return err
		},
		"unknown column": func() error {
			_, err := NewSchema([]string{"x", "y"}, []string{"x"}, nil, UnknownReject)
			return err
		},
		"duplicate label": func() error {
			_, err := NewMapping([]string{"A", "A"})
			return err
		},
	}
	for name, fn := range cases {
		if fn() == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestFitOrdinalAndArtifact(t *testing.T) {
	labels := FitOrdinal([]string{"Toyota", "Audi", "Maruti", "Audi", ""})
	if !reflect.DeepEqual(labels, []string{"Audi", "Maruti", "Toyota"}) {
		t.Fatalf("unexpected vocabulary %v", labels)
	}

	path := filepath.Join(t.TempDir(), "encoder.json")
	artifact := &EncoderArtifact{Fields: map[string][]string{"brand": labels}}
	if err := artifact.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadEncoderArtifact(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded.Fields["brand"], labels) {
		t.Fatalf("unexpected loaded vocabulary %v", loaded.Fields["brand"])
	}
}
