package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

const (
	ColumnName         = "name"
	ColumnSellingPrice = "selling_price"
	ColumnBrand        = "brand"
)

// Dataset is a set of raw records and their selling prices.
type Dataset struct {
	Records []Record
	Targets []float64
}

func (d *Dataset) Len() int {
	return len(d.Records)
}

// BrandFromName takes the first word of a listing title, e.g. "Maruti Swift Dzire VDI" -> "Maruti".
func BrandFromName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// LoadCarCSV reads the used-car listing CSV. Numeric columns are year and
// km_driven; every other column except name and selling_price is categorical.
// A brand column is derived from name. Rows without a parsable selling price
// are skipped and counted.
func LoadCarCSV(path string, numeric []string) (*Dataset, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()
	return ReadCarCSV(file, numeric)
}

func ReadCarCSV(r io.Reader, numeric []string) (*Dataset, int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(col)] = i
	}
	if _, ok := index[ColumnSellingPrice]; !ok {
		return nil, 0, errors.New("csv has no selling_price column")
	}
	isNumeric := make(map[string]bool, len(numeric))
	for _, col := range numeric {
		isNumeric[col] = true
	}

	ds := &Dataset{}
	skipped := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read row %d: %w", ds.Len()+skipped+2, err)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(row[index[ColumnSellingPrice]]), 64)
		if err != nil || math.IsNaN(price) {
			skipped++
			continue
		}

		rec := Record{
			Numeric:     make(map[string]float64),
			Categorical: make(map[string]string),
		}
		for col, i := range index {
			if col == ColumnSellingPrice || i >= len(row) {
				continue
			}
			value := strings.TrimSpace(row[i])
			switch {
			case col == ColumnName:
				rec.Categorical[ColumnBrand] = BrandFromName(value)
			case isNumeric[col]:
				// Unparsable numerics stay absent and are imputed later.
				if v, err := strconv.ParseFloat(value, 64); err == nil {
					rec.Numeric[col] = v
				}
			default:
				rec.Categorical[col] = value
			}
		}
		ds.Records = append(ds.Records, rec)
		ds.Targets = append(ds.Targets, price)
	}
	if ds.Len() == 0 {
		return nil, skipped, errors.New("csv has no usable rows")
	}
	return ds, skipped, nil
}

// SplitDataset shuffles with a fixed seed and holds out testRatio of the rows.
func SplitDataset(ds *Dataset, testRatio float64, seed int64) (train, test *Dataset) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(ds.Len())

	split := int(math.Round(float64(ds.Len()) * (1 - testRatio)))
	train, test = &Dataset{}, &Dataset{}
	for i, idx := range indices {
		if i < split {
			train.Records = append(train.Records, ds.Records[idx])
			train.Targets = append(train.Targets, ds.Targets[idx])
		} else {
			test.Records = append(test.Records, ds.Records[idx])
			test.Targets = append(test.Targets, ds.Targets[idx])
		}
	}
	return train, test
}

// BuildMatrix encodes and expands every record into model input rows.
func BuildMatrix(schema *Schema, records []Record) ([][]float64, error) {
	rows := make([][]float64, len(records))
	for i, rec := range records {
		raw, err := schema.Encode(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		row, err := schema.Expand(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rows[i] = row
	}
	return rows, nil
}
