package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"

	"carprice/config"
	"carprice/db"
	"carprice/ml"
	"carprice/pricing"
)

func writeCSV(t *testing.T, dir string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("name,year,selling_price,km_driven,fuel,seller_type,transmission,owner\n")
	names := []string{"Maruti Swift Dzire VDI", "Hyundai Verna 1.6 SX", "Toyota Corolla Altis", "Ford Figo Aspire", "Honda City 1.5"}
	fuels := []string{"Petrol", "Diesel"}
	for i := 0; i < 60; i++ {
		year := 2006 + i%14
		km := 10000 + (i*3571)%150000
		price := (year-2000)*25000 - km/4
		b.WriteString(strings.Join([]string{
			names[i%len(names)],
			strconv.Itoa(year),
			strconv.Itoa(price),
			strconv.Itoa(km),
			fuels[i%2],
			"Individual",
			"Manual",
			"First Owner",
		}, ","))
		b.WriteString("\n")
	}
	b.WriteString("Broken Row,2010,not-a-price,1000,Petrol,Dealer,Manual,First Owner\n")
	path := filepath.Join(dir, "cars.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTrainRunRegistersModel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Model.URI = "models:/CarPrice/latest"
	cfg.Database.Path = filepath.Join(dir, "registry.db")
	cfg.Explain.OutputDir = filepath.Join(dir, "plots")
	cfg.Explain.Samples = 64

	params := ml.DefaultForestParams()
	params.NEstimators = 8
	run := trainRun{
		csvPath:    writeCSV(t, dir),
		encoding:   ml.EncodingOrdinal,
		name:       "CarPrice",
		experiment: "test",
		artifacts:  filepath.Join(dir, "artifacts"),
		testRatio:  0.2,
		search:     1,
		folds:      2,
		outlierZ:   4,
		params:     params,
	}
	uri, err := run.execute(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if uri != "models:/CarPrice/1" {
		t.Fatalf("unexpected uri %s", uri)
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	registered, err := store.ResolveModel(context.Background(), "models:/CarPrice/latest")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	run2, err := store.GetTrainingRun(context.Background(), registered.RunID)
	if err != nil {
		t.Fatalf("training run not logged: %v", err)
	}
	if _, ok := run2.Metrics["r2"]; !ok {
		t.Errorf("r2 missing from metrics %v", run2.Metrics)
	}

	// The registered model must serve through the same schema config.
	svc, err := pricing.NewFromConfig(context.Background(), cfg, store, nil, nil)
	if err != nil {
		t.Fatalf("serve registered model: %v", err)
	}
	brands, _ := svc.Metadata()["brand_mapping"].([]string)
	want := []string{"Ford", "Honda", "Hyundai", "Maruti", "Toyota"}
	if strings.Join(brands, ",") != strings.Join(want, ",") {
		t.Errorf("brand vocabulary = %v, want %v", brands, want)
	}
	car := pricing.CarFeatures{Year: 2015, KmDriven: 45000, Fuel: "Petrol", Transmission: "Manual", Brand: "Hyundai", Owner: "First Owner", SellerType: "Individual"}
	if _, err := svc.Predict(context.Background(), car); err != nil {
		t.Errorf("predict: %v", err)
	}
}

func TestTrainRunRejectsUnknownEncoding(t *testing.T) {
	run := trainRun{encoding: "binary"}
	if _, err := run.execute(context.Background(), config.Default(), zap.NewNop()); err == nil {
		t.Fatal("expected error")
	}
}
