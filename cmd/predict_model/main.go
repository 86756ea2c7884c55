package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"carprice/config"
	"carprice/db"
	"carprice/logging"
	"carprice/ml"
	"carprice/pricing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	modelURI := flag.String("model_uri", "", "model uri or artifact path, overrides the config")
	year := flag.Int("year", 2015, "manufacture year")
	km := flag.Int("km_driven", 45000, "kilometres driven")
	fuel := flag.String("fuel", "Diesel", "fuel type")
	transmission := flag.String("transmission", "Manual", "transmission")
	brand := flag.String("brand", "Hyundai", "brand")
	owner := flag.String("owner", "First Owner", "ownership history")
	sellerType := flag.String("seller_type", "Individual", "seller type")
	explain := flag.Bool("explain", false, "print per-feature attributions as well")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *modelURI != "" {
		cfg.Model.URI = *modelURI
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	car := pricing.CarFeatures{
		Year:         *year,
		KmDriven:     *km,
		Fuel:         *fuel,
		Transmission: *transmission,
		Brand:        *brand,
		Owner:        *owner,
		SellerType:   *sellerType,
	}
	if err := run(context.Background(), cfg, car, *explain, os.Stdout, logger); err != nil {
		var invalid *ml.ValidationError
		if errors.As(err, &invalid) {
			fmt.Fprintln(os.Stderr, invalid.Error())
			os.Exit(2)
		}
		logger.Fatal("prediction failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, car pricing.CarFeatures, explain bool, out io.Writer, logger *zap.Logger) error {
	var resolver pricing.ModelResolver
	if db.IsModelURI(cfg.Model.URI) {
		store, err := db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		resolver = store
	}

	svc, err := pricing.NewFromConfig(ctx, cfg, resolver, nil, logger)
	if err != nil {
		return err
	}

	result := map[string]any{"model_uri": svc.ModelURI()}
	if explain {
		exp, err := svc.Explain(ctx, car)
		if err != nil {
			return err
		}
		result["predicted_selling_price"] = pricing.RoundPrice(exp.Prediction)
		result["base_value"] = exp.BaseValue
		result["feature_impact"] = exp.FeatureImpact
		result["contributions"] = exp.Contributions
	} else {
		price, err := svc.Predict(ctx, car)
		if err != nil {
			return err
		}
		result["predicted_selling_price"] = price
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
