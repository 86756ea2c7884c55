package pricing

import (
	"carprice/config"
	"carprice/ml"
)

// CarFeatures is one car to price. The HTTP layer validates its wire form
// before converting to this type.
type CarFeatures struct {
	Year         int    `json:"year"`
	KmDriven     int    `json:"km_driven"`
	Fuel         string `json:"fuel"`
	Transmission string `json:"transmission"`
	Brand        string `json:"brand"`
	Owner        string `json:"owner,omitempty"`
	SellerType   string `json:"seller_type,omitempty"`
}

// Record converts the request to the encoder's record shape. Empty optional
// fields are left out so the schema decides whether they are required.
func (f CarFeatures) Record() ml.Record {
	rec := ml.Record{
		Numeric: map[string]float64{
			"year":      float64(f.Year),
			"km_driven": float64(f.KmDriven),
		},
		Categorical: map[string]string{
			"fuel":         f.Fuel,
			"transmission": f.Transmission,
			"brand":        f.Brand,
		},
	}
	if f.Owner != "" {
		rec.Categorical["owner"] = f.Owner
	}
	if f.SellerType != "" {
		rec.Categorical["seller_type"] = f.SellerType
	}
	return rec
}

func BackgroundFeatures(bg config.Background) CarFeatures {
	return CarFeatures{
		Year:         bg.Year,
		KmDriven:     bg.KmDriven,
		Fuel:         bg.Fuel,
		Transmission: bg.Transmission,
		Brand:        bg.Brand,
		Owner:        bg.Owner,
		SellerType:   bg.SellerType,
	}
}
