package db

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

type PredictionRecord struct {
	EventID   string          `json:"event_id"`
	RequestID string          `json:"request_id"`
	ModelURI  string          `json:"model_uri"`
	Features  json.RawMessage `json:"features"`
	Price     float64         `json:"predicted_selling_price"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) SavePrediction(ctx context.Context, p PredictionRecord) error {
	if p.EventID == "" {
		return errors.New("event id required")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO predictions (event_id, request_id, model_uri, features, price, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		p.EventID, p.RequestID, p.ModelURI, string(p.Features), p.Price, p.CreatedAt)
	return err
}

func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT event_id, request_id, model_uri, features, price, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var p PredictionRecord
		var features string
		if err := rows.Scan(&p.EventID, &p.RequestID, &p.ModelURI, &features, &p.Price, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Features = json.RawMessage(features)
		records = append(records, p)
	}
	return records, rows.Err()
}
