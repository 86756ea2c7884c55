package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const uriScheme = "models:/"

// RegisteredModel is one version of a named model and where its artifacts live.
type RegisteredModel struct {
	Name         string    `json:"name"`
	Version      int       `json:"version"`
	RunID        string    `json:"run_id"`
	ModelType    string    `json:"model_type"`
	ArtifactPath string    `json:"artifact_path"`
	EncoderPath  string    `json:"encoder_path,omitempty"`
	Encoding     string    `json:"encoding"`
	CreatedAt    time.Time `json:"created_at"`
}

func (m RegisteredModel) URI() string {
	return fmt.Sprintf("%s%s/%d", uriScheme, m.Name, m.Version)
}

// TrainingRun records what a training run was given and how it scored.
type TrainingRun struct {
	RunID      string             `json:"run_id"`
	Experiment string             `json:"experiment"`
	Params     map[string]any     `json:"params"`
	Metrics    map[string]float64 `json:"metrics"`
	DataPoints int                `json:"data_points"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// ParseModelURI splits models:/<name>/<version|latest>. Version 0 means latest.
func ParseModelURI(uri string) (name string, version int, err error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return "", 0, fmt.Errorf("model uri %q must start with %s", uri, uriScheme)
	}
	parts := strings.Split(strings.TrimPrefix(uri, uriScheme), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", 0, fmt.Errorf("model uri %q must look like %s<name>/<version>", uri, uriScheme)
	}
	if parts[1] == "latest" {
		return parts[0], 0, nil
	}
	version, err = strconv.Atoi(parts[1])
	if err != nil || version <= 0 {
		return "", 0, fmt.Errorf("model uri %q has invalid version %q", uri, parts[1])
	}
	return parts[0], version, nil
}

func IsModelURI(uri string) bool {
	return strings.HasPrefix(uri, uriScheme)
}

// RegisterModel stores m under the next version number for its name and
// returns that version.
func (s *Store) RegisterModel(ctx context.Context, m RegisteredModel) (int, error) {
	if m.Name == "" || m.ArtifactPath == "" {
		return 0, errors.New("model name and artifact path are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM registered_models WHERE name = ?`, m.Name).Scan(&current); err != nil {
		return 0, err
	}
	version := int(current.Int64) + 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO registered_models (
            name, version, run_id, model_type, artifact_path, encoder_path, encoding, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, version, m.RunID, m.ModelType, m.ArtifactPath, m.EncoderPath, m.Encoding, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// ResolveModel looks up a models:/ URI.
func (s *Store) ResolveModel(ctx context.Context, uri string) (*RegisteredModel, error) {
	name, version, err := ParseModelURI(uri)
	if err != nil {
		return nil, err
	}

	query := `
        SELECT name, version, run_id, model_type, artifact_path, encoder_path, encoding, created_at
        FROM registered_models
        WHERE name = ?`
	args := []any{name}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var m RegisteredModel
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&m.Name, &m.Version, &m.RunID, &m.ModelType, &m.ArtifactPath, &m.EncoderPath, &m.Encoding, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", uri, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListModelVersions(ctx context.Context, name string) ([]RegisteredModel, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT name, version, run_id, model_type, artifact_path, encoder_path, encoding, created_at
        FROM registered_models
        WHERE name = ?
        ORDER BY version DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := make([]RegisteredModel, 0)
	for rows.Next() {
		var m RegisteredModel
		if err := rows.Scan(&m.Name, &m.Version, &m.RunID, &m.ModelType, &m.ArtifactPath, &m.EncoderPath, &m.Encoding, &m.CreatedAt); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *Store) LogTrainingRun(ctx context.Context, run TrainingRun) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO training_runs (
            run_id, experiment, params, metrics, data_points, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Experiment, string(params), string(metrics), run.DataPoints, run.StartedAt, run.FinishedAt)
	return err
}

func (s *Store) GetTrainingRun(ctx context.Context, runID string) (*TrainingRun, error) {
	var run TrainingRun
	var params, metrics string
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx, `
        SELECT run_id, experiment, params, metrics, data_points, started_at, finished_at
        FROM training_runs
        WHERE run_id = ?`, runID).Scan(
		&run.RunID, &run.Experiment, &params, &metrics, &run.DataPoints, &run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &run.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return &run, nil
}
