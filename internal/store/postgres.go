package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the runs table
// exists.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id              TEXT PRIMARY KEY,
			feature         TEXT NOT NULL,
			operation       TEXT NOT NULL,
			model_id        TEXT NOT NULL,
			idempotency_key TEXT,
			request_digest  TEXT NOT NULL,
			status          TEXT NOT NULL,
			response        JSONB,
			error           JSONB,
			created_at      TIMESTAMPTZ NOT NULL,
			completed_at    TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_key
			ON runs (idempotency_key) WHERE idempotency_key <> '';
	`)
	if err != nil {
		return fmt.Errorf("migrate runs table: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	respJSON, errJSON, err := encodeRun(run)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, feature, operation, model_id, idempotency_key,
			request_digest, status, response, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.Feature, run.Operation, run.ModelID, run.IdempotencyKey,
		run.RequestDigest, run.Status, respJSON, errJSON, run.CreatedAt, run.CompletedAt)
	if err != nil {
		// 23505: the unique index on idempotency_key holds the claim.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &ErrConflict{Key: run.IdempotencyKey}
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return s.queryRun(ctx, `SELECT id, feature, operation, model_id, idempotency_key,
		request_digest, status, response, error, created_at, completed_at
		FROM runs WHERE id = $1`, id)
}

func (s *PostgresStore) GetRunByIdempotencyKey(ctx context.Context, key string) (*models.Run, error) {
	return s.queryRun(ctx, `SELECT id, feature, operation, model_id, idempotency_key,
		request_digest, status, response, error, created_at, completed_at
		FROM runs WHERE idempotency_key = $1`, key)
}

func (s *PostgresStore) queryRun(ctx context.Context, query, arg string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, query, arg)

	var run models.Run
	var respJSON, errJSON []byte
	err := row.Scan(&run.ID, &run.Feature, &run.Operation, &run.ModelID,
		&run.IdempotencyKey, &run.RequestDigest, &run.Status,
		&respJSON, &errJSON, &run.CreatedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "run", Key: arg}
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := decodeRun(&run, respJSON, errJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.Run) error {
	respJSON, errJSON, err := encodeRun(run)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, response = $3, error = $4, completed_at = $5
		WHERE id = $1`,
		run.ID, run.Status, respJSON, errJSON, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, feature, operation, model_id, idempotency_key,
		request_digest, status, response, error, created_at, completed_at
		FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		var run models.Run
		var respJSON, errJSON []byte
		if err := rows.Scan(&run.ID, &run.Feature, &run.Operation, &run.ModelID,
			&run.IdempotencyKey, &run.RequestDigest, &run.Status,
			&respJSON, &errJSON, &run.CreatedAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := decodeRun(&run, respJSON, errJSON); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func encodeRun(run *models.Run) (respJSON, errJSON []byte, err error) {
	if run.Response != nil {
		if respJSON, err = json.Marshal(run.Response); err != nil {
			return nil, nil, fmt.Errorf("marshal run response: %w", err)
		}
	}
	if run.Error != nil {
		if errJSON, err = json.Marshal(run.Error); err != nil {
			return nil, nil, fmt.Errorf("marshal run error: %w", err)
		}
	}
	return respJSON, errJSON, nil
}

func decodeRun(run *models.Run, respJSON, errJSON []byte) error {
	if len(respJSON) > 0 {
		run.Response = &models.Response{}
		if err := json.Unmarshal(respJSON, run.Response); err != nil {
			return fmt.Errorf("unmarshal run response: %w", err)
		}
	}
	if len(errJSON) > 0 {
		run.Error = &fault.Envelope{}
		if err := json.Unmarshal(errJSON, run.Error); err != nil {
			return fmt.Errorf("unmarshal run error: %w", err)
		}
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
