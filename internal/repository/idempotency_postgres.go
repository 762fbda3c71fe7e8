package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/redmine-bridge/internal/domain"
)

type postgresIdempotencyRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresIdempotencyRepository stores records in the integration_idempotency table.
func NewPostgresIdempotencyRepository(pool *pgxpool.Pool) IdempotencyRepository {
	return &postgresIdempotencyRepository{pool: pool}
}

func (r *postgresIdempotencyRepository) Find(ctx context.Context, operation, key string) (*domain.IdempotencyRecord, error) {
	const query = `
        SELECT operation, idempotency_key, request_hash, response_payload, created_at
        FROM integration_idempotency
        WHERE operation=$1 AND idempotency_key=$2`
	var record domain.IdempotencyRecord
	err := r.pool.QueryRow(ctx, query, operation, key).Scan(
		&record.Operation,
		&record.Key,
		&record.RequestHash,
		&record.ResponsePayload,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find idempotency record: %w", err)
	}
	return &record, nil
}

func (r *postgresIdempotencyRepository) Save(ctx context.Context, record domain.IdempotencyRecord) error {
	const query = `
        INSERT INTO integration_idempotency (operation, idempotency_key, request_hash, response_payload, created_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (operation, idempotency_key) DO NOTHING`
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	cmd, err := r.pool.Exec(ctx, query,
		record.Operation,
		record.Key,
		record.RequestHash,
		record.ResponsePayload,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	if cmd.RowsAffected() > 0 {
		return nil
	}

	existing, err := r.Find(ctx, record.Operation, record.Key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("idempotency record %s/%s vanished after conflict", record.Operation, record.Key)
	}
	return compareHash(*existing, record)
}

func (r *postgresIdempotencyRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM integration_idempotency WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return cmd.RowsAffected(), nil
}
