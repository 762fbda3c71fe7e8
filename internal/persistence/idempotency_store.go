package persistence

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/repository"
)

// IdempotencyStore is the idempotency repository chosen by IDEMPOTENCY_DRIVER
// together with the connection backing it.
type IdempotencyStore struct {
	Repository repository.IdempotencyRepository
	Postgres   *Postgres
	Bolt       *Bolt
}

// OpenIdempotencyStore opens the configured store. postgres runs migrations
// when enabled, bolt opens the embedded file and memory needs nothing.
func OpenIdempotencyStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*IdempotencyStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Idempotency.Driver))
	switch driver {
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.Postgres, cfg.App.Name, logger)
		if err != nil {
			return nil, fmt.Errorf("idempotency driver postgres: %w", err)
		}
		if cfg.Postgres.RunMigrations {
			if err := RunMigrations(ctx, pg.Pool, DefaultMigrationsDir, logger); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return &IdempotencyStore{Repository: repository.NewPostgresIdempotencyRepository(pg.Pool), Postgres: pg}, nil
	case "bolt":
		b, err := NewBolt(cfg.Idempotency.BoltPath, logger)
		if err != nil {
			return nil, err
		}
		repo, err := repository.NewBoltIdempotencyRepository(b.DB)
		if err != nil {
			b.Close()
			return nil, err
		}
		return &IdempotencyStore{Repository: repo, Bolt: b}, nil
	case "", "memory":
		logger.Warn("idempotency records kept in memory; they are lost on restart")
		return &IdempotencyStore{Repository: repository.NewMemoryIdempotencyRepository()}, nil
	default:
		return nil, fmt.Errorf("unknown idempotency driver %q", cfg.Idempotency.Driver)
	}
}

// Close releases the backing connection.
func (s *IdempotencyStore) Close() {
	if s == nil {
		return
	}
	s.Postgres.Close()
	s.Bolt.Close()
}
