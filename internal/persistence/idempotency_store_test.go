package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
)

func TestOpenIdempotencyStoreBolt(t *testing.T) {
	cfg := &config.Config{Idempotency: config.IdempotencyConfig{
		Driver:   "bolt",
		BoltPath: filepath.Join(t.TempDir(), "nested", "idem.db"),
	}}
	store, err := OpenIdempotencyStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NotNil(t, store.Bolt)
	require.NoError(t, store.Repository.Save(context.Background(), domain.IdempotencyRecord{
		Operation: domain.OperationCreateTicket, Key: "k", RequestHash: "h",
	}))
}

func TestOpenIdempotencyStoreMemoryDefault(t *testing.T) {
	store, err := OpenIdempotencyStore(context.Background(), &config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, store.Postgres)
	assert.Nil(t, store.Bolt)
	assert.NotNil(t, store.Repository)
	store.Close()
}

func TestOpenIdempotencyStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenIdempotencyStore(context.Background(), &config.Config{Idempotency: config.IdempotencyConfig{Driver: "mongo"}}, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenIdempotencyStorePostgresNeedsDSN(t *testing.T) {
	_, err := OpenIdempotencyStore(context.Background(), &config.Config{Idempotency: config.IdempotencyConfig{Driver: "postgres"}}, zap.NewNop())
	assert.ErrorIs(t, err, ErrPostgresNotConfigured)
}

func TestUnconfiguredBackends(t *testing.T) {
	assert.Nil(t, NewRedis(context.Background(), config.RedisConfig{}, zap.NewNop()))

	_, err := NewPostgres(context.Background(), config.PostgresConfig{}, "redmine-bridge", zap.NewNop())
	assert.ErrorIs(t, err, ErrPostgresNotConfigured)

	var pg *Postgres
	assert.ErrorIs(t, pg.Ping(context.Background()), ErrPostgresNotConfigured)
}
