package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bolt wraps an embedded bbolt database file.
type Bolt struct {
	DB *bolt.DB
}

// NewBolt opens (or creates) the database file at path.
func NewBolt(path string, logger *zap.Logger) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating bolt directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	logger.Info("opened bolt store", zap.String("path", path))
	return &Bolt{DB: db}, nil
}

// Close releases the file lock.
func (b *Bolt) Close() {
	if b != nil && b.DB != nil {
		_ = b.DB.Close()
	}
}
