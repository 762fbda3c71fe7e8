package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/spec-kit/redmine-bridge/internal/domain"
)

var idempotencyBucket = []byte("integration_idempotency")

type boltIdempotencyRepository struct {
	db *bolt.DB
}

// NewBoltIdempotencyRepository stores records in an embedded bbolt file.
func NewBoltIdempotencyRepository(db *bolt.DB) (IdempotencyRepository, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idempotencyBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating idempotency bucket: %w", err)
	}
	return &boltIdempotencyRepository{db: db}, nil
}

func (r *boltIdempotencyRepository) Find(_ context.Context, operation, key string) (*domain.IdempotencyRecord, error) {
	var record *domain.IdempotencyRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(idempotencyBucket).Get(boltKey(operation, key))
		if v == nil {
			return nil
		}
		record = &domain.IdempotencyRecord{}
		return json.Unmarshal(v, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *boltIdempotencyRepository) Save(_ context.Context, record domain.IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(idempotencyBucket)
		k := boltKey(record.Operation, record.Key)
		if v := bucket.Get(k); v != nil {
			var existing domain.IdempotencyRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			return compareHash(existing, record)
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put(k, data)
	})
}

func (r *boltIdempotencyRepository) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	var removed int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(idempotencyBucket)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var record domain.IdempotencyRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.CreatedAt.Before(olderThan) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func boltKey(operation, key string) []byte {
	return []byte(operation + "\x00" + key)
}
