package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/careatlas/bulk-intake/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "bulk:"

	csvTTL    = 24 * time.Hour
	rowsTTL   = 24 * time.Hour
	statusTTL = 24 * time.Hour
	// retryLockTTL is a safety net against a crashed retry pass; the
	// reconciler releases the lock explicitly on every exit path.
	retryLockTTL = time.Hour

	maxStatusUpdateRetries = 8
)

var _ BatchStore = (*RedisBatchStore)(nil)

// RedisBatchStore is the redis-backed batch state store.
type RedisBatchStore struct {
	client *goredis.Client
}

func NewRedisBatchStore(client *goredis.Client) (*RedisBatchStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisBatchStore{client: client}, nil
}

func csvKey(batchID string) string    { return keyPrefix + "csv:" + batchID }
func rowsKey(batchID string) string   { return keyPrefix + "rows:" + batchID }
func statusKey(batchID string) string { return keyPrefix + "status:" + batchID }
func retryKey(batchID string) string  { return keyPrefix + "retry:" + batchID }

func (s *RedisBatchStore) StoreCSV(ctx context.Context, batchID string, content []byte) error {
	if err := s.client.Set(ctx, csvKey(batchID), content, csvTTL).Err(); err != nil {
		return fmt.Errorf("failed to store csv for batch %s: %w", batchID, err)
	}
	return nil
}

func (s *RedisBatchStore) GetCSV(ctx context.Context, batchID string) ([]byte, error) {
	content, err := s.client.Get(ctx, csvKey(batchID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("csv for batch %s: %w", batchID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get csv for batch %s: %w", batchID, err)
	}
	return content, nil
}

func (s *RedisBatchStore) StoreRows(ctx context.Context, batchID string, rows []domain.HospitalRow) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal rows for batch %s: %w", batchID, err)
	}
	if err := s.client.Set(ctx, rowsKey(batchID), payload, rowsTTL).Err(); err != nil {
		return fmt.Errorf("failed to store rows for batch %s: %w", batchID, err)
	}
	return nil
}

func (s *RedisBatchStore) GetRows(ctx context.Context, batchID string) ([]domain.HospitalRow, error) {
	payload, err := s.client.Get(ctx, rowsKey(batchID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("rows for batch %s: %w", batchID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rows for batch %s: %w", batchID, err)
	}

	var rows []domain.HospitalRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows for batch %s: %w", batchID, err)
	}
	return rows, nil
}

func (s *RedisBatchStore) InitStatus(ctx context.Context, batchID string, doc *domain.StatusDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal status for batch %s: %w", batchID, err)
	}
	if err := s.client.Set(ctx, statusKey(batchID), payload, statusTTL).Err(); err != nil {
		return fmt.Errorf("failed to store status for batch %s: %w", batchID, err)
	}
	return nil
}

func (s *RedisBatchStore) GetStatus(ctx context.Context, batchID string) (*domain.StatusDocument, error) {
	payload, err := s.client.Get(ctx, statusKey(batchID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("status for batch %s: %w", batchID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status for batch %s: %w", batchID, err)
	}

	var doc domain.StatusDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status for batch %s: %w", batchID, err)
	}
	return &doc, nil
}

func (s *RedisBatchStore) AppendResults(ctx context.Context, batchID string, results []domain.HospitalResult) error {
	if len(results) == 0 {
		return nil
	}
	return s.updateStatus(ctx, batchID, func(doc *domain.StatusDocument) {
		doc.Append(results...)
	})
}

func (s *RedisBatchStore) MarkCompleted(ctx context.Context, batchID string, activated bool) error {
	return s.updateStatus(ctx, batchID, func(doc *domain.StatusDocument) {
		doc.Status = domain.BatchStatusCompleted
		doc.BatchActivated = activated
	})
}

// updateStatus runs a WATCH-based compare-and-set loop over the status
// document so concurrent read-modify-write cycles never lose an update.
func (s *RedisBatchStore) updateStatus(ctx context.Context, batchID string, mutate func(*domain.StatusDocument)) error {
	key := statusKey(batchID)

	for attempt := 0; attempt < maxStatusUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			payload, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, goredis.Nil) {
				return fmt.Errorf("status for batch %s: %w", batchID, domain.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to get status for batch %s: %w", batchID, err)
			}

			var doc domain.StatusDocument
			if err := json.Unmarshal(payload, &doc); err != nil {
				return fmt.Errorf("failed to unmarshal status for batch %s: %w", batchID, err)
			}

			mutate(&doc)

			updated, err := json.Marshal(&doc)
			if err != nil {
				return fmt.Errorf("failed to marshal status for batch %s: %w", batchID, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, updated, statusTTL)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("status update for batch %s lost the race %d times", batchID, maxStatusUpdateRetries)
}

func (s *RedisBatchStore) AcquireRetryLock(ctx context.Context, batchID string) (bool, error) {
	acquired, err := s.client.SetNX(ctx, retryKey(batchID), "locked", retryLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire retry lock for batch %s: %w", batchID, err)
	}
	return acquired, nil
}

func (s *RedisBatchStore) ReleaseRetryLock(ctx context.Context, batchID string) error {
	if err := s.client.Del(ctx, retryKey(batchID)).Err(); err != nil {
		return fmt.Errorf("failed to release retry lock for batch %s: %w", batchID, err)
	}
	return nil
}

func (s *RedisBatchStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
