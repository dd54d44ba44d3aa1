package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/careatlas/bulk-intake/internal/domain"
	"github.com/careatlas/bulk-intake/internal/observability"
	"github.com/careatlas/bulk-intake/internal/store"
	"go.uber.org/zap"
)

const defaultPollInterval = time.Second

// StatusNotifier streams batch status snapshots to a subscriber by polling
// the store at a fixed interval. The stream ends after the first terminal
// snapshot is pushed, when the subscriber's push fails, or when the context
// is cancelled.
type StatusNotifier struct {
	store    store.BatchStore
	logger   *zap.Logger
	interval time.Duration
}

func NewStatusNotifier(batchStore store.BatchStore, interval time.Duration, logger *zap.Logger) (*StatusNotifier, error) {
	if batchStore == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusNotifier{
		store:    batchStore,
		logger:   logger,
		interval: interval,
	}, nil
}

// Stream pushes the current snapshot immediately, then one snapshot per poll
// tick until the document turns terminal. A missing document on the first
// read is domain.ErrNotFound; a document that expires mid-stream ends the
// stream with the same sentinel so the subscriber can tell silence from
// expiry.
func (n *StatusNotifier) Stream(ctx context.Context, batchID string, push func(*domain.StatusDocument) error) error {
	if push == nil {
		return fmt.Errorf("push callback is required")
	}
	logger := observability.WithBatchLogger(n.logger, batchID)

	doc, err := n.store.GetStatus(ctx, batchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("batch not found: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("failed to load batch status: %w", err)
	}
	if err := push(doc); err != nil {
		return err
	}
	if doc.Status.IsTerminal() {
		return nil
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		doc, err := n.store.GetStatus(ctx, batchID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("batch status no longer available: %w", domain.ErrNotFound)
			}
			// Transient store errors keep the subscription alive.
			logger.Warn("status poll failed", zap.Error(err))
			continue
		}

		if err := push(doc); err != nil {
			return err
		}
		if doc.Status.IsTerminal() {
			return nil
		}
	}
}
