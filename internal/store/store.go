package store

import (
	"context"

	"github.com/careatlas/bulk-intake/internal/domain"
)

// BatchStore is the state port for everything a batch owns: the raw CSV,
// the deduplicated row set, the live status document, and the retry lock.
// All state is TTL-bounded; callers must treat domain.ErrNotFound as
// "expired" and degrade gracefully.
type BatchStore interface {
	StoreCSV(ctx context.Context, batchID string, content []byte) error
	GetCSV(ctx context.Context, batchID string) ([]byte, error)

	StoreRows(ctx context.Context, batchID string, rows []domain.HospitalRow) error
	GetRows(ctx context.Context, batchID string) ([]domain.HospitalRow, error)

	InitStatus(ctx context.Context, batchID string, doc *domain.StatusDocument) error
	GetStatus(ctx context.Context, batchID string) (*domain.StatusDocument, error)
	// AppendResults appends results to the status document and recomputes the
	// counters atomically with respect to concurrent writers.
	AppendResults(ctx context.Context, batchID string, results []domain.HospitalResult) error
	// MarkCompleted sets the terminal completed status and the activation flag.
	MarkCompleted(ctx context.Context, batchID string, activated bool) error

	// AcquireRetryLock is set-if-absent: false means a retry already runs.
	AcquireRetryLock(ctx context.Context, batchID string) (bool, error)
	ReleaseRetryLock(ctx context.Context, batchID string) error

	Ping(ctx context.Context) error
}
