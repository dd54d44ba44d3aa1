package service

import (
	"context"
	"fmt"

	"github.com/careatlas/bulk-intake/internal/domain"
	"github.com/careatlas/bulk-intake/internal/observability"
	"github.com/careatlas/bulk-intake/internal/store"
	"github.com/careatlas/bulk-intake/internal/upstream"
	"go.uber.org/zap"
)

// RetryReconciler re-drives the rows of a batch that have no hospital
// upstream. Planning reconciles three sources of truth: the stored row set,
// the status document, and the upstream batch listing. The upstream listing
// is authoritative: a row whose identity already exists upstream is never
// resubmitted, regardless of what the status document recorded for it.
type RetryReconciler struct {
	store     store.BatchStore
	api       upstream.API
	processor *BatchProcessor
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// RetryPlan is the outcome of a successful Plan call. When Rows is non-empty
// the caller holds the batch's retry lock and must call Execute (which
// releases it) exactly once.
type RetryPlan struct {
	BatchID string
	Rows    []domain.HospitalRow
}

func NewRetryReconciler(
	batchStore store.BatchStore,
	api upstream.API,
	processor *BatchProcessor,
	logger *zap.Logger,
) (*RetryReconciler, error) {
	if batchStore == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if api == nil {
		return nil, fmt.Errorf("upstream api client is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetryReconciler{
		store:     batchStore,
		api:       api,
		processor: processor,
		logger:    logger,
	}, nil
}

func (r *RetryReconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Plan acquires the batch's retry lock and computes the retry set.
// domain.ErrConflict means another retry pass already holds the lock;
// domain.ErrNotFound means the batch's rows expired. An empty retry set
// marks the batch completed immediately and releases the lock.
func (r *RetryReconciler) Plan(ctx context.Context, batchID string) (*RetryPlan, error) {
	logger := observability.WithBatchLogger(r.logger, batchID)

	acquired, err := r.store.AcquireRetryLock(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire retry lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("retry already in progress: %w", domain.ErrConflict)
	}

	plan, err := r.buildPlan(ctx, batchID, logger)
	if err != nil {
		r.releaseLock(ctx, batchID, logger)
		return nil, err
	}

	if len(plan.Rows) == 0 {
		logger.Info("retry found nothing to resubmit, marking batch completed")
		if err := r.processor.FinishPass(ctx, batchID); err != nil {
			logger.Error("failed to finalize batch after empty retry", zap.Error(err))
		}
		r.releaseLock(ctx, batchID, logger)
		return plan, nil
	}

	logger.Info("retry plan ready", zap.Int("rows", len(plan.Rows)))
	return plan, nil
}

func (r *RetryReconciler) buildPlan(ctx context.Context, batchID string, logger *zap.Logger) (*RetryPlan, error) {
	rows, err := r.store.GetRows(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch rows: %w", err)
	}

	doc, err := r.store.GetStatus(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch status: %w", err)
	}

	// Listing failures degrade to an empty authoritative set rather than
	// failing the retry; the worst case is a duplicate-create rejection
	// upstream, recorded as a failed row.
	hospitals, err := r.api.ListBatchHospitals(ctx, batchID)
	if err != nil {
		logger.Warn("failed to list upstream hospitals, assuming none exist", zap.Error(err))
		hospitals = nil
	}

	return &RetryPlan{
		BatchID: batchID,
		Rows:    computeRetrySet(rows, doc, hospitals),
	}, nil
}

// Execute runs the planned rows through the shared chunked pipeline and
// finalizes the batch. The retry lock is always released, even on panic.
func (r *RetryReconciler) Execute(ctx context.Context, plan *RetryPlan) {
	if plan == nil || len(plan.Rows) == 0 {
		return
	}
	logger := observability.WithBatchLogger(r.logger, plan.BatchID)
	defer r.releaseLock(ctx, plan.BatchID, logger)

	if r.metrics != nil {
		r.metrics.IncRetryPass()
	}
	logger.Info("starting retry pass", zap.Int("rows", len(plan.Rows)))

	r.processor.processChunks(ctx, plan.BatchID, plan.Rows)

	if err := r.processor.FinishPass(ctx, plan.BatchID); err != nil {
		logger.Error("failed to finish retry pass", zap.Error(err))
		return
	}
	logger.Info("completed retry pass")
}

func (r *RetryReconciler) releaseLock(ctx context.Context, batchID string, logger *zap.Logger) {
	if err := r.store.ReleaseRetryLock(ctx, batchID); err != nil {
		logger.Error("failed to release retry lock", zap.Error(err))
	}
}

// computeRetrySet selects, in original row order, every row that either was
// never attempted or whose latest recorded attempt failed, excluding any row
// whose identity already has a hospital upstream.
func computeRetrySet(rows []domain.HospitalRow, doc *domain.StatusDocument, hospitals []upstream.Hospital) []domain.HospitalRow {
	existing := make(map[domain.IdentityKey]struct{}, len(hospitals))
	for _, hospital := range hospitals {
		existing[domain.NewIdentityKey(hospital.Name, hospital.Address)] = struct{}{}
	}

	var latest map[int]domain.HospitalResult
	if doc != nil {
		latest = doc.LatestByRow()
	}

	var retry []domain.HospitalRow
	for _, row := range rows {
		if _, ok := existing[domain.NewIdentityKey(row.Name, row.Address)]; ok {
			continue
		}
		result, attempted := latest[row.RowNumber]
		if !attempted || result.Status == domain.RowStatusFailed {
			retry = append(retry, row)
		}
	}
	return retry
}
