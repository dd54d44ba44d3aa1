package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/careatlas/bulk-intake/internal/domain"
	"github.com/careatlas/bulk-intake/internal/observability"
	"github.com/careatlas/bulk-intake/internal/ratelimit"
	"github.com/careatlas/bulk-intake/internal/store"
	"github.com/careatlas/bulk-intake/internal/upstream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultChunkConcurrency = 4
	minChunkConcurrency     = 1

	createRateLimitOp = "hospital_create"
)

// BatchProcessor submits a batch's rows upstream in consecutive chunks of a
// fixed concurrency width. Rows within a chunk run concurrently; the next
// chunk never starts before the previous one fully resolves, which bounds
// in-flight upstream requests and serializes status writes across chunks.
type BatchProcessor struct {
	store     store.BatchStore
	api       upstream.API
	limiter   ratelimit.Limiter
	logger    *zap.Logger
	metrics   *observability.Metrics
	chunkSize int
	now       func() time.Time
}

func NewBatchProcessor(
	batchStore store.BatchStore,
	api upstream.API,
	chunkSize int,
	logger *zap.Logger,
) (*BatchProcessor, error) {
	if batchStore == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if api == nil {
		return nil, fmt.Errorf("upstream api client is required")
	}
	if chunkSize < minChunkConcurrency {
		chunkSize = defaultChunkConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchProcessor{
		store:     batchStore,
		api:       api,
		logger:    logger,
		chunkSize: chunkSize,
		now:       time.Now,
	}, nil
}

func (p *BatchProcessor) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// SetRateLimiter installs an optional cap on upstream create throughput on
// top of the chunk width bound.
func (p *BatchProcessor) SetRateLimiter(limiter ratelimit.Limiter) {
	if p == nil {
		return
	}
	p.limiter = limiter
}

// Run executes one full processing pass over rows and then evaluates
// completion and activation.
func (p *BatchProcessor) Run(ctx context.Context, batchID string, rows []domain.HospitalRow) {
	logger := observability.WithBatchLogger(p.logger, batchID)
	logger.Info("starting batch processing", zap.Int("rows", len(rows)))

	p.processChunks(ctx, batchID, rows)

	if err := p.FinishPass(ctx, batchID); err != nil {
		logger.Error("failed to finish batch pass", zap.Error(err))
		return
	}

	logger.Info("completed batch processing")
}

// processChunks is the shared chunked-submission primitive used by both the
// initial pass and the retry pass. Each chunk's results are recorded before
// the next chunk is dispatched. A failed status write is logged and skipped;
// the pass carries on with the remaining chunks.
func (p *BatchProcessor) processChunks(ctx context.Context, batchID string, rows []domain.HospitalRow) {
	logger := observability.WithBatchLogger(p.logger, batchID)

	for start := 0; start < len(rows); start += p.chunkSize {
		end := start + p.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		chunkNumber := start/p.chunkSize + 1

		logger.Info("processing chunk",
			zap.Int("chunk", chunkNumber),
			zap.Int("rows", len(chunk)),
		)

		results := make([]domain.HospitalResult, len(chunk))
		g, groupCtx := errgroup.WithContext(ctx)
		for i := range chunk {
			i, row := i, chunk[i]
			g.Go(func() error {
				results[i] = p.submitRow(groupCtx, batchID, row)
				return nil
			})
		}
		// Submissions never return errors; failures become failed results.
		_ = g.Wait()

		if err := p.store.AppendResults(ctx, batchID, results); err != nil {
			logger.Error("failed to record chunk results",
				zap.Int("chunk", chunkNumber),
				zap.Error(err),
			)
		}
	}
}

// submitRow performs one upstream create. Transport errors and rejections
// are converted into a failed result carrying the error text; they never
// abort the surrounding chunk.
func (p *BatchProcessor) submitRow(ctx context.Context, batchID string, row domain.HospitalRow) domain.HospitalResult {
	result := domain.HospitalResult{
		Row:     row.RowNumber,
		Name:    row.Name,
		Address: row.Address,
		Phone:   row.Phone,
		Status:  domain.RowStatusFailed,
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, createRateLimitOp); err != nil {
			errText := fmt.Sprintf("rate limiter wait failed: %v", err)
			result.Error = &errText
			return result
		}
	}

	if p.metrics != nil {
		p.metrics.IncChunkInflight()
		defer p.metrics.DecChunkInflight()
	}

	createStart := p.now()
	hospital, err := p.api.CreateHospital(ctx, upstream.CreateHospitalRequest{
		Name:    row.Name,
		Address: row.Address,
		Phone:   row.Phone,
		BatchID: batchID,
	})
	if p.metrics != nil {
		p.metrics.ObserveHospitalCreateDuration(p.now().Sub(createStart))
	}

	if err != nil {
		errText := err.Error()
		result.Error = &errText
		if p.metrics != nil {
			p.metrics.IncHospitalFailed(failureReason(err))
		}
		observability.WithBatchLogger(p.logger, batchID).Error("failed to create hospital",
			zap.Int("row", row.RowNumber),
			zap.Error(err),
		)
		return result
	}

	result.HospitalID = &hospital.ID
	result.Status = domain.RowStatusSuccess
	if p.metrics != nil {
		p.metrics.IncHospitalCreated()
	}
	return result
}

// FinishPass evaluates completion after all chunks resolved: activation is
// attempted if and only if every row succeeded and the batch is non-empty.
// Activation failure is logged and the batch still completes with
// batch_activated=false; a later retry pass may trigger activation again.
func (p *BatchProcessor) FinishPass(ctx context.Context, batchID string) error {
	logger := observability.WithBatchLogger(p.logger, batchID)

	doc, err := p.store.GetStatus(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load status for completion check: %w", err)
	}

	if !doc.AllSuccessful() {
		return p.store.MarkCompleted(ctx, batchID, false)
	}

	logger.Info("all hospitals successful, activating batch",
		zap.Int("total", doc.TotalHospitals),
	)
	if err := p.api.ActivateBatch(ctx, batchID); err != nil {
		logger.Error("failed to activate batch", zap.Error(err))
		return p.store.MarkCompleted(ctx, batchID, false)
	}

	if p.metrics != nil {
		p.metrics.IncBatchActivated()
	}
	return p.store.MarkCompleted(ctx, batchID, true)
}

func failureReason(err error) string {
	var upstreamErr *upstream.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.StatusCode > 0 {
		return "upstream_rejection"
	}
	return "network_error"
}
