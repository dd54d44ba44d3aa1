package service

import (
	"context"
	"fmt"

	"github.com/careatlas/bulk-intake/internal/domain"
	"github.com/careatlas/bulk-intake/internal/ingest"
	"github.com/careatlas/bulk-intake/internal/observability"
	"github.com/careatlas/bulk-intake/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BulkService accepts a CSV upload, validates and deduplicates it, persists
// the batch state, and hands the unique rows to the processor in the
// background. The receipt returns before any upstream call is made.
type BulkService struct {
	store     store.BatchStore
	processor *BatchProcessor
	logger    *zap.Logger
	maxRows   int

	newBatchID func() string
	spawn      func(func())
}

// UploadReceipt is returned to the caller as soon as the batch is accepted.
type UploadReceipt struct {
	BatchID           string
	TotalHospitals    int
	DuplicatesRemoved int
	Duplicates        []domain.HospitalRow
}

func NewBulkService(
	batchStore store.BatchStore,
	processor *BatchProcessor,
	maxRows int,
	logger *zap.Logger,
) (*BulkService, error) {
	if batchStore == nil {
		return nil, fmt.Errorf("batch store is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if maxRows <= 0 {
		maxRows = ingest.DefaultMaxRows
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BulkService{
		store:      batchStore,
		processor:  processor,
		logger:     logger,
		maxRows:    maxRows,
		newBatchID: func() string { return uuid.NewString() },
		spawn:      func(task func()) { go task() },
	}, nil
}

// Upload validates the CSV content and registers the batch. Validation
// errors surface as domain sentinels (ErrFormat, ErrValidation, ErrCapacity)
// before any state is written; once the receipt is returned the batch is
// already processing in the background.
func (s *BulkService) Upload(ctx context.Context, content []byte) (*UploadReceipt, error) {
	rows, headers, err := ingest.Ingest(content)
	if err != nil {
		return nil, err
	}
	if err := ingest.ValidateRows(rows, headers, s.maxRows); err != nil {
		return nil, err
	}

	unique, duplicates := ingest.Dedupe(rows)

	batchID := s.newBatchID()
	logger := observability.WithBatchLogger(observability.WithContextLogger(s.logger, ctx), batchID)

	if err := s.store.StoreCSV(ctx, batchID, content); err != nil {
		return nil, fmt.Errorf("failed to store csv: %w", err)
	}
	if err := s.store.StoreRows(ctx, batchID, unique); err != nil {
		return nil, fmt.Errorf("failed to store rows: %w", err)
	}
	if err := s.store.InitStatus(ctx, batchID, domain.NewStatusDocument(batchID, len(unique))); err != nil {
		return nil, fmt.Errorf("failed to initialize status: %w", err)
	}

	logger.Info("batch accepted",
		zap.Int("rows", len(unique)),
		zap.Int("duplicatesRemoved", len(duplicates)),
	)

	// Processing outlives the upload request.
	s.spawn(func() {
		s.processor.Run(context.Background(), batchID, unique)
	})

	return &UploadReceipt{
		BatchID:           batchID,
		TotalHospitals:    len(unique),
		DuplicatesRemoved: len(duplicates),
		Duplicates:        duplicates,
	}, nil
}
