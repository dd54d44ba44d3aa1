package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/careatlas/bulk-intake/internal/domain"
	"github.com/careatlas/bulk-intake/internal/upstream"
)

func newTestProcessor(t *testing.T, batchStore *fakeStore, api *fakeAPI, chunkSize int) *BatchProcessor {
	t.Helper()
	processor, err := NewBatchProcessor(batchStore, api, chunkSize, nil)
	if err != nil {
		t.Fatalf("NewBatchProcessor() error = %v", err)
	}
	return processor
}

func initBatch(t *testing.T, batchStore *fakeStore, batchID string, rows []domain.HospitalRow) {
	t.Helper()
	if err := batchStore.StoreRows(context.Background(), batchID, rows); err != nil {
		t.Fatalf("StoreRows() error = %v", err)
	}
	if err := batchStore.InitStatus(context.Background(), batchID, domain.NewStatusDocument(batchID, len(rows))); err != nil {
		t.Fatalf("InitStatus() error = %v", err)
	}
}

func TestBatchProcessorChunksSequentially(t *testing.T) {
	t.Parallel()

	batchStore := newFakeStore()
	api := &fakeAPI{}

	var inflight, maxInflight int64
	api.createFn = func(ctx context.Context, req upstream.CreateHospitalRequest) (*upstream.Hospital, error) {
		current := atomic.AddInt64(&inflight, 1)
		for {
			observed := atomic.LoadInt64(&maxInflight)
			if current <= observed || atomic.CompareAndSwapInt64(&maxInflight, observed, current) {
				break
			}
		}
		defer atomic.AddInt64(&inflight, -1)
		return &upstream.Hospital{ID: 1, Name: req.Name}, nil
	}

	rows := makeRows(10)
	initBatch(t, batchStore, "batch-1", rows)

	processor := newTestProcessor(t, batchStore, api, 4)
	processor.Run(context.Background(), "batch-1", rows)

	if got := api.createCount(); got != 10 {
		t.Fatalf("create calls = %d, want 10", got)
	}
	if got := atomic.LoadInt64(&maxInflight); got > 4 {
		t.Fatalf("max inflight = %d, want <= 4", got)
	}

	// 10 rows at width 4 resolve as chunks of 4, 4, and 2.
	batchStore.mu.Lock()
	chunkSizes := make([]int, 0, len(batchStore.appendCalls))
	for _, call := range batchStore.appendCalls {
		chunkSizes = append(chunkSizes, len(call))
	}
	batchStore.mu.Unlock()
	if len(chunkSizes) != 3 || chunkSizes[0] != 4 || chunkSizes[1] != 4 || chunkSizes[2] != 2 {
		t.Fatalf("chunk sizes = %v, want [4 4 2]", chunkSizes)
	}
}

func TestBatchProcessorRowFailureDoesNotAbortChunk(t *testing.T) {
	t.Parallel()

	batchStore := newFakeStore()
	api := &fakeAPI{}
	api.createFn = func(ctx context.Context, req upstream.CreateHospitalRequest) (*upstream.Hospital, error) {
		if strings.HasSuffix(req.Name, "B") {
			return nil, &upstream.UpstreamError{StatusCode: 422, Message: "upstream returned status 422"}
		}
		return &upstream.Hospital{ID: 7, Name: req.Name}, nil
	}

	rows := makeRows(3)
	initBatch(t, batchStore, "batch-1", rows)

	processor := newTestProcessor(t, batchStore, api, 4)
	processor.Run(context.Background(), "batch-1", rows)

	doc := batchStore.statusDoc("batch-1")
	if doc.ProcessedHospitals != 3 || doc.SuccessfulHospitals != 2 || doc.FailedHospitals != 1 {
		t.Fatalf("counters = %d/%d/%d, want 3/2/1",
			doc.ProcessedHospitals, doc.SuccessfulHospitals, doc.FailedHospitals)
	}

	latest := doc.LatestByRow()
	failed := latest[2]
	if failed.Status != domain.RowStatusFailed {
		t.Fatalf("row 2 status = %s, want failed", failed.Status)
	}
	if failed.Error == nil || !strings.Contains(*failed.Error, "422") {
		t.Fatalf("row 2 error = %v, want upstream status text", failed.Error)
	}
	if failed.HospitalID != nil {
		t.Fatalf("failed row has hospital id %d", *failed.HospitalID)
	}

	// Partial failure completes the batch without activation.
	if got := api.activateCount(); got != 0 {
		t.Fatalf("activate calls = %d, want 0", got)
	}
	if doc.Status != domain.BatchStatusCompleted || doc.BatchActivated {
		t.Fatalf("terminal state = %s activated=%v, want completed/false", doc.Status, doc.BatchActivated)
	}
}

func TestBatchProcessorActivatesOnFullSuccess(t *testing.T) {
	t.Parallel()

	batchStore := newFakeStore()
	api := &fakeAPI{}

	rows := makeRows(5)
	initBatch(t, batchStore, "batch-1", rows)

	processor := newTestProcessor(t, batchStore, api, 2)
	processor.Run(context.Background(), "batch-1", rows)

	if got := api.activateCount(); got != 1 {
		t.Fatalf("activate calls = %d, want 1", got)
	}
	doc := batchStore.statusDoc("batch-1")
	if doc.Status != domain.BatchStatusCompleted || !doc.BatchActivated {
		t.Fatalf("terminal state = %s activated=%v, want completed/true", doc.Status, doc.BatchActivated)
	}
	if doc.SuccessfulHospitals != 5 {
		t.Fatalf("successful = %d, want 5", doc.SuccessfulHospitals)
	}
}

func TestBatchProcessorActivationFailureStillCompletes(t *testing.T) {
	t.Parallel()

	batchStore := newFakeStore()
	api := &fakeAPI{}
	api.activateFn = func(ctx context.Context, batchID string) error {
		return &upstream.UpstreamError{StatusCode: 503, Message: "upstream returned status 503", Transient: true}
	}

	rows := makeRows(2)
	initBatch(t, batchStore, "batch-1", rows)

	processor := newTestProcessor(t, batchStore, api, 4)
	processor.Run(context.Background(), "batch-1", rows)

	doc := batchStore.statusDoc("batch-1")
	if doc.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %s, want completed", doc.Status)
	}
	if doc.BatchActivated {
		t.Fatal("batch marked activated despite activation failure")
	}
}

func TestBatchProcessorContinuesAfterAppendFailure(t *testing.T) {
	t.Parallel()

	batchStore := newFakeStore()
	api := &fakeAPI{}

	var mu sync.Mutex
	appendCount := 0
	batchStore.appendResultsFn = func(ctx context.Context, batchID string, results []domain.HospitalResult) error {
		mu.Lock()
		defer mu.Unlock()
		appendCount++
		if appendCount == 1 {
			return fmt.Errorf("redis write failed")
		}
		batchStore.appendResultsFn = nil
		return batchStore.AppendResults(ctx, batchID, results)
	}

	rows := makeRows(4)
	initBatch(t, batchStore, "batch-1", rows)

	processor := newTestProcessor(t, batchStore, api, 2)
	processor.processChunks(context.Background(), "batch-1", rows)

	// Second chunk was still submitted and recorded.
	if got := api.createCount(); got != 4 {
		t.Fatalf("create calls = %d, want 4", got)
	}
	doc := batchStore.statusDoc("batch-1")
	if doc.ProcessedHospitals != 2 {
		t.Fatalf("processed = %d, want 2 (first chunk write lost)", doc.ProcessedHospitals)
	}
}

func TestBatchProcessorEmptyRows(t *testing.T) {
	t.Parallel()

	batchStore := newFakeStore()
	api := &fakeAPI{}

	initBatch(t, batchStore, "batch-1", nil)

	processor := newTestProcessor(t, batchStore, api, 4)
	processor.Run(context.Background(), "batch-1", nil)

	// Zero rows never activate.
	if got := api.activateCount(); got != 0 {
		t.Fatalf("activate calls = %d, want 0", got)
	}
	doc := batchStore.statusDoc("batch-1")
	if doc.Status != domain.BatchStatusCompleted || doc.BatchActivated {
		t.Fatalf("terminal state = %s activated=%v, want completed/false", doc.Status, doc.BatchActivated)
	}
}

func TestNewBatchProcessorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewBatchProcessor(nil, &fakeAPI{}, 4, nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewBatchProcessor(newFakeStore(), nil, 4, nil); err == nil {
		t.Fatal("expected error for nil api")
	}

	processor, err := NewBatchProcessor(newFakeStore(), &fakeAPI{}, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processor.chunkSize != defaultChunkConcurrency {
		t.Fatalf("chunkSize = %d, want default %d", processor.chunkSize, defaultChunkConcurrency)
	}
}
