package service

import (
	"context"
	"sync"

	"github.com/careatlas/bulk-intake/internal/domain"
	"github.com/careatlas/bulk-intake/internal/upstream"
)

// fakeStore is an in-memory BatchStore with per-method overrides. The default
// behavior keeps one status document and recounts on append, mirroring the
// redis-backed store closely enough for worker-level tests.
type fakeStore struct {
	mu sync.Mutex

	csv     map[string][]byte
	rows    map[string][]domain.HospitalRow
	status  map[string]*domain.StatusDocument
	retryOn map[string]bool

	appendCalls    [][]domain.HospitalResult
	completedCalls []bool

	getStatusFn     func(ctx context.Context, batchID string) (*domain.StatusDocument, error)
	appendResultsFn func(ctx context.Context, batchID string, results []domain.HospitalResult) error
	acquireLockFn   func(ctx context.Context, batchID string) (bool, error)
	pingFn          func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		csv:     make(map[string][]byte),
		rows:    make(map[string][]domain.HospitalRow),
		status:  make(map[string]*domain.StatusDocument),
		retryOn: make(map[string]bool),
	}
}

func (s *fakeStore) StoreCSV(_ context.Context, batchID string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csv[batchID] = content
	return nil
}

func (s *fakeStore) GetCSV(_ context.Context, batchID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.csv[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return content, nil
}

func (s *fakeStore) StoreRows(_ context.Context, batchID string, rows []domain.HospitalRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[batchID] = rows
	return nil
}

func (s *fakeStore) GetRows(_ context.Context, batchID string) ([]domain.HospitalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.rows[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rows, nil
}

func (s *fakeStore) InitStatus(_ context.Context, batchID string, doc *domain.StatusDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[batchID] = doc
	return nil
}

func (s *fakeStore) GetStatus(ctx context.Context, batchID string) (*domain.StatusDocument, error) {
	if s.getStatusFn != nil {
		return s.getStatusFn(ctx, batchID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.status[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *doc
	copied.Hospitals = append([]domain.HospitalResult(nil), doc.Hospitals...)
	return &copied, nil
}

func (s *fakeStore) AppendResults(ctx context.Context, batchID string, results []domain.HospitalResult) error {
	if s.appendResultsFn != nil {
		return s.appendResultsFn(ctx, batchID, results)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls = append(s.appendCalls, append([]domain.HospitalResult(nil), results...))
	doc, ok := s.status[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	doc.Append(results...)
	return nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, batchID string, activated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedCalls = append(s.completedCalls, activated)
	doc, ok := s.status[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	doc.Status = domain.BatchStatusCompleted
	doc.BatchActivated = activated
	return nil
}

func (s *fakeStore) AcquireRetryLock(ctx context.Context, batchID string) (bool, error) {
	if s.acquireLockFn != nil {
		return s.acquireLockFn(ctx, batchID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryOn[batchID] {
		return false, nil
	}
	s.retryOn[batchID] = true
	return true, nil
}

func (s *fakeStore) ReleaseRetryLock(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retryOn, batchID)
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error {
	if s.pingFn != nil {
		return s.pingFn(ctx)
	}
	return nil
}

func (s *fakeStore) lockHeld(batchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryOn[batchID]
}

func (s *fakeStore) statusDoc(batchID string) *domain.StatusDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[batchID]
}

// fakeAPI records calls and delegates to function fields.
type fakeAPI struct {
	mu sync.Mutex

	createFn   func(ctx context.Context, req upstream.CreateHospitalRequest) (*upstream.Hospital, error)
	listFn     func(ctx context.Context, batchID string) ([]upstream.Hospital, error)
	activateFn func(ctx context.Context, batchID string) error

	createCalls   []upstream.CreateHospitalRequest
	activateCalls []string
}

func (a *fakeAPI) CreateHospital(ctx context.Context, req upstream.CreateHospitalRequest) (*upstream.Hospital, error) {
	a.mu.Lock()
	a.createCalls = append(a.createCalls, req)
	id := int64(len(a.createCalls))
	a.mu.Unlock()
	if a.createFn != nil {
		return a.createFn(ctx, req)
	}
	return &upstream.Hospital{
		ID:              id,
		Name:            req.Name,
		Address:         req.Address,
		Phone:           req.Phone,
		CreationBatchID: req.BatchID,
	}, nil
}

func (a *fakeAPI) ListBatchHospitals(ctx context.Context, batchID string) ([]upstream.Hospital, error) {
	if a.listFn != nil {
		return a.listFn(ctx, batchID)
	}
	return nil, nil
}

func (a *fakeAPI) ActivateBatch(ctx context.Context, batchID string) error {
	a.mu.Lock()
	a.activateCalls = append(a.activateCalls, batchID)
	a.mu.Unlock()
	if a.activateFn != nil {
		return a.activateFn(ctx, batchID)
	}
	return nil
}

func (a *fakeAPI) createCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.createCalls)
}

func (a *fakeAPI) activateCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.activateCalls)
}

func strPtr(value string) *string {
	return &value
}

func makeRows(count int) []domain.HospitalRow {
	rows := make([]domain.HospitalRow, 0, count)
	for i := 1; i <= count; i++ {
		rows = append(rows, domain.HospitalRow{
			RowNumber: i,
			Name:      "Hospital " + string(rune('A'+i-1)),
			Address:   "Street " + string(rune('A'+i-1)),
		})
	}
	return rows
}
