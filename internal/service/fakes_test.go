package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/admission"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/metrics"
	"github.com/bigkaa/goartstore/processing-module/internal/queue"
	"github.com/bigkaa/goartstore/processing-module/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memFiles — in-memory реализация repository.FileRepository.
type memFiles struct {
	mu    sync.Mutex
	files map[string]*model.FileRecord
	// updateErr — ошибка, возвращаемая Update и UpdateForJob
	updateErr error
}

func newMemFiles(files ...*model.FileRecord) *memFiles {
	m := &memFiles{files: make(map[string]*model.FileRecord)}
	for _, f := range files {
		if f.ProcessingState == "" {
			f.ProcessingState = model.ProcessingPending
		}
		if f.ScanState == "" {
			f.ScanState = model.ScanPending
		}
		m.files[f.ID] = f
	}
	return m
}

func (m *memFiles) Create(_ context.Context, f *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return repository.ErrConflict
	}
	c := *f
	m.files[f.ID] = &c
	return nil
}

func (m *memFiles) GetByID(_ context.Context, fileID string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (m *memFiles) Update(_ context.Context, fileID string, u model.FileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	f, ok := m.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	u.Apply(f)
	return nil
}

func (m *memFiles) UpdateForJob(_ context.Context, fileID, jobID string, u model.FileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	f, ok := m.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	if f.ProcessingState != model.ProcessingInProgress || (f.CurrentJobID != jobID && f.CurrentJobID != "") {
		return repository.ErrConflict
	}
	u.Apply(f)
	return nil
}

func (m *memFiles) CompareAndSetState(
	_ context.Context, fileID string, from []model.ProcessingState, to model.ProcessingState, jobID string,
) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !slices.Contains(from, f.ProcessingState) || f.IsDeleted() || f.IsInfected() {
		return nil, repository.ErrConflict
	}
	f.ProcessingState = to
	f.ProcessingError = ""
	f.CurrentJobID = jobID
	f.UpdatedAt = time.Now().UTC()
	c := *f
	return &c, nil
}

func (m *memFiles) ListByState(
	_ context.Context, state model.ProcessingState, before time.Time, limit int,
) ([]*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.FileRecord
	for _, f := range m.files {
		if f.ProcessingState == state && f.UpdatedAt.Before(before) && !f.IsDeleted() {
			c := *f
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// get возвращает копию записи или проваливает тест.
func (m *memFiles) get(t *testing.T, id string) *model.FileRecord {
	t.Helper()
	f, err := m.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("файл %s: %v", id, err)
	}
	return f
}

// spyQueue — MemoryQueue со счётчиком вызовов Enqueue и внедряемой ошибкой.
type spyQueue struct {
	*queue.MemoryQueue
	enqueueCalls atomic.Int32
	enqueueErr   error
	countsErr    error
}

func newSpyQueue() *spyQueue {
	return &spyQueue{MemoryQueue: queue.NewMemoryQueue(testLogger())}
}

func (q *spyQueue) Enqueue(
	ctx context.Context, jobType model.JobType, payload model.JobPayload, policy model.JobPolicy,
) (string, error) {
	q.enqueueCalls.Add(1)
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	return q.MemoryQueue.Enqueue(ctx, jobType, payload, policy)
}

func (q *spyQueue) Counts(ctx context.Context) (queue.Counts, error) {
	if q.countsErr != nil {
		return queue.Counts{}, q.countsErr
	}
	return q.MemoryQueue.Counts(ctx)
}

// recordingSink — metrics.Sink, запоминающий вызовы.
type recordingSink struct {
	metrics.Noop
	mu       sync.Mutex
	rejected []string
	finished []string
	failed   []string
	steps    []string
	stalled  int
	cancels  int
	quarant  int
}

func (s *recordingSink) AdmissionRejected(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, reason)
}

func (s *recordingSink) JobFinished(_ model.JobType, outcome string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, outcome)
}

func (s *recordingSink) JobFailed(_ model.JobType, code string, willRetry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, fmt.Sprintf("%s:%v", code, willRetry))
}

func (s *recordingSink) StepFailed(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

func (s *recordingSink) JobStalled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled++
}

func (s *recordingSink) JobCancelled(model.JobType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
}

func (s *recordingSink) Quarantined() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarant++
}

// newTestOrchestrator собирает оркестратор поверх фейков.
func newTestOrchestrator(files *memFiles, q JobQueue, sink metrics.Sink) *Orchestrator {
	logger := testLogger()
	return NewOrchestrator(
		admission.NewEngine(files, logger),
		files,
		q,
		NewStatusCache(100, time.Minute, sink),
		sink,
		logger,
	)
}

func docFile(id string) *model.FileRecord {
	return &model.FileRecord{
		ID:               id,
		OwnerID:          "user-1",
		Class:            model.ClassDocument,
		OriginalFilename: id + ".txt",
		Size:             4 * model.KiB,
		MimeType:         "text/plain",
		StorageKey:       "uploads/" + id,
	}
}

var errBoom = errors.New("redis недоступен")
