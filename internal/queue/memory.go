package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/jobstate"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// memJob — задача in-memory движка.
type memJob struct {
	job       Job
	score     float64
	runAt     time.Time // для delayed
	lockUntil time.Time // для active
	machine   *jobstate.Machine
}

// MemoryQueue — in-memory движок очереди для одного экземпляра сервиса.
// Потокобезопасен через sync.Mutex.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*memJob
	events *hub
	logger *slog.Logger
	now    func() time.Time
	closed bool
}

// NewMemoryQueue создаёт in-memory движок очереди.
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]*memJob),
		events: newHub(),
		logger: logger.With(slog.String("component", "memory_queue")),
		now:    time.Now,
	}
}

// Enqueue ставит задачу в waiting.
func (q *MemoryQueue) Enqueue(
	_ context.Context, jobType model.JobType, payload model.JobPayload, policy model.JobPolicy,
) (string, error) {
	if !jobType.IsValid() {
		return "", fmt.Errorf("неизвестный тип задачи: %q", jobType)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", fmt.Errorf("очередь закрыта")
	}
	now := q.now().UTC()
	id := uuid.New().String()
	payload.JobType = jobType
	q.jobs[id] = &memJob{
		job: Job{
			ID:        id,
			Type:      jobType,
			Payload:   payload,
			Policy:    policy,
			State:     jobstate.NativeWaiting,
			CreatedAt: now,
		},
		score:   priorityScore(payload.Priority, now),
		machine: jobstate.NewMachine(),
	}
	q.mu.Unlock()

	q.events.publish(Event{Type: EventEnqueued, JobID: id, JobType: jobType, FileID: payload.FileID, Time: now})
	return id, nil
}

// Get возвращает копию задачи.
func (q *MemoryQueue) Get(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	mj, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	job := mj.job
	return &job, nil
}

// Remove удаляет задачу в любом состоянии.
func (q *MemoryQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	delete(q.jobs, jobID)
	q.mu.Unlock()

	q.events.publish(Event{
		Type: EventRemoved, JobID: jobID, JobType: mj.job.Type, FileID: mj.job.Payload.FileID, Time: q.now().UTC(),
	})
	return nil
}

// Retry возвращает failed-задачу в waiting с обнулённым счётчиком попыток.
func (q *MemoryQueue) Retry(_ context.Context, jobID string) error {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if mj.job.State != jobstate.NativeFailed {
		q.mu.Unlock()
		return ErrNotFailed
	}
	if err := mj.machine.TransitionTo(model.JobQueued, "manual retry"); err != nil {
		q.mu.Unlock()
		return err
	}
	now := q.now().UTC()
	mj.job.State = jobstate.NativeWaiting
	mj.job.AttemptsMade = 0
	mj.job.FailedReason = ""
	mj.job.Progress = 0
	mj.job.ProcessedAt = nil
	mj.job.FinishedAt = nil
	mj.score = priorityScore(mj.job.Payload.Priority, mj.job.CreatedAt)
	ev := Event{Type: EventRetried, JobID: jobID, JobType: mj.job.Type, FileID: mj.job.Payload.FileID, Time: now}
	q.mu.Unlock()

	q.events.publish(ev)
	return nil
}

// Counts подсчитывает задачи по состояниям.
func (q *MemoryQueue) Counts(_ context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Counts{WaitingByType: make(map[model.JobType]int64, len(model.AllJobTypes))}
	for _, mj := range q.jobs {
		switch mj.job.State {
		case jobstate.NativeWaiting:
			c.Waiting++
			c.WaitingByType[mj.job.Type]++
		case jobstate.NativeActive:
			c.Active++
		case jobstate.NativeDelayed:
			c.Delayed++
		case jobstate.NativeCompleted:
			c.Completed++
		case jobstate.NativeFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Dequeue забирает задачу с минимальным score среди waiting указанного типа.
// Отложенные задачи с истёкшим backoff предварительно переводятся в waiting.
func (q *MemoryQueue) Dequeue(_ context.Context, jobType model.JobType) (*Job, error) {
	q.mu.Lock()
	now := q.now().UTC()
	q.promoteLocked(now)

	var best *memJob
	for _, mj := range q.jobs {
		if mj.job.Type != jobType || mj.job.State != jobstate.NativeWaiting {
			continue
		}
		if best == nil || mj.score < best.score {
			best = mj
		}
	}
	if best == nil {
		q.mu.Unlock()
		return nil, nil
	}

	if err := best.machine.TransitionTo(model.JobRunning, "dequeued"); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	best.job.State = jobstate.NativeActive
	started := now
	best.job.ProcessedAt = &started
	best.lockUntil = now.Add(best.job.Policy.Timeout + StalledGrace)
	job := best.job
	q.mu.Unlock()

	q.events.publish(Event{
		Type: EventActive, JobID: job.ID, JobType: job.Type, FileID: job.Payload.FileID,
		AttemptsMade: job.AttemptsMade, Time: now,
	})
	return &job, nil
}

// UpdateProgress обновляет прогресс активной задачи.
func (q *MemoryQueue) UpdateProgress(_ context.Context, jobID string, progress int) error {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok || mj.job.State != jobstate.NativeActive {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	mj.job.Progress = clampProgress(progress)
	mj.job.Payload.Progress = mj.job.Progress
	ev := Event{
		Type: EventProgress, JobID: jobID, JobType: mj.job.Type, FileID: mj.job.Payload.FileID,
		Progress: mj.job.Progress, Time: q.now().UTC(),
	}
	q.mu.Unlock()

	q.events.publish(ev)
	return nil
}

// Complete переводит активную задачу в completed.
func (q *MemoryQueue) Complete(_ context.Context, jobID string, result *model.ProcessingResult) error {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok || mj.job.State != jobstate.NativeActive {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if err := mj.machine.TransitionTo(model.JobCompleted, "completed"); err != nil {
		q.mu.Unlock()
		return err
	}
	now := q.now().UTC()
	mj.job.State = jobstate.NativeCompleted
	mj.job.Progress = 100
	mj.job.Result = result
	mj.job.FinishedAt = &now
	ev := Event{
		Type: EventCompleted, JobID: jobID, JobType: mj.job.Type, FileID: mj.job.Payload.FileID,
		AttemptsMade: mj.job.AttemptsMade, Duration: attemptDuration(mj.job.ProcessedAt, now), Time: now,
	}
	q.mu.Unlock()

	q.events.publish(ev)
	return nil
}

// Fail фиксирует неудачную попытку.
func (q *MemoryQueue) Fail(_ context.Context, jobID string, reason string, retryable bool) (bool, error) {
	q.mu.Lock()
	mj, ok := q.jobs[jobID]
	if !ok || mj.job.State != jobstate.NativeActive {
		q.mu.Unlock()
		return false, ErrJobNotFound
	}

	now := q.now().UTC()
	duration := attemptDuration(mj.job.ProcessedAt, now)
	willRetry, err := q.failLocked(mj, reason, retryable, now)
	if err != nil {
		q.mu.Unlock()
		return false, err
	}
	ev := Event{
		Type: EventFailed, JobID: jobID, JobType: mj.job.Type, FileID: mj.job.Payload.FileID,
		AttemptsMade: mj.job.AttemptsMade, Error: reason, Duration: duration, Time: now,
	}
	if willRetry {
		ev.Type = EventRetrying
	}
	q.mu.Unlock()

	q.events.publish(ev)
	return willRetry, nil
}

// failLocked — общая логика неудачной попытки. Вызывается под q.mu.
func (q *MemoryQueue) failLocked(mj *memJob, reason string, retryable bool, now time.Time) (bool, error) {
	mj.job.AttemptsMade++
	mj.job.FailedReason = reason

	if retryable && mj.job.AttemptsMade < mj.job.Policy.Attempts {
		if err := mj.machine.TransitionTo(model.JobQueued, reason); err != nil {
			return false, err
		}
		mj.job.State = jobstate.NativeDelayed
		mj.runAt = now.Add(backoffDelay(mj.job.Policy, mj.job.AttemptsMade))
		return true, nil
	}

	if err := mj.machine.TransitionTo(model.JobFailed, reason); err != nil {
		return false, err
	}
	mj.job.State = jobstate.NativeFailed
	mj.job.FinishedAt = &now
	return false, nil
}

// PromoteDelayed переводит отложенные задачи с истёкшим backoff в waiting.
func (q *MemoryQueue) PromoteDelayed(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.promoteLocked(now), nil
}

func (q *MemoryQueue) promoteLocked(now time.Time) int {
	promoted := 0
	for _, mj := range q.jobs {
		if mj.job.State == jobstate.NativeDelayed && !mj.runAt.After(now) {
			mj.job.State = jobstate.NativeWaiting
			promoted++
		}
	}
	return promoted
}

// RequeueStalled обрабатывает активные задачи с истёкшим дедлайном блокировки.
// Зависание считается попыткой: при исчерпании бюджета задача уходит в failed.
func (q *MemoryQueue) RequeueStalled(_ context.Context, now time.Time) (StalledResult, error) {
	var res StalledResult
	var events []Event

	q.mu.Lock()
	for id, mj := range q.jobs {
		if mj.job.State != jobstate.NativeActive || mj.lockUntil.After(now) {
			continue
		}
		// Зависшая задача возвращается сразу в waiting, без backoff
		mj.job.AttemptsMade++
		mj.job.FailedReason = stalledReason
		if mj.job.AttemptsMade < mj.job.Policy.Attempts {
			if err := mj.machine.TransitionTo(model.JobQueued, stalledReason); err != nil {
				q.logger.Warn("Недопустимый переход зависшей задачи",
					slog.String("job_id", id), slog.String("error", err.Error()))
				continue
			}
			mj.job.State = jobstate.NativeWaiting
			res.Requeued = append(res.Requeued, id)
		} else {
			if err := mj.machine.TransitionTo(model.JobFailed, stalledReason); err != nil {
				q.logger.Warn("Недопустимый переход зависшей задачи",
					slog.String("job_id", id), slog.String("error", err.Error()))
				continue
			}
			finished := now
			mj.job.State = jobstate.NativeFailed
			mj.job.FinishedAt = &finished
			res.Failed = append(res.Failed, id)
		}
		events = append(events, Event{
			Type: EventStalled, JobID: id, JobType: mj.job.Type, FileID: mj.job.Payload.FileID,
			AttemptsMade: mj.job.AttemptsMade, Error: stalledReason, Time: now,
		})
	}
	q.mu.Unlock()

	for _, ev := range events {
		q.events.publish(ev)
	}
	return res, nil
}

// Prune удаляет завершённые задачи по политике хранения.
func (q *MemoryQueue) Prune(_ context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	var completed []*memJob
	for id, mj := range q.jobs {
		switch mj.job.State {
		case jobstate.NativeCompleted:
			if finishedBefore(mj.job.FinishedAt, now.Add(-policy.KeepCompletedFor)) {
				delete(q.jobs, id)
				removed++
				continue
			}
			completed = append(completed, mj)
		case jobstate.NativeFailed:
			if finishedBefore(mj.job.FinishedAt, now.Add(-policy.KeepFailedFor)) {
				delete(q.jobs, id)
				removed++
			}
		}
	}

	if policy.KeepCompletedCount > 0 && len(completed) > policy.KeepCompletedCount {
		// Новейшие первыми
		sort.Slice(completed, func(i, j int) bool {
			return completed[i].job.FinishedAt.After(*completed[j].job.FinishedAt)
		})
		for _, mj := range completed[policy.KeepCompletedCount:] {
			delete(q.jobs, mj.job.ID)
			removed++
		}
	}
	return removed, nil
}

// Subscribe подписывает на события движка. Подписка живёт до отмены
// ctx или Close очереди; вызывающий обязан отменить ctx.
func (q *MemoryQueue) Subscribe(ctx context.Context) (<-chan Event, error) {
	return q.events.subscribe(ctx), nil
}

// Ping для in-memory движка всегда успешен, пока очередь не закрыта.
func (q *MemoryQueue) Ping(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("очередь закрыта")
	}
	return nil
}

// Close закрывает очередь и каналы подписчиков.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.events.close()
	return nil
}

// History возвращает историю публичных статусов задачи.
func (q *MemoryQueue) History(jobID string) ([]jobstate.TransitionRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return mj.machine.History(), nil
}

// stalledReason — причина ошибки зависшей задачи.
const stalledReason = "job stalled: lock deadline exceeded"

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func attemptDuration(started *time.Time, finished time.Time) time.Duration {
	if started == nil {
		return 0
	}
	return finished.Sub(*started)
}

func finishedBefore(finished *time.Time, cutoff time.Time) bool {
	return finished != nil && finished.Before(cutoff)
}
