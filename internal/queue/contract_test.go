package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/jobstate"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// testClock — управляемые часы движка.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// queueFactory создаёт пустой движок с часами clock.
type queueFactory func(t *testing.T, clock *testClock) Queue

func testPolicy() model.JobPolicy {
	return model.DefaultJobPolicy(time.Minute)
}

func enqueue(t *testing.T, q Queue, jobType model.JobType, priority int) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), jobType, model.JobPayload{
		FileID:   "file-" + jobTypeSuffix(jobType),
		Priority: priority,
		Status:   model.JobRunning,
	}, testPolicy())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func jobTypeSuffix(t model.JobType) string { return string(t) }

func mustDequeue(t *testing.T, q Queue, jobType model.JobType) *Job {
	t.Helper()
	job, err := q.Dequeue(context.Background(), jobType)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil {
		t.Fatal("Dequeue: ожидалась задача, очередь пуста")
	}
	return job
}

func expectState(t *testing.T, q Queue, id string, want jobstate.NativeState) *Job {
	t.Helper()
	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	if job.State != want {
		t.Fatalf("состояние = %q, ожидалось %q", job.State, want)
	}
	return job
}

// runQueueContract проверяет общую семантику движков очереди.
func runQueueContract(t *testing.T, factory queueFactory) {
	ctx := context.Background()

	t.Run("PriorityOrder", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		low := enqueue(t, q, model.JobThumbnail, 2)
		clock.Advance(time.Millisecond)
		high := enqueue(t, q, model.JobThumbnail, 9)
		clock.Advance(time.Millisecond)
		high2 := enqueue(t, q, model.JobThumbnail, 9)

		for _, want := range []string{high, high2, low} {
			if got := mustDequeue(t, q, model.JobThumbnail); got.ID != want {
				t.Errorf("порядок извлечения: получен %s, ожидался %s", got.ID, want)
			}
		}
	})

	t.Run("TypeIsolation", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		enqueue(t, q, model.JobThumbnail, 5)

		job, err := q.Dequeue(ctx, model.JobPDFOptimize)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if job != nil {
			t.Errorf("очередь pdf-optimize должна быть пуста, получена %s", job.ID)
		}
	})

	t.Run("CompleteLifecycle", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		id := enqueue(t, q, model.JobFullProcessing, 5)
		expectState(t, q, id, jobstate.NativeWaiting)

		job := mustDequeue(t, q, model.JobFullProcessing)
		if job.ProcessedAt == nil {
			t.Error("ProcessedAt должен быть выставлен при извлечении")
		}
		if job.Payload.FileID != "file-full-processing" {
			t.Errorf("payload.FileID = %q", job.Payload.FileID)
		}

		if err := q.UpdateProgress(ctx, id, 50); err != nil {
			t.Fatalf("UpdateProgress: %v", err)
		}
		if got := expectState(t, q, id, jobstate.NativeActive); got.Progress != 50 {
			t.Errorf("progress = %d, ожидалось 50", got.Progress)
		}

		clock.Advance(2 * time.Second)
		result := &model.ProcessingResult{Success: true}
		if err := q.Complete(ctx, id, result); err != nil {
			t.Fatalf("Complete: %v", err)
		}

		done := expectState(t, q, id, jobstate.NativeCompleted)
		if done.Progress != 100 {
			t.Errorf("progress = %d, ожидалось 100", done.Progress)
		}
		if done.Result == nil || !done.Result.Success {
			t.Error("результат должен быть сохранён")
		}
		if done.FinishedAt == nil || done.FinishedAt.Sub(*done.ProcessedAt) != 2*time.Second {
			t.Errorf("FinishedAt/ProcessedAt некорректны: %v / %v", done.FinishedAt, done.ProcessedAt)
		}

		if err := q.UpdateProgress(ctx, id, 10); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("UpdateProgress завершённой задачи: ожидалась ErrJobNotFound, получено %v", err)
		}
	})

	// Backoff 5s → 10s, третья ошибка исчерпывает бюджет
	t.Run("RetryBackoff", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		id := enqueue(t, q, model.JobThumbnail, 5)

		mustDequeue(t, q, model.JobThumbnail)
		retry, err := q.Fail(ctx, id, "boom", true)
		if err != nil || !retry {
			t.Fatalf("Fail #1: retry=%v err=%v, ожидался повтор", retry, err)
		}
		expectState(t, q, id, jobstate.NativeDelayed)

		if job, _ := q.Dequeue(ctx, model.JobThumbnail); job != nil {
			t.Fatal("задача не должна быть доступна до истечения backoff")
		}
		clock.Advance(5 * time.Second)
		mustDequeue(t, q, model.JobThumbnail)

		if retry, _ := q.Fail(ctx, id, "boom", true); !retry {
			t.Fatal("Fail #2: ожидался повтор")
		}
		clock.Advance(9 * time.Second)
		if job, _ := q.Dequeue(ctx, model.JobThumbnail); job != nil {
			t.Fatal("второй backoff должен быть 10s")
		}
		clock.Advance(time.Second)
		mustDequeue(t, q, model.JobThumbnail)

		retry, err = q.Fail(ctx, id, "final", true)
		if err != nil || retry {
			t.Fatalf("Fail #3: retry=%v err=%v, ожидалось исчерпание бюджета", retry, err)
		}
		job := expectState(t, q, id, jobstate.NativeFailed)
		if job.AttemptsMade != 3 {
			t.Errorf("attempts = %d, ожидалось 3", job.AttemptsMade)
		}
		if job.FailedReason != "final" {
			t.Errorf("failed reason = %q", job.FailedReason)
		}
	})

	t.Run("NonRetryableFail", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		id := enqueue(t, q, model.JobVirusRescan, 5)
		mustDequeue(t, q, model.JobVirusRescan)

		retry, err := q.Fail(ctx, id, "SECURITY_THREAT", false)
		if err != nil || retry {
			t.Fatalf("Fail: retry=%v err=%v", retry, err)
		}
		if job := expectState(t, q, id, jobstate.NativeFailed); job.AttemptsMade != 1 {
			t.Errorf("attempts = %d, ожидалось 1", job.AttemptsMade)
		}
	})

	t.Run("ManualRetry", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		id := enqueue(t, q, model.JobPDFOptimize, 5)

		if err := q.Retry(ctx, id); !errors.Is(err, ErrNotFailed) {
			t.Errorf("Retry waiting-задачи: ожидалась ErrNotFailed, получено %v", err)
		}
		if err := q.Retry(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Retry неизвестной задачи: ожидалась ErrJobNotFound, получено %v", err)
		}

		mustDequeue(t, q, model.JobPDFOptimize)
		if _, err := q.Fail(ctx, id, "broken pdf", false); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if err := q.Retry(ctx, id); err != nil {
			t.Fatalf("Retry: %v", err)
		}

		job := expectState(t, q, id, jobstate.NativeWaiting)
		if job.AttemptsMade != 0 || job.FailedReason != "" {
			t.Errorf("после Retry: attempts=%d reason=%q, ожидался сброс", job.AttemptsMade, job.FailedReason)
		}
		mustDequeue(t, q, model.JobPDFOptimize)
	})

	t.Run("Remove", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		waiting := enqueue(t, q, model.JobFormatConvert, 5)
		active := enqueue(t, q, model.JobFullProcessing, 5)
		mustDequeue(t, q, model.JobFullProcessing)

		if err := q.Remove(ctx, waiting); err != nil {
			t.Fatalf("Remove waiting: %v", err)
		}
		if _, err := q.Get(ctx, waiting); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Get удалённой задачи: ожидалась ErrJobNotFound, получено %v", err)
		}
		if job, _ := q.Dequeue(ctx, model.JobFormatConvert); job != nil {
			t.Error("удалённая задача не должна извлекаться")
		}

		if err := q.Remove(ctx, active); err != nil {
			t.Fatalf("Remove active: %v", err)
		}
		if err := q.Complete(ctx, active, nil); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Complete удалённой задачи: ожидалась ErrJobNotFound, получено %v", err)
		}
		if err := q.Remove(ctx, active); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("повторный Remove: ожидалась ErrJobNotFound, получено %v", err)
		}
	})

	t.Run("Counts", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		enqueue(t, q, model.JobThumbnail, 5)
		enqueue(t, q, model.JobThumbnail, 5)
		failed := enqueue(t, q, model.JobVirusRescan, 5)
		enqueue(t, q, model.JobFullProcessing, 5)

		mustDequeue(t, q, model.JobVirusRescan)
		if _, err := q.Fail(ctx, failed, "x", false); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		mustDequeue(t, q, model.JobFullProcessing)

		c, err := q.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if c.Waiting != 2 || c.Active != 1 || c.Failed != 1 || c.Completed != 0 || c.Delayed != 0 {
			t.Errorf("counts = %+v", c)
		}
		if c.WaitingByType[model.JobThumbnail] != 2 {
			t.Errorf("waiting thumbnail = %d, ожидалось 2", c.WaitingByType[model.JobThumbnail])
		}
	})

	t.Run("Stalled", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		policy := model.DefaultJobPolicy(time.Second)
		policy.Attempts = 2
		id, err := q.Enqueue(ctx, model.JobThumbnail, model.JobPayload{FileID: "f", Priority: 5}, policy)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		mustDequeue(t, q, model.JobThumbnail)
		res, _ := q.RequeueStalled(ctx, clock.Now().Add(time.Second))
		if len(res.Requeued)+len(res.Failed) != 0 {
			t.Fatalf("задача в пределах дедлайна не должна считаться зависшей: %+v", res)
		}

		clock.Advance(time.Second + StalledGrace + time.Millisecond)
		res, err = q.RequeueStalled(ctx, clock.Now())
		if err != nil {
			t.Fatalf("RequeueStalled: %v", err)
		}
		if len(res.Requeued) != 1 || res.Requeued[0] != id {
			t.Fatalf("ожидался возврат %s в очередь, получено %+v", id, res)
		}
		expectState(t, q, id, jobstate.NativeWaiting)

		mustDequeue(t, q, model.JobThumbnail)
		clock.Advance(time.Second + StalledGrace + time.Millisecond)
		res, _ = q.RequeueStalled(ctx, clock.Now())
		if len(res.Failed) != 1 || res.Failed[0] != id {
			t.Fatalf("ожидался перевод %s в failed, получено %+v", id, res)
		}
		expectState(t, q, id, jobstate.NativeFailed)
	})

	t.Run("Prune", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)

		var ids []string
		for i := 0; i < 3; i++ {
			id := enqueue(t, q, model.JobThumbnail, 5)
			mustDequeue(t, q, model.JobThumbnail)
			if err := q.Complete(ctx, id, nil); err != nil {
				t.Fatalf("Complete: %v", err)
			}
			ids = append(ids, id)
			clock.Advance(time.Hour)
		}
		oldFailed := enqueue(t, q, model.JobVirusRescan, 5)
		mustDequeue(t, q, model.JobVirusRescan)
		if _, err := q.Fail(ctx, oldFailed, "x", false); err != nil {
			t.Fatalf("Fail: %v", err)
		}

		policy := RetentionPolicy{
			KeepCompletedFor:   270 * time.Minute,
			KeepCompletedCount: 1,
			KeepFailedFor:      time.Hour,
		}
		clock.Advance(2 * time.Hour)
		removed, err := q.Prune(ctx, policy, clock.Now())
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		// ids[0] по возрасту, ids[1] по лимиту количества, failed по возрасту
		if removed != 3 {
			t.Errorf("удалено %d, ожидалось 3", removed)
		}
		expectState(t, q, ids[2], jobstate.NativeCompleted)
		for _, id := range []string{ids[0], ids[1], oldFailed} {
			if _, err := q.Get(ctx, id); !errors.Is(err, ErrJobNotFound) {
				t.Errorf("задача %s должна быть удалена, получено %v", id, err)
			}
		}
	})

	t.Run("Events", func(t *testing.T) {
		clock := newTestClock()
		q := factory(t, clock)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		events, err := q.Subscribe(subCtx)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		id := enqueue(t, q, model.JobThumbnail, 5)
		mustDequeue(t, q, model.JobThumbnail)

		want := []EventType{EventEnqueued, EventActive}
		for _, wt := range want {
			select {
			case ev := <-events:
				if ev.Type != wt || ev.JobID != id {
					t.Errorf("событие = %s/%s, ожидалось %s/%s", ev.Type, ev.JobID, wt, id)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("не получено событие %s", wt)
			}
		}
	})
}
