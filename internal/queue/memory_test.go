package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

func newMemoryForTest(t *testing.T, clock *testClock) Queue {
	t.Helper()
	q := NewMemoryQueue(slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.now = clock.Now
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestMemoryQueue_Contract(t *testing.T) {
	runQueueContract(t, newMemoryForTest)
}

// TestMemoryQueue_History проверяет, что переходы проходят через автомат статусов.
func TestMemoryQueue_History(t *testing.T) {
	clock := newTestClock()
	q := NewMemoryQueue(slog.New(slog.NewTextHandler(io.Discard, nil)))
	q.now = clock.Now
	ctx := context.Background()

	id, err := q.Enqueue(ctx, model.JobThumbnail, model.JobPayload{FileID: "f", Priority: 5}, testPolicy())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx, model.JobThumbnail); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := q.Fail(ctx, id, "x", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := q.Retry(ctx, id); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	history, err := q.History(id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []model.JobStatus{model.JobRunning, model.JobFailed, model.JobQueued}
	if len(history) != len(want) {
		t.Fatalf("история: %d записей, ожидалось %d", len(history), len(want))
	}
	for i, rec := range history {
		if rec.To != want[i] {
			t.Errorf("переход #%d: %s, ожидался %s", i, rec.To, want[i])
		}
	}
}

func TestMemoryQueue_InvalidType(t *testing.T) {
	q := NewMemoryQueue(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := q.Enqueue(context.Background(), model.JobType("transcode"), model.JobPayload{}, testPolicy())
	if err == nil {
		t.Error("ожидалась ошибка для неизвестного типа задачи")
	}
}

// TestMemoryQueue_Closed проверяет отказ после Close.
func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(slog.New(slog.NewTextHandler(io.Discard, nil)))
	events, _ := q.Subscribe(context.Background())
	_ = q.Close()

	if err := q.Ping(context.Background()); err == nil {
		t.Error("Ping закрытой очереди должен вернуть ошибку")
	}
	if _, err := q.Enqueue(context.Background(), model.JobThumbnail, model.JobPayload{}, testPolicy()); err == nil {
		t.Error("Enqueue в закрытую очередь должен вернуть ошибку")
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Error("канал событий должен быть закрыт")
		}
	case <-time.After(time.Second):
		t.Error("канал событий не закрыт после Close")
	}
}

// TestMemoryQueue_SubscribeCancel проверяет закрытие канала событий
// при отмене контекста подписки и подписку на закрытую очередь.
func TestMemoryQueue_SubscribeCancel(t *testing.T) {
	q := NewMemoryQueue(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	events, err := q.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-events:
			closed = !ok
		case <-deadline:
			t.Fatal("канал событий не закрыт после отмены ctx")
		}
	}

	// Публикация после отписки не паникует
	if _, err := q.Enqueue(context.Background(), model.JobThumbnail, model.JobPayload{}, testPolicy()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_ = q.Close()
	late, err := q.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe после Close: %v", err)
	}
	if _, ok := <-late; ok {
		t.Error("подписка на закрытую очередь должна вернуть закрытый канал")
	}
}

func TestPriorityScore(t *testing.T) {
	now := time.Now()
	if priorityScore(10, now) >= priorityScore(1, now) {
		t.Error("высокий приоритет должен иметь меньший score")
	}
	if priorityScore(5, now) >= priorityScore(5, now.Add(time.Millisecond)) {
		t.Error("при равном приоритете раньше поставленная задача должна идти первой")
	}
	if priorityScore(9, now.Add(time.Hour)) >= priorityScore(8, now) {
		t.Error("приоритет должен доминировать над временем постановки")
	}
}
