package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// EventType — тип события жизненного цикла задачи.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	// EventRetrying — попытка упала, задача отложена до повтора
	EventRetrying EventType = "retrying"
	EventStalled  EventType = "stalled"
	EventRemoved  EventType = "removed"
	// EventRetried — ручной повтор failed-задачи
	EventRetried EventType = "retried"
)

// Event — событие движка очереди.
type Event struct {
	Type         EventType     `json:"type"`
	JobID        string        `json:"job_id"`
	JobType      model.JobType `json:"job_type,omitempty"`
	FileID       string        `json:"file_id,omitempty"`
	AttemptsMade int           `json:"attempts_made,omitempty"`
	Progress     int           `json:"progress,omitempty"`
	Error        string        `json:"error,omitempty"`
	// Duration — длительность попытки для completed/failed
	Duration time.Duration `json:"duration,omitempty"`
	Time     time.Time     `json:"time"`
}

// eventBufferSize — буфер канала подписчика.
const eventBufferSize = 256

// hub — рассылка событий локальным подписчикам.
// Медленный подписчик теряет события, публикация не блокируется.
type hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	// done закрывается в close
	done   chan struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{}), done: make(chan struct{})}
}

// subscribe регистрирует подписчика до отмены ctx или закрытия hub.
// После закрытия возвращает уже закрытый канал.
func (h *hub) subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, eventBufferSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.unsubscribe(ch)
		case <-h.done:
		}
	}()
	return ch
}

func (h *hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
