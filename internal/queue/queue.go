// Пакет queue — движок очереди задач обработки.
//
// Модель состояний (нативные состояния, см. jobstate.NativeState):
//   - waiting — в приоритетной очереди своего типа
//   - delayed — ожидает повтора после ошибки (backoff)
//   - active — выполняется воркером, удерживается до дедлайна блокировки
//   - completed, failed — завершена; хранится до очистки по политике
//
// Реализации: Redis (несколько экземпляров сервиса) и in-memory
// (один экземпляр, тесты). Семантика одинакова.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/jobstate"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// Ошибки движка очереди.
var (
	// ErrJobNotFound — задача неизвестна движку (в т.ч. удалена или очищена).
	ErrJobNotFound = errors.New("задача не найдена в очереди")
	// ErrNotFailed — ручной повтор возможен только для задачи в состоянии failed.
	ErrNotFailed = errors.New("задача не в состоянии failed")
)

// StalledGrace — запас к таймауту задачи до признания её зависшей.
const StalledGrace = 30 * time.Second

// Job — задача в движке очереди.
type Job struct {
	ID           string                  `json:"id"`
	Type         model.JobType           `json:"type"`
	Payload      model.JobPayload        `json:"payload"`
	Policy       model.JobPolicy         `json:"policy"`
	State        jobstate.NativeState    `json:"state"`
	Progress     int                     `json:"progress"`
	AttemptsMade int                     `json:"attempts_made"`
	Result       *model.ProcessingResult `json:"result,omitempty"`
	FailedReason string                  `json:"failed_reason,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	// ProcessedAt — начало последней попытки
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Counts — количество задач по нативным состояниям.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	// WaitingByType — ожидающие задачи по типам
	WaitingByType map[model.JobType]int64 `json:"waiting_by_type"`
}

// Engine — операции постановки и управления задачами.
type Engine interface {
	// Enqueue ставит задачу в очередь типа jobType и возвращает её ID.
	Enqueue(ctx context.Context, jobType model.JobType, payload model.JobPayload, policy model.JobPolicy) (string, error)
	// Get возвращает задачу или ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*Job, error)
	// Remove удаляет задачу из движка в любом состоянии.
	// Выполняющийся воркер не прерывается: его Complete/Fail вернут ErrJobNotFound.
	Remove(ctx context.Context, jobID string) error
	// Retry возвращает failed-задачу в очередь, обнуляя попытки и причину ошибки.
	Retry(ctx context.Context, jobID string) error
	// Counts возвращает количество задач по состояниям.
	Counts(ctx context.Context) (Counts, error)
}

// Consumer — операции воркера.
type Consumer interface {
	// Dequeue забирает задачу с наивысшим приоритетом типа jobType.
	// Возвращает nil, nil, если очередь пуста.
	Dequeue(ctx context.Context, jobType model.JobType) (*Job, error)
	// UpdateProgress обновляет прогресс выполняющейся задачи (0-100).
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	// Complete переводит активную задачу в completed.
	Complete(ctx context.Context, jobID string, result *model.ProcessingResult) error
	// Fail фиксирует ошибку попытки. При retryable и оставшемся бюджете
	// задача откладывается с экспоненциальным backoff (willRetry = true).
	Fail(ctx context.Context, jobID string, reason string, retryable bool) (willRetry bool, err error)
}

// RetentionPolicy — политика очистки завершённых задач.
type RetentionPolicy struct {
	KeepCompletedFor   time.Duration
	KeepCompletedCount int
	KeepFailedFor      time.Duration
}

// DefaultRetentionPolicy — 24ч/1000 для completed, 7 дней для failed.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		KeepCompletedFor:   model.DefaultKeepCompletedFor,
		KeepCompletedCount: model.DefaultKeepCompletedCount,
		KeepFailedFor:      model.DefaultKeepFailedFor,
	}
}

// StalledResult — итог обработки зависших задач.
type StalledResult struct {
	// Requeued — возвращены в очередь
	Requeued []string
	// Failed — бюджет попыток исчерпан
	Failed []string
}

// Maintainer — обслуживание очереди фоновыми процессами.
type Maintainer interface {
	// PromoteDelayed переводит отложенные задачи с истёкшим backoff в waiting.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)
	// RequeueStalled обрабатывает активные задачи с истёкшим дедлайном блокировки.
	RequeueStalled(ctx context.Context, now time.Time) (StalledResult, error)
	// Prune удаляет завершённые задачи согласно политике.
	Prune(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error)
}

// Queue — полный контракт движка очереди.
type Queue interface {
	Engine
	Consumer
	Maintainer
	// Subscribe возвращает канал событий; закрывается при отмене ctx
	// или Close. Вызывающий обязан отменить ctx, иначе подписка
	// живёт до закрытия очереди.
	Subscribe(ctx context.Context) (<-chan Event, error)
	// Ping проверяет доступность движка.
	Ping(ctx context.Context) error
	Close() error
}

// priorityScore — ключ сортировки очереди: меньше — раньше.
// Высокий приоритет идёт первым, при равном — FIFO.
func priorityScore(priority int, created time.Time) float64 {
	return float64(11-priority)*1e13 + float64(created.UnixMilli())
}

// backoffDelay — задержка перед повтором после attemptsMade попыток.
func backoffDelay(policy model.JobPolicy, attemptsMade int) time.Duration {
	return policy.BackoffFor(attemptsMade)
}
