// retention.go — фоновое обслуживание очереди.
//
// Цикл выполняет три задачи:
//  1. Переводит отложенные задачи с истёкшим backoff в waiting
//  2. Удаляет завершённые задачи по политике хранения
//     (completed — 24ч / 1000 последних, failed — 7 дней)
//  3. Обновляет gauge глубины очереди по состояниям
//
// Запускается как горутина с периодическим тикером (PM_RETENTION_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/metrics"
	"github.com/bigkaa/goartstore/processing-module/internal/queue"
)

// RetentionQueue — операции очереди, нужные сервису хранения.
type RetentionQueue interface {
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)
	Prune(ctx context.Context, policy queue.RetentionPolicy, now time.Time) (int, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// RetentionResult — результат одного цикла.
type RetentionResult struct {
	// Promoted — задачи, возвращённые из delayed в waiting
	Promoted int
	// Pruned — удалённые завершённые задачи
	Pruned   int
	Errors   int
	Duration time.Duration
}

// RetentionService — сервис обслуживания очереди.
type RetentionService struct {
	queue    RetentionQueue
	policy   queue.RetentionPolicy
	interval time.Duration
	metrics  metrics.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewRetentionService создаёт сервис обслуживания очереди.
func NewRetentionService(
	q RetentionQueue,
	policy queue.RetentionPolicy,
	interval time.Duration,
	sink metrics.Sink,
	logger *slog.Logger,
) *RetentionService {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &RetentionService{
		queue:    q,
		policy:   policy,
		interval: interval,
		metrics:  sink,
		logger:   logger.With(slog.String("component", "retention")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (rs *RetentionService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Обслуживание очереди запущено",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновый процесс.
func (rs *RetentionService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Обслуживание очереди остановлено")
}

func (rs *RetentionService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	rs.RunOnce(ctx)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл обслуживания.
func (rs *RetentionService) RunOnce(ctx context.Context) *RetentionResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	start := time.Now()
	now := rs.now()
	result := &RetentionResult{}

	promoted, err := rs.queue.PromoteDelayed(ctx, now)
	if err != nil {
		rs.logger.Error("Ошибка перевода отложенных задач", slog.String("error", err.Error()))
		result.Errors++
	}
	result.Promoted = promoted

	pruned, err := rs.queue.Prune(ctx, rs.policy, now)
	if err != nil {
		rs.logger.Error("Ошибка очистки завершённых задач", slog.String("error", err.Error()))
		result.Errors++
	}
	result.Pruned = pruned

	counts, err := rs.queue.Counts(ctx)
	if err != nil {
		rs.logger.Error("Ошибка получения размеров очереди", slog.String("error", err.Error()))
		result.Errors++
	} else {
		rs.metrics.SetQueueDepth("waiting", counts.Waiting)
		rs.metrics.SetQueueDepth("active", counts.Active)
		rs.metrics.SetQueueDepth("delayed", counts.Delayed)
		rs.metrics.SetQueueDepth("completed", counts.Completed)
		rs.metrics.SetQueueDepth("failed", counts.Failed)
	}

	result.Duration = time.Since(start)

	level := slog.LevelDebug
	if result.Pruned > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	rs.logger.Log(ctx, level, "Обслуживание очереди завершено",
		slog.Int("promoted", result.Promoted),
		slog.Int("pruned", result.Pruned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}
