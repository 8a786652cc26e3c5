// reconcile.go — фоновая сверка очереди и записей файлов.
//
// Обнаруживает:
//   - stalled: активная задача с истёкшим дедлайном блокировки (воркер
//     завершился аварийно) — возвращается в очередь или падает, если
//     бюджет попыток исчерпан
//   - job_lost: файл давно в processing, а его задачи нет в очереди —
//     файл переводится в failed, чтобы его можно было поставить заново
//
// Запускается как горутина с периодическим тикером (PM_RECONCILE_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/queue"
	"github.com/bigkaa/goartstore/processing-module/internal/repository"
)

// reconcileBatchSize — файлов в processing за один цикл.
const reconcileBatchSize = 500

// JobLostMessage — ошибка файла, задача которого исчезла из очереди.
const JobLostMessage = "задача обработки потеряна: отсутствует в очереди"

// ReconcileQueue — операции очереди, нужные сверке.
type ReconcileQueue interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	RequeueStalled(ctx context.Context, now time.Time) (queue.StalledResult, error)
}

// ReconcileResult — результат одного цикла сверки.
type ReconcileResult struct {
	Requeued int
	// StalledFailed — зависшие задачи с исчерпанным бюджетом попыток
	StalledFailed int
	// LostJobs — файлы, переведённые в failed из-за потерянной задачи
	LostJobs int
	Errors   int
	Duration time.Duration
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	queue      ReconcileQueue
	files      repository.FileRepository
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис сверки.
// staleAfter — сколько файл должен пробыть в processing без обновлений,
// чтобы его задача проверялась на существование.
func NewReconcileService(
	q ReconcileQueue,
	files repository.FileRepository,
	interval time.Duration,
	staleAfter time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		queue:      q,
		files:      files,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With(slog.String("component", "reconcile")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
		slog.String("stale_after", rs.staleAfter.String()),
	)
}

// Stop останавливает фоновый процесс.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
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

// RunOnce выполняет один цикл сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	start := time.Now()
	now := rs.now()
	result := &ReconcileResult{}

	stalled, err := rs.queue.RequeueStalled(ctx, now)
	if err != nil {
		rs.logger.Error("Ошибка обработки зависших задач", slog.String("error", err.Error()))
		result.Errors++
	}
	result.Requeued = len(stalled.Requeued)
	result.StalledFailed = len(stalled.Failed)
	for _, jobID := range stalled.Failed {
		rs.failStalledFile(ctx, jobID, result)
	}

	rs.reconcileFiles(ctx, now, result)

	result.Duration = time.Since(start)
	rs.logger.Info("Сверка завершена",
		slog.Int("requeued", result.Requeued),
		slog.Int("stalled_failed", result.StalledFailed),
		slog.Int("lost_jobs", result.LostJobs),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, false
}

// failStalledFile переводит в failed файл задачи, упавшей после зависания.
func (rs *ReconcileService) failStalledFile(ctx context.Context, jobID string, result *ReconcileResult) {
	job, err := rs.queue.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			result.Errors++
		}
		return
	}
	if err := rs.files.Update(ctx, job.Payload.FileID, model.FileUpdate{
		ProcessingState: model.Ptr(model.ProcessingFailed),
		ProcessingError: model.Ptr(job.FailedReason),
	}); err != nil && !errors.Is(err, repository.ErrNotFound) {
		rs.logger.Error("Ошибка обновления файла зависшей задачи",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		result.Errors++
	}
}

// reconcileFiles ищет файлы в processing, чьих задач нет в очереди.
func (rs *ReconcileService) reconcileFiles(ctx context.Context, now time.Time, result *ReconcileResult) {
	files, err := rs.files.ListByState(ctx, model.ProcessingInProgress, now.Add(-rs.staleAfter), reconcileBatchSize)
	if err != nil {
		rs.logger.Error("Ошибка выборки файлов в processing", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	for _, f := range files {
		if f.CurrentJobID != "" {
			_, err := rs.queue.Get(ctx, f.CurrentJobID)
			if err == nil {
				continue
			}
			if !errors.Is(err, queue.ErrJobNotFound) {
				rs.logger.Error("Ошибка чтения задачи при сверке",
					slog.String("file_id", f.ID),
					slog.String("job_id", f.CurrentJobID),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			}
		}

		if err := rs.files.Update(ctx, f.ID, model.FileUpdate{
			ProcessingState: model.Ptr(model.ProcessingFailed),
			ProcessingError: model.Ptr(JobLostMessage),
		}); err != nil {
			rs.logger.Error("Ошибка перевода файла в failed",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		rs.logger.Warn("Задача файла потеряна, файл переведён в failed",
			slog.String("file_id", f.ID),
			slog.String("job_id", f.CurrentJobID),
		)
		result.LostJobs++
	}
}
