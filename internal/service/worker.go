// worker.go — пул воркеров обработки.
//
// Для каждого типа задачи работает свой опрашивающий цикл. Число
// одновременно выполняемых задач ограничено пределом типа и общим пределом
// (golang.org/x/sync/semaphore).
//
// Конвейер задачи: загрузка содержимого (10%) → антивирусная проверка (30%)
// → диспетчер содержимого (90%) → сохранение результата (100%).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bigkaa/goartstore/processing-module/internal/dispatcher"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/metrics"
	"github.com/bigkaa/goartstore/processing-module/internal/queue"
	"github.com/bigkaa/goartstore/processing-module/internal/repository"
	"github.com/bigkaa/goartstore/processing-module/internal/storage/objectstore"
)

// Контрольные точки прогресса.
const (
	progressDownloaded = 10
	progressScanned    = 30
	progressProcessed  = 90
	progressPersisted  = 100
)

// errSuperseded — файл отменён или передан другой задаче во время
// выполнения; итог попытки не записывается.
var errSuperseded = errors.New("файл больше не принадлежит задаче")

// Scanner — антивирусная проверка буфера.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (*model.ScanResult, error)
}

// Processor — обработка содержимого по MIME-категории.
type Processor interface {
	Process(ctx context.Context, req dispatcher.Request) (*model.ProcessingResult, error)
}

// WorkerConfig — параметры пула.
type WorkerConfig struct {
	// Concurrency — общий предел одновременно выполняемых задач
	Concurrency int
	// TypeConcurrency — пределы по типам задач; тип без предела не опрашивается
	TypeConcurrency map[model.JobType]int
	// PollInterval — пауза опроса пустой очереди
	PollInterval time.Duration
}

// WorkerPool — пул воркеров.
type WorkerPool struct {
	queue     queue.Consumer
	files     repository.FileRepository
	store     objectstore.Storage
	scanner   Scanner
	processor Processor
	metrics   metrics.Sink
	logger    *slog.Logger

	cfg     WorkerConfig
	global  *semaphore.Weighted
	perType map[model.JobType]*semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// NewWorkerPool создаёт пул воркеров.
func NewWorkerPool(
	q queue.Consumer,
	files repository.FileRepository,
	store objectstore.Storage,
	scanner Scanner,
	processor Processor,
	sink metrics.Sink,
	cfg WorkerConfig,
	logger *slog.Logger,
) *WorkerPool {
	if sink == nil {
		sink = metrics.Noop{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	perType := make(map[model.JobType]*semaphore.Weighted, len(cfg.TypeConcurrency))
	for jt, n := range cfg.TypeConcurrency {
		if n > 0 {
			perType[jt] = semaphore.NewWeighted(int64(n))
		}
	}

	return &WorkerPool{
		queue:     q,
		files:     files,
		store:     store,
		scanner:   scanner,
		processor: processor,
		metrics:   sink,
		logger:    logger.With(slog.String("component", "worker")),
		cfg:       cfg,
		global:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		perType:   perType,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает опрашивающие циклы по типам задач.
func (p *WorkerPool) Start(ctx context.Context) {
	poolCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, jt := range model.AllJobTypes {
		sem, ok := p.perType[jt]
		if !ok {
			continue
		}
		p.wg.Add(1)
		go p.poll(poolCtx, jt, sem)
	}

	p.logger.Info("Пул воркеров запущен",
		slog.Int("concurrency", p.cfg.Concurrency),
		slog.Int("job_types", len(p.perType)),
	)
}

// Stop прекращает опрос и ждёт завершения выполняющихся задач,
// но не дольше, чем позволяет ctx.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Пул воркеров остановлен")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Пул воркеров остановлен по таймауту, задачи ещё выполняются")
		return ctx.Err()
	}
}

// poll — цикл опроса очереди одного типа.
func (p *WorkerPool) poll(ctx context.Context, jobType model.JobType, sem *semaphore.Weighted) {
	defer p.wg.Done()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if err := p.global.Acquire(ctx, 1); err != nil {
			sem.Release(1)
			return
		}

		job, err := p.queue.Dequeue(ctx, jobType)
		if err != nil || job == nil {
			p.global.Release(1)
			sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("Ошибка получения задачи из очереди",
					slog.String("job_type", string(jobType)),
					slog.String("error", err.Error()),
				)
			}
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer sem.Release(1)
			defer p.global.Release(1)
			// Выполняющаяся задача доживает до конца при остановке пула
			p.execute(context.WithoutCancel(ctx), job)
		}()
	}
}

// RunOnce забирает и синхронно выполняет одну задачу типа jobType.
// Возвращает false, если очередь пуста.
func (p *WorkerPool) RunOnce(ctx context.Context, jobType model.JobType) (bool, error) {
	job, err := p.queue.Dequeue(ctx, jobType)
	if err != nil {
		return false, fmt.Errorf("получение задачи: %w", err)
	}
	if job == nil {
		return false, nil
	}
	p.execute(ctx, job)
	return true, nil
}

// execute выполняет задачу и фиксирует её итог в очереди и записи файла.
func (p *WorkerPool) execute(ctx context.Context, job *queue.Job) {
	start := time.Now()
	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("file_id", job.Payload.FileID),
		slog.String("job_type", string(job.Type)),
		slog.Int("attempt", job.AttemptsMade+1),
	)
	p.metrics.JobStarted(job.Type)
	logger.Info("Задача начата")

	jobCtx := ctx
	if job.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Policy.Timeout)
		defer cancel()
	}

	result, outcome, err := p.process(jobCtx, job, logger)
	if errors.Is(err, errSuperseded) {
		p.abandon(ctx, job, logger)
		return
	}
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = model.NewProcessingError(model.CodeTimeout,
			fmt.Sprintf("превышен таймаут задачи %s", job.Policy.Timeout), true, model.ErrTimeout)
	}
	duration := time.Since(start)

	if err != nil {
		p.fail(ctx, job, err, duration, logger)
		return
	}

	result.Duration = duration
	if err := p.queue.Complete(ctx, job.ID, result); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			logger.Info("Задача удалена из очереди во время выполнения")
			return
		}
		logger.Error("Ошибка завершения задачи в очереди", slog.String("error", err.Error()))
		return
	}

	p.metrics.JobFinished(job.Type, outcome, duration)
	logger.Info("Задача завершена",
		slog.String("outcome", outcome),
		slog.Duration("duration", duration),
		slog.Int("warnings", len(result.Warnings)),
	)
}

// process выполняет конвейер задачи. Возвращает результат и исход
// (completed или skipped) либо ошибку попытки.
func (p *WorkerPool) process(
	ctx context.Context, job *queue.Job, logger *slog.Logger,
) (*model.ProcessingResult, string, error) {
	f, err := p.files.GetByID(ctx, job.Payload.FileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", model.NewProcessingError(model.CodeInternal, "запись файла отсутствует", false, model.ErrFileNotFound)
		}
		return nil, "", model.NewProcessingError(model.CodePersistence, "чтение записи файла", true, err)
	}
	if f.IsDeleted() {
		return nil, "", model.NewProcessingError(model.CodeInternal, "файл удалён", false, model.ErrFileNotFound)
	}
	if f.ProcessingState != model.ProcessingInProgress {
		// Повторная попытка после отказа
		_, err := p.files.CompareAndSetState(ctx, f.ID,
			[]model.ProcessingState{model.ProcessingFailed}, model.ProcessingInProgress, job.ID)
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, "", errSuperseded
		case err != nil:
			return nil, "", model.NewProcessingError(model.CodePersistence, "возврат файла в processing", true, err)
		}
	}

	obj, err := p.store.Download(ctx, f.StorageKey)
	if err != nil {
		return nil, "", model.NewProcessingError(model.CodeDownload, "ошибка загрузки содержимого", true, err)
	}
	p.progress(ctx, job.ID, progressDownloaded, logger)

	scan, err := p.scan(ctx, f, obj.Data, logger)
	if err != nil {
		return nil, "", err
	}
	p.progress(ctx, job.ID, progressScanned, logger)

	if job.Type == model.JobVirusRescan {
		result := &model.ProcessingResult{Success: true, Category: model.CategoryOf(f.MimeType), Scan: scan}
		if err := p.persist(ctx, f.ID, job.ID, model.ProcessingCompleted, result); err != nil {
			return nil, "", err
		}
		p.progress(ctx, job.ID, progressPersisted, logger)
		return result, metrics.OutcomeCompleted, nil
	}

	result, err := p.processor.Process(ctx, dispatcher.Request{
		File:    f,
		JobType: job.Type,
		Options: job.Payload.Options,
		Data:    obj.Data,
	})
	outcome := metrics.OutcomeCompleted
	state := model.ProcessingCompleted
	switch {
	case errors.Is(err, dispatcher.ErrNotApplicable):
		logger.Info("Обработка неприменима к файлу", slog.String("reason", err.Error()))
		outcome, state = metrics.OutcomeSkipped, model.ProcessingSkipped
		result = &model.ProcessingResult{Success: true, Category: model.CategoryOf(f.MimeType), Warnings: []string{err.Error()}}
	case err != nil:
		return nil, "", err
	}
	result.Scan = scan
	if state == model.ProcessingCompleted {
		for _, w := range result.Warnings {
			if step, _, ok := strings.Cut(w, ":"); ok {
				p.metrics.StepFailed(step)
			}
		}
	}
	p.progress(ctx, job.ID, progressProcessed, logger)

	if err := p.persist(ctx, f.ID, job.ID, state, result); err != nil {
		return nil, "", err
	}
	p.progress(ctx, job.ID, progressPersisted, logger)
	return result, outcome, nil
}

// scan проверяет содержимое и помещает заражённый файл в карантин.
func (p *WorkerPool) scan(
	ctx context.Context, f *model.FileRecord, data []byte, logger *slog.Logger,
) (*model.ScanResult, error) {
	res, err := p.scanner.Scan(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, model.NewProcessingError(model.CodeScanFailed, "проверка невозможна", false, err)
	}
	p.metrics.ScanCompleted(res.Classification, res.Duration)

	now := p.now()
	switch res.Classification {
	case model.ScanResultInfected:
		p.quarantine(ctx, f, res, now, logger)
		return res, model.NewProcessingError(model.CodeSecurityThreat,
			"обнаружены угрозы: "+strings.Join(res.Threats, ", "), false, model.ErrSecurityThreat)
	case model.ScanResultTimeout:
		return res, model.NewProcessingError(model.CodeTimeout, "таймаут антивирусной проверки", true, model.ErrTimeout)
	case model.ScanResultError:
		return res, model.NewProcessingError(model.CodeScanFailed, "ошибка антивирусной проверки", true, nil)
	case model.ScanResultClean:
		if err := p.files.Update(ctx, f.ID, model.FileUpdate{
			ScanState: model.Ptr(model.ScanClean),
			ScannedAt: &now,
		}); err != nil {
			logger.Warn("Не удалось сохранить результат проверки", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// quarantine помечает файл заражённым и удалённым. Ошибка записи
// не отменяет отказ задачи.
func (p *WorkerPool) quarantine(
	ctx context.Context, f *model.FileRecord, res *model.ScanResult, now time.Time, logger *slog.Logger,
) {
	p.metrics.Quarantined()
	err := p.files.Update(ctx, f.ID, model.FileUpdate{
		ScanState: model.Ptr(model.ScanInfected),
		ScannedAt: &now,
		DeletedAt: &now,
	})
	if err != nil {
		logger.Error("Ошибка помещения файла в карантин",
			slog.Any("threats", res.Threats),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Warn("Файл помещён в карантин", slog.Any("threats", res.Threats))
}

// persist сохраняет результат в запись файла, если файл всё ещё
// в processing у задачи jobID.
func (p *WorkerPool) persist(
	ctx context.Context, fileID, jobID string, state model.ProcessingState, result *model.ProcessingResult,
) error {
	now := p.now()
	u := model.FileUpdate{
		ProcessingState:   model.Ptr(state),
		ProcessingError:   model.Ptr(""),
		ProcessedAt:       &now,
		ExtractedMetadata: result.Metadata,
	}
	if result.ThumbnailKey != "" {
		u.ThumbnailKey = model.Ptr(result.ThumbnailKey)
	}
	if opt := result.Optimization; opt != nil && opt.OptimizedKey != "" {
		u.OptimizedKey = model.Ptr(opt.OptimizedKey)
		u.OptimizedSize = model.Ptr(opt.OptimizedSize)
	}
	err := p.files.UpdateForJob(ctx, fileID, jobID, u)
	switch {
	case errors.Is(err, repository.ErrConflict):
		return errSuperseded
	case err != nil:
		return model.NewProcessingError(model.CodePersistence, "ошибка сохранения результата", true, err)
	}
	return nil
}

// fail фиксирует ошибку попытки в очереди и переводит файл в failed
// с текстом ошибки. Отложенный повтор вернёт файл в processing
// в начале следующей попытки.
func (p *WorkerPool) fail(ctx context.Context, job *queue.Job, err error, duration time.Duration, logger *slog.Logger) {
	retryable := model.IsRetryable(err)
	code := model.CodeInternal
	var pe *model.ProcessingError
	if errors.As(err, &pe) {
		code = pe.Code
	}

	willRetry, qerr := p.queue.Fail(ctx, job.ID, err.Error(), retryable)
	if qerr != nil {
		if errors.Is(qerr, queue.ErrJobNotFound) {
			logger.Info("Задача удалена из очереди во время выполнения")
			return
		}
		logger.Error("Ошибка фиксации отказа задачи в очереди", slog.String("error", qerr.Error()))
	}

	u := model.FileUpdate{
		ProcessingState: model.Ptr(model.ProcessingFailed),
		ProcessingError: model.Ptr(err.Error()),
	}
	uerr := p.files.UpdateForJob(ctx, job.Payload.FileID, job.ID, u)
	switch {
	case uerr == nil, errors.Is(uerr, repository.ErrNotFound):
	case errors.Is(uerr, repository.ErrConflict):
		logger.Info("Ошибка не записана: файл больше не принадлежит задаче")
	default:
		logger.Error("Не удалось сохранить ошибку в записи файла", slog.String("error", uerr.Error()))
	}

	p.metrics.JobFailed(job.Type, code, willRetry)
	if !willRetry {
		p.metrics.JobFinished(job.Type, metrics.OutcomeFailed, duration)
	}
	logger.Warn("Задача завершилась ошибкой",
		slog.String("code", code),
		slog.Bool("retryable", retryable),
		slog.Bool("will_retry", willRetry),
		slog.String("error", err.Error()),
	)
}

// abandon снимает задачу, чей файл отменён или передан другой задаче.
// Запись файла не меняется.
func (p *WorkerPool) abandon(ctx context.Context, job *queue.Job, logger *slog.Logger) {
	if _, err := p.queue.Fail(ctx, job.ID, errSuperseded.Error(), false); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		logger.Error("Ошибка снятия задачи", slog.String("error", err.Error()))
	}
	logger.Info("Задача снята: файл отменён или передан другой задаче")
}

func (p *WorkerPool) progress(ctx context.Context, jobID string, value int, logger *slog.Logger) {
	if err := p.queue.UpdateProgress(ctx, jobID, value); err != nil {
		logger.Debug("Не удалось обновить прогресс",
			slog.Int("progress", value),
			slog.String("error", err.Error()),
		)
	}
}

// sleepCtx ждёт d; false — ctx отменён.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
