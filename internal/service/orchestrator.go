// orchestrator.go — оркестратор жизненного цикла задач.
//
// Submit: допуск → захват файла (compare-and-set состояния) → оценки →
// постановка в очередь. GetStatus/Cancel/Retry — управление задачей
// через движок очереди. Run — цикл событий очереди (кэш, метрики).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/processing-module/internal/admission"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/jobstate"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/metrics"
	"github.com/bigkaa/goartstore/processing-module/internal/queue"
	"github.com/bigkaa/goartstore/processing-module/internal/repository"
)

// BatchChunkSize — размер порции пакетной постановки.
const BatchChunkSize = 10

// Причины отказа в допуске (метка метрики).
const (
	rejectNotFound     = "not_found"
	rejectInfected     = "infected"
	rejectInvalidState = "invalid_state"
	rejectQueue        = "queue_error"
)

// JobQueue — операции движка очереди, нужные оркестратору.
type JobQueue interface {
	queue.Engine
	Subscribe(ctx context.Context) (<-chan queue.Event, error)
}

// Orchestrator — оркестратор жизненного цикла задач.
type Orchestrator struct {
	admission *admission.Engine
	files     repository.FileRepository
	queue     JobQueue
	cache     *StatusCache
	metrics   metrics.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(
	adm *admission.Engine,
	files repository.FileRepository,
	q JobQueue,
	cache *StatusCache,
	sink metrics.Sink,
	logger *slog.Logger,
) *Orchestrator {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Orchestrator{
		admission: adm,
		files:     files,
		queue:     q,
		cache:     cache,
		metrics:   sink,
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit ставит файл в обработку.
//
// Ошибки допуска (model.ErrFileNotFound, model.ErrSecurityThreat,
// model.ErrInvalidProcessingState) возвращаются до создания задачи.
// При ошибке постановки файл переводится в failed, возвращается
// ошибка, оборачивающая model.ErrQueueInfrastructure.
func (o *Orchestrator) Submit(ctx context.Context, fileID string, req model.SubmitRequest) (*model.JobHandle, error) {
	if req.JobType == "" {
		req.JobType = model.JobFullProcessing
	}
	if !req.JobType.IsValid() {
		return nil, fmt.Errorf("%w: неизвестный тип задачи %q", model.ErrInvalidInput, req.JobType)
	}

	f, err := o.admission.Validate(ctx, fileID)
	if err != nil {
		if errors.Is(err, model.ErrFileNotFound) {
			o.metrics.AdmissionRejected(rejectNotFound)
		}
		return nil, err
	}

	from := admission.EligibleStates()
	if err := o.admission.CheckEligibility(f); err != nil {
		if !o.forceAllowed(f, req.Options, err) {
			o.reject(err)
			return nil, err
		}
		from = append(from, model.ProcessingCompleted)
	}

	if o.retryPending(ctx, f) {
		o.metrics.AdmissionRejected(rejectInvalidState)
		return nil, fmt.Errorf("%w: задача %s файла %s ожидает повторной попытки",
			model.ErrInvalidProcessingState, f.CurrentJobID, f.ID)
	}

	// Захват файла: из конкурентных Submit одного файла проходит один
	claimed, err := o.files.CompareAndSetState(ctx, f.ID, from, model.ProcessingInProgress, "")
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			o.metrics.AdmissionRejected(rejectNotFound)
			return nil, fmt.Errorf("%w: %s", model.ErrFileNotFound, f.ID)
		case errors.Is(err, repository.ErrConflict):
			o.metrics.AdmissionRejected(rejectInvalidState)
			return nil, fmt.Errorf("%w: файл %s уже захвачен другой постановкой",
				model.ErrInvalidProcessingState, f.ID)
		default:
			return nil, fmt.Errorf("захват файла %s: %w", f.ID, err)
		}
	}

	priority := admission.ComputePriority(claimed, req.Options)
	duration := admission.EstimateDuration(claimed, req.Options)
	timeout := admission.EstimateTimeout(claimed)

	payload := model.JobPayload{
		FileID:    claimed.ID,
		JobType:   req.JobType,
		Priority:  priority,
		Status:    model.JobQueued,
		Progress:  0,
		Options:   req.Options,
		UserID:    req.UserID,
		Reason:    req.Reason,
		CreatedAt: o.now(),
	}

	jobID, err := o.queue.Enqueue(ctx, req.JobType, payload, model.DefaultJobPolicy(timeout))
	if err != nil {
		o.metrics.AdmissionRejected(rejectQueue)
		o.logger.Error("Ошибка постановки задачи в очередь",
			slog.String("file_id", claimed.ID),
			slog.String("job_type", string(req.JobType)),
			slog.String("error", err.Error()),
		)
		if uerr := o.files.Update(ctx, claimed.ID, model.FileUpdate{
			ProcessingState: model.Ptr(model.ProcessingFailed),
			ProcessingError: model.Ptr(err.Error()),
		}); uerr != nil {
			o.logger.Error("Не удалось перевести файл в failed",
				slog.String("file_id", claimed.ID),
				slog.String("error", uerr.Error()),
			)
		}
		return nil, fmt.Errorf("%w: постановка задачи: %w", model.ErrQueueInfrastructure, err)
	}

	if err := o.files.Update(ctx, claimed.ID, model.FileUpdate{CurrentJobID: model.Ptr(jobID)}); err != nil {
		// Задача уже в очереди; связь файла с задачей восстановит сверка
		o.logger.Warn("Не удалось сохранить идентификатор задачи в записи файла",
			slog.String("file_id", claimed.ID),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	position := 0
	if counts, err := o.queue.Counts(ctx); err != nil {
		o.logger.Debug("Оценка позиции в очереди недоступна", slog.String("error", err.Error()))
	} else {
		position = admission.EstimateQueuePosition(priority, counts.WaitingByType[req.JobType])
	}

	o.metrics.JobSubmitted(req.JobType, priority)
	o.logger.Info("Задача поставлена в очередь",
		slog.String("job_id", jobID),
		slog.String("file_id", claimed.ID),
		slog.String("job_type", string(req.JobType)),
		slog.Int("priority", priority),
		slog.Duration("estimated_duration", duration),
		slog.Duration("timeout", timeout),
	)

	return &model.JobHandle{
		JobID:             jobID,
		FileID:            claimed.ID,
		JobType:           req.JobType,
		Status:            model.JobRunning,
		Priority:          priority,
		EstimatedDuration: duration,
		Timeout:           timeout,
		QueuePosition:     position,
	}, nil
}

// retryPending сообщает, что у failed-файла есть задача, которую очередь
// ещё выполнит (отложенный повтор). Ошибка очереди не блокирует постановку.
func (o *Orchestrator) retryPending(ctx context.Context, f *model.FileRecord) bool {
	if f.ProcessingState != model.ProcessingFailed || f.CurrentJobID == "" {
		return false
	}
	job, err := o.queue.Get(ctx, f.CurrentJobID)
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			o.logger.Debug("Не удалось проверить текущую задачу файла",
				slog.String("file_id", f.ID),
				slog.String("job_id", f.CurrentJobID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	switch job.State {
	case jobstate.NativeWaiting, jobstate.NativeDelayed, jobstate.NativeActive:
		return true
	}
	return false
}

// forceAllowed разрешает повторную обработку завершённого файла при ForceReprocess.
func (o *Orchestrator) forceAllowed(f *model.FileRecord, opts model.ProcessingOptions, err error) bool {
	return opts.ForceReprocess &&
		errors.Is(err, model.ErrInvalidProcessingState) &&
		f.ProcessingState == model.ProcessingCompleted
}

func (o *Orchestrator) reject(err error) {
	switch {
	case errors.Is(err, model.ErrSecurityThreat):
		o.metrics.AdmissionRejected(rejectInfected)
	case errors.Is(err, model.ErrInvalidProcessingState):
		o.metrics.AdmissionRejected(rejectInvalidState)
	}
}

// SubmitBatch ставит файлы порциями по BatchChunkSize.
// Ошибка одного файла не прерывает пакет: она попадает в Failed,
// а в Handles остаются только успешные постановки, в исходном порядке.
func (o *Orchestrator) SubmitBatch(ctx context.Context, fileIDs []string, req model.SubmitRequest) (*model.BatchResult, error) {
	result := &model.BatchResult{
		Handles: []*model.JobHandle{},
		Failed:  []model.BatchFailure{},
	}

	for start := 0; start < len(fileIDs); start += BatchChunkSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		chunk := fileIDs[start:min(start+BatchChunkSize, len(fileIDs))]

		handles := make([]*model.JobHandle, len(chunk))
		errs := make([]error, len(chunk))

		var g errgroup.Group
		for i, fileID := range chunk {
			g.Go(func() error {
				handles[i], errs[i] = o.Submit(ctx, fileID, req)
				return nil
			})
		}
		_ = g.Wait()

		for i, fileID := range chunk {
			if errs[i] != nil {
				result.Failed = append(result.Failed, model.BatchFailure{FileID: fileID, Error: errs[i].Error()})
				continue
			}
			result.Handles = append(result.Handles, handles[i])
		}
	}

	o.logger.Info("Пакетная постановка завершена",
		slog.Int("total", len(fileIDs)),
		slog.Int("submitted", len(result.Handles)),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// GetStatus возвращает текущее представление задачи или model.ErrJobNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*model.JobStatusView, error) {
	if view, ok := o.cache.Get(jobID); ok {
		return view, nil
	}

	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view, err := viewOf(job)
	if err != nil {
		return nil, err
	}
	if view.Status == model.JobCompleted {
		o.cache.Set(view)
	}
	return view, nil
}

// Cancel отменяет задачу. Возвращает false без изменений, если задача
// уже завершена (completed, failed) или отменена. Выполняющийся воркер
// не прерывается.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	if view, ok := o.cache.Get(jobID); ok && view.Status == model.JobCancelled {
		return false, nil
	}

	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	status, err := jobstate.FromNative(job.State)
	if err != nil {
		return false, err
	}
	if !jobstate.CanPerform(status, jobstate.OpCancel) {
		o.logger.Info("Отмена не выполнена: задача завершена",
			slog.String("job_id", jobID),
			slog.String("status", string(status)),
		)
		return false, nil
	}

	if err := o.queue.Remove(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return false, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
		}
		return false, fmt.Errorf("%w: удаление задачи: %w", model.ErrQueueInfrastructure, err)
	}

	now := o.now()
	if err := o.files.Update(ctx, job.Payload.FileID, model.FileUpdate{
		ProcessingState: model.Ptr(model.ProcessingPending),
		ProcessingError: model.Ptr(""),
		CancelReason:    model.Ptr(reason),
		CancelledAt:     &now,
	}); err != nil {
		o.logger.Error("Не удалось вернуть файл в pending после отмены",
			slog.String("job_id", jobID),
			slog.String("file_id", job.Payload.FileID),
			slog.String("error", err.Error()),
		)
	}

	view, _ := viewOf(job)
	if view == nil {
		view = &model.JobStatusView{JobID: job.ID, FileID: job.Payload.FileID, JobType: job.Type}
	}
	view.Status = model.JobCancelled
	view.Error = reason
	view.FinishedAt = &now
	o.cache.Set(view)

	o.metrics.JobCancelled(job.Type)
	o.logger.Info("Задача отменена",
		slog.String("job_id", jobID),
		slog.String("file_id", job.Payload.FileID),
		slog.String("reason", reason),
	)
	return true, nil
}

// Retry повторяет упавшую задачу. Для задачи не в статусе failed
// возвращает *jobstate.StateError.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*model.JobStatusView, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status, err := jobstate.FromNative(job.State)
	if err != nil {
		return nil, err
	}
	if err := jobstate.Guard(status, jobstate.OpRetry); err != nil {
		return nil, err
	}

	// Заражённый или удалённый файл повторно не обрабатывается
	f, err := o.admission.Validate(ctx, job.Payload.FileID)
	if err != nil {
		return nil, err
	}
	if f.IsInfected() {
		return nil, fmt.Errorf("%w: файл %s помечен как заражённый", model.ErrSecurityThreat, f.ID)
	}

	if err := o.queue.Retry(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
		case errors.Is(err, queue.ErrNotFailed):
			return nil, jobstate.Guard(model.JobQueued, jobstate.OpRetry)
		default:
			return nil, fmt.Errorf("%w: повтор задачи: %w", model.ErrQueueInfrastructure, err)
		}
	}

	if err := o.files.Update(ctx, f.ID, model.FileUpdate{
		ProcessingState: model.Ptr(model.ProcessingInProgress),
		ProcessingError: model.Ptr(""),
		CurrentJobID:    model.Ptr(jobID),
	}); err != nil {
		o.logger.Error("Не удалось перевести файл в processing при повторе",
			slog.String("job_id", jobID),
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
	}

	o.cache.Delete(jobID)
	o.metrics.JobRetried(job.Type)
	o.logger.Info("Задача повторена вручную",
		slog.String("job_id", jobID),
		slog.String("file_id", f.ID),
	)
	return o.GetStatus(ctx, jobID)
}

// Run читает события очереди до отмены ctx: инвалидирует кэш статусов
// и учитывает зависшие задачи.
func (o *Orchestrator) Run(ctx context.Context) error {
	events, err := o.queue.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("подписка на события очереди: %w", err)
	}
	o.logger.Info("Цикл событий очереди запущен")

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Цикл событий очереди остановлен")
			return nil
		case ev, ok := <-events:
			if !ok {
				o.logger.Info("Канал событий очереди закрыт")
				return nil
			}
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventActive, queue.EventCompleted, queue.EventFailed,
		queue.EventRetrying, queue.EventRetried:
		o.cache.Delete(ev.JobID)
	case queue.EventStalled:
		o.cache.Delete(ev.JobID)
		o.metrics.JobStalled()
		o.logger.Warn("Задача признана зависшей",
			slog.String("job_id", ev.JobID),
			slog.String("file_id", ev.FileID),
			slog.Int("attempts_made", ev.AttemptsMade),
		)
		return
	}

	o.logger.Debug("Событие очереди",
		slog.String("event", string(ev.Type)),
		slog.String("job_id", ev.JobID),
		slog.String("job_type", string(ev.JobType)),
	)
}

// getJob читает задачу, отображая ошибки движка в доменные.
func (o *Orchestrator) getJob(ctx context.Context, jobID string) (*queue.Job, error) {
	job, err := o.queue.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("%w: чтение задачи: %w", model.ErrQueueInfrastructure, err)
	}
	return job, nil
}

// viewOf строит публичное представление задачи.
func viewOf(job *queue.Job) (*model.JobStatusView, error) {
	status, err := jobstate.FromNative(job.State)
	if err != nil {
		return nil, err
	}
	view := &model.JobStatusView{
		JobID:        job.ID,
		FileID:       job.Payload.FileID,
		JobType:      job.Type,
		Status:       status,
		Progress:     job.Progress,
		Priority:     job.Payload.Priority,
		AttemptsMade: job.AttemptsMade,
		Result:       job.Result,
		Error:        job.FailedReason,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.ProcessedAt,
		FinishedAt:   job.FinishedAt,
	}
	if job.ProcessedAt != nil && job.FinishedAt != nil {
		d := job.FinishedAt.Sub(*job.ProcessedAt)
		view.Duration = &d
	}
	return view, nil
}
