package model

import (
	"time"
)

// JobType — тип задачи пост-обработки.
type JobType string

const (
	JobFullProcessing JobType = "full-processing"
	JobThumbnail      JobType = "thumbnail"
	JobPDFOptimize    JobType = "pdf-optimize"
	JobFormatConvert  JobType = "format-convert"
	JobVirusRescan    JobType = "virus-rescan"
)

// AllJobTypes — все поддерживаемые типы задач.
var AllJobTypes = []JobType{
	JobFullProcessing,
	JobThumbnail,
	JobPDFOptimize,
	JobFormatConvert,
	JobVirusRescan,
}

// IsValid проверяет, что тип задачи поддерживается.
func (t JobType) IsValid() bool {
	for _, jt := range AllJobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

// JobStatus — публичный статус задачи (отображение нативных состояний очереди).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ProcessingOptions — параметры обработки, передаются вызывающей стороной.
type ProcessingOptions struct {
	GenerateThumbnail bool `json:"generate_thumbnail"`
	OptimizeForWeb    bool `json:"optimize_for_web"`
	ExtractMetadata   bool `json:"extract_metadata"`
	// ImageQuality — качество JPEG при оптимизации (1-100, 0 — по умолчанию)
	ImageQuality int `json:"image_quality,omitempty"`
	// CompressionLevel — уровень сжатия (0-9, 0 — по умолчанию)
	CompressionLevel int  `json:"compression_level,omitempty"`
	ForceReprocess   bool `json:"force_reprocess,omitempty"`
	// TargetFormat — целевой формат для format-convert (jpeg, png, gif)
	TargetFormat string `json:"target_format,omitempty"`

	// Priority — явный приоритет, заменяет вычисленный
	Priority *int `json:"priority,omitempty"`
	// Urgent — срочная обработка, приоритет не ниже 8
	Urgent bool `json:"urgent,omitempty"`
}

// DefaultProcessingOptions — опции полной обработки по умолчанию.
func DefaultProcessingOptions() ProcessingOptions {
	return ProcessingOptions{
		GenerateThumbnail: true,
		OptimizeForWeb:    true,
		ExtractMetadata:   true,
	}
}

// JobPolicy — политика повторов, таймаута и хранения задачи.
type JobPolicy struct {
	Attempts int           `json:"attempts"`
	Backoff  time.Duration `json:"backoff"`
	Timeout  time.Duration `json:"timeout"`
	// KeepCompletedFor / KeepCompletedCount — хранение завершённых задач
	KeepCompletedFor   time.Duration `json:"keep_completed_for"`
	KeepCompletedCount int           `json:"keep_completed_count"`
	// KeepFailedFor — хранение упавших задач
	KeepFailedFor time.Duration `json:"keep_failed_for"`
}

// Значения политики по умолчанию.
const (
	DefaultJobAttempts        = 3
	DefaultJobBackoff         = 5 * time.Second
	DefaultKeepCompletedFor   = 24 * time.Hour
	DefaultKeepCompletedCount = 1000
	DefaultKeepFailedFor      = 7 * 24 * time.Hour
)

// DefaultJobPolicy возвращает политику с экспоненциальным backoff 5s/10s/20s.
func DefaultJobPolicy(timeout time.Duration) JobPolicy {
	return JobPolicy{
		Attempts:           DefaultJobAttempts,
		Backoff:            DefaultJobBackoff,
		Timeout:            timeout,
		KeepCompletedFor:   DefaultKeepCompletedFor,
		KeepCompletedCount: DefaultKeepCompletedCount,
		KeepFailedFor:      DefaultKeepFailedFor,
	}
}

// BackoffFor возвращает задержку перед повтором после attemptsMade неудачных попыток.
// attemptsMade=1 → Backoff, 2 → 2*Backoff, 3 → 4*Backoff.
func (p JobPolicy) BackoffFor(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return p.Backoff * time.Duration(1<<(attemptsMade-1))
}

// JobPayload — полезная нагрузка задачи, сохраняется в движке очереди.
type JobPayload struct {
	FileID    string            `json:"file_id"`
	JobType   JobType           `json:"job_type"`
	Priority  int               `json:"priority"`
	Status    JobStatus         `json:"status"`
	Progress  int               `json:"progress"`
	Options   ProcessingOptions `json:"options"`
	UserID    string            `json:"user_id"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SubmitRequest — параметры постановки файла в обработку.
type SubmitRequest struct {
	JobType JobType
	Options ProcessingOptions
	UserID  string
	Reason  string
}

// JobHandle — результат успешной постановки задачи.
type JobHandle struct {
	JobID             string        `json:"job_id"`
	FileID            string        `json:"file_id"`
	JobType           JobType       `json:"job_type"`
	Status            JobStatus     `json:"status"`
	Priority          int           `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Timeout           time.Duration `json:"timeout"`
	// QueuePosition — оценка позиции в очереди, 0 — оценка недоступна
	QueuePosition int `json:"queue_position"`
}

// JobStatusView — наблюдаемое состояние задачи.
type JobStatusView struct {
	JobID        string            `json:"job_id"`
	FileID       string            `json:"file_id"`
	JobType      JobType           `json:"job_type"`
	Status       JobStatus         `json:"status"`
	Progress     int               `json:"progress"`
	Priority     int               `json:"priority"`
	AttemptsMade int               `json:"attempts_made"`
	Result       *ProcessingResult `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	// Duration — FinishedAt - StartedAt, если оба известны
	Duration *time.Duration `json:"duration,omitempty"`
}

// BatchFailure — ошибка постановки одного файла в пакетной операции.
type BatchFailure struct {
	FileID string `json:"file_id"`
	Error  string `json:"error"`
}

// BatchResult — результат пакетной постановки.
type BatchResult struct {
	Handles []*JobHandle   `json:"handles"`
	Failed  []BatchFailure `json:"failed"`
}
