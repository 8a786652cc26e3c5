// Пакет admission — допуск файлов к обработке и оценки задачи:
// проверка существования и пригодности файла, вычисление приоритета,
// ожидаемой длительности, таймаута и позиции в очереди.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/repository"
)

// Границы и базовые значения приоритета.
const (
	MinPriority  = 1
	MaxPriority  = 10
	BasePriority = 5
	// UrgentFloor — минимальный приоритет срочной задачи
	UrgentFloor = 8
	// UrgentBoost — надбавка за срочность
	UrgentBoost = 3
	// LargeFileThreshold — порог штрафа за размер
	LargeFileThreshold = 50 * model.MiB
	// LargeFilePenalty — штраф за большой файл
	LargeFilePenalty = -2
)

// classPriority — базовый приоритет по классу документа.
var classPriority = map[model.DocumentClass]int{
	model.ClassDocument:        5,
	model.ClassTemplate:        7,
	model.ClassProjectDocument: 8,
	model.ClassConfidential:    9,
	model.ClassTemporary:       3,
	model.ClassArchive:         2,
}

// Параметры оценки длительности и таймаута (миллисекунды).
const (
	durationBaseMs     = 5000
	durationPerChunkMs = 1000
	durationChunk      = 2 * model.MiB
	thumbnailCostMs    = 2000
	webOptimizeCostMs  = 3000
	metadataCostMs     = 1000

	timeoutBaseMs    = 30000
	timeoutPerMiBMs  = 1000
	timeoutMaxMs     = 600000
	timeoutDefaultMs = 60000
)

// eligibleStates — состояния, из которых допускается (повторная) постановка.
var eligibleStates = []model.ProcessingState{
	model.ProcessingPending,
	model.ProcessingFailed,
	model.ProcessingSkipped,
}

// EligibleStates возвращает копию множества допустимых состояний.
// Используется для compare-and-set при захвате файла.
func EligibleStates() []model.ProcessingState {
	out := make([]model.ProcessingState, len(eligibleStates))
	copy(out, eligibleStates)
	return out
}

// FileReader — чтение метаданных файла.
type FileReader interface {
	GetByID(ctx context.Context, fileID string) (*model.FileRecord, error)
}

// Engine — движок допуска и оценок.
type Engine struct {
	files  FileReader
	logger *slog.Logger
}

// NewEngine создаёт движок допуска.
func NewEngine(files FileReader, logger *slog.Logger) *Engine {
	return &Engine{
		files:  files,
		logger: logger.With(slog.String("component", "admission")),
	}
}

// Validate возвращает запись файла либо model.ErrFileNotFound,
// если запись отсутствует или помечена удалённой.
func (e *Engine) Validate(ctx context.Context, fileID string) (*model.FileRecord, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: пустой идентификатор файла", model.ErrFileNotFound)
	}

	f, err := e.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrFileNotFound, fileID)
		}
		return nil, fmt.Errorf("чтение файла %s: %w", fileID, err)
	}
	if f.IsDeleted() {
		e.logger.Info("Файл удалён, допуск отклонён", slog.String("file_id", fileID))
		return nil, fmt.Errorf("%w: %s удалён", model.ErrFileNotFound, fileID)
	}
	return f, nil
}

// CheckEligibility проверяет, может ли файл быть поставлен в обработку.
// Заражённый файл отклоняется всегда, независимо от состояния обработки.
func (e *Engine) CheckEligibility(f *model.FileRecord) error {
	if f.IsInfected() {
		e.logger.Warn("Попытка обработки заражённого файла",
			slog.String("file_id", f.ID),
		)
		return fmt.Errorf("%w: файл %s помечен как заражённый", model.ErrSecurityThreat, f.ID)
	}
	for _, s := range eligibleStates {
		if f.ProcessingState == s {
			return nil
		}
	}
	return fmt.Errorf("%w: файл %s в состоянии %s",
		model.ErrInvalidProcessingState, f.ID, f.ProcessingState)
}

// ComputePriority вычисляет приоритет задачи в диапазоне [1, 10].
//
// Порядок: база 5 → приоритет класса → штраф за размер > 50 MiB →
// явный приоритет заменяет результат целиком → срочность max(p+3, 8) → clamp.
func ComputePriority(f *model.FileRecord, opts model.ProcessingOptions) int {
	p := BasePriority
	if cp, ok := classPriority[f.Class]; ok {
		p = cp
	}
	if f.Size > LargeFileThreshold {
		p += LargeFilePenalty
	}
	if opts.Priority != nil {
		p = *opts.Priority
	}
	if opts.Urgent {
		p = max(p+UrgentBoost, UrgentFloor)
	}
	return clamp(p, MinPriority, MaxPriority)
}

// EstimateDuration оценивает длительность выполнения задачи.
func EstimateDuration(f *model.FileRecord, opts model.ProcessingOptions) time.Duration {
	chunks := ceilDiv(f.Size, durationChunk)
	ms := float64(durationBaseMs + chunks*durationPerChunkMs)

	switch {
	case model.IsPDF(f.MimeType):
		ms *= 1.5
	case model.IsVideo(f.MimeType):
		ms *= 3
	}

	if opts.GenerateThumbnail {
		ms += thumbnailCostMs
	}
	if opts.OptimizeForWeb {
		ms += webOptimizeCostMs
	}
	if opts.ExtractMetadata {
		ms += metadataCostMs
	}
	return time.Duration(math.Round(ms)) * time.Millisecond
}

// EstimateTimeout вычисляет таймаут задачи, не более 10 минут.
// Без сведений о размере возвращает 60 секунд.
func EstimateTimeout(f *model.FileRecord) time.Duration {
	if f == nil || f.Size <= 0 {
		return timeoutDefaultMs * time.Millisecond
	}

	ms := float64(timeoutBaseMs + ceilDiv(f.Size, model.MiB)*timeoutPerMiBMs)
	switch {
	case model.IsPDF(f.MimeType):
		ms *= 1.5
	case model.IsVideo(f.MimeType):
		ms *= 2
	}
	ms = math.Min(ms, timeoutMaxMs)
	return time.Duration(math.Round(ms)) * time.Millisecond
}

// EstimateQueuePosition оценивает позицию задачи в очереди: чем выше
// приоритет, тем меньшая доля ожидающих задач окажется впереди. Не меньше 1.
func EstimateQueuePosition(priority int, waiting int64) int {
	if waiting < 0 {
		waiting = 0
	}
	pos := int(math.Ceil(float64(waiting) * float64(11-priority) / 10))
	return max(pos, 1)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
