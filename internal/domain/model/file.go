// Пакет model — доменные модели Processing Module.
// FileRecord — запись метаданных файла, владелец — хранилище метаданных (PostgreSQL).
// Job, ProcessingResult, ScanResult — транзиентные структуры конвейера обработки.
package model

import (
	"strings"
	"time"
)

// Размерные константы.
const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
)

// DocumentClass — классификация документа, влияет на базовый приоритет.
type DocumentClass string

const (
	ClassDocument        DocumentClass = "document"
	ClassTemplate        DocumentClass = "template"
	ClassProjectDocument DocumentClass = "project_document"
	ClassConfidential    DocumentClass = "confidential"
	ClassTemporary       DocumentClass = "temporary"
	ClassArchive         DocumentClass = "archive"
)

// ProcessingState — состояние пост-обработки файла.
type ProcessingState string

const (
	// ProcessingPending — файл ожидает обработки
	ProcessingPending ProcessingState = "pending"
	// ProcessingInProgress — задача поставлена в очередь или выполняется
	ProcessingInProgress ProcessingState = "processing"
	// ProcessingCompleted — последняя задача завершилась успешно
	ProcessingCompleted ProcessingState = "completed"
	// ProcessingFailed — последняя задача завершилась ошибкой
	ProcessingFailed ProcessingState = "failed"
	// ProcessingSkipped — обработка неприменима к типу файла
	ProcessingSkipped ProcessingState = "skipped"
)

// ScanState — результат антивирусной проверки файла.
type ScanState string

const (
	ScanPending  ScanState = "pending"
	ScanClean    ScanState = "clean"
	ScanInfected ScanState = "infected"
)

// FileRecord — метаданные загруженного файла.
type FileRecord struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"owner_id"`
	Class            DocumentClass `json:"document_class"`
	OriginalFilename string        `json:"original_filename"`
	Size             int64         `json:"size"`
	MimeType         string        `json:"mime_type"`
	// StorageKey — ключ объекта в объектном хранилище, не совпадает с ID
	StorageKey     string `json:"storage_key"`
	ChecksumSHA256 string `json:"checksum_sha256"`
	ChecksumMD5    string `json:"checksum_md5,omitempty"`

	ProcessingState ProcessingState `json:"processing_state"`
	ProcessingError string          `json:"processing_error,omitempty"`
	ScanState       ScanState       `json:"scan_state"`
	ScannedAt       *time.Time      `json:"scanned_at,omitempty"`

	// CurrentJobID — идентификатор последней поставленной задачи
	CurrentJobID string `json:"current_job_id,omitempty"`

	ThumbnailKey      string                    `json:"thumbnail_key,omitempty"`
	OptimizedKey      string                    `json:"optimized_key,omitempty"`
	OptimizedSize     int64                     `json:"optimized_size,omitempty"`
	ExtractedMetadata map[string]map[string]any `json:"extracted_metadata,omitempty"`
	ProcessedAt       *time.Time                `json:"processed_at,omitempty"`

	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	// DeletedAt — soft delete; выставляется в том числе при карантине
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsDeleted проверяет, помечен ли файл как удалённый.
func (f *FileRecord) IsDeleted() bool {
	return f.DeletedAt != nil
}

// IsInfected проверяет, признан ли файл заражённым.
func (f *FileRecord) IsInfected() bool {
	return f.ScanState == ScanInfected
}

// FileUpdate — частичное обновление FileRecord.
// nil-поля не изменяются. Пустая строка в строковом поле очищает значение.
type FileUpdate struct {
	ProcessingState   *ProcessingState
	ProcessingError   *string
	ScanState         *ScanState
	ScannedAt         *time.Time
	CurrentJobID      *string
	ThumbnailKey      *string
	OptimizedKey      *string
	OptimizedSize     *int64
	ExtractedMetadata map[string]map[string]any
	ProcessedAt       *time.Time
	CancelReason      *string
	CancelledAt       *time.Time
	DeletedAt         *time.Time
}

// IsEmpty возвращает true, если обновление не меняет ни одного поля.
func (u FileUpdate) IsEmpty() bool {
	return u.ProcessingState == nil && u.ProcessingError == nil && u.ScanState == nil &&
		u.ScannedAt == nil && u.CurrentJobID == nil && u.ThumbnailKey == nil &&
		u.OptimizedKey == nil && u.OptimizedSize == nil && u.ExtractedMetadata == nil &&
		u.ProcessedAt == nil && u.CancelReason == nil && u.CancelledAt == nil && u.DeletedAt == nil
}

// Apply применяет частичное обновление к записи в памяти.
// Используется in-memory реализациями хранилища и тестами.
func (u FileUpdate) Apply(f *FileRecord) {
	if u.ProcessingState != nil {
		f.ProcessingState = *u.ProcessingState
	}
	if u.ProcessingError != nil {
		f.ProcessingError = *u.ProcessingError
	}
	if u.ScanState != nil {
		f.ScanState = *u.ScanState
	}
	if u.ScannedAt != nil {
		t := *u.ScannedAt
		f.ScannedAt = &t
	}
	if u.CurrentJobID != nil {
		f.CurrentJobID = *u.CurrentJobID
	}
	if u.ThumbnailKey != nil {
		f.ThumbnailKey = *u.ThumbnailKey
	}
	if u.OptimizedKey != nil {
		f.OptimizedKey = *u.OptimizedKey
	}
	if u.OptimizedSize != nil {
		f.OptimizedSize = *u.OptimizedSize
	}
	if u.ExtractedMetadata != nil {
		f.ExtractedMetadata = u.ExtractedMetadata
	}
	if u.ProcessedAt != nil {
		t := *u.ProcessedAt
		f.ProcessedAt = &t
	}
	if u.CancelReason != nil {
		f.CancelReason = *u.CancelReason
	}
	if u.CancelledAt != nil {
		t := *u.CancelledAt
		f.CancelledAt = &t
	}
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		f.DeletedAt = &t
	}
	f.UpdatedAt = time.Now().UTC()
}

// MimeCategory — категория содержимого для выбора подконвейера.
type MimeCategory string

const (
	CategoryImage    MimeCategory = "image"
	CategoryPDF      MimeCategory = "pdf"
	CategoryDocument MimeCategory = "document"
	CategoryGeneric  MimeCategory = "generic"
)

// CategoryOf определяет категорию содержимого по MIME-типу.
// Порядок проверок: image/*, application/pdf, документы, остальное.
func CategoryOf(mimeType string) MimeCategory {
	mt := normalizeMime(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case mt == "application/pdf":
		return CategoryPDF
	case strings.HasPrefix(mt, "text/"),
		strings.Contains(mt, "document"),
		strings.Contains(mt, "json"),
		strings.Contains(mt, "xml"):
		return CategoryDocument
	default:
		return CategoryGeneric
	}
}

// IsPDF проверяет MIME-тип на application/pdf.
func IsPDF(mimeType string) bool {
	return normalizeMime(mimeType) == "application/pdf"
}

// IsVideo проверяет MIME-тип на video/*.
func IsVideo(mimeType string) bool {
	return strings.HasPrefix(normalizeMime(mimeType), "video/")
}

// normalizeMime убирает параметры (charset и т.д.) и приводит к нижнему регистру.
func normalizeMime(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Ptr возвращает указатель на значение. Удобно для FileUpdate.
func Ptr[T any](v T) *T {
	return &v
}
