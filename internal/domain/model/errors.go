package model

import (
	"errors"
	"fmt"
)

// Ошибки предметной области.
var (
	// ErrFileNotFound — файл отсутствует или удалён.
	ErrFileNotFound = errors.New("файл не найден")
	// ErrJobNotFound — задача неизвестна движку очереди.
	ErrJobNotFound = errors.New("задача не найдена")
	// ErrInvalidProcessingState — состояние обработки файла не допускает операцию.
	ErrInvalidProcessingState = errors.New("недопустимое состояние обработки файла")
	// ErrInvalidJobState — состояние задачи не допускает операцию.
	ErrInvalidJobState = errors.New("недопустимое состояние задачи")
	// ErrSecurityThreat — файл признан заражённым.
	ErrSecurityThreat = errors.New("обнаружена угроза безопасности")
	// ErrQueueInfrastructure — ошибка обращения к движку очереди.
	ErrQueueInfrastructure = errors.New("ошибка инфраструктуры очереди")
	// ErrInvalidInput — некорректные входные данные.
	ErrInvalidInput = errors.New("некорректные входные данные")
	// ErrTimeout — превышено время выполнения.
	ErrTimeout = errors.New("превышено время выполнения")
)

// Коды ошибок обработки.
const (
	CodeSecurityThreat = "SECURITY_THREAT"
	CodeScanFailed     = "SCAN_FAILED"
	CodeDownload       = "DOWNLOAD_FAILED"
	CodePersistence    = "PERSISTENCE_FAILED"
	CodeTimeout        = "TIMEOUT"
	CodeNotApplicable  = "NOT_APPLICABLE"
	CodeInternal       = "INTERNAL_ERROR"
)

// ProcessingError — ошибка выполнения задачи воркером.
// Retryable определяет, расходуется ли бюджет повторов или задача падает сразу.
type ProcessingError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// NewProcessingError создаёт ошибку обработки.
func NewProcessingError(code, message string, retryable bool, err error) *ProcessingError {
	return &ProcessingError{Code: code, Message: message, Retryable: retryable, Err: err}
}

// IsRetryable сообщает, можно ли повторить задачу после ошибки err.
// Ошибки безопасности и неприменимости не повторяются никогда.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSecurityThreat) {
		return false
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
