package model

import "time"

// ScanClassification — итоговая классификация проверки безопасности.
type ScanClassification string

const (
	ScanResultClean    ScanClassification = "clean"
	ScanResultInfected ScanClassification = "infected"
	// ScanResultSkipped — файл слишком большой, проверка пропущена (считается чистым)
	ScanResultSkipped ScanClassification = "skipped"
	// ScanResultTimeout — проверка не уложилась в таймаут
	ScanResultTimeout ScanClassification = "timeout"
	// ScanResultError — все попытки проверки завершились ошибкой
	ScanResultError ScanClassification = "error"
	// ScanResultDisabled — проверка отключена администратором
	ScanResultDisabled ScanClassification = "disabled"
)

// Служебные теги угроз.
const (
	ThreatScanTimeout = "SCAN_TIMEOUT"
	ThreatScanError   = "SCAN_ERROR"
)

// ScanResult — результат последовательности попыток проверки одного буфера.
type ScanResult struct {
	Clean          bool               `json:"clean"`
	Classification ScanClassification `json:"classification"`
	Threats        []string           `json:"threats"`
	ScanID         string             `json:"scan_id"`
	Hash           string             `json:"hash"`
	Duration       time.Duration      `json:"duration"`
	ScannerVersion string             `json:"scanner_version"`
	// Attempt — номер попытки, на которой получен результат (с 1)
	Attempt int            `json:"attempt"`
	Details map[string]any `json:"details,omitempty"`
}

// Safe сообщает, пропускает ли результат файл дальше по конвейеру.
func (r *ScanResult) Safe() bool {
	return r != nil && r.Clean
}

// OptimizationStats — результат шага оптимизации.
type OptimizationStats struct {
	OriginalSize  int64    `json:"original_size"`
	OptimizedSize int64    `json:"optimized_size"`
	Techniques    []string `json:"techniques"`
	// Ratio — доля сэкономленного объёма (0..1)
	Ratio        float64 `json:"ratio"`
	OptimizedKey string  `json:"optimized_key,omitempty"`
}

// NewOptimizationStats вычисляет Ratio по исходному и итоговому размеру.
func NewOptimizationStats(original, optimized int64, techniques []string, key string) *OptimizationStats {
	ratio := 0.0
	if original > 0 && optimized < original {
		ratio = float64(original-optimized) / float64(original)
	}
	return &OptimizationStats{
		OriginalSize:  original,
		OptimizedSize: optimized,
		Techniques:    techniques,
		Ratio:         ratio,
		OptimizedKey:  key,
	}
}

// ConversionResult — результат конвертации формата изображения.
type ConversionResult struct {
	Format string `json:"format"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// ProcessingResult — агрегированный результат выполнения одной задачи.
// Отсутствующее поле означает, что шаг не запрашивался или завершился ошибкой.
type ProcessingResult struct {
	Success      bool               `json:"success"`
	Category     MimeCategory       `json:"category,omitempty"`
	Scan         *ScanResult        `json:"scan,omitempty"`
	Optimization *OptimizationStats `json:"optimization,omitempty"`
	Conversion   *ConversionResult  `json:"conversion,omitempty"`
	ThumbnailKey string             `json:"thumbnail_key,omitempty"`
	// Metadata — извлечённые метаданные по категориям (image, pdf, document, generic)
	Metadata map[string]map[string]any `json:"metadata,omitempty"`
	Duration time.Duration             `json:"duration"`
	Error    string                    `json:"error,omitempty"`
	// Warnings — шаги, упавшие с частичной ошибкой (не прерывают задачу)
	Warnings []string `json:"warnings,omitempty"`
}

// SetMetadata добавляет набор метаданных категории.
func (r *ProcessingResult) SetMetadata(category string, bag map[string]any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]map[string]any)
	}
	r.Metadata[category] = bag
}
