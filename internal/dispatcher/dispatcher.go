// Пакет dispatcher — маршрутизация файла в подконвейер по MIME-категории
// (image, pdf, document, generic) и сборка результата обработки.
//
// Шаги подконвейера (оптимизация, миниатюра/превью, метаданные) независимы:
// ошибка шага логируется как предупреждение и не прерывает задачу,
// в результате просто отсутствует соответствующее поле.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/storage/objectstore"
)

// ErrNotApplicable — тип задачи неприменим к содержимому файла
// (например, pdf-optimize для изображения). Файл переводится в skipped.
var ErrNotApplicable = errors.New("обработка неприменима к типу файла")

// Названия шагов для логов и Warnings.
const (
	StepOptimize  = "optimize"
	StepThumbnail = "thumbnail"
	StepMetadata  = "metadata"
	StepConvert   = "convert"
)

// Config — параметры подконвейеров.
type Config struct {
	ThumbnailWidth  int
	ThumbnailHeight int
	// MaxWebEdge — максимальная сторона изображения после web-оптимизации
	MaxWebEdge int
	// DefaultJPEGQuality — качество JPEG, если не задано в опциях
	DefaultJPEGQuality int
}

// DefaultConfig — значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		ThumbnailWidth:     256,
		ThumbnailHeight:    256,
		MaxWebEdge:         2048,
		DefaultJPEGQuality: 82,
	}
}

// Request — входные данные обработки.
type Request struct {
	File    *model.FileRecord
	JobType model.JobType
	Options model.ProcessingOptions
	// Data — содержимое файла; nil — будет загружено по File.StorageKey
	Data []byte
}

// Dispatcher — диспетчер содержимого.
type Dispatcher struct {
	store  objectstore.Storage
	cfg    Config
	logger *slog.Logger
}

// New создаёт диспетчер.
func New(store objectstore.Storage, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.ThumbnailWidth <= 0 {
		cfg.ThumbnailWidth = def.ThumbnailWidth
	}
	if cfg.ThumbnailHeight <= 0 {
		cfg.ThumbnailHeight = def.ThumbnailHeight
	}
	if cfg.MaxWebEdge <= 0 {
		cfg.MaxWebEdge = def.MaxWebEdge
	}
	if cfg.DefaultJPEGQuality <= 0 {
		cfg.DefaultJPEGQuality = def.DefaultJPEGQuality
	}
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

// Process выполняет подконвейер для файла.
// Ошибка возвращается только при невозможности загрузить содержимое,
// неприменимости типа задачи или отмене контекста.
func (d *Dispatcher) Process(ctx context.Context, req Request) (*model.ProcessingResult, error) {
	start := time.Now()
	if req.File == nil {
		return nil, fmt.Errorf("%w: нет записи файла", model.ErrInvalidInput)
	}

	data := req.Data
	if data == nil {
		obj, err := d.store.Download(ctx, req.File.StorageKey)
		if err != nil {
			return nil, model.NewProcessingError(model.CodeDownload, "ошибка загрузки содержимого", true, err)
		}
		data = obj.Data
	}

	category := model.CategoryOf(req.File.MimeType)
	result := &model.ProcessingResult{Success: true, Category: category}
	job := &run{d: d, ctx: ctx, file: req.File, data: data, opts: req.Options, result: result}
	job.logger = d.logger.With(
		slog.String("file_id", req.File.ID),
		slog.String("job_type", string(req.JobType)),
		slog.String("category", string(category)),
	)

	var err error
	switch req.JobType {
	case model.JobFullProcessing, "":
		err = job.full(category)
	case model.JobThumbnail:
		err = job.thumbnailOnly(category)
	case model.JobPDFOptimize:
		err = job.pdfOptimize(category)
	case model.JobFormatConvert:
		err = job.formatConvert(category)
	default:
		err = fmt.Errorf("%w: тип задачи %s не обрабатывается диспетчером", ErrNotApplicable, req.JobType)
	}

	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

// run — состояние одного выполнения подконвейера.
type run struct {
	d      *Dispatcher
	ctx    context.Context
	file   *model.FileRecord
	data   []byte
	opts   model.ProcessingOptions
	result *model.ProcessingResult
	logger *slog.Logger
}

// attempt выполняет необязательный шаг: ошибка логируется и не прерывает задачу.
func (r *run) attempt(step string, fn func() error) {
	if r.ctx.Err() != nil {
		return
	}
	if err := fn(); err != nil {
		r.logger.Warn("Шаг подконвейера завершился ошибкой",
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		r.result.Warnings = append(r.result.Warnings, step+": "+err.Error())
	}
}

// full — полная обработка согласно флагам опций.
func (r *run) full(category model.MimeCategory) error {
	var p pipeline
	switch category {
	case model.CategoryImage:
		p = &imagePipeline{run: r}
	case model.CategoryPDF:
		p = &pdfPipeline{run: r}
	case model.CategoryDocument:
		p = &documentPipeline{run: r}
	default:
		p = &genericPipeline{run: r}
	}

	if r.opts.OptimizeForWeb {
		r.attempt(StepOptimize, p.optimize)
	}
	if r.opts.GenerateThumbnail {
		r.attempt(StepThumbnail, p.thumbnail)
	}
	if r.opts.ExtractMetadata {
		r.attempt(StepMetadata, p.metadata)
	}
	return nil
}

func (r *run) thumbnailOnly(category model.MimeCategory) error {
	switch category {
	case model.CategoryImage:
		r.attempt(StepThumbnail, (&imagePipeline{run: r}).thumbnail)
	case model.CategoryPDF:
		r.attempt(StepThumbnail, (&pdfPipeline{run: r}).thumbnail)
	case model.CategoryDocument:
		r.attempt(StepThumbnail, (&documentPipeline{run: r}).thumbnail)
	default:
		return fmt.Errorf("%w: миниатюра для %s", ErrNotApplicable, r.file.MimeType)
	}
	return nil
}

func (r *run) pdfOptimize(category model.MimeCategory) error {
	if category != model.CategoryPDF {
		return fmt.Errorf("%w: pdf-optimize для %s", ErrNotApplicable, r.file.MimeType)
	}
	p := &pdfPipeline{run: r}
	r.attempt(StepOptimize, p.optimize)
	if r.opts.ExtractMetadata {
		r.attempt(StepMetadata, p.metadata)
	}
	return nil
}

func (r *run) formatConvert(category model.MimeCategory) error {
	if category != model.CategoryImage {
		return fmt.Errorf("%w: конвертация для %s", ErrNotApplicable, r.file.MimeType)
	}
	// Неподдерживаемый целевой формат: задача пропускается, файл в skipped
	format, err := normalizeFormat(r.opts.TargetFormat)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotApplicable, StepConvert, err)
	}
	r.attempt(StepConvert, func() error {
		return (&imagePipeline{run: r}).convert(format)
	})
	return nil
}

// pipeline — шаги подконвейера категории.
type pipeline interface {
	optimize() error
	thumbnail() error
	metadata() error
}

// upload сохраняет производный объект со ссылкой на исходный файл.
func (r *run) upload(key string, data []byte, contentType string) error {
	_, err := r.d.store.Upload(r.ctx, key, data, contentType, map[string]string{
		"source-file-id": r.file.ID,
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения %s: %w", key, err)
	}
	return nil
}
