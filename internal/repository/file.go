package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// fileColumns — список столбцов таблицы file_records для SELECT/RETURNING.
const fileColumns = `id, owner_id, document_class, original_filename, size, mime_type,
	storage_key, checksum_sha256, checksum_md5, processing_state, processing_error,
	scan_state, scanned_at, current_job_id, thumbnail_key, optimized_key, optimized_size,
	extracted_metadata, processed_at, cancel_reason, cancelled_at, deleted_at,
	created_at, updated_at`

// FileRepository — хранилище метаданных файлов.
type FileRepository interface {
	// Create создаёт запись файла.
	Create(ctx context.Context, f *model.FileRecord) error
	// GetByID возвращает запись по ID (включая soft-deleted) или ErrNotFound.
	GetByID(ctx context.Context, fileID string) (*model.FileRecord, error)
	// Update атомарно применяет частичное обновление.
	Update(ctx context.Context, fileID string, u model.FileUpdate) error
	// UpdateForJob применяет обновление, только пока файл в processing
	// и принадлежит задаче jobID (или задача ещё не записана).
	// Отменённый или переданный другой задаче файл — ErrConflict.
	UpdateForJob(ctx context.Context, fileID, jobID string, u model.FileUpdate) error
	// CompareAndSetState переводит файл из одного из состояний from в to.
	// Файл должен быть не удалён и не заражён. Иначе — ErrConflict
	// (или ErrNotFound, если записи нет).
	CompareAndSetState(
		ctx context.Context, fileID string, from []model.ProcessingState, to model.ProcessingState, jobID string,
	) (*model.FileRecord, error)
	// ListByState возвращает не удалённые файлы в состоянии state,
	// не обновлявшиеся с момента before.
	ListByState(ctx context.Context, state model.ProcessingState, before time.Time, limit int) ([]*model.FileRecord, error)
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий метаданных файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

func (r *fileRepo) Create(ctx context.Context, f *model.FileRecord) error {
	query := `
		INSERT INTO file_records (id, owner_id, document_class, original_filename, size,
			mime_type, storage_key, checksum_sha256, checksum_md5, processing_state, scan_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`

	if f.ProcessingState == "" {
		f.ProcessingState = model.ProcessingPending
	}
	if f.ScanState == "" {
		f.ScanState = model.ScanPending
	}
	if f.Class == "" {
		f.Class = model.ClassDocument
	}

	err := r.db.QueryRow(ctx, query,
		f.ID, f.OwnerID, string(f.Class), f.OriginalFilename, f.Size,
		f.MimeType, f.StorageKey, f.ChecksumSHA256, f.ChecksumMD5,
		string(f.ProcessingState), string(f.ScanState),
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания записи файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, fileID string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_records WHERE id = $1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileRepo) Update(ctx context.Context, fileID string, u model.FileUpdate) error {
	if u.IsEmpty() {
		return nil
	}

	set, args := buildUpdateSet(u, 2)
	query := fmt.Sprintf(`UPDATE file_records SET %s WHERE id = $1`, set)

	tag, err := r.db.Exec(ctx, query, append([]any{fileID}, args...)...)
	if err != nil {
		return fmt.Errorf("ошибка обновления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) UpdateForJob(ctx context.Context, fileID, jobID string, u model.FileUpdate) error {
	if u.IsEmpty() {
		return nil
	}

	set, args := buildUpdateSet(u, 3)
	query := fmt.Sprintf(`
		UPDATE file_records SET %s
		WHERE id = $1
			AND processing_state = 'processing'
			AND current_job_id IN ($2, '')`, set)

	tag, err := r.db.Exec(ctx, query, append([]any{fileID, jobID}, args...)...)
	if err != nil {
		return fmt.Errorf("ошибка обновления файла: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return r.missingOrConflict(ctx, fileID, "файл больше не принадлежит задаче")
}

// missingOrConflict различает отсутствие записи и невыполненное условие обновления.
func (r *fileRepo) missingOrConflict(ctx context.Context, fileID, reason string) error {
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM file_records WHERE id = $1)`, fileID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки файла: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s", ErrConflict, reason)
}

func (r *fileRepo) CompareAndSetState(
	ctx context.Context, fileID string, from []model.ProcessingState, to model.ProcessingState, jobID string,
) (*model.FileRecord, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	// Единственный писатель: конкурентный захват того же файла
	// не пройдёт условие processing_state = ANY($2).
	query := fmt.Sprintf(`
		UPDATE file_records
		SET processing_state = $3, processing_error = '', current_job_id = $4, updated_at = NOW()
		WHERE id = $1
			AND processing_state = ANY($2)
			AND deleted_at IS NULL
			AND scan_state <> 'infected'
		RETURNING %s`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, fileID, states, string(to), jobID))
	if err == nil {
		return f, nil
	}
	if isLockNotAvailable(err) {
		return nil, fmt.Errorf("%w: файл захвачен другой транзакцией", ErrConflict)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка захвата файла: %w", err)
	}

	return nil, r.missingOrConflict(ctx, fileID, "состояние файла изменено конкурентно")
}

func (r *fileRepo) ListByState(
	ctx context.Context, state model.ProcessingState, before time.Time, limit int,
) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM file_records
		WHERE processing_state = $1 AND updated_at < $2 AND deleted_at IS NULL
		ORDER BY updated_at
		LIMIT $3`, fileColumns)

	rows, err := r.db.Query(ctx, query, string(state), before, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки файлов по состоянию: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// scanFile читает строку fileColumns в FileRecord.
func scanFile(row pgx.Row) (*model.FileRecord, error) {
	f := &model.FileRecord{}
	var class, procState, scanState string
	err := row.Scan(
		&f.ID, &f.OwnerID, &class, &f.OriginalFilename, &f.Size, &f.MimeType,
		&f.StorageKey, &f.ChecksumSHA256, &f.ChecksumMD5, &procState, &f.ProcessingError,
		&scanState, &f.ScannedAt, &f.CurrentJobID, &f.ThumbnailKey, &f.OptimizedKey, &f.OptimizedSize,
		&f.ExtractedMetadata, &f.ProcessedAt, &f.CancelReason, &f.CancelledAt, &f.DeletedAt,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Class = model.DocumentClass(class)
	f.ProcessingState = model.ProcessingState(procState)
	f.ScanState = model.ScanState(scanState)
	return f, nil
}

// buildUpdateSet строит SET-часть UPDATE для частичного обновления.
// startArg — номер первого $-параметра. updated_at обновляется всегда.
func buildUpdateSet(u model.FileUpdate, startArg int) (string, []any) {
	var sets []string
	var args []any
	argNum := startArg

	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argNum))
		args = append(args, value)
		argNum++
	}

	if u.ProcessingState != nil {
		add("processing_state", string(*u.ProcessingState))
	}
	if u.ProcessingError != nil {
		add("processing_error", *u.ProcessingError)
	}
	if u.ScanState != nil {
		add("scan_state", string(*u.ScanState))
	}
	if u.ScannedAt != nil {
		add("scanned_at", *u.ScannedAt)
	}
	if u.CurrentJobID != nil {
		add("current_job_id", *u.CurrentJobID)
	}
	if u.ThumbnailKey != nil {
		add("thumbnail_key", *u.ThumbnailKey)
	}
	if u.OptimizedKey != nil {
		add("optimized_key", *u.OptimizedKey)
	}
	if u.OptimizedSize != nil {
		add("optimized_size", *u.OptimizedSize)
	}
	if u.ExtractedMetadata != nil {
		add("extracted_metadata", u.ExtractedMetadata)
	}
	if u.ProcessedAt != nil {
		add("processed_at", *u.ProcessedAt)
	}
	if u.CancelReason != nil {
		add("cancel_reason", *u.CancelReason)
	}
	if u.CancelledAt != nil {
		add("cancelled_at", *u.CancelledAt)
	}
	if u.DeletedAt != nil {
		add("deleted_at", *u.DeletedAt)
	}

	sets = append(sets, "updated_at = NOW()")
	return strings.Join(sets, ", "), args
}
