// Пакет repository — слой доступа к метаданным файлов в PostgreSQL.
// Processing Module читает записи file_records, атомарно захватывает их
// для обработки (compare-and-set состояния) и отражает результат задач.
// Запросы пишутся на SQL через pgx.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound — записи файла нет.
	ErrNotFound = errors.New("файл не найден в метаданных")
	// ErrConflict — файл с таким ID уже есть либо его состояние
	// изменил другой писатель.
	ErrConflict = errors.New("конфликт состояния файла")
)

// Коды ошибок PostgreSQL, которые различает репозиторий.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// DBTX — общий интерфейс *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == pgUniqueViolation
}

// isLockNotAvailable — строку держит другая транзакция (lock_timeout, NOWAIT).
func isLockNotAvailable(err error) bool {
	return pgErrorCode(err) == pgLockNotAvailable
}
