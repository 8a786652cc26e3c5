package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPgErrorClassification(t *testing.T) {
	unique := fmt.Errorf("вставка: %w", &pgconn.PgError{Code: "23505"})
	locked := &pgconn.PgError{Code: "55P03"}
	plain := errors.New("connection reset")

	if !isUniqueViolation(unique) {
		t.Error("обёрнутая 23505 не распознана как нарушение уникальности")
	}
	if isUniqueViolation(locked) || isUniqueViolation(plain) {
		t.Error("ложное срабатывание isUniqueViolation")
	}
	if !isLockNotAvailable(locked) {
		t.Error("55P03 не распознана как занятая блокировка")
	}
	if got := pgErrorCode(plain); got != "" {
		t.Errorf("pgErrorCode(не pg) = %q, ожидалась пустая строка", got)
	}
}
