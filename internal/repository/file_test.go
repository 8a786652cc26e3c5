package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/processing-module/internal/config"
	"github.com/bigkaa/goartstore/processing-module/internal/database"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// --- Тесты buildUpdateSet ---

func TestBuildUpdateSet_Minimal(t *testing.T) {
	set, args := buildUpdateSet(model.FileUpdate{
		ProcessingState: model.Ptr(model.ProcessingFailed),
	}, 2)

	if set != "processing_state = $2, updated_at = NOW()" {
		t.Errorf("set = %q", set)
	}
	if len(args) != 1 || args[0] != "failed" {
		t.Errorf("args = %v, ожидался [failed]", args)
	}
}

// TestBuildUpdateSet_Quarantine проверяет набор полей карантина.
func TestBuildUpdateSet_Quarantine(t *testing.T) {
	now := time.Now()
	set, args := buildUpdateSet(model.FileUpdate{
		ScanState: model.Ptr(model.ScanInfected),
		ScannedAt: &now,
		DeletedAt: &now,
	}, 2)

	for _, want := range []string{"scan_state = $2", "scanned_at = $3", "deleted_at = $4", "updated_at = NOW()"} {
		if !strings.Contains(set, want) {
			t.Errorf("set = %q, ожидалось содержание %q", set, want)
		}
	}
	if len(args) != 3 {
		t.Errorf("args count = %d, ожидалось 3", len(args))
	}
}

// --- Интеграционные тесты ---

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("artstore_test"),
		postgres.WithUsername("artstore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("PM_DB_HOST", host)
	t.Setenv("PM_DB_PORT", port.Port())
	t.Setenv("PM_DB_NAME", "artstore_test")
	t.Setenv("PM_DB_USER", "artstore")
	t.Setenv("PM_DB_PASSWORD", "test-password")
	t.Setenv("PM_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newTestFile() *model.FileRecord {
	id := uuid.New().String()
	return &model.FileRecord{
		ID:               id,
		OwnerID:          "user-1",
		Class:            model.ClassConfidential,
		OriginalFilename: "report.pdf",
		Size:             2 * model.MiB,
		MimeType:         "application/pdf",
		StorageKey:       "uploads/" + id,
		ChecksumSHA256:   "abc",
	}
}

func TestFileRepository_CRUD(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile()
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if f.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// Повторное создание — конфликт
	if err := repo.Create(ctx, f); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Create(): ожидался ErrConflict, получено %v", err)
	}

	got, err := repo.GetByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.ProcessingState != model.ProcessingPending || got.ScanState != model.ScanPending {
		t.Errorf("начальные состояния: %q/%q", got.ProcessingState, got.ScanState)
	}
	if got.Class != model.ClassConfidential {
		t.Errorf("Class = %q, ожидался confidential", got.Class)
	}

	meta := map[string]map[string]any{"pdf": {"pages": float64(3)}}
	now := time.Now().UTC()
	err = repo.Update(ctx, f.ID, model.FileUpdate{
		ProcessingState:   model.Ptr(model.ProcessingCompleted),
		ExtractedMetadata: meta,
		ProcessedAt:       &now,
	})
	if err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}

	got, err = repo.GetByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.ProcessingState != model.ProcessingCompleted {
		t.Errorf("ProcessingState = %q, ожидался completed", got.ProcessingState)
	}
	if got.ExtractedMetadata["pdf"]["pages"] != float64(3) {
		t.Errorf("ExtractedMetadata = %v", got.ExtractedMetadata)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt не сохранён")
	}

	if _, err := repo.GetByID(ctx, uuid.New().String()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(неизвестный): ожидался ErrNotFound, получено %v", err)
	}
	if err := repo.Update(ctx, uuid.New().String(), model.FileUpdate{
		ProcessingError: model.Ptr("x"),
	}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(неизвестный): ожидался ErrNotFound, получено %v", err)
	}
}

// TestFileRepository_CompareAndSetState_SingleWriter проверяет, что из
// конкурентных захватов одного файла успешен ровно один.
func TestFileRepository_CompareAndSetState_SingleWriter(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile()
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	from := []model.ProcessingState{model.ProcessingPending, model.ProcessingFailed, model.ProcessingSkipped}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.CompareAndSetState(ctx, f.ID, from, model.ProcessingInProgress, uuid.New().String())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != 9 {
		t.Errorf("wins=%d conflicts=%d, ожидалось 1 и 9", wins, conflicts)
	}
}

func TestFileRepository_CompareAndSetState_Infected(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile()
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if err := repo.Update(ctx, f.ID, model.FileUpdate{ScanState: model.Ptr(model.ScanInfected)}); err != nil {
		t.Fatalf("Update() ошибка: %v", err)
	}

	_, err := repo.CompareAndSetState(ctx, f.ID,
		[]model.ProcessingState{model.ProcessingPending}, model.ProcessingInProgress, "job-1")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("захват заражённого файла: ожидался ErrConflict, получено %v", err)
	}

	_, err = repo.CompareAndSetState(ctx, uuid.New().String(),
		[]model.ProcessingState{model.ProcessingPending}, model.ProcessingInProgress, "job-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("захват неизвестного файла: ожидался ErrNotFound, получено %v", err)
	}
}

func TestFileRepository_UpdateForJob(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile()
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if _, err := repo.CompareAndSetState(ctx, f.ID,
		[]model.ProcessingState{model.ProcessingPending}, model.ProcessingInProgress, "job-1"); err != nil {
		t.Fatalf("CompareAndSetState() ошибка: %v", err)
	}

	err := repo.UpdateForJob(ctx, f.ID, "job-2", model.FileUpdate{ProcessingState: model.Ptr(model.ProcessingCompleted)})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("обновление чужой задачей: ожидался ErrConflict, получено %v", err)
	}

	if err := repo.UpdateForJob(ctx, f.ID, "job-1", model.FileUpdate{ProcessingState: model.Ptr(model.ProcessingCompleted)}); err != nil {
		t.Fatalf("UpdateForJob(job-1) ошибка: %v", err)
	}

	// Файл уже не в processing — повторная запись отклоняется.
	err = repo.UpdateForJob(ctx, f.ID, "job-1", model.FileUpdate{ProcessingState: model.Ptr(model.ProcessingFailed)})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("обновление завершённого файла: ожидался ErrConflict, получено %v", err)
	}

	got, err := repo.GetByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.ProcessingState != model.ProcessingCompleted {
		t.Errorf("ProcessingState = %s, ожидалось completed", got.ProcessingState)
	}

	err = repo.UpdateForJob(ctx, uuid.New().String(), "job-1", model.FileUpdate{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный файл: ожидался ErrNotFound, получено %v", err)
	}
}

func TestFileRepository_ListByState(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile()
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if _, err := repo.CompareAndSetState(ctx, f.ID,
		[]model.ProcessingState{model.ProcessingPending}, model.ProcessingInProgress, "job-1"); err != nil {
		t.Fatalf("CompareAndSetState() ошибка: %v", err)
	}

	stale, err := repo.ListByState(ctx, model.ProcessingInProgress, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListByState() ошибка: %v", err)
	}
	if len(stale) != 1 || stale[0].CurrentJobID != "job-1" {
		t.Errorf("ListByState() = %v, ожидался один файл с job-1", stale)
	}

	fresh, err := repo.ListByState(ctx, model.ProcessingInProgress, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListByState() ошибка: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("ListByState(до обновления) = %d записей, ожидалось 0", len(fresh))
	}
}
