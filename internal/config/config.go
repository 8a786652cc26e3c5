// Пакет config — загрузка и валидация конфигурации Processing Module
// из переменных окружения (префикс PM_).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые значения перечислимых параметров.
const (
	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"

	StorageBackendS3    = "s3"
	StorageBackendLocal = "local"
)

// Config содержит все параметры конфигурации Processing Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера служебных endpoints (по умолчанию 8040)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Очередь ---

	// Реализация движка очереди: redis, memory
	QueueBackend string
	// Адрес Redis (host:port)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Префикс ключей очереди в Redis
	QueuePrefix string

	// --- Объектное хранилище ---

	// Реализация хранилища: s3, local
	StorageBackend string
	S3Bucket       string
	S3Region       string
	// Endpoint S3-совместимого хранилища (MinIO и т.п.), пусто — AWS
	S3Endpoint     string
	S3UsePathStyle bool
	// Корневой каталог локального хранилища
	LocalStorageDir string

	// --- Антивирусная проверка ---

	ScanEnabled bool
	// Таймаут одной попытки проверки
	ScanTimeout time.Duration
	// Количество повторов после первой попытки
	ScanRetryAttempts int
	// Базовая задержка повтора: 2^attempt * ScanRetryBackoff
	ScanRetryBackoff time.Duration
	// Файлы больше этого размера не проверяются (Skipped)
	ScanMaxSize int64

	// --- Воркеры ---

	// Глобальный предел одновременно выполняемых задач
	WorkerConcurrency int
	// Пределы по типам задач
	WorkerTypeConcurrency map[model.JobType]int
	// Интервал опроса очереди при пустой очереди
	WorkerPollInterval time.Duration

	// --- Фоновые процессы ---

	// Интервал очистки завершённых задач и продвижения отложенных
	RetentionInterval time.Duration
	// Интервал сверки зависших задач и файлов
	ReconcileInterval time.Duration
	// Файл в processing дольше этого срока без задачи считается потерянным
	StaleProcessingAfter time.Duration

	// --- Кэш статусов ---

	StatusCacheSize int
	StatusCacheTTL  time.Duration

	// --- Миниатюры ---

	ThumbnailWidth  int
	ThumbnailHeight int

	// --- topologymetrics ---

	// Интервал проверки зависимостей (PM_DEPHEALTH_CHECK_INTERVAL)
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics (PM_DEPHEALTH_GROUP)
	DephealthGroup string

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// defaultTypeConcurrency — пределы по типам задач по умолчанию.
// Полная обработка ограничена сильнее остальных.
var defaultTypeConcurrency = map[model.JobType]int{
	model.JobFullProcessing: 2,
	model.JobThumbnail:      4,
	model.JobPDFOptimize:    2,
	model.JobFormatConvert:  2,
	model.JobVirusRescan:    4,
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
//
//nolint:cyclop,funlen // последовательная загрузка параметров
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// PM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("PM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("PM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// PM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PM_LOG_LEVEL: %w", err)
	}

	// PM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("PM_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("PM_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("PM_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("PM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("PM_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("PM_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	// PM_DB_HOST — обязательный
	if cfg.DBHost, err = getEnvRequired("PM_DB_HOST"); err != nil {
		return nil, err
	}
	// PM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	if cfg.DBPort, err = getEnvInt("PM_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("PM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("PM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("PM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("PM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	// PM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("PM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Очередь ---

	// PM_QUEUE_BACKEND — redis (по умолчанию) или memory (один экземпляр, без персистентности)
	cfg.QueueBackend = getEnvDefault("PM_QUEUE_BACKEND", QueueBackendRedis)
	if cfg.QueueBackend != QueueBackendRedis && cfg.QueueBackend != QueueBackendMemory {
		return nil, fmt.Errorf("PM_QUEUE_BACKEND: недопустимое значение %q, допустимые: redis, memory", cfg.QueueBackend)
	}
	cfg.RedisAddr = getEnvDefault("PM_REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnvDefault("PM_REDIS_PASSWORD", "")
	if cfg.RedisDB, err = getEnvInt("PM_REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("PM_REDIS_DB: %w", err)
	}
	cfg.QueuePrefix = getEnvDefault("PM_QUEUE_PREFIX", "pm")

	// --- Объектное хранилище ---

	// PM_STORAGE_BACKEND — s3 или local (по умолчанию local)
	cfg.StorageBackend = getEnvDefault("PM_STORAGE_BACKEND", StorageBackendLocal)
	switch cfg.StorageBackend {
	case StorageBackendS3:
		// PM_S3_BUCKET — обязательный для s3
		if cfg.S3Bucket, err = getEnvRequired("PM_S3_BUCKET"); err != nil {
			return nil, err
		}
	case StorageBackendLocal:
	default:
		return nil, fmt.Errorf("PM_STORAGE_BACKEND: недопустимое значение %q, допустимые: s3, local", cfg.StorageBackend)
	}
	cfg.S3Region = getEnvDefault("PM_S3_REGION", "us-east-1")
	cfg.S3Endpoint = strings.TrimRight(getEnvDefault("PM_S3_ENDPOINT", ""), "/")
	if cfg.S3UsePathStyle, err = getEnvBool("PM_S3_USE_PATH_STYLE", cfg.S3Endpoint != ""); err != nil {
		return nil, fmt.Errorf("PM_S3_USE_PATH_STYLE: %w", err)
	}
	cfg.LocalStorageDir = getEnvDefault("PM_LOCAL_STORAGE_DIR", "/data/files")

	// --- Антивирусная проверка ---

	if cfg.ScanEnabled, err = getEnvBool("PM_SCAN_ENABLED", true); err != nil {
		return nil, fmt.Errorf("PM_SCAN_ENABLED: %w", err)
	}
	if cfg.ScanTimeout, err = getEnvDuration("PM_SCAN_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("PM_SCAN_TIMEOUT: %w", err)
	}
	if cfg.ScanRetryAttempts, err = getEnvInt("PM_SCAN_RETRY_ATTEMPTS", 2); err != nil {
		return nil, fmt.Errorf("PM_SCAN_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.ScanRetryAttempts < 0 || cfg.ScanRetryAttempts > 10 {
		return nil, fmt.Errorf("PM_SCAN_RETRY_ATTEMPTS: значение %d вне допустимого диапазона 0-10", cfg.ScanRetryAttempts)
	}
	if cfg.ScanRetryBackoff, err = getEnvDuration("PM_SCAN_RETRY_BACKOFF", time.Second); err != nil {
		return nil, fmt.Errorf("PM_SCAN_RETRY_BACKOFF: %w", err)
	}
	if cfg.ScanMaxSize, err = getEnvInt64("PM_SCAN_MAX_SIZE", 100*model.MiB); err != nil {
		return nil, fmt.Errorf("PM_SCAN_MAX_SIZE: %w", err)
	}

	// --- Воркеры ---

	if cfg.WorkerConcurrency, err = getEnvInt("PM_WORKER_CONCURRENCY", 8); err != nil {
		return nil, fmt.Errorf("PM_WORKER_CONCURRENCY: %w", err)
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("PM_WORKER_CONCURRENCY: значение должно быть >= 1")
	}
	cfg.WorkerTypeConcurrency = make(map[model.JobType]int, len(model.AllJobTypes))
	for _, jt := range model.AllJobTypes {
		key := "PM_WORKER_CONCURRENCY_" + envSuffix(string(jt))
		n, err := getEnvInt(key, defaultTypeConcurrency[jt])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("%s: значение должно быть >= 0", key)
		}
		cfg.WorkerTypeConcurrency[jt] = n
	}
	if cfg.WorkerPollInterval, err = getEnvDuration("PM_WORKER_POLL_INTERVAL", time.Second); err != nil {
		return nil, fmt.Errorf("PM_WORKER_POLL_INTERVAL: %w", err)
	}

	// --- Фоновые процессы ---

	if cfg.RetentionInterval, err = getEnvDuration("PM_RETENTION_INTERVAL", time.Minute); err != nil {
		return nil, fmt.Errorf("PM_RETENTION_INTERVAL: %w", err)
	}
	if cfg.ReconcileInterval, err = getEnvDuration("PM_RECONCILE_INTERVAL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("PM_RECONCILE_INTERVAL: %w", err)
	}
	if cfg.StaleProcessingAfter, err = getEnvDuration("PM_STALE_PROCESSING_AFTER", time.Hour); err != nil {
		return nil, fmt.Errorf("PM_STALE_PROCESSING_AFTER: %w", err)
	}

	// --- Кэш статусов ---

	if cfg.StatusCacheSize, err = getEnvInt("PM_STATUS_CACHE_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("PM_STATUS_CACHE_SIZE: %w", err)
	}
	if cfg.StatusCacheSize < 1 {
		return nil, fmt.Errorf("PM_STATUS_CACHE_SIZE: значение должно быть >= 1")
	}
	if cfg.StatusCacheTTL, err = getEnvDuration("PM_STATUS_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("PM_STATUS_CACHE_TTL: %w", err)
	}

	// --- Миниатюры ---

	if cfg.ThumbnailWidth, err = getEnvInt("PM_THUMBNAIL_WIDTH", 256); err != nil {
		return nil, fmt.Errorf("PM_THUMBNAIL_WIDTH: %w", err)
	}
	if cfg.ThumbnailHeight, err = getEnvInt("PM_THUMBNAIL_HEIGHT", 256); err != nil {
		return nil, fmt.Errorf("PM_THUMBNAIL_HEIGHT: %w", err)
	}
	if cfg.ThumbnailWidth < 16 || cfg.ThumbnailHeight < 16 {
		return nil, fmt.Errorf("PM_THUMBNAIL_WIDTH/PM_THUMBNAIL_HEIGHT: минимальный размер 16px")
	}

	// --- topologymetrics ---

	if cfg.DephealthCheckInterval, err = getEnvDuration("PM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("PM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("PM_DEPHEALTH_GROUP", "processing-module")

	// --- Graceful shutdown ---

	// PM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 15s, ждём воркеров)
	if cfg.ShutdownTimeout, err = getEnvDuration("PM_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("PM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для меток topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// envSuffix преобразует имя типа задачи в суффикс переменной: pdf-optimize → PDF_OPTIMIZE.
func envSuffix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 из переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
