// Точка входа Processing Module — конвейер допуска, планирования и
// обработки файлов системы Artstore.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// очереди задач и объектному хранилищу, собирает оркестратор и пул воркеров,
// запускает фоновые процессы (обслуживание очереди, сверка, topologymetrics),
// ops HTTP-сервер и выполняет graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigkaa/goartstore/processing-module/internal/admission"
	"github.com/bigkaa/goartstore/processing-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/processing-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/processing-module/internal/config"
	"github.com/bigkaa/goartstore/processing-module/internal/database"
	"github.com/bigkaa/goartstore/processing-module/internal/dispatcher"
	"github.com/bigkaa/goartstore/processing-module/internal/metrics"
	"github.com/bigkaa/goartstore/processing-module/internal/queue"
	"github.com/bigkaa/goartstore/processing-module/internal/repository"
	"github.com/bigkaa/goartstore/processing-module/internal/scanner"
	"github.com/bigkaa/goartstore/processing-module/internal/server"
	"github.com/bigkaa/goartstore/processing-module/internal/service"
	"github.com/bigkaa/goartstore/processing-module/internal/storage/objectstore"
)

const serviceID = "processing-module"

// readyStorage — хранилище с проверкой готовности.
type readyStorage interface {
	objectstore.Storage
	handlers.ReadinessChecker
}

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Processing Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("queue_backend", cfg.QueueBackend),
		slog.String("storage_backend", cfg.StorageBackend),
	)

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Движок очереди
	jobQueue, err := openQueue(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к очереди задач", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jobQueue.Close()

	// 6. Объектное хранилище
	store, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Error("Ошибка инициализации объектного хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Метрики, сканер, диспетчер
	sink := metrics.NewPrometheus(prometheus.DefaultRegisterer)

	gate := scanner.NewGate(scanner.NewSignatureBackend(), scanner.Config{
		Enabled:       cfg.ScanEnabled,
		Timeout:       cfg.ScanTimeout,
		RetryAttempts: cfg.ScanRetryAttempts,
		RetryBackoff:  cfg.ScanRetryBackoff,
		MaxSize:       cfg.ScanMaxSize,
	}, logger)
	if h := gate.HealthCheck(ctx); !h.Healthy {
		logger.Warn("Сканер не прошёл проверку EICAR",
			slog.String("version", h.Version),
			slog.String("error", h.Error),
		)
	}

	dispCfg := dispatcher.DefaultConfig()
	dispCfg.ThumbnailWidth = cfg.ThumbnailWidth
	dispCfg.ThumbnailHeight = cfg.ThumbnailHeight
	disp := dispatcher.New(store, dispCfg, logger)

	// 8. Репозиторий и сервисы
	files := repository.NewFileRepository(pool)

	orchestrator := service.NewOrchestrator(
		admission.NewEngine(files, logger),
		files,
		jobQueue,
		service.NewStatusCache(cfg.StatusCacheSize, cfg.StatusCacheTTL, sink),
		sink,
		logger,
	)

	workers := service.NewWorkerPool(
		jobQueue, files, store, gate, disp, sink,
		service.WorkerConfig{
			Concurrency:     cfg.WorkerConcurrency,
			TypeConcurrency: cfg.WorkerTypeConcurrency,
			PollInterval:    cfg.WorkerPollInterval,
		},
		logger,
	)

	retention := service.NewRetentionService(
		jobQueue, queue.DefaultRetentionPolicy(), cfg.RetentionInterval, sink, logger,
	)
	reconcile := service.NewReconcileService(
		jobQueue, files, cfg.ReconcileInterval, cfg.StaleProcessingAfter, logger,
	)

	// 9. Запуск цикла событий, воркеров и фоновых процессов
	go func() {
		if err := orchestrator.Run(ctx); err != nil {
			logger.Error("Цикл событий очереди завершился с ошибкой", slog.String("error", err.Error()))
		}
	}()
	workers.Start(ctx)
	retention.Start(ctx)
	reconcile.Start(ctx)

	// 9.1 topologymetrics — мониторинг зависимостей (PostgreSQL + S3)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     serviceID,
		Group:         cfg.DephealthGroup,
		PgConnURL:     cfg.DatabaseURL(),
		S3Endpoint:    cfg.S3Endpoint,
		CheckInterval: cfg.DephealthCheckInterval,
	}, pgDB, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 10. Health handler и HTTP-сервер
	healthHandler := handlers.NewHealthHandler(
		handlers.Dependency{Name: "postgresql", Checker: database.NewReadinessChecker(pool), Critical: true},
		handlers.Dependency{Name: "queue", Checker: handlers.NewPingChecker("очередь задач", jobQueue), Critical: true},
		handlers.Dependency{Name: "scanner", Checker: gate},
		handlers.Dependency{Name: "storage", Checker: store},
	)

	srv := server.New(cfg, logger, healthHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)

	// 11. Запуск сервера (блокирующий вызов с graceful shutdown)
	runErr := srv.Run(ctx)

	// 12. Остановка: сначала новые задачи перестают забираться,
	// затем дожидаемся выполняющихся в пределах ShutdownTimeout.
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := workers.Stop(stopCtx); err != nil {
		logger.Warn("Не все задачи завершились до таймаута остановки",
			slog.String("error", err.Error()),
		)
	}
	retention.Stop()
	reconcile.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1) //nolint:gocritic // отложенные Close не критичны при аварийном завершении
	}
	logger.Info("Processing Module остановлен")
}

// openQueue создаёт движок очереди по PM_QUEUE_BACKEND.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	if cfg.QueueBackend == config.QueueBackendMemory {
		logger.Warn("Используется очередь в памяти: задачи не переживают перезапуск")
		return queue.NewMemoryQueue(logger), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	q, err := queue.NewRedisQueue(connectCtx, queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.QueuePrefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// openStorage создаёт объектное хранилище по PM_STORAGE_BACKEND.
func openStorage(ctx context.Context, cfg *config.Config) (readyStorage, error) {
	if cfg.StorageBackend == config.StorageBackendLocal {
		local, err := objectstore.NewLocalStore(cfg.LocalStorageDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	}
	s3, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}
