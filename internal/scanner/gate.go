// Пакет scanner — шлюз антивирусной проверки: классифицирует буфер как
// безопасный или опасный с таймаутом на попытку и повторами с backoff.
// Движок проверки подключается через интерфейс Backend.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// Backend — движок проверки содержимого.
// Scan возвращает список угроз; пустой список — буфер чист.
type Backend interface {
	Scan(ctx context.Context, data []byte) ([]string, error)
	Version() string
}

// Служебные значения ScannerVersion.
const (
	VersionTimeout  = "timeout"
	VersionDisabled = "disabled"
	VersionSkipped  = "skipped"
)

// Config — параметры шлюза.
type Config struct {
	// Enabled — false: любой буфер считается чистым без проверки
	Enabled bool
	// Timeout — таймаут одной попытки
	Timeout time.Duration
	// RetryAttempts — число повторов после первой попытки
	RetryAttempts int
	// RetryBackoff — база задержки: после неудачной попытки N ждём 2^N * RetryBackoff
	RetryBackoff time.Duration
	// MaxSize — буфер больше этого размера не проверяется
	MaxSize int64
}

// DefaultConfig — значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Timeout:       30 * time.Second,
		RetryAttempts: 2,
		RetryBackoff:  time.Second,
		MaxSize:       100 * model.MiB,
	}
}

// Gate — шлюз антивирусной проверки.
type Gate struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
}

// NewGate создаёт шлюз проверки.
func NewGate(backend Backend, cfg Config, logger *slog.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	return &Gate{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "scanner")),
	}
}

// Scan проверяет буфер.
//
// Ошибка возвращается только для пустого буфера (model.ErrInvalidInput)
// и при отмене ctx. Таймаут и исчерпание повторов — это классификации
// результата (Timeout, Error), а не ошибки вызова.
func (g *Gate) Scan(ctx context.Context, data []byte) (*model.ScanResult, error) {
	start := time.Now()

	if !g.cfg.Enabled {
		return &model.ScanResult{
			Clean:          true,
			Classification: model.ScanResultDisabled,
			Threats:        []string{},
			ScanID:         uuid.New().String(),
			Hash:           hashOf(data),
			Duration:       time.Since(start),
			ScannerVersion: VersionDisabled,
		}, nil
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: пустой буфер для проверки", model.ErrInvalidInput)
	}

	result := &model.ScanResult{
		Threats: []string{},
		ScanID:  uuid.New().String(),
		Hash:    hashOf(data),
	}

	if int64(len(data)) > g.cfg.MaxSize {
		g.logger.Info("Файл превышает лимит проверки, проверка пропущена",
			slog.Int("size", len(data)),
			slog.Int64("max_size", g.cfg.MaxSize),
		)
		result.Clean = true
		result.Classification = model.ScanResultSkipped
		result.ScannerVersion = VersionSkipped
		result.Details = map[string]any{"reason": "size_limit", "size": len(data)}
		result.Duration = time.Since(start)
		return result, nil
	}

	maxAttempts := g.cfg.RetryAttempts + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempt = attempt

		threats, err := g.attempt(ctx, data)
		switch {
		case err == nil:
			result.Clean = len(threats) == 0
			if threats != nil {
				result.Threats = threats
			}
			result.Classification = model.ScanResultClean
			if !result.Clean {
				result.Classification = model.ScanResultInfected
				g.logger.Warn("Обнаружены угрозы",
					slog.String("scan_id", result.ScanID),
					slog.Any("threats", threats),
				)
			}
			result.ScannerVersion = g.backend.Version()
			result.Duration = time.Since(start)
			return result, nil

		case errors.Is(err, errAttemptTimeout):
			// Таймаут завершает проверку без повторов
			g.logger.Warn("Таймаут антивирусной проверки",
				slog.String("scan_id", result.ScanID),
				slog.Int("attempt", attempt),
				slog.Duration("timeout", g.cfg.Timeout),
			)
			result.Clean = false
			result.Classification = model.ScanResultTimeout
			result.Threats = []string{model.ThreatScanTimeout}
			result.ScannerVersion = VersionTimeout
			result.Duration = time.Since(start)
			return result, nil

		case ctx.Err() != nil:
			return nil, ctx.Err()
		}

		lastErr = err
		g.logger.Warn("Ошибка попытки антивирусной проверки",
			slog.String("scan_id", result.ScanID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < maxAttempts {
			if err := sleepCtx(ctx, g.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	g.logger.Error("Все попытки антивирусной проверки завершились ошибкой",
		slog.String("scan_id", result.ScanID),
		slog.Int("attempts", maxAttempts),
		slog.String("error", lastErr.Error()),
	)
	result.Clean = false
	result.Classification = model.ScanResultError
	result.Threats = []string{model.ThreatScanError}
	result.ScannerVersion = g.backend.Version()
	result.Details = map[string]any{"error": lastErr.Error()}
	result.Duration = time.Since(start)
	return result, nil
}

// Health — состояние сканера.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// HealthCheck проверяет тестовый вредоносный буфер (EICAR).
// Исправен, только если сканер признал его опасным.
func (g *Gate) HealthCheck(ctx context.Context) Health {
	threats, err := g.attempt(ctx, []byte(EICARTestPayload))
	if err != nil {
		msg := err.Error()
		if errors.Is(err, errAttemptTimeout) {
			msg = "таймаут проверки тестового файла"
		}
		return Health{Healthy: false, Version: g.backend.Version(), Error: msg}
	}
	if len(threats) == 0 {
		return Health{
			Healthy: false,
			Version: g.backend.Version(),
			Error:   "тестовый файл EICAR не обнаружен",
		}
	}
	return Health{Healthy: true, Version: g.backend.Version()}
}

// CheckReady реализует handlers.ReadinessChecker.
func (g *Gate) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := g.HealthCheck(ctx)
	if !h.Healthy {
		return "fail", fmt.Sprintf("сканер неисправен: %s", h.Error)
	}
	return "ok", "сканер " + h.Version
}

// errAttemptTimeout — попытка не уложилась в таймаут.
var errAttemptTimeout = fmt.Errorf("%w: таймаут попытки проверки", model.ErrTimeout)

// attempt выполняет одну попытку, соревнуясь с таймаутом.
// Backend получает контекст с тем же дедлайном.
func (g *Gate) attempt(ctx context.Context, data []byte) ([]string, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		threats []string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("паника backend: %v", r)}
			}
		}()
		threats, err := g.backend.Scan(attemptCtx, data)
		done <- outcome{threats: threats, err: err}
	}()

	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.threats, out.err
	case <-timer.C:
		return nil, errAttemptTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// backoff — задержка перед повтором после попытки attempt (с 1): 2^attempt * база.
func (g *Gate) backoff(attempt int) time.Duration {
	return g.cfg.RetryBackoff * time.Duration(1<<attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
