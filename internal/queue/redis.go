package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/jobstate"
	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
)

// RedisConfig — параметры подключения Redis-движка.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix — префикс всех ключей движка
	Prefix   string
	PoolSize int
}

// RedisQueue — движок очереди поверх Redis.
//
// Раскладка ключей (p — префикс):
//   - p:job:{id} — hash задачи
//   - p:wait:{type} — zset ожидающих, score = priorityScore
//   - p:delayed — zset отложенных, score = время повтора (ms)
//   - p:active — zset выполняющихся, score = дедлайн блокировки (ms)
//   - p:completed, p:failed — zset завершённых, score = время завершения (ms)
//   - p:events — pub/sub канал событий
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisQueue подключается к Redis и проверяет соединение.
func NewRedisQueue(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 100
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis %s: %w", cfg.Addr, err)
	}

	return NewRedisQueueWithClient(rdb, cfg.Prefix, logger), nil
}

// NewRedisQueueWithClient создаёт движок с готовым клиентом (для тестов).
func NewRedisQueueWithClient(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisQueue {
	if prefix == "" {
		prefix = "pm"
	}
	return &RedisQueue{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With(slog.String("component", "redis_queue")),
		now:    time.Now,
	}
}

func (q *RedisQueue) jobPrefix() string              { return q.prefix + ":job:" }
func (q *RedisQueue) jobKey(id string) string        { return q.jobPrefix() + id }
func (q *RedisQueue) waitPrefix() string             { return q.prefix + ":wait:" }
func (q *RedisQueue) waitKey(t model.JobType) string { return q.waitPrefix() + string(t) }
func (q *RedisQueue) delayedKey() string             { return q.prefix + ":delayed" }
func (q *RedisQueue) activeKey() string              { return q.prefix + ":active" }
func (q *RedisQueue) completedKey() string           { return q.prefix + ":completed" }
func (q *RedisQueue) failedKey() string              { return q.prefix + ":failed" }
func (q *RedisQueue) eventsChannel() string          { return q.prefix + ":events" }

// Enqueue сохраняет hash задачи и ставит её в zset ожидания типа.
func (q *RedisQueue) Enqueue(
	ctx context.Context, jobType model.JobType, payload model.JobPayload, policy model.JobPolicy,
) (string, error) {
	if !jobType.IsValid() {
		return "", fmt.Errorf("неизвестный тип задачи: %q", jobType)
	}

	now := q.now().UTC()
	id := uuid.New().String()
	payload.JobType = jobType

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации payload: %w", err)
	}
	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации политики: %w", err)
	}

	score := priorityScore(payload.Priority, now)
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"id":            id,
			"type":          string(jobType),
			"file_id":       payload.FileID,
			"payload":       string(payloadJSON),
			"policy":        string(policyJSON),
			"score":         strconv.FormatFloat(score, 'f', 0, 64),
			"max_attempts":  policy.Attempts,
			"backoff_ms":    policy.Backoff.Milliseconds(),
			"timeout_ms":    policy.Timeout.Milliseconds(),
			"state":         string(jobstate.NativeWaiting),
			"progress":      0,
			"attempts_made": 0,
			"created_at":    now.UnixMilli(),
		})
		pipe.ZAdd(ctx, q.waitKey(jobType), redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ошибка постановки задачи в Redis: %w", err)
	}

	q.publish(ctx, Event{Type: EventEnqueued, JobID: id, JobType: jobType, FileID: payload.FileID, Time: now})
	return id, nil
}

// Get читает hash задачи.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения задачи из Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(fields)
}

// Remove удаляет задачу из всех структур движка.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	keys := []string{q.jobKey(jobID), q.delayedKey(), q.activeKey(), q.completedKey(), q.failedKey()}
	res, err := removeScript.Run(ctx, q.rdb, keys, jobID, q.waitPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("ошибка удаления задачи из Redis: %w", err)
	}

	ev := Event{Type: EventRemoved, JobID: jobID, Time: q.now().UTC()}
	if len(res) == 2 {
		ev.JobType = model.JobType(res[0])
		ev.FileID = res[1]
	}
	q.publish(ctx, ev)
	return nil
}

// Retry возвращает failed-задачу в ожидание.
func (q *RedisQueue) Retry(ctx context.Context, jobID string) error {
	code, err := retryScript.Run(ctx, q.rdb,
		[]string{q.failedKey(), q.jobKey(jobID)}, jobID, q.waitPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("ошибка повтора задачи в Redis: %w", err)
	}
	switch code {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrNotFailed
	}

	q.publish(ctx, Event{Type: EventRetried, JobID: jobID, Time: q.now().UTC()})
	return nil
}

// Counts считает задачи одним pipeline.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := make(map[model.JobType]*redis.IntCmd, len(model.AllJobTypes))
	for _, t := range model.AllJobTypes {
		waiting[t] = pipe.ZCard(ctx, q.waitKey(t))
	}
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.ZCard(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("ошибка подсчёта задач в Redis: %w", err)
	}

	c := Counts{
		Delayed:       delayed.Val(),
		Active:        active.Val(),
		Completed:     completed.Val(),
		Failed:        failed.Val(),
		WaitingByType: make(map[model.JobType]int64, len(waiting)),
	}
	for t, cmd := range waiting {
		c.WaitingByType[t] = cmd.Val()
		c.Waiting += cmd.Val()
	}
	return c, nil
}

// Dequeue переводит просроченные отложенные задачи в ожидание
// и атомарно забирает первую задачу типа.
func (q *RedisQueue) Dequeue(ctx context.Context, jobType model.JobType) (*Job, error) {
	now := q.now().UTC()
	if _, err := q.PromoteDelayed(ctx, now); err != nil {
		return nil, err
	}

	id, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.waitKey(jobType), q.activeKey()},
		q.jobPrefix(), now.UnixMilli(), StalledGrace.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка извлечения задачи из Redis: %w", err)
	}

	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	q.publish(ctx, Event{
		Type: EventActive, JobID: id, JobType: job.Type, FileID: job.Payload.FileID,
		AttemptsMade: job.AttemptsMade, Time: now,
	})
	return job, nil
}

// UpdateProgress обновляет прогресс активной задачи.
func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	progress = clampProgress(progress)
	ok, err := progressScript.Run(ctx, q.rdb, []string{q.jobKey(jobID)}, progress).Int()
	if err != nil {
		return fmt.Errorf("ошибка обновления прогресса в Redis: %w", err)
	}
	if ok == 0 {
		return ErrJobNotFound
	}
	q.publish(ctx, Event{Type: EventProgress, JobID: jobID, Progress: progress, Time: q.now().UTC()})
	return nil
}

// Complete переводит активную задачу в completed.
func (q *RedisQueue) Complete(ctx context.Context, jobID string, result *model.ProcessingResult) error {
	resultJSON := ""
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("ошибка сериализации результата: %w", err)
		}
		resultJSON = string(data)
	}

	now := q.now().UTC()
	res, err := completeScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.completedKey(), q.jobKey(jobID)},
		jobID, now.UnixMilli(), resultJSON,
	).Slice()
	if err != nil {
		return fmt.Errorf("ошибка завершения задачи в Redis: %w", err)
	}
	if code, _ := res[0].(int64); code == -1 {
		return ErrJobNotFound
	}

	started, _ := res[1].(string)
	q.publish(ctx, Event{
		Type: EventCompleted, JobID: jobID, Duration: durationSince(started, now), Time: now,
	})
	return nil
}

// Fail фиксирует неудачную попытку; backoff считается в скрипте.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string, retryable bool) (bool, error) {
	retry := "0"
	if retryable {
		retry = "1"
	}

	now := q.now().UTC()
	res, err := failScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.failedKey(), q.delayedKey(), q.jobKey(jobID)},
		jobID, now.UnixMilli(), reason, retry,
	).Slice()
	if err != nil {
		return false, fmt.Errorf("ошибка фиксации ошибки задачи в Redis: %w", err)
	}

	code, _ := res[0].(int64)
	if code == -1 {
		return false, ErrJobNotFound
	}
	made, _ := res[1].(int64)
	started, _ := res[2].(string)

	ev := Event{
		Type: EventFailed, JobID: jobID, AttemptsMade: int(made), Error: reason,
		Duration: durationSince(started, now), Time: now,
	}
	if code == 1 {
		ev.Type = EventRetrying
	}
	q.publish(ctx, ev)
	return code == 1, nil
}

// PromoteDelayed переводит отложенные задачи с истёкшим backoff в ожидание.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey()}, now.UnixMilli(), q.jobPrefix(), q.waitPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("ошибка переноса отложенных задач: %w", err)
	}
	return n, nil
}

// RequeueStalled обрабатывает задачи с истёкшим дедлайном блокировки.
func (q *RedisQueue) RequeueStalled(ctx context.Context, now time.Time) (StalledResult, error) {
	out, err := stalledScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.failedKey()},
		now.UnixMilli(), q.jobPrefix(), q.waitPrefix(), stalledReason,
	).StringSlice()
	if err != nil {
		return StalledResult{}, fmt.Errorf("ошибка обработки зависших задач: %w", err)
	}

	var res StalledResult
	for _, entry := range out {
		kind, id, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		if kind == "r" {
			res.Requeued = append(res.Requeued, id)
		} else {
			res.Failed = append(res.Failed, id)
		}
		q.publish(ctx, Event{Type: EventStalled, JobID: id, Error: stalledReason, Time: now})
	}
	return res, nil
}

// Prune удаляет завершённые задачи по политике хранения.
func (q *RedisQueue) Prune(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	keep := policy.KeepCompletedCount
	if keep <= 0 {
		keep = -1
	}

	completed, err := pruneScript.Run(ctx, q.rdb,
		[]string{q.completedKey()}, q.jobPrefix(), now.Add(-policy.KeepCompletedFor).UnixMilli(), keep,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки completed: %w", err)
	}
	failed, err := pruneScript.Run(ctx, q.rdb,
		[]string{q.failedKey()}, q.jobPrefix(), now.Add(-policy.KeepFailedFor).UnixMilli(), -1,
	).Int()
	if err != nil {
		return completed, fmt.Errorf("ошибка очистки failed: %w", err)
	}
	return completed + failed, nil
}

// Subscribe подписывается на канал событий движка.
func (q *RedisQueue) Subscribe(ctx context.Context) (<-chan Event, error) {
	ps := q.rdb.Subscribe(ctx, q.eventsChannel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("ошибка подписки на события Redis: %w", err)
	}

	out := make(chan Event, eventBufferSize)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					q.logger.Warn("Некорректное событие очереди",
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Ping проверяет соединение с Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close закрывает клиент Redis.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// publish отправляет событие; ошибка публикации только логируется.
func (q *RedisQueue) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.rdb.Publish(ctx, q.eventsChannel(), data).Err(); err != nil {
		q.logger.Debug("Ошибка публикации события очереди",
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// parseJob собирает Job из полей hash.
func parseJob(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:           fields["id"],
		Type:         model.JobType(fields["type"]),
		State:        jobstate.NativeState(fields["state"]),
		FailedReason: fields["failed_reason"],
	}

	if err := json.Unmarshal([]byte(fields["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("повреждённый payload задачи %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(fields["policy"]), &job.Policy); err != nil {
		return nil, fmt.Errorf("повреждённая политика задачи %s: %w", job.ID, err)
	}
	if raw := fields["result"]; raw != "" {
		job.Result = &model.ProcessingResult{}
		if err := json.Unmarshal([]byte(raw), job.Result); err != nil {
			return nil, fmt.Errorf("повреждённый результат задачи %s: %w", job.ID, err)
		}
	}

	job.Progress, _ = strconv.Atoi(fields["progress"])
	job.AttemptsMade, _ = strconv.Atoi(fields["attempts_made"])
	job.Payload.Progress = job.Progress

	if t, ok := parseMillis(fields["created_at"]); ok {
		job.CreatedAt = t
	}
	if t, ok := parseMillis(fields["processed_at"]); ok {
		job.ProcessedAt = &t
	}
	if t, ok := parseMillis(fields["finished_at"]); ok {
		job.FinishedAt = &t
	}
	return job, nil
}

func parseMillis(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func durationSince(startedMillis string, now time.Time) time.Duration {
	started, ok := parseMillis(startedMillis)
	if !ok {
		return 0
	}
	return now.Sub(started)
}
