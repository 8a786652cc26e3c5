// Пакет service — жизненный цикл задач Processing Module: оркестратор,
// пул воркеров, фоновые процессы очистки и сверки, мониторинг зависимостей.
//
// StatusCache — LRU-кэш представлений статуса задач с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/goartstore/processing-module/internal/domain/model"
	"github.com/bigkaa/goartstore/processing-module/internal/metrics"
)

// StatusCache — кэш терминальных статусов задач (completed, cancelled).
// Отменённая задача удаляется из движка очереди, поэтому наблюдаема
// как cancelled только через кэш, в пределах TTL.
type StatusCache struct {
	cache   *expirable.LRU[string, *model.JobStatusView]
	metrics metrics.Sink
}

// NewStatusCache создаёт кэш с указанным максимальным размером и TTL.
func NewStatusCache(maxSize int, ttl time.Duration, sink metrics.Sink) *StatusCache {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &StatusCache{
		cache:   expirable.NewLRU[string, *model.JobStatusView](maxSize, nil, ttl),
		metrics: sink,
	}
}

// Get возвращает копию представления по jobID.
func (c *StatusCache) Get(jobID string) (*model.JobStatusView, bool) {
	val, ok := c.cache.Get(jobID)
	c.metrics.StatusCacheLookup(ok)
	if !ok {
		return nil, false
	}
	v := *val
	return &v, true
}

// Set добавляет или обновляет представление.
func (c *StatusCache) Set(view *model.JobStatusView) {
	if view == nil || view.JobID == "" {
		return
	}
	v := *view
	c.cache.Add(view.JobID, &v)
}

// Delete инвалидирует запись.
func (c *StatusCache) Delete(jobID string) {
	c.cache.Remove(jobID)
}

// Len возвращает количество записей.
func (c *StatusCache) Len() int {
	return c.cache.Len()
}
