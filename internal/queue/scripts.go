package queue

import "github.com/redis/go-redis/v9"

// Lua-скрипты Redis-движка. Каждый выполняется атомарно.
// Ключи задач строятся из префикса внутри скрипта, поэтому движок
// рассчитан на одиночный Redis (не Cluster).

// dequeueScript — KEYS: wait, active; ARGV: jobPrefix, nowMs, graceMs.
var dequeueScript = redis.NewScript(`
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then return false end
  local id = popped[1]
  local jk = ARGV[1] .. id
  if redis.call('EXISTS', jk) == 1 then
    local timeout = tonumber(redis.call('HGET', jk, 'timeout_ms') or '0')
    redis.call('ZADD', KEYS[2], tonumber(ARGV[2]) + timeout + tonumber(ARGV[3]), id)
    redis.call('HSET', jk, 'state', 'active', 'processed_at', ARGV[2])
    return id
  end
end
`)

// promoteScript — KEYS: delayed; ARGV: nowMs, jobPrefix, waitPrefix.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1000)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  local t = redis.call('HGET', jk, 'type')
  if t then
    redis.call('ZADD', ARGV[3] .. t, redis.call('HGET', jk, 'score'), id)
    redis.call('HSET', jk, 'state', 'waiting')
  end
end
return #ids
`)

// progressScript — KEYS: job; ARGV: progress.
var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then return 0 end
redis.call('HSET', KEYS[1], 'progress', ARGV[1])
return 1
`)

// completeScript — KEYS: active, completed, job; ARGV: id, nowMs, resultJSON.
// Возвращает {1, processed_at} или {-1, пустая строка}.
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return {-1, ''} end
local started = redis.call('HGET', KEYS[3], 'processed_at') or ''
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'completed', 'progress', '100', 'result', ARGV[3], 'finished_at', ARGV[2])
return {1, started}
`)

// failScript — KEYS: active, failed, delayed, job; ARGV: id, nowMs, reason, retryable.
// Возвращает {code, attempts_made, processed_at}: 1 — повтор, 0 — failed, -1 — нет задачи.
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return {-1, 0, ''} end
local made = redis.call('HINCRBY', KEYS[4], 'attempts_made', 1)
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts') or '1')
local started = redis.call('HGET', KEYS[4], 'processed_at') or ''
redis.call('HSET', KEYS[4], 'failed_reason', ARGV[3])
if ARGV[4] == '1' and made < max then
  local backoff = tonumber(redis.call('HGET', KEYS[4], 'backoff_ms') or '0')
  redis.call('ZADD', KEYS[3], tonumber(ARGV[2]) + backoff * (2 ^ (made - 1)), ARGV[1])
  redis.call('HSET', KEYS[4], 'state', 'delayed')
  return {1, made, started}
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[4], 'state', 'failed', 'finished_at', ARGV[2])
return {0, made, started}
`)

// retryScript — KEYS: failed, job; ARGV: id, waitPrefix.
// Возвращает 1 — повторена, 0 — не в failed, -1 — нет задачи.
var retryScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then return -1 end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local t = redis.call('HGET', KEYS[2], 'type')
redis.call('ZADD', ARGV[2] .. t, redis.call('HGET', KEYS[2], 'score'), ARGV[1])
redis.call('HSET', KEYS[2], 'state', 'waiting', 'attempts_made', '0', 'failed_reason', '', 'progress', '0')
redis.call('HDEL', KEYS[2], 'processed_at', 'finished_at', 'result')
return 1
`)

// removeScript — KEYS: job, delayed, active, completed, failed; ARGV: id, waitPrefix.
// Возвращает {type, file_id} или false.
var removeScript = redis.NewScript(`
local t = redis.call('HGET', KEYS[1], 'type')
if not t then return false end
local fileID = redis.call('HGET', KEYS[1], 'file_id') or ''
redis.call('ZREM', ARGV[2] .. t, ARGV[1])
for i = 2, 5 do redis.call('ZREM', KEYS[i], ARGV[1]) end
redis.call('DEL', KEYS[1])
return {t, fileID}
`)

// stalledScript — KEYS: active, failed; ARGV: nowMs, jobPrefix, waitPrefix, reason.
// Возвращает список "r:<id>" (возвращена) и "f:<id>" (failed).
var stalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1000)
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  local t = redis.call('HGET', jk, 'type')
  if t then
    local made = redis.call('HINCRBY', jk, 'attempts_made', 1)
    local max = tonumber(redis.call('HGET', jk, 'max_attempts') or '1')
    redis.call('HSET', jk, 'failed_reason', ARGV[4])
    if made < max then
      redis.call('ZADD', ARGV[3] .. t, redis.call('HGET', jk, 'score'), id)
      redis.call('HSET', jk, 'state', 'waiting')
      table.insert(out, 'r:' .. id)
    else
      redis.call('ZADD', KEYS[2], ARGV[1], id)
      redis.call('HSET', jk, 'state', 'failed', 'finished_at', ARGV[1])
      table.insert(out, 'f:' .. id)
    end
  end
end
return out
`)

// pruneScript — KEYS: zset; ARGV: jobPrefix, cutoffMs, keepCount (-1 — без лимита).
var pruneScript = redis.NewScript(`
local removed = 0
local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[1] .. id)
  redis.call('ZREM', KEYS[1], id)
  removed = removed + 1
end
local keep = tonumber(ARGV[3])
if keep > 0 then
  local extra = redis.call('ZRANGE', KEYS[1], 0, -(keep + 1))
  for _, id in ipairs(extra) do
    redis.call('DEL', ARGV[1] .. id)
    redis.call('ZREM', KEYS[1], id)
    removed = removed + 1
  end
end
return removed
`)
