package redis

import "github.com/redis/go-redis/v9"

// promoteScript moves up to ARGV[2] delayed payloads due at or before
// ARGV[1] onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// reapScript requeues processing payloads whose lease deadline is at or
// before ARGV[1]. Payloads without a lease (a worker died between BLMOVE and
// HSET) get the grace deadline ARGV[2].
var reapScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local requeued = 0
for _, payload in ipairs(items) do
  local deadline = redis.call('HGET', KEYS[2], payload)
  if not deadline then
    redis.call('HSET', KEYS[2], payload, ARGV[2])
  elseif tonumber(deadline) <= tonumber(ARGV[1]) then
    redis.call('LREM', KEYS[1], 1, payload)
    redis.call('HDEL', KEYS[2], payload)
    redis.call('RPUSH', KEYS[3], payload)
    requeued = requeued + 1
  end
end
return requeued
`)
