package queue

import "github.com/redis/go-redis/v9"

// Each script first checks that ARGV[3] is still pending on consumer
// ARGV[2]. An entry reclaimed by another consumer returns 0 and changes
// nothing, so only the current owner can settle it or release the job's
// active marker.

// ackScript: KEYS stream, active marker. ARGV group, consumer, id, release.
var ackScript = redis.NewScript(`
if #redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[3], ARGV[3], 1, ARGV[2]) == 0 then
  return 0
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[3])
if ARGV[4] == '1' then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// retryScript: KEYS stream, delayed set, active marker.
// ARGV group, consumer, id, due (ms), delayed entry, marker TTL (s).
var retryScript = redis.NewScript(`
if #redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[3], ARGV[3], 1, ARGV[2]) == 0 then
  return 0
end
redis.call('XACK', KEYS[1], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
if tonumber(ARGV[6]) > 0 then
  redis.call('EXPIRE', KEYS[3], ARGV[6])
end
return 1
`)

// dlqScript: KEYS stream, active marker, dead-letter stream.
// ARGV group, consumer, id, release, then field/value pairs.
var dlqScript = redis.NewScript(`
if #redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[3], ARGV[3], 1, ARGV[2]) == 0 then
  return 0
end
redis.call('XADD', KEYS[3], '*', unpack(ARGV, 5))
redis.call('XACK', KEYS[1], ARGV[1], ARGV[3])
if ARGV[4] == '1' then
  redis.call('DEL', KEYS[2])
end
return 1
`)

// releaseFlag reports whether settling d should free its job's marker.
func releaseFlag(d *Delivery) string {
	if d.Message.JobID == "" {
		return "0"
	}
	return "1"
}
