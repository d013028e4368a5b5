// Package cache implements the Redis-backed advisory locks and idempotency
// fast-path used by the Outbound Dispatcher (C8) and Inbound Pipeline (C5),
// adapted from the pack's RedisCache wrapper
// (BbangMxn-worker/worker_server/pkg/cache) around redis/go-redis/v9.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with the handful of operations the Mail
// Delivery Core needs: advisory locks and idempotency markers. It is not a
// general-purpose cache client.
type Cache struct {
	client *redis.Client
}

// New builds a Cache from a redis:// connection URL.
func New(redisURL string) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Cache{client: redis.NewClient(opt)}, nil
}

func NewFromClient(c *redis.Client) *Cache {
	return &Cache{client: c}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Release unlocks a previously acquired lock.
type Release func(ctx context.Context)

// TryLock attempts to acquire "send_message_lock:<key>"-shaped advisory
// lock with the given TTL. It returns ok=false if another worker already
// holds it (spec.md §4.8 "Lock acquisition failure means another worker is
// sending this message: return without error").
//
// The lock is released via a SET NX token + compare-and-delete Lua script so
// a slow worker cannot release a lock acquired by someone else after its TTL
// expired (spec.md §5 "best-effort mutex").
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	token := uuid.New().String()
	ok, err := c.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) {
		releaseScript.Run(ctx, c.client, []string{lockKey(key)}, token)
	}
	return release, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func lockKey(key string) string {
	return "send_message_lock:" + key
}

// SeenMimeID reports whether (mailbox, mimeID) has already been recorded as
// ingested; it is a fast-path hint layered in front of the authoritative
// Postgres unique constraint (I2) — a cache miss is not proof of absence.
func (c *Cache) SeenMimeID(ctx context.Context, mailboxID, mimeID string) (bool, error) {
	n, err := c.client.Exists(ctx, mimeIDKey(mailboxID, mimeID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkMimeID records (mailbox, mimeID) as ingested for a bounded window.
func (c *Cache) MarkMimeID(ctx context.Context, mailboxID, mimeID string, ttl time.Duration) error {
	return c.client.Set(ctx, mimeIDKey(mailboxID, mimeID), "1", ttl).Err()
}

func mimeIDKey(mailboxID, mimeID string) string {
	return "mime_id_seen:" + mailboxID + ":" + mimeID
}
