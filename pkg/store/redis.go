package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	pkgerrors "callsignal-server/pkg/errors"
	"callsignal-server/pkg/events"
	"callsignal-server/pkg/metrics"
)

const (
	entryKeyPrefix = "events:log:"
	typeIndexKey   = "events:index:type:"
	orgIndexKey    = "events:index:org:"
)

// RedisEventStore persists dispatched event logs in Redis: the envelope
// JSON under a TTL'd key, plus LPUSH/LTRIM-bounded id indexes by event
// type and organization.
type RedisEventStore struct {
	logger     *logrus.Entry
	client     *redis.Client
	ttl        time.Duration
	indexLimit int64
}

// NewRedisEventStore creates a Redis-backed event store. TTL and index
// limit fall back to the defaults when zero.
func NewRedisEventStore(logger *logrus.Logger, client *redis.Client, ttl time.Duration, indexLimit int) *RedisEventStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if indexLimit <= 0 {
		indexLimit = DefaultIndexLimit
	}

	return &RedisEventStore{
		logger:     logger.WithField("component", "redis_event_store"),
		client:     client,
		ttl:        ttl,
		indexLimit: int64(indexLimit),
	}
}

// Store writes the envelope and trims both indexes in one pipeline.
func (r *RedisEventStore) Store(ctx context.Context, entry *events.EventLog) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal event log")
	}

	key := entryKeyPrefix + entryKey(entry.Event.Type, entry.Event.ID)
	typeKey := typeIndexKey + entry.Event.Type

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, payload, r.ttl)
	pipe.LPush(ctx, typeKey, entry.Event.ID)
	pipe.LTrim(ctx, typeKey, 0, r.indexLimit-1)
	pipe.Expire(ctx, typeKey, r.ttl)

	if entry.Event.OrganizationID != "" {
		orgKey := orgIndexKey + entry.Event.OrganizationID
		pipe.LPush(ctx, orgKey, entry.Event.ID)
		pipe.LTrim(ctx, orgKey, 0, r.indexLimit-1)
		pipe.Expire(ctx, orgKey, r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordStoreWrite("redis", true)
		return pkgerrors.Wrap(err, "persist event log", map[string]interface{}{
			"event_id":   entry.Event.ID,
			"event_type": entry.Event.Type,
		})
	}

	metrics.RecordStoreWrite("redis", false)
	return nil
}

// Get retrieves a stored envelope by type and event id. Expired or unknown
// entries read as absent.
func (r *RedisEventStore) Get(ctx context.Context, eventType, eventID string) (*events.EventLog, error) {
	key := entryKeyPrefix + entryKey(eventType, eventID)

	payload, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read event log")
	}

	var entry events.EventLog
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal event log")
	}
	return &entry, nil
}

// RecentByType returns the most recent event ids of one type, newest first.
func (r *RedisEventStore) RecentByType(ctx context.Context, eventType string, limit int) ([]string, error) {
	return r.recent(ctx, typeIndexKey+eventType, limit)
}

// RecentByOrganization returns the most recent event ids for one
// organization, newest first.
func (r *RedisEventStore) RecentByOrganization(ctx context.Context, organizationID string, limit int) ([]string, error) {
	return r.recent(ctx, orgIndexKey+organizationID, limit)
}

func (r *RedisEventStore) recent(ctx context.Context, key string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = int(r.indexLimit)
	}

	ids, err := r.client.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read event index")
	}
	return ids, nil
}

// Count returns the number of stored envelopes.
func (r *RedisEventStore) Count(ctx context.Context) (int, error) {
	var count int
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, entryKeyPrefix+"*", 500).Result()
		if err != nil {
			return 0, pkgerrors.Wrap(err, "scan event logs")
		}
		count += len(keys)
		if next == 0 {
			break
		}
		cursor = next
	}
	return count, nil
}

// Ping verifies connectivity to the Redis backend.
func (r *RedisEventStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return pkgerrors.NewStoreUnavailable(err, map[string]interface{}{
			"addr": r.client.Options().Addr,
		})
	}
	return nil
}
