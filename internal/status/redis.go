package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/tunnel"
)

const keyPrefix = "backhaul:"

// record is the JSON document stored under status:<name>.
type record struct {
	Instance string        `json:"instance"`
	Status   tunnel.Status `json:"status"`
}

// RedisStore writes each status under a key with a TTL. A client that dies
// without saying goodbye drops out once the TTL lapses.
type RedisStore struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration

	mu    sync.Mutex
	names map[string]struct{} // tunnels published by this instance
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{
		client:     rdb,
		instanceID: "backhaul-" + uuid.NewString(),
		keyTTL:     2 * time.Minute,
		names:      make(map[string]struct{}),
	}, nil
}

var _ Store = (*RedisStore)(nil)

func statusKey(name string) string   { return keyPrefix + "status:" + name }
func instanceKey(name string) string { return keyPrefix + "instance:" + name }

func (r *RedisStore) Publish(ctx context.Context, st tunnel.Status) error {
	data, err := json.Marshal(record{Instance: r.instanceID, Status: st})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, statusKey(st.Tunnel), data, r.keyTTL)
	pipe.Set(ctx, instanceKey(st.Tunnel), r.instanceID, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	r.mu.Lock()
	r.names[st.Tunnel] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *RedisStore) Get(ctx context.Context, name string) (tunnel.Status, bool, error) {
	val, err := r.client.Get(ctx, statusKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return tunnel.Status{}, false, nil
		}
		return tunnel.Status{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return tunnel.Status{}, false, fmt.Errorf("unmarshal status %s: %w", name, err)
	}
	return rec.Status, true, nil
}

// StartHeartbeat extends the TTL of every key this instance owns until ctx is
// done, so a quiet but healthy tunnel does not expire.
func (r *RedisStore) StartHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *RedisStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		owner, err := r.client.Get(ctx, instanceKey(name)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			obs.Error("redis.heartbeat.get", obs.Fields{"name": name}.Err(err))
			continue
		}
		if owner != r.instanceID {
			// Another instance took over the name (or it expired); stop refreshing.
			r.mu.Lock()
			delete(r.names, name)
			r.mu.Unlock()
			continue
		}
		if err := r.client.Expire(ctx, statusKey(name), r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire_status", obs.Fields{"name": name}.Err(err))
		}
		if err := r.client.Expire(ctx, instanceKey(name), r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire_instance", obs.Fields{"name": name}.Err(err))
		}
	}
}

// Close removes the keys this instance owns and closes the client.
func (r *RedisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.mu.Lock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	r.mu.Unlock()
	if len(names) > 0 {
		pipe := r.client.Pipeline()
		for _, name := range names {
			pipe.Del(ctx, statusKey(name), instanceKey(name))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			obs.Error("redis.close.cleanup", obs.Fields{"count": len(names)}.Err(err))
		}
	}
	return r.client.Close()
}
