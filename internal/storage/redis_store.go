package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"copilot2api-go/internal/credential"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const defaultRedisPrefix = "copilot2api:"

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps the pool in one hash of id → credential JSON.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	pctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return newRedisStore(client, opts.Prefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	log.WithField("key", prefix+"accounts").Info("connected to redis credential store")
	return &RedisStore{client: client, key: prefix + "accounts"}
}

func (r *RedisStore) Name() string { return BackendRedis }

func (r *RedisStore) List(ctx context.Context) ([]credential.Credential, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	creds := make([]credential.Credential, 0, len(raw))
	for id, v := range raw {
		var c credential.Credential
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			log.WithError(err).WithField("credential", id).Warn("skipping undecodable redis entry")
			continue
		}
		creds = append(creds, c)
	}
	credential.SortByPriority(creds)
	return creds, nil
}

func (r *RedisStore) Upsert(ctx context.Context, c credential.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credential %s: %w", c.ID, err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := r.client.HSet(ctx, r.key, c.ID, payload).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	n, err := r.client.HDel(ctx, r.key, id).Result()
	if err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	if n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// SetPriorities rewrites all listed entries in one MULTI block, retried if
// the hash changes between read and write.
func (r *RedisStore) SetPriorities(ctx context.Context, priorities map[string]int) error {
	if len(priorities) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	ids := make([]string, 0, len(priorities))
	for id := range priorities {
		ids = append(ids, id)
	}
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, r.key, ids...).Result()
		if err != nil {
			return err
		}
		updated := make(map[string]any, len(ids))
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				return credential.ErrNotFound
			}
			var c credential.Credential
			if err := json.Unmarshal([]byte(s), &c); err != nil {
				return fmt.Errorf("decode credential %s: %w", ids[i], err)
			}
			c.Priority = priorities[ids[i]]
			payload, err := json.Marshal(c)
			if err != nil {
				return err
			}
			updated[ids[i]] = payload
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key, updated)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txf, r.key)
		if !errors.Is(err, redis.TxFailedErr) {
			if err != nil && !errors.Is(err, credential.ErrNotFound) {
				return fmt.Errorf("redis set priorities: %w", err)
			}
			return err
		}
	}
	return fmt.Errorf("redis set priorities: %w", redis.TxFailedErr)
}

func (r *RedisStore) Close() error { return r.client.Close() }
