package keyindex

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKV implementa KV sobre Redis para deployments multi-nodo.
// Cada familia es un hash bajo prefix:family.
type redisKV struct {
	client *redis.Client
	prefix string
}

// RedisConfig configura el driver redis del índice.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisKV crea el KV redis y verifica la conexión.
func NewRedisKV(cfg RedisConfig) (KV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("keyindex: redis ping failed: %w", err)
	}

	return &redisKV{client: rdb, prefix: cfg.Prefix}, nil
}

func (r *redisKV) hash(family string) string {
	if r.prefix == "" {
		return family
	}
	return r.prefix + ":" + family
}

func (r *redisKV) Put(family, key, value string) error {
	ctx := context.Background()
	return r.client.HSet(ctx, r.hash(family), key, value).Err()
}

func (r *redisKV) Get(family, key string) string {
	ctx := context.Background()
	v, err := r.client.HGet(ctx, r.hash(family), key).Result()
	if err != nil {
		// redis.Nil y errores de red se tratan igual: lectura blanda
		return ""
	}
	return v
}

func (r *redisKV) Delete(family, key string) error {
	ctx := context.Background()
	return r.client.HDel(ctx, r.hash(family), key).Err()
}

func (r *redisKV) DeleteTree(family string) error {
	ctx := context.Background()
	return r.client.Del(ctx, r.hash(family)).Err()
}

func (r *redisKV) Keys(family string) ([]string, error) {
	ctx := context.Background()
	keys, err := r.client.HKeys(ctx, r.hash(family)).Result()
	if err != nil {
		return nil, fmt.Errorf("keyindex: redis hkeys %s: %w", family, err)
	}
	return keys, nil
}

func (r *redisKV) Close() error {
	return r.client.Close()
}
