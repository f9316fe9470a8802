// Package cache хранит закэшированные представления (ответы бэкенда) по ключам вида view:<scope>:<path>.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions описывает подключение к Redis.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	Timeout     time.Duration
}

// Redis хранит кэш представлений в Redis.
type Redis struct {
	db *redis.Client
}

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	const op = "cache.NewRedis"
	db := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Redis{db: db}, nil
}

// Get читает значение и разбирает его в result. Возвращает false, если ключа нет.
func (c *Redis) Get(ctx context.Context, key string, result any) (bool, error) {
	const op = "cache.Get"
	val, err := c.db.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err := json.Unmarshal([]byte(val), result); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// Set сохраняет значение в JSON с указанным временем жизни.
func (c *Redis) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache.Set: %w", err)
	}
	return c.db.Set(ctx, key, jsonData, expiration).Err()
}

// Invalidate удаляет ключ.
func (c *Redis) Invalidate(ctx context.Context, key string) error {
	return c.db.Del(ctx, key).Err()
}

// Close закрывает соединение.
func (c *Redis) Close() error {
	return c.db.Close()
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory хранит кэш представлений в памяти процесса.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory создаёт пустой кэш в памяти.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get читает значение; просроченные записи считаются отсутствующими.
func (m *Memory) Get(_ context.Context, key string, result any) (bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if !entry.expires.IsZero() && m.now().After(entry.expires) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(entry.data, result); err != nil {
		return false, fmt.Errorf("cache.Get: %w", err)
	}
	return true, nil
}

// Set сохраняет значение; нулевое время жизни означает бессрочную запись.
func (m *Memory) Set(_ context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache.Set: %w", err)
	}

	entry := memoryEntry{data: data}
	if expiration > 0 {
		entry.expires = m.now().Add(expiration)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Invalidate удаляет ключ.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Close ничего не делает и нужен для единообразия с Redis.
func (m *Memory) Close() error {
	return nil
}

// Key строит ключ представления для области сессии.
func Key(scope, view string) string {
	return "view:" + scope + ":" + view
}
