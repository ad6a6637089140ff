package nlu

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opencui/structi-sub001/internal/metrics"
)

const cachePrefix = "du:predict:"

// Cache keeps model predictions in Redis keyed by (model, lang, utterance,
// probes). Cache errors never fail a prediction.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewCache(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewCacheWithClient(client, ttl, logger, m), nil
}

func NewCacheWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger, metrics: m}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func cacheKey(model, lang, utterance string, probes []string) string {
	h := sha256.New()
	h.Write([]byte(lang))
	h.Write([]byte{0})
	h.Write([]byte(utterance))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(probes, "\x1f")))
	return cachePrefix + model + ":" + hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) get(ctx context.Context, model, key string, dest any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("prediction cache read failed", "model", model, "error", err)
		}
		c.metrics.ObserveCache(model, false)
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.metrics.ObserveCache(model, false)
		return false
	}
	c.metrics.ObserveCache(model, true)
	return true
}

func (c *Cache) set(ctx context.Context, model, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("prediction cache write failed", "model", model, "error", err)
	}
}

// Intent wraps an intent model with the cache.
func (c *Cache) Intent(next IntentModel) IntentModel {
	return &cachedIntent{cache: c, next: next}
}

// Slot wraps a slot model with the cache.
func (c *Cache) Slot(next SlotModel) SlotModel {
	return &cachedSlot{cache: c, next: next}
}

type cachedIntent struct {
	cache *Cache
	next  IntentModel
}

func (m *cachedIntent) PredictIntent(ctx context.Context, lang, utterance string, probes []string) ([]float64, error) {
	key := cacheKey("intent", lang, utterance, probes)
	var hit []float64
	if m.cache.get(ctx, "intent", key, &hit) && len(hit) == len(probes) {
		return hit, nil
	}
	out, err := m.next.PredictIntent(ctx, lang, utterance, probes)
	if err != nil || out == nil {
		return out, err
	}
	m.cache.set(ctx, "intent", key, out)
	return out, nil
}

type cachedSlot struct {
	cache *Cache
	next  SlotModel
}

func (m *cachedSlot) PredictSlot(ctx context.Context, lang, utterance string, probes []string) (*UnifiedResult, error) {
	key := cacheKey("slot", lang, utterance, probes)
	var hit UnifiedResult
	if m.cache.get(ctx, "slot", key, &hit) {
		return &hit, nil
	}
	out, err := m.next.PredictSlot(ctx, lang, utterance, probes)
	if err != nil || out.Empty() {
		return out, err
	}
	m.cache.set(ctx, "slot", key, out)
	return out, nil
}
