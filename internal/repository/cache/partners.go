package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"referral-engine/internal/domain"
	"referral-engine/internal/metrics"
	"referral-engine/internal/repository"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cacheName      = "partners"
	keyByID        = "partner:id:"
	keyByCode      = "partner:code:"
	defaultTTL     = 5 * time.Minute
	connectTimeout = 5 * time.Second
)

// NewClient connects to Redis and verifies the connection.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}
	return client, nil
}

// PartnerDirectory caches partner lookups of the wrapped directory in Redis.
// Redis failures fall through to the wrapped directory.
type PartnerDirectory struct {
	next    repository.PartnerDirectory
	rdb     redis.UniversalClient
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewPartnerDirectory(next repository.PartnerDirectory, rdb redis.UniversalClient, ttl time.Duration, m *metrics.Metrics, log *zap.Logger) *PartnerDirectory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &PartnerDirectory{next: next, rdb: rdb, ttl: ttl, metrics: m, log: log}
}

func (d *PartnerDirectory) GetPartner(ctx context.Context, id string) (*domain.Partner, error) {
	return d.lookup(ctx, keyByID+id, func() (*domain.Partner, error) {
		return d.next.GetPartner(ctx, id)
	})
}

func (d *PartnerDirectory) GetPartnerByReferralCode(ctx context.Context, code string) (*domain.Partner, error) {
	return d.lookup(ctx, keyByCode+code, func() (*domain.Partner, error) {
		return d.next.GetPartnerByReferralCode(ctx, code)
	})
}

// Invalidate drops both cache entries of p.
func (d *PartnerDirectory) Invalidate(ctx context.Context, p *domain.Partner) error {
	return d.rdb.Del(ctx, keyByID+p.ID, keyByCode+p.ReferralCode).Err()
}

func (d *PartnerDirectory) lookup(ctx context.Context, key string, load func() (*domain.Partner, error)) (*domain.Partner, error) {
	raw, err := d.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p domain.Partner
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			d.metrics.RecordCacheHit(cacheName)
			return &p, nil
		}
		d.log.Warn("dropping undecodable partner cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		d.log.Warn("partner cache read failed", zap.String("key", key), zap.Error(err))
	}
	d.metrics.RecordCacheMiss(cacheName)

	p, err := load()
	if err != nil {
		return nil, err
	}
	d.store(ctx, p)
	return p, nil
}

func (d *PartnerDirectory) store(ctx context.Context, p *domain.Partner) {
	raw, err := json.Marshal(p)
	if err != nil {
		d.log.Warn("failed to encode partner for cache", zap.String("partner_id", p.ID), zap.Error(err))
		return
	}
	pipe := d.rdb.TxPipeline()
	pipe.Set(ctx, keyByID+p.ID, raw, d.ttl)
	pipe.Set(ctx, keyByCode+p.ReferralCode, raw, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		d.log.Warn("partner cache write failed", zap.String("partner_id", p.ID), zap.Error(err))
	}
}

var _ repository.PartnerDirectory = (*PartnerDirectory)(nil)
