package rediscache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xmediator"
)

// Hash fields of a stored entry.
const (
	fieldValue     = "value"     // codec-encoded bytes
	fieldCreatedAt = "createdAt" // int64 ns
	fieldExpiresAt = "expiresAt" // int64 ns, 0 = never
	fieldAbsolute  = "absolute"  // int64 ns
	fieldSliding   = "sliding"   // int64 ns
)

const scanCount = 256

func init() {
	if err := xmediator.RegisterCacheStore(StoreName, func(cfg map[string]any) (xmediator.CacheStore, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmediator: failed to register cache store %q: %w", StoreName, err))
	}
}

// Store implements xmediator.CacheStore on Redis hashes.
type Store struct {
	client *redis.Client
	codec  xmediator.Codec
	prefix string
	owned  bool

	closed  atomic.Bool
	metrics storeMetrics
}

type storeMetrics struct {
	reads       atomic.Uint64
	writes      atomic.Uint64
	readErrors  atomic.Uint64
	writeErrors atomic.Uint64
}

// Stats is a snapshot of store activity.
type Stats struct {
	Reads       uint64
	Writes      uint64
	ReadErrors  uint64
	WriteErrors uint64
}

var _ xmediator.CacheStore = (*Store)(nil)

// NewStore connects to Redis per cfg. The store owns and closes the client.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := xmediator.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	s := NewStoreFromClient(client, WithPrefix(cfg.Prefix), WithCodec(codec))
	s.owned = true
	return s, nil
}

// Option configures a Store built from an existing client.
type Option func(*Store)

// WithPrefix sets the key prefix (default DefaultPrefix).
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithCodec sets the codec used to encode values (default JSON).
func WithCodec(c xmediator.Codec) Option {
	return func(s *Store) {
		if c != nil {
			s.codec = c
		}
	}
}

// NewStoreFromClient wraps a caller-owned client; Close leaves it open.
func NewStoreFromClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		codec:  xmediator.JSONCodec{},
		prefix: DefaultPrefix,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

func (s *Store) key(k string) string { return s.prefix + k }

// Get returns the entry under key with its value as xmediator.Encoded.
func (s *Store) Get(ctx context.Context, key string) (xmediator.CacheEntry, bool, error) {
	if s.closed.Load() {
		return xmediator.CacheEntry{}, false, redis.ErrClosed
	}
	s.metrics.reads.Add(1)

	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		s.metrics.readErrors.Add(1)
		return xmediator.CacheEntry{}, false, err
	}
	raw, ok := fields[fieldValue]
	if !ok {
		return xmediator.CacheEntry{}, false, nil
	}

	e := xmediator.CacheEntry{
		Key:       key,
		Value:     xmediator.Encoded(raw),
		CreatedAt: unixNano(fields[fieldCreatedAt]),
		ExpiresAt: unixNano(fields[fieldExpiresAt]),
		Config: xmediator.CacheItemConfig{
			AbsoluteExpiration: duration(fields[fieldAbsolute]),
			SlidingExpiration:  duration(fields[fieldSliding]),
		},
	}
	return e, true, nil
}

// Set writes e and aligns the Redis key expiry with e.ExpiresAt.
func (s *Store) Set(ctx context.Context, e xmediator.CacheEntry) error {
	if s.closed.Load() {
		return redis.ErrClosed
	}
	s.metrics.writes.Add(1)

	var data []byte
	switch v := e.Value.(type) {
	case xmediator.Encoded:
		data = v
	default:
		b, err := s.codec.Marshal(v)
		if err != nil {
			s.metrics.writeErrors.Add(1)
			return fmt.Errorf("rediscache: encode %q: %w", e.Key, err)
		}
		data = b
	}

	var expiresAt int64
	if !e.ExpiresAt.IsZero() {
		expiresAt = e.ExpiresAt.UnixNano()
	}
	k := s.key(e.Key)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k,
			fieldValue, data,
			fieldCreatedAt, e.CreatedAt.UnixNano(),
			fieldExpiresAt, expiresAt,
			fieldAbsolute, int64(e.Config.AbsoluteExpiration),
			fieldSliding, int64(e.Config.SlidingExpiration),
		)
		if e.ExpiresAt.IsZero() {
			p.Persist(ctx, k)
		} else {
			p.PExpireAt(ctx, k, e.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		s.metrics.writeErrors.Add(1)
	}
	return err
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if s.closed.Load() {
		return redis.ErrClosed
	}
	return s.client.Del(ctx, s.key(key)).Err()
}

// Clear deletes every key under the store prefix.
func (s *Store) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return redis.ErrClosed
	}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close releases the client when the store created it.
func (s *Store) Close(_ context.Context) error {
	if s.closed.Swap(true) || !s.owned {
		return nil
	}
	return s.client.Close()
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	return Stats{
		Reads:       s.metrics.reads.Load(),
		Writes:      s.metrics.writes.Load(),
		ReadErrors:  s.metrics.readErrors.Load(),
		WriteErrors: s.metrics.writeErrors.Load(),
	}
}

func unixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func duration(v string) time.Duration {
	n, _ := strconv.ParseInt(v, 10, 64)
	return time.Duration(n)
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
