package ipc

import (
	"time"

	"go.uber.org/zap"
)

// DefaultStreamTimeout bounds how long a streamed send waits for acknowledgments
const DefaultStreamTimeout = 30 * time.Second

// Option configures a Sender or Receiver
type Option func(*config)

type config struct {
	embeddedLimit int
	cacheCapacity int
	cachePolicy   CachePolicy
	poolSize      int
	streamTimeout time.Duration
	limits        Limits
	logger        *zap.Logger
}

func defaultConfig() config {
	return config{
		embeddedLimit: DefaultEmbeddedLimit,
		cacheCapacity: DefaultCacheCapacity,
		cachePolicy:   PolicyReject,
		poolSize:      DefaultPoolSize,
		streamTimeout: DefaultStreamTimeout,
		limits:        DefaultLimits(),
		logger:        zap.NewNop(),
	}
}

func buildConfig(opts []Option) config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	c.limits = c.limits.normalized()
	// larger inline messages would be rejected by the receiving frame reader
	if c.embeddedLimit > c.limits.MaxEmbedded() {
		c.embeddedLimit = c.limits.MaxEmbedded()
	}
	return c
}

// WithEmbeddedLimit sets the largest message, in UTF-8 bytes, sent inline
func WithEmbeddedLimit(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.embeddedLimit = n
		}
	}
}

// WithCache sets the resource cache capacity and full-cache policy
func WithCache(capacity int, policy CachePolicy) Option {
	return func(c *config) {
		c.cacheCapacity = capacity
		c.cachePolicy = policy
	}
}

// WithPoolSize sets the number of concurrent pipe readers/writers
func WithPoolSize(n int) Option {
	return func(c *config) {
		c.poolSize = n
	}
}

// WithStreamTimeout bounds streamed sends. Zero waits forever.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *config) {
		c.streamTimeout = d
	}
}

// WithLimits sets frame and chunk limits for pipe traffic
func WithLimits(l Limits) Option {
	return func(c *config) {
		c.limits = l
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
