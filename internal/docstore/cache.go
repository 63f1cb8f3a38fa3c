// Package docstore owns the MongoDB side of the service: a process-wide
// connection cache plus the push-subscription and file stores built on it.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/patient-care-reminder/internal/config"
	"github.com/iliyamo/patient-care-reminder/internal/logging"
)

// Steps reported in ConnectionError.Op.
const (
	OpConnect    = "connect"
	OpSelect     = "select"
	OpPing       = "ping"
	OpDisconnect = "disconnect"
)

var (
	errEmptyDatabase = errors.New("database name is empty")
	errReleased      = errors.New("cache released while connecting")
)

// ConnectionError reports a failure to establish, verify or tear down the
// cached connection.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("docstore %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Handle is a connected client together with the configured database.
type Handle struct {
	Client   *mongo.Client
	Database *mongo.Database
}

type cacheDeps struct {
	connect    func(context.Context, *options.ClientOptions) (*mongo.Client, error)
	ping       func(context.Context, *mongo.Client) error
	disconnect func(context.Context, *mongo.Client) error
}

func defaultDeps() cacheDeps {
	return cacheDeps{
		connect: func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, opts)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, readpref.Primary())
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
	}
}

// Option customizes a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrNop(l) }
}

// Cache holds at most one live Handle for the process.  The handle is created
// on the first successful Acquire and dropped only by Release.  Cached handles
// are not re-verified.
type Cache struct {
	cfg    config.MongoConfig
	logger *zap.Logger
	deps   cacheDeps

	mu     sync.RWMutex
	handle *Handle // nil while empty
	gen    uint64  // bumped by every Release
	group  singleflight.Group
}

// NewCache returns an empty cache.  No connection is made until Acquire.
func NewCache(cfg config.MongoConfig, opts ...Option) *Cache {
	c := &Cache{
		cfg:    cfg,
		logger: zap.NewNop(),
		deps:   defaultDeps(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Acquire returns the cached handle, connecting first when the cache is empty.
// Concurrent cold callers share a single connection attempt.  On failure the
// cache stays empty and the error is a *ConnectionError.
func (c *Cache) Acquire(ctx context.Context) (*Handle, error) {
	c.mu.RLock()
	h := c.handle
	c.mu.RUnlock()
	if h != nil {
		return h, nil
	}

	v, err, _ := c.group.Do("acquire", func() (any, error) {
		c.mu.RLock()
		h, gen := c.handle, c.gen
		c.mu.RUnlock()
		if h != nil {
			return h, nil
		}

		// c.mu is not held over the network round trips
		h, err := c.open(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen == gen {
			c.handle = h
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()

		c.discard(ctx, h.Client)
		return nil, &ConnectionError{Op: OpConnect, Err: errReleased}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// open performs the connect, select and ping steps.  Only one open runs at
// a time, under c.group.
func (c *Cache) open(ctx context.Context) (*Handle, error) {
	opts := options.Client().ApplyURI(c.cfg.URI)
	if c.cfg.ConnectTimeout > 0 {
		opts.SetServerSelectionTimeout(c.cfg.ConnectTimeout)
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}

	client, err := c.deps.connect(ctx, opts)
	if err != nil {
		c.logger.Warn("mongo connect failed", zap.Error(err))
		return nil, &ConnectionError{Op: OpConnect, Err: err}
	}
	if client == nil {
		return nil, &ConnectionError{Op: OpConnect, Err: errors.New("driver returned nil client")}
	}

	name := strings.TrimSpace(c.cfg.Database)
	if name == "" {
		c.discard(ctx, client)
		return nil, &ConnectionError{Op: OpSelect, Err: errEmptyDatabase}
	}
	db := client.Database(name)

	if err := c.deps.ping(ctx, client); err != nil {
		c.discard(ctx, client)
		c.logger.Warn("mongo ping failed", zap.String("database", name), zap.Error(err))
		return nil, &ConnectionError{Op: OpPing, Err: err}
	}

	c.logger.Info("mongo connected", zap.String("database", name))
	return &Handle{Client: client, Database: db}, nil
}

// discard disconnects a client that never made it into the cache.
func (c *Cache) discard(ctx context.Context, client *mongo.Client) {
	if err := c.deps.disconnect(ctx, client); err != nil {
		c.logger.Warn("mongo disconnect after failed acquire", zap.Error(err))
	}
}

// Release disconnects and clears the cached handle.  It is a no-op on an
// empty cache, except that a connection still being opened by Acquire is
// discarded instead of cached.  The cache is cleared even when disconnect
// fails; that failure is returned as a *ConnectionError with Op "disconnect".
func (c *Cache) Release(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := c.deps.disconnect(ctx, h.Client); err != nil {
		c.logger.Warn("mongo disconnect failed", zap.Error(err))
		return &ConnectionError{Op: OpDisconnect, Err: err}
	}
	c.logger.Info("mongo disconnected")
	return nil
}

// Connected reports whether a handle is currently cached.
func (c *Cache) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle != nil
}

// DatabaseName returns the configured database name.
func (c *Cache) DatabaseName() string { return c.cfg.Database }

// Ping acquires the handle and round-trips to the primary.  Unlike Acquire
// it always reaches the server, so it detects a cached handle whose server
// has gone away.  The cache is left as it is either way.
func (c *Cache) Ping(ctx context.Context) error {
	h, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := c.deps.ping(ctx, h.Client); err != nil {
		return &ConnectionError{Op: OpPing, Err: err}
	}
	return nil
}
