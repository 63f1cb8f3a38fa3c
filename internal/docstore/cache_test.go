package docstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iliyamo/patient-care-reminder/internal/config"
)

// fakeServer counts driver calls made by a Cache.
type fakeServer struct {
	connects    atomic.Int32
	pings       atomic.Int32
	disconnects atomic.Int32

	connectErr    error
	pingErr       error
	disconnectErr error
	lastURI       string
	mu            sync.Mutex
}

func (f *fakeServer) deps() cacheDeps {
	return cacheDeps{
		connect: func(_ context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
			f.connects.Add(1)
			f.mu.Lock()
			f.lastURI = opts.GetURI()
			err := f.connectErr
			f.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return &mongo.Client{}, nil
		},
		ping: func(context.Context, *mongo.Client) error {
			f.pings.Add(1)
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.pingErr
		},
		disconnect: func(context.Context, *mongo.Client) error {
			f.disconnects.Add(1)
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.disconnectErr
		},
	}
}

func (f *fakeServer) set(fn func(f *fakeServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func withDeps(d cacheDeps) Option {
	return func(c *Cache) { c.deps = d }
}

func testConfig() config.MongoConfig {
	return config.MongoConfig{URI: "mongodb://localhost:27017", Database: "patient_care", ConnectTimeout: time.Second}
}

func newTestCache(f *fakeServer) *Cache {
	return NewCache(testConfig(), withDeps(f.deps()))
}

func TestAcquire_ReusesSingleConnection(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	c := newTestCache(f)
	ctx := context.Background()

	first, err := c.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, first.Client)
	assert.Equal(t, "patient_care", first.Database.Name())

	for i := 0; i < 5; i++ {
		h, err := c.Acquire(ctx)
		require.NoError(t, err)
		assert.Same(t, first, h)
	}

	assert.Equal(t, int32(1), f.connects.Load())
	assert.Equal(t, int32(1), f.pings.Load(), "cached handles are not re-verified")
	assert.True(t, c.Connected())
}

func TestRelease_NextAcquireReconnects(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	c := newTestCache(f)
	ctx := context.Background()

	first, err := c.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx))
	assert.False(t, c.Connected())
	assert.Equal(t, int32(1), f.disconnects.Load())

	second, err := c.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first.Client, second.Client)
	assert.Equal(t, int32(2), f.connects.Load())
}

func TestRelease_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	c := newTestCache(f)

	assert.NoError(t, c.Release(context.Background()))
	assert.NoError(t, c.Release(context.Background()))
	assert.Zero(t, f.disconnects.Load())
}

func TestRelease_DisconnectErrorStillClears(t *testing.T) {
	t.Parallel()

	f := &fakeServer{disconnectErr: errors.New("socket closed")}
	c := newTestCache(f)
	ctx := context.Background()

	_, err := c.Acquire(ctx)
	require.NoError(t, err)

	err = c.Release(ctx)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, OpDisconnect, connErr.Op)
	assert.False(t, c.Connected())

	_, err = c.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.connects.Load())
}

func TestAcquire_FailureLeavesCacheEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		setup  func(f *fakeServer)
		wantOp string
		// the client is disconnected when it connected but was not cached
		wantDisconnects int32
	}{
		{
			name:   "connect",
			setup:  func(f *fakeServer) { f.connectErr = errors.New("connection refused") },
			wantOp: OpConnect,
		},
		{
			name:            "ping",
			setup:           func(f *fakeServer) { f.pingErr = errors.New("server selection timeout") },
			wantOp:          OpPing,
			wantDisconnects: 1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := &fakeServer{}
			tt.setup(f)
			c := newTestCache(f)
			ctx := context.Background()

			h, err := c.Acquire(ctx)
			assert.Nil(t, h)
			var connErr *ConnectionError
			require.ErrorAs(t, err, &connErr)
			assert.Equal(t, tt.wantOp, connErr.Op)
			assert.False(t, c.Connected())
			assert.Equal(t, tt.wantDisconnects, f.disconnects.Load())

			// the next call starts from scratch and succeeds once the server is back
			f.set(func(f *fakeServer) {
				f.connectErr = nil
				f.pingErr = nil
			})
			h, err = c.Acquire(ctx)
			require.NoError(t, err)
			assert.NotNil(t, h)
			assert.Equal(t, int32(2), f.connects.Load())
		})
	}
}

func TestAcquire_EmptyDatabaseName(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	cfg := testConfig()
	cfg.Database = "  "
	c := NewCache(cfg, withDeps(f.deps()))

	_, err := c.Acquire(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, OpSelect, connErr.Op)
	assert.ErrorIs(t, err, errEmptyDatabase)
	assert.Equal(t, int32(1), f.disconnects.Load())
	assert.Zero(t, f.pings.Load())
}

func TestAcquire_UsesDefaultsWhenUnset(t *testing.T) {
	for _, k := range []string{"MONGODB_URI", "MONGO_URL", "DATABASE_URL", "MONGODB_DB"} {
		t.Setenv(k, "")
	}

	f := &fakeServer{}
	c := NewCache(config.LoadMongoConfig(), withDeps(f.deps()))

	h, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMongoDatabase, h.Database.Name())
	assert.Equal(t, config.DefaultMongoURI, f.lastURI)
}

func TestAcquire_ConcurrentColdCallersShareOneConnection(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	started := make(chan struct{})
	proceed := make(chan struct{})
	deps := f.deps()
	connect := deps.connect
	var once sync.Once
	deps.connect = func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
		once.Do(func() { close(started) })
		<-proceed
		return connect(ctx, opts)
	}
	c := NewCache(testConfig(), withDeps(deps))

	const callers = 16
	handles := make([]*Handle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = c.Acquire(context.Background())
		}(i)
	}

	<-started
	close(proceed)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, int32(1), f.connects.Load())
}

func TestAcquire_SlowConnectDoesNotBlockReleaseOrConnected(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	started := make(chan struct{})
	proceed := make(chan struct{})
	deps := f.deps()
	connect := deps.connect
	var once sync.Once
	deps.connect = func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
		once.Do(func() { close(started) })
		<-proceed
		return connect(ctx, opts)
	}
	c := NewCache(testConfig(), withDeps(deps))

	acquired := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background())
		acquired <- err
	}()
	<-started

	released := make(chan error, 1)
	go func() {
		assert.False(t, c.Connected())
		released <- c.Release(context.Background())
	}()
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Release blocked behind an in-flight connect")
	}

	// the connection opened after Release is not kept
	close(proceed)
	err := <-acquired
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, OpConnect, connErr.Op)
	assert.ErrorIs(t, err, errReleased)
	assert.False(t, c.Connected())
	assert.Equal(t, int32(1), f.disconnects.Load())

	// a later Acquire connects normally
	h, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.True(t, c.Connected())
}

func TestConnectionError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := error(&ConnectionError{Op: OpPing, Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "docstore ping: boom", err.Error())
}

func TestPing_AcquiresThenPings(t *testing.T) {
	t.Parallel()

	f := &fakeServer{}
	c := newTestCache(f)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, int32(1), f.connects.Load())
	assert.Equal(t, int32(3), f.pings.Load(), "one ping on connect, one per call")

	f.set(func(f *fakeServer) { f.pingErr = errors.New("server gone") })
	err := c.Ping(ctx)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, OpPing, connErr.Op)
	assert.True(t, c.Connected(), "a failed ping does not evict the cached handle")
}
