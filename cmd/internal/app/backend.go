package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"courier/cmd/internal/fence"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const backendConnectTimeout = 10 * time.Second

// backend owns the fence store and the client it was built on.
type backend struct {
	name    string
	store   fence.Store
	closers []func(context.Context) error
}

// Close closes the store first, then the underlying clients.
func (b *backend) Close(ctx context.Context) error {
	var errs []error
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// newBackend builds the store selected by cfg.Backend.
func newBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	ctx, cancel := context.WithTimeout(ctx, backendConnectTimeout)
	defer cancel()

	switch cfg.backend() {
	case BackendMemory, "":
		log.Info("fence.backend", "backend", BackendMemory)
		return &backend{name: BackendMemory, store: fence.NewMemoryStore()}, nil
	case BackendPostgres:
		return newPostgresBackend(ctx, cfg, log)
	case BackendRedis:
		return newRedisBackend(ctx, cfg, log)
	case BackendNATS:
		return newNATSBackend(ctx, cfg, log)
	case BackendMongo:
		return newMongoBackend(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown fence backend %q", cfg.Backend)
	}
}

func newPostgresBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("postgres backend: COURIER_DATABASE_URL is required")
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: %w", err)
	}
	b := &backend{name: BackendPostgres, closers: []func(context.Context) error{
		func(context.Context) error { pool.Close(); return nil },
	}}

	if cfg.DBAutoMigrate {
		if err := fence.ApplyPostgresSchema(ctx, pool, cfg.DBSchema); err != nil {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("postgres backend: migrate: %w", err)
		}
		log.Info("db.schema.applied", "schema", cfg.DBSchema)
	}

	st, err := fence.NewPostgresStore(pool,
		fence.WithSchema(cfg.DBSchema),
		fence.WithPostgresLogger(log),
		fence.WithListenBackoff(cfg.DBListenBackoffLo, cfg.DBListenBackoffHi),
	)
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("postgres backend: %w", err)
	}
	b.store = st

	log.Info("fence.backend", "backend", BackendPostgres, "schema", cfg.DBSchema)
	return b, nil
}

func newRedisBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis backend: COURIER_REDIS_ADDR is required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    splitCSV(cfg.RedisAddr),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	b := &backend{name: BackendRedis, closers: []func(context.Context) error{
		func(context.Context) error { return client.Close() },
	}}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("redis backend: ping: %w", err)
	}

	st, err := fence.NewRedisStore(ctx, client,
		fence.WithRedisPrefix(cfg.RedisPrefix),
		fence.WithRedisLogger(log),
	)
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("redis backend: %w", err)
	}
	b.store = st

	log.Info("fence.backend", "backend", BackendRedis, "prefix", cfg.RedisPrefix)
	return b, nil
}

func newNATSBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("nats backend: COURIER_NATS_URL is required")
	}

	// The store is created after the connection; the reconnect handler
	// resolves it lazily.
	var current atomic.Pointer[fence.NATSStore]

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("courier"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats.reconnected", "url", c.ConnectedUrlRedacted())
			st := current.Load()
			if st == nil {
				return
			}
			go func() {
				rctx, cancel := context.WithTimeout(context.Background(), backendConnectTimeout)
				defer cancel()
				st.Resync(rctx)
			}()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats backend: %w", err)
	}
	b := &backend{name: BackendNATS, closers: []func(context.Context) error{
		func(context.Context) error { nc.Close(); return nil },
	}}

	st, err := fence.NewNATSStore(ctx, nc,
		fence.WithNATSBucket(cfg.NATSBucket),
		fence.WithNATSLogger(log),
	)
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("nats backend: %w", err)
	}
	current.Store(st)
	b.store = st

	log.Info("fence.backend", "backend", BackendNATS, "bucket", cfg.NATSBucket)
	return b, nil
}

func newMongoBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	if cfg.MongoURI == "" {
		return nil, errors.New("mongo backend: COURIER_MONGO_URI is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI).SetAppName("courier"))
	if err != nil {
		return nil, fmt.Errorf("mongo backend: %w", err)
	}
	b := &backend{name: BackendMongo, closers: []func(context.Context) error{
		client.Disconnect,
	}}

	coll := client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection)
	st, err := fence.NewMongoStore(ctx, coll, fence.WithMongoLogger(log))
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("mongo backend: %w", err)
	}
	b.store = st

	log.Info("fence.backend", "backend", BackendMongo, "database", cfg.MongoDatabase, "collection", cfg.MongoCollection)
	return b, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
