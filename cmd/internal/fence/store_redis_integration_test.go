package fence

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Integration tests are enabled when COURIER_REDIS_ADDR is set.

func TestRedisStore_Conformance(t *testing.T) {
	client := mustOpenTestRedis(t)
	prefix := "courier_it_" + strings.ToLower(ulid.Make().String())

	runStoreConformance(t, func(t *testing.T) Store {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		st, err := NewRedisStore(ctx, client, WithRedisPrefix(prefix))
		if err != nil {
			t.Fatalf("new redis store: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestRedisStore_InvalidPrefix(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewRedisStore(context.Background(), client, WithRedisPrefix("bad*prefix")); err == nil {
		t.Fatalf("expected error for glob characters in prefix")
	}
}

func TestRedisScripts_DeclareSingleKey(t *testing.T) {
	t.Parallel()

	st := &RedisStore{prefix: "courier"}
	for _, acct := range []string{"u1", "acct-1", "user@example.com"} {
		keys := st.scriptKeys(acct)
		if len(keys) != 1 || keys[0] != st.key(acct) {
			t.Fatalf("script keys for %q: got %v want [%s]", acct, keys, st.key(acct))
		}
	}

	srcs := map[string]string{
		"put":    putScriptSrc,
		"merge":  mergeScriptSrc,
		"delete": deleteScriptSrc,
	}
	for name, src := range srcs {
		if strings.Contains(src, "KEYS[2]") {
			t.Fatalf("%s script reads a second key; cluster slots would differ", name)
		}
		if !strings.Contains(src, "PUBLISH', ARGV[1]") {
			t.Fatalf("%s script must publish on the ARGV channel", name)
		}
	}
}

func mustOpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("COURIER_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: COURIER_REDIS_ADDR is not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return client
}
