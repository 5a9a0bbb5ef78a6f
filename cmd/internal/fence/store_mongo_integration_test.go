package fence

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Integration tests are enabled when COURIER_MONGO_URI is set. Change streams
// need a replica set (a single-node one is enough).

func TestMongoStore_Conformance(t *testing.T) {
	client := mustOpenTestMongo(t)
	coll := client.Database("courier_it").Collection("sessions_" + strings.ToLower(ulid.Make().String()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coll.Drop(ctx)
	})

	runStoreConformance(t, func(t *testing.T) Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := NewMongoStore(ctx, coll)
		if err != nil {
			t.Fatalf("new mongo store: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func mustOpenTestMongo(t *testing.T) *mongo.Client {
	t.Helper()

	uri := strings.TrimSpace(os.Getenv("COURIER_MONGO_URI"))
	if uri == "" {
		t.Skip("integration test skipped: COURIER_MONGO_URI is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(ctx)
	})
	return client
}
