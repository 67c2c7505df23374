package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/gateways/kv/kvtest"
)

// TestStore_Conformance needs a reachable server, e.g.
// MONGO_URI=mongodb://localhost:27017 go test ./internal/gateways/kv/mongo
func TestStore_Conformance(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()

	n := 0
	kvtest.Run(t, func(t *testing.T) kv.Store {
		n++
		s, err := Connect(ctx, config.MongoConfig{
			URI:        uri,
			Database:   "vitalhearts_test",
			Collection: fmt.Sprintf("items_%d_%d", time.Now().UnixNano(), n),
		})
		if err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Cleanup(func() {
			_ = s.coll.Drop(ctx)
			_ = s.Close(ctx)
		})
		if err := s.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema() error = %v", err)
		}
		return s
	})
}
