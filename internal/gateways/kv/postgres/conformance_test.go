package postgres

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/gateways/kv/kvtest"
)

func testConfig(t *testing.T) config.PostgresConfig {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skip("POSTGRES_HOST not set")
	}
	port := 5432
	if p := os.Getenv("POSTGRES_PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("invalid POSTGRES_PORT %q: %v", p, err)
		}
		port = n
	}
	return config.PostgresConfig{
		Host:     host,
		Port:     port,
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		PoolSize: 16,
	}
}

func TestStore_Conformance(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	db, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(db.Close)

	n := 0
	kvtest.Run(t, func(t *testing.T) kv.Store {
		n++
		table := fmt.Sprintf("items_test_%d_%d", time.Now().UnixNano(), n)
		s := NewStore(db, table)
		if err := s.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema() error = %v", err)
		}
		t.Cleanup(func() {
			_, _ = db.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgxIdent(table))
		})
		return s
	})
}
