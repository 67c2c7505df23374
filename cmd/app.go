package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/domain/counters"
	"github.com/vitalhearts/core/internal/domain/hearts"
	"github.com/vitalhearts/core/internal/domain/leaderboard"
	"github.com/vitalhearts/core/internal/domain/logs"
	"github.com/vitalhearts/core/internal/domain/missions"
	"github.com/vitalhearts/core/internal/domain/progress"
	"github.com/vitalhearts/core/internal/gateways/kv"
	"github.com/vitalhearts/core/internal/gateways/kv/dynamo"
	"github.com/vitalhearts/core/internal/gateways/kv/mongo"
	"github.com/vitalhearts/core/internal/gateways/kv/postgres"
	"github.com/vitalhearts/core/internal/gateways/kv/redis"
	"github.com/vitalhearts/core/internal/logger"
)

// app is the wired set of components one command invocation works with.
type app struct {
	store    kv.Store
	loc      *time.Location
	appender *logs.Appender
	reader   *logs.Reader
	ledger   *hearts.Ledger
	board    *leaderboard.Engine
	catalog  *missions.Catalog
	missions *missions.Service
	close    func()
}

func openStore(ctx context.Context, cfg *config.Config) (kv.Store, func(), error) {
	start := time.Now()
	defer func() {
		slog.Debug("Store opened",
			slog.String("type", "db"),
			slog.String("backend", cfg.Store.Backend),
			logger.Since(start))
	}()

	switch cfg.Store.Backend {
	case config.BackendMemory:
		slog.Warn("Memory backend keeps nothing after this command exits, pass --config with a durable backend to persist state",
			slog.String("type", "db"))
		return kv.NewMemory(), func() {}, nil
	case config.BackendDynamoDB:
		s, err := dynamo.New(ctx, cfg.Store.Table, cfg.Store.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case config.BackendPostgres:
		db, err := postgres.Connect(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(db, cfg.Store.Table), db.Close, nil
	case config.BackendMongo:
		s, err := mongo.Connect(ctx, cfg.Store.Mongo)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(context.Background()); err != nil {
				slog.Error("Failed to close mongo client", slog.String("type", "db"), slog.Any("error", err))
			}
		}, nil
	case config.BackendRedis:
		s, err := redis.Connect(ctx, cfg.Store.Table, cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("Failed to close redis client", slog.String("type", "db"), slog.Any("error", err))
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	loc, err := cfg.Economy.Loc()
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if r := cfg.Store.DynamoDB.BatchRatePerSec; cfg.Store.Backend == config.BackendDynamoDB && r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), 1)
	}

	a := &app{
		store:    store,
		loc:      loc,
		appender: logs.NewAppender(store, limiter),
		reader:   logs.NewReader(store, cfg.Pagination.PageSize, cfg.Pagination.MaxPages),
		ledger:   hearts.NewLedger(store, cfg.Economy.DailyHeartCap),
		catalog:  missions.NewCatalog(store, cfg.Missions.CatalogCacheSize, cfg.Missions.CatalogCacheTTL.Duration),
		close:    closeStore,
	}
	a.board = leaderboard.NewEngine(counters.NewStore(store), a.appender, a.ledger,
		leaderboard.WithStreakGame(cfg.Economy.StreakGame),
		leaderboard.WithPaging(cfg.Pagination.PageSize, cfg.Pagination.MaxPages))
	a.missions = missions.NewService(store, a.catalog, progress.NewAggregator(a.reader, loc), a.ledger,
		missions.WithLocation(loc),
		missions.WithStatusParallelism(cfg.Missions.StatusParallelism))
	return a, nil
}

// withApp wires the components for one command and releases them after.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}
