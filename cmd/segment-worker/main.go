package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-engine/internal/behavior"
	"github.com/ignite/audience-engine/internal/cache"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/metrics"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/repository/memory"
	"github.com/ignite/audience-engine/internal/repository/postgres"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/storage"
	"github.com/ignite/audience-engine/internal/worker"
)

const usage = `usage: segment-worker [-config path] <command> [args]

commands:
  run                      evaluate stale segments until interrupted (default)
  evaluate <id>...         evaluate segments now and print the results
  preview <id> [limit]     print a sample of a segment's members
  create <file.json>       validate and store a segment definition
`

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	cmd, args := "run", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		err = app.run(ctx)
	case "evaluate":
		err = app.evaluate(ctx, args)
	case "preview":
		err = app.preview(ctx, args)
	case "create":
		err = app.create(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg         *config.Config
	db          *sql.DB
	warehouse   *sql.DB
	redis       *redis.Client
	metrics     *metrics.Metrics
	coordinator *segmentation.Coordinator
	service     *segmentation.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	var (
		repo      segmentation.Repository
		users     segmentation.UserSource
		campaigns segmentation.CampaignChecker
		provider  segmentation.BehaviorProvider
	)
	if cfg.Database.URL == "" {
		fx, err := loadFixtures(cfg.Database.Fixtures)
		if err != nil {
			return nil, err
		}
		segments := memory.NewSegmentRepo()
		for i := range fx.Segments {
			if err := segments.Create(ctx, &fx.Segments[i]); err != nil {
				return nil, fmt.Errorf("seed segment %s: %w", fx.Segments[i].ID, err)
			}
		}
		events := memory.NewBehaviorProvider()
		events.Record(fx.Events...)
		repo, users, campaigns, provider = segments, memory.NewUserSource(fx.Users...), memory.NewCampaignRefs(), events
		logger.Warn("no database configured, using in-memory stores",
			"segments", len(fx.Segments), "users", len(fx.Users), "events", len(fx.Events))
	} else {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.db = db
		metrics.RegisterDBStats(a.metrics.Registry, db)
		logger.Info("connected to database")

		pgUsers, err := postgres.NewUserSource(db, cfg.Database.UsersTable)
		if err != nil {
			a.Close()
			return nil, err
		}
		repo, users, campaigns = postgres.NewSegmentRepo(db), pgUsers, postgres.NewCampaignRefs(db)
	}

	var (
		sinks        []segmentation.ResultSink
		invalidators []segmentation.Invalidator
	)
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		members := cache.NewMembershipCache(a.redis, cfg.Redis.KeyPrefix, cfg.Redis.MembersTTL(), logger.Default())
		sinks = append(sinks, members)
		invalidators = append(invalidators, members)
		logger.Info("membership cache enabled", "addr", cfg.Redis.Addr)
	}

	if cfg.Snowflake.Enabled {
		wh, err := behavior.Open(ctx, snowflakeConfig(cfg.Snowflake))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.warehouse = wh
		wp, err := behavior.NewWarehouseProvider(a.warehouse, cfg.Snowflake.EventsTable, logger.Default())
		if err != nil {
			a.Close()
			return nil, err
		}
		provider = wp
		logger.Info("behavior warehouse enabled", "table", cfg.Snowflake.EventsTable)
	}

	if cfg.AWS.Enabled {
		aws, err := storage.NewAWSSinks(ctx, cfg.AWS, logger.Default())
		if err != nil {
			a.Close()
			return nil, err
		}
		if aws.History != nil {
			sinks = append(sinks, aws.History)
		}
		if aws.Archive != nil {
			sinks = append(sinks, aws.Archive)
		}
	}

	resolver := segmentation.NewResolver(users, provider, segmentation.WithPageSize(cfg.Evaluation.PageSize))
	a.coordinator = segmentation.NewCoordinator(repo, resolver, segmentation.CoordinatorConfig{
		Workers:            cfg.Evaluation.Workers,
		QueueSize:          cfg.Evaluation.QueueSize,
		Timeout:            cfg.Evaluation.Timeout(),
		PreviewLimit:       cfg.Evaluation.PreviewLimit,
		BatchConcurrency:   cfg.Evaluation.BatchConcurrency,
		MaterializeMembers: cfg.Evaluation.MaterializeMembers,
	}, segmentation.WithSinks(sinks...), segmentation.WithObserver(a.metrics))
	a.service = segmentation.NewService(repo, campaigns, a.coordinator, segmentation.WithInvalidators(invalidators...))
	return a, nil
}

func (a *app) Close() {
	if a.coordinator != nil {
		a.coordinator.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.warehouse != nil {
		a.warehouse.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// pinger returns nil for in-memory stores so health checks skip the database.
func (a *app) pinger() pinger {
	if a.db == nil {
		return nil
	}
	return a.db
}

func (a *app) run(ctx context.Context) error {
	if err := a.coordinator.Start(ctx); err != nil {
		return err
	}

	var lock distlock.DistLock
	if a.redis != nil || a.db != nil {
		lock = distlock.NewLock(a.redis, a.db, "segment-refresh", a.cfg.Evaluation.LockTTL())
	}
	refresher := worker.NewSegmentRefresher(a.coordinator, lock,
		a.cfg.Evaluation.RefreshInterval(), a.cfg.Evaluation.StaleAfter(), logger.Default())
	if err := refresher.Start(); err != nil {
		return err
	}

	var srv *http.Server
	if a.cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           newOpsMux(a.pinger(), a.coordinator, refresher, a.metrics.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server listening", "addr", a.cfg.Metrics.Addr)
	}
	logger.Info("segment worker running")

	<-ctx.Done()
	logger.Info("shutting down segment worker")

	refresher.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	a.coordinator.Stop()
	completed, failed, _ := a.coordinator.Stats()
	logger.Info("segment worker stopped", "completed", completed, "failed", failed)
	return nil
}

func (a *app) evaluate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return errors.New("evaluate needs at least one segment id")
	}
	res := a.coordinator.BatchEvaluate(ctx, ids)
	for _, f := range res.Failed {
		logger.Warn("segment evaluation failed", "segment_id", f.SegmentID, "error", f.Err)
	}
	if err := printJSON(res.Succeeded); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d evaluations failed", len(res.Failed), len(ids))
	}
	return nil
}

func (a *app) preview(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("preview needs a segment id")
	}
	limit := 0
	if len(args) > 1 {
		if _, err := fmt.Sscan(args[1], &limit); err != nil {
			return fmt.Errorf("invalid limit %q", args[1])
		}
	}
	res, err := a.coordinator.Preview(ctx, args[0], limit)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func (a *app) create(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("create needs exactly one definition file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	in, err := parseCreateInput(data)
	if err != nil {
		return err
	}
	seg, err := a.service.Create(ctx, in)
	if err != nil {
		return err
	}
	return printJSON(seg)
}

func snowflakeConfig(c config.SnowflakeConfig) behavior.Config {
	out := behavior.Config{
		Account:   c.Account,
		User:      c.User,
		Password:  c.Password,
		Database:  c.Database,
		Schema:    c.Schema,
		Warehouse: c.Warehouse,
		Enabled:   c.Enabled,
	}
	if c.ConnectionString != "" {
		out = behavior.ParseConnectionString(c.ConnectionString)
		if c.Warehouse != "" {
			out.Warehouse = c.Warehouse
		}
	}
	out.EventsTable = c.EventsTable
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
