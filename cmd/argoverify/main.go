package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jonboulle/clockwork"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/lox/argoverify/internal/api"
	"github.com/lox/argoverify/internal/config"
	"github.com/lox/argoverify/internal/ingest"
	"github.com/lox/argoverify/internal/models"
	"github.com/lox/argoverify/internal/query"
	"github.com/lox/argoverify/internal/store"
	"github.com/lox/argoverify/internal/verify"
)

type CLI struct {
	Config  config.Config            `embed:""`
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,help='Path to .env file'"`

	Serve  ServeCmd  `cmd:"" default:"withargs" help:"Serve the validation API, poll forecasts and consume the observation feed."`
	Ingest IngestCmd `cmd:"" help:"Pull new forecast files once and exit."`
	Query  QueryCmd  `cmd:"" help:"Run one validation query and print the result as JSON."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("argoverify"),
		kong.Description("Verify ocean forecasts against Argo float profiles."),
		kong.UsageOnError(),
		kong.Bind(&cli.Config),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run())
}

// app holds the pieces every command needs.
type app struct {
	db      *sql.DB
	store   *store.Store
	queries *query.Service
	logger  *slog.Logger
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	if dir := filepath.Dir(cfg.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
	db.ExecContext(ctx, "PRAGMA busy_timeout=5000")

	st := store.New(db, logger)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database migrated", "path", cfg.DB)

	depths, err := verify.NewDepthTable(verify.DefaultDepthLevels)
	if err != nil {
		db.Close()
		return nil, err
	}
	matcher := verify.NewMatcher(verify.Sources{Catalog: st, Observations: st, Forecasts: st}, depths, cfg.MatchConfig())
	builder := verify.NewBuilder(matcher, cfg.Workers)
	cache := query.NewCache(cfg.CacheTTL, cfg.CacheEntries, clockwork.NewRealClock())

	return &app{
		db:      db,
		store:   st,
		queries: query.NewService(st, builder, cfg.Models, cache, logger),
		logger:  logger,
	}, nil
}

func (a *app) Close() error { return a.db.Close() }

func (a *app) forecastPuller(cfg *config.Config, inv ingest.Invalidator) *ingest.ForecastPuller {
	source := ingest.NewFTPSource(ingest.FTPConfig{
		Host:     cfg.FTP.Host,
		User:     cfg.FTP.User,
		Password: cfg.FTP.Password,
		Root:     cfg.FTP.Root,
	})
	return ingest.NewForecastPuller(source, a.store, inv, cfg.Models, cfg.MaxLeadDays, a.logger)
}

type ServeCmd struct {
	Port   string `help:"HTTP server port." default:"8080" env:"PORT"`
	NoPoll bool   `help:"Disable forecast polling and the observation feed (server only, for local dev)."`
}

func (c *ServeCmd) Run(cfg *config.Config, ctx context.Context) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	if c.NoPoll {
		a.logger.Info("polling disabled (--no-poll)")
	} else {
		var puller ingest.Puller
		if cfg.FTP.Host != "" {
			puller = a.forecastPuller(cfg, a.queries)
		} else {
			a.logger.Warn("no ftp host configured, forecast polling disabled")
		}
		scheduler := ingest.NewScheduler(puller, a.store, cfg.FTP.Interval, cfg.StaleAfter, clockwork.NewRealClock(), a.logger)
		g.Go(func() error {
			scheduler.Run(gctx)
			return nil
		})

		if len(cfg.Kafka.Brokers) > 0 {
			reader := ingest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
			feed := ingest.NewObservationFeed(reader, a.store, a.queries, a.logger)
			g.Go(func() error {
				if err := feed.Run(gctx); err != nil {
					return fmt.Errorf("observation feed: %w", err)
				}
				return nil
			})
		} else {
			a.logger.Warn("no kafka brokers configured, observation feed disabled")
		}
	}

	server := api.NewServer(a.store, a.queries, c.Port, a.logger)
	g.Go(func() error {
		return server.Run(gctx)
	})
	return g.Wait()
}

type IngestCmd struct{}

func (c *IngestCmd) Run(cfg *config.Config, ctx context.Context) error {
	if cfg.FTP.Host == "" {
		return errors.New("--ftp-host is required")
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// No cache to invalidate in a one-shot process.
	scheduler := ingest.NewScheduler(a.forecastPuller(cfg, nil), a.store, cfg.FTP.Interval, cfg.StaleAfter, clockwork.NewRealClock(), a.logger)
	return scheduler.PullOnce(ctx)
}

type QueryCmd struct {
	Variable  string   `help:"Variable id (T, S, SST, SLA, U, V)." required:""`
	IssueDate string   `help:"Forecast issue date (YYYY-MM-DD)." required:""`
	Stations  []string `help:"Station ids."`
	Region    string   `help:"Select stations by region."`
	Status    string   `help:"Select stations by status (active or inactive)."`
	FromLead  int      `help:"First lead day." default:"1"`
	ToLead    int      `help:"Last lead day; defaults to the max lead time."`
	Depth     bool     `help:"Depth profile at --from-lead."`
	Compare   bool     `help:"Compare models."`
	Model     []string `help:"Models to use; defaults to the configured preference order."`
}

func (c *QueryCmd) Run(cfg *config.Config, ctx context.Context) error {
	v, err := models.ParseVariable(c.Variable)
	if err != nil {
		return err
	}
	issue, err := time.ParseInLocation(models.DateLayout, c.IssueDate, time.UTC)
	if err != nil {
		return fmt.Errorf("issue date: %w", err)
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	req := query.Request{
		Selector: query.StationSelector{
			StationIDs: c.Stations,
			Region:     c.Region,
			Status:     models.StationStatus(c.Status),
		},
		Variable:  v,
		IssueDate: issue,
		FromLead:  c.FromLead,
		ToLead:    c.ToLead,
		Depth:     c.Depth,
		Compare:   c.Compare,
		Models:    c.Model,
	}
	if req.ToLead == 0 {
		req.ToLead = cfg.MaxLeadDays
		if req.Depth {
			req.ToLead = req.FromLead
		}
	}

	res, err := a.queries.Query(ctx, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
