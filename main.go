// Feedshare is the backend for the feed sharing service.
//
// Users register accounts, authorize each other to read their social
// timelines, and fetch those timelines through a scraper sidecar with
// caching and single-flight deduplication in front of it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/feedshare/internal/api"
	"github.com/jdholdren/feedshare/internal/fetch"
	"github.com/jdholdren/feedshare/internal/migrations"
	"github.com/jdholdren/feedshare/internal/notify"
	"github.com/jdholdren/feedshare/internal/scrape"
	"github.com/jdholdren/feedshare/internal/sqlite"
	"github.com/jdholdren/feedshare/logger"
)

type config struct {
	Port       int    `env:"PORT, default=4444"`
	Database   string `env:"DATABASE, required"`
	JWTSecret  string `env:"JWT_SECRET, required"`
	CorsHeader string `env:"CORS_HEADER, default=*"`

	// Base URL of the scraper sidecar.
	ScraperURL string `env:"SCRAPER_URL, default=http://localhost:5000"`

	FetchWorkers int           `env:"FETCH_WORKERS, default=5"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT, default=300s"`
	CacheTTL     time.Duration `env:"CACHE_TTL, default=1h"`

	// How often to sweep expired cache rows. Zero disables the sweeper;
	// the maintenance route still works either way.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL, default=0"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT, default=587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	EmailFrom    string `env:"EMAIL_FROM"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Determine which logger format to use
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if cfg.LoggerFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	l := slog.New(logger.NewContextHandler(handler))
	slog.SetDefault(l)

	// Start the application
	if err := run(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	slog.Info("running", "port", cfg.Port, "database", cfg.Database)

	// Connect to the db
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf(
		"%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		cfg.Database,
	))
	if err != nil {
		return fmt.Errorf("error opening database: %s", err)
	}
	dbx.SetMaxOpenConns(10)
	dbx.SetMaxIdleConns(5)
	dbx.SetConnMaxLifetime(time.Hour)

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	repo := sqlite.New(dbx)

	orch := fetch.New(repo, fetch.SourceFromClient(scrape.NewClient(cfg.ScraperURL)), fetch.Config{
		Workers:      cfg.FetchWorkers,
		FetchTimeout: cfg.FetchTimeout,
		CacheTTL:     cfg.CacheTTL,
	})
	defer orch.Close()

	mailer := notify.NewMailer(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.EmailFrom,
	})

	s := api.NewServer(api.ServerConfig{
		Port:       cfg.Port,
		CorsHeader: cfg.CorsHeader,
		JWTSecret:  []byte(cfg.JWTSecret),
	}, repo, orch, mailer, dbx)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Start the server
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}

		return nil
	})
	g.Go(func() error {
		// Block from shutting down until the group is canceled
		<-gCtx.Done()

		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}

		return nil
	})

	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			return runSweeper(gCtx, repo, cfg.SweepInterval)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}

// runSweeper periodically clears expired cache rows until the context
// is canceled.
func runSweeper(ctx context.Context, repo sqlite.Repo, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := repo.SweepExpired(ctx)
			if err != nil {
				slog.Error("error sweeping expired timelines", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("swept expired timelines", "removed", n)
			}
		}
	}
}
