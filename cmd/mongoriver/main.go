package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/syntrixbase/mongoriver/internal/config"
	"github.com/syntrixbase/mongoriver/internal/deadletter"
	"github.com/syntrixbase/mongoriver/internal/health"
	"github.com/syntrixbase/mongoriver/internal/logging"
	"github.com/syntrixbase/mongoriver/internal/notify"
	"github.com/syntrixbase/mongoriver/internal/river"
	"github.com/syntrixbase/mongoriver/internal/search"
	"github.com/syntrixbase/mongoriver/internal/search/elastic"
	"github.com/syntrixbase/mongoriver/internal/search/memory"

	"github.com/urfave/cli/v2"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	app := &cli.App{
		Name:    "mongoriver",
		Usage:   "replicate a MongoDB collection into Elasticsearch",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "directory holding config.yml and config.local.yml",
			Value:   "configs",
			EnvVars: []string{"MONGORIVER_CONFIG_DIR"},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "run the river until interrupted",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "dry-run",
					Usage: "index into an in-memory engine instead of Elasticsearch",
				},
			},
			Action: Run,
		},
		{
			Name:  "deadletter",
			Usage: "inspect the rejected item journal",
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "print journaled items as JSON lines, oldest first",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "path",
							Usage: "journal directory (defaults to the configured one)",
						},
						&cli.IntFlag{
							Name:  "limit",
							Usage: "max number of items, 0 for all",
							Value: 100,
						},
					},
					Action: ListDeadLetters,
				},
				{
					Name:  "purge",
					Usage: "delete journaled items older than a duration",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "path",
							Usage: "journal directory (defaults to the configured one)",
						},
						&cli.DurationFlag{
							Name:     "older-than",
							Usage:    "age of the items to delete",
							Required: true,
						},
					},
					Action: PurgeDeadLetters,
				},
			},
		},
	}
	return app
}

// Run is the main function of the run command.
func Run(cctx *cli.Context) error {
	cfg, err := config.LoadConfig(cctx.String("config"))
	if err != nil {
		return err
	}
	if err := logging.Initialize(cfg.Logging); err != nil {
		return err
	}
	defer func() {
		if err := logging.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
		}
	}()
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var engine search.Engine
	if cctx.Bool("dry-run") {
		logger.Warn("Dry run: indexing into memory")
		engine = memory.New()
	} else {
		engine, err = elastic.New(elastic.Config{
			URLs:     cfg.River.Index.URLs,
			Username: cfg.River.Index.Username,
			Password: cfg.River.Index.Password,
		})
		if err != nil {
			return err
		}
	}

	checker := health.NewChecker(logger)
	if cfg.Server.Addr != "" {
		go func() {
			opts := health.ServerOptions{Addr: cfg.Server.Addr, ShutdownTimeout: cfg.Server.ShutdownTimeout}
			if err := health.StartServer(ctx, opts, checker); err != nil {
				logger.Error("Health server failed", "error", err)
			}
		}()
	}

	var publisher notify.Publisher
	if cfg.Notify.NatsURL != "" {
		p, err := notify.Connect(ctx, cfg.Notify.NatsURL, notify.StreamOptions{
			Stream:        cfg.Notify.Stream,
			Prefix:        cfg.Notify.SubjectPrefix,
			RetryAttempts: 3,
		})
		if err != nil {
			logger.Warn("Status notifications disabled", "error", err)
		} else {
			publisher = p
		}
	}
	notifier := notify.New(publisher, cfg.Notify.SubjectPrefix, logger)
	defer notifier.Close()

	deps := river.Dependencies{
		Engine:   engine,
		Health:   checker,
		Notifier: notifier,
		Logger:   logger,
	}

	if path := cfg.River.DeadLetter.Path; path != "" {
		journal, err := deadletter.Open(deadletter.Options{Path: path, Logger: logger})
		if err != nil {
			return err
		}
		defer journal.Close()

		cleaner := deadletter.NewCleaner(deadletter.CleanerOptions{
			Journal:   journal,
			River:     cfg.River.Name,
			Retention: cfg.River.DeadLetter.Retention,
			Interval:  cfg.River.DeadLetter.CleanInterval,
			Logger:    logger,
		})
		cleaner.Start(ctx)
		defer cleaner.Stop()

		deps.DeadLetters = journal
	}

	r, err := river.New(ctx, cfg.River, deps)
	if err != nil {
		return err
	}
	defer r.Close(context.Background())

	// Signals stop the river gracefully, so it must not run on ctx.
	if err := r.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop river: %w", err)
		}
		logger.Info("mongoriver stopped")
		return nil

	case <-r.Done():
		if err := r.Err(); err != nil {
			return cli.Exit(fmt.Sprintf("river %s %s: %v", r.Name(), r.State(), err), 1)
		}
		return nil
	}
}

func journalPath(cctx *cli.Context) (string, error) {
	if p := cctx.String("path"); p != "" {
		return p, nil
	}
	cfg, err := config.LoadConfig(cctx.String("config"))
	if err != nil {
		return "", err
	}
	if cfg.River.DeadLetter.Path == "" {
		return "", errors.New("dead letter journal is disabled")
	}
	return cfg.River.DeadLetter.Path, nil
}

// ListDeadLetters prints journaled items.
func ListDeadLetters(cctx *cli.Context) error {
	path, err := journalPath(cctx)
	if err != nil {
		return err
	}
	journal, err := deadletter.Open(deadletter.Options{Path: path, ReadOnly: true})
	if err != nil {
		return err
	}
	defer journal.Close()

	entries, err := journal.List(cctx.Int("limit"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cctx.App.Writer)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// PurgeDeadLetters deletes old journaled items.
func PurgeDeadLetters(cctx *cli.Context) error {
	path, err := journalPath(cctx)
	if err != nil {
		return err
	}
	journal, err := deadletter.Open(deadletter.Options{Path: path})
	if err != nil {
		return err
	}
	defer journal.Close()

	n, err := journal.DeleteBefore(time.Now().Add(-cctx.Duration("older-than")))
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "deleted %d items\n", n)
	return nil
}
