// Package river replicates one MongoDB collection into a search index.
//
// A river snapshots the collection, then tails the replica set operation log
// and applies every change to the target index in order. Each event passes an
// optional operator supplied transform hook that may rewrite the document or
// suppress the change. Progress is stored as a cursor document next to the
// target index so a restarted river resumes where it stopped.
//
// # Usage
//
//	r, err := river.New(ctx, cfg, river.Dependencies{Engine: engine})
//	if err != nil { ... }
//	defer r.Close(ctx)
//	r.Start(ctx)
//	...
//	r.Stop(ctx)
//
// # Package Organization
//
//   - tailer: operation log tailing and collection snapshots
//   - normalizer: operation log entries to change events
//   - transform: hook evaluators (JavaScript, CEL) and the transform stage
//   - writer: bulk indexing with retries, rate limiting and dead letters
//   - cursor: resume position persistence
//   - recovery: error classification, backoff and gap detection
//   - controller: lifecycle and supervision
package river

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/mongoriver/internal/deadletter"
	"github.com/syntrixbase/mongoriver/internal/health"
	"github.com/syntrixbase/mongoriver/internal/notify"
	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/internal/controller"
	"github.com/syntrixbase/mongoriver/internal/river/internal/cursor"
	"github.com/syntrixbase/mongoriver/internal/river/internal/tailer"
	"github.com/syntrixbase/mongoriver/internal/river/internal/transform"
	"github.com/syntrixbase/mongoriver/internal/river/internal/writer"
	"github.com/syntrixbase/mongoriver/internal/search"
)

// Service is the lifecycle surface of a river.
type Service interface {
	// Start launches the river in the background.
	Start(ctx context.Context) error

	// Stop stops the river gracefully, saving the cursor.
	Stop(ctx context.Context) error

	// Remove stops the river and deletes its cursor.
	Remove(ctx context.Context) error

	// State returns the current lifecycle state name.
	State() string

	// Done is closed when the river stopped or faulted.
	Done() <-chan struct{}

	// Err returns the error that faulted the river.
	Err() error
}

// Dependencies are the collaborators a river is built on.
type Dependencies struct {
	// Engine is the search engine holding the target and cursor indexes. Required.
	Engine search.Engine

	// Source overrides the MongoDB connection built from the config.
	Source tailer.Source

	// DeadLetters journals rejected items. Optional.
	DeadLetters *deadletter.Journal

	// Health and Notifier are optional.
	Health   *health.Checker
	Notifier *notify.Notifier

	Logger *slog.Logger
}

// River is a configured river.
type River struct {
	name   string
	ctrl   *controller.Controller
	mongo  *tailer.MongoSource
	logger *slog.Logger
}

var _ Service = (*River)(nil)

// New wires a river from cfg. Unless deps.Source is set it connects to the
// configured replica set.
func New(ctx context.Context, cfg config.Config, deps Dependencies) (*River, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("river %s: search engine is required", cfg.Name)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	evaluator, err := transform.NewEvaluator(cfg.Transform)
	if err != nil {
		return nil, fmt.Errorf("river %s: %w", cfg.Name, err)
	}

	r := &River{name: cfg.Name, logger: logger.With("river", cfg.Name)}

	source := deps.Source
	if source == nil {
		r.mongo, err = tailer.Connect(ctx, cfg.Source, cfg.Tailer)
		if err != nil {
			return nil, fmt.Errorf("river %s: %w", cfg.Name, err)
		}
		source = r.mongo
	}

	t := tailer.New(source, tailer.Options{
		River:      cfg.Name,
		Database:   cfg.Source.Database,
		Collection: cfg.Source.Collection,
		Tailer:     cfg.Tailer,
		OnGap: func() {
			if deps.Health != nil {
				deps.Health.RecordGap(cfg.Name)
			}
		},
		Logger: logger,
	})

	writerOpts := writer.Options{
		River:  cfg.Name,
		Index:  cfg.Index.Name,
		Config: cfg.Writer,
		Logger: logger,
	}
	if deps.DeadLetters != nil {
		writerOpts.DeadLetters = deps.DeadLetters
	}

	store := cursor.NewIndexStore(deps.Engine, cfg.Index.CursorIndex, cfg.Index.Name, cfg.Name)

	r.ctrl, err = controller.New(controller.Options{
		Config: cfg,
		Source: controller.FromTailer(t),
		Stage: transform.NewStage(evaluator, transform.StageOptions{
			River:   cfg.Name,
			Timeout: cfg.Transform.Timeout,
			Logger:  logger,
		}),
		Writer:   writer.New(deps.Engine, writerOpts),
		Engine:   deps.Engine,
		Cursor:   store,
		Health:   deps.Health,
		Notifier: deps.Notifier,
		RunID:    store.RunID(),
		Logger:   logger,
	})
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	return r, nil
}

// Name returns the river name.
func (r *River) Name() string { return r.name }

func (r *River) Start(ctx context.Context) error { return r.ctrl.Start(ctx) }

func (r *River) Stop(ctx context.Context) error { return r.ctrl.Stop(ctx) }

func (r *River) Remove(ctx context.Context) error { return r.ctrl.Remove(ctx) }

func (r *River) State() string { return r.ctrl.State().String() }

func (r *River) Done() <-chan struct{} { return r.ctrl.Done() }

func (r *River) Err() error { return r.ctrl.Err() }

// Close releases the MongoDB connection opened by New.
func (r *River) Close(ctx context.Context) error {
	if r.mongo == nil {
		return nil
	}
	if err := r.mongo.Close(ctx); err != nil {
		r.logger.Warn("Failed to disconnect from source", "error", err)
		return err
	}
	return nil
}
