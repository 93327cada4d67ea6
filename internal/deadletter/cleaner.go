package deadletter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Cleaner periodically removes entries older than the retention period.
type Cleaner struct {
	journal   *Journal
	river     string
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// CleanerOptions configures the cleaner.
type CleanerOptions struct {
	Journal   *Journal
	River     string
	Retention time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
}

// NewCleaner creates a new cleaner.
func NewCleaner(opts CleanerOptions) *Cleaner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		journal:   opts.Journal,
		river:     opts.River,
		retention: opts.Retention,
		interval:  interval,
		logger:    logger.With("component", "dead-letter-cleaner"),
		done:      make(chan struct{}),
	}
}

// Start starts the cleaner goroutine.
func (c *Cleaner) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.Info("cleaner started", "retention", c.retention, "interval", c.interval)
}

// Stop stops the cleaner and waits for it to finish.
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cleaner) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := c.CleanupNow(); err != nil {
				c.logger.Error("cleanup failed", "error", err)
			}
		}
	}
}

// CleanupNow removes expired entries immediately.
func (c *Cleaner) CleanupNow() (int, error) {
	if c.retention <= 0 {
		return 0, nil
	}
	count, err := c.journal.DeleteBefore(c.journal.now().Add(-c.retention))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.Expired.WithLabelValues(c.river).Add(float64(count))
		c.logger.Debug("expired dead letters", "count", count)
	}
	return count, nil
}
