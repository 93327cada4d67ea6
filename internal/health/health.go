// Package health reports river health over HTTP.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status represents the health status of a river.
type Status string

const (
	// StatusOK indicates the river is healthy.
	StatusOK Status = "ok"

	// StatusDegraded indicates the river is running but batches are failing.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy indicates the river faulted or stopped.
	StatusUnhealthy Status = "unhealthy"
)

// degradedAfter is the number of consecutive failed batches that degrades a river.
const degradedAfter = 5

// RiverHealth represents the health of a single river.
type RiverHealth struct {
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	State        string     `json:"state"`
	LastEvent    *time.Time `json:"lastEvent,omitempty"`
	LastBatch    *time.Time `json:"lastBatch,omitempty"`
	Acknowledged string     `json:"acknowledged,omitempty"`
	EventsTotal  int64      `json:"eventsTotal"`
	Applied      int64      `json:"applied"`
	Rejected     int64      `json:"rejected"`
	Failures     int        `json:"batchFailures"`
	GapsDetected int        `json:"gapsDetected"`
	Error        string     `json:"error,omitempty"`

	consecutiveFailures int
}

// Report is the full health report.
type Report struct {
	Status    Status        `json:"status"`
	Uptime    string        `json:"uptime"`
	StartedAt time.Time     `json:"startedAt"`
	Rivers    []RiverHealth `json:"rivers"`
}

// Checker tracks the health of every river in the process.
type Checker struct {
	startedAt time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	rivers map[string]*RiverHealth
}

// NewChecker creates a new health checker.
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		startedAt: time.Now(),
		logger:    logger.With("component", "health"),
		rivers:    make(map[string]*RiverHealth),
	}
}

// RegisterRiver registers a river for health tracking.
func (h *Checker) RegisterRiver(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rivers[name] = &RiverHealth{
		Name:   name,
		Status: StatusOK,
		State:  "starting",
	}
}

// SetState records a controller state transition. Faulted and stopped
// rivers are unhealthy.
func (h *Checker) SetState(river, state string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rh, ok := h.rivers[river]
	if !ok {
		return
	}
	rh.State = state
	rh.Error = ""
	if err != nil {
		rh.Error = err.Error()
	}
	switch state {
	case "faulted", "stopped":
		rh.Status = StatusUnhealthy
	default:
		rh.Status = statusFor(rh)
	}
}

// RecordEvents adds n tailed events.
func (h *Checker) RecordEvents(river string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rh, ok := h.rivers[river]; ok && n > 0 {
		now := time.Now()
		rh.LastEvent = &now
		rh.EventsTotal += int64(n)
	}
}

// RecordBatch records the outcome of one writer batch. acknowledged is the
// position persisted after the batch, empty when it did not advance.
func (h *Checker) RecordBatch(river string, applied, rejected int, acknowledged string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rh, ok := h.rivers[river]
	if !ok {
		return
	}
	now := time.Now()
	rh.LastBatch = &now
	rh.Applied += int64(applied)
	rh.Rejected += int64(rejected)
	if acknowledged != "" {
		rh.Acknowledged = acknowledged
	}
	if err != nil {
		rh.Failures++
		rh.consecutiveFailures++
		rh.Error = err.Error()
	} else {
		rh.consecutiveFailures = 0
	}
	if rh.Status != StatusUnhealthy {
		rh.Status = statusFor(rh)
	}
}

// RecordGap records a gap detection for a river.
func (h *Checker) RecordGap(river string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rh, ok := h.rivers[river]; ok {
		rh.GapsDetected++
	}
}

func statusFor(rh *RiverHealth) Status {
	if rh.consecutiveFailures > degradedAfter {
		return StatusDegraded
	}
	return StatusOK
}

// GetReport returns the current health report.
func (h *Checker) GetReport() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	report := Report{
		Status:    StatusOK,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		StartedAt: h.startedAt,
		Rivers:    make([]RiverHealth, 0, len(h.rivers)),
	}

	for _, rh := range h.rivers {
		report.Rivers = append(report.Rivers, *rh)

		if rh.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		} else if rh.Status == StatusDegraded && report.Status == StatusOK {
			report.Status = StatusDegraded
		}
	}
	sort.Slice(report.Rivers, func(i, j int) bool {
		return report.Rivers[i].Name < report.Rivers[j].Name
	})
	return report
}

// Check returns the overall health status.
func (h *Checker) Check() Status {
	return h.GetReport().Status
}

// ServeHTTP implements http.Handler for the health endpoint.
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.GetReport()

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", "error", err)
	}
}

// ServerOptions configures the health server.
type ServerOptions struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// NewHandler returns the mux serving /health and /metrics.
func NewHandler(checker *Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartServer serves /health and /metrics until ctx is done.
func StartServer(ctx context.Context, opts ServerOptions, checker *Checker) error {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, opts.ShutdownTimeout, checker)
}

// Serve is StartServer on an existing listener.
func Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration, checker *Checker) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	server := &http.Server{
		Handler:           NewHandler(checker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	checker.logger.Info("health server starting", "address", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
