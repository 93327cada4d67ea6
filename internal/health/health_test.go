package health

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_RegisterRiver(t *testing.T) {
	t.Parallel()
	h := NewChecker(nil)
	h.RegisterRiver("users")

	report := h.GetReport()
	require.Len(t, report.Rivers, 1)
	assert.Equal(t, "users", report.Rivers[0].Name)
	assert.Equal(t, StatusOK, report.Rivers[0].Status)
	assert.Equal(t, "starting", report.Rivers[0].State)
}

func TestChecker_SetState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state string
		err   error
		want  Status
	}{
		{"snapshotting", nil, StatusOK},
		{"tailing", nil, StatusOK},
		{"faulted", errors.New("protocol error"), StatusUnhealthy},
		{"stopped", nil, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			t.Parallel()
			h := NewChecker(nil)
			h.RegisterRiver("r")
			h.SetState("r", tt.state, tt.err)

			report := h.GetReport()
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.state, report.Rivers[0].State)
			if tt.err != nil {
				assert.Equal(t, tt.err.Error(), report.Rivers[0].Error)
			}
		})
	}
}

func TestChecker_RecordBatch(t *testing.T) {
	t.Parallel()
	h := NewChecker(nil)
	h.RegisterRiver("r")

	h.RecordBatch("r", 10, 1, "100.1.0", nil)
	for i := 0; i < degradedAfter; i++ {
		h.RecordBatch("r", 0, 0, "", errors.New("index unavailable"))
	}
	report := h.GetReport()
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, "100.1.0", report.Rivers[0].Acknowledged)
	assert.EqualValues(t, 10, report.Rivers[0].Applied)
	assert.EqualValues(t, 1, report.Rivers[0].Rejected)
	assert.NotNil(t, report.Rivers[0].LastBatch)

	h.RecordBatch("r", 0, 0, "", errors.New("index unavailable"))
	assert.Equal(t, StatusDegraded, h.Check())
	assert.Equal(t, degradedAfter+1, h.GetReport().Rivers[0].Failures)

	h.RecordBatch("r", 1, 0, "101.1.0", nil)
	assert.Equal(t, StatusOK, h.Check())
}

func TestChecker_RecordEventsAndGaps(t *testing.T) {
	t.Parallel()
	h := NewChecker(nil)
	h.RegisterRiver("r")

	h.RecordEvents("r", 3)
	h.RecordEvents("r", 0)
	h.RecordGap("r")
	h.RecordEvents("unknown", 1)
	h.RecordGap("unknown")

	rh := h.GetReport().Rivers[0]
	assert.EqualValues(t, 3, rh.EventsTotal)
	assert.NotNil(t, rh.LastEvent)
	assert.Equal(t, 1, rh.GapsDetected)
}

func TestChecker_GetReport_AggregateStatus(t *testing.T) {
	t.Parallel()
	h := NewChecker(nil)
	h.RegisterRiver("b")
	h.RegisterRiver("a")
	h.SetState("b", "faulted", nil)

	report := h.GetReport()
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "a", report.Rivers[0].Name)
}

func TestChecker_ServeHTTP(t *testing.T) {
	t.Parallel()
	h := NewChecker(nil)
	h.RegisterRiver("r")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusOK, report.Status)

	h.SetState("r", "faulted", errors.New("boom"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServe(t *testing.T) {
	t.Parallel()
	h := NewChecker(nil)
	h.RegisterRiver("r")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, ln, time.Second, h) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestStartServer_BadAddress(t *testing.T) {
	t.Parallel()
	err := StartServer(context.Background(), ServerOptions{Addr: "not-an-address"}, NewChecker(nil))
	assert.Error(t, err)
}
