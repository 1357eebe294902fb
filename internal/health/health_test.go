package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/storage"
	"github.com/YousifYassi/prototype/internal/stream"
)

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) Check {
	return Check{Name: c.name, Status: c.status}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error        { return f(ctx) }
func (f pingerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type fixedCounts map[stream.Status]int

func (f fixedCounts) Counts() map[stream.Status]int { return f }

func newTestManager(checkers ...Checker) *Manager {
	m := NewManager(config.HealthConfig{}, logger.NewNopLogger(), nil)
	for _, c := range checkers {
		m.RegisterChecker(c)
	}
	return m
}

func TestManager_CheckAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		{"no checkers", nil, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var checkers []Checker
			for i, s := range tt.statuses {
				checkers = append(checkers, staticChecker{name: string(rune('a' + i)), status: s})
			}
			report := newTestManager(checkers...).Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestManager_Endpoints(t *testing.T) {
	m := newTestManager(staticChecker{name: "db", status: StatusUnhealthy})
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks, "db")

	live, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	live.Body.Close()
	assert.Equal(t, http.StatusOK, live.StatusCode)

	ready, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)
}

func TestManager_DegradedIsStillReady(t *testing.T) {
	m := newTestManager(staticChecker{name: "inference", status: StatusDegraded})
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ready"])
}

func TestManager_StartDisabled(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}

func TestDatabaseChecker(t *testing.T) {
	ok := NewDatabaseChecker(pingerFunc(func(context.Context) error { return nil }))
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	failing := NewDatabaseChecker(pingerFunc(func(context.Context) error { return errors.New("locked") }))
	check := failing.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Contains(t, check.Message, "locked")

	assert.Equal(t, StatusDegraded, NewDatabaseChecker(nil).Check(context.Background()).Status)
}

func TestInferenceChecker_NeverUnhealthy(t *testing.T) {
	down := NewInferenceChecker(pingerFunc(func(context.Context) error { return errors.New("refused") }), "http://localhost:8000")
	assert.Equal(t, StatusDegraded, down.Check(context.Background()).Status)

	up := NewInferenceChecker(pingerFunc(func(context.Context) error { return nil }), "http://localhost:8000")
	assert.Equal(t, StatusHealthy, up.Check(context.Background()).Status)
}

func TestFFmpegChecker(t *testing.T) {
	missing := func(string) (string, error) { return "", errors.New("not found") }

	required := NewFFmpegChecker("ffmpeg", true)
	required.lookPath = missing
	assert.Equal(t, StatusUnhealthy, required.Check(context.Background()).Status)

	optional := NewFFmpegChecker("ffmpeg", false)
	optional.lookPath = missing
	assert.Equal(t, StatusHealthy, optional.Check(context.Background()).Status)

	found := NewFFmpegChecker("ffmpeg", true)
	found.lookPath = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	check := found.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "/usr/bin/ffmpeg", check.Details["path"])
}

func TestStorageChecker(t *testing.T) {
	dir := t.TempDir()

	ok := NewStorageChecker(storage.NewDiskMonitor(dir, 100), dir)
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)

	missing := NewStorageChecker(nil, dir+"/missing")
	assert.Equal(t, StatusUnhealthy, missing.Check(context.Background()).Status)
}

func TestStreamsChecker(t *testing.T) {
	healthy := NewStreamsChecker(fixedCounts{stream.StatusActive: 2})
	check := healthy.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, 2, check.Details["active"])

	degraded := NewStreamsChecker(fixedCounts{stream.StatusActive: 1, stream.StatusError: 1})
	assert.Equal(t, StatusDegraded, degraded.Check(context.Background()).Status)
}
