package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold:    0.10,
		StagingBacklogThreshold: 100,
	})

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsTotal:          20,
		RunsSuccess:        19,
		RunsFailed:         1,
		FailureRate:        0.05,
		StagingUnprocessed: 50,
		LookbackHours:      24,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsTotal:     20,
		RunsSuccess:   12,
		RunsFailed:    8,
		FailureRate:   0.4,
		LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_FailureRateNeedsSample(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&MetricsSnapshot{RunsTotal: 2, RunsSuccess: 1, RunsFailed: 1, FailureRate: 0.5})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_BacklogAndStuck(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StagingBacklogThreshold: 100})
	started := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

	alerts := a.Evaluate(&MetricsSnapshot{
		StagingUnprocessed: 101,
		StuckRuns: []model.PipelineStatus{
			{Pipeline: "github-sync", RunID: "run-1", IsRunning: true, StartedAt: &started},
		},
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStagingBacklog, alerts[0].Type)
	assert.Equal(t, AlertStuckRun, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "github-sync")
	assert.Contains(t, alerts[1].Message, "2026-03-04T08:00:00Z")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertStagingBacklog, Severity: "medium", Message: "backlog"},
		{Type: AlertStuckRun, Severity: "high", Message: "stuck"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertStuckRun}}))
}

func TestAlerter_SendAlerts_NoURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertStuckRun}}))
}
