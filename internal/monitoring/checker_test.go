package monitoring

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(newTestStore(t), 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_CheckReportsBacklog(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for range 3 {
		_, err := st.InsertStaging(ctx, model.StagingRecord{Source: model.SourceBulk, Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}

	cfg := config.MonitoringConfig{LookbackWindowHours: 24, StagingBacklogThreshold: 2}
	alerts := NewChecker(NewCollector(st, 0), NewAlerter(cfg), cfg).Check(ctx)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStagingBacklog, alerts[0].Type)
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(newTestStore(t), 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
