package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/pkg/github"
)

func TestAsTransient(t *testing.T) {
	invalid := eris.Wrap(github.ErrInvalidLookup, "github: pull request lookup needs a repository name")

	tests := []struct {
		name       string
		err        error
		transient  bool
		validation bool
	}{
		{name: "nil", err: nil},
		{name: "invalid arguments", err: invalid, validation: true},
		{name: "bad gateway", err: &github.APIError{StatusCode: 502, URL: "/repos/acme/widgets"}, transient: true},
		{name: "network", err: errors.New("dial tcp: refused"), transient: true},
		{name: "canceled", err: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := asTransient(tt.err)
			assert.Equal(t, tt.transient, resilience.IsTransient(got))
			assert.Equal(t, tt.validation, resilience.IsValidation(got))
		})
	}
}

func TestGuardedLookup_InvalidArgumentsNotRetried(t *testing.T) {
	gh := &mockGitHub{}
	gh.On("PullRequest", mock.Anything, "", 7).
		Return(nil, eris.Wrap(github.ErrInvalidLookup, "github: pull request lookup needs a repository name")).
		Once()

	l := newGuardedLookup(gh, nil)
	cfg := resilience.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
		ShouldRetry:    resilience.IsTransient,
	}

	_, err := resilience.DoVal(context.Background(), cfg, func(ctx context.Context) (*github.PullRequest, error) {
		return l.pullRequest(ctx, "", 7)
	})
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
	assert.Equal(t, model.ErrorKindValidation, resilience.Classify(err))
	gh.AssertNumberOfCalls(t, "PullRequest", 1)
}
