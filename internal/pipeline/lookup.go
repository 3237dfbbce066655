package pipeline

import (
	"context"
	"errors"

	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/pkg/github"
)

// guardedLookup wraps the GitHub client with a circuit breaker and maps
// lookup failures onto TransientError so the retry budget governs them.
// Requests that cannot be built are ValidationErrors and are not retried.
type guardedLookup struct {
	client  github.Client
	breaker *resilience.CircuitBreaker
}

func newGuardedLookup(c github.Client, cb *resilience.CircuitBreaker) *guardedLookup {
	return &guardedLookup{client: c, breaker: cb}
}

func (l *guardedLookup) repository(ctx context.Context, id int64) (*github.Repo, error) {
	return guard(ctx, l.breaker, func(ctx context.Context) (*github.Repo, error) {
		return l.client.Repository(ctx, id)
	})
}

func (l *guardedLookup) user(ctx context.Context, id int64) (*github.User, error) {
	return guard(ctx, l.breaker, func(ctx context.Context) (*github.User, error) {
		return l.client.User(ctx, id)
	})
}

func (l *guardedLookup) pullRequest(ctx context.Context, fullName string, number int) (*github.PullRequest, error) {
	return guard(ctx, l.breaker, func(ctx context.Context) (*github.PullRequest, error) {
		return l.client.PullRequest(ctx, fullName, number)
	})
}

func (l *guardedLookup) commit(ctx context.Context, fullName, sha string) (*github.Commit, error) {
	return guard(ctx, l.breaker, func(ctx context.Context) (*github.Commit, error) {
		return l.client.Commit(ctx, fullName, sha)
	})
}

func guard[T any](ctx context.Context, cb *resilience.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	if cb != nil {
		v, err = resilience.ExecuteVal(ctx, cb, fn)
	} else {
		v, err = fn(ctx)
	}
	return v, asTransient(err)
}

func asTransient(err error) error {
	if err == nil || resilience.IsTransient(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, github.ErrInvalidLookup) {
		return resilience.NewValidationError("lookup", "%v", err)
	}
	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return err
	}
	return resilience.NewTransientError(err, 0)
}
