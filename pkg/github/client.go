// Package github provides a rate-limited client for the GitHub REST API
// lookups used to enrich partially observed entities.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Client defines the GitHub lookups.
type Client interface {
	// Repository fetches a repository by numeric id.
	Repository(ctx context.Context, id int64) (*Repo, error)
	// User fetches a user by numeric id.
	User(ctx context.Context, id int64) (*User, error)
	// PullRequest fetches a pull request by repository full name and number.
	PullRequest(ctx context.Context, fullName string, number int) (*PullRequest, error)
	// Commit fetches a commit, including line stats, by repository full name and sha.
	Commit(ctx context.Context, fullName, sha string) (*Commit, error)
}

// ErrInvalidLookup is returned, wrapped, when a lookup lacks the arguments
// needed to build its request. No request is sent.
var ErrInvalidLookup = eris.New("github: invalid lookup")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s returned %d: %s", e.URL, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return eris.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Option configures the GitHub client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing or GitHub Enterprise).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client. The token is not applied to it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithRateLimit sets the client-side request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

type httpClient struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
	http      *http.Client
	limiter   *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewClient creates a GitHub client. An empty token sends unauthenticated requests.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://api.github.com",
		userAgent: "ghpipe/1.0",
		timeout:   30 * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		base := &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		if token != "" {
			ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
			base = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		}
		base.Timeout = c.timeout
		c.http = base
	}
	return c
}

func (c *httpClient) Repository(ctx context.Context, id int64) (*Repo, error) {
	var r Repo
	if err := c.get(ctx, "/repositories/"+strconv.FormatInt(id, 10), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *httpClient) User(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := c.get(ctx, "/user/"+strconv.FormatInt(id, 10), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *httpClient) PullRequest(ctx context.Context, fullName string, number int) (*PullRequest, error) {
	if fullName == "" {
		return nil, eris.Wrap(ErrInvalidLookup, "github: pull request lookup needs a repository name")
	}
	var pr PullRequest
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/pulls/%d", fullName, number), &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *httpClient) Commit(ctx context.Context, fullName, sha string) (*Commit, error) {
	if fullName == "" || sha == "" {
		return nil, eris.Wrap(ErrInvalidLookup, "github: commit lookup needs a repository name and sha")
	}
	var cm Commit
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/commits/%s", fullName, url.PathEscape(sha)), &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "github: create request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "github: GET %s", path)
	}
	defer resp.Body.Close() //nolint:errcheck

	c.observe(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return eris.Wrapf(err, "github: read %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &msg)
		if msg.Message == "" {
			msg.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, URL: path, Message: msg.Message}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "github: decode %s", path)
	}
	return nil
}

// wait blocks for the client-side limiter and for any server-announced reset.
func (c *httpClient) wait(ctx context.Context) error {
	c.mu.Lock()
	until := c.pausedUntil
	c.mu.Unlock()

	if d := time.Until(until); d > 0 {
		zap.L().Warn("github: rate limit exhausted, pausing", zap.Duration("wait", d))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "github: rate limiter wait")
	}
	return nil
}

// observe records the server's quota so the next request waits out a reset.
func (c *httpClient) observe(resp *http.Response) {
	remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err != nil || remaining > 0 {
		return
	}
	reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}
	until := time.Unix(reset, 0)
	if time.Until(until) > 15*time.Minute {
		until = time.Now().Add(15 * time.Minute)
	}
	c.mu.Lock()
	if until.After(c.pausedUntil) {
		c.pausedUntil = until
	}
	c.mu.Unlock()
}
