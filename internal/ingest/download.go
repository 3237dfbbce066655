package ingest

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ghpipe/internal/resilience"
)

// DownloadOptions configures the bulk export downloader.
type DownloadOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	// Limiter throttles request attempts, retries included.
	Limiter *rate.Limiter
}

// Downloader fetches bulk exports over HTTP. 429 and 5xx responses are
// retried; other 4xx responses are not. Bodies of ".gz" URLs or gzip
// encoded responses are decompressed.
type Downloader struct {
	client *http.Client
	opts   DownloadOptions
}

// NewDownloader returns a downloader. Zero options take defaults.
func NewDownloader(opts DownloadOptions) *Downloader {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ghpipe/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("ingest", "download export")
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(5, 5)
	}
	return &Downloader{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

// Open issues the request and returns the decoded body. The caller closes it.
func (d *Downloader) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := resilience.DoVal(ctx, d.opts.Retry, func(ctx context.Context) (*http.Response, error) {
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ingest: rate limiter wait")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, resilience.NewFatalError(eris.Wrap(err, "ingest: create request"))
		}
		req.Header.Set("User-Agent", d.opts.UserAgent)
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "ingest: get %s", rawURL), 0)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			return nil, resilience.NewTransientError(eris.Errorf("ingest: http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			_ = resp.Body.Close()
			return nil, eris.Errorf("ingest: http %d from %s", resp.StatusCode, rawURL)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Debug("ingest: downloading export",
		zap.String("url", rawURL),
		zap.Int64("content_length", resp.ContentLength),
	)
	gz := strings.HasSuffix(resp.Request.URL.Path, ".gz") || resp.Header.Get("Content-Encoding") == "gzip"
	if resp.Uncompressed || !gz {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, resilience.NewValidationError(rawURL, "invalid gzip body: %v", err)
	}
	return &gzipBody{Reader: zr, body: resp.Body}, nil
}

// ImportURL downloads rawURL and stages its payloads.
func (d *Downloader) ImportURL(ctx context.Context, st StagingStore, rawURL, eventType string) (int64, error) {
	body, err := d.Open(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck
	return Import(ctx, st, body, eventType)
}

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	zerr := g.Reader.Close()
	if err := g.body.Close(); err != nil {
		return err
	}
	return zerr
}
