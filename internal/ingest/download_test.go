package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/ghpipe/internal/resilience"
)

const ndjson = "{\"id\":1}\n{\"id\":2}\n\n{\"id\":3}\n"

func fastDownloader() *Downloader {
	return NewDownloader(DownloadOptions{
		Timeout: 5 * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
		Limiter: rate.NewLimiter(rate.Inf, 1),
	})
}

func TestDownloader_ImportURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ghpipe/1.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(ndjson))
	}))
	defer srv.Close()

	st := newFakeStaging()
	n, err := fastDownloader().ImportURL(context.Background(), st, srv.URL+"/export.ndjson", "push")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 3, st.count())
}

func TestDownloader_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(ndjson))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	st := newFakeStaging()
	n, err := fastDownloader().ImportURL(context.Background(), st, srv.URL+"/2026-03-01-0.json.gz", "push")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDownloader_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	st := newFakeStaging()
	n, err := fastDownloader().ImportURL(context.Background(), st, srv.URL, "push")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownloader_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fastDownloader().Open(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloader_InvalidGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not gzip"))
	}))
	defer srv.Close()

	_, err := fastDownloader().Open(context.Background(), srv.URL+"/dump.json.gz")
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
}
