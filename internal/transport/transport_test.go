package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arnerak/360transitions/internal/config"
	"github.com/arnerak/360transitions/internal/coreerr"
	"github.com/arnerak/360transitions/internal/logger"
	"github.com/arnerak/360transitions/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	cfg.RequestTimeout = time.Second
	return cfg
}

func TestFetchReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	c := transport.New(srv.Client(), logger.Nop(), testConfig())
	result, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(result.Data))
	assert.False(t, result.CacheHit)
}

func TestFetchDetectsCacheHitHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Cache", "HIT from proxy")
		w.Write([]byte("cached"))
	}))
	defer srv.Close()

	c := transport.New(srv.Client(), logger.Nop(), testConfig())
	result, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
}

func TestFetchRetriesOnServerErrorThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := transport.New(srv.Client(), logger.Nop(), testConfig())
	result, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result.Data))
	assert.Equal(t, 2, attempts)
}

func TestFetchFailsAfterMaxRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := transport.New(srv.Client(), logger.Nop(), testConfig())
	_, err := c.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, coreerr.ErrFetchFailed)
}
