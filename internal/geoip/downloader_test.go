package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDBDownloadsMissingFile(t *testing.T) {
	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		_, _ = w.Write([]byte("mmdb"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "city.mmdb")
	updated, err := EnsureDB(context.Background(), path, srv.URL, time.Hour)
	require.NoError(t, err)
	assert.True(t, updated)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mmdb", string(data))
	assert.True(t, strings.HasPrefix(agent.Load().(string), "Meridian/"))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureDBKeepsFreshFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "city.mmdb")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	updated, err := EnsureDB(context.Background(), path, srv.URL, time.Hour)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Zero(t, hits.Load())
}

func TestEnsureDBDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "city.mmdb")
	_, err := EnsureDB(context.Background(), path, srv.URL, time.Hour)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNilProviderHasNoLocations(t *testing.T) {
	var p *Provider
	_, ok := p.Location("1.1.1.1")
	assert.False(t, ok)
}
