package fake

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woozymasta/meridian/internal/aggregate"
	"github.com/woozymasta/meridian/internal/batch"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/storage"
)

type recorder struct {
	elapsed []time.Duration
	at      []time.Time
}

func (r *recorder) Apply(_ context.Context, snapshots []*models.Server, elapsed time.Duration, at time.Time) (aggregate.Result, error) {
	r.elapsed = append(r.elapsed, elapsed)
	r.at = append(r.at, at)
	return aggregate.Result{Servers: len(snapshots)}, nil
}

var end = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func TestGenerateCycles(t *testing.T) {
	rec := &recorder{}
	stats, err := Generate(context.Background(), rec, Options{Servers: 4, Days: 1, End: end, Seed: 7})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Servers)
	assert.Equal(t, 49, stats.Cycles)
	require.Len(t, rec.at, 49)
	assert.Equal(t, end.Add(-24*time.Hour), rec.at[0])
	assert.Equal(t, end, rec.at[48])
	assert.Zero(t, rec.elapsed[0], "the first cycle carries no elapsed time")
	assert.Equal(t, 30*time.Minute, rec.elapsed[1])
}

func TestGenerateStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := Generate(ctx, &recorder{}, Options{Servers: 1, End: end})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Cycles)
}

func TestGenerateFillsStorage(t *testing.T) {
	repo, err := storage.New(filepath.Join(t.TempDir(), "fake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	engine := aggregate.New(repo,
		batch.New(repo.ServerIDs, batch.Options{Size: 100}),
		batch.New(repo.MapIDs, batch.Options{Size: 100}),
		nil,
	)

	ctx := context.Background()
	stats, err := Generate(ctx, engine, Options{Servers: 2, Days: 1, End: end, Seed: 11})
	require.NoError(t, err)
	assert.Zero(t, stats.Dropped)

	known, err := repo.KnownServers(ctx, end.Add(-time.Hour), end.Add(-48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, known, 2)
	ips := make([]string, 0, len(known))
	for _, k := range known {
		ips = append(ips, k.Server.Address)
	}

	daily, err := repo.ServerMapHours(ctx, ips, end.Add(-48*time.Hour))
	require.NoError(t, err)
	for _, ip := range ips {
		assert.NotEmpty(t, daily[ip], ip)
	}
}
