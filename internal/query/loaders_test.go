package query

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woozymasta/meridian/internal/batch"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/storage"
)

type fakeLocator struct {
	mu    sync.Mutex
	known map[string]models.Location
	calls []string
}

func (f *fakeLocator) Location(host string) (models.Location, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, host)
	loc, ok := f.known[host]
	return loc, ok
}

type fixture struct {
	repo  *storage.Repository
	clock *quartz.Mock
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	clock := quartz.NewMock(t)
	clock.Set(now)

	return &fixture{repo: repo, clock: clock, now: now}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.repo.EnsureMaps(ctx, []string{"pl_upward", "cp_process_final"}))
	maps, err := f.repo.MapIDs(ctx, []string{"pl_upward", "cp_process_final"})
	require.NoError(t, err)

	require.NoError(t, f.repo.UpsertServers(ctx, []models.ServerRecord{
		{IP: "1.1.1.1:27015", Name: "one", MapID: maps["pl_upward"], MaxPlayers: 24, Region: models.RegionEurope, LastOnline: f.now},
		{IP: "2.2.2.2:27015", Name: "two", MapID: maps["cp_process_final"], MaxPlayers: 32, Region: models.RegionUSEast, LastOnline: f.now},
	}))
	ids, err := f.repo.ServerIDs(ctx, []string{"1.1.1.1:27015", "2.2.2.2:27015"})
	require.NoError(t, err)

	day := f.now.Format(time.DateOnly)
	require.NoError(t, f.repo.UpsertMapHours(ctx, []models.ServerMapHours{
		{Date: day, ServerID: ids["1.1.1.1:27015"], MapID: maps["pl_upward"], Hours: 5},
		{Date: day, ServerID: ids["1.1.1.1:27015"], MapID: maps["cp_process_final"], Hours: 2},
		{Date: day, ServerID: ids["2.2.2.2:27015"], MapID: maps["cp_process_final"], Hours: 1},
	}))
}

func TestLocationsAreLookedUpOnceAndStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	geo := &fakeLocator{known: map[string]models.Location{
		"1.1.1.1": {IP: "1.1.1.1", Long: 13.4, Lat: 52.5},
	}}

	l := New(f.repo, geo, f.clock)
	got := l.Locations.LoadMany(ctx, []string{"1.1.1.1", "2.2.2.2"})
	require.NoError(t, got["1.1.1.1"].Err)
	assert.Equal(t, 13.4, got["1.1.1.1"].Value.Long)
	assert.ErrorIs(t, got["2.2.2.2"].Err, batch.ErrNotFound)

	// A fresh loader finds the stored location without the database lookup.
	geo.calls = nil
	l = New(f.repo, geo, f.clock)
	loc, err := l.Locations.Load(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, 52.5, loc.Lat)
	assert.Empty(t, geo.calls)
}

func TestHistoryReadsResolveEmptyForUnknownServers(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	l := New(f.repo, nil, f.clock)

	hours, err := l.MapHours(ctx, "1.1.1.1:27015")
	require.NoError(t, err)
	assert.Equal(t, []models.MapHours{{Map: "pl_upward", Hours: 5}, {Map: "cp_process_final", Hours: 2}}, hours)

	hours, err = l.MapHours(ctx, "9.9.9.9:27015")
	require.NoError(t, err)
	assert.NotNil(t, hours)
	assert.Empty(t, hours)

	counts, err := l.PlayerCounts(ctx, "9.9.9.9:27015")
	require.NoError(t, err)
	assert.Empty(t, counts)

	daily, err := l.ServerMapHours(ctx, "2.2.2.2:27015")
	require.NoError(t, err)
	assert.Len(t, daily, 1)

	_, err = l.FirstRecorded(ctx, "1.1.1.1:27015")
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestHistoryWindowFollowsClock(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()

	f.clock.Set(f.now.Add(40 * 24 * time.Hour))
	l := New(f.repo, nil, f.clock)

	hours, err := l.MapHours(ctx, "1.1.1.1:27015")
	require.NoError(t, err)
	assert.Empty(t, hours)
}

func TestMapServers(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	l := New(f.repo, nil, f.clock)

	servers, err := l.MapServers(ctx, "cp_process_final")
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "1.1.1.1:27015", servers[0].IP)
	assert.Equal(t, "2.2.2.2:27015", servers[1].IP)

	_, err = l.MapServers(ctx, "ctf_missing")
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestServersIsolatesUnknownAddresses(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	geo := &fakeLocator{known: map[string]models.Location{"2.2.2.2": {IP: "2.2.2.2", Long: -77, Lat: 38.9}}}
	l := New(f.repo, geo, f.clock)

	servers, errs := l.Servers(ctx, []string{"2.2.2.2:27015", "9.9.9.9:27015", "1.1.1.1:27015"})
	require.Len(t, servers, 2)
	assert.Equal(t, "2.2.2.2:27015", servers[0].Address)
	assert.Equal(t, "cp_process_final", servers[0].Map)
	assert.Equal(t, &models.LongLat{-77, 38.9}, servers[0].GeoIP)
	assert.Nil(t, servers[1].GeoIP)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs["9.9.9.9:27015"], batch.ErrNotFound)
}

func TestKnownServersAreHydrated(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	ctx := context.Background()
	geo := &fakeLocator{known: map[string]models.Location{"1.1.1.1": {IP: "1.1.1.1", Long: 1, Lat: 2}}}
	l := New(f.repo, geo, f.clock)

	known, err := l.KnownServers(ctx)
	require.NoError(t, err)
	require.Len(t, known, 2)
	assert.Equal(t, &models.LongLat{1, 2}, known[0].Server.GeoIP)
	assert.Nil(t, known[1].Server.GeoIP)
	assert.Zero(t, known[0].Server.Players)

	var maps []string
	require.NoError(t, l.ListMaps(ctx, func(m models.MapSummary) error {
		maps = append(maps, m.Map)
		return nil
	}))
	assert.Equal(t, []string{"cp_process_final", "pl_upward"}, maps)
}
