// Package query serves every read of stored data through batching caches,
// so request handlers and the refresh loop never issue one query per key.
package query

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/woozymasta/meridian/internal/batch"
	"github.com/woozymasta/meridian/internal/logger"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/storage"
)

const (
	// HistoryWindow bounds historical reads.
	HistoryWindow = 28 * 24 * time.Hour

	// RecentWindow selects servers that are still considered alive.
	RecentWindow = 3 * 24 * time.Hour

	// ActivePlayers is the player count from which a bucket counts as active.
	ActivePlayers = 10

	cacheTTL = time.Minute
)

// Locator resolves coordinates of hosts that have no cached location yet.
type Locator interface {
	Location(host string) (models.Location, bool)
}

// Loaders is the data-access object of the service.
type Loaders struct {
	repo  *storage.Repository
	geo   Locator
	clock quartz.Clock
	log   zerolog.Logger

	ServerID  *batch.Loader[string, int64]
	MapID     *batch.Loader[string, int64]
	Locations *batch.Loader[string, models.Location]

	servers        *batch.Loader[string, models.Server]
	mapHours       *batch.Loader[string, []models.MapHours]
	playerCounts   *batch.Loader[string, []models.PlayerCount]
	serverMapHours *batch.Loader[string, []models.DailyMapHours]
	firstRecorded  *batch.Loader[string, int64]
	mapServers     *batch.Loader[string, []models.MapServer]
}

// New builds the loaders. geo may be nil, then only stored locations are used.
func New(repo *storage.Repository, geo Locator, clock quartz.Clock) *Loaders {
	l := &Loaders{
		repo:  repo,
		geo:   geo,
		clock: clock,
		log:   logger.Component("query"),
	}

	l.ServerID = batch.New(repo.ServerIDs, batch.Options{Size: 1000, MaxBatch: 500})
	l.MapID = batch.New(repo.MapIDs, batch.Options{Size: 1000, MaxBatch: 500})
	l.Locations = batch.New(l.fetchLocations, batch.Options{Size: 1500, MaxBatch: 200})
	l.servers = batch.New(l.fetchServers, batch.Options{Size: 100, TTL: cacheTTL, MaxBatch: 500})
	l.mapHours = batch.New(l.fetchMapHours, batch.Options{Size: 100, TTL: cacheTTL})
	l.playerCounts = batch.New(l.fetchPlayerCounts, batch.Options{Size: 100, TTL: cacheTTL})
	l.serverMapHours = batch.New(l.fetchServerMapHours, batch.Options{Size: 100, TTL: cacheTTL})
	l.firstRecorded = batch.New(repo.FirstRecorded, batch.Options{Size: 1000})
	l.mapServers = batch.New(l.fetchMapServers, batch.Options{Size: 100, TTL: cacheTTL, MaxBatch: 500})

	return l
}

func (l *Loaders) since(window time.Duration) time.Time {
	return l.clock.Now().Add(-window)
}

// MapHours returns the hours per map of a server in the history window.
func (l *Loaders) MapHours(ctx context.Context, ip string) ([]models.MapHours, error) {
	return l.mapHours.Load(ctx, ip)
}

// PlayerCounts returns the player series of a server in the history window.
func (l *Loaders) PlayerCounts(ctx context.Context, ip string) ([]models.PlayerCount, error) {
	return l.playerCounts.Load(ctx, ip)
}

// ServerMapHours returns the daily map hours of a server in the history window.
func (l *Loaders) ServerMapHours(ctx context.Context, ip string) ([]models.DailyMapHours, error) {
	return l.serverMapHours.Load(ctx, ip)
}

// FirstRecorded returns the unix time of the first sample of a server.
func (l *Loaders) FirstRecorded(ctx context.Context, ip string) (int64, error) {
	return l.firstRecorded.Load(ctx, ip)
}

// MapServers returns recent servers that played a map.
func (l *Loaders) MapServers(ctx context.Context, name string) ([]models.MapServer, error) {
	return l.mapServers.Load(ctx, name)
}

// Servers returns stored servers by address with their location. Unknown
// addresses are reported in the error map and left out of the slice.
func (l *Loaders) Servers(ctx context.Context, ips []string) ([]models.Server, map[string]error) {
	return batch.Values(ips, l.servers.LoadMany(ctx, ips))
}

// Hydrate sets the location of every server that has one.
func (l *Loaders) Hydrate(ctx context.Context, servers []*models.Server) {
	hosts := make([]string, len(servers))
	for i, s := range servers {
		hosts[i] = s.Host()
	}

	found := l.Locations.LoadMany(ctx, hosts)
	for i, s := range servers {
		res := found[hosts[i]]
		if res.Err != nil {
			s.GeoIP = nil
			continue
		}
		s.GeoIP = &models.LongLat{res.Value.Long, res.Value.Lat}
	}
}

// Blacklist returns the category of every categorized server.
func (l *Loaders) Blacklist(ctx context.Context) (map[string]string, error) {
	return l.repo.Blacklist(ctx)
}

// KnownServers reloads recently seen servers with category, active hours
// and location; live counters are zero.
func (l *Loaders) KnownServers(ctx context.Context) ([]models.KnownServer, error) {
	known, err := l.repo.KnownServers(ctx, l.since(RecentWindow), l.since(HistoryWindow), ActivePlayers)
	if err != nil {
		return nil, err
	}

	servers := make([]*models.Server, len(known))
	for i := range known {
		servers[i] = &known[i].Server
	}
	l.Hydrate(ctx, servers)

	return known, nil
}

// AdminView returns recent uncategorized servers for review.
func (l *Loaders) AdminView(ctx context.Context) ([]models.AdminServer, error) {
	return l.repo.AdminView(ctx, l.since(RecentWindow))
}

// ListMaps streams every map played by recent servers in the history window.
func (l *Loaders) ListMaps(ctx context.Context, fn func(models.MapSummary) error) error {
	return l.repo.ListMaps(ctx, l.since(RecentWindow), l.since(HistoryWindow), fn)
}

// Categories returns categories of servers seen in the history window.
func (l *Loaders) Categories(ctx context.Context) ([]models.BlacklistEntry, error) {
	return l.repo.CategoriesSince(ctx, l.since(HistoryWindow))
}

// ServerIDOf resolves the stored id of a server address.
func (l *Loaders) ServerIDOf(ctx context.Context, ip string) (int64, error) {
	return l.ServerID.Load(ctx, ip)
}
