package query

import (
	"context"

	"github.com/woozymasta/meridian/internal/models"
)

// fetchLocations reads cached locations and resolves the rest with the
// GeoIP database, storing what it finds. Hosts without coordinates are left
// out and resolve to a not-found error.
func (l *Loaders) fetchLocations(ctx context.Context, hosts []string) (map[string]models.Location, error) {
	found, err := l.repo.Locations(ctx, hosts)
	if err != nil {
		return nil, err
	}
	if l.geo == nil {
		return found, nil
	}

	var fresh []models.Location
	for _, host := range hosts {
		if _, ok := found[host]; ok {
			continue
		}
		if loc, ok := l.geo.Location(host); ok {
			found[host] = loc
			fresh = append(fresh, loc)
		}
	}

	if len(fresh) > 0 {
		// The lookups are still valid when caching them fails.
		if err := l.repo.InsertLocations(ctx, fresh); err != nil {
			l.log.Warn().Err(err).Int("locations", len(fresh)).Msg("Store locations failed")
		}
	}

	return found, nil
}

func (l *Loaders) fetchServers(ctx context.Context, ips []string) (map[string]models.Server, error) {
	records, err := l.repo.ServersByIP(ctx, ips)
	if err != nil {
		return nil, err
	}

	hosts := make([]string, 0, len(records))
	for _, rec := range records {
		hosts = append(hosts, models.HostOf(rec.IP))
	}
	locations := l.Locations.LoadMany(ctx, hosts)

	out := make(map[string]models.Server, len(records))
	for ip, rec := range records {
		s := models.Server{
			Address:    rec.IP,
			Name:       rec.Name,
			Map:        rec.Map,
			Keywords:   rec.Keyword,
			MaxPlayers: rec.MaxPlayers,
			Visibility: rec.Visibility,
			Region:     rec.Region,
		}
		if loc := locations[models.HostOf(rec.IP)]; loc.Err == nil {
			s.GeoIP = &models.LongLat{loc.Value.Long, loc.Value.Lat}
		}
		out[ip] = s
	}

	return out, nil
}

// fillEmpty gives every key a non-nil slice so servers without history
// resolve to an empty series instead of a not-found error.
func fillEmpty[V any](keys []string, m map[string][]V) map[string][]V {
	for _, k := range keys {
		if m[k] == nil {
			m[k] = []V{}
		}
	}

	return m
}

func (l *Loaders) fetchMapHours(ctx context.Context, ips []string) (map[string][]models.MapHours, error) {
	m, err := l.repo.MapHours(ctx, ips, l.since(HistoryWindow))
	if err != nil {
		return nil, err
	}

	return fillEmpty(ips, m), nil
}

func (l *Loaders) fetchPlayerCounts(ctx context.Context, ips []string) (map[string][]models.PlayerCount, error) {
	m, err := l.repo.PlayerCounts(ctx, ips, l.since(HistoryWindow))
	if err != nil {
		return nil, err
	}

	return fillEmpty(ips, m), nil
}

func (l *Loaders) fetchServerMapHours(ctx context.Context, ips []string) (map[string][]models.DailyMapHours, error) {
	m, err := l.repo.ServerMapHours(ctx, ips, l.since(HistoryWindow))
	if err != nil {
		return nil, err
	}

	return fillEmpty(ips, m), nil
}

// fetchMapServers resolves map names first; unknown maps resolve to a
// not-found error, known maps without recent servers to an empty list.
func (l *Loaders) fetchMapServers(ctx context.Context, names []string) (map[string][]models.MapServer, error) {
	ids := l.MapID.LoadMany(ctx, names)

	byID := make(map[int64]string, len(ids))
	mapIDs := make([]int64, 0, len(ids))
	for _, name := range names {
		res := ids[name]
		if res.Err != nil {
			continue
		}
		byID[res.Value] = name
		mapIDs = append(mapIDs, res.Value)
	}
	if len(mapIDs) == 0 {
		return map[string][]models.MapServer{}, nil
	}

	servers, err := l.repo.MapServers(ctx, mapIDs, l.since(RecentWindow), l.since(HistoryWindow))
	if err != nil {
		return nil, err
	}

	out := make(map[string][]models.MapServer, len(byID))
	for id, name := range byID {
		list := servers[id]
		if list == nil {
			list = []models.MapServer{}
		}
		out[name] = list
	}

	return out, nil
}
