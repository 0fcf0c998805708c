package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/woozymasta/meridian/internal/models"
)

// ServerIDs maps stored addresses to server ids.
func (r *Repository) ServerIDs(ctx context.Context, ips []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ips))
	err := queryIn(ctx, r, "SELECT ip, id FROM servers WHERE ip IN (%s)", ips, nil, func(rows *sql.Rows) error {
		var (
			ip string
			id int64
		)
		if err := rows.Scan(&ip, &id); err != nil {
			return err
		}
		out[ip] = id
		return nil
	})

	return out, err
}

// MapIDs maps stored map names to map ids.
func (r *Repository) MapIDs(ctx context.Context, maps []string) (map[string]int64, error) {
	out := make(map[string]int64, len(maps))
	err := queryIn(ctx, r, "SELECT map, id FROM maps WHERE map IN (%s)", maps, nil, func(rows *sql.Rows) error {
		var (
			name string
			id   int64
		)
		if err := rows.Scan(&name, &id); err != nil {
			return err
		}
		out[name] = id
		return nil
	})

	return out, err
}

// Locations returns cached geolocations of hosts.
func (r *Repository) Locations(ctx context.Context, hosts []string) (map[string]models.Location, error) {
	out := make(map[string]models.Location, len(hosts))
	err := queryIn(ctx, r, "SELECT ip, long, lat FROM server_locations WHERE ip IN (%s)", hosts, nil, func(rows *sql.Rows) error {
		var l models.Location
		if err := rows.Scan(&l.IP, &l.Long, &l.Lat); err != nil {
			return err
		}
		out[l.IP] = l
		return nil
	})

	return out, err
}

const serverRecordColumns = `s.id, s.ip, s.name, s.keyword, COALESCE(m.map, ''), COALESCE(s.map_id, 0),
	s.visibility, s.maxPlayers, s.region, s.last_online`

func scanServerRecord(rows *sql.Rows, rec *models.ServerRecord, extra ...any) error {
	var (
		region     int
		lastOnline int64
	)
	dest := []any{
		&rec.ID, &rec.IP, &rec.Name, &rec.Keyword, &rec.Map, &rec.MapID,
		&rec.Visibility, &rec.MaxPlayers, &region, &lastOnline,
	}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	rec.Region = models.Region(region)
	rec.LastOnline = time.Unix(lastOnline, 0).UTC()

	return nil
}

// ServersByIP returns stored records of addresses, with their current map.
func (r *Repository) ServersByIP(ctx context.Context, ips []string) (map[string]models.ServerRecord, error) {
	query := "SELECT " + serverRecordColumns + `
		FROM servers s
		LEFT JOIN maps m ON m.id = s.map_id
		WHERE s.ip IN (%s)`

	out := make(map[string]models.ServerRecord, len(ips))
	err := queryIn(ctx, r, query, ips, nil, func(rows *sql.Rows) error {
		var rec models.ServerRecord
		if err := scanServerRecord(rows, &rec); err != nil {
			return err
		}
		out[rec.IP] = rec
		return nil
	})

	return out, err
}

// MapHours returns hours per map of each address since the given time,
// most played first. Servers not seen since then have no rows.
func (r *Repository) MapHours(ctx context.Context, ips []string, since time.Time) (map[string][]models.MapHours, error) {
	const query = `
		SELECT s.ip, m.map, ROUND(SUM(smh.hours), 1) AS total_hours
		FROM servers s
		INNER JOIN server_map_hours smh ON s.id = smh.server_id
		INNER JOIN maps m ON m.id = smh.map_id
		WHERE s.ip IN (%s)
		AND s.last_online >= ?
		AND smh.date >= ?
		GROUP BY s.ip, smh.map_id
		ORDER BY s.ip, total_hours DESC, m.map`

	out := make(map[string][]models.MapHours, len(ips))
	err := queryIn(ctx, r, query, ips, []any{dayStart(since), day(since)}, func(rows *sql.Rows) error {
		var (
			ip string
			mh models.MapHours
		)
		if err := rows.Scan(&ip, &mh.Map, &mh.Hours); err != nil {
			return err
		}
		out[ip] = append(out[ip], mh)
		return nil
	})

	return out, err
}

// PlayerCounts returns the peak player count of every 30 minute bucket of
// each address since the given time, oldest first.
func (r *Repository) PlayerCounts(ctx context.Context, ips []string, since time.Time) (map[string][]models.PlayerCount, error) {
	const query = `
		SELECT s.ip, MAX(sp.player_count) AS player_count, sp.timestamp
		FROM server_players sp
		INNER JOIN servers s ON s.id = sp.server_id
		WHERE s.ip IN (%s)
		AND s.last_online >= ?
		AND sp.timestamp >= ?
		GROUP BY sp.server_id, sp.timestamp
		ORDER BY s.ip, sp.timestamp`

	start := dayStart(since)
	out := make(map[string][]models.PlayerCount, len(ips))
	err := queryIn(ctx, r, query, ips, []any{start, start}, func(rows *sql.Rows) error {
		var (
			ip string
			pc models.PlayerCount
		)
		if err := rows.Scan(&ip, &pc.PlayerCount, &pc.Timestamp); err != nil {
			return err
		}
		out[ip] = append(out[ip], pc)
		return nil
	})

	return out, err
}

// ServerMapHours returns the daily map hours of each address since the given
// time, oldest first.
func (r *Repository) ServerMapHours(ctx context.Context, ips []string, since time.Time) (map[string][]models.DailyMapHours, error) {
	const query = `
		SELECT s.ip, m.map, smh.hours, smh.date
		FROM servers s
		INNER JOIN server_map_hours smh ON smh.server_id = s.id
		INNER JOIN maps m ON m.id = smh.map_id
		WHERE s.ip IN (%s)
		AND s.last_online >= ?
		AND smh.date >= ?
		ORDER BY s.ip, smh.date, m.map`

	out := make(map[string][]models.DailyMapHours, len(ips))
	err := queryIn(ctx, r, query, ips, []any{dayStart(since), day(since)}, func(rows *sql.Rows) error {
		var (
			ip string
			dh models.DailyMapHours
		)
		if err := rows.Scan(&ip, &dh.Map, &dh.Hours, &dh.Date); err != nil {
			return err
		}
		out[ip] = append(out[ip], dh)
		return nil
	})

	return out, err
}

// FirstRecorded returns the oldest sample timestamp of each address.
func (r *Repository) FirstRecorded(ctx context.Context, ips []string) (map[string]int64, error) {
	const query = `
		SELECT s.ip, MIN(sp.timestamp)
		FROM server_players sp
		INNER JOIN servers s ON s.id = sp.server_id
		WHERE s.ip IN (%s)
		GROUP BY sp.server_id`

	out := make(map[string]int64, len(ips))
	err := queryIn(ctx, r, query, ips, nil, func(rows *sql.Rows) error {
		var (
			ip string
			ts int64
		)
		if err := rows.Scan(&ip, &ts); err != nil {
			return err
		}
		out[ip] = ts
		return nil
	})

	return out, err
}

// MapServers returns, per map id, the servers seen since seen that played
// the map since since.
func (r *Repository) MapServers(ctx context.Context, mapIDs []int64, seen, since time.Time) (map[int64][]models.MapServer, error) {
	const query = `
		SELECT smh.map_id, s.ip, s.name, s.visibility, ROUND(SUM(smh.hours), 1), MAX(smh.date)
		FROM server_map_hours smh
		INNER JOIN servers s ON s.id = smh.server_id
		WHERE smh.map_id IN (%s)
		AND s.last_online >= ?
		AND smh.date >= ?
		GROUP BY smh.map_id, smh.server_id
		ORDER BY s.ip`

	out := make(map[int64][]models.MapServer, len(mapIDs))
	err := queryIn(ctx, r, query, mapIDs, []any{dayStart(seen), day(since)}, func(rows *sql.Rows) error {
		var (
			mapID int64
			ms    models.MapServer
		)
		if err := rows.Scan(&mapID, &ms.IP, &ms.Name, &ms.Visibility, &ms.Hours, &ms.LastPlayed); err != nil {
			return err
		}
		out[mapID] = append(out[mapID], ms)
		return nil
	})

	return out, err
}

// Blacklist returns the category of every categorized server.
func (r *Repository) Blacklist(ctx context.Context) (map[string]string, error) {
	const query = `
		SELECT s.ip, b.reason
		FROM servers s
		INNER JOIN blacklist b ON b.server_id = s.id
		ORDER BY b.reason`

	out := make(map[string]string)
	err := r.scanRows(ctx, query, nil, func(rows *sql.Rows) error {
		var e models.BlacklistEntry
		if err := rows.Scan(&e.IP, &e.Reason); err != nil {
			return err
		}
		if _, ok := out[e.IP]; !ok {
			out[e.IP] = e.Reason
		}
		return nil
	})

	return out, err
}

// CategoriesSince returns categories of servers seen since the given time,
// ordered by address.
func (r *Repository) CategoriesSince(ctx context.Context, seen time.Time) ([]models.BlacklistEntry, error) {
	const query = `
		SELECT s.ip, b.reason
		FROM servers s
		INNER JOIN blacklist b ON b.server_id = s.id
		WHERE s.last_online >= ?
		ORDER BY s.ip`

	var out []models.BlacklistEntry
	err := r.scanRows(ctx, query, []any{dayStart(seen)}, func(rows *sql.Rows) error {
		var e models.BlacklistEntry
		if err := rows.Scan(&e.IP, &e.Reason); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})

	return out, err
}

// ListMaps streams the map listing: hours since since and the number of
// distinct servers seen since seen, ordered by map name.
func (r *Repository) ListMaps(ctx context.Context, seen, since time.Time, fn func(models.MapSummary) error) error {
	const query = `
		SELECT m.map, ROUND(SUM(smh.hours), 1) AS hours, COUNT(DISTINCT smh.server_id) AS servers
		FROM server_map_hours smh
		INNER JOIN maps m ON m.id = smh.map_id
		INNER JOIN servers s ON s.id = smh.server_id
		WHERE s.last_online >= ?
		AND smh.date >= ?
		GROUP BY smh.map_id
		ORDER BY m.map ASC`

	return r.scanRows(ctx, query, []any{dayStart(seen), day(since)}, func(rows *sql.Rows) error {
		var ms models.MapSummary
		if err := rows.Scan(&ms.Map, &ms.Hours, &ms.Servers); err != nil {
			return err
		}
		return fn(ms)
	})
}

// AdminView returns uncategorized servers seen since the given time with
// the map of their latest day bucket and their total hours.
func (r *Repository) AdminView(ctx context.Context, seen time.Time) ([]models.AdminServer, error) {
	query := `
		SELECT s.id, s.ip, s.name, s.keyword, COALESCE(m.map, ''), COALESCE(smh.map_id, 0),
			s.visibility, s.maxPlayers, s.region, s.last_online, latest.hours
		FROM servers s
		LEFT JOIN blacklist b ON b.server_id = s.id
		INNER JOIN (
			SELECT server_id, MAX(id) AS max_id, ROUND(SUM(hours), 1) AS hours
			FROM server_map_hours
			GROUP BY server_id
		) latest ON latest.server_id = s.id
		INNER JOIN server_map_hours smh ON smh.id = latest.max_id
		LEFT JOIN maps m ON m.id = smh.map_id
		WHERE b.server_id IS NULL
		AND s.last_online >= ?
		ORDER BY s.ip`

	var out []models.AdminServer
	err := r.scanRows(ctx, query, []any{dayStart(seen)}, func(rows *sql.Rows) error {
		var a models.AdminServer
		if err := scanServerRecord(rows, &a.ServerRecord, &a.Hours); err != nil {
			return err
		}
		out = append(out, a)
		return nil
	})

	return out, err
}

// KnownServers reloads servers seen since seen with their category and
// active hours: half an hour per bucket since activeSince with at least
// activePlayers players.
func (r *Repository) KnownServers(ctx context.Context, seen, activeSince time.Time, activePlayers int) ([]models.KnownServer, error) {
	const query = `
		SELECT s.ip, s.name, s.keyword, s.region, s.visibility, s.maxPlayers,
			COALESCE(m.map, ''), COALESCE(b.reason, ''), COALESCE(sa.active_hours, 0)
		FROM servers s
		LEFT JOIN maps m ON m.id = s.map_id
		LEFT JOIN blacklist b ON b.server_id = s.id
		LEFT JOIN (
			SELECT server_id, COUNT(DISTINCT timestamp) * 0.5 AS active_hours
			FROM server_players
			WHERE player_count >= ?
			AND timestamp >= ?
			GROUP BY server_id
		) sa ON sa.server_id = s.id
		WHERE s.last_online >= ?
		ORDER BY s.id`

	var out []models.KnownServer
	args := []any{activePlayers, dayStart(activeSince), dayStart(seen)}
	err := r.scanRows(ctx, query, args, func(rows *sql.Rows) error {
		var (
			k      models.KnownServer
			region int
		)
		if err := rows.Scan(
			&k.Server.Address, &k.Server.Name, &k.Server.Keywords, &region, &k.Server.Visibility,
			&k.Server.MaxPlayers, &k.Server.Map, &k.Reason, &k.Server.ActiveHours,
		); err != nil {
			return err
		}
		k.Server.Region = models.Region(region)
		out = append(out, k)
		return nil
	})

	return out, err
}
