package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/woozymasta/meridian/internal/models"
)

var (
	mapsBulk = bulk{
		table:    "maps",
		insert:   "INSERT OR IGNORE INTO maps (map) VALUES",
		row:      "(?)",
		columns:  1,
		sequence: true,
	}

	serversBulk = bulk{
		table:  "servers",
		insert: "INSERT INTO servers (ip, name, keyword, region, map_id, visibility, maxPlayers, last_online) VALUES",
		row:    "(?, ?, ?, ?, ?, ?, ?, ?)",
		tail: `ON CONFLICT(ip) DO UPDATE SET
			name = excluded.name,
			keyword = excluded.keyword,
			region = excluded.region,
			map_id = excluded.map_id,
			visibility = excluded.visibility,
			maxPlayers = excluded.maxPlayers`,
		columns:  8,
		sequence: true,
	}

	playersBulk = bulk{
		table:  "server_players",
		insert: "INSERT INTO server_players (server_id, map_id, timestamp, player_count, player_hours, raw_hours) VALUES",
		row:    "(?, ?, ?, ?, ?, ?)",
		tail: `ON CONFLICT(server_id, timestamp, map_id) DO UPDATE SET
			player_count = MAX(server_players.player_count, excluded.player_count),
			player_hours = server_players.player_hours + excluded.player_hours,
			raw_hours = server_players.raw_hours + excluded.raw_hours`,
		columns:  6,
		sequence: true,
	}

	mapHoursBulk = bulk{
		table:  "server_map_hours",
		insert: "INSERT INTO server_map_hours (server_id, map_id, date, hours, raw_hours) VALUES",
		row:    "(?, ?, ?, ?, ?)",
		tail: `ON CONFLICT(map_id, server_id, date) DO UPDATE SET
			hours = server_map_hours.hours + excluded.hours,
			raw_hours = server_map_hours.raw_hours + excluded.raw_hours`,
		columns:  5,
		sequence: true,
	}

	locationsBulk = bulk{
		table:   "server_locations",
		insert:  "INSERT OR IGNORE INTO server_locations (ip, long, lat) VALUES",
		row:     "(?, ?, ?)",
		columns: 3,
	}
)

// EnsureMaps inserts every map name that is not stored yet.
func (r *Repository) EnsureMaps(ctx context.Context, maps []string) error {
	return writeRows(ctx, r, mapsBulk, uniqueStrings(maps), func(m string) []any {
		return []any{m}
	})
}

// UpsertServers inserts servers or overwrites the stored identity fields of
// known ones. The id and last_online of existing rows are kept.
func (r *Repository) UpsertServers(ctx context.Context, servers []models.ServerRecord) error {
	return writeRows(ctx, r, serversBulk, servers, func(s models.ServerRecord) []any {
		var mapID any
		if s.MapID > 0 {
			mapID = s.MapID
		}
		return []any{s.IP, s.Name, s.Keyword, int(s.Region), mapID, s.Visibility, s.MaxPlayers, s.LastOnline.Unix()}
	})
}

// UpsertPlayerCounts merges samples: the peak player count is kept and hours
// are added to the stored bucket.
func (r *Repository) UpsertPlayerCounts(ctx context.Context, samples []models.PlayerCountSample) error {
	return writeRows(ctx, r, playersBulk, samples, func(s models.PlayerCountSample) []any {
		return []any{s.ServerID, s.MapID, s.Timestamp, s.PlayerCount, s.PlayerHours, s.RawHours}
	})
}

// UpsertMapHours adds hours to the day buckets of server and map pairs.
func (r *Repository) UpsertMapHours(ctx context.Context, rows []models.ServerMapHours) error {
	return writeRows(ctx, r, mapHoursBulk, rows, func(h models.ServerMapHours) []any {
		return []any{h.ServerID, h.MapID, h.Date, h.Hours, h.RawHours}
	})
}

// InsertLocations stores geolocations of hosts that have none yet.
func (r *Repository) InsertLocations(ctx context.Context, locations []models.Location) error {
	return writeRows(ctx, r, locationsBulk, locations, func(l models.Location) []any {
		return []any{l.IP, l.Long, l.Lat}
	})
}

// UpdateLastOnline stamps at as the last sighting of every known address.
// Unknown addresses are ignored.
func (r *Repository) UpdateLastOnline(ctx context.Context, ips []string, at time.Time) error {
	var errs []error
	index := 0
	for chunk := range slices.Chunk(uniqueStrings(ips), max(1, r.maxParams-1)) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		args := make([]any, 0, len(chunk)+1)
		args = append(args, at.Unix())
		for _, ip := range chunk {
			args = append(args, ip)
		}

		query := fmt.Sprintf("UPDATE servers SET last_online = ? WHERE ip IN (%s)", placeholders(len(chunk)))
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			errs = append(errs, &ChunkError{Table: "servers", Index: index, Err: err})
		}
		index++
	}

	return errors.Join(errs...)
}

// UpsertBlacklist assigns reason to a server, replacing any previous one.
func (r *Repository) UpsertBlacklist(ctx context.Context, serverID int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blacklist (server_id, reason) VALUES (?, ?)
		ON CONFLICT(server_id) DO UPDATE SET reason = excluded.reason`,
		serverID, reason,
	)

	return err
}

// DeleteHosts removes every stored row of servers running on the given
// hosts, whatever their port, and returns the number of deleted servers.
func (r *Repository) DeleteHosts(ctx context.Context, hosts []string) (int64, error) {
	var deleted int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		for _, host := range uniqueStrings(hosts) {
			const ids = "SELECT id FROM servers WHERE ip LIKE ? || ':%'"
			for _, table := range []string{"server_map_hours", "server_players", "blacklist"} {
				if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE server_id IN ("+ids+")", host); err != nil {
					return fmt.Errorf("delete %s of %s: %w", table, host, err)
				}
			}

			res, err := tx.ExecContext(ctx, "DELETE FROM servers WHERE id IN ("+ids+")", host)
			if err != nil {
				return fmt.Errorf("delete servers of %s: %w", host, err)
			}
			n, _ := res.RowsAffected()
			deleted += n

			if _, err := tx.ExecContext(ctx, "DELETE FROM server_locations WHERE ip = ?", host); err != nil {
				return fmt.Errorf("delete location of %s: %w", host, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}
