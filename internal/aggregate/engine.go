// Package aggregate turns probe results into stored usage series.
//
// Every probe cycle adds the elapsed time of the cycle to two series: a
// 30 minute bucket per server and map (peak players, player hours) and a
// calendar day per server and map (hours). Both merge additively, so
// applying two cycles equals applying one cycle of their summed duration.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/woozymasta/meridian/internal/batch"
	"github.com/woozymasta/meridian/internal/logger"
	"github.com/woozymasta/meridian/internal/metrics"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/storage"
)

// BucketSeconds is the width of a player count bucket.
const BucketSeconds = 30 * 60

// ErrBucketAlignment reports a sample timestamp that is not a bucket start.
var ErrBucketAlignment = errors.New("timestamp is not aligned to a 30 minute bucket")

// Store receives the aggregated rows.
type Store interface {
	EnsureMaps(ctx context.Context, maps []string) error
	UpsertServers(ctx context.Context, servers []models.ServerRecord) error
	UpsertPlayerCounts(ctx context.Context, samples []models.PlayerCountSample) error
	UpsertMapHours(ctx context.Context, rows []models.ServerMapHours) error
	UpdateLastOnline(ctx context.Context, ips []string, at time.Time) error
}

// IDs resolves names to stored ids in batches.
type IDs interface {
	LoadMany(ctx context.Context, keys []string) map[string]batch.Result[int64]
}

// Result summarizes one Apply call.
type Result struct {
	Servers  int
	Samples  int
	MapHours int
	// Dropped counts servers whose ids could not be resolved.
	Dropped int
	// FailedChunks counts rolled back chunks over all tables.
	FailedChunks int
}

// Engine writes probe results to a Store.
type Engine struct {
	store   Store
	servers IDs
	maps    IDs
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates an Engine. m may be nil.
func New(store Store, servers, maps IDs, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   store,
		servers: servers,
		maps:    maps,
		metrics: m,
		log:     logger.Component("aggregate"),
	}
}

// Bucket returns the start of the 30 minute bucket containing at, in unix seconds.
func Bucket(at time.Time) int64 {
	ts := at.Unix()
	return ts - mod(ts, BucketSeconds)
}

// Align floors ts to its bucket start. A misaligned ts is still floored and
// reported with ErrBucketAlignment.
func Align(ts int64) (int64, error) {
	if r := mod(ts, BucketSeconds); r != 0 {
		return ts - r, fmt.Errorf("%w: %d is %ds past %d", ErrBucketAlignment, ts, r, ts-r)
	}

	return ts, nil
}

// DayOf returns the UTC calendar day of at.
func DayOf(at time.Time) string {
	return at.UTC().Format(time.DateOnly)
}

func mod(a, b int64) int64 {
	r := a % b
	if r < 0 {
		r += b
	}

	return r
}

// Apply stores one probe cycle observed at at, elapsed after the previous
// one. With a zero elapsed (the first cycle after start) samples carry the
// player count only and no day hours are written.
//
// Failed chunks and unresolved ids drop rows and are logged. Other storage
// errors abort the cycle and are returned.
func (e *Engine) Apply(ctx context.Context, snapshots []*models.Server, elapsed time.Duration, at time.Time) (Result, error) {
	res := Result{Servers: len(snapshots)}
	if len(snapshots) == 0 {
		return res, nil
	}

	names := make([]string, 0, len(snapshots))
	addresses := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		names = append(names, s.Map)
		addresses = append(addresses, s.Address)
	}

	// Probed servers are stamped before and regardless of the series writes.
	if err := e.check(&res, "servers", e.store.UpdateLastOnline(ctx, addresses, at)); err != nil {
		return res, err
	}

	if err := e.check(&res, "maps", e.store.EnsureMaps(ctx, names)); err != nil {
		return res, err
	}
	mapIDs := e.maps.LoadMany(ctx, names)

	records := make([]models.ServerRecord, 0, len(snapshots))
	for _, s := range snapshots {
		rec := models.ServerRecord{
			IP:         s.Address,
			Name:       s.Name,
			Keyword:    s.Keywords,
			MaxPlayers: s.MaxPlayers,
			Visibility: s.Visibility,
			Region:     s.Region,
			LastOnline: at,
		}
		if id := mapIDs[s.Map]; id.Err == nil {
			rec.MapID = id.Value
		}
		records = append(records, rec)
	}
	if err := e.check(&res, "servers", e.store.UpsertServers(ctx, records)); err != nil {
		return res, err
	}

	serverIDs := e.servers.LoadMany(ctx, addresses)

	bucket, err := Align(Bucket(at))
	if err != nil {
		e.log.Warn().Err(err).Msg("Misaligned bucket")
	}
	hours := elapsed.Hours()
	date := DayOf(at)

	samples := make([]models.PlayerCountSample, 0, len(snapshots))
	var dayRows []models.ServerMapHours
	for _, s := range snapshots {
		serverID, mapID := serverIDs[s.Address], mapIDs[s.Map]
		if err := errors.Join(serverID.Err, mapID.Err); err != nil {
			res.Dropped++
			e.log.Error().Err(err).Str("address", s.Address).Str("map", s.Map).Msg("Unresolved ids, row dropped")
			continue
		}

		humans := s.Humans()
		samples = append(samples, models.PlayerCountSample{
			ServerID:    serverID.Value,
			MapID:       mapID.Value,
			Timestamp:   bucket,
			PlayerCount: humans,
			PlayerHours: hours * float64(humans),
			RawHours:    hours,
		})

		if elapsed > 0 {
			dayRows = append(dayRows, models.ServerMapHours{
				Date:     date,
				ServerID: serverID.Value,
				MapID:    mapID.Value,
				Hours:    hours * float64(humans),
				RawHours: hours,
			})
		}
	}

	if err := e.check(&res, "server_players", e.store.UpsertPlayerCounts(ctx, samples)); err != nil {
		return res, err
	}
	res.Samples = len(samples)

	if err := e.check(&res, "server_map_hours", e.store.UpsertMapHours(ctx, dayRows)); err != nil {
		return res, err
	}
	res.MapHours = len(dayRows)

	e.log.Debug().
		Int("servers", res.Servers).
		Int("samples", res.Samples).
		Int("map_hours", res.MapHours).
		Int("dropped", res.Dropped).
		Int("failed_chunks", res.FailedChunks).
		Dur("elapsed", elapsed).
		Msg("Cycle aggregated")

	return res, nil
}

// WriteSamples stores prepared samples, flooring misaligned timestamps.
// The returned slice holds one ErrBucketAlignment per floored sample.
func (e *Engine) WriteSamples(ctx context.Context, samples []models.PlayerCountSample) ([]error, error) {
	var warnings []error
	for i := range samples {
		ts, err := Align(samples[i].Timestamp)
		if err != nil {
			warnings = append(warnings, err)
			e.log.Warn().Err(err).Int64("server_id", samples[i].ServerID).Msg("Sample floored to bucket")
		}
		samples[i].Timestamp = ts
	}

	var res Result
	return warnings, e.check(&res, "server_players", e.store.UpsertPlayerCounts(ctx, samples))
}

// check counts chunk failures of a write and returns the errors that must
// abort the cycle: cancellation and failures outside any chunk.
func (e *Engine) check(res *Result, table string, err error) error {
	if err == nil {
		return nil
	}

	chunks := storage.ChunkErrors(err)
	for _, c := range chunks {
		e.metrics.ChunkFailed(c.Table)
	}
	res.FailedChunks += len(chunks)

	if len(chunks) == 0 || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("write %s: %w", table, err)
	}

	e.log.Warn().Err(err).Str("table", table).Int("chunks", len(chunks)).Msg("Partial write")

	return nil
}
