package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/woozymasta/meridian/internal/batch"
	"github.com/woozymasta/meridian/internal/classify"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/snapshot"
	"github.com/woozymasta/meridian/internal/vars"
)

// maxDetailMaps bounds the map list of the server details.
const maxDetailMaps = 100

// handleServerList returns one category of the published list.
// Query params: ?category=vanilla&hasUsersPlaying=1&region=3&region=0
func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	category := q.Get("category")
	if category == "" {
		category = classify.Vanilla
	}

	filter := snapshot.Filter{HasPlayers: true}
	if raw := q.Get("hasUsersPlaying"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid hasUsersPlaying", http.StatusBadRequest)
			return
		}
		filter.HasPlayers = n != 0
	}

	for _, raw := range q["region"] {
		n, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			http.Error(w, "Invalid region", http.StatusBadRequest)
			return
		}
		filter.Regions = append(filter.Regions, models.Region(n))
	}

	writeJSON(w, http.StatusOK, s.viewFrom(r.Context()).Category(category, filter))
}

// handleServers returns stored servers overlaid with their live state.
// Servers that are not live report zero players.
// Query params: ?ip=1.2.3.4:27015,5.6.7.8:27015
func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ip")
	if raw == "" {
		http.Error(w, "Missing ip", http.StatusBadRequest)
		return
	}

	servers, errs := s.data.Servers(r.Context(), strings.Split(raw, ","))
	for ip, err := range errs {
		if !errors.Is(err, batch.ErrNotFound) {
			s.log.Error().Err(err).Str("ip", ip).Msg("Failed to load server")
		}
	}

	for i := range servers {
		if live, ok := s.scheduler.Live(servers[i].Address); ok {
			servers[i] = live
			continue
		}
		servers[i].Players = 0
	}

	writeJSON(w, http.StatusOK, servers)
}

type serverDetails struct {
	Name         string               `json:"name"`
	Maps         orderedMapHours      `json:"maps"`
	PlayerCounts []models.PlayerCount `json:"playerCounts"`
}

// handleServerDetails returns the map hours and the player count series of a server.
func (s *Server) handleServerDetails(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")

	var (
		maps   []models.MapHours
		counts []models.PlayerCount
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		maps, err = s.data.MapHours(ctx, ip)
		return err
	})
	g.Go(func() (err error) {
		counts, err = s.data.PlayerCounts(ctx, ip)
		return err
	})
	if err := g.Wait(); err != nil {
		s.fail(w, err, "Failed to load server details")
		return
	}

	var name string
	if live, ok := s.scheduler.Live(ip); ok {
		name = live.Name
	}
	if counts == nil {
		counts = []models.PlayerCount{}
	}

	writeJSON(w, http.StatusOK, serverDetails{
		Name:         name,
		Maps:         maps[:min(len(maps), maxDetailMaps)],
		PlayerCounts: counts,
	})
}

type serverHistory struct {
	ServerMapHours []models.DailyMapHours `json:"serverMapHours"`
	FirstRecorded  int64                  `json:"firstRecorded,omitempty"`
}

// handleServerHistory returns the daily map hours of a server.
func (s *Server) handleServerHistory(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")

	daily, err := s.data.ServerMapHours(r.Context(), ip)
	if err != nil {
		s.fail(w, err, "Failed to load server map hours")
		return
	}
	if daily == nil {
		daily = []models.DailyMapHours{}
	}

	first, err := s.data.FirstRecorded(r.Context(), ip)
	if err != nil && !errors.Is(err, batch.ErrNotFound) {
		s.fail(w, err, "Failed to load first record")
		return
	}

	writeJSON(w, http.StatusOK, serverHistory{ServerMapHours: daily, FirstRecorded: first})
}

// handleMaps streams every recently played map as JSON lines.
func (s *Server) handleMaps(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=7200")
	w.Header().Set("Content-Type", "application/jsonl")

	enc := json.NewEncoder(w)
	written := 0
	err := s.data.ListMaps(r.Context(), func(m models.MapSummary) error {
		written++
		return enc.Encode(m)
	})
	if err != nil {
		if written == 0 {
			w.Header().Del("Cache-Control")
			s.fail(w, err, "Failed to list maps")
			return
		}
		s.log.Error().Err(err).Int("written", written).Msg("Map listing interrupted")
	}
}

type mapDetails struct {
	Map        string             `json:"map"`
	MapServers []models.MapServer `json:"mapServers"`
}

// handleMapDetails returns the recent servers that played a map.
func (s *Server) handleMapDetails(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("map")

	servers, err := s.data.MapServers(r.Context(), name)
	if err != nil && !errors.Is(err, batch.ErrNotFound) {
		s.fail(w, err, "Failed to load map servers")
		return
	}
	if servers == nil {
		servers = []models.MapServer{}
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, mapDetails{Map: name, MapServers: servers})
}

type locationResponse struct {
	Long    *float64 `json:"long,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Success bool     `json:"success"`
}

// handleLocation returns the coordinates of the caller.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	ip := GetRealIP(r, s.trustProxy)
	if ip == "" {
		writeJSON(w, http.StatusBadRequest, locationResponse{})
		return
	}
	if ip == "127.0.0.1" || ip == "::1" {
		ip = s.localIP
	}

	w.Header().Set("Cache-Control", "max-age=86400, private")

	resp := locationResponse{Success: true}
	if s.geo != nil {
		if loc, ok := s.geo.Location(ip); ok {
			resp.Long, resp.Lat = &loc.Long, &loc.Lat
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleVersion returns the build information.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, vars.Info())
}

// orderedMapHours encodes map hours as an object keeping the slice order.
type orderedMapHours []models.MapHours

func (o orderedMapHours) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(m.Map)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(m.Hours, 'f', -1, 64))
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	s.log.Error().Err(err).Msg(msg)
	http.Error(w, "Database Error", http.StatusInternalServerError)
}
