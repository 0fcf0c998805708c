package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/woozymasta/meridian/internal/batch"
	"github.com/woozymasta/meridian/internal/classify"
	"github.com/woozymasta/meridian/internal/models"
)

const maxBanBody = 4 << 10

type banRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// handleBan files a server under a category.
// Body: {"ip": "1.2.3.4:27015", "reason": "dm"}
func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBanBody)

	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" || req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, successResponse{})
		return
	}

	if err := s.scheduler.RecordBan(r.Context(), req.IP, req.Reason); err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, successResponse{})
			return
		}
		s.fail(w, err, "Failed to record ban")
		return
	}

	s.log.Info().Str("ip", req.IP).Str("reason", req.Reason).Msg("Server categorized manually")
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type adminServer struct {
	models.Server
	LastOnline int64   `json:"last_online"`
	Hours      float64 `json:"hours"`
}

// handleAdminView lists recent uncategorized servers with their live state.
func (s *Server) handleAdminView(w http.ResponseWriter, r *http.Request) {
	rows, err := s.data.AdminView(r.Context())
	if err != nil {
		s.fail(w, err, "Failed to load admin view")
		return
	}

	out := make([]adminServer, len(rows))
	servers := make([]*models.Server, len(rows))
	for i, row := range rows {
		out[i] = adminServer{
			Server: models.Server{
				Address:    row.IP,
				Name:       row.Name,
				Map:        row.Map,
				Keywords:   row.Keyword,
				MaxPlayers: row.MaxPlayers,
				Visibility: row.Visibility,
				Region:     row.Region,
			},
			LastOnline: row.LastOnline.Unix(),
			Hours:      row.Hours,
		}
		if live, ok := s.scheduler.Live(row.IP); ok {
			out[i].Server = live
		}
		servers[i] = &out[i].Server
	}
	s.data.Hydrate(r.Context(), servers)

	w.Header().Set("Cache-Control", "private, max-age=600")
	writeJSON(w, http.StatusOK, out)
}

type reasonResponse struct {
	IP     string          `json:"ip"`
	Reason classify.Reason `json:"reason"`
}

// handleReason proposes a category for a server.
// Query params: ?ip=1.2.3.4:27015
func (s *Server) handleReason(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		http.Error(w, "Missing ip", http.StatusBadRequest)
		return
	}

	server, ok := s.scheduler.Live(ip)
	if !ok {
		stored, errs := s.data.Servers(r.Context(), []string{ip})
		if err := errs[ip]; err != nil {
			if errors.Is(err, batch.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			s.fail(w, err, "Failed to load server")
			return
		}
		server = stored[0]
	}

	writeJSON(w, http.StatusOK, reasonResponse{IP: ip, Reason: s.classifier.SuggestReason(&server)})
}
