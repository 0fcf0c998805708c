// Package server implements the HTTP server, middleware, and request handlers for the application.
package server

import (
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/woozymasta/meridian/internal/classify"
	"github.com/woozymasta/meridian/internal/config"
	"github.com/woozymasta/meridian/internal/logger"
)

// New creates a new Server instance. geo and gatherer may be nil.
func New(
	sched Scheduler,
	data Data,
	geo Locator,
	classifier *classify.Classifier,
	gatherer prometheus.Gatherer,
	clock quartz.Clock,
	cfg *config.Config,
) *Server {
	return &Server{
		scheduler:      sched,
		data:           data,
		geo:            geo,
		classifier:     classifier,
		gatherer:       gatherer,
		clock:          clock,
		log:            logger.Component("server"),
		clients:        make(map[string]*client),
		shutdown:       make(chan struct{}),
		authToken:      cfg.Server.AuthToken,
		localIP:        cfg.Server.LocalIP,
		trustProxy:     cfg.Server.TrustProxy,
		hardLimitCount: cfg.RateLimit.HardLimitCount,
		hardLimitWin:   cfg.RateLimit.HardLimitWin,
	}
}

// StartWorkers starts the cleanup of idle rate limiters.
func (s *Server) StartWorkers() {
	s.wg.Add(1)
	go s.gcClients()
}

// StopWorkers stops the background workers and waits for them.
func (s *Server) StopWorkers() {
	close(s.shutdown)
	s.wg.Wait()
}

// Handler configures the HTTP routes and returns the main handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	public := func(h http.HandlerFunc) http.Handler {
		return s.RateLimitMiddleware(h)
	}
	cached := func(h http.HandlerFunc) http.Handler {
		return s.RateLimitMiddleware(s.CacheMiddleware(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return AdminAuthMiddleware(s.authToken, h)
	}

	mux.Handle("GET /api/servers.json", cached(s.handleServerList))
	mux.Handle("GET /api/servers/all", cached(s.handleServerList))
	mux.Handle("GET /api/servers", cached(s.handleServers))
	mux.Handle("GET /api/server-details/{ip}", cached(s.handleServerDetails))
	mux.Handle("GET /api/server-details-p2/{ip}", cached(s.handleServerHistory))
	mux.Handle("GET /api/maps", public(s.handleMaps))
	mux.Handle("GET /api/maps/details/{map}", public(s.handleMapDetails))
	mux.Handle("GET /api/location", public(s.handleLocation))
	mux.Handle("GET /api/version", public(s.handleVersion))

	mux.Handle("POST /api/ban", admin(s.handleBan))
	mux.Handle("GET /api/servers.json/admin-view", admin(s.handleAdminView))
	mux.Handle("GET /api/reason", admin(s.handleReason))

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.LoggingMiddleware(mux)
}

// gcClients periodically drops rate limiters of callers not seen for a while.
func (s *Server) gcClients() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.dropIdleClients(time.Now(), 10*time.Minute)
		}
	}
}

func (s *Server) dropIdleClients(now time.Time, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ip, c := range s.clients {
		if now.Sub(c.lastSeen) > idle {
			delete(s.clients, ip)
		}
	}
}
