package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/woozymasta/meridian/internal/classify"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/snapshot"
)

// Scheduler is the live side of the service.
type Scheduler interface {
	Snapshot() *snapshot.View
	Live(ip string) (models.Server, bool)
	RecordBan(ctx context.Context, ip, reason string) error
}

// Data is the stored side of the service.
type Data interface {
	Servers(ctx context.Context, ips []string) ([]models.Server, map[string]error)
	MapHours(ctx context.Context, ip string) ([]models.MapHours, error)
	PlayerCounts(ctx context.Context, ip string) ([]models.PlayerCount, error)
	ServerMapHours(ctx context.Context, ip string) ([]models.DailyMapHours, error)
	FirstRecorded(ctx context.Context, ip string) (int64, error)
	MapServers(ctx context.Context, name string) ([]models.MapServer, error)
	ListMaps(ctx context.Context, fn func(models.MapSummary) error) error
	AdminView(ctx context.Context) ([]models.AdminServer, error)
	Hydrate(ctx context.Context, servers []*models.Server)
}

// Locator resolves coordinates of a host.
type Locator interface {
	Location(host string) (models.Location, bool)
}

// Server holds the dependencies, configuration, and runtime state required
// to handle HTTP requests.
type Server struct {
	// scheduler serves the published list, live server state and bans.
	scheduler Scheduler

	// data serves stored history through the batching loaders.
	data Data

	// geo locates callers of /api/location. It can be nil.
	geo Locator

	// classifier suggests categories for the admin review.
	classifier *classify.Classifier

	// gatherer backs /metrics. It can be nil.
	gatherer prometheus.Gatherer

	clock quartz.Clock
	log   zerolog.Logger

	// clients holds one hard limiter per caller address.
	clients map[string]*client

	// shutdown stops the limiter cleanup.
	shutdown chan struct{}

	// authToken is the secret token required to access administrative API endpoints.
	authToken string

	// localIP is located in place of loopback callers.
	localIP string

	wg sync.WaitGroup
	mu sync.Mutex

	// hardLimitCount is the maximum number of requests allowed per IP address
	// within the hardLimitWin duration.
	hardLimitCount int

	// hardLimitWin is the time window duration for the hard rate limiter.
	hardLimitWin time.Duration

	// trustProxy indicates whether the server should trust headers like X-Forwarded-For
	// or CF-Connecting-IP when determining the client's real IP address.
	trustProxy bool
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}
