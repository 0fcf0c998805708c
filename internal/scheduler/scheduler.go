// Package scheduler runs the refresh loop: probe, aggregate, merge into the
// set of known servers, partition by category and publish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/woozymasta/meridian/internal/aggregate"
	"github.com/woozymasta/meridian/internal/classify"
	"github.com/woozymasta/meridian/internal/logger"
	"github.com/woozymasta/meridian/internal/metrics"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/snapshot"
)

// Prober discovers and queries servers.
type Prober interface {
	Run(ctx context.Context) []*models.Server
	Sweep(ctx context.Context) ([]string, error)
}

// Aggregator stores one probe cycle.
type Aggregator interface {
	Apply(ctx context.Context, snapshots []*models.Server, elapsed time.Duration, at time.Time) (aggregate.Result, error)
}

// Data reads stored servers.
type Data interface {
	KnownServers(ctx context.Context) ([]models.KnownServer, error)
	Blacklist(ctx context.Context) (map[string]string, error)
	ServerIDOf(ctx context.Context, ip string) (int64, error)
	Hydrate(ctx context.Context, servers []*models.Server)
}

// Store writes outside of the aggregation path.
type Store interface {
	UpdateLastOnline(ctx context.Context, ips []string, at time.Time) error
	UpsertBlacklist(ctx context.Context, serverID int64, reason string) error
	Optimize(ctx context.Context) error
}

// Options tune the loop.
type Options struct {
	// SnapshotPath persists published views; empty disables persistence.
	SnapshotPath string
	// OptimizeLocation and OptimizeHour place the daily optimize run;
	// a nil location disables it.
	OptimizeLocation *time.Location
	Interval         time.Duration
	FullInterval     time.Duration
	OptimizeHour     int
}

// Service owns the known servers and publishes their categorized view.
type Service struct {
	prober     Prober
	aggregator Aggregator
	data       Data
	store      Store
	classifier *classify.Classifier
	snapshots  *snapshot.Store
	metrics    *metrics.Metrics
	clock      quartz.Clock
	log        zerolog.Logger
	opts       Options

	// mu guards the fields below; the probe itself runs unlocked.
	mu        sync.Mutex
	known     map[string]*models.Server
	order     []string
	reasons   map[string]string
	blacklist map[string]string

	// merged is set once probe results replaced the restored view.
	merged bool

	// persistMu orders writes of the view file.
	persistMu sync.Mutex

	lastProbe time.Time
	lastFull  time.Time
	sweeps    sync.WaitGroup
}

// New creates a Service. m may be nil.
func New(
	prober Prober,
	aggregator Aggregator,
	data Data,
	store Store,
	classifier *classify.Classifier,
	snapshots *snapshot.Store,
	m *metrics.Metrics,
	clock quartz.Clock,
	opts Options,
) *Service {
	return &Service{
		prober:     prober,
		aggregator: aggregator,
		data:       data,
		store:      store,
		classifier: classifier,
		snapshots:  snapshots,
		metrics:    m,
		clock:      clock,
		log:        logger.Component("scheduler"),
		opts:       opts,
		known:      make(map[string]*models.Server),
		reasons:    make(map[string]string),
		blacklist:  make(map[string]string),
	}
}

// Snapshot returns the current published view.
func (s *Service) Snapshot() *snapshot.View {
	return s.snapshots.Get()
}

// Live returns the live state of a known server.
func (s *Service) Live(ip string) (models.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	server, ok := s.known[ip]
	if !ok {
		return models.Server{}, false
	}

	return *server, true
}

// Run restores the persisted view and refreshes until ctx is canceled.
// A failed cycle is logged and retried on the next wake.
func (s *Service) Run(ctx context.Context) error {
	s.restore()

	var wg sync.WaitGroup
	if s.opts.OptimizeLocation != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.optimizeDaily(ctx)
		}()
	}
	defer func() {
		wg.Wait()
		s.sweeps.Wait()
	}()

	for {
		start := s.clock.Now()
		err := s.RunCycle(ctx)
		s.metrics.CycleDone(s.clock.Since(start), err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("Cycle failed")
		}

		timer := s.clock.NewTimer(s.opts.Interval, "scheduler", "sleep")
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle performs one refresh: reload known servers when due, probe,
// aggregate, merge and publish, then start the full sweep when due.
func (s *Service) RunCycle(ctx context.Context) error {
	now := s.clock.Now()
	full := s.lastFull.IsZero() || now.Sub(s.lastFull) >= s.opts.FullInterval

	if full {
		if err := s.reload(ctx); err != nil {
			return fmt.Errorf("reload known servers: %w", err)
		}
	}

	servers := s.prober.Run(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, server := range servers {
		classify.CleanupServer(server)
	}

	var elapsed time.Duration
	if !s.lastProbe.IsZero() {
		elapsed = now.Sub(s.lastProbe).Truncate(time.Second)
	}

	res, err := s.aggregator.Apply(ctx, servers, elapsed, now)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	s.lastProbe = now

	s.data.Hydrate(ctx, servers)
	view := s.merge(servers)
	s.persist()

	s.log.Info().
		Int("probed", len(servers)).
		Int("known", len(s.order)).
		Int("dropped", res.Dropped).
		Int("failed_chunks", res.FailedChunks).
		Str("version", view.Version).
		Dur("took", s.clock.Since(now)).
		Msg("Servers refreshed")

	if full {
		s.lastFull = now
		s.sweeps.Add(1)
		go func() {
			defer s.sweeps.Done()
			s.sweep(ctx)
		}()
	}

	return nil
}

// reload replaces the known servers with the recently seen stored ones.
func (s *Service) reload(ctx context.Context) error {
	known, err := s.data.KnownServers(ctx)
	if err != nil {
		return err
	}
	blacklist, err := s.data.Blacklist(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.known = make(map[string]*models.Server, len(known))
	s.order = make([]string, 0, len(known))
	s.reasons = make(map[string]string, len(known))
	s.blacklist = blacklist
	for i := range known {
		server := known[i].Server
		s.known[server.Address] = &server
		s.order = append(s.order, server.Address)
		if known[i].Reason != "" {
			s.reasons[server.Address] = known[i].Reason
		}
	}

	s.log.Info().Int("servers", len(known)).Int("categorized", len(blacklist)).Msg("Known servers reloaded")

	return nil
}

// merge zeroes the live counters of every known server, applies the probe
// results and publishes the new partition.
func (s *Service) merge(servers []*models.Server) *snapshot.View {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, known := range s.known {
		known.Players = 0
		known.Bots = 0
	}

	for _, server := range servers {
		if known, ok := s.known[server.Address]; ok {
			activeHours := known.ActiveHours
			*known = *server
			known.ActiveHours = activeHours
			continue
		}

		fresh := *server
		s.known[server.Address] = &fresh
		s.order = append(s.order, server.Address)
		if reason, ok := s.blacklist[server.Address]; ok {
			s.reasons[server.Address] = reason
		}
	}
	s.merged = true

	return s.publishLocked(s.partitionLocked(), s.clock.Now().Add(s.opts.Interval))
}

// partitionLocked builds the category lists from the known servers.
func (s *Service) partitionLocked() map[string][]models.Server {
	categories := map[string][]models.Server{classify.Vanilla: {}}
	for _, address := range s.order {
		s.place(categories, s.known[address], s.reasons[address])
	}

	return categories
}

// place files server under reason. Unlisted and allow-listed servers reach
// vanilla only through the classifier; allow-listed ones skip the extended
// tier.
func (s *Service) place(categories map[string][]models.Server, server *models.Server, reason string) {
	switch {
	case reason == "":
		if s.classifier.IsDefaultCategory(server, false) {
			categories[classify.Vanilla] = append(categories[classify.Vanilla], *server)
		}
	case classify.IsAllowListed(reason):
		if reason != classify.Vanilla {
			categories[reason] = append(categories[reason], *server)
		}
		if s.classifier.IsDefaultCategory(server, true) {
			categories[classify.Vanilla] = append(categories[classify.Vanilla], *server)
		}
	default:
		categories[reason] = append(categories[reason], *server)
	}
}

// refileLocked copies the published view with ip moved under reason.
// Bans use it until the first merge, while the restored view is served.
// It reports false if ip is not listed.
func (s *Service) refileLocked(ip, reason string) (map[string][]models.Server, bool) {
	current := s.snapshots.Get()
	categories := make(map[string][]models.Server, len(current.Categories)+1)
	categories[classify.Vanilla] = []models.Server{}

	var (
		server models.Server
		found  bool
	)
	for name, servers := range current.Categories {
		kept := make([]models.Server, 0, len(servers))
		for _, listed := range servers {
			if listed.Address == ip {
				if !found {
					server, found = listed, true
				}
				continue
			}
			kept = append(kept, listed)
		}
		categories[name] = kept
	}
	if !found {
		return nil, false
	}

	s.place(categories, &server, reason)

	return categories, true
}

func (s *Service) publishLocked(categories map[string][]models.Server, nextRefresh time.Time) *snapshot.View {
	now := s.clock.Now()
	view := s.snapshots.Publish(categories, now, nextRefresh)
	s.metrics.Published(now, view.Sizes())

	return view
}

// RecordBan stores reason for a server and moves it to that category at
// once, publishing a new view.
func (s *Service) RecordBan(ctx context.Context, ip, reason string) error {
	if reason == "" {
		return errors.New("empty reason")
	}

	id, err := s.data.ServerIDOf(ctx, ip)
	if err != nil {
		return fmt.Errorf("resolve server %s: %w", ip, err)
	}
	if err := s.store.UpsertBlacklist(ctx, id, reason); err != nil {
		return fmt.Errorf("store category of %s: %w", ip, err)
	}

	s.mu.Lock()
	s.blacklist[ip] = reason
	if _, ok := s.known[ip]; ok {
		s.reasons[ip] = reason
	}

	categories, publish := s.partitionLocked(), true
	if !s.merged {
		categories, publish = s.refileLocked(ip, reason)
	}

	var view *snapshot.View
	if publish {
		view = s.publishLocked(categories, s.snapshots.Get().NextRefresh)
	}
	s.mu.Unlock()

	if view == nil {
		s.log.Info().Str("ip", ip).Str("reason", reason).Msg("Server categorized, not listed yet")
		return nil
	}

	s.persist()
	s.log.Info().Str("ip", ip).Str("reason", reason).Str("version", view.Version).Msg("Server categorized")

	return nil
}

// sweep lists every server of the game and stamps them as seen.
func (s *Service) sweep(ctx context.Context) {
	start := s.clock.Now()
	addresses, err := s.prober.Sweep(ctx)
	if err != nil {
		s.log.Warn().Err(err).Int("partial", len(addresses)).Msg("Full sweep incomplete")
	}
	if len(addresses) == 0 {
		return
	}

	if err := s.store.UpdateLastOnline(ctx, addresses, s.clock.Now()); err != nil {
		s.log.Error().Err(err).Msg("Stamp swept servers failed")
		return
	}

	s.log.Info().Int("servers", len(addresses)).Dur("took", s.clock.Since(start)).Msg("Full sweep finished")
}
