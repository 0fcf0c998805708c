// Package prober discovers game servers through the master server and
// queries their live state with a fixed pool of workers.
//
// Discovery and probing are connected by a channel: discovery sends every new
// address as soon as its region is listed and closes the channel when the
// last region is done, workers drain the channel until it is closed.
package prober

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/woozymasta/meridian/internal/config"
	"github.com/woozymasta/meridian/internal/game"
	"github.com/woozymasta/meridian/internal/logger"
	"github.com/woozymasta/meridian/internal/metrics"
	"github.com/woozymasta/meridian/internal/models"
	"golang.org/x/time/rate"
)

// DiscoveryOrder lists regions most popular first so probing starts early.
var DiscoveryOrder = []models.Region{
	models.RegionEurope,
	models.RegionUSEast,
	models.RegionUSWest,
	models.RegionAfrica,
	models.RegionAsia,
	models.RegionAustralia,
	models.RegionMiddleEast,
	models.RegionSouthAmerica,
	models.RegionAll,
}

// Directory lists server addresses of a region.
type Directory interface {
	Query(ctx context.Context, region models.Region, filter game.Filter) ([]string, error)
}

// Querier fetches the live state of a single server.
type Querier interface {
	Query(ctx context.Context, address string) (*models.Server, error)
}

// Options tune discovery and probing.
type Options struct {
	Filter        game.Filter
	Regions       []models.Region
	Workers       int
	RegionTimeout time.Duration
	RegionDelay   time.Duration
	FullTimeout   time.Duration
	QueryTimeout  time.Duration
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(master config.Master, a2s config.A2S) Options {
	return Options{
		Filter: game.Filter{
			AppID:    master.AppID,
			GameDir:  master.GameDir,
			Secure:   true,
			NotEmpty: true,
		},
		Regions:       DiscoveryOrder,
		Workers:       a2s.Workers,
		RegionTimeout: master.RegionTimeout,
		RegionDelay:   master.RegionDelay,
		FullTimeout:   master.FullTimeout,
		QueryTimeout:  a2s.Timeout,
	}
}

// Prober runs discovery and probing passes.
type Prober struct {
	dir     Directory
	querier Querier
	exclude *Exclusions
	metrics *metrics.Metrics
	log     zerolog.Logger
	opts    Options
}

// New creates a Prober. exclude and m may be nil.
func New(dir Directory, querier Querier, exclude *Exclusions, m *metrics.Metrics, opts Options) *Prober {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if len(opts.Regions) == 0 {
		opts.Regions = DiscoveryOrder
	}
	if opts.RegionTimeout <= 0 {
		opts.RegionTimeout = 30 * time.Second
	}
	if opts.FullTimeout <= 0 {
		opts.FullTimeout = 180 * time.Second
	}

	return &Prober{
		dir:     dir,
		querier: querier,
		exclude: exclude,
		metrics: m,
		log:     logger.Component("prober"),
		opts:    opts,
	}
}

// Discover lists every region in order and streams new addresses. A failed
// region is logged and skipped; the pass itself never fails. The channel is
// closed when all regions are done or ctx is canceled.
func (p *Prober) Discover(ctx context.Context) <-chan models.Candidate {
	out := make(chan models.Candidate, 256)

	go func() {
		defer close(out)

		pace := rate.NewLimiter(rate.Inf, 1)
		if p.opts.RegionDelay > 0 {
			pace = rate.NewLimiter(rate.Every(p.opts.RegionDelay), 1)
		}

		seen := make(map[string]struct{})
		for _, region := range p.opts.Regions {
			if err := pace.Wait(ctx); err != nil {
				return
			}

			regionCtx, cancel := context.WithTimeout(ctx, p.opts.RegionTimeout)
			addresses, err := p.dir.Query(regionCtx, region, p.opts.Filter)
			cancel()
			if err != nil {
				p.metrics.DiscoveryFailed(region.String())
				p.log.Warn().Err(err).
					Str("region", region.String()).
					Int("partial", len(addresses)).
					Msg("Region query failed")
			}

			accepted := 0
			for _, address := range addresses {
				if _, dup := seen[address]; dup {
					continue
				}
				if p.exclude.Contains(address) {
					continue
				}
				seen[address] = struct{}{}

				select {
				case out <- models.Candidate{Address: address, Region: region}:
					accepted++
				case <-ctx.Done():
					return
				}
			}

			p.metrics.Discovered(region.String(), accepted)
			p.log.Debug().
				Str("region", region.String()).
				Int("listed", len(addresses)).
				Int("accepted", accepted).
				Msg("Region listed")
		}
	}()

	return out
}

// Probe queries every candidate with the worker pool and returns the servers
// that answered, at most one per address. Errors discard the address for
// this pass. When ctx is canceled workers stop taking new candidates but
// let in-flight queries run to their own timeout.
func (p *Prober) Probe(ctx context.Context, candidates <-chan models.Candidate) []*models.Server {
	var (
		mu      sync.Mutex
		results = make(map[string]*models.Server)
		order   []string
		wg      sync.WaitGroup
	)

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				var (
					c  models.Candidate
					ok bool
				)
				select {
				case c, ok = <-candidates:
				case <-ctx.Done():
					return
				}
				if !ok {
					return
				}

				server, err := p.query(ctx, c.Address)
				p.metrics.Probed(err == nil)
				if err != nil {
					p.log.Trace().Err(err).Str("address", c.Address).Msg("Probe failed")
					continue
				}
				server.Address = c.Address
				server.Region = c.Region

				mu.Lock()
				if _, dup := results[c.Address]; !dup {
					results[c.Address] = server
					order = append(order, c.Address)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	servers := make([]*models.Server, 0, len(order))
	for _, address := range order {
		servers = append(servers, results[address])
	}

	return servers
}

func (p *Prober) query(ctx context.Context, address string) (*models.Server, error) {
	qctx := context.WithoutCancel(ctx)
	if p.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(qctx, p.opts.QueryTimeout)
		defer cancel()
	}

	return p.querier.Query(qctx, address)
}

// Run performs one discovery pass feeding one probing pass.
func (p *Prober) Run(ctx context.Context) []*models.Server {
	start := time.Now()
	servers := p.Probe(ctx, p.Discover(ctx))
	p.log.Info().
		Int("servers", len(servers)).
		Dur("took", time.Since(start)).
		Msg("Probe pass finished")

	return servers
}

// Sweep lists every server known to the master server, empty ones
// included, with the long full-listing timeout. Partial results are
// returned together with the error.
func (p *Prober) Sweep(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.FullTimeout)
	defer cancel()

	filter := p.opts.Filter
	filter.NotEmpty = false

	addresses, err := p.dir.Query(ctx, models.RegionAll, filter)
	kept := addresses[:0]
	for _, address := range addresses {
		if !p.exclude.Contains(address) {
			kept = append(kept, address)
		}
	}

	return kept, err
}
