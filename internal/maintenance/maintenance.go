// Package maintenance provides one-shot tasks that clean and export the database.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/meridian/internal/config"
	"github.com/woozymasta/meridian/internal/fake"
	"github.com/woozymasta/meridian/internal/models"
)

// Store is the storage used by the tasks.
type Store interface {
	DeleteHosts(ctx context.Context, hosts []string) (int64, error)
	Optimize(ctx context.Context) error
}

// Categories lists the categories of recently seen servers.
type Categories interface {
	Categories(ctx context.Context) ([]models.BlacklistEntry, error)
}

// Excluded lists the hosts ignored by discovery.
type Excluded interface {
	Hosts() []string
}

// Deps are the services the tasks operate on.
type Deps struct {
	Store      Store
	Categories Categories
	Excluded   Excluded
	Aggregator fake.Aggregator
}

// Run executes every requested task in order. It returns true if a task was
// requested, indicating the program should exit. A failed task does not stop
// the following ones; all failures are returned joined.
func Run(ctx context.Context, cfg config.Maintenance, d Deps) (bool, error) {
	if !cfg.Active() {
		return false, nil
	}

	var errs []error

	if cfg.PurgeExcluded {
		hosts := d.Excluded.Hosts()
		log.Info().Int("hosts", len(hosts)).Msg("Purging excluded hosts...")

		count, err := d.Store.DeleteHosts(ctx, hosts)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge excluded hosts: %w", err))
		} else {
			log.Info().Int64("deleted", count).Msg("Purge finished")
		}
	}

	if cfg.ExportCategories != "" {
		n, err := ExportCategories(ctx, d.Categories, cfg.ExportCategories)
		if err != nil {
			errs = append(errs, fmt.Errorf("export categories: %w", err))
		} else {
			log.Info().Int("servers", n).Str("path", cfg.ExportCategories).Msg("Categories exported")
		}
	}

	if cfg.GenerateCount > 0 {
		stats, err := fake.Generate(ctx, d.Aggregator, fake.Options{Servers: cfg.GenerateCount})
		if err != nil {
			errs = append(errs, fmt.Errorf("generate fake data: %w", err))
		} else {
			log.Info().Int("servers", stats.Servers).Int("cycles", stats.Cycles).Msg("Fake data generated")
		}
	}

	if cfg.Optimize {
		log.Info().Msg("Optimizing database...")
		if err := d.Store.Optimize(ctx); err != nil {
			errs = append(errs, fmt.Errorf("optimize: %w", err))
		}
	}

	return true, errors.Join(errs...)
}

// ExportCategories writes the categories of recently seen servers to path.
func ExportCategories(ctx context.Context, src Categories, path string) (int, error) {
	entries, err := src.Categories(ctx)
	if err != nil {
		return 0, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := WriteCategories(f, entries); err != nil {
		_ = f.Close()
		return 0, err
	}

	return len(entries), f.Close()
}

const categoriesHeader = `# Manually set categories of servers seen during the last 28 days.
# One server per line: address, then its category.`

// WriteCategories writes entries as "address - reason" lines under a
// comment header, addresses padded to 21 columns.
func WriteCategories(w io.Writer, entries []models.BlacklistEntry) error {
	var b strings.Builder
	b.WriteString(categoriesHeader)
	b.WriteString("\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-21s - %s\n", e.IP, e.Reason)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
