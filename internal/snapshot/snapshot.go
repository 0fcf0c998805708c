// Package snapshot publishes the categorized server list to readers.
//
// A View is immutable once published; publishing swaps a pointer, so readers
// never block and never observe a half-built list.
package snapshot

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/woozymasta/meridian/internal/models"
)

// View is one published server list.
type View struct {
	Categories  map[string][]models.Server
	Version     string
	PublishedAt time.Time
	NextRefresh time.Time
}

// Filter narrows a category.
type Filter struct {
	// Regions keeps servers of these regions; empty keeps all.
	Regions []models.Region
	// HasPlayers drops servers without human players.
	HasPlayers bool
}

// Category returns the servers of a category matching f. The result is a
// fresh slice; an unknown category yields an empty one.
func (v *View) Category(name string, f Filter) []models.Server {
	if v == nil {
		return []models.Server{}
	}

	servers := v.Categories[name]
	out := make([]models.Server, 0, len(servers))
	for _, s := range servers {
		if f.HasPlayers && s.Humans() == 0 {
			continue
		}
		if len(f.Regions) > 0 && !slices.Contains(f.Regions, s.Region) {
			continue
		}
		out = append(out, s)
	}

	return out
}

// Sizes returns the number of servers per category.
func (v *View) Sizes() map[string]int {
	sizes := make(map[string]int, len(v.Categories))
	for name, servers := range v.Categories {
		sizes[name] = len(servers)
	}

	return sizes
}

// Store holds the current View.
type Store struct {
	current atomic.Pointer[View]
}

// NewStore creates a Store with an empty view.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&View{Categories: map[string][]models.Server{}})

	return s
}

// Get returns the current view.
func (s *Store) Get() *View {
	return s.current.Load()
}

// Publish makes categories the current view under a new version token.
// The caller must not modify categories afterwards.
func (s *Store) Publish(categories map[string][]models.Server, at, nextRefresh time.Time) *View {
	v := &View{
		Categories:  categories,
		Version:     uuid.NewString(),
		PublishedAt: at,
		NextRefresh: nextRefresh,
	}
	s.current.Store(v)

	return v
}

// Restore installs a previously persisted view, keeping its version.
func (s *Store) Restore(v *View) {
	if v.Categories == nil {
		v.Categories = map[string][]models.Server{}
	}
	s.current.Store(v)
}
