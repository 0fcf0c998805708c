package geoip

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/woozymasta/meridian/internal/models"
)

// Provider looks up coordinates of hosts in a GeoLite2 City database.
// The database can be swapped by Reload while lookups are running. The zero
// Provider finds nothing until Reload installs a database.
type Provider struct {
	db *geoip2.Reader
	mu sync.RWMutex
}

// Open initializes the GeoIP database reader from a specific file path.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}

	return &Provider{db: db}, nil
}

// Reload opens path and replaces the current database.
func (p *Provider) Reload(path string) error {
	db, err := geoip2.Open(path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.db
	p.db = db
	p.mu.Unlock()

	if old != nil {
		return old.Close()
	}

	return nil
}

// Close closes the underlying GeoIP database reader.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil

	return err
}

// Location returns the coordinates of host. ok is false when the host is not
// an IP address or the database has no coordinates for it.
func (p *Provider) Location(host string) (loc models.Location, ok bool) {
	if p == nil {
		return loc, false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return loc, false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return loc, false
	}

	record, err := p.db.City(ip)
	if err != nil {
		return loc, false
	}
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return loc, false
	}

	return models.Location{
		IP:   host,
		Long: record.Location.Longitude,
		Lat:  record.Location.Latitude,
	}, true
}
