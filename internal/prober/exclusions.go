package prober

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/woozymasta/meridian/assets"
	"github.com/woozymasta/meridian/internal/models"
)

// Exclusions is a set of hosts discovery never emits.
type Exclusions struct {
	hosts map[uint64]struct{}
	list  []string
}

// NewExclusions builds a set from host names or addresses; ports are ignored.
func NewExclusions(hosts ...string) *Exclusions {
	e := &Exclusions{hosts: make(map[uint64]struct{}, len(hosts))}
	for _, h := range hosts {
		e.Add(h)
	}

	return e
}

// LoadExclusions reads the embedded exclusion list and appends extra hosts.
func LoadExclusions(extra []string) (*Exclusions, error) {
	data, err := assets.ReadFile("exclusions.txt")
	if err != nil {
		return nil, err
	}

	e := NewExclusions(extra...)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		e.Add(line)
	}

	return e, scanner.Err()
}

// Add inserts a host.
func (e *Exclusions) Add(host string) {
	host = models.HostOf(strings.TrimSpace(host))
	if host == "" {
		return
	}

	key := xxhash.Sum64String(host)
	if _, ok := e.hosts[key]; ok {
		return
	}
	e.hosts[key] = struct{}{}
	e.list = append(e.list, host)
}

// Contains reports whether the host of address is excluded.
func (e *Exclusions) Contains(address string) bool {
	if e == nil || len(e.hosts) == 0 {
		return false
	}
	_, ok := e.hosts[xxhash.Sum64String(models.HostOf(address))]

	return ok
}

// Hosts returns the excluded hosts in insertion order.
func (e *Exclusions) Hosts() []string {
	if e == nil {
		return nil
	}

	return append([]string(nil), e.list...)
}

// Len returns the number of excluded hosts.
func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}

	return len(e.list)
}
