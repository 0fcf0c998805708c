// Package game provides the two network protocols the service speaks:
// A2S_INFO queries to game servers and the Steam master server listing.
package game

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/woozymasta/a2s/pkg/a2s"
	"github.com/woozymasta/meridian/internal/config"
	"github.com/woozymasta/meridian/internal/models"
)

// Prober queries the live state of one server.
type Prober struct {
	Timeout    time.Duration
	BufferSize uint16
}

// NewProber creates a Prober from A2S options.
func NewProber(opts config.A2S) *Prober {
	return &Prober{Timeout: opts.Timeout, BufferSize: opts.BufferSize}
}

// Query connects to a game server via UDP and requests A2S_INFO. Region and
// GeoIP are left for the caller to fill.
func (p *Prober) Query(ctx context.Context, address string) (*models.Server, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse port %q: %w", portStr, err)
	}

	timeout := p.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	client, err := a2s.New(host, port)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	client.BufferSize = p.BufferSize
	client.Timeout = timeout

	info, err := client.GetInfo()
	if err != nil {
		return nil, err
	}

	return serverFromInfo(address, info), nil
}

// serverFromInfo maps an A2S_INFO reply. Keyword tags arrive split and are
// stored as the comma separated list the server announced.
func serverFromInfo(address string, info *a2s.Info) *models.Server {
	visibility := 0
	if info.Visibility {
		visibility = 1
	}

	return &models.Server{
		Address:    address,
		Name:       info.Name,
		Map:        info.Map,
		Keywords:   strings.Join(info.Keywords, ","),
		Players:    int(info.Players),
		MaxPlayers: int(info.MaxPlayers),
		Bots:       int(info.Bots),
		Visibility: visibility,
	}
}
