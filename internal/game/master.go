package game

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/woozymasta/meridian/internal/config"
	"github.com/woozymasta/meridian/internal/models"
)

const (
	masterRequestType = 0x31
	masterSeed        = "0.0.0.0:0"
	masterPacketSize  = 2048
)

var masterReplyHeader = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x66, 0x0A}

// ErrMalformedReply is returned for master replies that are not address lists.
var ErrMalformedReply = errors.New("malformed master server reply")

// Filter narrows a master server listing.
type Filter struct {
	GameDir  string
	AppID    int
	Secure   bool
	NotEmpty bool
}

// String renders the filter in the master server wire syntax.
func (f Filter) String() string {
	var b strings.Builder
	if f.AppID > 0 {
		b.WriteString(`\appid\` + strconv.Itoa(f.AppID))
	}
	if f.Secure {
		b.WriteString(`\secure\1`)
	}
	if f.GameDir != "" {
		b.WriteString(`\gamedir\` + f.GameDir)
	}
	if f.NotEmpty {
		b.WriteString(`\empty\1`)
	}

	return b.String()
}

// Master queries a Steam master server for server addresses.
type Master struct {
	// Address is the master server host:port.
	Address string
}

// NewMaster creates a master server client from options.
func NewMaster(opts config.Master) *Master {
	return &Master{Address: opts.Address}
}

// Query lists every address of a region matching filter, following the
// paginated reply until the terminating 0.0.0.0:0 entry. The context bounds
// the whole listing; addresses received before a timeout are returned with
// the error.
func (m *Master) Query(ctx context.Context, region models.Region, filter Filter) ([]string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", m.Address)
	if err != nil {
		return nil, fmt.Errorf("dial master %s: %w", m.Address, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	// Unblock reads on cancellation without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var (
		addresses []string
		seed      = masterSeed
		buf       = make([]byte, masterPacketSize)
	)
	for {
		if _, err := conn.Write(masterRequest(region, seed, filter)); err != nil {
			return addresses, fmt.Errorf("write master request: %w", err)
		}

		n, err := conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return addresses, ctxErr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return addresses, fmt.Errorf("read master reply: %w", context.DeadlineExceeded)
			}
			return addresses, fmt.Errorf("read master reply: %w", err)
		}

		page, done, err := ParseMasterReply(buf[:n])
		if err != nil {
			return addresses, err
		}
		addresses = append(addresses, page...)
		if done || len(page) == 0 {
			return addresses, nil
		}

		seed = page[len(page)-1]
	}
}

func masterRequest(region models.Region, seed string, filter Filter) []byte {
	var b bytes.Buffer
	b.WriteByte(masterRequestType)
	b.WriteByte(byte(region))
	b.WriteString(seed)
	b.WriteByte(0)
	b.WriteString(filter.String())
	b.WriteByte(0)

	return b.Bytes()
}

// ParseMasterReply decodes one reply packet. done is true when the packet
// carries the terminating 0.0.0.0:0 entry, which is not returned.
func ParseMasterReply(data []byte) (addresses []string, done bool, err error) {
	if !bytes.HasPrefix(data, masterReplyHeader) {
		return nil, false, ErrMalformedReply
	}

	body := data[len(masterReplyHeader):]
	if len(body)%6 != 0 {
		return nil, false, fmt.Errorf("%w: %d trailing bytes", ErrMalformedReply, len(body)%6)
	}

	addresses = make([]string, 0, len(body)/6)
	for i := 0; i < len(body); i += 6 {
		ip := net.IPv4(body[i], body[i+1], body[i+2], body[i+3])
		port := binary.BigEndian.Uint16(body[i+4 : i+6])
		if ip.Equal(net.IPv4zero) && port == 0 {
			return addresses, true, nil
		}
		addresses = append(addresses, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}

	return addresses, false, nil
}
