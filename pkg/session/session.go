// Package session implements one client's server-side connection state:
// socket ownership, position tracking, and outbound GDL90 delivery
// filtered by proximity to the client's last reported position.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/samsamfire/atcfand/internal/sockopt"
	"github.com/samsamfire/atcfand/pkg/framing"
	"github.com/samsamfire/atcfand/pkg/gdl90"
	"github.com/samsamfire/atcfand/pkg/record"
)

const (
	userTimeout    = 10 * time.Second
	maxClientFrame = 16
	proximityDeg   = 1.0
)

// DefaultKeepalive is the socket keepalive policy every session and the
// ADSBHub ingestion peer share.
var DefaultKeepalive = sockopt.KeepaliveConfig{Idle: 30 * time.Second, Interval: 5 * time.Second, Count: 2}

// Position is a client's last reported location.
type Position struct {
	Latitude  float64
	Longitude float64
}

// ErrPositionOutOfRange is returned by RecvPosition when a parsed position falls
// outside [-90,90]/[-180,180].
var ErrPositionOutOfRange = errors.New("session: position out of range")

// Session owns one accepted TCP connection for its whole lifetime. It is
// driven entirely by its owning pool goroutine; nothing here is safe for
// concurrent use from multiple goroutines.
type Session struct {
	// conn is retained to keep its netFD reachable and to close it: net.Conn
	// sets a GC finalizer on its underlying fd that closes it once the conn
	// value becomes unreachable, which would otherwise yank raw.FD out from
	// under every subsequent syscall this type makes on it.
	conn    *net.TCPConn
	raw     sockopt.RawConn
	remote  net.Addr
	id      xid.ID
	reassem *framing.Reassembler
	log     *slog.Logger

	pos *Position
}

// ID returns the session's opaque log-correlation identifier, minted once
// at construction.
func (s *Session) ID() xid.ID {
	return s.id
}

// New constructs a Session from an accepted, not-yet-configured
// connection. It captures the remote address immediately, before the
// socket is ever switched to non-blocking, resolving the stale-peer-address
// hazard of querying it lazily later.
func New(conn *net.TCPConn, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	remote := conn.RemoteAddr()

	if err := sockopt.ApplyUserTimeout(conn, userTimeout); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := sockopt.ApplyKeepalive(conn, DefaultKeepalive); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	fd, err := sockopt.FD(conn)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if err := sockopt.SetNonblock(conn); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	id := xid.New()
	return &Session{
		conn:    conn,
		raw:     sockopt.RawConn{FD: fd},
		remote:  remote,
		id:      id,
		reassem: framing.NewReassembler(maxClientFrame),
		log:     log.With("service", "session", "remote", remote.String(), "session.id", id.String()),
	}, nil
}

// FD returns the session's raw file descriptor for pool epoll registration.
func (s *Session) FD() int {
	return s.raw.FD
}

// Address returns the remote address captured at construction.
func (s *Session) Address() net.Addr {
	return s.remote
}

// RecvPosition pulls the next framed position datagram, if any. It returns
// (nil, nil) when no complete frame is available yet, (pos, nil) when a new
// position was parsed and stored, and a non-nil error — fatal to this
// session — on any I/O, framing, or range failure.
func (s *Session) RecvPosition() (*Position, error) {
	payload, err := s.reassem.Recv(s.raw)
	if err != nil {
		return nil, fmt.Errorf("session: recv: %w", err)
	}
	if payload == nil {
		return nil, nil
	}
	if len(payload) != 8 {
		return nil, fmt.Errorf("session: position frame length %d, want 8", len(payload))
	}

	latMicro := int32(binary.BigEndian.Uint32(payload[0:4]))
	lonMicro := int32(binary.BigEndian.Uint32(payload[4:8]))
	lat := float64(latMicro) / 1e6
	lon := float64(lonMicro) / 1e6

	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, ErrPositionOutOfRange
	}

	s.pos = &Position{Latitude: lat, Longitude: lon}
	return s.pos, nil
}

// SendTraffic filters rec by proximity to the session's last known
// position and, if it passes, encodes and sends a GDL90 frame. A session
// with no known position yet is silent: no traffic is sent and no error
// is returned.
func (s *Session) SendTraffic(rec record.Record) error {
	if s.pos == nil {
		return nil
	}
	if math.Abs(rec.Latitude-s.pos.Latitude) >= proximityDeg {
		return nil
	}
	if math.Abs(rec.Longitude-s.pos.Longitude) >= proximityDeg {
		return nil
	}

	var buf [100]byte
	n, err := gdl90.EncodeTrafficReport(rec, buf[:])
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := framing.SendDatagram(s.raw, buf[:n]); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

// Close releases the session's socket. It closes through the retained
// net.TCPConn rather than raw.FD directly, so the conn's own finalizer is
// disarmed along with the fd.
func (s *Session) Close() error {
	return s.conn.Close()
}
