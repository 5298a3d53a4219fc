// Package bus implements the internal one-to-many transport that carries
// traffic records from ingestion adapters to every client pool. The
// production transport is IPv4 multicast on loopback; an in-process
// InMemory variant is provided for tests.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/samsamfire/atcfand/internal/sockopt"
	"github.com/samsamfire/atcfand/pkg/record"
	"golang.org/x/sys/unix"
)

// Group and Port are the fixed loopback multicast coordinates the whole
// service agrees on; there is no run-time configuration for these.
const (
	Group = "224.0.0.64"
	Port  = 1665

	recvBufSize = record.MaxEncodedLen
)

// ErrWouldBlock mirrors sockopt.ErrWouldBlock for callers that only import
// this package; a non-blocking Receiver returns it when its socket is
// drained.
var ErrWouldBlock = sockopt.ErrWouldBlock

// Sender posts traffic records onto the bus. Multiple senders may coexist;
// each gets its own ephemeral-port socket "connected" to the multicast
// group so Send needs no destination argument.
type Sender struct {
	conn *net.UDPConn
	log  *slog.Logger
}

// NewSender opens a UDP socket on an ephemeral loopback port and connects
// it to the multicast group/port.
func NewSender(log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := sockopt.DialMulticastSender(net.ParseIP(Group), Port)
	if err != nil {
		return nil, fmt.Errorf("bus: new sender: %w", err)
	}
	return &Sender{conn: conn, log: log.With("service", "bus-sender")}, nil
}

// Send serializes rec and posts it to the bus. This is best-effort: a
// socket send failure is logged and swallowed, never propagated, since no
// ingestion adapter can usefully react to a bus-local delivery failure.
// Encode itself never fails, so there is nothing here to panic on.
func (s *Sender) Send(rec record.Record) {
	buf := record.Encode(rec)
	if _, err := s.conn.Write(buf); err != nil {
		s.log.Warn("send failed", "err", err)
	}
}

// Close releases the sender's socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Receiver joins the bus multicast group and yields decoded records. Every
// pool owns exactly one Receiver; SO_REUSEPORT lets them all bind the same
// group/port independently.
type Receiver struct {
	conn *net.UDPConn
	fd   int
	log  *slog.Logger
	buf  [recvBufSize]byte
}

// NewReceiver opens a reusable multicast listener on the bus group/port,
// joined on loopback, and extracts its raw file descriptor for readiness
// multiplexing.
func NewReceiver(log *slog.Logger) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := sockopt.ListenReusableMulticast(net.ParseIP(Group), Port)
	if err != nil {
		return nil, fmt.Errorf("bus: new receiver: %w", err)
	}
	fd, err := sockopt.FD(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: new receiver: %w", err)
	}
	return &Receiver{conn: conn, fd: fd, log: log.With("service", "bus-receiver")}, nil
}

// FD returns the receiver's raw file descriptor, for registration in a
// pool's epoll instance.
func (r *Receiver) FD() int {
	return r.fd
}

// SetNonblock switches the receiver's socket to non-blocking mode so Recv
// returns ErrWouldBlock instead of blocking once the kernel buffer drains.
func (r *Receiver) SetNonblock() error {
	return unix.SetNonblock(r.fd, true)
}

// Recv reads and decodes the next datagram. Reads go through the raw file
// descriptor rather than net.UDPConn.ReadFromUDP: once the socket is
// non-blocking and registered in the pool's own epoll instance, going
// through Go's runtime netpoller would park the calling goroutine instead
// of surfacing EAGAIN, defeating the pool's readiness-driven drain loop
// (the same reasoning behind sockopt.RawConn for client sessions). A
// malformed or truncated datagram is a BusDecode error: non-fatal, logged
// by the caller, and must not tear down the pool. ErrWouldBlock signals the
// caller has drained everything currently queued.
func (r *Receiver) Recv() (record.Record, error) {
	n, _, err := unix.Recvfrom(r.fd, r.buf[:], 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return record.Record{}, ErrWouldBlock
		}
		return record.Record{}, fmt.Errorf("bus: recv: %w", err)
	}
	rec, err := record.Decode(r.buf[:n])
	if err != nil {
		return record.Record{}, fmt.Errorf("bus: decode: %w", err)
	}
	return rec, nil
}

// Close releases the receiver's socket.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
