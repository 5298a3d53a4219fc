package sockopt

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by RawConn.Read/Write when the underlying
// non-blocking fd has no data ready (EAGAIN/EWOULDBLOCK). Callers treat it
// the same way the spec treats a multiplexer wake-up with nothing to do:
// not an error, just "come back later".
var ErrWouldBlock = errors.New("sockopt: would block")

// RawConn is a thin io.ReadWriter over a raw, already-non-blocking file
// descriptor. Client sessions driven by the pool event loop use it instead
// of net.Conn so that a single syscall read/write maps directly to exactly
// one kernel operation, rather than going through Go's runtime network
// poller, which would otherwise fight with our own epoll registration of
// the same fd.
type RawConn struct {
	FD int
}

// Read performs exactly one read(2) call. A clean remote close surfaces as
// io.EOF; EAGAIN surfaces as ErrWouldBlock.
func (c RawConn) Read(buf []byte) (int, error) {
	n, err := unix.Read(c.FD, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write performs exactly one write(2) call.
func (c RawConn) Write(buf []byte) (int, error) {
	n, err := unix.Write(c.FD, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Close closes the underlying fd.
func (c RawConn) Close() error {
	return unix.Close(c.FD)
}
