// Package sockopt wraps the raw unix syscalls needed to configure sockets
// the way the rest of this project's transport layer expects: reusable
// multicast receivers, bounded TCP peers, and non-blocking fds.
package sockopt

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// KeepaliveConfig describes the three TCP keepalive knobs used for every
// peer socket this project owns, whether an accepted client or an
// outbound ingestion connection.
type KeepaliveConfig struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// DefaultKeepalive matches the session and ADSBHub socket policy: idle 30s,
// probe every 5s, give up after 2 probes.
var DefaultKeepalive = KeepaliveConfig{
	Idle:     30 * time.Second,
	Interval: 5 * time.Second,
	Count:    2,
}

// ApplyKeepalive configures OS-level TCP keepalive on conn's underlying fd.
func ApplyKeepalive(conn *net.TCPConn, cfg KeepaliveConfig) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("sockopt: enable keepalive: %w", err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: raw conn: %w", err)
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		idleSec := int(cfg.Idle.Seconds())
		intervalSec := int(cfg.Interval.Seconds())
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idleSec); e != nil {
			opErr = fmt.Errorf("sockopt: set keepidle: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, intervalSec); e != nil {
			opErr = fmt.Errorf("sockopt: set keepintvl: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, cfg.Count); e != nil {
			opErr = fmt.Errorf("sockopt: set keepcnt: %w", e)
			return
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// ApplyUserTimeout sets TCP_USER_TIMEOUT, bounding how long unacked data may
// sit in the send queue before the kernel gives up on the peer.
func ApplyUserTimeout(conn *net.TCPConn, timeout time.Duration) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: raw conn: %w", err)
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		ms := int(timeout.Milliseconds())
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms); e != nil {
			opErr = fmt.Errorf("sockopt: set user timeout: %w", e)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetNonblock toggles O_NONBLOCK on conn's fd. After this call reads and
// writes return unix.EAGAIN instead of blocking.
func SetNonblock(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: raw conn: %w", err)
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		return err
	}
	return opErr
}

// FD returns the raw integer file descriptor backing a syscall.Conn. Used
// to register sockets (TCP sessions, the bus receiver's UDP socket) with
// epoll, which only ever deals in plain integers.
func FD(sc syscall.Conn) (int, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("sockopt: raw conn: %w", err)
	}
	var fd int
	err = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}
