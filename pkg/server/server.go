// Package server implements the TCP front-end: one accept loop owning N
// client pools and routing each new connection to whichever pool currently
// has the fewest sessions.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/samsamfire/atcfand/pkg/pool"
)

// ListenAddr is the fixed TCP front-end address.
const ListenAddr = "0.0.0.0:1664"

// Server owns the accept loop and the fixed set of pools it balances
// across.
type Server struct {
	pools []*pool.Pool
	log   *slog.Logger

	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates one pool per reported CPU and binds the front-end listener.
// A failure here is fatal: the caller should abort the process.
func New(log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", "server")

	n := runtime.NumCPU()
	pools := make([]*pool.Pool, 0, n)
	for i := 0; i < n; i++ {
		p, err := pool.New(i, log)
		if err != nil {
			for _, created := range pools {
				created.Close()
			}
			return nil, fmt.Errorf("server: create pool %d: %w", i, err)
		}
		pools = append(pools, p)
	}

	ln, err := net.Listen("tcp", ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	return &Server{
		pools:    pools,
		log:      log,
		listener: ln,
		stop:     make(chan struct{}),
	}, nil
}

// Run starts every pool's event loop and the accept loop, blocking until
// Stop is called or the listener fails.
func (s *Server) Run() error {
	for _, p := range s.pools {
		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.Run(s.stop)
		}()
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		s.route(tcpConn)
	}
}

// route picks the pool with the smallest slot count, first match on ties,
// and hands off the connection. This gives soft load balancing without
// inter-pool state sharing.
func (s *Server) route(conn *net.TCPConn) {
	best := s.pools[0]
	bestCount := best.Count()
	for _, p := range s.pools[1:] {
		if c := p.Count(); c < bestCount {
			best = p
			bestCount = c
		}
	}
	best.AddNewClient(conn)
}

// Stop closes the listener and signals every pool to drain and exit.
func (s *Server) Stop() {
	close(s.stop)
	s.listener.Close()
	s.wg.Wait()
}
