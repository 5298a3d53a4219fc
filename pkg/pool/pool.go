// Package pool implements one client-handling event loop: a slot table,
// capped at ClientsMaxNB live sessions, multiplexed over a single epoll
// instance, interleaving client readiness with the bus receiver's own fd.
package pool

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/samsamfire/atcfand/internal/metrics"
	"github.com/samsamfire/atcfand/pkg/bus"
	"github.com/samsamfire/atcfand/pkg/record"
	"github.com/samsamfire/atcfand/pkg/session"
	"golang.org/x/sys/unix"
)

// ClientsMaxNB is the hard per-pool admission ceiling.
const ClientsMaxNB = 200

const (
	epollMaxEvents = 100
	epollTimeoutMs = 100

	busReceiverIndex = -1 // reserved slot index carried in epoll user-data for the bus receiver
)

// Pool owns one epoll instance, a growable session slot table, and the
// pool's own bus receiver. Exactly one goroutine (the one that calls Run)
// ever touches the slot table; everything else communicates through the
// newClients channel and the exported atomic counters.
type Pool struct {
	id       int
	epfd     int
	receiver *bus.Receiver
	log      *slog.Logger

	slots []*session.Session
	free  []int

	newClients chan *net.TCPConn

	count atomic.Int64
}

// New constructs a pool: opens its own epoll instance and bus receiver,
// and registers the receiver's fd. Run must be called (typically in its
// own goroutine) to actually service it.
func New(id int, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", "pool", "pool_id", id)

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	receiver, err := bus.NewReceiver(log)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if err := receiver.SetNonblock(); err != nil {
		receiver.Close()
		unix.Close(epfd)
		return nil, err
	}

	p := &Pool{
		id:         id,
		epfd:       epfd,
		receiver:   receiver,
		log:        log,
		newClients: make(chan *net.TCPConn, ClientsMaxNB),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(busReceiverIndex)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, receiver.FD(), &ev); err != nil {
		receiver.Close()
		unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

// Count returns the current live-session count; safe for concurrent,
// lock-free reads from the server's load-balancing path.
func (p *Pool) Count() int64 {
	return p.count.Load()
}

// Close releases the pool's epoll instance and bus receiver without
// running its event loop. Used by the server to unwind pools it created
// before Run was ever called for them (construction failure of a sibling
// pool).
func (p *Pool) Close() {
	p.receiver.Close()
	unix.Close(p.epfd)
}

// AddNewClient hands an accepted, not-yet-configured connection to the
// pool. It never blocks: when the pool's intake channel (bounded at
// ClientsMaxNB) is full, the connection is logged and closed instead.
func (p *Pool) AddNewClient(conn *net.TCPConn) {
	select {
	case p.newClients <- conn:
	default:
		p.log.Warn("intake channel saturated, dropping client", "remote", conn.RemoteAddr())
		conn.Close()
	}
}

// Run services this pool's event loop until stop is closed. It must be
// called from exactly one goroutine for the pool's lifetime.
func (p *Pool) Run(stop <-chan struct{}) {
	events := make([]unix.EpollEvent, epollMaxEvents)

	for {
		select {
		case <-stop:
			p.closeAll()
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, events, epollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.log.Error("epoll wait failed", "err", err)
			continue
		}

		for i := 0; i < n; i++ {
			idx := int(int32(events[i].Fd))
			if idx == busReceiverIndex {
				p.drainBus()
				continue
			}
			p.handleSessionEvent(idx)
		}

		p.drainNewClients()
	}
}

func (p *Pool) handleSessionEvent(idx int) {
	if idx < 0 || idx >= len(p.slots) || p.slots[idx] == nil {
		// A readiness event can be queued for a slot that was since
		// emptied; silently ignore it.
		return
	}
	sess := p.slots[idx]

	pos, err := sess.RecvPosition()
	if err != nil {
		p.log.Warn("session error, removing", "remote", sess.Address(), "err", err)
		p.removeSlot(idx)
		return
	}
	if pos != nil {
		p.log.Debug("position update", "remote", sess.Address(), "lat", pos.Latitude, "lon", pos.Longitude)
	}
}

func (p *Pool) drainBus() {
	for {
		rec, err := p.receiver.Recv()
		if err != nil {
			if errors.Is(err, bus.ErrWouldBlock) {
				return
			}
			p.log.Warn("bus decode error", "err", err)
			continue
		}
		metrics.BusRecordsTotal.Inc()
		p.fanOut(rec)
	}
}

func (p *Pool) fanOut(rec record.Record) {
	var failed []int
	for idx, sess := range p.slots {
		if sess == nil {
			continue
		}
		if err := sess.SendTraffic(rec); err != nil {
			p.log.Warn("send failed, removing", "remote", sess.Address(), "err", err)
			failed = append(failed, idx)
		}
	}
	for _, idx := range failed {
		p.removeSlot(idx)
	}
}

func (p *Pool) drainNewClients() {
	for {
		select {
		case conn, ok := <-p.newClients:
			if !ok {
				return
			}
			p.admit(conn)
		default:
			return
		}
	}
}

func (p *Pool) admit(conn *net.TCPConn) {
	if p.count.Load() >= ClientsMaxNB {
		p.log.Warn("pool at capacity, refusing client", "remote", conn.RemoteAddr())
		conn.Close()
		return
	}

	sess, err := session.New(conn, p.log)
	if err != nil {
		p.log.Warn("failed to initialize session", "err", err)
		conn.Close()
		return
	}

	idx := p.allocSlot(sess)

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(idx)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, sess.FD(), &ev); err != nil {
		p.log.Warn("failed to register session fd", "err", err)
		p.freeSlot(idx)
		sess.Close()
		return
	}

	p.count.Add(1)
	metrics.PoolClients.WithLabelValues(strconv.Itoa(p.id)).Set(float64(p.count.Load()))
	p.log.Info("client connected", "remote", sess.Address())
}

func (p *Pool) allocSlot(sess *session.Session) int {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		p.slots[idx] = sess
		return idx
	}
	p.slots = append(p.slots, sess)
	return len(p.slots) - 1
}

func (p *Pool) freeSlot(idx int) {
	p.slots[idx] = nil
	p.free = append(p.free, idx)
}

func (p *Pool) removeSlot(idx int) {
	sess := p.slots[idx]
	if sess == nil {
		return
	}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, sess.FD(), nil)
	sess.Close()
	p.freeSlot(idx)
	p.count.Add(-1)
	metrics.PoolClients.WithLabelValues(strconv.Itoa(p.id)).Set(float64(p.count.Load()))
}

func (p *Pool) closeAll() {
	for idx, sess := range p.slots {
		if sess != nil {
			p.removeSlot(idx)
		}
	}
	p.receiver.Close()
	unix.Close(p.epfd)
}
