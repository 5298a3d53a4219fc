package bus

import (
	"sync"

	"github.com/samsamfire/atcfand/pkg/record"
)

// InMemory is an in-process bus substitute used by tests: every record
// posted through a Producer reaches every Consumer obtained from the same
// InMemory, in FIFO order per producer, without touching a socket.
type InMemory struct {
	mu        sync.Mutex
	consumers []chan record.Record
}

// NewInMemory constructs an empty in-process bus.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// Producer returns a handle whose Send posts to every current and future
// Consumer of this bus.
func (b *InMemory) Producer() *MemoryProducer {
	return &MemoryProducer{bus: b}
}

// Consumer registers a new receiver with the given channel capacity and
// returns it. Records posted before a Consumer call are never seen by it.
func (b *InMemory) Consumer(capacity int) *MemoryConsumer {
	ch := make(chan record.Record, capacity)
	b.mu.Lock()
	b.consumers = append(b.consumers, ch)
	b.mu.Unlock()
	return &MemoryConsumer{ch: ch}
}

func (b *InMemory) broadcast(rec record.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.consumers {
		select {
		case ch <- rec:
		default:
			// Consumer is behind; the real multicast bus would drop under
			// equivalent kernel-buffer pressure, so do the same here
			// rather than block the producer.
		}
	}
}

// MemoryProducer is the InMemory analogue of Sender.
type MemoryProducer struct {
	bus *InMemory
}

// Send posts rec to every current consumer; best-effort, like Sender.Send.
func (p *MemoryProducer) Send(rec record.Record) {
	p.bus.broadcast(rec)
}

// MemoryConsumer is the InMemory analogue of Receiver.
type MemoryConsumer struct {
	ch chan record.Record
}

// Recv returns the next record, or ErrWouldBlock if none is queued.
func (c *MemoryConsumer) Recv() (record.Record, error) {
	select {
	case rec := <-c.ch:
		return rec, nil
	default:
		return record.Record{}, ErrWouldBlock
	}
}
