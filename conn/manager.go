// Package conn implements an event bus and connection manager that
// tracks live TCP/UDP flows and their byte counters, and supports forced
// termination of a single flow by uuid.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netgraphd/netgraphd/address"
)

type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// Connection is the accounting record for one live flow.
type Connection struct {
	UUID        uuid.UUID
	Kind        Kind
	Destination address.Address
	OpenedAt    time.Time
	NetChain    []string

	bytesIn  atomicU64
	bytesOut atomicU64
	cancel   context.CancelFunc
}

func (c *Connection) BytesIn() uint64  { return c.bytesIn.load() }
func (c *Connection) BytesOut() uint64 { return c.bytesOut.load() }

// Event is the tagged union fed into the manager's channel.
type Event struct {
	Kind        EventKind
	UUID        uuid.UUID
	Destination address.Address // NewTcp/NewUdp
	NetChain    []string        // NewTcp/NewUdp
	N           int             // Inbound/Outbound
}

type EventKind int

const (
	EventNewTCP EventKind = iota
	EventNewUDP
	EventInbound
	EventOutbound
	EventClosed
)

const (
	eventBurst   = 16
	idleSleep    = 100 * time.Millisecond
	eventChanCap = 1024
)

// Manager owns the live connection map and drains an unbounded-in-practice
// (but generously buffered) event channel in bursts of up to eventBurst
// events per wake. Each event is applied under its own acquisition of the
// map lock; a burst does not hold the lock across events.
type Manager struct {
	events chan Event

	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewManager() *Manager {
	m := &Manager{
		events: make(chan Event, eventChanCap),
		conns:  make(map[uuid.UUID]*Connection),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case first := <-m.events:
			m.apply(first)
			drained := 1
			for drained < eventBurst {
				select {
				case ev := <-m.events:
					m.apply(ev)
					drained++
				default:
					drained = eventBurst // break outer loop
				}
			}
			if drained >= eventBurst {
				continue
			}
		case <-time.After(idleSleep):
		}
	}
}

func (m *Manager) apply(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case EventNewTCP, EventNewUDP:
		k := KindTCP
		if ev.Kind == EventNewUDP {
			k = KindUDP
		}
		// NewConnection may have already raced ahead of this event and
		// stashed a cancel func under the same uuid; preserve it rather
		// than clobbering it with a fresh zero-value Connection, or
		// StopConnection silently becomes a no-op.
		var cancel context.CancelFunc
		if existing, ok := m.conns[ev.UUID]; ok {
			cancel = existing.cancel
		}
		m.conns[ev.UUID] = &Connection{
			UUID:        ev.UUID,
			Kind:        k,
			Destination: ev.Destination,
			OpenedAt:    time.Now(),
			NetChain:    ev.NetChain,
			cancel:      cancel,
		}
	case EventInbound:
		if c, ok := m.conns[ev.UUID]; ok {
			c.bytesIn.add(uint64(ev.N))
		}
	case EventOutbound:
		if c, ok := m.conns[ev.UUID]; ok {
			c.bytesOut.add(uint64(ev.N))
		}
	case EventClosed:
		delete(m.conns, ev.UUID)
	}
}

// Publish enqueues an event; used by NewConnection/the counting stream
// wrapper in package graph. Drops silently (with the channel's natural
// backpressure already generous) only if the manager has been stopped.
func (m *Manager) Publish(ev Event) {
	select {
	case m.events <- ev:
	case <-m.stopCh:
	}
}

// NewConnection registers a new flow and returns its uuid plus a
// context.CancelFunc-backed cancel slot that StopConnection will invoke.
func (m *Manager) NewConnection(kind Kind, dest address.Address, chain []string, cancel context.CancelFunc) uuid.UUID {
	id := uuid.New()
	evKind := EventNewTCP
	if kind == KindUDP {
		evKind = EventNewUDP
	}
	m.Publish(Event{Kind: evKind, UUID: id, Destination: dest, NetChain: chain})
	m.mu.Lock()
	// the run loop will create the Connection record asynchronously;
	// stash the cancel func eagerly under the same id so StopConnection
	// never races a not-yet-applied NewTcp event.
	if c, ok := m.conns[id]; ok {
		c.cancel = cancel
	} else {
		m.conns[id] = &Connection{UUID: id, Kind: kind, Destination: dest, OpenedAt: time.Now(), NetChain: chain, cancel: cancel}
	}
	m.mu.Unlock()
	return id
}

func (m *Manager) Closed(id uuid.UUID) {
	m.Publish(Event{Kind: EventClosed, UUID: id})
}

func (m *Manager) Inbound(id uuid.UUID, n int) {
	m.Publish(Event{Kind: EventInbound, UUID: id, N: n})
}

func (m *Manager) Outbound(id uuid.UUID, n int) {
	m.Publish(Event{Kind: EventOutbound, UUID: id, N: n})
}

// StopConnection signals the connection's cancel handle, aborting the
// owning task; the subsequent Closed event cleans up the map entry. Returns
// false if uuid is unknown.
func (m *Manager) StopConnection(id uuid.UUID) bool {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// BorrowState hands fn an immutable view of the live map under a short read
// lock.
func (m *Manager) BorrowState(fn func(map[uuid.UUID]*Connection)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.conns)
}

// Stop terminates the manager's background goroutine. Safe to call once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}
