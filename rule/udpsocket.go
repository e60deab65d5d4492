package rule

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
)

const (
	udpRuleBindTimeout = 5 * time.Second
	udpRuleNATExpiry   = 30 * time.Second
	udpRuleRecvQueue   = 64
)

type recvItem struct {
	data []byte
	from netip.AddrPort
}

type targetState int

const (
	targetIdle targetState = iota
	targetBinding
	targetBound
)

// natTarget is one entry of the per-client NAT map keyed by target name
// (Supplemented Features: "UDP rule-socket NAT entry reuse keyed by target
// name"): once the rule engine has picked a target for some destination,
// any later destination that resolves to the *same* target reuses this
// entry's egress socket rather than rebinding, while a destination that
// resolves to a *different* target gets its own entry.
type natTarget struct {
	mu       sync.Mutex
	state    targetState
	egress   iface.UdpSocket
	lastUsed time.Time
}

// UDPRuleSocket implements a UDP rule socket state machine:
// Idle -> Binding(first_dst) -> Bound(egress_socket_for_target), with the
// NAT map above layered on top — "Idle"/"Binding"/"Bound" are per
// target-name entry, not global to the client socket, so traffic to
// distinct targets never blocks on one another's bind. A single SendTo
// must select a target lazily because the destination is unknown at
// bind time.
type UDPRuleSocket struct {
	rule  *Rule
	fctx  *flow.Context
	local address.Address

	mu      sync.Mutex
	targets map[string]*natTarget

	recvCh chan recvItem
	closed chan struct{}
	once   sync.Once
}

func NewUDPRuleSocket(rule *Rule, fctx *flow.Context, local address.Address) *UDPRuleSocket {
	return &UDPRuleSocket{
		rule:    rule,
		fctx:    fctx,
		local:   local,
		targets: make(map[string]*natTarget),
		recvCh:  make(chan recvItem, udpRuleRecvQueue),
		closed:  make(chan struct{}),
	}
}

func (s *UDPRuleSocket) LocalAddr() net.Addr {
	ap := s.local.ToAnyAddrPort()
	return net.UDPAddrFromAddrPort(ap)
}

func (s *UDPRuleSocket) SendTo(data []byte, to address.Address) (int, error) {
	e, err := s.rule.GetRule(MatchContext{Dest: to})
	if err != nil {
		return 0, err
	}

	t := s.targetFor(e.TargetName)

	t.mu.Lock()
	if t.state == targetBound && time.Since(t.lastUsed) > udpRuleNATExpiry {
		if t.egress != nil {
			t.egress.Close()
		}
		t.egress = nil
		t.state = targetIdle
	}
	switch t.state {
	case targetBinding:
		t.mu.Unlock()
		return 0, fmt.Errorf("rule: udp rule socket: not ready")
	case targetIdle:
		t.state = targetBinding
		t.mu.Unlock()

		bctx, cancel := context.WithTimeout(context.Background(), udpRuleBindTimeout)
		bind := to.ToAnyAddrPort()
		bindAddr := address.FromIP(bind.Addr(), bind.Port())
		egress, err := e.Target.UdpBind(bctx, s.fctx, bindAddr)
		cancel()

		t.mu.Lock()
		if err != nil {
			t.state = targetIdle
			t.mu.Unlock()
			return 0, err
		}
		t.egress = egress
		t.state = targetBound
		t.lastUsed = time.Now()
		t.mu.Unlock()

		go s.recvLoop(egress)
	default: // targetBound
		t.lastUsed = time.Now()
		t.mu.Unlock()
	}

	t.mu.Lock()
	egress := t.egress
	t.mu.Unlock()

	return egress.SendTo(data, to)
}

func (s *UDPRuleSocket) targetFor(name string) *natTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[name]
	if !ok {
		t = &natTarget{}
		s.targets[name] = t
	}
	return t
}

func (s *UDPRuleSocket) recvLoop(egress iface.UdpSocket) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := egress.RecvFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.recvCh <- recvItem{data: data, from: from}:
		case <-s.closed:
			return
		default:
			rlog.W("rule: udp rule socket: client recv queue full, dropping packet from %v", from)
		}
	}
}

func (s *UDPRuleSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case item := <-s.recvCh:
		n := copy(buf, item.data)
		return n, item.from, nil
	case <-s.closed:
		return 0, netip.AddrPort{}, fmt.Errorf("rule: udp rule socket: closed")
	}
}

func (s *UDPRuleSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	targets := make([]*natTarget, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()

	var first error
	for _, t := range targets {
		t.mu.Lock()
		if t.egress != nil {
			if err := t.egress.Close(); err != nil && first == nil {
				first = err
			}
		}
		t.mu.Unlock()
	}
	return first
}

var _ iface.UdpSocket = (*UDPRuleSocket)(nil)
