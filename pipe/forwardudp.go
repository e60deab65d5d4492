package pipe

import (
	"context"
	"net/netip"
	"time"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/internal/xcache"
)

const (
	natCapacity   = 256
	natExpiry     = 30 * time.Second
	natBindTO     = 5 * time.Second
	perConnQueue  = 64
)

// RawPacket is one (data, client source, original destination) triple as
// produced by a transparent/redir listener.
type RawPacket struct {
	Data        []byte
	ClientSrc   netip.AddrPort
	OriginalDst address.Address
}

// RawSource is the raw_source collaborator of forward_udp: a stream/sink of
// RawPackets inbound from clients, and a sink for packets to send back.
type RawSource interface {
	Recv(ctx context.Context) (RawPacket, error)
	// SendBack delivers data that arrived from egressFrom back to the
	// client at clientSrc.
	SendBack(ctx context.Context, data []byte, egressFrom address.Address, clientSrc netip.AddrPort) error
}

type sendBackMsg struct {
	data       []byte
	egressFrom address.Address
	clientSrc  netip.AddrPort
}

type natEntry struct {
	egress    iface.UdpSocket
	queue     chan []byte
	clientSrc netip.AddrPort
	cancel    context.CancelFunc
}

// ForwardUDP is the NAT engine for transparent UDP. It maintains a
// TTL-bounded map of client_src -> egress socket (expiry 30s, capacity
// 256), lazily binding an egress socket per client source on first packet,
// and multiplexes all egress replies back through raw's SendBack via a
// single writer goroutine (Supplemented Features: send-back tagging),
// avoiding interleaved partial writes on one shared listener socket.
func ForwardUDP(ctx context.Context, raw RawSource, egressNet iface.Net) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sendBack := make(chan sendBackMsg, perConnQueue*4)

	var nat *xcache.Expiring[netip.AddrPort, *natEntry]
	nat = xcache.NewExpiring[netip.AddrPort, *natEntry](natCapacity, func(_ netip.AddrPort, e *natEntry) {
		e.cancel()
		e.egress.Close()
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sendBack:
				if err := raw.SendBack(ctx, msg.data, msg.egressFrom, msg.clientSrc); err != nil {
					rlog.W("pipe: forward_udp: send_back: %v", err)
				}
			}
		}
	}()

	for {
		pkt, err := raw.Recv(ctx)
		if err != nil {
			return err
		}

		entry, ok := nat.Get(pkt.ClientSrc)
		if !ok {
			entry, err = bindEgress(ctx, egressNet, pkt, sendBack)
			if err != nil {
				rlog.W("pipe: forward_udp: bind egress for %v: %v", pkt.ClientSrc, err)
				continue
			}
			nat.Set(pkt.ClientSrc, entry, natExpiry)
		} else {
			nat.Set(pkt.ClientSrc, entry, natExpiry) // refresh idle timer
		}

		select {
		case entry.queue <- pkt.Data:
		default:
			rlog.W("pipe: forward_udp: queue full for %v, dropping packet", pkt.ClientSrc)
		}
	}
}

func bindEgress(ctx context.Context, egressNet iface.Net, pkt RawPacket, sendBack chan<- sendBackMsg) (*natEntry, error) {
	bctx, bcancel := context.WithTimeout(ctx, natBindTO)
	defer bcancel()

	bind := pkt.OriginalDst.ToAnyAddrPort()
	bindAddr := address.FromIP(bind.Addr(), bind.Port())

	fctx := flow.New()
	sock, err := egressNet.UdpBind(bctx, fctx, bindAddr)
	if err != nil {
		return nil, err
	}

	econtext, ecancel := context.WithCancel(ctx)
	e := &natEntry{
		egress:    sock,
		queue:     make(chan []byte, perConnQueue),
		clientSrc: pkt.ClientSrc,
		cancel:    ecancel,
	}

	go func() {
		defer sock.Close()
		for {
			select {
			case <-econtext.Done():
				return
			case data := <-e.queue:
				if _, err := sock.SendTo(data, pkt.OriginalDst); err != nil {
					rlog.D("pipe: forward_udp: egress send: %v", err)
					return
				}
			}
		}
	}()

	go func() {
		buf := make([]byte, UDPBufferSize)
		for {
			n, from, err := sock.RecvFrom(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			fromAddr := address.FromIP(from.Addr(), from.Port())
			select {
			case sendBack <- sendBackMsg{data: data, egressFrom: fromAddr, clientSrc: e.clientSrc}:
			case <-econtext.Done():
				return
			}
		}
	}()

	return e, nil
}
