package builtin

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/txthinking/socks5"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/pipe"
	"github.com/netgraphd/netgraphd/registry"
)

// Socks5Server is a SOCKS5 listener built on github.com/txthinking/socks5,
// with its request dispatch rebound through the server's resolved "net"
// reference instead of a direct net.Dial, so every proxied connection flows
// through the rule engine.
type Socks5Server struct {
	egress iface.Net
	addr   string

	mu  sync.Mutex
	srv *socks5.Server
	wg  sync.WaitGroup
}

func NewSocks5Server(egress iface.Net, addr string) *Socks5Server {
	return &Socks5Server{egress: egress, addr: addr}
}

func (s *Socks5Server) Start(ctx context.Context) error {
	srv, err := socks5.NewClassicServer(s.addr, "0.0.0.0", "", "", 60, 60)
	if err != nil {
		return fmt.Errorf("socks5 server: %w", err)
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.ListenAndServe(&socks5Handler{ctx: ctx, egress: s.egress}); err != nil {
			rlog.D("socks5 server: listen_and_serve: %v", err)
		}
	}()
	return nil
}

func (s *Socks5Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.srv.Shutdown()
	}
	return nil
}

func (s *Socks5Server) Join() {
	s.wg.Wait()
}

var _ iface.Server = (*Socks5Server)(nil)

// socks5Handler implements socks5.Handler, dialing CONNECT targets and
// relaying ASSOCIATE datagrams through egress instead of the library's
// default direct-dial behavior.
type socks5Handler struct {
	ctx    context.Context
	egress iface.Net
}

func (h *socks5Handler) TCPHandle(srv *socks5.Server, conn *net.TCPConn, r *socks5.Request) error {
	if r.Cmd != socks5.CmdConnect {
		return socks5.ErrUnsupportCmd
	}
	addr, err := address.Parse(r.Address())
	if err != nil {
		return fmt.Errorf("socks5 server: parse target %q: %w", r.Address(), err)
	}

	fctx := flow.New()
	egress, err := h.egress.TcpConnect(h.ctx, fctx, addr)
	if err != nil {
		p := socks5.NewReply(socks5.RepHostUnreachable, socks5.ATYPIPv4, net.IPv4zero, []byte{0, 0})
		p.WriteTo(conn)
		return err
	}
	defer egress.Close()

	p := socks5.NewReply(socks5.RepSuccess, socks5.ATYPIPv4, net.IPv4zero, []byte{0, 0})
	if _, err := p.WriteTo(conn); err != nil {
		return err
	}
	return pipe.ConnectTCP(h.ctx, connStream{conn}, egress)
}

func (h *socks5Handler) UDPHandle(srv *socks5.Server, addr *net.UDPAddr, d *socks5.Datagram) error {
	dst, err := address.Parse(d.Address())
	if err != nil {
		return fmt.Errorf("socks5 server: parse udp dest %q: %w", d.Address(), err)
	}
	fctx := flow.New()
	wild := dst.ToAnyAddrPort()
	sock, err := h.egress.UdpBind(h.ctx, fctx, address.FromIP(wild.Addr(), wild.Port()))
	if err != nil {
		return err
	}
	defer sock.Close()
	if _, err := sock.SendTo(d.Data, dst); err != nil {
		return err
	}
	buf := make([]byte, pipe.UDPBufferSize)
	n, _, err := sock.RecvFrom(buf)
	if err != nil {
		return err
	}
	reply := socks5.NewDatagram(d.Atyp, d.DstAddr, d.DstPort, buf[:n])
	_, err = srv.UDPConn.WriteToUDP(reply.Bytes(), addr)
	return err
}

// connStream adapts a *net.TCPConn to iface.TcpStream (net.TCPConn already
// implements CloseWrite/CloseRead; this only narrows the type).
type connStream struct{ *net.TCPConn }

var _ iface.TcpStream = connStream{}

func registerSocks5Server(reg *registry.Registry) {
	reg.RegisterServer("socks5", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, egress iface.Net, opt map[string]any) (iface.Server, error) {
			bind, err := bindAddr(opt)
			if err != nil {
				return nil, err
			}
			return NewSocks5Server(egress, bind.String()), nil
		},
	})
}
