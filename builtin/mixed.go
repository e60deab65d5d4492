package builtin

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"

	"github.com/elazarl/goproxy"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/pipe"
	"github.com/netgraphd/netgraphd/registry"
)

// MixedServer peeks the first byte of every accepted connection: 0x05
// dispatches to an inline SOCKS5 CONNECT responder, anything else to a
// goproxy-backed HTTP CONNECT/plain-proxy handler, sharing one listener
// (spec.md §4.11's "mixed" server).
type MixedServer struct {
	listen iface.Net
	net    iface.Net
	bind   address.Address

	mu  sync.Mutex
	ln  iface.TcpListener
	wg  sync.WaitGroup
	hwg sync.WaitGroup
}

func NewMixed(listen, egress iface.Net, bind address.Address) *MixedServer {
	return &MixedServer{listen: listen, net: egress, bind: bind}
}

func (s *MixedServer) Start(ctx context.Context) error {
	fctx := flow.New()
	ln, err := s.listen.TcpBind(ctx, fctx, s.bind)
	if err != nil {
		return fmt.Errorf("mixed: bind %s: %w", s.bind, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *MixedServer) acceptLoop(ctx context.Context, ln iface.TcpListener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		s.hwg.Add(1)
		go func() {
			defer s.hwg.Done()
			s.dispatch(ctx, c)
		}()
	}
}

func (s *MixedServer) dispatch(ctx context.Context, c iface.TcpStream) {
	br := bufio.NewReader(c)
	first, err := br.Peek(1)
	if err != nil {
		c.Close()
		return
	}
	peeked := &peekedStream{TcpStream: c, r: br}
	if first[0] == 0x05 {
		if err := serveSocks5Connect(ctx, peeked, s.net); err != nil {
			rlog.D("mixed: socks5: %v", err)
		}
		return
	}
	serveHTTPOnce(ctx, peeked, s.net)
}

func (s *MixedServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *MixedServer) Join() {
	s.wg.Wait()
	s.hwg.Wait()
}

var _ iface.Server = (*MixedServer)(nil)

// peekedStream is an iface.TcpStream whose Read is satisfied from a
// bufio.Reader that already consumed a peek, so the dispatch byte isn't
// lost to whichever handler takes over.
type peekedStream struct {
	iface.TcpStream
	r *bufio.Reader
}

func (p *peekedStream) Read(b []byte) (int, error) { return p.r.Read(b) }

// serveSocks5Connect implements the minimal subset of RFC 1928 the "mixed"
// dispatcher needs: no-auth negotiation plus a single CONNECT request,
// inline rather than through github.com/txthinking/socks5's own listener
// (which owns its socket and can't share one with the HTTP path) — the
// dedicated "socks5" server type (builtin/socks5server.go) is where that
// dependency is exercised in full.
func serveSocks5Connect(ctx context.Context, c iface.TcpStream, egress iface.Net) error {
	defer c.Close()

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c, hdr); err != nil {
		return err
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(c, methods); err != nil {
		return err
	}
	if _, err := c.Write([]byte{0x05, 0x00}); err != nil { // version 5, no auth
		return err
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(c, req); err != nil {
		return err
	}
	if req[0] != 0x05 || req[1] != 0x01 { // version 5, CONNECT
		c.Write([]byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return fmt.Errorf("mixed: unsupported socks5 command %d", req[1])
	}

	dst, err := readSocks5Addr(c, req[3])
	if err != nil {
		return err
	}

	fctx := flow.New()
	stream, err := egress.TcpConnect(ctx, fctx, dst)
	if err != nil {
		c.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		return err
	}
	defer stream.Close()

	if _, err := c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
		return err
	}
	return pipe.ConnectTCP(ctx, c, stream)
}

func readSocks5Addr(r io.Reader, atyp byte) (address.Address, error) {
	switch atyp {
	case 0x01: // IPv4
		b := make([]byte, 4+2)
		if _, err := io.ReadFull(r, b); err != nil {
			return address.Address{}, err
		}
		ip, _ := netip.AddrFromSlice(b[:4])
		return address.FromIP(ip, binary.BigEndian.Uint16(b[4:])), nil
	case 0x03: // domain
		lb := make([]byte, 1)
		if _, err := io.ReadFull(r, lb); err != nil {
			return address.Address{}, err
		}
		b := make([]byte, int(lb[0])+2)
		if _, err := io.ReadFull(r, b); err != nil {
			return address.Address{}, err
		}
		domain := string(b[:lb[0]])
		port := binary.BigEndian.Uint16(b[lb[0]:])
		return address.FromDomain(domain, port), nil
	case 0x04: // IPv6
		b := make([]byte, 16+2)
		if _, err := io.ReadFull(r, b); err != nil {
			return address.Address{}, err
		}
		ip, _ := netip.AddrFromSlice(b[:16])
		return address.FromIP(ip, binary.BigEndian.Uint16(b[16:])), nil
	default:
		return address.Address{}, fmt.Errorf("mixed: unknown socks5 address type %d", atyp)
	}
}

// oneShotListener yields exactly one already-accepted connection to an
// http.Server.Serve call, then blocks until closed — letting the "mixed"
// dispatcher share goproxy's handler without owning its own listener.
type oneShotListener struct {
	c    net.Conn
	once sync.Once
	done chan struct{}
}

func newOneShotListener(c net.Conn) *oneShotListener {
	return &oneShotListener{c: c, done: make(chan struct{})}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	c := l.c
	if c == nil {
		<-l.done
		return nil, io.EOF
	}
	l.c = nil
	return c, nil
}

func (l *oneShotListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *oneShotListener) Addr() net.Addr { return dummyAddr{} }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "mixed" }

func serveHTTPOnce(ctx context.Context, c iface.TcpStream, egress iface.Net) {
	proxy := goproxy.NewProxyHttpServer()
	dial := func(dctx context.Context, network, addr string) (net.Conn, error) {
		a, err := address.Parse(addr)
		if err != nil {
			return nil, err
		}
		fctx := flow.New()
		return egress.TcpConnect(dctx, fctx, a)
	}
	proxy.Tr = &http.Transport{DialContext: dial}
	proxy.ConnectDial = func(network, addr string) (net.Conn, error) {
		return dial(ctx, network, addr)
	}
	ln := newOneShotListener(c)
	srv := &http.Server{Handler: proxy}
	srv.Serve(ln)
}

func registerMixed(reg *registry.Registry) {
	reg.RegisterServer("mixed", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, egress iface.Net, opt map[string]any) (iface.Server, error) {
			bind, err := bindAddr(opt)
			if err != nil {
				return nil, err
			}
			return NewMixed(listen, egress, bind), nil
		},
	})
}
