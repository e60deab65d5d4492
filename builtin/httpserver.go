package builtin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/elazarl/goproxy"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/registry"
)

// HTTPServer is an HTTP CONNECT + plain-proxy listener built on
// elazarl/goproxy's ProxyHttpServer, with its Tr.DialContext/ConnectDial
// hooks rebound to call the server's resolved net.TcpConnect instead of a
// real net.Dial, so every proxied request flows through the rule engine.
type HTTPServer struct {
	listen iface.Net
	net    iface.Net
	bind   address.Address

	mu      sync.Mutex
	ln      iface.TcpListener
	httpSrv *http.Server
	wg      sync.WaitGroup
}

func NewHTTPServer(listen, egress iface.Net, bind address.Address) *HTTPServer {
	return &HTTPServer{listen: listen, net: egress, bind: bind}
}

func (s *HTTPServer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	a, err := address.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("http server: parse %q: %w", addr, err)
	}
	fctx := flow.New()
	return s.net.TcpConnect(ctx, fctx, a)
}

func (s *HTTPServer) Start(ctx context.Context) error {
	fctx := flow.New()
	ln, err := s.listen.TcpBind(ctx, fctx, s.bind)
	if err != nil {
		return fmt.Errorf("http server: bind %s: %w", s.bind, err)
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Tr = &http.Transport{DialContext: s.dial}
	proxy.ConnectDial = func(network, addr string) (net.Conn, error) {
		return s.dial(ctx, network, addr)
	}

	s.mu.Lock()
	s.ln = ln
	s.httpSrv = &http.Server{Handler: proxy}
	srv := s.httpSrv
	s.mu.Unlock()

	adapter := &listenerAdapter{ctx: ctx, ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(adapter); err != nil && err != http.ErrServerClosed {
			rlog.D("http server: serve: %v", err)
		}
	}()
	return nil
}

func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	return nil
}

func (s *HTTPServer) Join() {
	s.wg.Wait()
}

var _ iface.Server = (*HTTPServer)(nil)

// listenerAdapter makes an iface.TcpListener usable as a net.Listener for
// the standard library's http.Server.
type listenerAdapter struct {
	ctx context.Context
	ln  iface.TcpListener
}

func (l *listenerAdapter) Accept() (net.Conn, error) { return l.ln.Accept(l.ctx) }
func (l *listenerAdapter) Close() error              { return l.ln.Close() }
func (l *listenerAdapter) Addr() net.Addr            { return l.ln.Addr() }

var _ net.Listener = (*listenerAdapter)(nil)

func registerHTTPServer(reg *registry.Registry) {
	reg.RegisterServer("http", registry.ServerFactory{
		Build: func(resolve registry.Resolver, listen, egress iface.Net, opt map[string]any) (iface.Server, error) {
			bind, err := bindAddr(opt)
			if err != nil {
				return nil, err
			}
			return NewHTTPServer(listen, egress, bind), nil
		},
	})
}

// bindAddr decodes the common {bind: "host:port"} shape shared by the
// http/socks5/mixed server types.
func bindAddr(opt map[string]any) (address.Address, error) {
	var o struct {
		Bind string `mapstructure:"bind"`
	}
	if err := config.Decode(opt, &o); err != nil {
		return address.Address{}, err
	}
	return address.Parse(o.Bind)
}
