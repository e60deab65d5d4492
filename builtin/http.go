package builtin

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

// HttpOptions configures an HTTP CONNECT tunnel client net.
type HttpOptions struct {
	Server   config.NetRef `mapstructure:"server"`
	Addr     string        `mapstructure:"addr"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
}

// HttpNet dials its Server net to reach the proxy, then issues an HTTP
// CONNECT for every tcp_connect, handing the caller the tunnel once the
// proxy answers 200. The handshake itself is the same request/response
// shape as intra/ipn/h1.HttpTunnel.Dial, adapted to run over an
// iface.TcpStream obtained from an upstream Net instead of a raw
// net.Dialer.
type HttpNet struct {
	server   iface.Net
	proxy    address.Address
	user     string
	password string
}

func NewHttp(server iface.Net, proxyAddr address.Address, user, password string) *HttpNet {
	return &HttpNet{server: server, proxy: proxyAddr, user: user, password: password}
}

func (h *HttpNet) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	stream, err := h.server.TcpConnect(ctx, fctx, h.proxy)
	if err != nil {
		return nil, fmt.Errorf("http: dial proxy %s: %w", h.proxy, err)
	}
	if err := h.connectHandshake(stream, addr); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

func (h *HttpNet) connectHandshake(stream iface.TcpStream, addr address.Address) error {
	req := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: addr.String()},
		Host:   addr.String(),
		Header: make(http.Header),
	}
	if h.user != "" {
		req.SetBasicAuth(h.user, h.password)
	}
	if err := req.Write(stream); err != nil {
		return fmt.Errorf("http: write connect request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(stream), req)
	if err != nil {
		return fmt.Errorf("http: read connect response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http: connect %s: proxy returned %s", addr, resp.Status)
	}
	return nil
}

func (h *HttpNet) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, rderr.ErrNotImplemented
}

func (h *HttpNet) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return nil, rderr.ErrNotImplemented
}

func (h *HttpNet) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return h.server.LookupHost(ctx, host)
}

var _ iface.Net = (*HttpNet)(nil)

func registerHttp(reg *registry.Registry) {
	reg.RegisterNet("http", registry.NetFactory{
		Build: func(resolve registry.Resolver, opt map[string]any) (iface.Net, error) {
			o, err := decodeHttpOptions(opt)
			if err != nil {
				return nil, err
			}
			if err := config.ResolveNet(o, resolverMap(resolve)); err != nil {
				return nil, err
			}
			proxyAddr, err := address.Parse(o.Addr)
			if err != nil {
				return nil, fmt.Errorf("http: %w", err)
			}
			return NewHttp(o.Server.Net(), proxyAddr, o.User, o.Password), nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			o, err := decodeHttpOptions(opt)
			if err != nil {
				return nil, err
			}
			return config.GetDependency(o), nil
		},
	})
}

func decodeHttpOptions(opt map[string]any) (*HttpOptions, error) {
	o := &HttpOptions{Server: config.NetRef{Name: "local"}}
	if err := config.Decode(opt, o); err != nil {
		return nil, err
	}
	return o, nil
}
