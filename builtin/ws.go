package builtin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/flow"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/registry"
)

// WsOptions configures a WebSocket-tunneled TCP client net.
type WsOptions struct {
	Server config.NetRef `mapstructure:"server"`
	Url    string        `mapstructure:"url"`
}

// WsNet tunnels a TCP byte stream inside a WebSocket connection, mirroring
// the teacher's ipn proxy-client shape: a net.Conn-returning dialer keyed by
// a URL and a parent transport net, here wired against nhooyr.io/websocket
// instead of a raw TLS/TCP dial.
type WsNet struct {
	server iface.Net
	url    string
}

func NewWs(server iface.Net, url string) *WsNet {
	return &WsNet{server: server, url: url}
}

func (w *WsNet) TcpConnect(ctx context.Context, fctx *flow.Context, addr address.Address) (iface.TcpStream, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(dctx context.Context, network, a string) (net.Conn, error) {
				pa, err := address.Parse(a)
				if err != nil {
					return nil, fmt.Errorf("ws: parse %q: %w", a, err)
				}
				return w.server.TcpConnect(dctx, fctx, pa)
			},
		},
	}
	c, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", w.url, err)
	}
	if err := c.Write(ctx, websocket.MessageText, []byte(addr.String())); err != nil {
		c.Close(websocket.StatusInternalError, "handshake write failed")
		return nil, fmt.Errorf("ws: write destination: %w", err)
	}
	return newWsStream(ctx, c), nil
}

func (w *WsNet) TcpBind(context.Context, *flow.Context, address.Address) (iface.TcpListener, error) {
	return nil, rderr.ErrNotImplemented
}

func (w *WsNet) UdpBind(context.Context, *flow.Context, address.Address) (iface.UdpSocket, error) {
	return nil, rderr.ErrNotImplemented
}

func (w *WsNet) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	return w.server.LookupHost(ctx, host)
}

var _ iface.Net = (*WsNet)(nil)

// wsStream wraps the net.Conn adapter nhooyr.io/websocket provides over a
// single binary message stream. WebSocket has no half-close primitive, so
// CloseWrite/CloseRead are emulated: a closed write half stops accepting
// writes but leaves reads open, and vice versa. Neither half-close touches
// the socket itself, not even when both halves are closed; only an explicit
// Close tears it down.
type wsStream struct {
	net.Conn
	c           *websocket.Conn
	writeClosed atomic.Bool
	readClosed  atomic.Bool
}

func newWsStream(ctx context.Context, c *websocket.Conn) *wsStream {
	return &wsStream{Conn: websocket.NetConn(ctx, c, websocket.MessageBinary), c: c}
}

func (s *wsStream) Read(p []byte) (int, error) {
	if s.readClosed.Load() {
		return 0, fmt.Errorf("ws: read after close_read")
	}
	return s.Conn.Read(p)
}

func (s *wsStream) Write(p []byte) (int, error) {
	if s.writeClosed.Load() {
		return 0, fmt.Errorf("ws: write after close_write")
	}
	return s.Conn.Write(p)
}

func (s *wsStream) CloseWrite() error {
	s.writeClosed.Store(true)
	return nil
}

func (s *wsStream) CloseRead() error {
	s.readClosed.Store(true)
	return nil
}

func (s *wsStream) Close() error {
	return s.c.Close(websocket.StatusNormalClosure, "")
}

var _ iface.TcpStream = (*wsStream)(nil)

func registerWs(reg *registry.Registry) {
	reg.RegisterNet("ws", registry.NetFactory{
		Build: func(resolve registry.Resolver, opt map[string]any) (iface.Net, error) {
			o, err := decodeWsOptions(opt)
			if err != nil {
				return nil, err
			}
			if err := config.ResolveNet(o, resolverMap(resolve)); err != nil {
				return nil, err
			}
			return NewWs(o.Server.Net(), o.Url), nil
		},
		GetDependency: func(opt map[string]any) ([]string, error) {
			o, err := decodeWsOptions(opt)
			if err != nil {
				return nil, err
			}
			return config.GetDependency(o), nil
		},
	})
}

func decodeWsOptions(opt map[string]any) (*WsOptions, error) {
	o := &WsOptions{Server: config.NetRef{Name: "local"}}
	if err := config.Decode(opt, o); err != nil {
		return nil, err
	}
	return o, nil
}
