// Package pipe implements three flow-plumbing primitives: ConnectTCP
// (bidirectional byte pump with half-close), ConnectUDP (UdpChannel <->
// UdpSocket bridge), and ForwardUDP (the transparent-UDP NAT engine).
package pipe

import (
	"context"
	"errors"
	"io"

	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
)

// ConnectTCP concurrently copies a->b and b->a. On EOF of one direction, the
// opposite write half is half-closed (never both streams torn down just
// because one direction finished) so that e.g. an HTTP/1.1 "Connection:
// close" response can still be delivered after the client half-closes.
// Returns when both directions are complete, or the first hard error (not
// counting EOF, which is the expected terminal condition of io.Copy).
func ConnectTCP(ctx context.Context, a, b iface.TcpStream) error {
	errc := make(chan error, 2)

	go func() { errc <- pump(a, b) }()
	go func() { errc <- pump(b, a) }()

	go func() {
		<-ctx.Done()
		a.Close()
		b.Close()
	}()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
			// Tear both streams down so the other pump returns too.
			a.Close()
			b.Close()
		}
	}
	return first
}

// pump copies src->dst and half-closes dst's write side on src EOF.
func pump(dst, src iface.TcpStream) error {
	_, err := io.Copy(dst, src)
	src.CloseRead()
	if cwErr := dst.CloseWrite(); cwErr != nil && err == nil {
		// Some transports (e.g. already-closed peer) return an error
		// on CloseWrite that isn't actionable; only surface it if the
		// copy itself was clean, to avoid masking the real failure.
		if !errors.Is(cwErr, io.ErrClosedPipe) {
			rlog.D("pipe: connect_tcp: close_write: %v", cwErr)
		}
	}
	return err
}
