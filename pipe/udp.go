package pipe

import (
	"context"

	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rlog"
)

// UDPBufferSize is the fixed per-receive buffer size used throughout the
// UDP pipes.
const UDPBufferSize = 64 * 1024

// ConnectUDP owns both channel and socket for their joint lifetime. It races
// two loops: (i) channel -> socket, (ii) socket -> channel, returning when
// either direction terminates or errors, or ctx is cancelled.
func ConnectUDP(ctx context.Context, channel iface.UdpChannel, socket iface.UdpSocket) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)

	go func() {
		for {
			data, to, err := channel.RecvSendTo(ctx)
			if err != nil {
				errc <- err
				return
			}
			if _, err := socket.SendTo(data, to); err != nil {
				errc <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, UDPBufferSize)
		for {
			n, from, err := socket.RecvFrom(buf)
			if err != nil {
				errc <- err
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := channel.SendRecvFrom(data, from); err != nil {
				errc <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		socket.Close()
		channel.Close()
		<-errc
		return ctx.Err()
	case err := <-errc:
		cancel()
		socket.Close()
		channel.Close()
		rlog.D("pipe: connect_udp: ending: %v", err)
		return err
	}
}
