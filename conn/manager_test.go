package conn_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/conn"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestManagerNewConnectionAppearsInState(t *testing.T) {
	m := conn.NewManager()
	defer m.Stop()

	dest := address.FromDomain("example.com", 443)
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := m.NewConnection(conn.KindTCP, dest, []string{"mixed", "rule"}, cancel)

	waitFor(t, func() bool {
		found := false
		m.BorrowState(func(cs map[uuid.UUID]*conn.Connection) {
			_, found = cs[id]
		})
		return found
	})

	m.BorrowState(func(cs map[uuid.UUID]*conn.Connection) {
		c := cs[id]
		require.Equal(t, conn.KindTCP, c.Kind)
		require.Equal(t, dest, c.Destination)
		require.Equal(t, []string{"mixed", "rule"}, c.NetChain)
	})
}

func TestManagerByteCounters(t *testing.T) {
	m := conn.NewManager()
	defer m.Stop()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := m.NewConnection(conn.KindTCP, address.FromDomain("x", 1), nil, cancel)

	m.Inbound(id, 100)
	m.Inbound(id, 50)
	m.Outbound(id, 10)

	waitFor(t, func() bool {
		var ok bool
		m.BorrowState(func(cs map[uuid.UUID]*conn.Connection) {
			c, found := cs[id]
			ok = found && c.BytesIn() == 150 && c.BytesOut() == 10
		})
		return ok
	})
}

func TestManagerClosedRemovesConnection(t *testing.T) {
	m := conn.NewManager()
	defer m.Stop()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := m.NewConnection(conn.KindUDP, address.FromDomain("x", 1), nil, cancel)

	waitFor(t, func() bool {
		found := false
		m.BorrowState(func(cs map[uuid.UUID]*conn.Connection) { _, found = cs[id] })
		return found
	})

	m.Closed(id)

	waitFor(t, func() bool {
		found := false
		m.BorrowState(func(cs map[uuid.UUID]*conn.Connection) { _, found = cs[id] })
		return !found
	})
}

// TestManagerStopConnectionInvokesCancel verifies StopConnection invokes
// the stashed cancel handle even when the NewConnection event hasn't been
// applied to the map yet (the race this package's apply() preserves cancel
// across).
func TestManagerStopConnectionInvokesCancel(t *testing.T) {
	m := conn.NewManager()
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	id := m.NewConnection(conn.KindTCP, address.FromDomain("x", 1), nil, cancel)

	// NewConnection inserts its own record before returning, so this wait
	// is satisfied whether or not the run loop has applied the NewTcp event
	// yet; StopConnection must find the cancel func in either ordering,
	// which depends on apply() preserving it.
	waitFor(t, func() bool {
		found := false
		m.BorrowState(func(cs map[uuid.UUID]*conn.Connection) { _, found = cs[id] })
		return found
	})

	ok := m.StopConnection(id)
	require.True(t, ok)

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel was not invoked by StopConnection")
	}
}

func TestManagerStopConnectionUnknownUUIDFails(t *testing.T) {
	m := conn.NewManager()
	defer m.Stop()
	require.False(t, m.StopConnection(uuid.New()))
}
