// Package supervisor implements the top-level WaitConfig/Running state
// machine that turns one decoded config.Config into a built net graph and a
// set of started servers, accepts a stream of config updates, and exposes
// the accounting/hot-swap/introspection surface.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netgraphd/netgraphd/address"
	"github.com/netgraphd/netgraphd/conn"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/graph"
	"github.com/netgraphd/netgraphd/iface"
	"github.com/netgraphd/netgraphd/internal/rderr"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/registry"
)

// State is the supervisor's top-level state: WaitConfig or Running(inner).
type State int

const (
	StateWaitConfig State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "wait_config"
}

// initialConfigTimeout bounds how long StartStream waits for the first
// config before giving up.
const initialConfigTimeout = 10 * time.Second

type runningServer struct {
	server iface.Server
	spec   config.ServerSpec
}

// Supervisor owns the registry, the live connection accounting manager, and
// (while Running) the built net table and started servers for the current
// config generation.
type Supervisor struct {
	reg *registry.Registry
	mgr *conn.Manager

	mu      sync.Mutex
	state   State
	cfg     *config.Config
	nets    *graph.NetTable
	servers map[string]runningServer
}

func New(reg *registry.Registry) *Supervisor {
	return &Supervisor{reg: reg, mgr: conn.NewManager(), state: StateWaitConfig}
}

// Start builds nets and starts servers for cfg. Fails if already running —
// callers that want to replace a running config must call Restart.
func (s *Supervisor) Start(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return fmt.Errorf("%w: supervisor already running, call Restart", rderr.ErrConfig)
	}
	return s.startLocked(ctx, cfg)
}

// Restart stops whatever is currently running (if anything) and starts cfg.
// On build/start failure the supervisor is left in WaitConfig rather than
// partially applied.
func (s *Supervisor) Restart(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return s.startLocked(ctx, cfg)
}

// Stop tears down every running server and discards the net table, returning
// the supervisor to WaitConfig.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Supervisor) startLocked(ctx context.Context, cfg *config.Config) error {
	cfg.ExpandComposites()

	nets, err := graph.BuildNets(s.reg, cfg.Net)
	if err != nil {
		return fmt.Errorf("supervisor: build_nets: %w", err)
	}

	servers := make(map[string]runningServer, len(cfg.Server))
	started := make([]iface.Server, 0, len(cfg.Server))

	rollback := func() {
		for _, srv := range started {
			srv.Stop()
		}
		for _, srv := range started {
			srv.Join()
		}
	}

	names := make([]string, 0, len(cfg.Server))
	for name := range cfg.Server {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := cfg.Server[name]
		srv, err := s.buildServer(nets, spec)
		if err != nil {
			rollback()
			return fmt.Errorf("supervisor: server %q: %w", name, err)
		}
		if err := srv.Start(ctx); err != nil {
			rollback()
			return fmt.Errorf("supervisor: start server %q: %w", name, err)
		}
		started = append(started, srv)
		servers[name] = runningServer{server: srv, spec: spec}
	}

	s.cfg = cfg
	s.nets = nets
	s.servers = servers
	s.state = StateRunning
	return nil
}

func (s *Supervisor) buildServer(nets *graph.NetTable, spec config.ServerSpec) (iface.Server, error) {
	listenName := spec.Listen
	if listenName == "" {
		listenName = config.DefaultListen
	}
	netName := spec.Net
	if netName == "" {
		netName = config.DefaultNet
	}

	listenNet, ok := nets.Lookup(listenName)
	if !ok {
		return nil, rderr.NotFound("net", listenName)
	}
	egressNet, ok := nets.Lookup(netName)
	if !ok {
		return nil, rderr.NotFound("net", netName)
	}
	wrapped := graph.NewRunningServerNet(egressNet, s.mgr)

	factory, ok := s.reg.ServerFactory(spec.Type)
	if !ok {
		return nil, rderr.NotFound("server_type", spec.Type)
	}
	resolve := func(n string) (iface.Net, bool) { return nets.Lookup(n) }
	return factory.Build(resolve, listenNet, wrapped, spec.Rest)
}

func (s *Supervisor) stopLocked() {
	if s.state != StateRunning {
		return
	}
	for name, rs := range s.servers {
		if err := rs.server.Stop(); err != nil {
			rlog.W("supervisor: stop server %q: %v", name, err)
		}
	}
	for _, rs := range s.servers {
		rs.server.Join()
	}
	s.servers = nil
	s.nets = nil
	s.cfg = nil
	s.state = StateWaitConfig
}

// StartStream drives the supervisor off a channel of config updates: the
// first config must arrive within initialConfigTimeout or StartStream
// returns an error; every config after that restarts the supervisor, with
// build/start failures logged rather than propagated, so one bad config
// update leaves the supervisor waiting for the next one instead of exiting.
func (s *Supervisor) StartStream(ctx context.Context, configs <-chan *config.Config) error {
	select {
	case cfg, ok := <-configs:
		if !ok {
			return fmt.Errorf("%w: config stream closed before first config", rderr.ErrConfig)
		}
		if err := s.Start(ctx, cfg); err != nil {
			return fmt.Errorf("supervisor: initial config: %w", err)
		}
	case <-time.After(initialConfigTimeout):
		return fmt.Errorf("%w: no config received within %s", rderr.ErrConfig, initialConfigTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case cfg, ok := <-configs:
			if !ok {
				return nil
			}
			if err := s.Restart(ctx, cfg); err != nil {
				rlog.E("supervisor: config update rejected, waiting for next config: %v", err)
			}
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		}
	}
}

// State reports whether the supervisor is idle or running, plus (when
// running) the built net and server names.
type StateSnapshot struct {
	State   State
	Nets    []string
	Servers []string
}

func (s *Supervisor) State() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StateSnapshot{State: s.state}
	if s.nets != nil {
		snap.Nets = s.nets.Names()
	}
	for name := range s.servers {
		snap.Servers = append(snap.Servers, name)
	}
	sort.Strings(snap.Servers)
	return snap
}

// ConnectionView is the read-only accounting snapshot list_connections
// returns: conn.Connection's atomic counters aren't copy-safe, so this is a
// plain-value projection taken under the manager's read lock.
type ConnectionView struct {
	UUID        uuid.UUID
	Kind        conn.Kind
	Destination address.Address
	OpenedAt    time.Time
	NetChain    []string
	BytesIn     uint64
	BytesOut    uint64
}

// ListConnections returns a snapshot of every live flow.
func (s *Supervisor) ListConnections() []ConnectionView {
	var out []ConnectionView
	s.mgr.BorrowState(func(m map[uuid.UUID]*conn.Connection) {
		out = make([]ConnectionView, 0, len(m))
		for _, c := range m {
			out = append(out, ConnectionView{
				UUID:        c.UUID,
				Kind:        c.Kind,
				Destination: c.Destination,
				OpenedAt:    c.OpenedAt,
				NetChain:    c.NetChain,
				BytesIn:     c.BytesIn(),
				BytesOut:    c.BytesOut(),
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// StopConnection forcibly terminates one live flow. Returns false if the
// uuid is unknown.
func (s *Supervisor) StopConnection(id uuid.UUID) bool {
	return s.mgr.StopConnection(id)
}

// UpdateNet rebuilds the named net in place from newSpec and atomically
// swaps it into the running graph: in-flight operations keep using the net
// they already loaded, new operations see newSpec's behavior immediately.
// The supervisor must be Running and name must already exist in the built
// graph.
func (s *Supervisor) UpdateNet(name string, newSpec config.NetSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return fmt.Errorf("%w: update_net requires a running supervisor", rderr.ErrConfig)
	}
	rn, ok := s.nets.Get(name)
	if !ok {
		return rderr.NotFound("net", name)
	}
	factory, ok := s.reg.Net(newSpec.Type)
	if !ok {
		return rderr.NotFound("net_type", newSpec.Type)
	}
	resolve := func(n string) (iface.Net, bool) { return s.nets.Lookup(n) }
	n, err := factory.Build(resolve, newSpec.Rest)
	if err != nil {
		return fmt.Errorf("supervisor: update_net %q: %w", name, err)
	}
	rn.Swap(n)
	if s.cfg != nil {
		if s.cfg.Net == nil {
			s.cfg.Net = make(map[string]config.NetSpec)
		}
		s.cfg.Net[name] = newSpec
	}
	return nil
}

// RegistrySchema reports every registered net/server type name, for
// discovery tooling.
type Schema struct {
	NetTypes    []string
	ServerTypes []string
}

func (s *Supervisor) RegistrySchema() Schema {
	nt := s.reg.NetTypes()
	st := s.reg.ServerTypes()
	sort.Strings(nt)
	sort.Strings(st)
	return Schema{NetTypes: nt, ServerTypes: st}
}
