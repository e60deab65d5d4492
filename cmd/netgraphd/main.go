// Command netgraphd runs the declarative net/server graph described by a
// JSON config file until terminated.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/netgraphd/netgraphd/builtin"
	"github.com/netgraphd/netgraphd/config"
	"github.com/netgraphd/netgraphd/internal/rlog"
	"github.com/netgraphd/netgraphd/registry"
	"github.com/netgraphd/netgraphd/rule"
	"github.com/netgraphd/netgraphd/sniffer"
	"github.com/netgraphd/netgraphd/supervisor"
)

func main() {
	if err := run(); err != nil {
		rlog.E("netgraphd: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: %s <config.json>", os.Args[0])
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	var cfg config.Config
	if err := config.Decode(doc, &cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	reg := registry.New()
	builtin.Register(reg)
	rule.Register(reg)
	sniffer.Register(reg)

	sup := supervisor.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx, &cfg); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	rlog.I("netgraphd: started, state=%s", sup.State().State)

	<-ctx.Done()
	rlog.I("netgraphd: shutting down")
	return sup.Stop()
}
