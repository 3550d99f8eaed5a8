package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p2engine/convorch/internal/tickdriver"
	"github.com/p2engine/convorch/internal/workers"
)

// buildServeCmd creates the "serve" command: the long-running process that
// drives every live conversation forward.
func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tick driver, session/tool workers, and janitor",
		Long: `serve runs the engine's three always-on components:

  - the tick driver, which advances each conversation's barrier once every
    registered agent has acted
  - the session and tool workers, which drain the ticks/tools queues
  - the janitor, which prunes stale branches and reaps dead agents on a
    cron schedule

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer e.rdb.Close()

	driver := tickdriver.New(e.rdb, e.ticks, tickdriver.WithLogger(e.log))

	sessionWorker := workers.NewSessionTickWorker(workers.Config{
		Redis:     e.rdb,
		Ticks:     e.ticks,
		Tools:     e.tools,
		StackFor:  e.stackFor,
		Agents:    e.agents,
		Bus:       e.bus,
		Tunables:  e.tunables(),
		MaxRounds: e.cfg.MaxRounds,
		Policy:    e.policy,
		Log:       e.log,
	})

	toolWorker := workers.NewToolWorker(e.rdb, e.ticks, e.tools, e.toolsReg, e.postEffect, e.stackFor, e.bus, e.log, nil)

	j := e.janitor()
	if err := j.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer j.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx) })
	g.Go(func() error { return sessionWorker.Run(gctx) })
	g.Go(func() error { return toolWorker.Run(gctx) })

	e.log.Info(ctx, "enginectl_serving", "redis_addr", e.cfg.Redis.Addr)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
