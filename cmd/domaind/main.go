// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Command domaind runs the VM lifecycle engine as a standalone daemon:
// it wires every collaborator client from configuration, starts the
// domain watcher and periodic reconciler, and serves the RPC boundary
// over HTTP until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/builder"
	"github.com/openxenstack/domaind/config"
	"github.com/openxenstack/domaind/devices"
	"github.com/openxenstack/domaind/engine"
	"github.com/openxenstack/domaind/enginestore"
	"github.com/openxenstack/domaind/hypervisor"
	"github.com/openxenstack/domaind/membroker"
	"github.com/openxenstack/domaind/rpc"
	"github.com/openxenstack/domaind/storage"
	"github.com/openxenstack/domaind/updatebus"
	"github.com/openxenstack/domaind/watcher"
	"github.com/openxenstack/domaind/xenstore"
)

var (
	cfgFile string
	debug   bool
)

func main() {
	root := &cobra.Command{
		Use:   "domaind",
		Short: "VM lifecycle engine control-plane daemon",
		RunE:  runDaemon,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable trace-level text logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon holds every wired collaborator so runDaemon's steps stay
// linear: wire, start background loops, serve, shut down.
type daemon struct {
	log     base.Logger
	cfg     config.Config
	engine  *engine.Engine
	server  *rpc.Server
	watcher *watcher.Watcher
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.LogDebug = debug

	log := base.NewLogger("domaind", cfg.LogDebug)

	d, err := wire(log, cfg)
	if err != nil {
		return fmt.Errorf("wire daemon: %w", err)
	}
	defer d.engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return d.run(ctx)
}

// wire builds every collaborator client from cfg in dependency order:
// control-tree client and hypervisor control first (the watcher and
// device supervisor both need them), then the broker/storage/device
// layer, then the engine itself, then the RPC and watcher front ends
// that drive it.
func wire(log base.Logger, cfg config.Config) (*daemon, error) {
	store, err := enginestore.NewFileStore(log, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state dir %s: %w", cfg.StateDir, err)
	}

	xs, err := xenstore.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("connect control tree: %w", err)
	}

	control, err := hypervisor.NewControl(log)
	if err != nil {
		return nil, fmt.Errorf("connect hypervisor: %w", err)
	}

	broker := membroker.NewClient(log, membroker.NewSocketTransport(log, cfg.BrokerSocket))
	storageClient := storage.NewClient(log, storage.NewSocketDaemon(log, cfg.StorageSocket))
	deviceSupervisor := devices.NewSupervisor(log, xs, control, devices.NewNullDMLauncher())
	bus := updatebus.NewBus()

	engCfg := engine.Config{
		AckTimeout:                cfg.AckTimeout,
		SuspendShutdownAckTimeout: cfg.SuspendShutdownAckTimeout,
		SuspendWaitTimeout:        cfg.SuspendWaitTimeout,
		DyingPollPeriod:           cfg.DyingPollPeriod,
		DyingWallBudget:           cfg.DyingWallBudget,
	}
	builderHelper := builder.NewHelper(log, cfg.BuilderHelperPath)

	eng := engine.New(log, engCfg, store, xs, control, broker, storageClient, deviceSupervisor, builderHelper, bus)
	srv := rpc.NewServer(log, eng, bus)
	w := watcher.New(log, xs, control, bus)

	return &daemon{log: log, cfg: cfg, engine: eng, server: srv, watcher: w}, nil
}

// run starts the reconciler, the domain watcher and the RPC listener,
// and blocks until ctx is cancelled or one of them fails.
func (d *daemon) run(ctx context.Context) error {
	go d.engine.RunGC(ctx, d.cfg.DyingPollPeriod)

	errCh := make(chan error, 2)
	go func() {
		if err := d.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("watcher: %w", err)
		}
	}()

	httpSrv := &http.Server{Addr: d.cfg.RPCListenAddr, Handler: d.server.Handler()}
	go func() {
		d.log.Infof("rpc: listening on %s", d.cfg.RPCListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		d.log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.AckTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
