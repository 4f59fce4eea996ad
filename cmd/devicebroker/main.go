// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Devicebroker is the device availability broker: a single-threaded daemon
// that tracks kernel device appearance/disappearance, answers subscriber
// queries about device readiness over a control socket, and wires
// tagged devices into the Init Supervisor as synthetic services with
// WAITS_FOR-derived dependencies. See internal/eventloop for the readiness
// loop this binary assembles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dinit-contrib/devicebroker/internal/config"
	"github.com/dinit-contrib/devicebroker/internal/devicetable"
	"github.com/dinit-contrib/devicebroker/internal/devsource"
	"github.com/dinit-contrib/devicebroker/internal/eventloop"
	"github.com/dinit-contrib/devicebroker/internal/protocol"
	"github.com/dinit-contrib/devicebroker/internal/subscriber"
	"github.com/dinit-contrib/devicebroker/internal/supervisorbridge"
	"github.com/dinit-contrib/devicebroker/internal/supervisorclient"
	"github.com/dinit-contrib/devicebroker/internal/version"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

// dispatchPollInterval paces the busy-wait in broker's root-service load,
// since Dispatch never blocks and an unpaced loop would spin a CPU core
// until the supervisor answers.
const dispatchPollInterval = 5 * time.Millisecond

// dispatchBudget bounds how many frames one Dispatch call drains while
// waiting synchronously for the root service to load.
const dispatchBudget = 64

func run() int {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("devicebroker %s\n", version.Info())
		return 0
	}

	logger := newLogger()

	readinessFD := -1
	if args := flag.Args(); len(args) > 0 {
		fd, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "devicebroker: invalid readiness-fd %q: %v\n", args[0], err)
			return 1
		}
		readinessFD = fd
	}

	if err := broker(logger, readinessFD); err != nil {
		logger.Error("fatal", "error", err)
		return 1
	}
	return 0
}

func newLogger() *slog.Logger {
	var handler slog.Handler
	if os.Getenv("DEVBROKER_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(handler)
}

// notifierProxy breaks the three-way constructor cycle between
// devicetable.Table, supervisorbridge.Bridge, and subscriber.Registry: all
// three need a Notifier, but Registry (the only real Notifier
// implementation) itself needs the Table and Bridge already built.
type notifierProxy struct {
	target interface {
		Notify(tag protocol.Tag, value string, status protocol.Status)
	}
}

func (p *notifierProxy) Notify(tag protocol.Tag, value string, status protocol.Status) {
	if p.target != nil {
		p.target.Notify(tag, value, status)
	}
}

func broker(logger *slog.Logger, readinessFD int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info("starting", "version", version.Short(), "dummy_mode", cfg.DummyMode, "root_service", cfg.RootServiceName)

	subsystemSource, tagSource, err := openDeviceSources(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening device sources: %w", err)
	}
	defer subsystemSource.Close()
	defer tagSource.Close()

	client, err := openSupervisorClient(cfg)
	if err != nil {
		return fmt.Errorf("opening supervisor client: %w", err)
	}

	proxy := &notifierProxy{}
	bridge := supervisorbridge.New(client, proxy, cfg.RootServiceName)
	table := devicetable.New(devicetable.Config{Tags: cfg.Tags}, proxy, bridge)

	if err := bridge.Start(func() error {
		if _, err := client.Dispatch(dispatchBudget); err != nil {
			return err
		}
		time.Sleep(dispatchPollInterval)
		return nil
	}); err != nil {
		return fmt.Errorf("loading root service %q: %w", cfg.RootServiceName, err)
	}

	subsystemFilter := devsource.Filter{Subsystems: cfg.Subsystems}
	tagFilter := devsource.Filter{Tags: cfg.Tags, ExcludeSubsystems: cfg.Subsystems}
	if err := enumerate(table, subsystemSource, tagSource, subsystemFilter, tagFilter); err != nil {
		return fmt.Errorf("initial enumeration: %w", err)
	}

	poller, err := eventloop.NewPoller()
	if err != nil {
		return fmt.Errorf("creating poller: %w", err)
	}
	defer poller.Close()

	sig, err := eventloop.NewSignalPipe()
	if err != nil {
		return fmt.Errorf("creating signal pipe: %w", err)
	}
	defer sig.Stop()

	listenerFD, err := eventloop.NewControlSocket(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("creating control socket at %s: %w", cfg.SocketPath, err)
	}

	subsystemMon, err := subsystemSource.Monitor(subsystemFilter)
	if err != nil {
		return fmt.Errorf("monitoring subsystems %v: %w", cfg.Subsystems, err)
	}
	defer subsystemMon.Close()
	tagMon, err := tagSource.Monitor(tagFilter)
	if err != nil {
		return fmt.Errorf("monitoring tags %v: %w", cfg.Tags, err)
	}
	defer tagMon.Close()
	monitors := map[int]devsource.Monitor{
		subsystemMon.FD(): subsystemMon,
		tagMon.FD():       tagMon,
	}

	var loop *eventloop.Loop
	registry := subscriber.New(table, bridge, eventloop.RawIO{}, logger, func(fd int) {
		if loop != nil {
			loop.OnEvict(fd)
		}
	})
	proxy.target = registry

	loop, err = eventloop.New(poller, sig, listenerFD, monitors, table, registry, client, eventloop.AcceptAll, logger)
	if err != nil {
		return fmt.Errorf("assembling event loop: %w", err)
	}

	signalReadiness(readinessFD, logger)

	return loop.Run()
}

func openDeviceSources(cfg config.Config, logger *slog.Logger) (devsource.Source, devsource.Source, error) {
	if cfg.DummyMode {
		return devsource.NewDummySource(), devsource.NewDummySource(), nil
	}
	subsystemSource, err := devsource.NewRealSource()
	if err != nil {
		logger.Warn("real device source unavailable, running in dummy mode", "error", err)
		return devsource.NewDummySource(), devsource.NewDummySource(), nil
	}
	tagSource, err := devsource.NewRealSource()
	if err != nil {
		subsystemSource.Close()
		return nil, nil, err
	}
	return subsystemSource, tagSource, nil
}

func openSupervisorClient(cfg config.Config) (supervisorclient.Client, error) {
	if cfg.SupervisorFD >= 0 {
		return supervisorclient.NewFDSession(cfg.SupervisorFD), nil
	}
	fd, err := supervisorclient.Dial(config.DefaultSupervisorSocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", config.DefaultSupervisorSocketPath, err)
	}
	return supervisorclient.NewFDSession(fd), nil
}

// enumerate runs both Source's Enumerate calls concurrently at startup
// (spec.md §4.2's "two parallel enumerations MUST be supported
// concurrently"), feeding every result into the table before any
// subscriber can connect.
func enumerate(table *devicetable.Table, subsystemSource, tagSource devsource.Source, subsystemFilter, tagFilter devsource.Filter) error {
	ctx := context.Background()
	var subsystemResults, tagResults []devsource.Descriptor

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := subsystemSource.Enumerate(ctx, subsystemFilter)
		subsystemResults = r
		return err
	})
	g.Go(func() error {
		r, err := tagSource.Enumerate(ctx, tagFilter)
		tagResults = r
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for _, desc := range subsystemResults {
		table.OnEnumerate(desc)
	}
	for _, desc := range tagResults {
		table.OnEnumerate(desc)
	}
	return nil
}

// signalReadiness implements spec.md §4.6's "readiness notification to
// supervisor": write READY=1\n to the inherited fd once the listener is
// bound, then close it. A negative fd means the broker was not given one
// (standalone run), which is not an error.
func signalReadiness(fd int, logger *slog.Logger) {
	if fd < 0 {
		return
	}
	f := os.NewFile(uintptr(fd), "readiness-fd")
	if f == nil {
		logger.Warn("readiness fd is not valid", "fd", fd)
		return
	}
	defer f.Close()
	if _, err := f.WriteString("READY=1\n"); err != nil {
		logger.Warn("failed to signal readiness", "fd", fd, "error", err)
	}
}
