// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package eventloop

import (
	"errors"
	"log/slog"

	"github.com/dinit-contrib/devicebroker/internal/devsource"
)

// DeviceTable is the narrow slice of devicetable.Table the loop drives
// events into, kept as an interface so this package does not import
// devicetable directly (avoiding a needless dependency edge; the
// interface is small enough that Table already satisfies it structurally).
type DeviceTable interface {
	OnEnumerate(desc devsource.Descriptor)
	OnAdd(desc devsource.Descriptor)
	OnChange(desc devsource.Descriptor)
	OnRemove(desc devsource.Descriptor)
}

// Registry is the narrow slice of subscriber.Registry the loop drives.
type Registry interface {
	Accept(fd int)
	Readable(fd int)
	Disconnect(fd int)
}

// SupervisorClient is the narrow slice of supervisorclient.Client the
// loop drives for dispatch.
type SupervisorClient interface {
	Dispatch(budget int) (int, error)
	GetFD() int
}

// dispatchBudget bounds how many supervisor response frames one Dispatch
// call drains; handleSupervisor keeps calling Dispatch until a call
// drains fewer than this, per spec.md §4.6 step 5 ("process as much as
// possible" without ever blocking).
const dispatchBudget = 256

// Loop is the broker's single-threaded, level-triggered readiness
// multiplexer, implementing spec.md §4.6 verbatim. It owns no locks and
// starts no goroutines of its own (SignalPipe's bridging goroutine is the
// one documented exception, upstream of the loop).
type Loop struct {
	poller   Poller
	signal   *SignalPipe
	listener int
	monitors map[int]devsource.Monitor
	table    DeviceTable
	registry Registry
	client   SupervisorClient
	accept   func(listenerFD int) ([]int, error)
	logger   *slog.Logger
	conns    map[int]bool
}

// New constructs a Loop. accept performs the non-blocking accept loop on
// listenerFD (AcceptAll in production, linux-only); it is injected so the
// loop body itself stays platform-independent.
func New(poller Poller, signal *SignalPipe, listenerFD int, monitors map[int]devsource.Monitor, table DeviceTable, registry Registry, client SupervisorClient, accept func(int) ([]int, error), logger *slog.Logger) (*Loop, error) {
	l := &Loop{
		poller:   poller,
		signal:   signal,
		listener: listenerFD,
		monitors: monitors,
		table:    table,
		registry: registry,
		client:   client,
		accept:   accept,
		logger:   logger,
		conns:    make(map[int]bool),
	}
	if err := poller.Add(signal.FD()); err != nil {
		return nil, err
	}
	if err := poller.Add(listenerFD); err != nil {
		return nil, err
	}
	for fd := range monitors {
		if err := poller.Add(fd); err != nil {
			return nil, err
		}
	}
	if fd := client.GetFD(); fd >= 0 {
		if err := poller.Add(fd); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// errShutdown is returned internally by Run's loop body to unwind on a
// clean SIGTERM/SIGINT; it never escapes Run.
var errShutdown = errors.New("eventloop: shutdown requested")

// Run executes spec.md §4.6's iteration forever, returning nil on a
// graceful SIGTERM/SIGINT shutdown or a non-nil error if the supervisor
// session aborts (spec.md §4.5's failure semantics), a DeviceSource
// monitor reports an error, accepting connections fails, or the poller
// itself fails.
func (l *Loop) Run() error {
	var events []Event
	for {
		var err error
		events, err = l.poller.Wait(events[:0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			if stepErr := l.handle(ev); stepErr != nil {
				if stepErr == errShutdown {
					return nil
				}
				return stepErr
			}
		}
	}
}

func (l *Loop) handle(ev Event) error {
	switch {
	case ev.FD == l.signal.FD():
		l.signal.Drain()
		return errShutdown
	case ev.FD == l.listener:
		return l.handleAccept()
	case l.monitors[ev.FD] != nil:
		return l.handleMonitor(l.monitors[ev.FD])
	case l.client.GetFD() == ev.FD:
		return l.handleSupervisor()
	default:
		l.handleConnection(ev)
		return nil
	}
}

// handleAccept implements step 3: a non-blocking accept loop, registering
// each new connection with both the poller and the subscriber registry.
func (l *Loop) handleAccept() error {
	fds, err := l.accept(l.listener)
	if err != nil {
		return err
	}
	for _, fd := range fds {
		if err := l.poller.Add(fd); err != nil {
			if l.logger != nil {
				l.logger.Warn("failed to register accepted connection with poller", "fd", fd, "error", err)
			}
			continue
		}
		l.conns[fd] = true
		l.registry.Accept(fd)
	}
	return nil
}

// handleMonitor implements step 4: drain one DeviceSource monitor fully
// and feed every event into the DeviceTable. A monitor error is returned
// so that Run ends with it.
func (l *Loop) handleMonitor(mon devsource.Monitor) error {
	for {
		desc, ok, err := mon.NextEvent()
		if err != nil {
			if l.logger != nil {
				l.logger.Error("device source monitor error", "error", err)
			}
			return err
		}
		if !ok {
			return nil
		}
		switch desc.Action {
		case devsource.ActionAdd:
			l.table.OnAdd(desc)
		case devsource.ActionRemove:
			l.table.OnRemove(desc)
		default:
			l.table.OnChange(desc)
		}
	}
}

// handleSupervisor implements step 5: dispatch every complete response
// frame currently available, in Dispatch calls of at most dispatchBudget
// frames each, stopping once a call drains fewer than dispatchBudget.
func (l *Loop) handleSupervisor() error {
	for {
		n, err := l.client.Dispatch(dispatchBudget)
		if err != nil {
			return err
		}
		if n < dispatchBudget {
			return nil
		}
	}
}

// handleConnection implements step 6: advance one connection's protocol
// state machine, or evict it on hangup.
func (l *Loop) handleConnection(ev Event) {
	if !l.conns[ev.FD] {
		return
	}
	if ev.Hangup {
		l.registry.Disconnect(ev.FD)
		l.forget(ev.FD)
		return
	}
	l.registry.Readable(ev.FD)
}

// forget implements step 7's descriptor-list compaction for a single
// connection; Registry's own onEvict callback (wired in cmd/devicebroker)
// calls this for evictions Registry itself initiates (protocol errors,
// write failures), so every removal path converges here.
func (l *Loop) forget(fd int) {
	delete(l.conns, fd)
	if err := l.poller.Remove(fd); err != nil && l.logger != nil {
		l.logger.Debug("error removing connection fd from poller", "fd", fd, "error", err)
	}
}

// OnEvict is passed to subscriber.New as its onEvict callback so
// Registry-initiated evictions also compact the poller's descriptor set.
func (l *Loop) OnEvict(fd int) {
	l.forget(fd)
}
