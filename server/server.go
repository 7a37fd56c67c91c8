// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server owns the listening socket for one bound address: it
// accepts connections, enforces the hard maxConnections admission gate,
// routes accepted sockets to the WorkerManager, and drives the two-level
// connection-volume watermark state machine from spec.md §4.6.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/connhandler"
	"github.com/ioloop/ioloop/delegator"
	"github.com/ioloop/ioloop/errkind"
	"github.com/ioloop/ioloop/logger"
	"github.com/ioloop/ioloop/metrics"
	"github.com/ioloop/ioloop/worker"
)

// Manager is the subset of workermanager.WorkerManager a Server needs; it
// is an interface here purely to keep server's tests free of a real
// WorkerManager and worker pool when that isn't the thing under test.
type Manager interface {
	Assign(conn net.Conn, server worker.ServerRef, codecFor func() codec.Codec)
	RegisterServer(server worker.ServerRef, create delegator.CreateFunc)
	DeregisterServer(id worker.ServerID)
	CloseServer(id worker.ServerID, graceful bool)
}

// phase is the Initializing -> Binding -> Bound -> Terminated state machine
// from spec.md §4.6.
type phase uint8

const (
	phaseInitializing phase = iota
	phaseBinding
	phaseBound
	phaseTerminated
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// Server owns one listening socket and the watermark state machine that
// governs it.
type Server struct {
	id       worker.ServerID
	settings Settings
	manager  Manager
	codecFor func() codec.Codec
	delegate delegator.CreateFunc
	sink     metrics.Sink

	low, high int

	mut      sync.Mutex
	ph       phase
	listener net.Listener
	open     int64

	state atomic.Pointer[State]

	done chan struct{}
}

// New validates settings and constructs a Server in the Initializing
// phase. codecFor returns a fresh Codec for each newly-accepted
// connection; delegate builds the per-Worker Delegator for this Server.
func New(id worker.ServerID, settings Settings, manager Manager, codecFor func() codec.Codec, delegate delegator.CreateFunc, sink metrics.Sink) (*Server, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = metrics.Noop{}
	}

	s := &Server{
		id:       id,
		settings: settings,
		manager:  manager,
		codecFor: codecFor,
		delegate: delegate,
		sink:     sink,
		low:      settings.lowWatermark(),
		high:     settings.highWatermark(),
		ph:       phaseInitializing,
		done:     make(chan struct{}),
	}
	s.state.Store(&State{Volume: Normal})
	return s, nil
}

// ServerID implements worker.ServerRef.
func (s *Server) ServerID() worker.ServerID { return s.id }

// State returns the currently-published ServerState. Safe for concurrent
// use by any reader; per spec.md §5 a reader may observe either the
// previous or the new value around a transition, never a torn one.
func (s *Server) State() State { return *s.state.Load() }

// IdleBound implements worker.ServerRef: HighWater connections get the
// (necessarily finite) highWaterMaxIdleTime; otherwise the configured
// maxIdleTime, which may be <= 0 to mean "no idle timeout".
func (s *Server) IdleBound() time.Duration {
	if s.State().Volume == HighWater {
		return s.settings.HighWaterMaxIdleTime
	}
	return s.settings.MaxIdleTime
}

// NotifyClosed implements worker.ServerRef: a Worker reports a closed
// connection here so the Server can update openConnections and
// re-evaluate the volume state.
func (s *Server) NotifyClosed(id connhandler.ConnID, cause errkind.Cause) {
	s.sink.GetOrAddRate("closed").Hit(map[string]string{"cause": string(cause)})

	s.mut.Lock()
	s.open--
	s.recomputeVolumeLocked()
	s.mut.Unlock()
}

// recomputeVolumeLocked re-evaluates and, if changed, republishes the
// volume state. Callers must hold s.mut — the whole "read open count,
// decide, publish" sequence is the one piece of this component that isn't
// naturally single-threaded (accept-loop and NotifyClosed race from
// different goroutines in this portable, non-selector core), so it is
// guarded explicitly instead.
func (s *Server) recomputeVolumeLocked() {
	cur := s.state.Load()
	next, fired := transition(cur.Volume, int(s.open), s.low, s.high)
	if next != cur.Volume {
		s.state.Store(&State{Volume: next})
	}
	if fired {
		s.sink.GetOrAddRate("highwaters").Hit(nil)
	}
}

// Addr returns the bound listener's address; only meaningful once Start
// has reached the Bound phase.
func (s *Server) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start moves the Server through Binding to Bound and begins accepting
// connections in a background goroutine. It blocks until the first bind
// attempt succeeds or ctx is cancelled.
//
// Registering this Server's Delegator onto every Worker (spec.md §4.6's
// "Workers known" precondition for entering Binding) is a no-op wait in
// this core: the WorkerManager's pool is constructed synchronously before
// any Server is attached, so there is no asynchronous WorkersReady signal
// to await, unlike an actor runtime where Workers might still be starting.
func (s *Server) Start(ctx context.Context) error {
	s.mut.Lock()
	s.ph = phaseBinding
	s.mut.Unlock()

	s.manager.RegisterServer(s, s.delegate)

	l, err := s.bind(ctx)
	if err != nil {
		return err
	}

	s.mut.Lock()
	s.listener = l
	s.ph = phaseBound
	s.mut.Unlock()

	go s.acceptLoop()
	return nil
}

// bind retries net.Listen with the backoff from spec.md §4.6: starting at
// 100ms, doubling, capped at 2s. Per spec.md §9 open question (a), failure
// is only logged and retried indefinitely in this core — the only way out
// short of success is cancellation of the ctx passed to Start.
func (s *Server) bind(ctx context.Context) (net.Listener, error) {
	backoff := minBackoff
	for {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.settings.Port))
		if err == nil {
			return l, nil
		}

		s.sink.GetOrAddCounter("bind_failures").Inc()
		logger.Errorf("server: bind failed, retrying in %s: %v", backoff, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isTerminated() {
				return
			}
			logger.Errorf("server: accept error: %v", err)
			continue
		}

		s.sink.GetOrAddRate("connects").Hit(nil)

		if !s.admit() {
			_ = conn.Close()
			s.sink.GetOrAddRate("refused").Hit(nil)
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		s.manager.Assign(conn, s, s.codecFor)
	}
}

// admit enforces the hard maxConnections gate: the socket is counted and
// forwarded, or refused and closed, before it is ever handed to a Worker —
// maxConnections can never be exceeded as a result.
func (s *Server) admit() bool {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.open >= int64(s.settings.MaxConnections) {
		return false
	}
	s.open++
	s.recomputeVolumeLocked()
	return true
}

func (s *Server) isTerminated() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.ph == phaseTerminated
}

// Shutdown stops accepting new connections, deregisters this Server from
// the WorkerManager (so a restarted Worker won't pick it back up), and
// asks every Worker to close this Server's connections. killConnections
// true closes immediately; false requests a graceful close — both give
// handlers exactly one OnConnectionTerminated callback, since this core
// has no separate drain handshake beyond that callback (see
// worker.Worker.CloseServerConnections).
func (s *Server) Shutdown(killConnections bool) {
	s.mut.Lock()
	if s.ph == phaseTerminated {
		s.mut.Unlock()
		return
	}
	s.ph = phaseTerminated
	l := s.listener
	s.mut.Unlock()

	if l != nil {
		_ = l.Close()
	}

	s.manager.DeregisterServer(s.id)
	s.manager.CloseServer(s.id, !killConnections)

	close(s.done)
}

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} { return s.done }
