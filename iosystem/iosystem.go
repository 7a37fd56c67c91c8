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

// Package iosystem is the root handle tying a WorkerManager, a metrics
// sink, and the Task runtime together: the entry point applications use to
// attach Servers, run ad-hoc Tasks, and initiate outbound connections.
package iosystem

import (
	"context"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/connhandler"
	"github.com/ioloop/ioloop/delegator"
	"github.com/ioloop/ioloop/errkind"
	"github.com/ioloop/ioloop/logger"
	"github.com/ioloop/ioloop/metrics"
	"github.com/ioloop/ioloop/server"
	"github.com/ioloop/ioloop/task"
	"github.com/ioloop/ioloop/worker"
	"github.com/ioloop/ioloop/workermanager"
)

// Config is IOSystemConfig from spec.md §6. A negative NumWorkers defaults
// to runtime.GOMAXPROCS(0) (hardware parallelism), matching §4.7's
// "defaulting to the hardware parallelism if unspecified"; spec.md §9 open
// question (b) also permits an explicit 0, accepted here rather than
// silently upgraded — callers that pass exactly 0 get exactly 0 Workers, so
// the IOSystem can neither accept connections nor run Tasks.
type Config struct {
	Name       string
	NumWorkers int
}

// ServerHandle is the ref an application keeps for an attached Server: it
// can read the published ServerState and ask for shutdown, but cannot
// reach into the Server's internals (spec.md §9's "cyclic references"
// design note: callers get an id + registry-style handle, not an object
// graph back to the Worker pool).
type ServerHandle struct {
	id     worker.ServerID
	server *server.Server
}

// State returns the Server's currently published ConnectionVolumeState.
func (h ServerHandle) State() server.State { return h.server.State() }

// Addr returns the bound listening address.
func (h ServerHandle) Addr() net.Addr { return h.server.Addr() }

// Shutdown stops this Server: see server.Server.Shutdown.
func (h ServerHandle) Shutdown(killConnections bool) { h.server.Shutdown(killConnections) }

// IOSystem is a process-scoped grouping of Workers, a WorkerManager, and a
// metrics sink (spec.md §3). Multiple IOSystems may coexist in one process
// with no cross-system invariants.
type IOSystem struct {
	name    string
	sink    metrics.Sink
	manager *workermanager.WorkerManager

	nextServerID atomic.Uint64

	mut     sync.Mutex
	servers map[worker.ServerID]*server.Server
	cancel  map[worker.ServerID]context.CancelFunc
}

// New constructs an IOSystem with its own WorkerManager, sized per cfg.
func New(cfg Config, sink metrics.Sink) *IOSystem {
	if sink == nil {
		sink = metrics.Noop{}
	}
	n := cfg.NumWorkers
	if n < 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &IOSystem{
		name:    cfg.Name,
		sink:    sink,
		manager: workermanager.New(n, sink),
		servers: make(map[worker.ServerID]*server.Server),
		cancel:  make(map[worker.ServerID]context.CancelFunc),
	}
}

// Name returns the configured subsystem name.
func (sys *IOSystem) Name() string { return sys.name }

// NumWorkers returns the size of the underlying Worker pool.
func (sys *IOSystem) NumWorkers() int { return sys.manager.NumWorkers() }

// AttachServer constructs, binds, and starts accepting on a Server with
// the given settings, codec factory, and per-Worker Delegator factory. The
// returned handle is the only access an application gets to the Server.
func (sys *IOSystem) AttachServer(ctx context.Context, settings server.Settings, codecFor func() codec.Codec, delegate delegator.CreateFunc) (ServerHandle, error) {
	id := worker.ServerID(sys.nextServerID.Add(1))

	s, err := server.New(id, settings, sys.manager, codecFor, delegate, sys.sink)
	if err != nil {
		return ServerHandle{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.Start(runCtx); err != nil {
		cancel()
		return ServerHandle{}, err
	}

	sys.mut.Lock()
	sys.servers[id] = s
	sys.cancel[id] = cancel
	sys.mut.Unlock()

	logger.Infof("iosystem %s: server %d attached, listening on %s", sys.name, id, s.Addr())
	return ServerHandle{id: id, server: s}, nil
}

// Run binds t to a Worker chosen by the WorkerManager's round-robin policy
// and returns its Proxy, per spec.md §4.7/§6.
func (sys *IOSystem) Run(t task.Task) task.Proxy {
	return sys.manager.RunTask(t)
}

// Connect initiates an outbound TCP connection to address and routes it to
// a Worker via the same round-robin policy new inbound connections use,
// per spec.md §4.7. handlerFactory builds the ConnectionHandler directly
// (there is no Delegator to consult or refuse through, since the
// application itself decided to make this connection); codecFor supplies
// its Codec.
func (sys *IOSystem) Connect(address string, codecFor func() codec.Codec, handlerFactory func(connhandler.ConnID) connhandler.Handler) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		logger.Errorf("iosystem %s: dial %s failed: %s", sys.name, address, err)
		return err
	}

	sys.manager.ConnectOutbound(conn, outboundRef{}, codecFor, handlerFactory)
	return nil
}

// Shutdown stops every attached Server and the underlying WorkerManager,
// killing connections immediately when killConnections is true. Unlike
// Apocalypse, the process itself keeps running.
func (sys *IOSystem) Shutdown(killConnections bool) error {
	sys.mut.Lock()
	cancels := make([]context.CancelFunc, 0, len(sys.cancel))
	servers := make([]*server.Server, 0, len(sys.servers))
	for _, c := range sys.cancel {
		cancels = append(cancels, c)
	}
	for _, s := range sys.servers {
		servers = append(servers, s)
	}
	sys.mut.Unlock()

	for _, s := range servers {
		s.Shutdown(killConnections)
	}
	for _, cancel := range cancels {
		cancel()
	}

	logger.Infof("iosystem %s: shutting down", sys.name)
	return sys.manager.Shutdown(killConnections)
}

// Apocalypse terminates the hosting process immediately, per spec.md §4.6's
// "Apocalypse terminates the hosting runtime without drain": every attached
// Server is told to kill its connections, then the process exits without
// waiting for Workers to finish in-flight work. Unlike Shutdown, it never
// returns to its caller.
func (sys *IOSystem) Apocalypse() {
	sys.mut.Lock()
	servers := make([]*server.Server, 0, len(sys.servers))
	for _, s := range sys.servers {
		servers = append(servers, s)
	}
	sys.mut.Unlock()

	for _, s := range servers {
		s.Shutdown(true)
	}
	logger.Errorf("iosystem %s: apocalypse invoked, exiting", sys.name)
	os.Exit(1)
}

// outboundRef is the worker.ServerRef for a Connect-initiated connection:
// it has no admission control or watermark policy of its own (there is no
// listening Server behind it), so IdleBound is unbounded and NotifyClosed
// is a no-op — the application finds out about closure via its
// ConnectionHandler's OnConnectionTerminated callback instead.
type outboundRef struct{}

func (outboundRef) ServerID() worker.ServerID { return 0 }
func (outboundRef) IdleBound() time.Duration  { return 0 }
func (outboundRef) NotifyClosed(connhandler.ConnID, errkind.Cause) {}
