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

// Package worker implements the single-threaded event loop that owns a
// share of live connections: one goroutine drains a mailbox of inbound
// events (new-connection assignments, decoded bytes, outbound sends,
// broadcasts, shutdown) and is the only goroutine ever allowed to touch the
// Worker's connection map, exactly as spec'd for the actor-style core.
//
// Go has no portable cross-platform selector primitive exposed to library
// code, so "registering a channel with the selector" is realized as one
// dedicated reader goroutine per connection feeding the Worker's mailbox;
// the Worker's own loop goroutine remains the sole owner of all mutable
// per-connection state, preserving the single-writer invariant spec.md §4.4
// and §5 require.
package worker

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/connhandler"
	"github.com/ioloop/ioloop/delegator"
	"github.com/ioloop/ioloop/errkind"
	"github.com/ioloop/ioloop/internal/fasttime"
	"github.com/ioloop/ioloop/internal/rescue"
	"github.com/ioloop/ioloop/logger"
	"github.com/ioloop/ioloop/metrics"
	"github.com/ioloop/ioloop/task"
)

// ID identifies a Worker within its WorkerManager's pool.
type ID uint32

// ServerID identifies a Server registration within a Worker's delegator
// map. Assigned by whichever component owns Server identity (iosystem).
type ServerID uint64

// ServerRef is the narrow view of an owning Server a Worker needs: enough
// to read the current idle-timeout policy and to report closures upward,
// without giving the Worker any way to reach into the Server's own state.
type ServerRef interface {
	ServerID() ServerID

	// IdleBound returns the effective idle timeout for connections of this
	// server right now, reflecting the Server's current volume state
	// (spec.md §4.4: HighWater uses highWaterMaxIdleTime).
	IdleBound() time.Duration

	// NotifyClosed reports that a connection assigned under this Server
	// has been closed, for the Server's openConnections bookkeeping.
	NotifyClosed(id connhandler.ConnID, cause errkind.Cause)
}

const (
	readBufferSize = 32 * 1024
	tickInterval   = 100 * time.Millisecond
	mailboxSize    = 1024
)

// connRecord is the per-connection state a Worker owns. Only the Worker's
// own loop goroutine ever reads or writes one, matching spec.md §3's
// ConnectionRecord.
type connRecord struct {
	id       connhandler.ConnID
	conn     net.Conn
	server   ServerRef
	handler  connhandler.Handler
	decoder  codec.Decoder
	encoder  codec.Encoder
	lastSeen int64 // unix seconds, fasttime-resolution
	closed   bool
	cancel   func() // stops the reader goroutine
}

// Worker is one single-threaded event loop owning its own share of live
// connections. Create with New; start with Run in its own goroutine.
type Worker struct {
	id      ID
	metrics metrics.Sink
	mailbox chan event

	conns      map[connhandler.ConnID]*connRecord
	nextConnID uint64
	delegators map[ServerID]delegator.Delegator

	tasks    map[uint64]taskRecord
	nextTask uint64

	done chan struct{}
}

// New constructs a Worker with empty state. It does not start the loop;
// call Run in its own goroutine.
func New(id ID, sink metrics.Sink) *Worker {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Worker{
		id:         id,
		metrics:    sink,
		mailbox:    make(chan event, mailboxSize),
		conns:      make(map[connhandler.ConnID]*connRecord),
		delegators: make(map[ServerID]delegator.Delegator),
		tasks:      make(map[uint64]taskRecord),
		done:       make(chan struct{}),
	}
}

// ID returns the Worker's identity within its pool.
func (w *Worker) ID() ID { return w.id }

// Done is closed once the Worker's loop has returned, whether from a
// requested Shutdown or from a panic in the loop, which Run recovers.
func (w *Worker) Done() <-chan struct{} { return w.done }

// AssignConnection hands a freshly-accepted socket to this Worker under the
// given server registration. Safe to call from any goroutine
// (WorkerManager.Assign calls it for the Server's accept loop).
func (w *Worker) AssignConnection(conn net.Conn, server ServerRef, codecFor func() codec.Codec) {
	w.mailbox <- evNewConn{conn: conn, server: server, codecFor: codecFor}
}

// AssignOutbound hands an application-initiated outbound connection to
// this Worker. Unlike AssignConnection there is no Delegator to consult —
// the caller already decided to make the connection, so makeHandler builds
// the ConnectionHandler directly instead of going through
// Delegator.AcceptNewConnection (spec.md §4.7's connect(address,
// handlerFactory)).
func (w *Worker) AssignOutbound(conn net.Conn, server ServerRef, codecFor func() codec.Codec, makeHandler func(connhandler.ConnID) connhandler.Handler) {
	w.mailbox <- evNewOutboundConn{conn: conn, server: server, codecFor: codecFor, makeHandler: makeHandler}
}

// RegisterServer binds a Delegator, created by create, for server on this
// Worker. Blocks until the registration has taken effect.
func (w *Worker) RegisterServer(server ServerRef, create delegator.CreateFunc) {
	done := make(chan struct{})
	w.mailbox <- evRegisterServer{server: server, create: create, done: done}
	<-done
}

// Broadcast delivers msg to the Delegator registered for serverID, if any.
func (w *Worker) Broadcast(serverID ServerID, msg any) {
	select {
	case w.mailbox <- evBroadcast{serverID: serverID, msg: msg}:
	default:
		logger.Errorf("worker %d: mailbox full, dropping broadcast for server %d", w.id, serverID)
	}
}

// CloseServerConnections closes every connection this Worker holds for
// serverID with CauseLocalClose. graceful does not change the outcome: in
// both cases the socket is closed first and the handler then receives its
// OnConnectionTerminated callback; there is no drain period in which a
// handler can finish writing.
func (w *Worker) CloseServerConnections(serverID ServerID, graceful bool) {
	done := make(chan struct{})
	w.mailbox <- evCloseServer{serverID: serverID, graceful: graceful, done: done}
	<-done
}

// taskRecord pairs a bound Task with a process-wide unique id (distinct
// from the Worker-local uint64 slot key) used only for log correlation,
// since a per-worker counter resets across Workers and is meaningless once
// printed outside this package.
type taskRecord struct {
	t   task.Task
	uid string
}

// RunTask binds t to this Worker and returns its Proxy once OnStart has
// been invoked.
func (w *Worker) RunTask(t task.Task) task.Proxy {
	done := make(chan task.Proxy, 1)
	w.mailbox <- evRunTask{t: t, id: uuid.New().String(), done: done}
	return <-done
}

// Shutdown requests the loop terminate. When killConnections is true every
// live connection is closed with CauseLocalClose immediately; otherwise
// each handler receives its termination callback the same way but the
// call still returns only once every connection and task has been torn
// down (this core has no async drain handshake for handlers to finish
// writing beyond the callback itself).
func (w *Worker) Shutdown(killConnections bool) {
	ack := make(chan struct{})
	select {
	case w.mailbox <- evShutdown{killConnections: killConnections, ack: ack}:
		<-ack
	case <-w.done:
	}
}

// send implements connhandler.WorkerRef.Send for handlers bound to this
// Worker.
func (w *Worker) send(id connhandler.ConnID, m codec.Message) {
	select {
	case w.mailbox <- evSend{id: id, msg: m}:
	default:
		logger.Errorf("worker %d: mailbox full, dropping outbound message for conn %d", w.id, id)
	}
}

// closeConn implements connhandler.WorkerRef.Close for handlers bound to
// this Worker.
func (w *Worker) closeConn(id connhandler.ConnID, cause errkind.Cause) {
	w.mailbox <- evCloseConn{id: id, cause: cause}
}

// Ref returns the connhandler.WorkerRef handlers on this Worker receive.
func (w *Worker) Ref() connhandler.WorkerRef { return workerRef{w} }

type workerRef struct{ w *Worker }

func (r workerRef) Send(id connhandler.ConnID, m codec.Message) { r.w.send(id, m) }
func (r workerRef) Close(id connhandler.ConnID, cause errkind.Cause) { r.w.closeConn(id, cause) }

// Run drives the event loop until Shutdown is processed. Callers that want
// automatic restart-with-empty-state on an unrecovered panic (spec.md
// §4.5's Worker-failure policy) should invoke Run through a supervisor like
// workermanager's, which recovers here and constructs a replacement Worker.
func (w *Worker) Run() {
	defer close(w.done)
	defer rescue.HandleCrash()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-w.mailbox:
			if w.handle(ev) {
				return
			}

		case <-ticker.C:
			w.checkIdle()
		}
	}
}

// handle dispatches one event; returns true if the loop should stop.
func (w *Worker) handle(ev event) bool {
	switch e := ev.(type) {
	case evNewConn:
		w.onNewConn(e)
	case evNewOutboundConn:
		w.onNewOutboundConn(e)
	case evData:
		w.onData(e)
	case evReadError:
		w.onReadError(e)
	case evSend:
		w.onSend(e)
	case evCloseConn:
		w.closeConnection(e.id, e.cause)
	case evBroadcast:
		if d, ok := w.delegators[e.serverID]; ok {
			w.safeBroadcast(d, e.msg)
		}
	case evRegisterServer:
		w.delegators[e.server.ServerID()] = e.create()
		close(e.done)
	case evCloseServer:
		w.onCloseServer(e)
	case evRunTask:
		w.onRunTask(e)
	case evTaskMsg:
		if rec, ok := w.tasks[e.taskID]; ok {
			w.safeTaskReceive(rec, e.msg)
		}
	case evStopTask:
		if rec, ok := w.tasks[e.taskID]; ok {
			delete(w.tasks, e.taskID)
			w.safeTaskStop(rec)
		}
	case evShutdown:
		w.onShutdown(e)
		return true
	}
	return false
}

func (w *Worker) onNewConn(e evNewConn) {
	id := connhandler.ConnID(w.nextConnID)
	w.nextConnID++

	d, ok := w.delegators[e.server.ServerID()]
	if !ok {
		_ = e.conn.Close()
		e.server.NotifyClosed(id, errkind.CauseRefused)
		return
	}

	handler, accepted := d.AcceptNewConnection(id)
	if !accepted {
		_ = e.conn.Close()
		e.server.NotifyClosed(id, errkind.CauseRefused)
		return
	}

	cdc := e.codecFor()
	rec := &connRecord{
		id:       id,
		conn:     e.conn,
		server:   e.server,
		handler:  handler,
		decoder:  cdc.NewDecoder(),
		encoder:  cdc.Encoder(),
		lastSeen: fasttime.UnixTimestamp(),
	}
	w.conns[id] = rec
	w.spawnReader(rec)

	w.safeOnConnected(rec)
}

func (w *Worker) onNewOutboundConn(e evNewOutboundConn) {
	id := connhandler.ConnID(w.nextConnID)
	w.nextConnID++

	handler := e.makeHandler(id)

	cdc := e.codecFor()
	rec := &connRecord{
		id:       id,
		conn:     e.conn,
		server:   e.server,
		handler:  handler,
		decoder:  cdc.NewDecoder(),
		encoder:  cdc.Encoder(),
		lastSeen: fasttime.UnixTimestamp(),
	}
	w.conns[id] = rec
	w.spawnReader(rec)

	w.safeOnConnected(rec)
}

// spawnReader starts the dedicated goroutine feeding e's bytes into the
// mailbox as evData/evReadError events; it never touches w.conns directly.
func (w *Worker) spawnReader(rec *connRecord) {
	quit := make(chan struct{})
	rec.cancel = func() { close(quit) }

	go func() {
		defer rescue.HandleCrash()

		r := bufio.NewReaderSize(rec.conn, readBufferSize)
		buf := make([]byte, readBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case w.mailbox <- evData{id: rec.id, data: chunk}:
				case <-quit:
					return
				}
			}
			if err != nil {
				cause := errkind.CauseIOError
				if err == io.EOF {
					cause = errkind.CauseRemoteClose
				}
				select {
				case w.mailbox <- evReadError{id: rec.id, cause: cause}:
				case <-quit:
				}
				return
			}
		}
	}()
}

func (w *Worker) onData(e evData) {
	rec, ok := w.conns[e.id]
	if !ok || rec.closed {
		return
	}
	rec.lastSeen = fasttime.UnixTimestamp()

	msgs, err := rec.decoder.Decode(e.data)
	for _, m := range msgs {
		w.safeReceivedMessage(rec, m)
		if rec.closed {
			return
		}
	}
	if err != nil {
		w.closeConnection(e.id, errkind.CauseProtocolViolation)
	}
}

func (w *Worker) onReadError(e evReadError) {
	w.closeConnection(e.id, e.cause)
}

func (w *Worker) onSend(e evSend) {
	rec, ok := w.conns[e.id]
	if !ok || rec.closed {
		return
	}

	out, err := rec.encoder.Encode(e.msg)
	if err != nil {
		logger.Errorf("worker %d: encode failed for conn %d: %v", w.id, e.id, err)
		return
	}
	if _, werr := rec.conn.Write(out); werr != nil {
		w.closeConnection(e.id, errkind.CauseIOError)
		return
	}
	w.safeOnWriteReady(rec)
}

// onCloseServer closes every connection owned by e.serverID. graceful is
// currently observationally equivalent to an immediate close: handlers
// still get exactly one OnConnectionTerminated callback either way, since
// this core has no separate drain handshake beyond that callback.
func (w *Worker) onCloseServer(e evCloseServer) {
	for id, rec := range w.conns {
		if rec.server.ServerID() != e.serverID {
			continue
		}
		w.closeConnection(id, errkind.CauseLocalClose)
	}
	close(e.done)
}

func (w *Worker) onRunTask(e evRunTask) {
	id := w.nextTask
	w.nextTask++
	rec := taskRecord{t: e.t, uid: e.id}
	w.tasks[id] = rec

	p := taskProxy{w: w, id: id}
	w.safeTaskStart(rec, p)
	e.done <- p
}

func (w *Worker) onShutdown(e evShutdown) {
	for id := range w.conns {
		w.closeConnection(id, errkind.CauseLocalClose)
	}
	for id, rec := range w.tasks {
		delete(w.tasks, id)
		w.safeTaskStop(rec)
	}
	close(e.ack)
}

// closeConnection tears down rec synchronously; only ever called from the
// loop goroutine.
func (w *Worker) closeConnection(id connhandler.ConnID, cause errkind.Cause) {
	rec, ok := w.conns[id]
	if !ok || rec.closed {
		return
	}
	rec.closed = true
	delete(w.conns, id)

	if rec.cancel != nil {
		rec.cancel()
	}
	_ = rec.conn.Close()

	w.safeOnTerminated(rec, cause)
	rec.server.NotifyClosed(id, cause)

	w.metrics.GetOrAddRate("closed").Hit(map[string]string{"cause": string(cause)})
}

// checkIdle runs on the coarse tick, closing connections whose last
// activity exceeds the effective bound from their owning Server's current
// volume state (spec.md §4.4).
func (w *Worker) checkIdle() {
	now := fasttime.UnixTimestamp()
	for id, rec := range w.conns {
		bound := rec.server.IdleBound()
		if bound <= 0 {
			w.safeIdleCheck(rec, time.Duration(now-rec.lastSeen)*time.Second)
			continue
		}
		elapsed := time.Duration(now-rec.lastSeen) * time.Second
		w.safeIdleCheck(rec, elapsed)
		if elapsed >= bound {
			w.closeConnection(id, errkind.CauseIdleTimeout)
		}
	}
}

// safeOnConnected, safeReceivedMessage, safeOnWriteReady and safeIdleCheck
// recover from a panicking handler callback and convert it into a
// HandlerException close, per spec.md §7: "uncaught error from application
// code; connection closed with this cause; Worker continues."
// safeOnTerminated, safeBroadcast and the safeTask* wrappers recover and
// only log the panic.

func (w *Worker) safeOnConnected(rec *connRecord) {
	defer w.recoverHandler(rec)
	rec.handler.OnConnected(w.Ref(), rec.id)
}

func (w *Worker) safeReceivedMessage(rec *connRecord, m codec.Message) {
	defer w.recoverHandler(rec)
	rec.handler.ReceivedMessage(m)
}

func (w *Worker) safeOnWriteReady(rec *connRecord) {
	defer w.recoverHandler(rec)
	rec.handler.OnWriteReady()
}

func (w *Worker) safeOnTerminated(rec *connRecord, cause errkind.Cause) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker %d: panic in OnConnectionTerminated for conn %d: %v", w.id, rec.id, r)
		}
	}()
	rec.handler.OnConnectionTerminated(cause)
}

func (w *Worker) safeIdleCheck(rec *connRecord, elapsed time.Duration) {
	defer w.recoverHandler(rec)
	rec.handler.IdleCheck(elapsed)
}

func (w *Worker) recoverHandler(rec *connRecord) {
	if r := recover(); r != nil {
		logger.Errorf("worker %d: panic in handler for conn %d: %v", w.id, rec.id, r)
		w.metrics.GetOrAddCounter("handler_panics").Inc()
		w.closeConnection(rec.id, errkind.CauseHandlerException)
	}
}

func (w *Worker) safeBroadcast(d delegator.Delegator, msg any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker %d: panic in delegator broadcast: %v", w.id, r)
		}
	}()
	d.HandleBroadcast(msg)
}

func (w *Worker) safeTaskStart(rec taskRecord, p task.Proxy) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker %d: panic in task %s OnStart: %v", w.id, rec.uid, r)
		}
	}()
	rec.t.OnStart(p)
}

func (w *Worker) safeTaskReceive(rec taskRecord, msg any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker %d: panic in task %s Receive: %v", w.id, rec.uid, r)
		}
	}()
	rec.t.Receive(msg)
}

func (w *Worker) safeTaskStop(rec taskRecord) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("worker %d: panic in task %s OnStop: %v", w.id, rec.uid, r)
		}
	}()
	rec.t.OnStop()
}

// taskProxy is the task.Proxy handed to a Task bound to this Worker.
type taskProxy struct {
	w  *Worker
	id uint64
}

func (p taskProxy) Send(msg any) {
	select {
	case p.w.mailbox <- evTaskMsg{taskID: p.id, msg: msg}:
	default:
		logger.Errorf("worker %d: mailbox full, dropping task message", p.w.id)
	}
}

func (p taskProxy) Stop() {
	p.w.mailbox <- evStopTask{taskID: p.id}
}
