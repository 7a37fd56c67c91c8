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

// Package connhandler defines the per-connection application contract.
package connhandler

import (
	"time"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/errkind"
)

// ConnID identifies a connection within the Worker that owns it. It is only
// unique per-Worker, not process-wide — pair it with a worker id for a
// global identity (WorkerRef does this).
type ConnID uint64

// WorkerRef is the narrow handle a ConnectionHandler gets for its owning
// Worker: enough to push outbound messages and to read the owning Server's
// published volume state, never enough to touch the Worker's connection map
// directly (only the Worker's own loop goroutine may do that).
type WorkerRef interface {
	// Send enqueues m for encoding and writing to the connection identified
	// by id. Safe to call from any goroutine.
	Send(id ConnID, m codec.Message)

	// Close requests the Worker close the connection with the given cause.
	Close(id ConnID, cause errkind.Cause)
}

// Handler is the per-connection application object. A Handler instance is
// created by a Delegator for exactly one connection and is never shared
// across Workers or connections; its methods are only ever invoked by the
// single goroutine running the owning Worker's event loop, so it requires no
// internal locking for state mutated only from these callbacks.
type Handler interface {
	// OnConnected fires once, immediately after the Worker registers the
	// connection, before any bytes are decoded.
	OnConnected(ref WorkerRef, id ConnID)

	// ReceivedMessage fires once per Message the connection's Decoder
	// produces, in byte-arrival order.
	ReceivedMessage(m codec.Message)

	// OnWriteReady fires when the Worker has drained the handler's pending
	// outbound writes and the socket is ready to accept more.
	OnWriteReady()

	// OnConnectionTerminated fires exactly once, whether the close was
	// local, remote, or due to an error; no further callbacks follow it.
	OnConnectionTerminated(cause errkind.Cause)

	// IdleCheck fires on the Worker's coarse tick with the time elapsed
	// since the connection's last activity. Implementations that don't care
	// about idling can leave this a no-op; the Worker's own idle-timeout
	// enforcement is independent of this callback.
	IdleCheck(elapsed time.Duration)
}

// BaseHandler implements Handler with no-op bodies so concrete handlers can
// embed it and override only the callbacks they need.
type BaseHandler struct{}

func (BaseHandler) OnConnected(WorkerRef, ConnID)        {}
func (BaseHandler) ReceivedMessage(codec.Message)        {}
func (BaseHandler) OnWriteReady()                        {}
func (BaseHandler) OnConnectionTerminated(errkind.Cause) {}
func (BaseHandler) IdleCheck(time.Duration)              {}
