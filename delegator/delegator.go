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

// Package delegator defines the per-(Server,Worker) factory contract: one
// Delegator instance is created for each Worker that registers a given
// Server, mirroring the teacher's connection-pool registration idiom.
package delegator

import (
	"github.com/ioloop/ioloop/connhandler"
)

// Delegator produces ConnectionHandlers for newly-assigned connections and
// receives broadcast application messages fanned out by
// workermanager.Broadcast. One instance lives for the lifetime of its
// Worker's registration of its Server; it is never shared across Workers.
type Delegator interface {
	// AcceptNewConnection is called once per connection assigned to this
	// Worker for this Server. Returning (nil, false) tells the Worker to
	// refuse and close the socket immediately with errkind.CauseRefused
	// without ever invoking OnConnected.
	AcceptNewConnection(id connhandler.ConnID) (connhandler.Handler, bool)

	// HandleBroadcast receives a message published via
	// workermanager.WorkerManager.Broadcast for this Delegator's Server.
	HandleBroadcast(msg any)
}

// CreateFunc builds a Delegator for one (Server, Worker) pair. Servers
// register a CreateFunc; the Worker invokes it once per registration.
type CreateFunc func() Delegator

// Func adapts a plain connection factory into a Delegator that never
// refuses connections and ignores broadcasts — the common case for simple
// handlers that don't need per-worker fan-out state.
type Func func(id connhandler.ConnID) connhandler.Handler

func (f Func) AcceptNewConnection(id connhandler.ConnID) (connhandler.Handler, bool) {
	h := f(id)
	return h, h != nil
}

func (f Func) HandleBroadcast(any) {}
