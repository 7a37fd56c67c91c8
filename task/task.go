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

// Package task defines the ad-hoc work facility IOSystem.Run binds to a
// Worker's loop, so application code that needs to do something outside the
// lifetime of any one connection still runs on a single-threaded executor
// instead of spawning its own goroutine.
package task

// Proxy is the handle returned to the caller of IOSystem.Run. It is safe to
// use from any goroutine; Send is forwarded to the Worker the Task was bound
// to and delivered to the Task's Receive on that Worker's loop.
type Proxy interface {
	// Send enqueues msg for delivery to the Task's Receive method.
	Send(msg any)

	// Stop requests the Worker detach and discard the Task. No further
	// Receive calls follow.
	Stop()
}

// Task is bound to exactly one Worker for its entire lifetime; like a
// ConnectionHandler, its methods are only ever invoked by that Worker's own
// loop goroutine.
type Task interface {
	// OnStart fires once, immediately after the Worker binds the Task, and
	// is handed the Proxy other goroutines will use to talk to it.
	OnStart(proxy Proxy)

	// Receive fires once per message sent to the Task's Proxy, in send
	// order.
	Receive(msg any)

	// OnStop fires once when the Task is detached, whether by its own
	// Proxy.Stop or by Worker/IOSystem shutdown.
	OnStop()
}

// Func adapts a plain message callback into a Task that ignores start/stop.
type Func func(msg any)

func (f Func) OnStart(Proxy) {}
func (f Func) Receive(msg any) { f(msg) }
func (f Func) OnStop()       {}
