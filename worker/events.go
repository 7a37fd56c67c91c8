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

package worker

import (
	"net"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/connhandler"
	"github.com/ioloop/ioloop/delegator"
	"github.com/ioloop/ioloop/errkind"
	"github.com/ioloop/ioloop/task"
)

// event is the closed set of messages a Worker's mailbox carries. All
// cross-goroutine entry points into a Worker construct one of these instead
// of touching Worker state directly, per spec.md §4.4's invariant.
type event interface{ isWorkerEvent() }

type evNewConn struct {
	conn     net.Conn
	server   ServerRef
	codecFor func() codec.Codec
}

type evNewOutboundConn struct {
	conn        net.Conn
	server      ServerRef
	codecFor    func() codec.Codec
	makeHandler func(connhandler.ConnID) connhandler.Handler
}

type evData struct {
	id   connhandler.ConnID
	data []byte
}

type evReadError struct {
	id    connhandler.ConnID
	cause errkind.Cause
}

type evSend struct {
	id  connhandler.ConnID
	msg codec.Message
}

type evCloseConn struct {
	id    connhandler.ConnID
	cause errkind.Cause
}

type evBroadcast struct {
	serverID ServerID
	msg      any
}

type evRegisterServer struct {
	server ServerRef
	create delegator.CreateFunc
	done   chan struct{}
}

type evCloseServer struct {
	serverID ServerID
	graceful bool
	done     chan struct{}
}

type evRunTask struct {
	t    task.Task
	id   string
	done chan task.Proxy
}

type evTaskMsg struct {
	taskID uint64
	msg    any
}

type evStopTask struct {
	taskID uint64
}

type evShutdown struct {
	killConnections bool
	ack             chan struct{}
}

func (evNewConn) isWorkerEvent()        {}
func (evNewOutboundConn) isWorkerEvent() {}
func (evData) isWorkerEvent()           {}
func (evReadError) isWorkerEvent()      {}
func (evSend) isWorkerEvent()           {}
func (evCloseConn) isWorkerEvent()      {}
func (evBroadcast) isWorkerEvent()      {}
func (evRegisterServer) isWorkerEvent() {}
func (evCloseServer) isWorkerEvent()    {}
func (evRunTask) isWorkerEvent()        {}
func (evTaskMsg) isWorkerEvent()        {}
func (evStopTask) isWorkerEvent()       {}
func (evShutdown) isWorkerEvent()       {}
