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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/connhandler"
	"github.com/ioloop/ioloop/delegator"
	"github.com/ioloop/ioloop/errkind"
	"github.com/ioloop/ioloop/task"
)

// lineCodec is a trivial newline-delimited Codec used only to exercise the
// Worker loop without depending on protocol/phttp.
type lineCodec struct{}

func (lineCodec) NewDecoder() codec.Decoder { return &lineDecoder{} }
func (lineCodec) Encoder() codec.Encoder    { return lineEncoder{} }

type lineDecoder struct{ buf []byte }

func (d *lineDecoder) Decode(b []byte) ([]codec.Message, error) {
	d.buf = append(d.buf, b...)
	var msgs []codec.Message
	for {
		idx := -1
		for i, c := range d.buf {
			if c == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return msgs, nil
		}
		msgs = append(msgs, string(d.buf[:idx]))
		d.buf = d.buf[idx+1:]
	}
}

type lineEncoder struct{}

func (lineEncoder) Encode(m codec.Message) ([]byte, error) {
	return append([]byte(m.(string)), '\n'), nil
}

// stubServerRef is a minimal ServerRef for tests.
type stubServerRef struct {
	id ServerID

	mu     sync.Mutex
	closed []connhandler.ConnID
	bound  time.Duration
}

func (s *stubServerRef) ServerID() ServerID          { return s.id }
func (s *stubServerRef) IdleBound() time.Duration    { return s.bound }
func (s *stubServerRef) NotifyClosed(id connhandler.ConnID, cause errkind.Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, id)
}

func (s *stubServerRef) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closed)
}

// recordingHandler captures every callback invocation for assertions.
type recordingHandler struct {
	mu sync.Mutex

	connected bool
	messages  []codec.Message
	terminated bool
	cause      errkind.Cause
	ref        connhandler.WorkerRef
	id         connhandler.ConnID
}

func (h *recordingHandler) OnConnected(ref connhandler.WorkerRef, id connhandler.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	h.ref = ref
	h.id = id
}

func (h *recordingHandler) ReceivedMessage(m codec.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, m)
}

func (h *recordingHandler) OnWriteReady() {}

func (h *recordingHandler) OnConnectionTerminated(cause errkind.Cause) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	h.cause = cause
}

func (h *recordingHandler) IdleCheck(time.Duration) {}

func (h *recordingHandler) snapshot() (bool, []codec.Message, bool, errkind.Cause) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected, append([]codec.Message(nil), h.messages...), h.terminated, h.cause
}

func eventually(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, fn(), "condition never became true")
}

func TestWorker_ConnectionLifecycle(t *testing.T) {
	w := New(1, nil)
	go w.Run()
	defer w.Shutdown(true)

	h := &recordingHandler{}
	server := &stubServerRef{id: 7}
	w.RegisterServer(server, func() delegator.Delegator {
		return delegator.Func(func(connhandler.ConnID) connhandler.Handler { return h })
	})

	client, srv := net.Pipe()
	defer client.Close()

	w.AssignConnection(srv, server, func() codec.Codec { return lineCodec{} })

	eventually(t, func() bool {
		connected, _, _, _ := h.snapshot()
		return connected
	})

	_, err := client.Write([]byte("hello\n"))
	require.NoError(t, err)

	eventually(t, func() bool {
		_, msgs, _, _ := h.snapshot()
		return len(msgs) == 1
	})
	_, msgs, _, _ := h.snapshot()
	assert.Equal(t, "hello", msgs[0])

	h.ref.Close(h.id, errkind.CauseLocalClose)

	eventually(t, func() bool {
		_, _, terminated, _ := h.snapshot()
		return terminated
	})
	_, _, _, cause := h.snapshot()
	assert.Equal(t, errkind.CauseLocalClose, cause)

	eventually(t, func() bool { return server.closedCount() == 1 })
}

func TestWorker_DelegatorRefuses(t *testing.T) {
	w := New(2, nil)
	go w.Run()
	defer w.Shutdown(true)

	server := &stubServerRef{id: 1}
	w.RegisterServer(server, func() delegator.Delegator {
		return delegator.Func(func(connhandler.ConnID) connhandler.Handler { return nil })
	})

	client, srv := net.Pipe()
	defer client.Close()

	w.AssignConnection(srv, server, func() codec.Codec { return lineCodec{} })

	eventually(t, func() bool { return server.closedCount() == 1 })
}

func TestWorker_UnknownServerRefuses(t *testing.T) {
	w := New(3, nil)
	go w.Run()
	defer w.Shutdown(true)

	server := &stubServerRef{id: 99}
	client, srv := net.Pipe()
	defer client.Close()

	w.AssignConnection(srv, server, func() codec.Codec { return lineCodec{} })

	eventually(t, func() bool { return server.closedCount() == 1 })
}

func TestWorker_Broadcast(t *testing.T) {
	w := New(4, nil)
	go w.Run()
	defer w.Shutdown(true)

	var mu sync.Mutex
	var received []any

	server := &stubServerRef{id: 5}
	w.RegisterServer(server, func() delegator.Delegator {
		return broadcastDelegator{fn: func(msg any) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, msg)
		}}
	})

	w.Broadcast(5, "ping")

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
}

type broadcastDelegator struct {
	fn func(any)
}

func (broadcastDelegator) AcceptNewConnection(connhandler.ConnID) (connhandler.Handler, bool) {
	return nil, false
}
func (d broadcastDelegator) HandleBroadcast(msg any) { d.fn(msg) }

func TestWorker_RunTask(t *testing.T) {
	w := New(5, nil)
	go w.Run()
	defer w.Shutdown(true)

	var mu sync.Mutex
	var got []any
	var started, stopped bool

	proxy := w.RunTask(taskStub{
		onStart: func() { mu.Lock(); started = true; mu.Unlock() },
		onMsg: func(m any) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
		onStop: func() { mu.Lock(); stopped = true; mu.Unlock() },
	})

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return started
	})

	proxy.Send("hi")
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	proxy.Stop()
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stopped
	})
}

type taskStub struct {
	onStart func()
	onMsg   func(any)
	onStop  func()
}

func (s taskStub) OnStart(proxy task.Proxy) {
	_ = proxy
	s.onStart()
}
func (s taskStub) Receive(msg any) { s.onMsg(msg) }
func (s taskStub) OnStop()         { s.onStop() }
