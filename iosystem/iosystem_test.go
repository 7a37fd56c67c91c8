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

package iosystem

import (
	"context"
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
	"github.com/ioloop/ioloop/server"
	"github.com/ioloop/ioloop/task"
)

// lineCodec is a trivial newline-delimited test Codec, mirroring the one
// defined in worker/worker_test.go, so these tests don't depend on
// protocol/phttp.
type lineCodec struct{}

func (lineCodec) NewDecoder() codec.Decoder { return &lineDecoder{} }
func (lineCodec) Encoder() codec.Encoder    { return lineEncoder{} }

type lineDecoder struct{ buf []byte }

func (d *lineDecoder) Decode(b []byte) ([]codec.Message, error) {
	d.buf = append(d.buf, b...)
	var out []codec.Message
	for {
		i := -1
		for j, c := range d.buf {
			if c == '\n' {
				i = j
				break
			}
		}
		if i < 0 {
			break
		}
		out = append(out, string(d.buf[:i]))
		d.buf = d.buf[i+1:]
	}
	return out, nil
}

type lineEncoder struct{}

func (lineEncoder) Encode(m codec.Message) ([]byte, error) {
	return append([]byte(m.(string)), '\n'), nil
}

type recordingHandler struct {
	mu        sync.Mutex
	connected bool
	received  []string
	terminated errkind.Cause
	done      chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) OnConnected(connhandler.WorkerRef, connhandler.ConnID) {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
}

func (h *recordingHandler) ReceivedMessage(m codec.Message) {
	h.mu.Lock()
	h.received = append(h.received, m.(string))
	h.mu.Unlock()
}

func (h *recordingHandler) OnWriteReady() {}

func (h *recordingHandler) OnConnectionTerminated(cause errkind.Cause) {
	h.mu.Lock()
	h.terminated = cause
	h.mu.Unlock()
	close(h.done)
}

func (h *recordingHandler) IdleCheck(time.Duration) {}

func (h *recordingHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.received...)
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

func TestIOSystem_AttachServerAndAccept(t *testing.T) {
	sys := New(Config{Name: "test", NumWorkers: 2}, nil)

	var mu sync.Mutex
	var handlers []*recordingHandler
	create := func() delegator.Delegator {
		return delegator.Func(func(connhandler.ConnID) connhandler.Handler {
			h := newRecordingHandler()
			mu.Lock()
			handlers = append(handlers, h)
			mu.Unlock()
			return h
		})
	}

	settings := server.Settings{
		Port:                    0,
		MaxConnections:          10,
		LowWatermarkPercentage:  0.5,
		HighWatermarkPercentage: 0.8,
		HighWaterMaxIdleTime:    time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := sys.AttachServer(ctx, settings, func() codec.Codec { return lineCodec{} }, create)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", handle.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(handlers) == 0 {
			return false
		}
		return len(handlers[0].messages()) == 1
	})

	mu.Lock()
	assert.Equal(t, []string{"hello"}, handlers[0].messages())
	mu.Unlock()
}

func TestIOSystem_Connect(t *testing.T) {
	sys := New(Config{Name: "test", NumWorkers: 1}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverSide := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverSide <- c
		}
	}()

	h := newRecordingHandler()
	err = sys.Connect(ln.Addr().String(), func() codec.Codec { return lineCodec{} },
		func(connhandler.ConnID) connhandler.Handler { return h })
	require.NoError(t, err)

	eventually(t, func() bool {
		select {
		case c := <-serverSide:
			c.Write([]byte("world\n"))
			serverSide <- c
			return true
		default:
			return false
		}
	})

	eventually(t, func() bool { return len(h.messages()) == 1 })
	assert.Equal(t, []string{"world"}, h.messages())
}

type taskStub struct {
	started chan struct{}
	stopped chan struct{}
}

func (s taskStub) OnStart(task.Proxy) { close(s.started) }
func (s taskStub) Receive(any)        {}
func (s taskStub) OnStop()            { close(s.stopped) }

func TestIOSystem_RunTask(t *testing.T) {
	sys := New(Config{Name: "test", NumWorkers: 1}, nil)

	tk := taskStub{started: make(chan struct{}), stopped: make(chan struct{})}
	started, stopped := tk.started, tk.stopped

	proxy := sys.Run(tk)
	require.NotNil(t, proxy)

	eventually(t, func() bool {
		select {
		case <-started:
			return true
		default:
			return false
		}
	})

	proxy.Stop()

	eventually(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	})
}

func TestIOSystem_ShutdownStopsServers(t *testing.T) {
	sys := New(Config{Name: "test", NumWorkers: 1}, nil)

	settings := server.Settings{
		Port:                    0,
		MaxConnections:          4,
		LowWatermarkPercentage:  0.5,
		HighWatermarkPercentage: 0.8,
		HighWaterMaxIdleTime:    time.Second,
	}

	handle, err := sys.AttachServer(context.Background(), settings, func() codec.Codec { return lineCodec{} },
		delegator.CreateFunc(func() delegator.Delegator {
			return delegator.Func(func(connhandler.ConnID) connhandler.Handler { return newRecordingHandler() })
		}))
	require.NoError(t, err)

	addr := handle.Addr()
	require.NoError(t, sys.Shutdown(true))

	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err)
}
