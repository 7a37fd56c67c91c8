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

// Package errkind names the error/close-cause kinds shared across the
// iosystem/server/worker/codec packages.
package errkind

import "github.com/pkg/errors"

// Cause identifies why a connection was closed.
type Cause string

const (
	// CauseRefused the Delegator declined AcceptNewConnection, or the Server
	// refused the socket before it ever reached a Worker.
	CauseRefused Cause = "refused"

	// CauseProtocolViolation the codec rejected malformed bytes.
	CauseProtocolViolation Cause = "protocol_violation"

	// CauseIOError a read/write/selector error on the connection's socket.
	CauseIOError Cause = "io_error"

	// CauseIdleTimeout the connection exceeded its effective idle bound.
	CauseIdleTimeout Cause = "idle_timeout"

	// CauseHandlerException an uncaught panic escaped application code.
	CauseHandlerException Cause = "handler_exception"

	// CauseLocalClose the application or Server-initiated shutdown closed it.
	CauseLocalClose Cause = "local_close"

	// CauseRemoteClose the peer closed first (EOF on read).
	CauseRemoteClose Cause = "remote_close"
)

// Sentinel errors for the process-level failure kinds. Per-connection
// causes are represented by Cause, not by these errors: they never leave
// the Worker that owns the connection (see propagation policy, spec.md §7).
var (
	// ErrBindFailure names the recoverable bind-failure kind. Server.bind
	// does not return it: a failed bind is logged, counted and retried
	// with bounded backoff.
	ErrBindFailure = errors.New("bind failure")

	// ErrWorkerFailure is fatal for the Worker's own connections; the
	// WorkerManager restarts the Worker with empty state.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrFatalConfig is raised synchronously at construction when a
	// configuration invariant is violated; aborts startup.
	ErrFatalConfig = errors.New("fatal configuration")
)

// ProtocolViolation wraps a codec-level decode failure with the cause Cause
// the owning Worker should record when it closes the connection.
type ProtocolViolation struct {
	err error
}

func NewProtocolViolation(format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{err: errors.Errorf(format, args...)}
}

func (p *ProtocolViolation) Error() string { return p.err.Error() }
func (p *ProtocolViolation) Unwrap() error { return p.err }
