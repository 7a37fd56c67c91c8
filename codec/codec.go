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

// Package codec defines the pluggable wire-protocol contract: a stateful
// Decoder translating a raw byte stream into typed Messages, and a stateless
// Encoder doing the reverse. A concrete implementation lives in
// protocol/phttp.
package codec

// Message is any decoded application-level unit a Codec produces. Concrete
// codecs define their own message types (e.g. *phttp.Request); handlers type
// assert on the one they expect.
type Message any

// Decoder consumes bytes as they arrive off a connection and emits zero or
// more complete Messages per call. Unconsumed bytes are retained as decoder
// state across calls — a Decoder is never shared across connections.
//
// Decode must return a *errkind.ProtocolViolation when the accumulated bytes
// cannot form a valid message of the protocol; the caller's policy is to
// close the connection with errkind.CauseProtocolViolation.
type Decoder interface {
	// Decode feeds newly-read bytes to the decoder and returns any messages
	// that became complete as a result. b must not be retained past the
	// call unless the Decoder copies it.
	Decode(b []byte) ([]Message, error)
}

// Encoder renders a Message to wire bytes. Encode is pure: the same Message
// always produces the same bytes, and encoding never mutates shared state.
// decode(encode(m)) must yield exactly one message equal to m modulo the
// codec's documented canonicalisations.
type Encoder interface {
	Encode(m Message) ([]byte, error)
}

// Codec pairs a per-connection Decoder factory with a stateless Encoder.
// Worker instantiates one Decoder per connection and reuses the single
// Encoder across all connections of a given protocol.
type Codec interface {
	// NewDecoder returns a fresh, connection-scoped Decoder.
	NewDecoder() Decoder

	// Encoder returns the protocol's stateless Encoder.
	Encoder() Encoder
}
