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

package phttp

import (
	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/common"
)

// serverCodec is the Codec a Server-side handler binds: it decodes the
// bytes a client sends as Requests and encodes Responses back to the wire.
type serverCodec struct {
	enc  codec.Encoder
	opts common.Options
}

// ServerCodec returns the Codec for the accepting side of an HTTP/1.1
// connection: NewDecoder produces a *requestDecoder, Encoder renders
// *Response messages.
func ServerCodec() codec.Codec {
	return ServerCodecWithOptions(nil)
}

// ServerCodecWithOptions is ServerCodec with a "maxHeaderBytes" override
// read from opts (common.Options, cast-backed — see
// decoder.go:maxHeaderBytesFromOptions).
func ServerCodecWithOptions(opts common.Options) codec.Codec {
	return serverCodec{enc: NewEncoder(), opts: opts}
}

func (c serverCodec) NewDecoder() codec.Decoder { return NewRequestDecoderWithOptions(c.opts) }
func (c serverCodec) Encoder() codec.Encoder    { return c.enc }

// clientCodec is the Codec an outbound-connecting handler binds: it
// encodes Requests to send and decodes Responses the peer returns.
type clientCodec struct {
	enc  codec.Encoder
	opts common.Options
}

// ClientCodec returns the Codec for the connecting side of an HTTP/1.1
// connection: NewDecoder produces a *responseDecoder, Encoder renders
// *Request messages.
func ClientCodec() codec.Codec {
	return ClientCodecWithOptions(nil)
}

// ClientCodecWithOptions is ClientCodec with a "maxHeaderBytes" override
// read from opts.
func ClientCodecWithOptions(opts common.Options) codec.Codec {
	return clientCodec{enc: NewEncoder(), opts: opts}
}

func (c clientCodec) NewDecoder() codec.Decoder { return NewResponseDecoderWithOptions(c.opts) }
func (c clientCodec) Encoder() codec.Encoder    { return c.enc }
