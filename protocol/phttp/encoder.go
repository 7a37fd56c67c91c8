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
	"bytes"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/errkind"
)

// encoder implements codec.Encoder for both Request and Response messages.
// Encoding is pure and stateless, per the codec.Encoder contract.
type encoder struct{}

// NewEncoder returns the stateless HTTP/1.1 encoder shared by the server-
// and client-side codecs.
func NewEncoder() codec.Encoder {
	return encoder{}
}

func (encoder) Encode(m codec.Message) ([]byte, error) {
	switch v := m.(type) {
	case *Response:
		return encodeResponse(v)
	case *Request:
		return encodeRequest(v)
	default:
		return nil, errkind.NewProtocolViolation("http codec: cannot encode %T", m)
	}
}

// encodeResponse renders a Response to wire bytes, inserting or overwriting
// a content-length header to reflect the exact body length per spec.md
// §4.1 and §6. The version written is always HTTP/1.1 regardless of the
// Version field, per spec.md §4.1.
func encodeResponse(r *Response) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.Code.Code))
	buf.WriteByte(' ')
	buf.WriteString(r.Code.Reason)
	buf.WriteString("\r\n")

	if err := writeHeaders(&buf, r.Headers, len(r.Body)); err != nil {
		return nil, err
	}
	buf.Write(r.Body)

	return buf.Bytes(), nil
}

// encodeRequest renders a Request to wire bytes with the same
// content-length canonicalisation as encodeResponse.
func encodeRequest(r *Request) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(r.Method)
	buf.WriteByte(' ')
	buf.WriteString(r.Path)
	buf.WriteString(" HTTP/1.1\r\n")

	if err := writeHeaders(&buf, r.Headers, len(r.Body)); err != nil {
		return nil, err
	}
	buf.Write(r.Body)

	return buf.Bytes(), nil
}

// writeHeaders appends h's header block, then the blank line ending it, to
// buf — which already holds the status/request line written by the caller.
// If h already has a content-length field its value is overwritten in
// place with bodyLen; otherwise one is prepended ahead of the other
// headers (never ahead of the status line itself), per spec.md §4.1 ("If
// the user supplied one, it is overwritten; if absent, it is prepended").
// Every header name and value is validated against the RFC 7230
// token/field-content grammar before being written, refusing to emit a
// message that would desync the peer's parser.
func writeHeaders(buf *bytes.Buffer, h Header, bodyLen int) error {
	var headers bytes.Buffer
	wrote := false
	for _, f := range h {
		if isContentLength(f.Name) {
			if err := writeHeaderLine(&headers, f.Name, strconv.Itoa(bodyLen)); err != nil {
				return err
			}
			wrote = true
			continue
		}
		if err := writeHeaderLine(&headers, f.Name, f.Value); err != nil {
			return err
		}
	}
	if !wrote {
		var prefixed bytes.Buffer
		if err := writeHeaderLine(&prefixed, "content-length", strconv.Itoa(bodyLen)); err != nil {
			return err
		}
		prefixed.Write(headers.Bytes())
		headers = prefixed
	}
	buf.Write(headers.Bytes())
	buf.WriteString("\r\n")
	return nil
}

func writeHeaderLine(buf *bytes.Buffer, name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return errkind.NewProtocolViolation("http codec: invalid header name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return errkind.NewProtocolViolation("http codec: invalid header value for %q", name)
	}
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
	return nil
}

func isContentLength(name string) bool {
	return len(name) == len("content-length") && eqFold(name, "content-length")
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
