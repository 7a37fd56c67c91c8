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
	"io"
	"strconv"
	"strings"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/common"
	"github.com/ioloop/ioloop/errkind"
	"github.com/ioloop/ioloop/internal/splitio"
)

// state is the parser state machine from spec.md §4.1: ReadStatusLine,
// ReadHeaders, ReadBody(n).
type state uint8

const (
	stateStatusLine state = iota
	stateHeaders
	stateBody
)

const maxStatusLineLen = 8192

// defaultMaxHeaderBytes bounds the total size of a message's header block,
// overridable per-Codec via the "maxHeaderBytes" option (common.Options,
// read with spf13/cast the same way common.Options.GetInt does elsewhere in
// this module).
const defaultMaxHeaderBytes = 1 << 20

func maxHeaderBytesFromOptions(opts common.Options) int {
	if opts == nil {
		return defaultMaxHeaderBytes
	}
	n, err := opts.GetInt("maxHeaderBytes")
	if err != nil || n <= 0 {
		return defaultMaxHeaderBytes
	}
	return n
}

// lineBuffer accumulates bytes across Decode calls and yields complete
// CRLF-terminated lines, retaining any unconsumed remainder as state —
// the teacher's splitio.Scanner only ever scanned a single
// already-complete byte slice, which doesn't fit data arriving in
// arbitrary socket-read-sized chunks.
type lineBuffer struct {
	buf bytes.Buffer
}

func (lb *lineBuffer) write(b []byte) {
	lb.buf.Write(b)
}

// readLine returns the next CRLF-delimited line (without the CRLF) and true
// if one is fully buffered; otherwise returns false and leaves the buffer
// untouched for the next Decode call to extend.
func (lb *lineBuffer) readLine() ([]byte, bool) {
	b := lb.buf.Bytes()
	idx := bytes.Index(b, splitio.CharCRLF)
	if idx < 0 {
		return nil, false
	}
	line := append([]byte(nil), b[:idx]...)
	lb.buf.Next(idx + len(splitio.CharCRLF))
	return line, true
}

// readBody drains exactly n bytes from the buffer, or returns false if
// fewer than n bytes are currently buffered.
func (lb *lineBuffer) readBody(n int) ([]byte, bool) {
	if lb.buf.Len() < n {
		return nil, false
	}
	body := make([]byte, n)
	_, _ = io.ReadFull(&lb.buf, body)
	return body, true
}

func newError(format string, args ...any) error {
	return errkind.NewProtocolViolation("http codec: "+format, args...)
}

func parseHeaderLine(line []byte) (HeaderField, error) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return HeaderField{}, newError("malformed header line %q", line)
	}
	name := strings.ToLower(strings.TrimSpace(string(line[:idx])))
	value := strings.TrimSpace(string(line[idx+1:]))
	return HeaderField{Name: name, Value: value}, nil
}

// --- response decoder (client-side codec: decodes server responses) ---

type responseDecoder struct {
	lb    lineBuffer
	state state

	cur           *Response
	haveLength    bool
	contentLength int
	bodyRead      int

	maxHeaderBytes int
	headerBytes    int
}

// NewResponseDecoder returns a Decoder that parses HTTP/1.0 and HTTP/1.1
// response bytes into *Response messages, using defaultMaxHeaderBytes.
func NewResponseDecoder() codec.Decoder {
	return NewResponseDecoderWithOptions(nil)
}

// NewResponseDecoderWithOptions is NewResponseDecoder with a
// "maxHeaderBytes" override read from opts.
func NewResponseDecoderWithOptions(opts common.Options) codec.Decoder {
	return &responseDecoder{state: stateStatusLine, maxHeaderBytes: maxHeaderBytesFromOptions(opts)}
}

func (d *responseDecoder) reset() {
	d.state = stateStatusLine
	d.cur = nil
	d.haveLength = false
	d.contentLength = 0
	d.bodyRead = 0
	d.headerBytes = 0
}

func (d *responseDecoder) Decode(b []byte) ([]codec.Message, error) {
	d.lb.write(b)

	var msgs []codec.Message
	for {
		switch d.state {
		case stateStatusLine:
			line, ok := d.lb.readLine()
			if !ok {
				if d.lb.buf.Len() > maxStatusLineLen {
					return msgs, newError("status line exceeds %d bytes", maxStatusLineLen)
				}
				return msgs, nil
			}
			resp, err := parseStatusLine(line)
			if err != nil {
				d.reset()
				return msgs, err
			}
			d.cur = resp
			d.state = stateHeaders

		case stateHeaders:
			line, ok := d.lb.readLine()
			if !ok {
				return msgs, nil
			}
			if len(line) == 0 {
				d.state = stateBody
				if !d.haveLength || d.contentLength == 0 {
					msgs = append(msgs, d.finish())
				}
				continue
			}
			d.headerBytes += len(line)
			if d.headerBytes > d.maxHeaderBytes {
				d.reset()
				return msgs, newError("response header block exceeds %d bytes", d.maxHeaderBytes)
			}
			field, err := parseHeaderLine(line)
			if err != nil {
				d.reset()
				return msgs, err
			}
			if field.Name == "content-length" {
				if d.haveLength {
					d.reset()
					return msgs, newError("duplicate content-length header")
				}
				n, err := strconv.Atoi(field.Value)
				if err != nil || n < 0 {
					d.reset()
					return msgs, newError("invalid content-length %q", field.Value)
				}
				d.haveLength = true
				d.contentLength = n
			}
			d.cur.Headers = append(d.cur.Headers, field)

		case stateBody:
			need := d.contentLength - d.bodyRead
			chunk, ok := d.lb.readBody(need)
			if !ok {
				return msgs, nil
			}
			d.cur.Body = append(d.cur.Body, chunk...)
			d.bodyRead += len(chunk)
			msgs = append(msgs, d.finish())
		}
	}
}

// finish emits the in-progress message and resets decoder state for the
// next one.
func (d *responseDecoder) finish() codec.Message {
	msg := d.cur
	d.reset()
	return msg
}

func parseStatusLine(line []byte) (*Response, error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return nil, newError("malformed status line %q", line)
	}

	version, ok := parseVersion(parts[0])
	if !ok {
		return nil, newError("unsupported http version %q", parts[0])
	}

	code, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return nil, newError("malformed status code %q", parts[1])
	}

	return &Response{
		Version: version,
		Code:    StatusCode{Code: code, Reason: string(parts[2])},
	}, nil
}

func parseVersion(b []byte) (string, bool) {
	switch string(b) {
	case "HTTP/1.1":
		return "1.1", true
	case "HTTP/1.0":
		return "1.0", true
	default:
		return "", false
	}
}

// --- request decoder (server-side codec: decodes client requests) ---

type requestDecoder struct {
	lb    lineBuffer
	state state

	cur           *Request
	haveLength    bool
	contentLength int
	bodyRead      int

	maxHeaderBytes int
	headerBytes    int
}

// NewRequestDecoder returns a Decoder that parses HTTP/1.0 and HTTP/1.1
// request bytes into *Request messages, using defaultMaxHeaderBytes.
func NewRequestDecoder() codec.Decoder {
	return NewRequestDecoderWithOptions(nil)
}

// NewRequestDecoderWithOptions is NewRequestDecoder with a "maxHeaderBytes"
// override read from opts.
func NewRequestDecoderWithOptions(opts common.Options) codec.Decoder {
	return &requestDecoder{state: stateStatusLine, maxHeaderBytes: maxHeaderBytesFromOptions(opts)}
}

func (d *requestDecoder) reset() {
	d.state = stateStatusLine
	d.cur = nil
	d.haveLength = false
	d.contentLength = 0
	d.bodyRead = 0
	d.headerBytes = 0
}

func (d *requestDecoder) Decode(b []byte) ([]codec.Message, error) {
	d.lb.write(b)

	var msgs []codec.Message
	for {
		switch d.state {
		case stateStatusLine:
			line, ok := d.lb.readLine()
			if !ok {
				if d.lb.buf.Len() > maxStatusLineLen {
					return msgs, newError("request line exceeds %d bytes", maxStatusLineLen)
				}
				return msgs, nil
			}
			req, err := parseRequestLine(line)
			if err != nil {
				d.reset()
				return msgs, err
			}
			d.cur = req
			d.state = stateHeaders

		case stateHeaders:
			line, ok := d.lb.readLine()
			if !ok {
				return msgs, nil
			}
			if len(line) == 0 {
				d.state = stateBody
				if !d.haveLength || d.contentLength == 0 {
					msgs = append(msgs, d.finishRequest())
				}
				continue
			}
			d.headerBytes += len(line)
			if d.headerBytes > d.maxHeaderBytes {
				d.reset()
				return msgs, newError("request header block exceeds %d bytes", d.maxHeaderBytes)
			}
			field, err := parseHeaderLine(line)
			if err != nil {
				d.reset()
				return msgs, err
			}
			if field.Name == "content-length" {
				if d.haveLength {
					d.reset()
					return msgs, newError("duplicate content-length header")
				}
				n, err := strconv.Atoi(field.Value)
				if err != nil || n < 0 {
					d.reset()
					return msgs, newError("invalid content-length %q", field.Value)
				}
				d.haveLength = true
				d.contentLength = n
			}
			d.cur.Headers = append(d.cur.Headers, field)

		case stateBody:
			need := d.contentLength - d.bodyRead
			chunk, ok := d.lb.readBody(need)
			if !ok {
				return msgs, nil
			}
			d.cur.Body = append(d.cur.Body, chunk...)
			d.bodyRead += len(chunk)
			msgs = append(msgs, d.finishRequest())
		}
	}
}

func (d *requestDecoder) finishRequest() codec.Message {
	msg := d.cur
	d.reset()
	return msg
}

func parseRequestLine(line []byte) (*Request, error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return nil, newError("malformed request line %q", line)
	}

	version, ok := parseVersion(parts[2])
	if !ok {
		return nil, newError("unsupported http version %q", parts[2])
	}

	return &Request{
		Method:  string(parts[0]),
		Path:    string(parts[1]),
		Version: version,
	}, nil
}
