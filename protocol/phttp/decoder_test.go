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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioloop/ioloop/codec"
	"github.com/ioloop/ioloop/errkind"
)

func TestRequestDecoder_NoBody(t *testing.T) {
	d := NewRequestDecoder()

	raw := "GET /status HTTP/1.1\r\nHost: example.com\r\n\r\n"
	msgs, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	req := msgs[0].(*Request)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/status", req.Path)
	assert.Equal(t, "1.1", req.Version)
	assert.Empty(t, req.Body)

	v, ok := req.Headers.Get("host")
	assert.True(t, ok)
	assert.Equal(t, "example.com", v)
}

func TestRequestDecoder_WithBody(t *testing.T) {
	d := NewRequestDecoder()

	raw := "POST /items HTTP/1.1\r\ncontent-length: 5\r\n\r\nhello"
	msgs, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	req := msgs[0].(*Request)
	assert.Equal(t, "hello", string(req.Body))
}

func TestRequestDecoder_ArbitraryChunkSplit(t *testing.T) {
	raw := "POST /items HTTP/1.1\r\ncontent-length: 11\r\n\r\nhello world"

	for split := 1; split < len(raw); split++ {
		d := NewRequestDecoder()

		var all []codec.Message
		first, err := d.Decode([]byte(raw[:split]))
		require.NoError(t, err)
		all = append(all, first...)

		second, err := d.Decode([]byte(raw[split:]))
		require.NoError(t, err, "split at %d", split)
		all = append(all, second...)

		require.Len(t, all, 1, "split at %d", split)
		req := all[0].(*Request)
		assert.Equal(t, "hello world", string(req.Body), "split at %d", split)
	}
}

func TestRequestDecoder_DuplicateContentLength(t *testing.T) {
	d := NewRequestDecoder()

	raw := "POST /items HTTP/1.1\r\ncontent-length: 5\r\ncontent-length: 5\r\n\r\nhello"
	_, err := d.Decode([]byte(raw))
	require.Error(t, err)

	var pv *errkind.ProtocolViolation
	assert.ErrorAs(t, err, &pv)
}

func TestRequestDecoder_MalformedRequestLine(t *testing.T) {
	d := NewRequestDecoder()

	_, err := d.Decode([]byte("not a request line\r\n\r\n"))
	require.Error(t, err)

	var pv *errkind.ProtocolViolation
	assert.ErrorAs(t, err, &pv)
}

func TestRequestDecoder_PipelinedRequests(t *testing.T) {
	d := NewRequestDecoder()

	raw := "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n"
	msgs, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "/a", msgs[0].(*Request).Path)
	assert.Equal(t, "/b", msgs[1].(*Request).Path)
}

func TestResponseDecoder_WithBody(t *testing.T) {
	d := NewResponseDecoder()

	raw := "HTTP/1.1 200 OK\r\ncontent-length: 2\r\n\r\nok"
	msgs, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	resp := msgs[0].(*Response)
	assert.Equal(t, 200, resp.Code.Code)
	assert.Equal(t, "OK", resp.Code.Reason)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestResponseDecoder_NoBody(t *testing.T) {
	d := NewResponseDecoder()

	raw := "HTTP/1.1 204 No Content\r\n\r\n"
	msgs, err := d.Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	resp := msgs[0].(*Response)
	assert.Equal(t, 204, resp.Code.Code)
	assert.Empty(t, resp.Body)
}
