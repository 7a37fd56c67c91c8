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
)

func TestEncodeResponse_InsertsContentLength(t *testing.T) {
	enc := NewEncoder()

	resp := &Response{
		Code: StatusCode{Code: 200, Reason: "OK"},
		Headers: Header{
			{Name: "X-Request-Id", Value: "abc"},
		},
		Body: []byte("hello"),
	}

	out, err := enc.Encode(resp)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\ncontent-length: 5\r\nX-Request-Id: abc\r\n\r\nhello", string(out))
}

func TestEncodeResponse_OverwritesSuppliedContentLength(t *testing.T) {
	enc := NewEncoder()

	resp := &Response{
		Code: StatusCode{Code: 200, Reason: "OK"},
		Headers: Header{
			{Name: "content-length", Value: "999"},
		},
		Body: []byte("hi"),
	}

	out, err := enc.Encode(resp)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\ncontent-length: 2\r\n\r\nhi", string(out))
}

func TestEncodeRequest_HeaderCaseIsVerbatim(t *testing.T) {
	enc := NewEncoder()

	req := &Request{
		Method: "GET",
		Path:   "/status",
		Headers: Header{
			{Name: "Host", Value: "example.com"},
		},
	}

	out, err := enc.Encode(req)
	require.NoError(t, err)
	assert.Equal(t, "GET /status HTTP/1.1\r\ncontent-length: 0\r\nHost: example.com\r\n\r\n", string(out))
}

func TestEncodeResponse_RejectsInvalidHeaderName(t *testing.T) {
	enc := NewEncoder()

	resp := &Response{
		Code:    StatusCode{Code: 200, Reason: "OK"},
		Headers: Header{{Name: "bad header", Value: "x"}},
	}

	_, err := enc.Encode(resp)
	assert.Error(t, err)
}

func TestRoundTrip_RequestNoBody(t *testing.T) {
	enc := NewEncoder()
	dec := NewRequestDecoder()

	req := &Request{
		Method:  "GET",
		Path:    "/widgets",
		Headers: Header{{Name: "accept", Value: "*/*"}},
	}

	wire, err := enc.Encode(req)
	require.NoError(t, err)

	msgs, err := dec.Decode(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := msgs[0].(*Request)
	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.Path, got.Path)
	v, ok := got.Headers.Get("accept")
	assert.True(t, ok)
	assert.Equal(t, "*/*", v)
}

func TestRoundTrip_ResponseWithBody(t *testing.T) {
	enc := NewEncoder()
	dec := NewResponseDecoder()

	resp := &Response{
		Code:    StatusCode{Code: 201, Reason: "Created"},
		Headers: Header{{Name: "location", Value: "/widgets/1"}},
		Body:    []byte(`{"id":1}`),
	}

	wire, err := enc.Encode(resp)
	require.NoError(t, err)

	msgs, err := dec.Decode(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := msgs[0].(*Response)
	assert.Equal(t, resp.Code, got.Code)
	assert.Equal(t, resp.Body, got.Body)
}

func TestServerClientCodec_RoundTrip(t *testing.T) {
	server := ServerCodec()
	client := ClientCodec()

	req := &Request{Method: "GET", Path: "/ping"}
	wire, err := client.Encoder().Encode(req)
	require.NoError(t, err)

	msgs, err := server.NewDecoder().Decode(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/ping", msgs[0].(*Request).Path)

	resp := &Response{Code: StatusCode{Code: 200, Reason: "OK"}, Body: []byte("pong")}
	wire, err = server.Encoder().Encode(resp)
	require.NoError(t, err)

	msgs, err = client.NewDecoder().Decode(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("pong"), msgs[0].(*Response).Body)
}
