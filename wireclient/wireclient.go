// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package wireclient is the JSON-line socket transport shared by the
// storage and membroker packages to reach their external daemons. It
// mirrors the request/response envelope the rpc package serves over
// HTTP, but dials a persistent Unix domain socket instead: one
// connection per Client, one newline-delimited JSON object per call,
// reconnected lazily on the next call after any I/O error.
package wireclient

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/types"
)

type wireRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type wireResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

var wireKindToLocal = map[string]types.Kind{
	"DoesNotExist":            types.KindDoesNotExist,
	"AlreadyExists":           types.KindAlreadyExists,
	"IoError":                 types.KindIoError,
	"InternalError":           types.KindInternalError,
	"NotSupported":            types.KindNotSupported,
	"BallooningError":         types.KindBallooningError,
	"BallooningServiceAbsent": types.KindBallooningServiceAbsent,
	"InvalidVmId":             types.KindInvalidVmId,
}

// Client is a single-connection JSON-line RPC client to a Unix socket
// daemon. Safe for concurrent use; calls are serialized on mu since
// the wire protocol has no request id to demultiplex overlapping
// replies.
type Client struct {
	log  base.Logger
	sock string

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// New returns a Client that dials sock lazily on the first call.
func New(log base.Logger, sock string) *Client {
	return &Client{log: log, sock: sock}
}

func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.sock)
	if err != nil {
		c.log.Warnf("wireclient: dial %s: %v", c.sock, err)
		return types.NewErrorf(types.KindIoError, "dial %s: %v", c.sock, err)
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// Call sends method with params marshaled to JSON and decodes the
// result into out (which may be nil for calls with no return value).
// A non-nil wire error is translated back to a *types.Error, mapping
// well-known kinds by name and falling back to InternalError for
// anything this client doesn't recognize.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return types.NewErrorf(types.KindInternalError, "marshal %s params: %v", method, err)
	}
	line, err := json.Marshal(wireRequest{Method: method, Params: raw})
	if err != nil {
		return types.NewErrorf(types.KindInternalError, "marshal %s request: %v", method, err)
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		c.closeLocked()
		return types.NewErrorf(types.KindIoError, "%s: write: %v", method, err)
	}

	replyLine, err := c.r.ReadBytes('\n')
	if err != nil {
		c.closeLocked()
		return types.NewErrorf(types.KindIoError, "%s: read: %v", method, err)
	}

	var resp wireResponse
	if err := json.Unmarshal(replyLine, &resp); err != nil {
		return types.NewErrorf(types.KindInternalError, "%s: bad response: %v", method, err)
	}
	if resp.Error != nil {
		kind, ok := wireKindToLocal[resp.Error.Kind]
		if !ok {
			kind = types.KindInternalError
		}
		return types.NewErrorf(kind, "%s: %s", method, resp.Error.Detail)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return types.NewErrorf(types.KindInternalError, "%s: decode result: %v", method, err)
	}
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.r = nil
	}
}

// Close drops the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}
