// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openxenstack/domaind/types"
)

var updatesMethods = map[string]handlerFunc{
	"UPDATES.get": updatesGet,
}

// defaultUpdatesTimeout bounds a long-poll UPDATES.get call when the
// caller doesn't specify one; the http server's own timeouts must be
// configured no shorter than this.
const defaultUpdatesTimeout = 30 * time.Second

type updatesGetParams struct {
	LastId    uint64 `json:"last_id"`
	TimeoutMs int    `json:"timeout_ms"`
}

type updatesGetResult struct {
	Updates []types.Update `json:"updates"`
	NextId  uint64         `json:"next_id"`
}

// updatesGet blocks until a newer update id exists on the bus or the
// timeout expires, exposed at the JSON RPC boundary.
func updatesGet(ctx context.Context, s *Server, raw json.RawMessage) (interface{}, error) {
	var p updatesGetParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	timeout := defaultUpdatesTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	items, next := s.bus.Get(ctx, p.LastId, timeout)
	return updatesGetResult{Updates: items, NextId: next}, nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsPollInterval is how long each iteration of the websocket push loop
// blocks on the bus before checking the connection is still alive;
// short enough that a closed client is noticed promptly.
const wsPollInterval = 5 * time.Second

// serveUpdatesWS is the fallback continuous-push transport for
// UPDATES.get: a caller that would rather not re-poll connects once,
// gives its last-seen id as a query parameter, and receives every
// subsequent batch as it is published.
func (s *Server) serveUpdatesWS(w http.ResponseWriter, r *http.Request) {
	last, _ := strconv.ParseUint(r.URL.Query().Get("last_id"), 10, 64)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("updates ws: upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		items, next := s.bus.Get(ctx, last, wsPollInterval)
		if ctx.Err() != nil {
			return
		}
		if len(items) == 0 {
			continue
		}
		if err := conn.WriteJSON(updatesGetResult{Updates: items, NextId: next}); err != nil {
			return
		}
		last = next
	}
}
