// Copyright (c) 2024 OpenXenStack Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the external control-plane boundary: a
// JSON-encoded method+params/response envelope over HTTP, one method
// group per component (VM, VBD, VIF, PCI, UPDATES, DEBUG), with errors
// translated to the closed taxonomy in the types package. No panic
// started inside a handler crosses the boundary; recover rewraps it
// as InternalError.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/openxenstack/domaind/base"
	"github.com/openxenstack/domaind/engine"
	"github.com/openxenstack/domaind/types"
	"github.com/openxenstack/domaind/updatebus"
)

// Request is one call across the boundary: a dotted method name
// ("VM.create", "VBD.plug", ...) and its params, opaque until the
// handler for that method unmarshals them.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is always exactly one of Result or Error, never both and
// never neither.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError renders the closed error taxonomy for the wire: Kind is
// one of the taxonomy's names, Detail carries whatever payload that
// kind names.
type WireError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// handlerFunc is what every method-group file registers: given the raw
// params, return a JSON-marshalable result or an error from the
// taxonomy.
type handlerFunc func(ctx context.Context, s *Server, params json.RawMessage) (interface{}, error)

// Server dispatches RPC requests against one Engine and its Update
// bus. One Server serves every VmId on the host, same as the Engine
// it wraps.
type Server struct {
	log     base.Logger
	engine  *engine.Engine
	bus     *updatebus.Bus
	methods map[string]handlerFunc
}

// NewServer returns a Server ready to be handed to an http.Server via
// Handler.
func NewServer(log base.Logger, eng *engine.Engine, bus *updatebus.Bus) *Server {
	s := &Server{log: log, engine: eng, bus: bus}
	s.methods = buildMethodTable()
	return s
}

// Handler returns the http.Handler that serves the RPC and update-push
// endpoints, ready to pass to http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.serveRPC)
	mux.HandleFunc("/updates", s.serveUpdatesWS)
	return mux
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Response{Error: &WireError{Kind: types.KindInternalError.String(), Detail: err.Error()}})
		return
	}

	resp := s.dispatch(r.Context(), req)
	writeResponse(w, resp)
}

// dispatch runs one request to completion, recovering any panic from
// the handler and rewrapping it as InternalError so nothing but a
// well-formed Response ever crosses the boundary.
func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	fn, ok := s.methods[req.Method]
	if !ok {
		return Response{Error: &WireError{Kind: types.KindNotSupported.String(), Detail: "unknown method " + req.Method}}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("rpc: panic in %s: %v", req.Method, r)
			resp = Response{Error: &WireError{Kind: types.KindInternalError.String(), Detail: "internal error"}}
		}
	}()

	result, err := fn(ctx, s, req.Params)
	if err != nil {
		return Response{Error: mapError(err)}
	}
	if result == nil {
		return Response{Result: json.RawMessage("null")}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{Error: &WireError{Kind: types.KindInternalError.String(), Detail: err.Error()}}
	}
	return Response{Result: raw}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// mapError translates an internal error into the closed wire enum.
// Anything that isn't a *types.Error is, by definition, not in the
// taxonomy and becomes InternalError.
func mapError(err error) *WireError {
	terr, ok := err.(*types.Error)
	if !ok {
		return &WireError{Kind: types.KindInternalError.String(), Detail: err.Error()}
	}
	return &WireError{Kind: terr.Kind.String(), Detail: terr.Error()}
}

// decodeParams is the shared unmarshal-or-InternalError step every
// handler starts with.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return types.NewErrorf(types.KindInternalError, "bad params: %v", err)
	}
	return nil
}
