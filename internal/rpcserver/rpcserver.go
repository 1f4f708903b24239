// Package rpcserver exposes a node's core operations to peers over
// JSON-RPC 2.0 on HTTP, and broadcasts node activity to connected
// dashboards over a websocket event hub.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/atlasnet/atlasd/pkg/logging"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Handler processes a single RPC method call.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// Server is a JSON-RPC 2.0 HTTP server with a websocket event hub.
type Server struct {
	handlers map[string]Handler
	hub      *WSHub
	log      *logging.Logger
}

// New creates a Server with no registered methods.
func New() *Server {
	return &Server{
		handlers: make(map[string]Handler),
		hub:      NewWSHub(),
		log:      logging.GetDefault().Component("rpcserver"),
	}
}

// Register adds a method handler.
func (s *Server) Register(method string, h Handler) {
	s.handlers[method] = h
}

// Hub returns the websocket event hub, for the node to publish activity to.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Routes returns an http.Handler serving /rpc and /ws.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.hub.ServeHTTP)
	return mux
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, &RPCError{Code: CodeParseError, Message: "invalid JSON"})
		return
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		writeError(w, req.ID, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method})
		return
	}

	result, rpcErr := handler(r.Context(), req.Params)
	if rpcErr != nil {
		s.log.Debug("rpc call failed", "method", req.Method, "error", rpcErr.Message)
		writeError(w, req.ID, rpcErr)
		return
	}

	writeResult(w, req.ID, result)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}
