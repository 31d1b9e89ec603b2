// Package httpserver implements the JSON-RPC 2.0 transport: POST /rpc
// and GET /health on a loopback ephemeral port, with an optional
// subprocess auth hook in front of the pipeline.
package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/pipeline"
	"github.com/agent-device/agent-device/internal/proc"
	"github.com/agent-device/agent-device/internal/rpc/message"
)

// maxBodyBytes caps an /rpc request body at 1 MiB.
const maxBodyBytes = 1 << 20

// TokenHeader carries the daemon token on HTTP requests.
const TokenHeader = "x-agent-device-token"

// Server is the HTTP JSON-RPC transport.
type Server struct {
	pipe    *pipeline.Pipeline
	cancels *proc.CancelRegistry
	hook    *AuthHook

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates an HTTP server over the shared pipeline. hook may
// be nil.
func NewServer(pipe *pipeline.Pipeline, cancels *proc.CancelRegistry, hook *AuthHook) *Server {
	return &Server{pipe: pipe, cancels: cancels, hook: hook}
}

// Start binds an ephemeral loopback port and begins serving.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-running commands stream no body but take time
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Int("port", port).Msg("http server listening")
	return port, nil
}

// Close shuts the server down.
func (s *Server) Close() {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// rpcParams is the union of parameter shapes the methods accept.
type rpcParams struct {
	domain.Request
	TenantID string `json:"tenantId,omitempty"`
	RunID    string `json:"runId,omitempty"`
	LeaseID  string `json:"leaseId,omitempty"`
	TTLMs    int64  `json:"ttlMs,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, message.Errf(message.ParseError, "unreadable body"))
		return
	}
	if len(body) > maxBodyBytes {
		writeRPCError(w, http.StatusBadRequest, nil, message.Errf(message.ParseError, "request body exceeds 1 MiB"))
		return
	}

	rpcReq, rpcErr := message.DecodeRequest(body)
	if rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpcErr)
		return
	}

	method := strings.ReplaceAll(rpcReq.Method, "-", "_")
	var params rpcParams
	if len(rpcReq.Params) > 0 {
		if err := json.Unmarshal(rpcReq.Params, &params); err != nil {
			writeRPCError(w, http.StatusBadRequest, rpcReq.ID, message.Errf(message.InvalidParams, "%v", err))
			return
		}
	}

	daemonReq := s.daemonRequest(r, method, &params)

	if s.hook != nil {
		if stop := s.runAuthHook(w, r, rpcReq, daemonReq); stop {
			return
		}
	}

	switch method {
	case "agent_device.command":
		s.serveCommand(w, r, rpcReq.ID, daemonReq)
	case "agent_device.lease.allocate", "agent_device.lease.heartbeat", "agent_device.lease.release":
		s.serveLease(w, r, rpcReq.ID, method, &params, daemonReq)
	default:
		writeRPCError(w, http.StatusNotFound, rpcReq.ID, message.Errf(message.MethodNotFound, "method %q not found", rpcReq.Method))
	}
}

// daemonRequest assembles the pipeline request for any method, so the
// auth hook always sees the same shape.
func (s *Server) daemonRequest(r *http.Request, method string, params *rpcParams) *domain.Request {
	req := params.Request
	req.Token = resolveToken(r, params.Request.Token)
	if params.TenantID != "" && req.Meta.TenantID == "" {
		req.Meta.TenantID = params.TenantID
	}
	if params.RunID != "" && req.Meta.RunID == "" {
		req.Meta.RunID = params.RunID
	}
	if params.LeaseID != "" && req.Meta.LeaseID == "" {
		req.Meta.LeaseID = params.LeaseID
	}
	if strings.HasPrefix(method, "agent_device.lease.") {
		req.Command = "lease_" + strings.TrimPrefix(method, "agent_device.lease.")
	}
	return &req
}

// resolveToken reads the daemon token from the params, the dedicated
// header, or a bearer Authorization header, in that order.
func resolveToken(r *http.Request, paramToken string) string {
	if paramToken != "" {
		return paramToken
	}
	if h := r.Header.Get(TokenHeader); h != "" {
		return h
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) serveCommand(w http.ResponseWriter, r *http.Request, id json.RawMessage, req *domain.Request) {
	if req.Command == "" {
		writeRPCError(w, http.StatusBadRequest, id, message.Errf(message.InvalidParams, "missing command"))
		return
	}
	ctx, release := s.cancels.Track(r.Context(), req.Meta.RequestID)
	resp := s.pipe.HandleRequest(ctx, req)
	release()
	s.writeDaemonResponse(w, id, resp)
}

func (s *Server) serveLease(w http.ResponseWriter, r *http.Request, id json.RawMessage, method string, params *rpcParams, req *domain.Request) {
	// A configured auth hook is the gate for lease methods; without one
	// the daemon token is required, same as commands.
	if s.hook == nil && !s.pipe.ValidToken(req.Token) {
		resp := domain.FailResponse(domain.Normalize(
			domain.NewError(domain.CodeUnauthorized, "invalid token")))
		s.writeDaemonResponse(w, id, resp)
		return
	}
	reg := s.pipe.Leases()
	var resp *domain.Response
	switch strings.TrimPrefix(method, "agent_device.lease.") {
	case "allocate":
		l, cperr := reg.Allocate(req.Meta.TenantID, req.Meta.RunID, params.Backend, params.TTLMs)
		if cperr != nil {
			resp = domain.FailResponse(domain.Normalize(cperr))
		} else {
			resp = domain.OKResponse(map[string]any{"lease": l})
		}
	case "heartbeat":
		l, cperr := reg.Heartbeat(req.Meta.LeaseID, req.Meta.TenantID, req.Meta.RunID, params.TTLMs)
		if cperr != nil {
			resp = domain.FailResponse(domain.Normalize(cperr))
		} else {
			resp = domain.OKResponse(map[string]any{"lease": l})
		}
	case "release":
		released, cperr := reg.Release(req.Meta.LeaseID, req.Meta.TenantID, req.Meta.RunID)
		if cperr != nil {
			resp = domain.FailResponse(domain.Normalize(cperr))
		} else {
			resp = domain.OKResponse(map[string]any{"released": released})
		}
	}
	s.writeDaemonResponse(w, id, resp)
}

// writeDaemonResponse translates a pipeline response to JSON-RPC with
// the HTTP status derived from the normalized error code.
func (s *Server) writeDaemonResponse(w http.ResponseWriter, id json.RawMessage, resp *domain.Response) {
	if resp.OK {
		rpcResp, err := message.Reply(id, resp)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, id, message.Errf(message.InternalError, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, rpcResp)
		return
	}
	status := statusForCode(resp.Error.Code)
	writeRPCError(w, status, id, message.Errf(message.DaemonError, "%s", resp.Error.Message).WithData(resp.Error))
}

func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgs:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, rpcErr *message.Error) {
	writeJSON(w, status, message.Fail(id, rpcErr))
}