package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/proc"
	"github.com/agent-device/agent-device/internal/rpc/message"
)

// AuthHook runs an operator-supplied executable in front of every HTTP
// request. The contract: the hook receives a JSON context on stdin
// ({headers, rpcRequest, daemonRequest, export}) and answers with a
// JSON decision on stdout, exiting 0 for any well-formed response.
//
// Decisions:
//   - `true`, empty output            -> allow
//   - `false`                          -> reject UNAUTHORIZED
//   - {"ok":false, code?, message?}    -> reject with that error
//   - {"ok":true, "tenantId": "..."}   -> allow; inject tenant identity
type AuthHook struct {
	// Path is the hook executable.
	Path string
	// Export names the decision entry point inside the hook module;
	// the hook binary receives it in the invocation context.
	Export string
	// Timeout bounds one hook invocation.
	Timeout time.Duration
}

// NewAuthHook builds a hook runner; export defaults to "default".
func NewAuthHook(path, export string) *AuthHook {
	if path == "" {
		return nil
	}
	if export == "" {
		export = "default"
	}
	return &AuthHook{Path: path, Export: export, Timeout: 10 * time.Second}
}

// hookDecision mirrors the hook's JSON answer.
type hookDecision struct {
	OK       *bool          `json:"ok,omitempty"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	TenantID string         `json:"tenantId,omitempty"`
}

// runAuthHook invokes the hook and applies its decision. Returns true
// when the response has been written and the request must not proceed.
func (s *Server) runAuthHook(w http.ResponseWriter, r *http.Request, rpcReq *message.Request, daemonReq *domain.Request) bool {
	headers := map[string]string{}
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	input, err := json.Marshal(map[string]any{
		"headers":       headers,
		"rpcRequest":    rpcReq,
		"daemonRequest": daemonReq,
		"export":        s.hook.Export,
	})
	if err != nil {
		s.rejectHook(w, rpcReq, "auth hook context marshal failed", nil)
		return true
	}

	res, runErr := proc.Run(context.Background(), s.hook.Path, nil, proc.RunOptions{
		Stdin:   string(input),
		Timeout: s.hook.Timeout,
	})
	if runErr != nil {
		log.Warn().Err(runErr).Str("hook", s.hook.Path).Msg("auth hook failed")
		s.rejectHook(w, rpcReq, "auth hook unavailable", nil)
		return true
	}

	out := strings.TrimSpace(res.Stdout)
	if out == "" || out == "true" {
		return false
	}
	if out == "false" {
		s.rejectHook(w, rpcReq, "rejected by auth hook", nil)
		return true
	}

	var decision hookDecision
	if err := json.Unmarshal([]byte(out), &decision); err != nil {
		s.rejectHook(w, rpcReq, "auth hook produced a malformed decision", nil)
		return true
	}
	if decision.OK != nil && !*decision.OK {
		code := decision.Code
		if code == "" {
			code = string(domain.CodeUnauthorized)
		}
		msg := decision.Message
		if msg == "" {
			msg = "rejected by auth hook"
		}
		s.rejectHookWithCode(w, rpcReq, domain.ErrorCode(code), msg, decision.Details)
		return true
	}
	if decision.TenantID != "" {
		if !domain.ValidScopeID(decision.TenantID) {
			writeRPCError(w, http.StatusInternalServerError, rpcReq.ID,
				message.Errf(message.DaemonError, "auth hook supplied an invalid tenant id").
					WithData(domain.NewError(domain.CodeInvalidArgs, "auth hook supplied an invalid tenant id")))
			return true
		}
		daemonReq.Meta.TenantID = decision.TenantID
		if daemonReq.SessionIsolation() == "" {
			daemonReq.Meta.SessionIsolation = domain.IsolationTenant
		}
	}
	return false
}

func (s *Server) rejectHook(w http.ResponseWriter, rpcReq *message.Request, msg string, details map[string]any) {
	s.rejectHookWithCode(w, rpcReq, domain.CodeUnauthorized, msg, details)
}

func (s *Server) rejectHookWithCode(w http.ResponseWriter, rpcReq *message.Request, code domain.ErrorCode, msg string, details map[string]any) {
	cperr := domain.Normalize(&domain.CPError{Code: code, Message: msg, Details: details})
	writeRPCError(w, statusForCode(code), rpcReq.ID,
		message.Errf(message.AuthHookRejected, "%s", msg).WithData(cperr))
}
