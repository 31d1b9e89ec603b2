// Package pipeline implements the daemon request pipeline: token check,
// alias normalization, tenant scoping, lease admission, selector
// compatibility, handler demultiplexing, default dispatch, journaling
// and response finalization. Both transports funnel into HandleRequest.
package pipeline

import (
	"context"
	"crypto/subtle"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/diag"
	"github.com/agent-device/agent-device/internal/dispatch"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/lease"
	"github.com/agent-device/agent-device/internal/session"
)

// Config tunes the pipeline.
type Config struct {
	// Token is the per-invocation secret from daemon metadata.
	Token string
	// StateDir roots diagnostics and session artifacts.
	StateDir string
	// MaxBatchSteps bounds one batch request.
	MaxBatchSteps int
	// AppEventTemplate is the deep-link template for trigger-app-event,
	// with optional per-platform overrides.
	AppEventTemplate         string
	AppEventTemplateIOS      string
	AppEventTemplateAndroid  string
}

// Pipeline is the shared request-handling core.
type Pipeline struct {
	cfg        Config
	store      *session.Store
	leases     *lease.Registry
	dispatcher *dispatch.Dispatcher
}

// New assembles a pipeline.
func New(cfg Config, store *session.Store, leases *lease.Registry, dispatcher *dispatch.Dispatcher) *Pipeline {
	if cfg.MaxBatchSteps <= 0 {
		cfg.MaxBatchSteps = 50
	}
	return &Pipeline{cfg: cfg, store: store, leases: leases, dispatcher: dispatcher}
}

// Store exposes the session store (daemon shutdown drains through it).
func (p *Pipeline) Store() *session.Store { return p.store }

// Leases exposes the lease registry (HTTP lease methods call it directly).
func (p *Pipeline) Leases() *lease.Registry { return p.leases }

// ValidToken checks a presented token against the daemon secret in
// constant time.
func (p *Pipeline) ValidToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.cfg.Token)) == 1
}

// commandAliases maps alternate spellings onto canonical commands.
// Applied once, never recursively.
var commandAliases = map[string]string{
	"click":        "press",
	"tap":          "press",
	"text":         "type",
	"ss":           "screenshot",
	"session-list": "session_list",
}

// admissionExempt commands skip lease admission under tenant isolation.
var admissionExempt = map[string]bool{
	"session_list":    true,
	"devices":         true,
	"lease_allocate":  true,
	"lease_heartbeat": true,
	"lease_release":   true,
}

// selectorExempt commands skip the selector-compatibility stage.
var selectorExempt = map[string]bool{
	"session_list": true,
	"devices":      true,
}

// HandleRequest runs one request through every pipeline stage and
// always returns a finalized response.
func (p *Pipeline) HandleRequest(ctx context.Context, req *domain.Request) *domain.Response {
	scope := diag.NewScope(req.SessionName(), req.Command, req.Meta.RequestID, req.Meta.Debug)
	resp := p.handle(ctx, scope, req)
	return p.finalize(scope, req, resp)
}

func (p *Pipeline) handle(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	// Stage 1: token. Constant-time; mismatches carry no details.
	if subtle.ConstantTimeCompare([]byte(req.Token), []byte(p.cfg.Token)) != 1 {
		return domain.FailResponse(domain.NewError(domain.CodeUnauthorized, "invalid token"))
	}

	// Stage 2: aliases.
	if canonical, ok := commandAliases[req.Command]; ok {
		req.Command = canonical
	}
	scope.Command = req.Command
	scope.Info("request_start", map[string]any{
		"command": req.Command,
		"session": req.SessionName(),
	})

	// Stage 3: tenant scoping.
	tenantScoped := req.SessionIsolation() == domain.IsolationTenant
	if tenantScoped {
		tenant := req.TenantID()
		if !domain.ValidScopeID(tenant) {
			return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs,
				"tenant isolation requires a valid tenant id"))
		}
		req.Session = domain.ScopedSessionName(tenant, req.SessionName())
		scope.Session = req.Session
	}

	// Stage 4: lease admission.
	if tenantScoped && !admissionExempt[req.Command] {
		if err := p.leases.AssertAdmission(req.TenantID(), req.RunID(), req.LeaseID(), lease.BackendIOSSimulator); err != nil {
			scope.Error("lease_admission", map[string]any{"code": string(err.Code)})
			return domain.FailResponse(err)
		}
	}

	// Stage 5: selector compatibility against an existing session.
	if !selectorExempt[req.Command] {
		if existing := p.store.Get(req.SessionName()); existing != nil && existing.Device != nil {
			sel := domain.SelectorFromRequest(req)
			if bad := sel.Mismatches(existing.Device); len(bad) > 0 {
				return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs,
					"selector conflicts with the session's bound device").
					WithDetails(map[string]any{"conflicting": bad}))
			}
		}
	}

	// Stage 6: handler groups; first claim wins.
	for _, group := range []func(context.Context, *diag.Scope, *domain.Request) *domain.Response{
		p.handleLease,
		p.handleSession,
		p.handleSnapshot,
		p.handleRecordTrace,
		p.handleFind,
		p.handleInteraction,
	} {
		if resp := group(ctx, scope, req); resp != nil {
			return resp
		}
	}

	// Stage 7: default dispatch.
	return p.defaultDispatch(ctx, scope, req)
}

// defaultDispatch requires a session and forwards to the dispatcher.
func (p *Pipeline) defaultDispatch(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	s := p.store.Get(req.SessionName())
	if s == nil {
		return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound,
			"no session %q", req.SessionName()))
	}
	data, err := p.execOnSession(ctx, scope, req, s, req.Command, req.Positionals)
	if err != nil {
		return domain.FailResponse(err)
	}
	p.journal(req, data)
	return domain.OKResponse(data)
}

// execOnSession runs one backend command for a session under timing.
func (p *Pipeline) execOnSession(ctx context.Context, scope *diag.Scope, req *domain.Request, s *session.Session, command string, positionals []string) (map[string]any, *domain.CPError) {
	out, _ := req.FlagString("out")
	bundle := ""
	if s.App != nil {
		bundle = s.App.BundleID
	}
	var data map[string]any
	var cperr *domain.CPError
	_ = scope.Time("dispatch", func() error {
		data, cperr = p.dispatcher.Exec(ctx, dispatch.ExecInput{
			Device:      s.Device,
			Command:     command,
			Positionals: positionals,
			OutPath:     out,
			AppBundleID: bundle,
			TracePath:   s.TracePath,
			RequestID:   req.Meta.RequestID,
			Debug:       req.Meta.Debug,
		})
		if cperr != nil {
			return cperr
		}
		return nil
	})
	return data, cperr
}

// journal records a successful action on its session.
func (p *Pipeline) journal(req *domain.Request, result map[string]any) {
	if !journaledCommand(req.Command) {
		return
	}
	p.store.RecordAction(req.SessionName(), session.Action{
		Command:     req.Command,
		Positionals: req.Positionals,
		Flags:       journalFlags(req.Flags),
		Result:      result,
	})
}

// journalFlags strips transport/meta flags that have no place in a
// replay script.
func journalFlags(flags map[string]any) map[string]any {
	if flags == nil {
		return nil
	}
	out := make(map[string]any, len(flags))
	for k, v := range flags {
		switch k {
		case "token", "tenant", "runId", "leaseId", "sessionIsolation", "debug":
		default:
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// journaledCommand filters out queries and meta commands that replaying
// would not want.
func journaledCommand(command string) bool {
	switch command {
	case "session_list", "devices", "batch", "replay", "perf", "logs",
		"lease_allocate", "lease_heartbeat", "lease_release":
		return false
	}
	return true
}

// finalize emits the request_success/request_failed diagnostic, flushes
// when failed or debugging, and normalizes the error.
func (p *Pipeline) finalize(scope *diag.Scope, req *domain.Request, resp *domain.Response) *domain.Response {
	if resp.OK {
		scope.Info("request_success", map[string]any{"durationMs": scope.ElapsedMs()})
		if scope.Debug {
			if _, err := scope.Flush(p.cfg.StateDir); err != nil {
				log.Warn().Err(err).Msg("diagnostics flush failed")
			}
		}
		return resp
	}

	scope.Error("request_failed", map[string]any{
		"code":       string(resp.Error.Code),
		"durationMs": scope.ElapsedMs(),
	})
	logPath, flushErr := scope.Flush(p.cfg.StateDir)
	if flushErr != nil {
		log.Warn().Err(flushErr).Msg("diagnostics flush failed")
	}

	normalized := domain.Normalize(resp.Error)
	if normalized.DiagnosticID == "" {
		normalized.DiagnosticID = scope.DiagnosticID()
	}
	if normalized.LogPath == "" {
		normalized.LogPath = logPath
	}
	return domain.FailResponse(normalized)
}
