package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/agent-device/agent-device/internal/backend"
	"github.com/agent-device/agent-device/internal/diag"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/session"
)

// handleSnapshot serves the UI-tree commands.
func (p *Pipeline) handleSnapshot(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	switch req.Command {
	case "snapshot", "diff":
		return p.defaultDispatch(ctx, scope, req)
	default:
		return nil
	}
}

// handleRecordTrace serves record start/stop and trace start/stop.
func (p *Pipeline) handleRecordTrace(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	switch req.Command {
	case "record":
		return p.record(ctx, scope, req)
	case "trace":
		return p.trace(req)
	default:
		return nil
	}
}

func (p *Pipeline) record(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	name := req.SessionName()
	s := p.store.Get(name)
	if s == nil {
		return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound, "no session %q", name))
	}
	action := "start"
	if len(req.Positionals) > 0 {
		action = req.Positionals[0]
	}

	b := p.dispatcher.Discovery().BackendFor(s.Device)
	recorder, ok := b.(backend.Recorder)
	if !ok {
		return domain.FailResponse(domain.Errorf(domain.CodeUnsupportedOperation,
			"recording is not available on %s", b.Name()))
	}

	switch action {
	case "start":
		if s.Recording != nil {
			return domain.FailResponse(domain.NewError(domain.CodeCommandFailed,
				"a recording is already active on this session"))
		}
		out, _ := req.FlagString("out")
		if out == "" {
			dir, err := p.store.SessionDir(name)
			if err != nil {
				return domain.FailResponse(domain.Errorf(domain.CodeCommandFailed, "resolve session dir: %v", err))
			}
			out = filepath.Join(dir, fmt.Sprintf("recording-%d.mp4", time.Now().UnixMilli()))
		}
		handle, remote, cperr := recorder.StartRecording(ctx, s.Device, out)
		if cperr != nil {
			return domain.FailResponse(cperr)
		}
		p.store.Update(name, func(s *session.Session) {
			s.Recording = &session.Recording{
				Kind:       b.Name(),
				OutputPath: out,
				RemotePath: remote,
				Handle:     handle,
				StartedAt:  time.Now(),
			}
		})
		p.journal(req, map[string]any{"recording": true, "path": out})
		return domain.OKResponse(map[string]any{"recording": true, "path": out})

	case "stop":
		if s.Recording == nil {
			return domain.FailResponse(domain.NewError(domain.CodeCommandFailed,
				"no active recording on this session"))
		}
		rec := s.Recording
		cperr := recorder.StopRecording(ctx, s.Device, rec.Handle, rec.RemotePath, rec.OutputPath)
		p.store.Update(name, func(s *session.Session) { s.Recording = nil })
		if cperr != nil {
			return domain.FailResponse(cperr)
		}
		p.journal(req, map[string]any{"recording": false, "path": rec.OutputPath})
		return domain.OKResponse(map[string]any{
			"recording":  false,
			"path":       rec.OutputPath,
			"durationMs": time.Since(rec.StartedAt).Milliseconds(),
		})

	default:
		return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs,
			"record expects start or stop, got %q", action))
	}
}

// trace toggles the per-session request trace log consumed by backends.
func (p *Pipeline) trace(req *domain.Request) *domain.Response {
	name := req.SessionName()
	s := p.store.Get(name)
	if s == nil {
		return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound, "no session %q", name))
	}
	action := "start"
	if len(req.Positionals) > 0 {
		action = req.Positionals[0]
	}
	switch action {
	case "start":
		dir, err := p.store.SessionDir(name)
		if err != nil {
			return domain.FailResponse(domain.Errorf(domain.CodeCommandFailed, "resolve session dir: %v", err))
		}
		path := filepath.Join(dir, fmt.Sprintf("trace-%d.log", time.Now().UnixMilli()))
		p.store.Update(name, func(s *session.Session) { s.TracePath = path })
		return domain.OKResponse(map[string]any{"tracing": true, "path": path})
	case "stop":
		path := s.TracePath
		p.store.Update(name, func(s *session.Session) { s.TracePath = "" })
		return domain.OKResponse(map[string]any{"tracing": false, "path": path})
	default:
		return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs,
			"trace expects start or stop, got %q", action))
	}
}

// handleFind serves the query commands. They dispatch like any backend
// command but never journal: queries replay poorly and pollute scripts.
func (p *Pipeline) handleFind(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	switch req.Command {
	case "find", "is", "get":
		s := p.store.Get(req.SessionName())
		if s == nil {
			return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound,
				"no session %q", req.SessionName()))
		}
		data, cperr := p.execOnSession(ctx, scope, req, s, req.Command, req.Positionals)
		if cperr != nil {
			return domain.FailResponse(cperr)
		}
		return domain.OKResponse(data)
	default:
		return nil
	}
}

// interactionCommands route through the default dispatch but are
// claimed here so the handler order of the pipeline stays explicit.
var interactionCommands = map[string]bool{
	"press": true, "longpress": true, "swipe": true, "scroll": true,
	"scrollintoview": true, "focus": true, "type": true, "fill": true,
	"pinch": true, "back": true, "home": true, "app-switcher": true,
	"wait": true, "alert": true, "settings": true,
}

// handleInteraction serves the gesture/input commands.
func (p *Pipeline) handleInteraction(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	if !interactionCommands[req.Command] {
		return nil
	}
	return p.defaultDispatch(ctx, scope, req)
}
