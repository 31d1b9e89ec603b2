package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/diag"
	"github.com/agent-device/agent-device/internal/dispatch"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/session"
)

// handleSession serves session lifecycle plus the app-scoped commands
// that want session side effects beyond a plain dispatch.
func (p *Pipeline) handleSession(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	switch req.Command {
	case "session_list":
		return p.sessionList()
	case "devices":
		return p.deviceList(ctx)
	case "open":
		return p.openApp(ctx, scope, req)
	case "close":
		return p.closeSession(ctx, scope, req)
	case "boot":
		return p.bootDevice(ctx, scope, req)
	case "batch":
		return p.runBatch(ctx, scope, req)
	case "replay":
		return p.runReplay(ctx, scope, req)
	case "logs":
		return p.appLogs(ctx, scope, req)
	case "perf":
		return p.perfSummary(req)
	case "trigger-app-event":
		return p.triggerAppEvent(ctx, scope, req)
	default:
		return nil
	}
}

func (p *Pipeline) sessionList() *domain.Response {
	names := p.store.List()
	sessions := make([]map[string]any, 0, len(names))
	for _, name := range names {
		s := p.store.Get(name)
		if s == nil {
			continue
		}
		entry := map[string]any{
			"name":      s.Name,
			"createdAt": s.CreatedAt.UnixMilli(),
			"updatedAt": s.UpdatedAt.UnixMilli(),
		}
		if s.Device != nil {
			entry["device"] = s.Device
		}
		if s.App != nil {
			entry["app"] = s.App
		}
		entry["recording"] = s.Recording != nil
		entry["logStream"] = s.AppLog != nil
		sessions = append(sessions, entry)
	}
	return domain.OKResponse(map[string]any{"sessions": sessions})
}

func (p *Pipeline) deviceList(ctx context.Context) *domain.Response {
	devices := p.dispatcher.Discovery().List(ctx)
	return domain.OKResponse(map[string]any{"devices": devices})
}

// openApp opens (and if needed first creates) a session, then launches
// the app. The backend call is timed and the duration stamped into the
// result as a startup sample.
func (p *Pipeline) openApp(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	name := req.SessionName()
	s := p.store.Get(name)
	if s == nil {
		sel := domain.SelectorFromRequest(req)
		device, err := p.dispatcher.Discovery().Select(ctx, sel)
		if err != nil {
			return domain.FailResponse(err)
		}
		s = session.New(name, device)
		if err := p.store.Set(name, s); err != nil {
			return domain.FailResponse(err)
		}
		scope.Info("session_created", map[string]any{"device": device.ID})
	}

	began := time.Now()
	data, cperr := p.execOnSession(ctx, scope, req, s, "open", req.Positionals)
	if cperr != nil {
		return domain.FailResponse(cperr)
	}
	durationMs := time.Since(began).Milliseconds()
	if data == nil {
		data = map[string]any{}
	}
	data["startup"] = map[string]any{"durationMs": durationMs}

	appName := ""
	if len(req.Positionals) > 0 {
		appName = req.Positionals[0]
	}
	bundle := appName
	if id, ok := data["bundleId"].(string); ok && id != "" {
		bundle = id
	} else if pkg, ok := data["package"].(string); ok && pkg != "" {
		bundle = pkg
	}
	p.store.Update(name, func(s *session.Session) {
		s.App = &domain.AppContext{BundleID: bundle, Name: appName}
	})

	p.journal(req, data)
	return domain.OKResponse(data)
}

// closeSession terminates the app (best effort), tears the session down
// in LIFO handle order and persists the journal.
func (p *Pipeline) closeSession(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	name := req.SessionName()
	s := p.store.Get(name)
	if s == nil {
		return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound, "no session %q", name))
	}

	if s.App != nil {
		if _, err := p.execOnSession(ctx, scope, req, s, "close", nil); err != nil {
			log.Warn().Str("session", name).Str("code", string(err.Code)).Msg("app terminate failed on close")
		}
	}

	// Journal the close before writing the script so replays close too.
	p.journal(req, map[string]any{"closed": true})

	savePath, _ := req.FlagString("save-script")
	scriptPath, cperr := p.store.Close(name, savePath)
	if cperr != nil {
		return domain.FailResponse(cperr)
	}
	data := map[string]any{"closed": true}
	if scriptPath != "" {
		data["scriptPath"] = scriptPath
	}
	return domain.OKResponse(data)
}

// bootDevice boots a device with or without an existing session.
func (p *Pipeline) bootDevice(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	name := req.SessionName()
	if s := p.store.Get(name); s != nil {
		data, cperr := p.execOnSession(ctx, scope, req, s, "boot", req.Positionals)
		if cperr != nil {
			return domain.FailResponse(cperr)
		}
		p.dispatcher.Discovery().Invalidate()
		p.journal(req, data)
		return domain.OKResponse(data)
	}

	sel := domain.SelectorFromRequest(req)
	device, err := p.dispatcher.Discovery().Select(ctx, sel)
	if err != nil {
		return domain.FailResponse(err)
	}
	data, cperr := p.dispatcher.Exec(ctx, dispatch.ExecInput{
		Device:    device,
		Command:   "boot",
		RequestID: req.Meta.RequestID,
		Debug:     req.Meta.Debug,
	})
	if cperr != nil {
		return domain.FailResponse(cperr)
	}
	p.dispatcher.Discovery().Invalidate()
	return domain.OKResponse(data)
}

// appLogs starts, stops or reports the session's app-log stream.
func (p *Pipeline) appLogs(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	name := req.SessionName()
	s := p.store.Get(name)
	if s == nil {
		return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound, "no session %q", name))
	}
	action := "status"
	if len(req.Positionals) > 0 {
		action = req.Positionals[0]
	}

	switch action {
	case "start":
		if s.AppLog != nil {
			return domain.OKResponse(map[string]any{"state": s.AppLog.State, "path": s.AppLog.OutputPath})
		}
		if s.App == nil {
			return domain.FailResponse(domain.NewError(domain.CodeInvalidArgs,
				"logs start requires an app context; open an app first"))
		}
		return p.startAppLog(ctx, req, s)

	case "stop":
		stopped := p.store.Update(name, func(s *session.Session) {
			if s.AppLog != nil && s.AppLog.Handle != nil {
				s.AppLog.Handle.Stop(3 * time.Second)
			}
			s.AppLog = nil
		})
		return domain.OKResponse(map[string]any{"stopped": stopped})

	default:
		data := map[string]any{"active": s.AppLog != nil}
		if s.AppLog != nil {
			data["path"] = s.AppLog.OutputPath
			data["state"] = s.AppLog.State
		}
		return domain.OKResponse(data)
	}
}

// perfSummary aggregates the session's startup samples.
func (p *Pipeline) perfSummary(req *domain.Request) *domain.Response {
	s := p.store.Get(req.SessionName())
	if s == nil {
		return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound, "no session %q", req.SessionName()))
	}
	samples := s.StartupSamples()
	if len(samples) == 0 {
		return domain.OKResponse(map[string]any{"samples": 0})
	}
	min, max, sum := samples[0], samples[0], int64(0)
	sorted := append([]int64(nil), samples...)
	for _, v := range samples {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	sortInt64(sorted)
	p95 := sorted[(len(sorted)*95)/100]
	return domain.OKResponse(map[string]any{
		"samples": len(samples),
		"minMs":   min,
		"maxMs":   max,
		"meanMs":  sum / int64(len(samples)),
		"p95Ms":   p95,
	})
}

func sortInt64(v []int64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

// triggerAppEvent expands the deep-link template and dispatches the
// resulting URL to the device.
func (p *Pipeline) triggerAppEvent(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	s := p.store.Get(req.SessionName())
	if s == nil {
		return domain.FailResponse(domain.Errorf(domain.CodeSessionNotFound, "no session %q", req.SessionName()))
	}
	if len(req.Positionals) == 0 {
		return domain.FailResponse(domain.NewError(domain.CodeInvalidArgs, "trigger-app-event requires an event name"))
	}
	event := req.Positionals[0]
	payload := ""
	if len(req.Positionals) > 1 {
		payload = req.Positionals[1]
	}

	tmpl := p.cfg.AppEventTemplate
	switch s.Device.Platform {
	case domain.PlatformIOS:
		if p.cfg.AppEventTemplateIOS != "" {
			tmpl = p.cfg.AppEventTemplateIOS
		}
	case domain.PlatformAndroid:
		if p.cfg.AppEventTemplateAndroid != "" {
			tmpl = p.cfg.AppEventTemplateAndroid
		}
	}
	if tmpl == "" {
		return domain.FailResponse(domain.NewError(domain.CodeInvalidArgs,
			"no app-event URL template configured"))
	}
	url := strings.NewReplacer(
		"{event}", event,
		"{payload}", payload,
		"{platform}", string(s.Device.Platform),
	).Replace(tmpl)

	data, cperr := p.execOnSession(ctx, scope, req, s, "trigger-app-event", []string{url})
	if cperr != nil {
		return domain.FailResponse(cperr)
	}
	if data == nil {
		data = map[string]any{}
	}
	data["event"] = event
	p.journal(req, data)
	return domain.OKResponse(data)
}
