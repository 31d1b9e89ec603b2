package pipeline

import (
	"context"
	"time"

	"github.com/agent-device/agent-device/internal/backend"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/session"
)

// startAppLog spawns the platform log streamer for the session's app
// and attaches the handle. Output goes through the store's rotated
// writer; the streamer pid is stashed on disk so a restarted daemon can
// reap an orphan.
func (p *Pipeline) startAppLog(ctx context.Context, req *domain.Request, s *session.Session) *domain.Response {
	b := p.dispatcher.Discovery().BackendFor(s.Device)
	streamer, ok := b.(backend.LogStreamer)
	if !ok {
		return domain.FailResponse(domain.Errorf(domain.CodeUnsupportedOperation,
			"log streaming is not available on %s", b.Name()))
	}

	writer, err := p.store.AppLogWriter(s.Name)
	if err != nil {
		return domain.FailResponse(domain.Errorf(domain.CodeCommandFailed, "open app log: %v", err))
	}

	handle, cperr := streamer.StartLogStream(ctx, s.Device, s.App.BundleID, writer, writer)
	if cperr != nil {
		writer.Close()
		return domain.FailResponse(cperr)
	}
	go func() {
		<-handle.Done
		writer.Close()
	}()

	p.store.Update(s.Name, func(s *session.Session) {
		s.AppLog = &session.AppLog{
			Backend:    b.Name(),
			OutputPath: writer.Filename,
			State:      "streaming",
			Handle:     handle,
			StartedAt:  time.Now(),
		}
	})
	p.store.StashAppLogPID(s.Name, handle.PID())
	return domain.OKResponse(map[string]any{"state": "streaming", "path": writer.Filename})
}
