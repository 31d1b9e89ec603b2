package pipeline

import (
	"context"

	"github.com/agent-device/agent-device/internal/diag"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/lease"
)

// handleLease serves the lease_* operations. These never require a
// session or a device.
func (p *Pipeline) handleLease(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	switch req.Command {
	case "lease_allocate":
		ttlMs, _ := req.FlagInt("ttlMs")
		backend, _ := req.FlagString("backend")
		l, err := p.leases.Allocate(req.TenantID(), req.RunID(), backend, int64(ttlMs))
		if err != nil {
			return domain.FailResponse(err)
		}
		return domain.OKResponse(map[string]any{"lease": leaseData(l)})

	case "lease_heartbeat":
		ttlMs, _ := req.FlagInt("ttlMs")
		l, err := p.leases.Heartbeat(req.LeaseID(), req.TenantID(), req.RunID(), int64(ttlMs))
		if err != nil {
			return domain.FailResponse(err)
		}
		return domain.OKResponse(map[string]any{"lease": leaseData(l)})

	case "lease_release":
		released, err := p.leases.Release(req.LeaseID(), req.TenantID(), req.RunID())
		if err != nil {
			return domain.FailResponse(err)
		}
		return domain.OKResponse(map[string]any{"released": released})

	default:
		return nil
	}
}

// leaseData shapes a lease for the wire.
func leaseData(l *lease.Lease) map[string]any {
	return map[string]any{
		"leaseId":     l.LeaseID,
		"tenantId":    l.TenantID,
		"runId":       l.RunID,
		"backend":     l.Backend,
		"createdAt":   l.CreatedAt.UnixMilli(),
		"heartbeatAt": l.HeartbeatAt.UnixMilli(),
		"expiresAt":   l.ExpiresAt.UnixMilli(),
	}
}
