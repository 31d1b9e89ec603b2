// Package lease implements the tenant/run-scoped admission registry for
// simulator capacity. Leases are in-memory only; expiry is lazy and
// swept whenever the registry is touched.
package lease

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
)

// BackendIOSSimulator is the only leasable backend today.
const BackendIOSSimulator = "ios-simulator"

// TTL bounds, overridable through Config.
const (
	DefaultTTL = 60 * time.Second
	MinTTL     = 5 * time.Second
	MaxTTL     = 600 * time.Second
)

// Lease is one active admission token.
type Lease struct {
	LeaseID     string    `json:"leaseId"`
	TenantID    string    `json:"tenantId"`
	RunID       string    `json:"runId"`
	Backend     string    `json:"backend"`
	CreatedAt   time.Time `json:"createdAt"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Config tunes the registry.
type Config struct {
	DefaultTTL time.Duration
	MinTTL     time.Duration
	MaxTTL     time.Duration
	// MaxSimulatorLeases caps concurrent ios-simulator leases when > 0.
	MaxSimulatorLeases int
}

// Registry is the in-memory lease store. A single mutex serializes all
// operations; they are O(n) in active leases at worst and short.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	byID     map[string]*Lease
	byScope  map[scopeKey]string // (tenant, run, backend) -> leaseId
	now      func() time.Time
	idSource func() (string, error)
}

type scopeKey struct {
	tenant  string
	run     string
	backend string
}

// NewRegistry creates a registry with the given config; zero fields fall
// back to the package defaults.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = MinTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = MaxTTL
	}
	return &Registry{
		cfg:      cfg,
		byID:     make(map[string]*Lease),
		byScope:  make(map[scopeKey]string),
		now:      time.Now,
		idSource: randomLeaseID,
	}
}

var leaseIDPattern = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

func randomLeaseID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lease id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (r *Registry) clampTTL(ttlMs int64) time.Duration {
	ttl := r.cfg.DefaultTTL
	if ttlMs > 0 {
		ttl = time.Duration(ttlMs) * time.Millisecond
	}
	if ttl < r.cfg.MinTTL {
		ttl = r.cfg.MinTTL
	}
	if ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	return ttl
}

// sweep drops expired leases. Caller holds the mutex.
func (r *Registry) sweep() {
	now := r.now()
	for id, l := range r.byID {
		if !now.Before(l.ExpiresAt) {
			delete(r.byID, id)
			delete(r.byScope, scopeKey{l.TenantID, l.RunID, l.Backend})
		}
	}
}

// Allocate mints (or refreshes) the lease for (tenant, run, backend).
// Allocation is idempotent per scope: a second allocate for the same
// scope returns the existing lease with a refreshed TTL.
func (r *Registry) Allocate(tenant, run, backend string, ttlMs int64) (*Lease, *domain.CPError) {
	if backend == "" {
		backend = BackendIOSSimulator
	}
	if !domain.ValidScopeID(tenant) {
		return nil, domain.Errorf(domain.CodeInvalidArgs, "invalid tenantId %q", tenant)
	}
	if !domain.ValidScopeID(run) {
		return nil, domain.Errorf(domain.CodeInvalidArgs, "invalid runId %q", run)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()

	key := scopeKey{tenant, run, backend}
	if id, ok := r.byScope[key]; ok {
		l := r.byID[id]
		l.HeartbeatAt = r.now()
		l.ExpiresAt = l.HeartbeatAt.Add(r.clampTTL(ttlMs))
		cp := *l
		return &cp, nil
	}

	if backend == BackendIOSSimulator && r.cfg.MaxSimulatorLeases > 0 {
		active := 0
		for _, l := range r.byID {
			if l.Backend == BackendIOSSimulator {
				active++
			}
		}
		if active >= r.cfg.MaxSimulatorLeases {
			return nil, domain.Errorf(domain.CodeInvalidArgs,
				"simulator lease capacity reached (%d active)", active).
				WithDetails(map[string]any{"capacity": r.cfg.MaxSimulatorLeases})
		}
	}

	id, err := r.idSource()
	if err != nil {
		return nil, domain.Errorf(domain.CodeCommandFailed, "mint lease id: %v", err)
	}
	now := r.now()
	l := &Lease{
		LeaseID:     id,
		TenantID:    tenant,
		RunID:       run,
		Backend:     backend,
		CreatedAt:   now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(r.clampTTL(ttlMs)),
	}
	r.byID[id] = l
	r.byScope[key] = id
	log.Debug().Str("lease_id", id).Str("tenant", tenant).Str("run", run).Msg("lease allocated")
	cp := *l
	return &cp, nil
}

// Heartbeat refreshes a lease TTL. The optional tenant/run scope, when
// supplied, must match the lease.
func (r *Registry) Heartbeat(leaseID, tenant, run string, ttlMs int64) (*Lease, *domain.CPError) {
	if !leaseIDPattern.MatchString(leaseID) {
		return nil, domain.Errorf(domain.CodeInvalidArgs, "invalid leaseId")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()

	l, ok := r.byID[leaseID]
	if !ok {
		return nil, notFoundError()
	}
	if err := checkScope(l, tenant, run); err != nil {
		return nil, err
	}
	l.HeartbeatAt = r.now()
	l.ExpiresAt = l.HeartbeatAt.Add(r.clampTTL(ttlMs))
	cp := *l
	return &cp, nil
}

// Release removes a lease. Releasing an unknown lease is not an error;
// the result reports whether anything was removed.
func (r *Registry) Release(leaseID, tenant, run string) (bool, *domain.CPError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()

	l, ok := r.byID[leaseID]
	if !ok {
		return false, nil
	}
	if err := checkScope(l, tenant, run); err != nil {
		return false, err
	}
	delete(r.byID, leaseID)
	delete(r.byScope, scopeKey{l.TenantID, l.RunID, l.Backend})
	log.Debug().Str("lease_id", leaseID).Msg("lease released")
	return true, nil
}

// AssertAdmission gates tenant-isolated commands: all three identifiers
// must be present and name an active lease.
func (r *Registry) AssertAdmission(tenant, run, leaseID, backend string) *domain.CPError {
	if backend == "" {
		backend = BackendIOSSimulator
	}
	if tenant == "" || run == "" || leaseID == "" {
		return domain.Errorf(domain.CodeInvalidArgs,
			"tenant-isolated commands require tenant, runId and leaseId").
			WithDetails(map[string]any{
				"tenantPresent": tenant != "",
				"runPresent":    run != "",
				"leasePresent":  leaseID != "",
			})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()

	l, ok := r.byID[leaseID]
	if !ok {
		return notFoundError()
	}
	if l.TenantID != tenant || l.RunID != run || l.Backend != backend {
		return scopeMismatchError()
	}
	return nil
}

// Active returns a snapshot of live leases, freshest heartbeat first not
// guaranteed; callers sort if they care.
func (r *Registry) Active() []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	out := make([]Lease, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, *l)
	}
	return out
}

// SetClock overrides the registry clock. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func checkScope(l *Lease, tenant, run string) *domain.CPError {
	if tenant != "" && l.TenantID != tenant {
		return scopeMismatchError()
	}
	if run != "" && l.RunID != run {
		return scopeMismatchError()
	}
	return nil
}

func notFoundError() *domain.CPError {
	return domain.NewError(domain.CodeUnauthorized, "lease not found").
		WithDetails(map[string]any{"reason": "LEASE_NOT_FOUND"})
}

func scopeMismatchError() *domain.CPError {
	return domain.NewError(domain.CodeUnauthorized, "lease scope mismatch").
		WithDetails(map[string]any{"reason": "LEASE_SCOPE_MISMATCH"})
}
