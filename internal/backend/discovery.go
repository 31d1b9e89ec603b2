package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/domain"
)

// discoveryTTL keeps repeated `devices` calls from hammering the vendor
// tools; device topology rarely changes inside two seconds.
const discoveryTTL = 2 * time.Second

// Discovery fans device enumeration out across all registered backends
// and caches the combined view briefly.
type Discovery struct {
	backends []Backend

	mu       sync.Mutex
	cached   []domain.Device
	cachedAt time.Time
}

// NewDiscovery creates a discovery service over the given backends.
func NewDiscovery(backends ...Backend) *Discovery {
	return &Discovery{backends: backends}
}

// Backends returns the registered backends.
func (ds *Discovery) Backends() []Backend { return ds.backends }

// BackendFor returns the backend owning the device, or nil.
func (ds *Discovery) BackendFor(d *domain.Device) Backend {
	for _, b := range ds.backends {
		if b.Owns(d) {
			return b
		}
	}
	return nil
}

// List enumerates devices across all backends. Backends whose tooling
// is absent are skipped, not fatal.
func (ds *Discovery) List(ctx context.Context) []domain.Device {
	ds.mu.Lock()
	if time.Since(ds.cachedAt) < discoveryTTL && ds.cached != nil {
		out := make([]domain.Device, len(ds.cached))
		copy(out, ds.cached)
		ds.mu.Unlock()
		return out
	}
	ds.mu.Unlock()

	var all []domain.Device
	for _, b := range ds.backends {
		devices, err := b.Discover(ctx)
		if err != nil {
			log.Debug().Str("backend", b.Name()).Err(err).Msg("discovery skipped")
			continue
		}
		all = append(all, devices...)
	}

	ds.mu.Lock()
	ds.cached = all
	ds.cachedAt = time.Now()
	ds.mu.Unlock()
	return all
}

// Invalidate drops the cache (after boot, for instance).
func (ds *Discovery) Invalidate() {
	ds.mu.Lock()
	ds.cached = nil
	ds.mu.Unlock()
}

// Select resolves a selector to exactly one device within the visible
// scope. Preference order: an explicit id match, then a booted device,
// then the first match.
func (ds *Discovery) Select(ctx context.Context, sel domain.Selector) (*domain.Device, *domain.CPError) {
	devices := ds.List(ctx)
	var matches []domain.Device
	for i := range devices {
		d := devices[i]
		if len(sel.Mismatches(&d)) == 0 {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return nil, domain.NewError(domain.CodeDeviceNotFound,
			"no device matches the selector in the active scope").
			WithDetails(map[string]any{"visible": len(devices)})
	}
	for i := range matches {
		if matches[i].Booted {
			d := matches[i]
			return &d, nil
		}
	}
	d := matches[0]
	return &d, nil
}
