package discovery

import (
	"context"
	"sync"

	"github.com/statecraft/statecraft/pkg/state"
)

// StaticDiscoverer serves observations from a fixture map. It backs
// tests and offline drift detection, where the observed side comes
// from a manifest or hand-built fixtures instead of a live host.
//
// Lookup order per resource: a registered error, then an explicit
// missing mark, then a registered observation. When nothing is
// registered the behavior depends on the constructor: the lenient form
// echoes the expected resource back (no drift), the strict form
// reports it missing.
type StaticDiscoverer struct {
	mu       sync.RWMutex
	observed map[string]*state.Resource
	missing  map[string]bool
	errs     map[string]error
	strict   bool
}

// NewStaticDiscoverer returns a lenient discoverer: resources without
// a registered observation are echoed back unchanged.
func NewStaticDiscoverer() *StaticDiscoverer {
	return &StaticDiscoverer{
		observed: make(map[string]*state.Resource),
		missing:  make(map[string]bool),
		errs:     make(map[string]error),
	}
}

// NewStaticDiscovererFromResources returns a strict discoverer primed
// with the given observations. Resources absent from the set are
// reported as not observed, so a manifest can stand in for the live
// world.
func NewStaticDiscovererFromResources(resources []*state.Resource) *StaticDiscoverer {
	d := NewStaticDiscoverer()
	d.strict = true
	for _, r := range resources {
		d.SetObserved(r)
	}
	return d
}

// Discover implements state.Discoverer.
func (d *StaticDiscoverer) Discover(ctx context.Context, expected *state.Resource) (*state.Resource, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if err, ok := d.errs[expected.ID]; ok {
		return nil, err
	}

	if d.missing[expected.ID] {
		return nil, nil
	}

	if r, ok := d.observed[expected.ID]; ok {
		return r.Clone(), nil
	}

	if d.strict {
		return nil, nil
	}

	return expected.Clone(), nil
}

// SetObserved registers the observation returned for the resource's
// ID. The resource is cloned on the way in and out, so fixtures cannot
// be mutated by callers.
func (d *StaticDiscoverer) SetObserved(r *state.Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed[r.ID] = r.Clone()
	delete(d.missing, r.ID)
	delete(d.errs, r.ID)
}

// SetMissing marks the resource as not observed: Discover returns
// (nil, nil) for it.
func (d *StaticDiscoverer) SetMissing(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.missing[id] = true
	delete(d.observed, id)
	delete(d.errs, id)
}

// SetError makes Discover fail for the resource, simulating an
// unreachable probe.
func (d *StaticDiscoverer) SetError(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[id] = err
	delete(d.observed, id)
	delete(d.missing, id)
}

// Forget removes any registration for the resource, restoring the
// constructor's default behavior.
func (d *StaticDiscoverer) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observed, id)
	delete(d.missing, id)
	delete(d.errs, id)
}
