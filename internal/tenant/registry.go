// Package tenant routes operations to per-opco stores and implements the
// search and metadata services on top of them.
//
// Each operating company (opco) has its own capture database. The registry
// holds one store per provisioned opco; an opco absent from the registry is
// disabled and every operation naming it fails the same way.
package tenant

import (
	"errors"
	"sort"
	"strings"

	"github.com/avangrid-gui/vpi-recordings-go/internal/storage"
)

// ErrUnknownOpco is returned when an operating company is not provisioned.
var ErrUnknownOpco = errors.New("unknown or disabled operating company")

// Registry maps canonical opco codes to their tenant stores.
type Registry struct {
	bindings map[string]storage.TenantStore
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]storage.TenantStore)}
}

// Bind registers a store under an opco code. The code is canonicalized to
// upper case.
func (r *Registry) Bind(opco string, store storage.TenantStore) {
	r.bindings[canonical(opco)] = store
}

// Resolve returns the store for an opco plus its canonical code, or
// ErrUnknownOpco.
func (r *Registry) Resolve(opco string) (storage.TenantStore, string, error) {
	code := canonical(opco)
	store, ok := r.bindings[code]
	if !ok {
		return nil, code, ErrUnknownOpco
	}
	return store, code, nil
}

// Allowed reports whether an opco is provisioned.
func (r *Registry) Allowed(opco string) bool {
	_, ok := r.bindings[canonical(opco)]
	return ok
}

// Opcos returns the provisioned opco codes, sorted.
func (r *Registry) Opcos() []string {
	codes := make([]string, 0, len(r.bindings))
	for code := range r.bindings {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Close closes every bound store.
func (r *Registry) Close() {
	for _, store := range r.bindings {
		store.Close()
	}
}

func canonical(opco string) string {
	return strings.ToUpper(strings.TrimSpace(opco))
}
