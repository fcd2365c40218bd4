package collections

import (
	"context"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
)

// Backend serves one collection. viewer is nil for anonymous requests.
type Backend interface {
	List(ctx context.Context, viewer *auth.Identity) ([]records.Record, error)
	Create(ctx context.Context, viewer *auth.Identity, record records.Record) (records.Record, error)
	Update(ctx context.Context, viewer *auth.Identity, id string, record records.Record) (records.Record, error)
	Delete(ctx context.Context, viewer *auth.Identity, id string) error
}

// Registry resolves collection names to their backends.
type Registry struct {
	backends map[records.Name]Backend
}

// NewRegistry serves every known collection from store unless overrides supplies a dedicated backend.
func NewRegistry(store *Service, overrides map[records.Name]Backend) *Registry {
	backends := make(map[records.Name]Backend, len(records.All()))
	for _, name := range records.All() {
		if backend, ok := overrides[name]; ok && backend != nil {
			backends[name] = backend
			continue
		}
		backends[name] = storeBackend{store: store, name: name}
	}
	return &Registry{backends: backends}
}

// Lookup returns the backend for a raw collection name.
func (r *Registry) Lookup(raw string) (records.Name, Backend, error) {
	name, err := records.ParseCollection(raw)
	if err != nil {
		return "", nil, err
	}
	backend, ok := r.backends[name]
	if !ok {
		return "", nil, records.ErrUnknownCollection
	}
	return name, backend, nil
}

type storeBackend struct {
	store *Service
	name  records.Name
}

func (b storeBackend) List(ctx context.Context, _ *auth.Identity) ([]records.Record, error) {
	return b.store.List(ctx, b.name)
}

func (b storeBackend) Create(ctx context.Context, _ *auth.Identity, record records.Record) (records.Record, error) {
	return b.store.Create(ctx, b.name, record)
}

func (b storeBackend) Update(ctx context.Context, _ *auth.Identity, id string, record records.Record) (records.Record, error) {
	return b.store.Update(ctx, b.name, id, record)
}

func (b storeBackend) Delete(ctx context.Context, _ *auth.Identity, id string) error {
	return b.store.Delete(ctx, b.name, id)
}
