package registry

import (
	"context"

	"github.com/kennethnrk/sqlml/internal/store"
)

// LocalResolver resolves versions directly against a store, for processes
// that own the registry data instead of talking to the registry service.
type LocalResolver struct {
	Store *store.Store
}

func (r LocalResolver) ResolveModelVersion(_ context.Context, name, ref string) (store.ModelVersion, error) {
	return ResolveRef(r.Store, name, ref)
}
