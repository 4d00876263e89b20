package middleware

import "github.com/aretw0/espalier/pkg/ports"

// Middleware allows wrapping a SnapshotStore to add behavior.
type Middleware func(ports.SnapshotStore) ports.SnapshotStore

// Chain applies mws to store, the first one outermost.
func Chain(store ports.SnapshotStore, mws ...Middleware) ports.SnapshotStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
