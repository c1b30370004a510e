package provider

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/AmanVatsSharma/Kite-COnnect-Backend-sub002/internal/sharedstore"
)

// GlobalProviderKey is the shared-store key holding the cluster-wide
// active provider name, the authoritative source of truth across gateway
// instances. The in-process atomic.Value is only a fallback for when the
// shared store is unreachable.
const GlobalProviderKey = "provider:global"

// ReconcileFunc is invoked after a successful SetGlobal with the new
// provider name, so the caller (the gateway's WS fan-out) can disconnect
// the old ticker, initialize the new one, and replay subscriptions. Runs
// synchronously in the goroutine that called SetGlobal.
type ReconcileFunc func(newGlobal Name)

// Resolver holds the process-wide default provider selection and resolves
// a per-request override (an API key's ProviderOverride, or an explicit
// query/header value) down to a concrete Adapter.
//
// The default is stored in an atomic.Value so the hot read path (every
// HTTP quote request, every new WS subscription) never takes a lock. It
// is also persisted to the shared store under GlobalProviderKey so every
// gateway instance in the cluster agrees on the active provider; the
// atomic.Value only serves reads when the shared store is unreachable.
type Resolver struct {
	adapters  map[Name]Adapter
	global    atomic.Value // holds Name
	shared    sharedstore.Store
	logger    zerolog.Logger
	reconcile ReconcileFunc
}

// NewResolver builds a Resolver over the given adapters, defaulting to
// def until SetGlobal is called or a shared-store value is found.
func NewResolver(adapters map[Name]Adapter, def Name) *Resolver {
	r := &Resolver{adapters: adapters}
	r.global.Store(def)
	return r
}

// WithSharedStore attaches the cluster-wide store SetGlobal/GetGlobal
// persist to, loading the currently-persisted value (if any) as the
// starting default. Call once at startup, before serving traffic.
func (r *Resolver) WithSharedStore(store sharedstore.Store, logger zerolog.Logger) *Resolver {
	r.shared = store
	r.logger = logger
	if store != nil {
		if v, ok, err := store.Get(context.Background(), GlobalProviderKey); err == nil && ok {
			if _, known := r.adapters[Name(v)]; known {
				r.global.Store(Name(v))
			}
		}
	}
	return r
}

// WithReconcile attaches the callback SetGlobal invokes after a real
// (non-no-op) provider switch.
func (r *Resolver) WithReconcile(fn ReconcileFunc) *Resolver {
	r.reconcile = fn
	return r
}

// SetGlobal changes the process-wide default provider, persisting it to
// the shared store (with in-memory fallback if the store is unreachable)
// so every instance in the cluster converges on the same active
// provider. Setting the same value the resolver already holds is a no-op
// — no reconcile callback fires. A real switch triggers the reconcile
// callback (if attached) so the caller can move live WS broadcast
// traffic onto the new provider's ticker.
func (r *Resolver) SetGlobal(name Name) bool {
	if _, ok := r.adapters[name]; !ok {
		return false
	}
	if r.GetGlobal() == name {
		return true
	}
	r.global.Store(name)
	if r.shared != nil {
		if err := r.shared.Set(context.Background(), GlobalProviderKey, string(name), 0); err != nil {
			r.logger.Warn().Err(err).Str("provider", string(name)).Msg("failed to persist global provider to shared store, relying on in-memory fallback")
		}
	}
	if r.reconcile != nil {
		r.reconcile(name)
	}
	return true
}

// GetGlobal returns the current process-wide default provider name,
// preferring the shared store's value and falling back to the in-memory
// one read locally when the store is unreachable.
func (r *Resolver) GetGlobal() Name {
	if r.shared != nil {
		if v, ok, err := r.shared.Get(context.Background(), GlobalProviderKey); err == nil && ok {
			if name := Name(v); func() bool { _, known := r.adapters[name]; return known }() {
				r.global.Store(name)
				return name
			}
		}
	}
	return r.global.Load().(Name)
}

// ResolveForHTTP picks the adapter for a REST call: explicit override if
// valid, otherwise the process default.
func (r *Resolver) ResolveForHTTP(override string) Adapter {
	if a, ok := r.adapters[Name(override)]; ok {
		return a
	}
	return r.adapters[r.GetGlobal()]
}

// ResolveForWS picks the adapter a socket's ticker subscriptions should
// route through. Mirrors ResolveForHTTP; split out because the WS path
// resolves once per connection rather than once per request.
func (r *Resolver) ResolveForWS(override string) Adapter {
	return r.ResolveForHTTP(override)
}

// Adapter returns the adapter registered under name, if any.
func (r *Resolver) Adapter(name Name) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}
