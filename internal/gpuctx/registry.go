package gpuctx

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/device"
	"github.com/axonlabs/gpu-bridge/internal/metrics"
	"github.com/axonlabs/gpu-bridge/internal/scope"
)

const registryBuckets = 100

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Registry owns every live context, keyed by scope handle. At most one
// context exists per scope. The registry lock protects the hash and the
// last-acquired slot only; it is never held across driver calls.
type Registry struct {
	inv    *device.Inventory
	scopes *scope.Manager
	log    *zap.Logger

	mu      sync.Mutex
	buckets [registryBuckets][]*Context
	last    *Context
}

// NewRegistry wires a registry to the scope manager's exit stream.
func NewRegistry(inv *device.Inventory, scopes *scope.Manager, log *zap.Logger) *Registry {
	r := &Registry{inv: inv, scopes: scopes, log: log.Named("gpuctx")}
	scopes.RegisterExitHook(r.onScopeExit)
	return r
}

func bucketIndex(h scope.Handle) int {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(h))
	return int(crc32.Checksum(key[:], crcTable) % registryBuckets)
}

// Acquire returns the context bound to the current scope, creating it
// lazily on first use. The refcount is incremented; every Acquire must be
// paired with a Release (or be caught by the scope-exit hook).
func (r *Registry) Acquire() (*Context, error) {
	owner := r.scopes.Current()
	if owner == scope.InvalidHandle {
		return nil, fmt.Errorf("gpuctx: no scope is active")
	}

	r.mu.Lock()
	if r.last != nil && r.last.owner == owner {
		ctx := r.last
		ctx.refcnt++
		r.mu.Unlock()
		return ctx, nil
	}
	hindex := bucketIndex(owner)
	for _, ctx := range r.buckets[hindex] {
		if ctx.owner == owner {
			ctx.refcnt++
			r.last = ctx
			r.mu.Unlock()
			return ctx, nil
		}
	}
	r.mu.Unlock()

	// Miss: create the sub-contexts outside the lock. A session is
	// single-threaded, so no other Acquire races for the same scope.
	ctx, err := r.createContext(owner)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.buckets[hindex] = append(r.buckets[hindex], ctx)
	r.last = ctx
	r.mu.Unlock()
	metrics.ContextsLive.Inc()
	return ctx, nil
}

func (r *Registry) createContext(owner scope.Handle) (*Context, error) {
	ctx := &Context{
		owner:  owner,
		refcnt: 1,
		arena:  NewArena(),
		log:    r.log,
	}
	for _, rec := range r.inv.Devices {
		sub, err := rec.Handle().CreateContext()
		if err != nil {
			// unwind the ones already created
			for _, s := range ctx.subctx {
				if derr := s.Destroy(); derr != nil {
					r.log.Warn("failed to destroy sub-context during unwind", zap.Error(derr))
				}
			}
			return nil, err
		}
		ctx.subctx = append(ctx.subctx, sub)
	}
	return ctx, nil
}

// Release drops one reference. On the last reference the context is
// unlinked and destroyed (commit semantics: surviving tasks are leaks).
func (r *Registry) Release(ctx *Context) {
	r.mu.Lock()
	if ctx.refcnt <= 0 {
		r.mu.Unlock()
		r.log.Error("release of a context with no references",
			zap.Uint64("scope", uint64(ctx.owner)))
		return
	}
	ctx.refcnt--
	doRelease := ctx.refcnt == 0
	if doRelease {
		r.unlinkLocked(ctx)
	}
	r.mu.Unlock()

	if doRelease {
		metrics.ContextsLive.Dec()
		ctx.destroy(true)
	}
}

// Sync blocks until all the context's sub-contexts quiesce.
func (r *Registry) Sync(ctx *Context) {
	ctx.Sync()
}

// Lookup returns the live context for a scope without acquiring it, or nil.
func (r *Registry) Lookup(owner scope.Handle) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ctx := range r.buckets[bucketIndex(owner)] {
		if ctx.owner == owner {
			return ctx
		}
	}
	return nil
}

// unlinkLocked removes ctx from its bucket and invalidates the one-slot
// cache. Caller holds r.mu.
func (r *Registry) unlinkLocked(ctx *Context) {
	if r.last == ctx {
		r.last = nil
	}
	hindex := bucketIndex(ctx.owner)
	bucket := r.buckets[hindex]
	for i, c := range bucket {
		if c == ctx {
			r.buckets[hindex] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// onScopeExit forcibly releases any context still bound to the exiting
// scope. On commit a surviving context means someone forgot to release it;
// on abort the cleanup is expected and silent.
func (r *Registry) onScopeExit(h scope.Handle, phase scope.Phase, committed bool) {
	if phase != scope.PhaseAfterLocks {
		return
	}

	r.mu.Lock()
	var victim *Context
	for _, ctx := range r.buckets[bucketIndex(h)] {
		if ctx.owner == h {
			victim = ctx
			break
		}
	}
	if victim != nil {
		r.unlinkLocked(victim)
	}
	r.mu.Unlock()

	if victim == nil {
		return
	}
	if committed {
		r.log.Warn("probable missing release of a GPU context",
			zap.Uint64("scope", uint64(h)),
			zap.Int("refcnt", victim.refcnt))
	}
	metrics.ContextsLive.Dec()
	victim.destroy(committed)
}
