package gpuctx

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/cuda"
	"github.com/axonlabs/gpu-bridge/internal/metrics"
	"github.com/axonlabs/gpu-bridge/internal/scope"
)

// DataStore is the seam to the columnar store: anything context-tracked
// that must be released before the sub-contexts are torn down.
type DataStore interface {
	Release() error
}

// Context is the per-scope GPU context: one driver sub-context per device,
// the task-states running under it, the data-stores it keeps alive, and a
// private arena destroyed last.
type Context struct {
	owner  scope.Handle
	refcnt int // guarded by the registry lock
	subctx []cuda.Context
	cursor atomic.Uint32
	arena  *Arena
	log    *zap.Logger

	mu     sync.Mutex
	states []*TaskState
	stores []DataStore
}

// Owner returns the scope this context is bound to.
func (c *Context) Owner() scope.Handle { return c.owner }

// Arena returns the context's private memory arena.
func (c *Context) Arena() *Arena { return c.arena }

// SubContexts returns the per-device sub-contexts.
func (c *Context) SubContexts() []cuda.Context { return c.subctx }

// nextSubContext round-robins across the per-device sub-contexts.
func (c *Context) nextSubContext() cuda.Context {
	i := c.cursor.Add(1) - 1
	return c.subctx[int(i)%len(c.subctx)]
}

// NewTaskState creates a per-operator task-state under this context.
// cleanup, if non-nil, runs when the state is drained at context release.
func (c *Context) NewTaskState(source string, flags uint32, cleanup func(*TaskState)) *TaskState {
	ts := &TaskState{
		ctx:     c,
		Source:  source,
		Flags:   flags,
		cleanup: cleanup,
	}
	c.mu.Lock()
	c.states = append(c.states, ts)
	c.mu.Unlock()
	return ts
}

// ReleaseTaskState is the operator's explicit cleanup path: drain the
// state's tasks, unload its module and unlink it from the context.
func (c *Context) ReleaseTaskState(ts *TaskState) {
	c.mu.Lock()
	for i, s := range c.states {
		if s == ts {
			c.states = append(c.states[:i], c.states[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if ts.Module != nil {
		if err := ts.Module.Unload(); err != nil {
			c.log.Warn("failed to unload device module", zap.Error(err))
		}
		ts.Module = nil
	}
	ts.drain()
	if ts.cleanup != nil {
		ts.cleanup(ts)
	}
}

// TrackDataStore keeps a data-store alive until the context drains.
func (c *Context) TrackDataStore(ds DataStore) {
	c.mu.Lock()
	c.stores = append(c.stores, ds)
	c.mu.Unlock()
}

// ForgetDataStore removes a store released early by its owner.
func (c *Context) ForgetDataStore(ds DataStore) {
	c.mu.Lock()
	for i, s := range c.stores {
		if s == ds {
			c.stores = append(c.stores[:i], c.stores[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Sync blocks until every sub-context has quiesced. Driver failures are
// demoted to warnings; a stuck device must not prevent teardown.
func (c *Context) Sync() {
	for _, sub := range c.subctx {
		if err := sub.SetCurrent(); err != nil {
			c.log.Warn("failed to bind sub-context during sync", zap.Error(err))
			continue
		}
		if err := sub.Synchronize(); err != nil {
			c.log.Warn("failed to synchronize sub-context", zap.Error(err))
		}
	}
}

// destroy tears the context down: quiesce, drain task-states, release
// data-stores, destroy sub-contexts, and free the arena last. committed
// selects whether surviving resources are reported as leaks. Destruction
// always completes.
func (c *Context) destroy(committed bool) {
	c.Sync()

	c.mu.Lock()
	states := c.states
	stores := c.stores
	c.states = nil
	c.stores = nil
	c.mu.Unlock()

	for _, ts := range states {
		if ts.Module != nil {
			if err := ts.Module.Unload(); err != nil {
				c.log.Warn("failed to unload device module", zap.Error(err))
			}
			ts.Module = nil
		}
		leaked := ts.drain()
		if committed {
			for range leaked {
				metrics.TaskLeaks.Inc()
				c.log.Warn("unreferenced task leak", zap.String("source", ts.Source))
			}
			c.log.Warn("unreferenced task-state leak", zap.String("source", ts.Source))
		}
		if ts.cleanup != nil {
			ts.cleanup(ts)
		}
	}

	for _, ds := range stores {
		if err := ds.Release(); err != nil {
			c.log.Warn("failed to release data-store", zap.Error(err))
		}
	}

	for _, sub := range c.subctx {
		if err := sub.Destroy(); err != nil {
			c.log.Warn("failed to destroy sub-context", zap.Error(err))
		}
	}

	// the arena goes last: everything above may still reference it
	c.arena.Destroy()
}
