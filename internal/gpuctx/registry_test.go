package gpuctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/cuda"
	"github.com/axonlabs/gpu-bridge/internal/cuda/cudatest"
	"github.com/axonlabs/gpu-bridge/internal/device"
	"github.com/axonlabs/gpu-bridge/internal/scope"
)

func fakeDevice(name string) *cudatest.FakeDevice {
	return &cudatest.FakeDevice{
		DeviceName: name,
		Memory:     8 << 30,
		Attrs: map[cuda.DeviceAttribute]int{
			cuda.DevAttrMaxThreadsPerBlock:     1024,
			cuda.DevAttrWarpSize:               32,
			cuda.DevAttrL2CacheSize:            4 << 20,
			cuda.DevAttrMemoryClockRate:        3_004_000,
			cuda.DevAttrGlobalMemoryBusWidth:   384,
			cuda.DevAttrMultiprocessorCount:    56,
			cuda.DevAttrClockRate:              1_328_000,
			cuda.DevAttrComputeCapabilityMajor: 6,
			cuda.DevAttrComputeCapabilityMinor: 0,
		},
	}
}

func newTestRegistry(t *testing.T, numDevices int) (*Registry, *scope.Manager, *cudatest.FakeDriver) {
	t.Helper()
	drv := &cudatest.FakeDriver{}
	for i := 0; i < numDevices; i++ {
		drv.Devices = append(drv.Devices, fakeDevice("Tesla P100"))
	}
	inv, err := device.Discover(drv, zap.NewNop())
	require.NoError(t, err)
	scopes := scope.NewManager()
	return NewRegistry(inv, scopes, zap.NewNop()), scopes, drv
}

func TestAcquireOutsideScope(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 1)
	_, err := reg.Acquire()
	assert.Error(t, err)
}

func TestAcquireReleasePairing(t *testing.T) {
	reg, scopes, drv := newTestRegistry(t, 2)
	scopes.Begin()

	ctx, err := reg.Acquire()
	require.NoError(t, err)
	assert.Len(t, ctx.SubContexts(), 2, "one sub-context per device")

	// second acquire in the same scope returns the same context
	ctx2, err := reg.Acquire()
	require.NoError(t, err)
	assert.Same(t, ctx, ctx2)
	assert.Equal(t, ctx, reg.Lookup(ctx.Owner()))

	reg.Release(ctx2)
	assert.NotNil(t, reg.Lookup(ctx.Owner()), "still referenced")

	reg.Release(ctx)
	assert.Nil(t, reg.Lookup(ctx.Owner()), "final release unlinks")
	for _, dev := range drv.Devices {
		for _, sub := range dev.Contexts {
			assert.True(t, sub.Destroyed.Load())
		}
	}

	// scope exit after the final release finds nothing to clean
	scopes.End(true)
}

func TestAcquireSeparateScopes(t *testing.T) {
	reg, scopes, _ := newTestRegistry(t, 1)

	scopes.Begin()
	outer, err := reg.Acquire()
	require.NoError(t, err)

	scopes.Begin()
	inner, err := reg.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, outer, inner, "nested scope gets its own context")

	reg.Release(inner)
	scopes.End(true)
	reg.Release(outer)
	scopes.End(true)
}

func TestScopeAbortRecoversLeakedContext(t *testing.T) {
	reg, scopes, drv := newTestRegistry(t, 1)
	scopes.Begin()

	ctx, err := reg.Acquire()
	require.NoError(t, err)
	ts := ctx.NewTaskState("kern_main", 0, nil)
	task, err := ts.NewTask(nil, nil)
	require.NoError(t, err)
	require.NoError(t, ts.Enqueue(task))

	// abort without releasing anything: the exit hook reclaims it all
	scopes.End(false)

	assert.Nil(t, reg.Lookup(ctx.Owner()))
	assert.Equal(t, TaskReleased, task.Phase())
	assert.True(t, ctx.Arena().Destroyed())
	for _, sub := range drv.Devices[0].Contexts {
		assert.True(t, sub.Destroyed.Load())
	}
}

func TestScopeCommitAlsoReclaims(t *testing.T) {
	reg, scopes, _ := newTestRegistry(t, 1)
	scopes.Begin()

	ctx, err := reg.Acquire()
	require.NoError(t, err)

	// commit path still reclaims (with a warning we don't observe here)
	scopes.End(true)
	assert.Nil(t, reg.Lookup(ctx.Owner()))
	assert.True(t, ctx.Arena().Destroyed())
}

func TestContextSyncQuiescesSubContexts(t *testing.T) {
	reg, scopes, drv := newTestRegistry(t, 2)
	scopes.Begin()

	ctx, err := reg.Acquire()
	require.NoError(t, err)
	reg.Sync(ctx)
	for _, dev := range drv.Devices {
		for _, sub := range dev.Contexts {
			assert.Equal(t, int32(1), sub.Synced.Load())
		}
	}

	reg.Release(ctx)
	scopes.End(true)
}

func TestDataStoreReleasedOnDestroy(t *testing.T) {
	reg, scopes, _ := newTestRegistry(t, 1)
	scopes.Begin()

	ctx, err := reg.Acquire()
	require.NoError(t, err)

	kept := &fakeStore{}
	forgotten := &fakeStore{}
	ctx.TrackDataStore(kept)
	ctx.TrackDataStore(forgotten)
	ctx.ForgetDataStore(forgotten)

	reg.Release(ctx)
	assert.Equal(t, 1, kept.released)
	assert.Equal(t, 0, forgotten.released)
	scopes.End(true)
}

type fakeStore struct {
	released int
}

func (s *fakeStore) Release() error {
	s.released++
	return nil
}
