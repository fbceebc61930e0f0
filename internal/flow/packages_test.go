package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/models"
)

type fakeInstaller struct {
	mu       sync.Mutex
	batches  [][]string
	active   atomic.Int32
	overlaps atomic.Int32
	err      error
}

func (f *fakeInstaller) Install(_ context.Context, pkgs []string) error {
	if f.active.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.active.Add(-1)
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, pkgs)
	return f.err
}

func TestPackageManagerInstallsOnce(t *testing.T) {
	inst := &fakeInstaller{}
	pm := NewPackageManager(map[string]Installer{models.RuntimePython: inst}, discard, nil)
	ctx := context.Background()

	require.NoError(t, pm.Ensure(ctx, models.RuntimePython, []string{"requests", "numpy", "requests"}))
	require.NoError(t, pm.Ensure(ctx, models.RuntimePython, []string{"numpy", "pyyaml"}))
	require.NoError(t, pm.Ensure(ctx, models.RuntimePython, []string{"numpy"}))
	require.NoError(t, pm.Ensure(ctx, models.RuntimePython, nil))

	assert.Equal(t, [][]string{{"requests", "numpy"}, {"pyyaml"}}, inst.batches)
	assert.Equal(t, []string{"numpy", "pyyaml", "requests"}, pm.Installed(models.RuntimePython))
}

func TestPackageManagerSerializesInstalls(t *testing.T) {
	inst := &fakeInstaller{}
	pm := NewPackageManager(map[string]Installer{models.RuntimePython: inst}, discard, nil)

	var wg sync.WaitGroup
	for _, pkg := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pm.Ensure(context.Background(), models.RuntimePython, []string{pkg}))
		}()
	}
	wg.Wait()

	assert.Zero(t, inst.overlaps.Load())
	assert.Len(t, inst.batches, 5)
}

func TestPackageManagerErrors(t *testing.T) {
	pm := NewPackageManager(nil, discard, nil)
	err := pm.Ensure(context.Background(), models.RuntimePython, []string{"requests"})
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	inst := &fakeInstaller{err: errors.New("no such package")}
	pm = NewPackageManager(map[string]Installer{models.RuntimePython: inst}, discard, nil)
	err = pm.Ensure(context.Background(), models.RuntimePython, []string{"nope"})
	assert.ErrorContains(t, err, "no such package")
	assert.Empty(t, pm.Installed(models.RuntimePython))
}

func TestInstallRequirements(t *testing.T) {
	inst := &fakeInstaller{}
	f := newFixture(t, Options{
		Runtimes: []Runtime{NewPythonRuntime(&fakeRunner{})},
		Packages: NewPackageManager(map[string]Installer{models.RuntimePython: inst}, discard, nil),
	})
	def := pythonDef("Echo", "class Echo: ...")
	def.Name = "fetcher"
	def.Requirements = []string{"httpx"}
	_, err := f.store.CreateNodeDefinition(context.Background(), def)
	require.NoError(t, err)

	require.NoError(t, f.engine.InstallRequirements(context.Background(), "fetcher"))
	assert.Equal(t, []string{"httpx"}, f.engine.packages.Installed(models.RuntimePython))

	err = f.engine.InstallRequirements(context.Background(), "unknown")
	assert.ErrorContains(t, err, "not found")
}
