package registry

import (
	"os"
	"path"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return &Registry{
		models:     make(map[string]*rModel),
		modelsPath: t.TempDir(),
	}
}

func TestAddModel(t *testing.T) {
	r := newTestRegistry(t)

	m := getNewModel("vangogh", path.Join(r.modelsPath, "vangogh-12345678"))
	require.NoError(t, r.addModel(m))

	// Same name is rejected.
	dup := getNewModel("vangogh", path.Join(r.modelsPath, "vangogh-87654321"))
	assert.Error(t, r.addModel(dup))

	// Same path under another name is rejected too.
	dupPath := getNewModel("sketch", m.modelPath)
	assert.Error(t, r.addModel(dupPath))

	// Nameless models are rejected.
	assert.Error(t, r.addModel(getNewModel("", "somewhere")))

	assert.Len(t, r.models, 1)
}

func TestDelModel(t *testing.T) {
	r := newTestRegistry(t)

	modelPath := path.Join(r.modelsPath, "vangogh-12345678")
	require.NoError(t, os.MkdirAll(modelPath, 0755))

	m := getNewModel("vangogh", modelPath)
	require.NoError(t, r.addModel(m))

	assert.Error(t, r.delModel("missing"))

	// In-use models cannot be deleted.
	got := r.getModel("vangogh")
	require.NotNil(t, got)
	assert.Error(t, r.delModel("vangogh"))

	r.putModel(got)
	require.NoError(t, r.delModel("vangogh"))

	_, err := os.Stat(modelPath)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, r.models)
}

func TestGetPutModelRefCount(t *testing.T) {
	r := newTestRegistry(t)

	m := getNewModel("vangogh", path.Join(r.modelsPath, "vangogh-12345678"))
	require.NoError(t, r.addModel(m))

	assert.Nil(t, r.getModel("missing"))

	first := r.getModel("vangogh")
	second := r.getModel("vangogh")
	assert.Same(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&m.refCount))

	r.putModel(first)
	r.putModel(second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&m.refCount))
}

func TestGetModelInfoStatuses(t *testing.T) {
	r := newTestRegistry(t)

	m := getNewModel("vangogh", path.Join(r.modelsPath, "vangogh-12345678"))
	require.NoError(t, r.addModel(m))

	assert.Nil(t, r.GetModel("missing", false))

	info := r.GetModel("vangogh", false)
	require.NotNil(t, info)
	assert.Equal(t, "ready", info["status"])
	assert.NotContains(t, info, "trainingResult")

	atomic.StoreInt32(&m.status, modelStatusBuild)
	assert.Equal(t, "build", r.GetModel("vangogh", false)["status"])
}

func TestGetModelDuringBuild(t *testing.T) {
	r := newTestRegistry(t)

	m := getNewModel("vangogh", path.Join(r.modelsPath, "vangogh-12345678"))
	require.NoError(t, r.addModel(m))
	atomic.StoreInt32(&m.status, modelStatusBuild)

	// The build goroutine publishes the model and only then flips the
	// status; GetModel must not look at the model before seeing "run".
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.model = nil
		atomic.StoreInt32(&m.status, modelStatusRun)
	}()

	for {
		info := r.GetModel("vangogh", true)
		require.NotNil(t, info)
		if info["status"] == "run" {
			break
		}
		assert.Equal(t, "build", info["status"])
		assert.NotContains(t, info, "trainingResult")
	}
	<-done
}

func TestStylizeNotReady(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.Stylize("missing", nil)
	assert.Error(t, err)

	m := getNewModel("vangogh", path.Join(r.modelsPath, "vangogh-12345678"))
	require.NoError(t, r.addModel(m))
	atomic.StoreInt32(&m.status, modelStatusBuild)

	_, _, err = r.Stylize("vangogh", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestExportModelNotReady(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.ExportModel("missing", "")
	assert.Error(t, err)

	m := getNewModel("vangogh", path.Join(r.modelsPath, "vangogh-12345678"))
	require.NoError(t, r.addModel(m))

	_, err = r.ExportModel("vangogh", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestIsSupportedFormat(t *testing.T) {
	assert.True(t, IsSupportedFormat("jpg"))
	assert.True(t, IsSupportedFormat("JPEG"))
	assert.True(t, IsSupportedFormat("png"))
	assert.False(t, IsSupportedFormat("gif"))
	assert.False(t, IsSupportedFormat(""))
}

func TestNewModelPath(t *testing.T) {
	r := newTestRegistry(t)

	p1 := r.newModelPath("vangogh")
	p2 := r.newModelPath("vangogh")
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, r.modelsPath, path.Dir(p1))
}
