package stylizer

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateChecksum(t *testing.T) {
	filePath := path.Join(t.TempDir(), "bundle.task")
	content := []byte("bundle bytes")
	require.NoError(t, os.WriteFile(filePath, content, 0644))

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	assert.NoError(t, validateChecksum(filePath, checksum))

	// Upper case checksums are accepted too.
	assert.NoError(t, validateChecksum(filePath, strings.ToUpper(checksum)))
}

func TestValidateChecksumMismatchRemovesFile(t *testing.T) {
	filePath := path.Join(t.TempDir(), "bundle.task")
	require.NoError(t, os.WriteFile(filePath, []byte("corrupt"), 0644))

	err := validateChecksum(filePath, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)

	_, statErr := os.Stat(filePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHasCheckpoint(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, hasCheckpoint(dir))

	require.NoError(t, os.WriteFile(path.Join(dir, "metadata.yaml"), nil, 0644))
	assert.False(t, hasCheckpoint(dir))

	require.NoError(t, os.WriteFile(path.Join(dir, "checkpoint-00000001.bin"), nil, 0644))
	assert.True(t, hasCheckpoint(dir))
}

func TestEnsureBaseModelReusesUnpacked(t *testing.T) {
	baseDir := t.TempDir()
	modelDir := path.Join(baseDir, BlazeFaceStylizer256.String())
	require.NoError(t, os.MkdirAll(modelDir, 0755))
	require.NoError(t, os.WriteFile(path.Join(modelDir, "checkpoint-00000001.bin"), []byte("w"), 0644))

	// Already unpacked: no download, no checksum, just the directory back.
	got, err := EnsureBaseModel(baseDir, BlazeFaceStylizer256)
	require.NoError(t, err)
	assert.Equal(t, modelDir, got)
}

func TestDownloadFile(t *testing.T) {
	content := []byte("pretend this is a bundle")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	filePath := path.Join(t.TempDir(), "bundle.task")
	require.NoError(t, downloadFile(server.URL, filePath))

	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadFileNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	err := downloadFile(server.URL, path.Join(t.TempDir(), "bundle.task"))
	assert.Error(t, err)
}

func TestEnsureBaseModelUnknown(t *testing.T) {
	_, err := EnsureBaseModel(t.TempDir(), SupportedModel(99))
	assert.Error(t, err)
}

// serveTestBundle zips a fake checkpoint into a bundle, serves it over HTTP
// and points the base bundle source at it for the duration of the test.
func serveTestBundle(t *testing.T) {
	t.Helper()

	m := newTestModel(t)
	require.NoError(t, os.WriteFile(path.Join(m.dir, "checkpoint-00000001.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(path.Join(m.dir, "checkpoint-00000001.bin"), []byte("weights"), 0644))
	bundlePath, err := m.Export(t.TempDir())
	require.NoError(t, err)

	bundleBytes, err := os.ReadFile(bundlePath)
	require.NoError(t, err)
	sum := sha256.Sum256(bundleBytes)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, bundlePath)
	}))
	t.Cleanup(server.Close)

	orig := baseBundles[BlazeFaceStylizer256]
	SetBaseBundleSource(BlazeFaceStylizer256, server.URL, hex.EncodeToString(sum[:]))
	t.Cleanup(func() { baseBundles[BlazeFaceStylizer256] = orig })
}

func TestEnsureBaseModelDownloadsBundle(t *testing.T) {
	serveTestBundle(t)

	baseDir := t.TempDir()
	modelDir, err := EnsureBaseModel(baseDir, BlazeFaceStylizer256)
	require.NoError(t, err)

	assert.Equal(t, path.Join(baseDir, BlazeFaceStylizer256.String()), modelDir)
	assert.True(t, hasCheckpoint(modelDir))

	// Second call reuses the unpacked directory.
	again, err := EnsureBaseModel(baseDir, BlazeFaceStylizer256)
	require.NoError(t, err)
	assert.Equal(t, modelDir, again)
}

func TestEnsureBaseModelChecksumMismatch(t *testing.T) {
	serveTestBundle(t)
	bundle := baseBundles[BlazeFaceStylizer256]
	SetBaseBundleSource(BlazeFaceStylizer256, bundle.url,
		"0000000000000000000000000000000000000000000000000000000000000000")

	baseDir := t.TempDir()
	_, err := EnsureBaseModel(baseDir, BlazeFaceStylizer256)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256")

	// The corrupt download is removed, nothing is unpacked.
	_, statErr := os.Stat(path.Join(baseDir, BlazeFaceStylizer256.String()+".task"))
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, hasCheckpoint(path.Join(baseDir, BlazeFaceStylizer256.String())))
}
