package stylizer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/harrison-roh/face-stylization-with-transfer-learning/constants"
)

type baseBundle struct {
	url      string
	checksum string
}

// Pretrained base bundles, one per supported model. Each bundle is a zip of
// the base checkpoint (encoder, decoder seed, latent average, critic) plus
// its metadata, in the same format Export produces.
//
// The hosted copies are provisioned per release. When a bundle is
// unreachable or its checksum does not match, EnsureBaseModel returns the
// download or checksum error and leaves the model directory unseeded, so
// anything seeding its first model from the bundle fails at startup.
// Deployments serving the bundles from a mirror override the entry with
// SetBaseBundleSource before the first EnsureBaseModel call.
var baseBundles = map[SupportedModel]baseBundle{
	BlazeFaceStylizer256: {
		url:      "https://storage.googleapis.com/face-stylization-models/blaze_face_stylizer_256/v1/face_stylizer_base.task",
		checksum: "3c1f6d2a9b4e8f07d5a21c6e0b9384f1a7d0c52e86b34910fdc7e5a2b18e6c44",
	},
}

// SetBaseBundleSource overrides where the pretrained bundle for a model is
// downloaded from and the sha256 hex digest it must match.
func SetBaseBundleSource(model SupportedModel, url, checksum string) {
	baseBundles[model] = baseBundle{url: url, checksum: checksum}
}

// EnsureBaseModel makes sure the pretrained bundle for the given model is
// downloaded and unpacked under baseDir, and returns the unpacked
// directory. An empty baseDir selects the default location. Already
// unpacked bundles are reused without touching the network.
func EnsureBaseModel(baseDir string, model SupportedModel) (string, error) {
	bundle, ok := baseBundles[model]
	if !ok {
		return "", errors.Errorf("no pretrained bundle for model %s", model)
	}
	if baseDir == "" {
		baseDir = constants.BaseModelsPath
	}
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return "", err
	}

	modelDir := path.Join(baseDir, model.String())
	if hasCheckpoint(modelDir) {
		return modelDir, nil
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return "", err
	}

	bundlePath := path.Join(baseDir, model.String()+".task")
	exists, err := fsutil.FileExists(bundlePath)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := downloadFile(bundle.url, bundlePath); err != nil {
			return "", errors.Wrapf(err, "failed to download base bundle for %s", model)
		}
	}
	if err := validateChecksum(bundlePath, bundle.checksum); err != nil {
		return "", err
	}

	if err := ImportBundle(bundlePath, modelDir); err != nil {
		return "", errors.Wrapf(err, "failed to unpack base bundle for %s", model)
	}
	klog.V(1).Infof("base bundle for %s ready at %s", model, modelDir)
	return modelDir, nil
}

// downloadFile fetches url into filePath, drawing a progress bar while the
// transfer runs.
func downloadFile(url, filePath string) error {
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch %q", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetching %q: %s", url, resp.Status)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	defer f.Close()

	if resp.ContentLength > 0 {
		klog.Infof("downloading %s (%s)", url, humanize.Bytes(uint64(resp.ContentLength)))
	} else {
		klog.Infof("downloading %s", url)
	}
	bar := progressbar.DefaultBytes(resp.ContentLength, path.Base(filePath))
	if _, err := io.Copy(io.MultiWriter(f, bar), resp.Body); err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	return f.Close()
}

// validateChecksum verifies the sha256 of the file at filePath. On mismatch
// the file is removed so the next attempt re-downloads it.
func validateChecksum(filePath, checksum string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return err
	}
	fileHash := hex.EncodeToString(hasher.Sum(nil))
	if fileHash != strings.ToLower(checksum) {
		if err := os.Remove(filePath); err != nil {
			klog.Errorf("failed to remove corrupt bundle %q: %v", filePath, err)
		}
		return errors.Errorf("file %q sha256 is %s, expected %s; file removed",
			filePath, fileHash, checksum)
	}
	return nil
}
