package stylizer

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

const (
	metadataFile = "metadata.yaml"

	// BundleName is the file name of an exported model bundle.
	BundleName = "face_stylizer.task"
)

// Metadata describes a fine-tuned model directory: the options it was
// created with and the outcome of its training run. It lives next to the
// checkpoint as metadata.yaml.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	CreateAt    string `yaml:"createAt"`

	Options        Options        `yaml:"options"`
	TrainingResult TrainingResult `yaml:"trainingResult"`
}

func (m *Model) writeMetadata() error {
	md := Metadata{
		Name:           m.Name(),
		Description:    m.description,
		CreateAt:       time.Now().Format(time.RFC3339),
		Options:        m.opts,
		TrainingResult: m.Result,
	}
	data, err := yaml.Marshal(&md)
	if err != nil {
		return errors.Wrap(err, "failed to marshal model metadata")
	}
	if err := os.WriteFile(path.Join(m.dir, metadataFile), data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", metadataFile)
	}
	return nil
}

func readMetadata(modelDir string) (Metadata, error) {
	var md Metadata
	data, err := os.ReadFile(path.Join(modelDir, metadataFile))
	if err != nil {
		return md, errors.Wrapf(err, "no model metadata in %q", modelDir)
	}
	if err := yaml.Unmarshal(data, &md); err != nil {
		return md, errors.Wrapf(err, "corrupt %s in %q", metadataFile, modelDir)
	}
	return md, nil
}

// Export packages the fine-tuned model into a single self-contained bundle
// under dstDir and returns the bundle path. The bundle is a zip archive
// holding the checkpoint files and the model metadata, loadable again with
// ImportBundle.
func (m *Model) Export(dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return "", err
	}
	bundlePath := path.Join(dstDir, BundleName)

	f, err := os.Create(bundlePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create bundle %q", bundlePath)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addBundleFile(zw, path.Join(m.dir, entry.Name()), entry.Name()); err != nil {
			return "", errors.Wrapf(err, "failed to pack %q", entry.Name())
		}
	}
	if err := zw.Close(); err != nil {
		return "", errors.Wrap(err, "failed to finalize bundle")
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	klog.V(1).Infof("exported model %q to %s", path.Base(m.dir), bundlePath)
	return bundlePath, nil
}

// ImportBundle unpacks an exported bundle into modelDir so it can be
// loaded with Load.
func ImportBundle(bundlePath, modelDir string) error {
	zr, err := zip.OpenReader(bundlePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open bundle %q", bundlePath)
	}
	defer zr.Close()

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return err
	}
	for _, zf := range zr.File {
		if err := extractBundleFile(zf, modelDir); err != nil {
			return errors.Wrapf(err, "failed to unpack %q", zf.Name)
		}
	}
	return nil
}

func addBundleFile(zw *zip.Writer, filePath, name string) error {
	in, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

func extractBundleFile(zf *zip.File, dstDir string) error {
	// Bundles are flat; anything trying to escape dstDir is rejected.
	name := filepath.Base(zf.Name)
	if name == "." || name == string(filepath.Separator) {
		return errors.Errorf("invalid bundle entry %q", zf.Name)
	}

	in, err := zf.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path.Join(dstDir, name))
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
