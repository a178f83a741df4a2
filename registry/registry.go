package registry

import (
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gomlx/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/harrison-roh/face-stylization-with-transfer-learning/constants"
	"github.com/harrison-roh/face-stylization-with-transfer-learning/stylizer"
)

// Config configures the model registry.
type Config struct {
	// ModelsPath is the directory holding one subdirectory per model.
	// Empty selects the default location.
	ModelsPath string

	// BaseModelDir overrides where pretrained base bundles are kept.
	BaseModelDir string
}

// Registry manages the fine-tuned stylizer models: creation, lookup,
// deletion and stylization all go through it. Models are ref-counted so a
// model cannot be deleted while a stylization or export is running on it.
type Registry struct {
	models     map[string]*rModel
	rwMutex    sync.RWMutex
	modelsPath string

	baseModelDir string
	backend      backends.Backend
}

const (
	// Slot reserved, no weights loaded yet.
	modelStatusReady = iota
	// Fine-tuning in progress.
	modelStatusBuild
	// Loaded and serving.
	modelStatusRun
)

type rModel struct {
	name      string
	modelPath string
	status    int32
	refCount  int32

	// model is set once status reaches modelStatusRun.
	model *stylizer.Model
}

func getNewModel(name, modelPath string) *rModel {
	return &rModel{
		name:      name,
		modelPath: modelPath,
		status:    modelStatusReady,
	}
}

// New creates the registry, loads every model found under the models path
// and seeds a default model from the base bundle when none exist.
func New(c Config) (*Registry, error) {
	modelsPath := c.ModelsPath
	if modelsPath == "" {
		modelsPath = constants.ModelsPath
	}
	if err := os.MkdirAll(modelsPath, 0755); err != nil {
		return nil, err
	}

	r := &Registry{
		models:       make(map[string]*rModel),
		modelsPath:   modelsPath,
		baseModelDir: c.BaseModelDir,
		backend:      backends.MustNew(),
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) init() error {
	if err := r.loadModels(); err != nil {
		return err
	}

	if len(r.models) == 0 {
		if err := r.createDefaultModel(); err != nil {
			return err
		}
		log.Printf("Created default model %q", constants.DefaultModelName)
	}
	return nil
}

func (r *Registry) loadModels() error {
	entries, _ := os.ReadDir(r.modelsPath)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		modelPath := path.Join(r.modelsPath, entry.Name())

		sm, err := stylizer.Load(r.backend, modelPath)
		if err != nil {
			log.Printf("Fail to load model(%s): %s", modelPath, err)
			if err := os.RemoveAll(modelPath); err != nil {
				log.Print(err)
			}
			continue
		}

		m := getNewModel(sm.Name(), modelPath)
		m.model = sm
		atomic.StoreInt32(&m.status, modelStatusRun)
		if err := r.addModel(m); err != nil {
			log.Print(err)
		}
	}
	return nil
}

// createDefaultModel seeds the default model straight from the base
// bundle: it stylizes with the pretrained weights until a style is
// trained in.
func (r *Registry) createDefaultModel() error {
	modelPath := r.newModelPath(constants.DefaultModelName)

	opts := stylizer.DefaultOptions()
	opts.BaseModelDir = r.baseModelDir
	sm, err := stylizer.InitFromBase(r.backend, modelPath, opts)
	if err != nil {
		return err
	}
	if err := sm.SetInfo(constants.DefaultModelName, "Default model"); err != nil {
		return err
	}

	m := getNewModel(constants.DefaultModelName, modelPath)
	m.model = sm
	atomic.StoreInt32(&m.status, modelStatusRun)

	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()
	return r.addModel(m)
}

func (r *Registry) newModelPath(model string) string {
	modelDir := fmt.Sprintf("%s-%s", model, uuid.New().String()[:8])
	return path.Join(r.modelsPath, modelDir)
}

func (r *Registry) addModel(newM *rModel) error {
	if newM.name == "" {
		return errors.New("empty model name")
	}

	for model, m := range r.models {
		if model == newM.name || m.name == newM.name {
			return errors.Errorf("duplicated model: %s", newM.name)
		} else if m.modelPath == newM.modelPath {
			return errors.Errorf("duplicated model path: %s", newM.modelPath)
		}
	}

	r.models[newM.name] = newM
	return nil
}

func (r *Registry) delModel(model string) error {
	m, ok := r.models[model]
	if !ok {
		return errors.Errorf("no such model: %s", model)
	}

	if atomic.LoadInt32(&m.refCount) > 0 {
		return errors.Errorf("currently in use: %s (%d)", m.name, m.refCount)
	}

	if err := os.RemoveAll(m.modelPath); err != nil {
		return err
	}
	delete(r.models, m.name)
	return nil
}

func (r *Registry) delModelUncond(delM *rModel) {
	if err := os.RemoveAll(delM.modelPath); err != nil {
		log.Print(err)
	}
	delete(r.models, delM.name)
}

func (r *Registry) getModel(model string) *rModel {
	if m, ok := r.models[model]; ok {
		atomic.AddInt32(&m.refCount, 1)
		return m
	}
	return nil
}

func (r *Registry) putModel(m *rModel) {
	atomic.AddInt32(&m.refCount, -1)
}

// CreateModel fine-tunes a new stylizer model from the style image and
// registers it under the given name. Training runs in the background: the
// model shows status "build" until it finishes, then "run". The style
// image is validated and the dataset built before the call returns, so
// bad inputs fail synchronously.
func (r *Registry) CreateModel(newModel, styleImage, desc string, opts stylizer.Options) (map[string]interface{}, error) {
	opts.BaseModelDir = r.baseModelDir
	ds, err := stylizer.DatasetFromImage(styleImage, opts)
	if err != nil {
		return nil, err
	}

	modelPath := r.newModelPath(newModel)

	m := getNewModel(newModel, modelPath)
	r.rwMutex.Lock()
	// Reserve the slot before the (long) training run starts.
	if err := r.addModel(m); err != nil {
		r.rwMutex.Unlock()
		return nil, err
	}
	r.getModel(newModel)
	r.rwMutex.Unlock()

	atomic.StoreInt32(&m.status, modelStatusBuild)

	go func() {
		defer r.putModel(m)

		sm, err := stylizer.Create(r.backend, ds, modelPath, opts)
		if err != nil {
			log.Printf("Fail to create model(%s): %s", newModel, err)
			r.rwMutex.Lock()
			r.delModelUncond(m)
			r.rwMutex.Unlock()
			return
		}
		if err := sm.SetInfo(newModel, desc); err != nil {
			log.Printf("Fail to record model info(%s): %s", newModel, err)
		}

		m.model = sm
		// Setting status should always be last.
		atomic.StoreInt32(&m.status, modelStatusRun)
	}()

	return map[string]interface{}{
		"model":     newModel,
		"modelPath": modelPath,
		"status":    "build",
	}, nil
}

// DeleteModel removes a model and its on-disk directory. Models currently
// in use are refused.
func (r *Registry) DeleteModel(model string) error {
	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()

	return r.delModel(model)
}

// GetModels returns the names of all registered models.
func (r *Registry) GetModels() []string {
	r.rwMutex.RLock()
	defer r.rwMutex.RUnlock()

	var models []string
	for model := range r.models {
		models = append(models, model)
	}
	return models
}

// GetModel returns the model's information, or nil when it does not
// exist. With verbose set the per-epoch training losses are included.
func (r *Registry) GetModel(model string, verbose bool) map[string]interface{} {
	r.rwMutex.RLock()
	m := r.getModel(model)
	r.rwMutex.RUnlock()

	if m == nil {
		return nil
	}
	defer r.putModel(m)

	statusCode := atomic.LoadInt32(&m.status)
	var status string
	switch statusCode {
	case modelStatusReady:
		status = "ready"
	case modelStatusBuild:
		status = "build"
	case modelStatusRun:
		status = "run"
	default:
		status = "unknown"
	}

	info := map[string]interface{}{
		"model":    m.name,
		"refCount": atomic.LoadInt32(&m.refCount),
		"status":   status,
	}

	// m.model is published by the build goroutine right before the status
	// flips to run; reading it earlier would race with that write.
	if statusCode == modelStatusRun && m.model != nil {
		opts := m.model.Options()
		info["baseModel"] = opts.Model.String()
		info["inputSize"] = opts.Model.InputSize()
		info["swapLayers"] = opts.ModelOptions.SwapLayers
		info["alpha"] = opts.ModelOptions.Alpha
		info["description"] = m.model.Description()

		trainingInfo := map[string]interface{}{
			"epochs":    m.model.Result.Epochs,
			"steps":     m.model.Result.Steps,
			"finalLoss": m.model.Result.FinalLoss,
			"elapsed":   m.model.Result.Elapsed,
		}
		if verbose {
			trainingInfo["loss"] = m.model.Result.Loss
		}
		info["trainingResult"] = trainingInfo
	}

	return info
}

// Stylize runs the named model on the image data and returns the stylized
// face.
func (r *Registry) Stylize(model string, imageData []byte) ([]byte, string, error) {
	r.rwMutex.RLock()
	m := r.getModel(model)
	r.rwMutex.RUnlock()

	if m == nil {
		return nil, "", errors.Errorf("no such model: %s", model)
	}
	defer r.putModel(m)

	if atomic.LoadInt32(&m.status) != modelStatusRun {
		return nil, "", errors.New("not ready yet")
	}

	return stylizeImageData(m.model, imageData)
}

// ExportModel packages the named model into a bundle under dstDir and
// returns the bundle path.
func (r *Registry) ExportModel(model, dstDir string) (string, error) {
	r.rwMutex.RLock()
	m := r.getModel(model)
	r.rwMutex.RUnlock()

	if m == nil {
		return "", errors.Errorf("no such model: %s", model)
	}
	defer r.putModel(m)

	if atomic.LoadInt32(&m.status) != modelStatusRun {
		return "", errors.New("not ready yet")
	}

	if dstDir == "" {
		dstDir = path.Join(m.modelPath, "export")
	}
	return m.model.Export(dstDir)
}

// Destroy releases the registry. Model directories stay on disk.
func (r *Registry) Destroy() {
	r.rwMutex.Lock()
	defer r.rwMutex.Unlock()

	r.models = make(map[string]*rModel)
}

// SupportedFormats lists the accepted image formats for style and test
// images.
var SupportedFormats = []string{"jpg", "jpeg", "png"}

// IsSupportedFormat reports whether the image format can be decoded.
func IsSupportedFormat(format string) bool {
	format = strings.ToLower(format)
	for _, f := range SupportedFormats {
		if f == format {
			return true
		}
	}
	return false
}
