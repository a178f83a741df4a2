package stylizer

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainingResult summarizes a fine-tuning run. It is persisted in the
// model metadata.
type TrainingResult struct {
	Epochs    int       `yaml:"epochs"`
	Steps     int       `yaml:"steps"`
	Loss      []float32 `yaml:"loss"`
	FinalLoss float32   `yaml:"finalLoss"`
	Elapsed   string    `yaml:"elapsed"`
}

// Model is a fine-tuned face stylizer ready for inference and export.
type Model struct {
	opts       Options
	backend    backends.Backend
	ctx        *context.Context
	dir        string
	checkpoint *checkpoints.Handler

	name        string
	description string

	// stylizeExec is built lazily on the first Stylize call and shared
	// afterwards.
	execMu      sync.Mutex
	stylizeExec *context.Exec

	Result TrainingResult
}

// Dir returns the model's on-disk directory.
func (m *Model) Dir() string { return m.dir }

// Options returns the options the model was created (or loaded) with.
func (m *Model) Options() Options { return m.opts }

// Name returns the model name recorded in its metadata. Defaults to the
// base name of the model directory.
func (m *Model) Name() string {
	if m.name == "" {
		return path.Base(m.dir)
	}
	return m.name
}

// Description returns the free-form description recorded in the metadata.
func (m *Model) Description() string { return m.description }

// SetInfo records the model name and description in the metadata file.
func (m *Model) SetInfo(name, description string) error {
	m.name = name
	m.description = description
	return m.writeMetadata()
}

// stepsPerEpoch for a single-style-image dataset: every step sees the
// (repeated) style image once.
const stepsPerEpoch = 1

// Create fine-tunes the pretrained base generator on the style dataset and
// leaves the resulting model checkpointed under modelDir.
//
// The base bundle checkpoint is copied into modelDir first, so the model
// directory is self-contained; if modelDir already holds a checkpoint,
// training resumes from it instead.
func Create(backend backends.Backend, ds *Dataset, modelDir string, opts Options) (*Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if modelDir == "" {
		return nil, errors.New("empty model directory")
	}
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return nil, err
	}

	if !hasCheckpoint(modelDir) {
		baseDir, err := EnsureBaseModel(opts.BaseModelDir, opts.Model)
		if err != nil {
			return nil, err
		}
		if err := copyCheckpoint(baseDir, modelDir); err != nil {
			return nil, errors.Wrapf(err, "failed to seed model directory %q from base bundle", modelDir)
		}
	}

	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: opts.HParams.LearningRate,
		"batch_size":                 opts.HParams.BatchSize,
	})

	// Immediate materializes the checkpoint variables right away, instead
	// of lazily on first use: the freeze pass in train enumerates them.
	checkpoint, err := checkpoints.Build(ctx).Dir(modelDir).Keep(3).Immediate().Done()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint in %q", modelDir)
	}

	m := &Model{
		opts:       opts,
		backend:    backend,
		ctx:        ctx,
		dir:        modelDir,
		checkpoint: checkpoint,
	}
	if err := m.train(ds); err != nil {
		return nil, err
	}
	if err := checkpoint.Save(); err != nil {
		return nil, errors.Wrap(err, "failed to save fine-tuned checkpoint")
	}
	if err := m.writeMetadata(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) train(ds *Dataset) error {
	opts := m.opts
	start := time.Now()

	// Only the decoder is fine-tuned: encoder, latent average and critic
	// stay frozen as shipped in the base bundle.
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if !strings.HasPrefix(v.Scope(), "/model/decoder") {
			v.SetTrainable(false)
		}
	})

	// The model function returns the scalar loss as its second output;
	// the trainer's loss function just picks it up.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	lossMetricFn := func(ctx *context.Context, labels, predictions []*Node) *Node {
		return predictions[1]
	}
	pprintLossFn := func(t *tensors.Tensor) string {
		return fmt.Sprintf("%.4f", t.Value())
	}
	movingLoss := metrics.NewExponentialMovingAverageMetric(
		"Moving Fine-Tuning Loss", "~loss", "loss", lossMetricFn, pprintLossFn, 0.1)

	trainer := train.NewTrainer(
		m.backend, m.ctx, trainingModelFn(opts), customLoss,
		optimizers.Adam().FromContext(m.ctx).Done(),
		[]metrics.Interface{movingLoss}, // trainMetrics
		nil)                             // evalMetrics

	loop := train.NewLoop(trainer)
	if opts.Verbose {
		commandline.AttachProgressBar(loop)
	}

	train.EveryNSteps(loop, stepsPerEpoch, "recording epoch loss", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			if len(metrics) == 0 {
				return nil
			}
			m.Result.Loss = append(m.Result.Loss, scalarToFloat32(metrics[0]))
			return nil
		})
	train.PeriodicCallback(loop, 30*time.Second, false, "saving checkpoint", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return m.checkpoint.Save()
		})

	numSteps := opts.HParams.Epochs * stepsPerEpoch
	globalStep := int(optimizers.GetGlobalStep(m.ctx))
	if globalStep > 0 {
		klog.V(1).Infof("resuming fine-tuning from global step %d", globalStep)
		m.ctx = m.ctx.Reuse()
		trainer.SetContext(m.ctx)
	}

	err := exceptions.TryCatch[error](func() {
		if _, err := loop.RunSteps(ds, numSteps); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.Wrap(err, "fine-tuning failed")
	}

	m.Result.Epochs = opts.HParams.Epochs
	m.Result.Steps = numSteps
	if n := len(m.Result.Loss); n > 0 {
		m.Result.FinalLoss = m.Result.Loss[n-1]
	}
	m.Result.Elapsed = time.Since(start).Round(time.Millisecond).String()
	klog.V(1).Infof("fine-tuned %s for %d steps in %s (final loss %.4f)",
		opts.Model, numSteps, m.Result.Elapsed, m.Result.FinalLoss)
	return nil
}

// InitFromBase seeds modelDir from the pretrained base bundle without any
// fine-tuning. The resulting model stylizes with the base weights alone,
// which makes it a usable default until a style is trained in.
func InitFromBase(backend backends.Backend, modelDir string, opts Options) (*Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return nil, err
	}

	if !hasCheckpoint(modelDir) {
		baseDir, err := EnsureBaseModel(opts.BaseModelDir, opts.Model)
		if err != nil {
			return nil, err
		}
		if err := copyCheckpoint(baseDir, modelDir); err != nil {
			return nil, errors.Wrapf(err, "failed to seed model directory %q from base bundle", modelDir)
		}
	}

	ctx := context.New()
	checkpoint, err := checkpoints.Build(ctx).Dir(modelDir).Keep(3).Done()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint in %q", modelDir)
	}

	m := &Model{
		opts:       opts,
		backend:    backend,
		ctx:        ctx,
		dir:        modelDir,
		checkpoint: checkpoint,
	}
	if err := m.writeMetadata(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load opens an already fine-tuned (or freshly seeded) model directory for
// inference and export.
func Load(backend backends.Backend, modelDir string) (*Model, error) {
	md, err := readMetadata(modelDir)
	if err != nil {
		return nil, err
	}

	ctx := context.New()
	checkpoint, err := checkpoints.Build(ctx).Dir(modelDir).Keep(3).Done()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint from %q", modelDir)
	}

	return &Model{
		opts:        md.Options,
		backend:     backend,
		ctx:         ctx,
		dir:         modelDir,
		checkpoint:  checkpoint,
		name:        md.Name,
		description: md.Description,
		Result:      md.TrainingResult,
	}, nil
}

func scalarToFloat32(t *tensors.Tensor) float32 {
	switch v := t.Value().(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return 0
}

// hasCheckpoint reports whether dir already holds a gomlx checkpoint.
func hasCheckpoint(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "checkpoint") {
			return true
		}
	}
	return false
}

// copyCheckpoint copies every checkpoint file from srcDir into dstDir.
func copyCheckpoint(srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(path.Join(srcDir, entry.Name()), path.Join(dstDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
