package stylizer

import (
	"fmt"

	"github.com/pkg/errors"
)

// SupportedModel selects the pretrained face-stylization base model to
// fine-tune from.
type SupportedModel int

const (
	// BlazeFaceStylizer256 is a 256x256 encoder/decoder generator with a
	// w+ latent space of NumStyleLayers layers.
	BlazeFaceStylizer256 SupportedModel = iota
)

func (m SupportedModel) String() string {
	switch m {
	case BlazeFaceStylizer256:
		return "blaze_face_stylizer_256"
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// InputSize returns the expected square input resolution of the base model.
func (m SupportedModel) InputSize() int {
	switch m {
	case BlazeFaceStylizer256:
		return 256
	}
	return 0
}

const (
	// NumStyleLayers is the number of per-layer latent codes of the
	// generator (two per resolution level, 8x8 up to 256x256).
	NumStyleLayers = 12

	// LatentDim is the width of each per-layer latent code.
	LatentDim = 512
)

// PerceptionLoss weighs the image-space and feature-space reconstruction
// terms of the fine-tuning loss.
type PerceptionLoss struct {
	// L1 weighs the pixel-wise absolute error.
	L1 float64 `yaml:"l1"`

	// Content weighs the encoder-feature distance.
	Content float64 `yaml:"content"`

	// Style weighs the gram-matrix distance of encoder features.
	Style float64 `yaml:"style"`
}

// ModelOptions configures how the style latent codes are blended into the
// generator during fine-tuning.
type ModelOptions struct {
	// SwapLayers lists the latent layers at which the style latent code
	// replaces the average latent code during training. Valid indices are
	// [0, NumStyleLayers).
	SwapLayers []int `yaml:"swapLayers"`

	// Alpha is the blending strength at the swap layers: 1.0 uses the
	// style code alone, 0.0 disables the swap.
	Alpha float64 `yaml:"alpha"`

	// Perception weighs the reconstruction losses.
	Perception PerceptionLoss `yaml:"perception"`

	// AdvLossWeight weighs the least-squares adversarial term computed
	// against the frozen critic head of the base bundle.
	AdvLossWeight float64 `yaml:"advLossWeight"`
}

// HParams are the fine-tuning hyperparameters.
type HParams struct {
	LearningRate float64 `yaml:"learningRate"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batchSize"`
}

// Options is everything Create needs besides the dataset: which base model
// to start from, how to blend the style, and how to train.
type Options struct {
	Model SupportedModel `yaml:"model"`

	ModelOptions ModelOptions `yaml:"modelOptions"`
	HParams      HParams      `yaml:"hparams"`

	// BaseModelDir is the directory holding the pretrained base bundles.
	// Empty selects the default location.
	BaseModelDir string `yaml:"-"`

	// Verbose attaches a progress bar to the training loop.
	Verbose bool `yaml:"-"`
}

// DefaultOptions returns the one-shot face-stylization recipe.
func DefaultOptions() Options {
	return Options{
		Model: BlazeFaceStylizer256,
		ModelOptions: ModelOptions{
			SwapLayers: []int{8, 9, 10, 11},
			Alpha:      1.0,
			Perception: PerceptionLoss{
				L1:      0.5,
				Content: 4.0,
				Style:   1.0,
			},
			AdvLossWeight: 0.2,
		},
		HParams: HParams{
			LearningRate: 8e-4,
			Epochs:       100,
			BatchSize:    4,
		},
	}
}

// Validate checks option ranges before any training work starts.
func (o Options) Validate() error {
	if o.Model.InputSize() == 0 {
		return errors.Errorf("unsupported base model: %s", o.Model)
	}
	if len(o.ModelOptions.SwapLayers) == 0 {
		return errors.New("at least one swap layer is required")
	}
	for _, layer := range o.ModelOptions.SwapLayers {
		if layer < 0 || layer >= NumStyleLayers {
			return errors.Errorf("swap layer %d out of range [0, %d)", layer, NumStyleLayers)
		}
	}
	if o.ModelOptions.Alpha < 0 || o.ModelOptions.Alpha > 1 {
		return errors.Errorf("alpha must be in [0, 1], got %g", o.ModelOptions.Alpha)
	}
	if o.HParams.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", o.HParams.LearningRate)
	}
	if o.HParams.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0, got %d", o.HParams.Epochs)
	}
	if o.HParams.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", o.HParams.BatchSize)
	}
	return nil
}
