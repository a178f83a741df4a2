package stylizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())

	assert.Equal(t, BlazeFaceStylizer256, opts.Model)
	assert.Equal(t, 256, opts.Model.InputSize())
	assert.Equal(t, []int{8, 9, 10, 11}, opts.ModelOptions.SwapLayers)
	assert.Equal(t, 1.0, opts.ModelOptions.Alpha)
	assert.Equal(t, 8e-4, opts.HParams.LearningRate)
	assert.Equal(t, 100, opts.HParams.Epochs)
	assert.Equal(t, 4, opts.HParams.BatchSize)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		errMsg string
	}{
		{
			name:   "valid",
			mutate: func(o *Options) {},
		},
		{
			name:   "unsupported model",
			mutate: func(o *Options) { o.Model = SupportedModel(99) },
			errMsg: "unsupported base model",
		},
		{
			name:   "no swap layers",
			mutate: func(o *Options) { o.ModelOptions.SwapLayers = nil },
			errMsg: "at least one swap layer",
		},
		{
			name:   "swap layer out of range",
			mutate: func(o *Options) { o.ModelOptions.SwapLayers = []int{NumStyleLayers} },
			errMsg: "out of range",
		},
		{
			name:   "negative swap layer",
			mutate: func(o *Options) { o.ModelOptions.SwapLayers = []int{-1} },
			errMsg: "out of range",
		},
		{
			name:   "alpha above range",
			mutate: func(o *Options) { o.ModelOptions.Alpha = 1.5 },
			errMsg: "alpha",
		},
		{
			name:   "zero learning rate",
			mutate: func(o *Options) { o.HParams.LearningRate = 0 },
			errMsg: "learning rate",
		},
		{
			name:   "zero epochs",
			mutate: func(o *Options) { o.HParams.Epochs = 0 },
			errMsg: "epochs",
		},
		{
			name:   "zero batch size",
			mutate: func(o *Options) { o.HParams.BatchSize = 0 },
			errMsg: "batch size",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts := DefaultOptions()
			test.mutate(&opts)

			err := opts.Validate()
			if test.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), test.errMsg)
			}
		})
	}
}

func TestSupportedModelString(t *testing.T) {
	assert.Equal(t, "blaze_face_stylizer_256", BlazeFaceStylizer256.String())
	assert.Contains(t, SupportedModel(99).String(), "unknown")
	assert.Equal(t, 0, SupportedModel(99).InputSize())
}
