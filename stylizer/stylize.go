package stylizer

import (
	"image"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Stylize runs the fine-tuned generator on a test face image and returns
// the stylized face at the base model resolution.
func (m *Model) Stylize(img image.Image) (image.Image, error) {
	exec, err := m.getStylizeExec()
	if err != nil {
		return nil, err
	}

	batch := imageToBatch(img, m.opts.Model.InputSize())
	var styled image.Image
	err = exceptions.TryCatch[error](func() {
		outputs, err := exec.Exec(batch)
		if err != nil {
			panic(err)
		}
		styled = timage.ToImage().Single(outputs[0])
	})
	if err != nil {
		return nil, errors.Wrap(err, "stylize failed")
	}
	return styled, nil
}

// StylizeFile is Stylize for an image file on disk.
func (m *Model) StylizeFile(imagePath string) (image.Image, error) {
	img, err := LoadImage(imagePath)
	if err != nil {
		return nil, err
	}
	return m.Stylize(img)
}

// getStylizeExec builds the inference executor on first use. The executor
// is shared, so it is built once under lock and reused without it
// afterwards.
func (m *Model) getStylizeExec() (*context.Exec, error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	if m.stylizeExec != nil {
		return m.stylizeExec, nil
	}

	exec, err := context.NewExec(m.backend, m.ctx.Reuse(),
		func(ctx *context.Context, input *Node) *Node {
			return generatorGraph(ctx.In("model"), input, m.opts)
		})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build stylize executor")
	}
	m.stylizeExec = exec
	return exec, nil
}
