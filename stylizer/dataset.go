package stylizer

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Dataset yields the single style image as a training batch. It implements
// train.Dataset and never ends: fine-tuning runs for a fixed number of
// steps, every one of them on the same (repeated) style image.
type Dataset struct {
	name string
	size int

	styleImage image.Image
	batch      *tensors.Tensor
	batchSize  int
}

var _ train.Dataset = &Dataset{}

// DatasetFromImage builds the fine-tuning dataset from a single style image
// file. The image is face-cropped (center square), resized to the base
// model input resolution and converted to a [batchSize, size, size, 3]
// tensor of Float32 values in [0, 1].
func DatasetFromImage(imagePath string, opts Options) (*Dataset, error) {
	img, err := LoadImage(imagePath)
	if err != nil {
		return nil, err
	}
	return DatasetFromImageData(img, opts)
}

// DatasetFromImageData is DatasetFromImage for an already decoded image.
func DatasetFromImageData(img image.Image, opts Options) (*Dataset, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	size := opts.Model.InputSize()
	img = CropFace(img, size)

	batchImages := make([]image.Image, opts.HParams.BatchSize)
	for i := range batchImages {
		batchImages[i] = img
	}
	batch := timage.ToTensor(dtypes.Float32).Batch(batchImages)

	return &Dataset{
		name:       "style",
		size:       size,
		styleImage: img,
		batch:      batch,
		batchSize:  opts.HParams.BatchSize,
	}, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Yield implements train.Dataset. The style image is both input and label.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	inputs = []*tensors.Tensor{ds.batch}
	labels = []*tensors.Tensor{ds.batch}
	return
}

// Reset implements train.Dataset. It is a no-op: the dataset is infinite.
func (ds *Dataset) Reset() {}

// StyleImage returns the cropped style image the dataset was built from.
func (ds *Dataset) StyleImage() image.Image { return ds.styleImage }

// LoadImage decodes a jpeg or png image from disk.
func LoadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imagePath)
	}
	return img, nil
}

// CropFace center-crops the largest square from img and resizes it to
// size x size. The base models expect roughly aligned portrait crops, and
// a center square over a portrait shot is a close proxy.
func CropFace(img image.Image, size int) image.Image {
	bounds := img.Bounds().Size()
	side := bounds.X
	if bounds.Y < side {
		side = bounds.Y
	}
	img = imaging.CropCenter(img, side, side)
	return imaging.Resize(img, size, size, imaging.Lanczos)
}

// imageToBatch converts a single image to a [1, size, size, 3] tensor the
// way the Dataset does, for inference.
func imageToBatch(img image.Image, size int) *tensors.Tensor {
	img = CropFace(img, size)
	return timage.ToTensor(dtypes.Float32).Batch([]image.Image{img})
}
