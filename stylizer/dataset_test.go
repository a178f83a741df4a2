package stylizer

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage builds a gradient image, so crops and resizes have something
// to chew on.
func testImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8(x * 255 / width),
				G: uint8(y * 255 / height),
				B: 128,
				A: 255,
			})
		}
	}
	return img
}

func TestDatasetFromImageData(t *testing.T) {
	opts := DefaultOptions()
	ds, err := DatasetFromImageData(testImage(640, 480), opts)
	require.NoError(t, err)

	assert.Equal(t, "style", ds.Name())

	size := opts.Model.InputSize()
	bounds := ds.StyleImage().Bounds().Size()
	assert.Equal(t, size, bounds.X)
	assert.Equal(t, size, bounds.Y)

	spec, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, ds, spec)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)

	dims := inputs[0].Shape().Dimensions
	assert.Equal(t, []int{opts.HParams.BatchSize, size, size, 3}, dims)

	// The style image doubles as the label.
	assert.Same(t, inputs[0], labels[0])

	// Infinite dataset: yields forever, Reset is a no-op.
	ds.Reset()
	_, inputs2, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Same(t, inputs[0], inputs2[0])
}

func TestDatasetFromImageDataInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.HParams.BatchSize = 0

	_, err := DatasetFromImageData(testImage(64, 64), opts)
	assert.Error(t, err)
}

func TestDatasetFromImageFile(t *testing.T) {
	dir := t.TempDir()
	imagePath := path.Join(dir, "style.png")

	f, err := os.Create(imagePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, testImage(320, 320)))
	require.NoError(t, f.Close())

	ds, err := DatasetFromImage(imagePath, DefaultOptions())
	require.NoError(t, err)
	assert.NotNil(t, ds.StyleImage())

	_, err = DatasetFromImage(path.Join(dir, "missing.png"), DefaultOptions())
	assert.Error(t, err)
}

func TestCropFace(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
	}{
		{"landscape", 640, 480},
		{"portrait", 480, 640},
		{"square", 512, 512},
		{"smaller than target", 100, 80},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cropped := CropFace(testImage(test.width, test.height), 256)
			bounds := cropped.Bounds().Size()
			assert.Equal(t, 256, bounds.X)
			assert.Equal(t, 256, bounds.Y)
		})
	}
}

func TestImageToBatch(t *testing.T) {
	batch := imageToBatch(testImage(500, 300), 256)
	assert.Equal(t, []int{1, 256, 256, 3}, batch.Shape().Dimensions)
}
