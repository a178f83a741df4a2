package registry

import (
	"bytes"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/pkg/errors"

	"github.com/harrison-roh/face-stylization-with-transfer-learning/stylizer"
)

// stylizeImageData decodes the uploaded image, runs the stylizer and
// re-encodes the result. Output is always png, whatever came in.
func stylizeImageData(m *stylizer.Model, imageData []byte) ([]byte, string, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to decode input image")
	}

	styled, err := m.Stylize(img)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, styled); err != nil {
		return nil, "", errors.Wrap(err, "failed to encode stylized image")
	}
	return buf.Bytes(), "png", nil
}
