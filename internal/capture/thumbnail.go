package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/facegate/internal/types"
)

// thumbnail crops frame to the face region (with a margin) when one is given
// and scales it so the longest side is maxSize.
func thumbnail(frame []byte, region *types.Region, maxSize int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	bounds := img.Bounds()
	if region != nil {
		top, right, bottom, left := region[0], region[1], region[2], region[3]
		margin := (bottom - top) / 4
		crop := image.Rect(left-margin, top-margin, right+margin, bottom+margin).Intersect(bounds)
		if !crop.Empty() {
			bounds = crop
		}
	}

	width, height := bounds.Dx(), bounds.Dy()
	newWidth, newHeight := width, height
	if width > maxSize || height > maxSize {
		if width > height {
			newWidth = maxSize
			newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
		} else {
			newHeight = maxSize
			newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
		}
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
