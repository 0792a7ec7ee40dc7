package session

import (
	"fmt"
	"image"
	"os"

	// Slide scanners export whichever of these formats their vendor picked;
	// registering the decoders lets image.Decode sort it out.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"historeg/pkg/atlas"
)

// LoadImage decodes a histology slide image (PNG, JPEG, TIFF or BMP) into a
// grayscale 2D volume with intensities in [0, 1]. Pixel spacing starts at 1
// until the target is calibrated.
func LoadImage(path string) (*atlas.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", path, err)
	}
	return fromImage(img)
}

func fromImage(img image.Image) (*atlas.Volume, error) {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	data := make([]float64, h*w)
	idx := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Rec. 601 luma over the 16-bit channel range.
			data[idx] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 65535
			idx++
		}
	}
	return atlas.NewVolume(data, [3]int{1, h, w}, [3]float64{1, 1, 1})
}

// LoadTargetImage decodes and attaches a target's image.
func (t *Target) LoadTargetImage() error {
	vol, err := LoadImage(t.ImagePath)
	if err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	t.Image = vol
	t.PixDim = [2]float64{1, 1}
	return nil
}
