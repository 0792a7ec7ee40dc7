package segmentation

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"

	"historeg/pkg/atlas"
)

// RegionColor derives a stable, well-separated color for a region id by
// stepping the hue with the golden angle. Background has no color.
func RegionColor(id uint32) colorful.Color {
	hue := float64((id * 137) % 360)
	return colorful.Hsv(hue, 0.65, 0.95)
}

// OverlayOptions controls overlay rendering.
type OverlayOptions struct {
	// FillAlpha is the opacity of the region fill, in [0, 1]. Zero disables
	// the fill and leaves only outlines.
	FillAlpha float64

	// LineWidth is the outline stroke width in pixels.
	LineWidth float64
}

// DefaultOverlayOptions returns the rendering defaults: a translucent fill
// with a thin outline.
func DefaultOverlayOptions() OverlayOptions {
	return OverlayOptions{FillAlpha: 0.35, LineWidth: 1}
}

// RenderOverlay draws the segmentation over the grayscale target image:
// each region gets a translucent fill in its stable color plus a traced
// outline. The background image values are expected in [0, 1]; the label
// map and image must agree in shape.
func RenderOverlay(gray []float64, m *LabelMap, opts OverlayOptions) (image.Image, error) {
	h, w := m.Shape[0], m.Shape[1]
	if len(gray) != h*w {
		return nil, fmt.Errorf("image has %d pixels, label map shape %v needs %d", len(gray), m.Shape, h*w)
	}

	dc := gg.NewContext(w, h)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			v := gray[i*w+j]
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			g := uint8(v * 255)
			dc.SetColor(color.RGBA{g, g, g, 255})
			dc.SetPixel(j, i)
		}
	}

	for _, id := range m.Regions() {
		c := RegionColor(id)
		if opts.FillAlpha > 0 {
			fill := color.NRGBA{
				R: uint8(c.R * 255),
				G: uint8(c.G * 255),
				B: uint8(c.B * 255),
				A: uint8(opts.FillAlpha * 255),
			}
			dc.SetColor(fill)
			for i := 0; i < h; i++ {
				for j := 0; j < w; j++ {
					if m.At(i, j) == id {
						dc.SetPixel(j, i)
					}
				}
			}
		}

		contour := m.Outline(id)
		if len(contour) < 2 {
			continue
		}
		dc.SetColor(color.NRGBA{
			R: uint8(c.R * 255),
			G: uint8(c.G * 255),
			B: uint8(c.B * 255),
			A: 255,
		})
		dc.SetLineWidth(opts.LineWidth)
		dc.MoveTo(float64(contour[0][1])+0.5, float64(contour[0][0])+0.5)
		for _, p := range contour[1:] {
			dc.LineTo(float64(p[1])+0.5, float64(p[0])+0.5)
		}
		dc.ClosePath()
		dc.Stroke()
	}

	return dc.Image(), nil
}

// SavePNG renders the overlay and writes it to path.
func SavePNG(path string, gray []float64, m *LabelMap, opts OverlayOptions) error {
	img, err := RenderOverlay(gray, m, opts)
	if err != nil {
		return err
	}
	if err := gg.SavePNG(path, img); err != nil {
		return fmt.Errorf("write overlay %s: %w", path, err)
	}
	return nil
}

// regionName resolves a label against the table, with a stable fallback for
// ids the table does not know.
func regionName(table *atlas.RegionTable, id uint32) string {
	if table != nil {
		if r, ok := table.Lookup(id); ok {
			return r.Name
		}
	}
	return fmt.Sprintf("region %d", id)
}
