package visualization

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
)

// paletteSize is the number of colors sampled from a color map.
const paletteSize = 256

// colors implements palette.Palette over a fixed list.
type colors []color.Color

func (c colors) Colors() []color.Color { return c }

// Colormap returns the palette registered under name: cold_hot (diverging
// blue to red), hot (black body), autumn (red to yellow) or gray.
func Colormap(name string) (palette.Palette, error) {
	switch name {
	case "", "cold_hot":
		cm := moreland.SmoothBlueRed()
		cm.SetMin(0)
		cm.SetMax(1)
		cm.SetConvergePoint(0.5)
		return cm.Palette(paletteSize), nil
	case "hot":
		cm := moreland.ExtendedBlackBody()
		cm.SetMin(0)
		cm.SetMax(1)
		return cm.Palette(paletteSize), nil
	case "autumn":
		return ramp(color.RGBA{R: 255, A: 255}, color.RGBA{R: 255, G: 255, A: 255}), nil
	case "gray":
		return ramp(color.RGBA{A: 255}, color.RGBA{R: 255, G: 255, B: 255, A: 255}), nil
	}
	return nil, fmt.Errorf("unknown colormap: %s (must be cold_hot, hot, autumn or gray)", name)
}

// diverging reports whether the colormap is centered on zero.
func diverging(name string) bool {
	return name == "" || name == "cold_hot"
}

// ramp interpolates linearly between two opaque colors.
func ramp(from, to color.RGBA) colors {
	out := make(colors, paletteSize)
	for n := range out {
		f := float64(n) / float64(paletteSize-1)
		out[n] = color.RGBA{
			R: lerp(from.R, to.R, f),
			G: lerp(from.G, to.G, f),
			B: lerp(from.B, to.B, f),
			A: 255,
		}
	}
	return out
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*f + 0.5)
}

// hexColors converts a palette to the #rrggbb strings used by echarts.
func hexColors(p palette.Palette, n int) []string {
	cols := p.Colors()
	out := make([]string, n)
	for i := range out {
		idx := i * (len(cols) - 1) / (n - 1)
		r, g, b, _ := cols[idx].RGBA()
		out[i] = fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8)
	}
	return out
}
