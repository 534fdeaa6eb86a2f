package visualization

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgeps"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgpdf"
	"gonum.org/v1/plot/vg/vgsvg"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
	"neuroplot/pkg/ndimage"
)

var (
	// ErrEmptyVolume is returned when there is no volume to plot.
	ErrEmptyVolume = errors.New("visualization: empty volume")

	// ErrUnsupportedFormat is returned for output formats no backend handles.
	ErrUnsupportedFormat = errors.New("visualization: unsupported output format")
)

// Options controls PlotMap. The zero value is not usable, start from
// DefaultOptions.
type Options struct {
	// DisplayMode is ortho, x, y, z or a pair of axes such as xz.
	DisplayMode string

	// CutCoords is the physical point the cuts go through. Nil finds the
	// point automatically.
	CutCoords *[3]float64

	// Colormap is cold_hot, hot, autumn or gray.
	Colormap string

	// ThresholdAuto replaces the threshold by the 80th percentile of |values|.
	ThresholdAuto bool

	// OneSided hides v < threshold instead of |v| <= threshold.
	OneSided bool

	// Projection draws maximum intensity projections instead of cuts.
	Projection bool

	// VMin and VMax fix the color range. Both zero picks it from the data.
	VMin, VMax float64

	// Background is drawn in gray below the map.
	Background *models.Image

	Title    string
	Colorbar bool

	// Annotate labels every panel with its cut position.
	Annotate bool

	// Width and Height of the figure in inches.
	Width, Height float64

	// Format used by WriteTo: png, jpg, tiff, svg, pdf or eps.
	Format string
}

// DefaultOptions returns an orthogonal cold_hot display with a colorbar.
func DefaultOptions() *Options {
	return &Options{
		DisplayMode: "ortho",
		Colormap:    "cold_hot",
		Colorbar:    true,
		Annotate:    true,
		Width:       9,
		Height:      3,
		Format:      "png",
	}
}

// Panel is one drawn cut or projection.
type Panel struct {
	Cut        *models.Slice
	Background *models.Slice

	// Label replaces the figure title above this panel.
	Label string
}

// Display is a rendered figure. It holds copies of the drawn planes, so the
// volume passed to PlotMap may be released once PlotMap returns.
type Display struct {
	Panels    []Panel
	Threshold float64
	VMin      float64
	VMax      float64

	// CutCoords is the physical point the cuts go through.
	CutCoords [3]float64

	opts    Options
	palette palette.Palette
	bgRange [2]float64
}

// PlotMap draws vol, placed in space by affine, hiding the voxels whose
// magnitude is at or below threshold. A NaN threshold disables
// thresholding. Memory-mapped and in-memory arrays holding the same values
// produce identical figures.
func PlotMap(vol array.Array, affine models.Affine, threshold float64, opts *Options) (d *Display, err error) {
	if vol == nil || vol.Len() == 0 {
		return nil, ErrEmptyVolume
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("plot map: %w", e)
			} else {
				err = fmt.Errorf("plot map: %v", r)
			}
			d = nil
		}
	}()

	mode, err := ParseDisplayMode(opts.DisplayMode)
	if err != nil {
		return nil, err
	}
	pal, err := Colormap(opts.Colormap)
	if err != nil {
		return nil, err
	}

	d = &Display{opts: *opts, palette: pal}
	if d.opts.Format == "" {
		d.opts.Format = "png"
	}
	if d.opts.Width <= 0 || d.opts.Height <= 0 {
		d.opts.Width, d.opts.Height = 3*float64(len(mode)), 3
	}

	if opts.ThresholdAuto {
		threshold = ndimage.AbsPercentile(vol, activationPercentile)
	}
	d.Threshold = threshold

	if opts.CutCoords != nil {
		d.CutCoords = *opts.CutCoords
	} else {
		d.CutCoords = findCutCoords(vol, affine, threshold)
	}

	var bg array.Array
	if opts.Background != nil && opts.Background.Data != nil {
		bg, err = ndimage.ResampleNearest(opts.Background.Data, opts.Background.Affine, vol.Shape(), affine, math.NaN())
		if err != nil {
			return nil, fmt.Errorf("resampling background: %w", err)
		}
		s := array.Stats(bg)
		d.bgRange = [2]float64{s.Min, s.Max}
	}

	for _, axis := range mode {
		var p Panel
		if opts.Projection {
			p.Cut = extractProjection(vol, axis)
			if bg != nil {
				p.Background = extractProjection(bg, axis)
			}
		} else {
			idx, err := cutIndex(vol.Shape(), affine, axis, d.CutCoords)
			if err != nil {
				return nil, err
			}
			p.Cut = extractCut(vol, axis, idx)
			p.Cut.Coord = d.CutCoords[axis.Index()]
			if bg != nil {
				p.Background = extractCut(bg, axis, idx)
			}
		}
		hide(p.Cut, threshold, opts.OneSided)
		d.Panels = append(d.Panels, p)
	}

	d.VMin, d.VMax = colorRange(vol, opts)
	return d, nil
}

// Join places the panels of several displays side by side in one figure
// with a single colorbar. The colormap and color range are those of the
// first display, and the title of each display labels its first panel.
func Join(displays ...*Display) (*Display, error) {
	if len(displays) == 0 {
		return nil, ErrEmptyVolume
	}
	first := displays[0]
	d := &Display{
		Threshold: first.Threshold,
		VMin:      first.VMin,
		VMax:      first.VMax,
		CutCoords: first.CutCoords,
		opts:      first.opts,
		palette:   first.palette,
	}
	d.opts.Title = ""
	d.opts.Width = 0

	haveBg := false
	for _, o := range displays {
		for n, p := range o.Panels {
			if n == 0 && p.Label == "" {
				p.Label = o.opts.Title
			}
			d.Panels = append(d.Panels, p)
		}
		d.opts.Width += o.opts.Width
		if !o.hasBackground() {
			continue
		}
		if !haveBg {
			d.bgRange, haveBg = o.bgRange, true
			continue
		}
		d.bgRange[0] = math.Min(d.bgRange[0], o.bgRange[0])
		d.bgRange[1] = math.Max(d.bgRange[1], o.bgRange[1])
	}
	return d, nil
}

func (d *Display) hasBackground() bool {
	for _, p := range d.Panels {
		if p.Background != nil {
			return true
		}
	}
	return false
}

// hide replaces the values that are not displayed by NaN.
func hide(s *models.Slice, threshold float64, oneSided bool) {
	if math.IsNaN(threshold) {
		return
	}
	for n, v := range s.Values {
		if oneSided && v < threshold || !oneSided && math.Abs(v) <= threshold {
			s.Values[n] = math.NaN()
		}
	}
}

// colorRange is symmetric around zero for diverging two-sided maps and
// spans the data otherwise.
func colorRange(vol array.Array, opts *Options) (float64, float64) {
	vmin, vmax := opts.VMin, opts.VMax
	if vmin == 0 && vmax == 0 {
		s := array.Stats(vol)
		switch {
		case s.NaNs == vol.Len():
			vmin, vmax = 0, 1
		case diverging(opts.Colormap) && !opts.OneSided:
			vmin, vmax = -s.MaxAbs, s.MaxAbs
		default:
			vmin, vmax = s.Min, s.Max
		}
	}
	if !(vmax > vmin) {
		vmin, vmax = vmin-1, vmax+1
	}
	return vmin, vmax
}

// Save writes the figure to path, choosing the backend from the extension.
func (d *Display) Save(path string) (err error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	w, h := d.size()
	c, err := newCanvas(w, h, format)
	if err != nil {
		return err
	}
	if err := d.render(c); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = c.WriteTo(file)
	return err
}

// WriteTo writes the figure in the format given by Options.Format.
func (d *Display) WriteTo(w io.Writer) (int64, error) {
	width, height := d.size()
	c, err := newCanvas(width, height, d.opts.Format)
	if err != nil {
		return 0, err
	}
	if err := d.render(c); err != nil {
		return 0, err
	}
	return c.WriteTo(w)
}

func (d *Display) size() (vg.Length, vg.Length) {
	return vg.Length(d.opts.Width) * vg.Inch, vg.Length(d.opts.Height) * vg.Inch
}

// newCanvas returns a headless canvas for format.
func newCanvas(w, h vg.Length, format string) (vg.CanvasWriterTo, error) {
	switch format {
	case "png":
		return vgimg.PngCanvas{Canvas: vgimg.New(w, h)}, nil
	case "jpg", "jpeg":
		return vgimg.JpegCanvas{Canvas: vgimg.New(w, h)}, nil
	case "tif", "tiff":
		return vgimg.TiffCanvas{Canvas: vgimg.New(w, h)}, nil
	case "svg":
		return vgsvg.New(w, h), nil
	case "pdf":
		return vgpdf.New(w, h), nil
	case "eps":
		return vgeps.New(w, h), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// render draws every panel, and the colorbar, onto c.
func (d *Display) render(c vg.CanvasSizer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rendering figure: %v", r)
		}
	}()

	dc := draw.New(c)
	if d.opts.Colorbar {
		width := dc.Max.X - dc.Min.X
		barWidth := width / vg.Length(4*len(d.Panels)+1)
		bar := d.colorbar()
		bar.Draw(draw.Crop(dc, width-barWidth, 0, 0, 0))
		dc = draw.Crop(dc, 0, -barWidth, 0, 0)
	}

	plots := make([]*plot.Plot, len(d.Panels))
	for n, panel := range d.Panels {
		plots[n] = d.panelPlot(n, panel)
	}
	tiles := draw.Tiles{Rows: 1, Cols: len(plots), PadX: vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{plots}, tiles, dc)
	for n, p := range plots {
		p.Draw(canvases[0][n])
	}
	return nil
}

func (d *Display) panelPlot(n int, panel Panel) *plot.Plot {
	p := plot.New()
	p.HideAxes()

	if panel.Background != nil {
		gray, _ := Colormap("gray")
		bg := plotter.NewHeatMap(sliceGrid{panel.Background}, gray)
		bg.Min, bg.Max = d.bgRange[0], d.bgRange[1]
		if !(bg.Max > bg.Min) {
			bg.Min, bg.Max = bg.Min-1, bg.Max+1
		}
		p.Add(bg)
	}

	hm := plotter.NewHeatMap(sliceGrid{panel.Cut}, d.palette)
	hm.Min, hm.Max = d.VMin, d.VMax
	hm.Underflow = d.palette.Colors()[0]
	hm.Overflow = d.palette.Colors()[len(d.palette.Colors())-1]
	p.Add(hm)

	var title []string
	switch {
	case panel.Label != "":
		title = append(title, panel.Label)
	case n == 0 && d.opts.Title != "":
		title = append(title, d.opts.Title)
	}
	if d.opts.Annotate {
		if panel.Cut.Index < 0 {
			title = append(title, panel.Cut.Axis.String())
		} else {
			title = append(title, fmt.Sprintf("%s=%d", panel.Cut.Axis, int(math.Round(panel.Cut.Coord))))
		}
	}
	p.Title.Text = strings.Join(title, "  ")
	return p
}

// colorbar is a two column heat map spanning the color range.
func (d *Display) colorbar() *plot.Plot {
	p := plot.New()
	p.HideX()
	hm := plotter.NewHeatMap(barGrid{min: d.VMin, max: d.VMax, n: paletteSize}, d.palette)
	hm.Min, hm.Max = d.VMin, d.VMax
	p.Add(hm)
	return p
}

// sliceGrid adapts a slice to plotter.GridXYZ in voxel units.
type sliceGrid struct {
	s *models.Slice
}

func (g sliceGrid) Dims() (c, r int)   { return g.s.Width, g.s.Height }
func (g sliceGrid) Z(c, r int) float64 { return g.s.At(c, r) }
func (g sliceGrid) X(c int) float64    { return float64(c) }
func (g sliceGrid) Y(r int) float64    { return float64(r) }

type barGrid struct {
	min, max float64
	n        int
}

func (g barGrid) Dims() (c, r int)   { return 2, g.n }
func (g barGrid) Z(c, r int) float64 { return g.Y(r) }
func (g barGrid) X(c int) float64    { return float64(c) }
func (g barGrid) Y(r int) float64 {
	return g.min + (g.max-g.min)*float64(r)/float64(g.n-1)
}
