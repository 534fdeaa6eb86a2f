package visualization

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"neuroplot/internal/models"
	"neuroplot/pkg/array"
)

// ViewHTML writes an interactive page showing the cut through coord along
// axis. Values at or below threshold in magnitude are left out, as in
// PlotMap.
func ViewHTML(w io.Writer, vol array.Array, affine models.Affine, axis models.Axis, coord, threshold float64) error {
	if vol == nil || vol.Len() == 0 {
		return ErrEmptyVolume
	}

	idx, err := viewIndex(vol.Shape(), affine, axis, coord)
	if err != nil {
		return err
	}

	var cut *models.Slice
	if err := array.Check(func() { cut = extractCut(vol, axis, idx) }); err != nil {
		return err
	}
	hide(cut, threshold, false)

	data := make([]opts.HeatMapData, 0, len(cut.Values))
	var maxAbs float64
	for r := 0; r < cut.Height; r++ {
		for c := 0; c < cut.Width; c++ {
			v := cut.At(c, r)
			if math.IsNaN(v) {
				continue
			}
			maxAbs = math.Max(maxAbs, math.Abs(v))
			data = append(data, opts.HeatMapData{Value: [3]interface{}{c, r, v}})
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}

	xs := make([]int, cut.Width)
	for n := range xs {
		xs[n] = n
	}
	ys := make([]int, cut.Height)
	for n := range ys {
		ys[n] = n
	}

	pal, _ := Colormap("cold_hot")
	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "neuroplot", Width: "720px", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s=%g", axis, coord),
			Subtitle: fmt.Sprintf("shape=%v threshold=%g voxels=%d", vol.Shape(), threshold, len(data)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: xs}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: ys}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(-maxAbs),
			Max:        float32(maxAbs),
			InRange:    &opts.VisualMapInRange{Color: hexColors(pal, 9)},
		}),
	)
	hm.SetXAxis(xs)
	hm.AddSeries("cut", data)

	return hm.Render(w)
}

// viewIndex returns the index along axis of the cut through coord. The
// other two coordinates are those of the grid center, so oblique affines
// still land on the plane passing through the middle of the volume.
func viewIndex(shape [3]int, affine models.Affine, axis models.Axis, coord float64) (int, error) {
	x, y, z := affine.Apply(float64(shape[0]-1)/2, float64(shape[1]-1)/2, float64(shape[2]-1)/2)
	point := [3]float64{x, y, z}
	point[axis.Index()] = coord
	return cutIndex(shape, affine, axis, point)
}
