package report

import (
	"fmt"
	"image/color"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	hboColor   = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	hbrColor   = color.RGBA{R: 40, G: 70, B: 200, A: 255}
	eventColor = color.RGBA{R: 120, G: 120, B: 120, A: 255}
)

// shade darkens c for later optodes so traces stay distinguishable.
func shade(c color.RGBA, optode int) color.RGBA {
	f := 1.0 / (1.0 + 0.35*float64(optode))
	return color.RGBA{R: uint8(float64(c.R) * f), G: uint8(float64(c.G) * f), B: uint8(float64(c.B) * f), A: 255}
}

func xys(x, y []float64) plotter.XYs {
	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i] = plotter.XY{X: x[i], Y: y[i]}
	}
	return pts
}

// Plot builds the long-separation HbO/HbR plot with a vertical marker per
// detector transition.
func (d *Data) Plot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = d.title()
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Δ concentration (µM)"

	for _, tr := range d.Traces() {
		hbo, err := plotter.NewLine(xys(tr.Seconds, tr.HbOLong))
		if err != nil {
			return nil, err
		}
		hbo.Color = shade(hboColor, tr.OptodeID)
		hbo.Width = vg.Points(1)
		p.Add(hbo)
		p.Legend.Add(fmt.Sprintf("HbO optode %d", tr.OptodeID), hbo)

		hbr, err := plotter.NewLine(xys(tr.Seconds, tr.HbRLong))
		if err != nil {
			return nil, err
		}
		hbr.Color = shade(hbrColor, tr.OptodeID)
		hbr.Width = vg.Points(1)
		hbr.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(hbr)
		p.Legend.Add(fmt.Sprintf("HbR optode %d", tr.OptodeID), hbr)
	}

	lo, hi := d.valueRange()
	for _, e := range d.Events {
		x := float64(e.TimestampMs) / 1000
		marker, err := plotter.NewLine(plotter.XYs{{X: x, Y: lo}, {X: x, Y: hi}})
		if err != nil {
			return nil, err
		}
		marker.Color = eventColor
		marker.Width = vg.Points(0.5)
		marker.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		p.Add(marker)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders the plot as PNG to w.
func (d *Data) WritePNG(w io.Writer) error {
	p, err := d.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePNG writes the plot to path.
func (d *Data) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := d.WritePNG(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	return f.Close()
}
