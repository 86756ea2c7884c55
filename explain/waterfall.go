package explain

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	colorBase     = color.RGBA{R: 0x88, G: 0x88, B: 0x88, A: 0xff}
	colorPositive = color.RGBA{R: 0xff, G: 0x00, B: 0x51, A: 0xff}
	colorNegative = color.RGBA{R: 0x00, G: 0x8b, B: 0xfb, A: 0xff}
)

const barHalfWidth = 0.4

// RenderWaterfall draws base value, each contribution and the final
// prediction as a waterfall chart and writes it to path as PNG.
func RenderWaterfall(attr *Attribution, path string) error {
	if attr == nil || len(attr.Contributions) == 0 {
		return errors.New("nothing to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = "Feature contributions"
	p.Y.Label.Text = "Selling price"

	names := make([]string, 0, len(attr.Contributions)+2)
	addBar := func(lo, hi float64, c color.Color) error {
		x := float64(len(names))
		if lo > hi {
			lo, hi = hi, lo
		}
		bar, err := plotter.NewPolygon(plotter.XYs{
			{X: x - barHalfWidth, Y: lo},
			{X: x + barHalfWidth, Y: lo},
			{X: x + barHalfWidth, Y: hi},
			{X: x - barHalfWidth, Y: hi},
		})
		if err != nil {
			return err
		}
		bar.Color = c
		bar.LineStyle.Width = 0
		p.Add(bar)
		return nil
	}

	if err := addBar(0, attr.BaseValue, colorBase); err != nil {
		return err
	}
	names = append(names, "base")

	level := attr.BaseValue
	for _, c := range attr.Contributions {
		fill := colorPositive
		if c.Value < 0 {
			fill = colorNegative
		}
		if err := addBar(level, level+c.Value, fill); err != nil {
			return err
		}
		level += c.Value
		names = append(names, c.Feature)
	}

	if err := addBar(0, attr.Prediction, colorBase); err != nil {
		return err
	}
	names = append(names, "prediction")

	p.NominalX(names...)
	p.Add(plotter.NewGrid())

	width := vg.Length(len(names)) * vg.Inch
	if width < 6*vg.Inch {
		width = 6 * vg.Inch
	}
	if err := p.Save(width, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save chart: %w", err)
	}
	return nil
}
