package calib

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// QualityText summarizes calibration quality and residual errors for people.
func (c *Calibrator) QualityText() string {
	var b strings.Builder
	b.WriteString("Calibration Quality Metrics:\n")
	for i, cam := range c.statistics {
		fmt.Fprintf(&b, "  camera[%d] fill_border=%5.3f fill_inner=%5.3f geometric=%5.3f\n",
			i, cam.Quality.BorderFill, cam.Quality.InnerFill, cam.Quality.Geometric)
	}
	b.WriteString("\nSummary Residual Metrics:\n")
	for i, cam := range c.statistics {
		fmt.Fprintf(&b, "  camera[%3d] mean=%6.2f max=%6.2f\n", i, cam.OverallMean, cam.OverallMax)
	}
	fmt.Fprintf(&b, "  mean error before refinement=%6.3f after=%6.3f\n", c.meanErrorBefore, c.meanErrorAfter)

	b.WriteString("\nResiduals Below Threshold:\n")
	writeHistogram(&b, "all", c.histogram)
	for i, cam := range c.statistics {
		writeHistogram(&b, fmt.Sprintf("camera[%d]", i), cam.Histogram)
	}
	b.WriteByte('\n')

	for i, cam := range c.statistics {
		fmt.Fprintf(&b, "Residual Errors: Camera %d\n", i)
		for _, img := range cam.Residuals {
			if !img.Observed {
				continue
			}
			fmt.Fprintf(&b, "  img[%4d] mean=%6.2f max=%6.2f points=%d\n", img.Frame, img.MeanError, img.MaxError, img.Count())
		}
		b.WriteByte('\n')
	}

	if len(c.warnings) > 0 {
		b.WriteString("Warnings:\n")
		for _, w := range c.warnings {
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, label string, h Histogram) {
	total := h.Total()
	fmt.Fprintf(b, "  %-10s", label)
	for i, t := range h.Thresholds {
		fmt.Fprintf(b, " <%g:%5.1f%%", t, percent(h.Counts[i], total))
	}
	fmt.Fprintf(b, " total=%d\n", total)
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

// SaveResidualPlot writes a plot of every camera's per frame mean error. The format follows the file
// extension.
func (c *Calibrator) SaveResidualPlot(file string) error {
	if len(c.statistics) == 0 {
		return errors.New("no statistics, run Process first")
	}
	p := plot.New()
	p.Title.Text = "Reprojection error per frame"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Mean error (px)"

	for i, cam := range c.statistics {
		pts := make(plotter.XYs, 0, len(cam.Residuals))
		for _, img := range cam.Residuals {
			if img.Observed {
				pts = append(pts, plotter.XY{X: float64(img.Frame), Y: img.MeanError})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("camera %d", i), line)
	}
	p.Legend.Top = true

	return p.Save(10*vg.Inch, 5*vg.Inch, file)
}

// SaveErrorHistogram writes a histogram of every reprojection error.
func (c *Calibrator) SaveErrorHistogram(file string, bins int) error {
	var values plotter.Values
	for _, cam := range c.statistics {
		for _, img := range cam.Residuals {
			values = append(values, img.Errors...)
		}
	}
	if len(values) == 0 {
		return errors.New("no residuals, run Process first")
	}
	p := plot.New()
	p.Title.Text = "Reprojection errors"
	p.X.Label.Text = "Error (px)"
	p.Y.Label.Text = "Count"

	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return err
	}
	p.Add(h)
	return p.Save(8*vg.Inch, 5*vg.Inch, file)
}
