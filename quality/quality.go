// Package quality scores calibration input coverage and summarizes reprojection residuals.
package quality

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/stat"

	"viammulticalib/se3"
)

// ImageResults summarizes the residuals of one image.
type ImageResults struct {
	MeanError float64 `json:"mean_error"`
	MaxError  float64 `json:"max_error"`
	BiasX     float64 `json:"bias_x"`
	BiasY     float64 `json:"bias_y"`
	// Errors is the euclidean error of every observation, in observation order.
	Errors []float64 `json:"errors"`
}

// Summarize computes the statistics of a set of residual vectors (predicted minus observed).
func Summarize(residuals []r2.Point) ImageResults {
	if len(residuals) == 0 {
		return ImageResults{}
	}
	out := ImageResults{Errors: make([]float64, len(residuals))}
	dx := make([]float64, len(residuals))
	dy := make([]float64, len(residuals))
	for i, r := range residuals {
		out.Errors[i] = r.Norm()
		dx[i], dy[i] = r.X, r.Y
	}
	sorted := append([]float64(nil), out.Errors...)
	sort.Float64s(sorted)

	out.MeanError = stat.Mean(out.Errors, nil)
	out.MaxError = stat.Quantile(1, stat.Empirical, sorted, nil)
	out.BiasX = stat.Mean(dx, nil)
	out.BiasY = stat.Mean(dy, nil)
	return out
}

// Count is the number of observations summarized.
func (r ImageResults) Count() int {
	return len(r.Errors)
}

// CalibrationQuality scores how well a camera's input images constrain its calibration.
type CalibrationQuality struct {
	// BorderFill is the fraction of border cells of the image that contain an observation.
	BorderFill float64 `json:"border_fill"`
	// InnerFill is the fraction of interior cells of the image that contain an observation.
	InnerFill float64 `json:"inner_fill"`
	// Geometric is the smallest tilt spread of the target, relative to ReferenceTilt.
	Geometric float64 `json:"geometric"`
}

// Fill scores image coverage on a cells x cells grid. The outer ring of cells is the border.
type Fill struct {
	width, height int
	cells         int
	occupied      []bool
}

// DefaultCells is the grid size used by NewFill when cells is less than 3.
const DefaultCells = 10

// NewFill creates an empty fill grid for an image.
func NewFill(width, height, cells int) *Fill {
	if cells <= 2 {
		cells = DefaultCells
	}
	return &Fill{width: width, height: height, cells: cells, occupied: make([]bool, cells*cells)}
}

// Add marks the cell holding pixel p. Pixels outside the image are ignored.
func (f *Fill) Add(p r2.Point) {
	if p.X < 0 || p.Y < 0 || p.X >= float64(f.width) || p.Y >= float64(f.height) {
		return
	}
	col := int(p.X * float64(f.cells) / float64(f.width))
	row := int(p.Y * float64(f.cells) / float64(f.height))
	f.occupied[row*f.cells+col] = true
}

// Scores returns the border and inner fill fractions.
func (f *Fill) Scores() (border, inner float64) {
	var nBorder, nInner, hitBorder, hitInner int
	for row := 0; row < f.cells; row++ {
		for col := 0; col < f.cells; col++ {
			edge := row == 0 || col == 0 || row == f.cells-1 || col == f.cells-1
			hit := f.occupied[row*f.cells+col]
			if edge {
				nBorder++
				if hit {
					hitBorder++
				}
			} else {
				nInner++
				if hit {
					hitInner++
				}
			}
		}
	}
	return float64(hitBorder) / float64(nBorder), float64(hitInner) / float64(nInner)
}

// ReferenceTilt is the tilt spread, in radians, that earns a geometric score of 1.
var ReferenceTilt = 30 * math.Pi / 180

// Geometric scores the diversity of target orientations. Each element of targetToCamera is the pose
// of the target in one image. The score is the smaller of the tilt spreads about the camera's x and y
// axes divided by ReferenceTilt.
func Geometric(targetToCamera []se3.Transform) float64 {
	if len(targetToCamera) < 2 {
		return 0
	}
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, t := range targetToCamera {
		n := t.Column(2)
		if n.Z < 0 {
			n = n.Mul(-1)
		}
		tiltX := math.Atan2(n.Y, n.Z)
		tiltY := math.Atan2(n.X, n.Z)
		minX, maxX = math.Min(minX, tiltX), math.Max(maxX, tiltX)
		minY, maxY = math.Min(minY, tiltY), math.Max(maxY, tiltY)
	}
	return math.Min(maxX-minX, maxY-minY) / ReferenceTilt
}
