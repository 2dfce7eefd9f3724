package mono

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// errDegenerate is returned when a linear estimate has no unique solution.
var errDegenerate = errors.New("degenerate configuration")

// normalization returns the similarity that moves the centroid of pts to the origin with mean
// distance sqrt(2).
func normalization(pts []r2.Point) *mat.Dense {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	var d float64
	for _, p := range pts {
		d += p.Sub(c).Norm()
	}
	d /= float64(len(pts))
	s := math.Sqrt2
	if d > 0 {
		s /= d
	}
	return mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	})
}

func applyH(h mat.Matrix, p r2.Point) r2.Point {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{X: x / w, Y: y / w}
}

// nullVector returns the right singular vector of a with the smallest singular value.
func nullVector(a *mat.Dense) ([]float64, error) {
	_, c := a.Dims()
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, errors.Wrap(errDegenerate, "svd failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	return mat.Col(nil, c-1, &v), nil
}

// estimateHomography finds H with pixel ~ H * (x, y, 1) by normalized DLT. At least 4 points are needed.
func estimateHomography(plane, pixels []r2.Point) (*mat.Dense, error) {
	if len(plane) != len(pixels) || len(plane) < 4 {
		return nil, errors.Wrapf(errDegenerate, "homography needs 4 matching points, got %d", len(plane))
	}
	tx := normalization(plane)
	tp := normalization(pixels)

	rows := 2 * len(plane)
	if rows < 9 {
		rows = 9
	}
	a := mat.NewDense(rows, 9, nil)
	for i := range plane {
		x := applyH(tx, plane[i])
		p := applyH(tp, pixels[i])
		a.SetRow(2*i, []float64{x.X, x.Y, 1, 0, 0, 0, -p.X * x.X, -p.X * x.Y, -p.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, x.X, x.Y, 1, -p.Y * x.X, -p.Y * x.Y, -p.Y})
	}
	hv, err := nullVector(a)
	if err != nil {
		return nil, err
	}
	hn := mat.NewDense(3, 3, hv)

	var tpInv mat.Dense
	if err := tpInv.Inverse(tp); err != nil {
		return nil, errors.Wrap(errDegenerate, err.Error())
	}
	var h mat.Dense
	h.Product(&tpInv, hn, tx)
	if s := h.At(2, 2); s != 0 {
		h.Scale(1/s, &h)
	}
	return &h, nil
}
