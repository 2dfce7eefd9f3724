package mono

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"viammulticalib/se3"
)

// zhangRow is v_ij from Zhang's "A Flexible New Technique for Camera Calibration".
func zhangRow(h *mat.Dense, i, j int) []float64 {
	hi := func(k int) float64 { return h.At(k, i) }
	hj := func(k int) float64 { return h.At(k, j) }
	return []float64{
		hi(0) * hj(0),
		hi(0)*hj(1) + hi(1)*hj(0),
		hi(1) * hj(1),
		hi(2)*hj(0) + hi(0)*hj(2),
		hi(2)*hj(1) + hi(1)*hj(2),
		hi(2) * hj(2),
	}
}

// closedFormIntrinsics solves for the calibration matrix from homographies of normalized pixels.
func closedFormIntrinsics(homographies []*mat.Dense, zeroSkew bool) (*mat.Dense, error) {
	need := 3
	if zeroSkew {
		need = 2
	}
	if len(homographies) < need {
		return nil, errors.Wrapf(errDegenerate, "need at least %d images, got %d", need, len(homographies))
	}

	rows := 2 * len(homographies)
	if zeroSkew {
		rows++
	}
	if rows < 6 {
		rows = 6
	}
	v := mat.NewDense(rows, 6, nil)
	for k, h := range homographies {
		v12 := zhangRow(h, 0, 1)
		v11 := zhangRow(h, 0, 0)
		v22 := zhangRow(h, 1, 1)
		diff := make([]float64, 6)
		for i := range diff {
			diff[i] = v11[i] - v22[i]
		}
		v.SetRow(2*k, v12)
		v.SetRow(2*k+1, diff)
	}
	if zeroSkew {
		v.SetRow(2*len(homographies), []float64{0, 1, 0, 0, 0, 0})
	}

	b, err := nullVector(v)
	if err != nil {
		return nil, err
	}
	b11, b12, b22, b13, b23, b33 := b[0], b[1], b[2], b[3], b[4], b[5]

	den := b11*b22 - b12*b12
	if den == 0 || b11 == 0 {
		return nil, errors.Wrap(errDegenerate, "singular absolute conic")
	}
	v0 := (b12*b13 - b11*b23) / den
	lambda := b33 - (b13*b13+v0*(b12*b13-b11*b23))/b11
	alpha2 := lambda / b11
	beta2 := lambda * b11 / den
	if alpha2 <= 0 || beta2 <= 0 {
		return nil, errors.Wrap(errDegenerate, "absolute conic is not positive definite")
	}
	alpha := math.Sqrt(alpha2)
	beta := math.Sqrt(beta2)
	gamma := -b12 * alpha2 * beta / lambda
	u0 := gamma*v0/beta - b13*alpha2/lambda
	if zeroSkew {
		gamma = 0
	}

	return mat.NewDense(3, 3, []float64{
		alpha, gamma, u0,
		0, beta, v0,
		0, 0, 1,
	}), nil
}

// poseFromHomography decomposes H = K [r1 r2 t] into the target-to-camera transform.
func poseFromHomography(k, h *mat.Dense) (se3.Transform, error) {
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return se3.Transform{}, errors.Wrap(errDegenerate, err.Error())
	}
	var m mat.Dense
	m.Mul(&kInv, h)
	col := func(i int) r3.Vector {
		return r3.Vector{X: m.At(0, i), Y: m.At(1, i), Z: m.At(2, i)}
	}
	c1, c2, c3 := col(0), col(1), col(2)
	n := c1.Norm()
	if n == 0 {
		return se3.Transform{}, errors.Wrap(errDegenerate, "zero homography column")
	}
	scale := 1 / n
	if c3.Z*scale < 0 {
		// target must be in front of the camera
		scale = -scale
	}
	r1 := c1.Mul(scale)
	r2 := c2.Mul(scale)
	r3v := r1.Cross(r2)
	t := c3.Mul(scale)

	rot := se3.Orthogonalize([9]float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	return se3.Transform{R: rot, T: t}, nil
}
