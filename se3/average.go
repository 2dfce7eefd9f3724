package se3

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// Orthogonalize returns the proper rotation closest (Frobenius norm) to m.
func Orthogonalize(m [9]float64) [9]float64 {
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, m[:]), mat.SVDFull) {
		return Identity().R
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// flip the axis with the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}

	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = r.At(i, j)
		}
	}
	return out
}

// Average computes the mean of a set of poses. The translation is the arithmetic mean; the rotation is
// the proper rotation nearest to the element-wise mean of the rotation matrices. This is a chordal
// approximation of the Karcher mean and is accurate when the inputs are close together.
// ok is false when poses is empty, in which case the identity is returned.
func Average(poses []spatialmath.Pose) (spatialmath.Pose, bool) {
	if len(poses) == 0 {
		return spatialmath.NewZeroPose(), false
	}
	if len(poses) == 1 {
		return poses[0], true
	}

	var sum [9]float64
	var t r3.Vector
	for _, p := range poses {
		m := RotationMatrix(p.Orientation())
		for i := range sum {
			sum[i] += m[i]
		}
		t = t.Add(p.Point())
	}
	n := float64(len(poses))
	for i := range sum {
		sum[i] /= n
	}
	return Transform{R: Orthogonalize(sum), T: t.Mul(1 / n)}.Pose(), true
}
