// Package se3 holds the rigid transform helpers shared by the calibration stages. Poses cross package
// boundaries as spatialmath.Pose; Transform is the flat form used inside numeric loops.
package se3

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Transform is a rotation (row-major) followed by a translation: x' = R*x + T.
type Transform struct {
	R [9]float64
	T r3.Vector
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{R: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// FromPose converts a spatialmath pose.
func FromPose(p spatialmath.Pose) Transform {
	if p == nil {
		return Identity()
	}
	return Transform{R: RotationMatrix(p.Orientation()), T: p.Point()}
}

// Pose converts the transform back into a spatialmath pose.
func (t Transform) Pose() spatialmath.Pose {
	return spatialmath.NewPose(t.T, FromRotationMatrix(t.R))
}

// Apply transforms a point.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return t.Rotate(p).Add(t.T)
}

// Rotate applies only the rotation.
func (t Transform) Rotate(p r3.Vector) r3.Vector {
	r := &t.R
	return r3.Vector{
		X: r[0]*p.X + r[1]*p.Y + r[2]*p.Z,
		Y: r[3]*p.X + r[4]*p.Y + r[5]*p.Z,
		Z: r[6]*p.X + r[7]*p.Y + r[8]*p.Z,
	}
}

// Compose returns t ∘ other, i.e. other is applied first.
func (t Transform) Compose(other Transform) Transform {
	return Transform{R: mulRot(t.R, other.R), T: t.Apply(other.T)}
}

// Inverse returns the inverse transform.
func (t Transform) Inverse() Transform {
	rt := transpose(t.R)
	inv := Transform{R: rt}
	inv.T = inv.Rotate(t.T).Mul(-1)
	return inv
}

// Column returns column i of the rotation.
func (t Transform) Column(i int) r3.Vector {
	return r3.Vector{X: t.R[i], Y: t.R[3+i], Z: t.R[6+i]}
}

// Perturb applies a small left-multiplied rotation (rotation vector w) and adds dt to the translation.
func (t Transform) Perturb(w, dt r3.Vector) Transform {
	dr := RotationMatrix(FromRodrigues(w))
	return Transform{R: mulRot(dr, t.R), T: t.T.Add(dt)}
}

// Compose is the pose form of Transform.Compose.
func Compose(a, b spatialmath.Pose) spatialmath.Pose {
	return spatialmath.Compose(a, b)
}

// Invert is the pose form of Transform.Inverse.
func Invert(p spatialmath.Pose) spatialmath.Pose {
	return spatialmath.PoseInverse(p)
}

// RotationMatrix returns the row-major rotation matrix of an orientation.
func RotationMatrix(o spatialmath.Orientation) [9]float64 {
	if o == nil {
		return Identity().R
	}
	rm := o.RotationMatrix()
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = rm.At(i, j)
		}
	}
	return out
}

// FromRotationMatrix converts a proper row-major rotation matrix into an orientation.
func FromRotationMatrix(m [9]float64) spatialmath.Orientation {
	rm, err := spatialmath.NewRotationMatrix(m[:])
	if err != nil {
		return spatialmath.NewZeroOrientation()
	}
	return rm
}

// FromRodrigues converts a rotation vector (axis scaled by angle in radians) into an orientation.
func FromRodrigues(w r3.Vector) spatialmath.Orientation {
	switch {
	case w.Norm() == 0:
		return spatialmath.NewZeroOrientation()
	case w == (r3.Vector{X: 1}):
		// R3ToR4 reads (1, 0, 0) as no rotation
		return &spatialmath.R4AA{Theta: 1, RX: 1}
	default:
		return spatialmath.R3ToR4(w)
	}
}

// ToRodrigues converts an orientation into a rotation vector with angle in [0, pi].
func ToRodrigues(o spatialmath.Orientation) r3.Vector {
	q := o.Quaternion()
	if spatialmath.Norm(q) < 1e-6 {
		// QuatToR3AA reports (1, 0, 0) for tiny angles, use the first order form instead
		return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}.Mul(2 / q.Real)
	}
	aa := spatialmath.QuatToR3AA(q)
	return r3.Vector{X: aa.RX, Y: aa.RY, Z: aa.RZ}
}

// RotationAngle is the angle in radians of the rotation taking a to b.
func RotationAngle(a, b spatialmath.Orientation) float64 {
	return ToRodrigues(spatialmath.OrientationBetween(a, b)).Norm()
}

// AlmostEqual reports whether two poses agree within a translation distance and rotation angle.
func AlmostEqual(a, b spatialmath.Pose, tolTranslation, tolAngle float64) bool {
	if a.Point().Sub(b.Point()).Norm() > tolTranslation {
		return false
	}
	return RotationAngle(a.Orientation(), b.Orientation()) <= tolAngle
}

// IsIdentity reports whether p is exactly the identity.
func IsIdentity(p spatialmath.Pose) bool {
	if p.Point() != (r3.Vector{}) {
		return false
	}
	q := p.Orientation().Quaternion()
	return q.Imag == 0 && q.Jmag == 0 && q.Kmag == 0 && math.Abs(q.Real) == 1
}

func mulRot(a, b [9]float64) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = a[i*3]*b[j] + a[i*3+1]*b[3+j] + a[i*3+2]*b[6+j]
		}
	}
	return out
}

func transpose(a [9]float64) [9]float64 {
	return [9]float64{a[0], a[3], a[6], a[1], a[4], a[7], a[2], a[5], a[8]}
}
