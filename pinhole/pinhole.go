// Package pinhole is the camera model refined by calibration: pinhole intrinsics with skew plus
// Brown-Conrady lens distortion.
package pinhole

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
)

// MaxRadial is the largest number of radial distortion terms the model supports.
const MaxRadial = 3

// Model is a calibrated camera.
type Model struct {
	transform.PinholeCameraIntrinsics
	Skew       float64                 `json:"skew"`
	Distortion *transform.BrownConrady `json:"distortion,omitempty"`
}

// New returns a distortion free model.
func New(width, height int, fx, fy, skew, cx, cy float64) Model {
	return Model{
		PinholeCameraIntrinsics: transform.PinholeCameraIntrinsics{
			Width: width, Height: height, Fx: fx, Fy: fy, Ppx: cx, Ppy: cy,
		},
		Skew: skew,
	}
}

// Project maps a point in the camera frame to a pixel. ok is false when the point is not in front of the camera.
func (m Model) Project(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	return m.ProjectNormalized(r2.Point{X: p.X / p.Z, Y: p.Y / p.Z}), true
}

// ProjectNormalized maps an undistorted normalized image coordinate to a pixel.
func (m Model) ProjectNormalized(n r2.Point) r2.Point {
	x, y := n.X, n.Y
	if m.Distortion != nil {
		x, y = m.Distortion.Transform(x, y)
	}
	return r2.Point{
		X: m.Fx*x + m.Skew*y + m.Ppx,
		Y: m.Fy*y + m.Ppy,
	}
}

// Validate checks the model is usable for projection.
func (m Model) Validate() error {
	return m.PinholeCameraIntrinsics.CheckValid()
}

func (m Model) String() string {
	s := fmt.Sprintf("%dx%d fx=%.3f fy=%.3f skew=%.3f cx=%.3f cy=%.3f", m.Width, m.Height, m.Fx, m.Fy, m.Skew, m.Ppx, m.Ppy)
	if d := m.Distortion; d != nil {
		s += fmt.Sprintf(" k=[%.5f %.5f %.5f] p=[%.5f %.5f]", d.RadialK1, d.RadialK2, d.RadialK3, d.TangentialP1, d.TangentialP2)
	}
	return s
}

// Parameterization selects which intrinsic parameters are free during refinement.
type Parameterization struct {
	ZeroSkew   bool `json:"zero_skew"`
	NumRadial  int  `json:"num_radial"`
	Tangential bool `json:"tangential"`
}

// Validate checks the parameterization.
func (p Parameterization) Validate() error {
	if p.NumRadial < 0 || p.NumRadial > MaxRadial {
		return errors.Errorf("num_radial must be between 0 and %d, got %d", MaxRadial, p.NumRadial)
	}
	return nil
}

// Len is the number of free parameters.
func (p Parameterization) Len() int {
	n := 4 + p.NumRadial
	if !p.ZeroSkew {
		n++
	}
	if p.Tangential {
		n += 2
	}
	return n
}

// Encode writes the free parameters of m into dst, which must have length Len.
// The order is fx, fy, cx, cy, [skew], k1..kN, [p1, p2].
func (p Parameterization) Encode(m Model, dst []float64) {
	dst[0], dst[1], dst[2], dst[3] = m.Fx, m.Fy, m.Ppx, m.Ppy
	i := 4
	if !p.ZeroSkew {
		dst[i] = m.Skew
		i++
	}
	var d transform.BrownConrady
	if m.Distortion != nil {
		d = *m.Distortion
	}
	radial := [MaxRadial]float64{d.RadialK1, d.RadialK2, d.RadialK3}
	for k := 0; k < p.NumRadial; k++ {
		dst[i] = radial[k]
		i++
	}
	if p.Tangential {
		dst[i], dst[i+1] = d.TangentialP1, d.TangentialP2
	}
}

// Decode builds a model of the given size from parameters written by Encode.
func (p Parameterization) Decode(width, height int, src []float64) Model {
	m := New(width, height, src[0], src[1], 0, src[2], src[3])
	i := 4
	if !p.ZeroSkew {
		m.Skew = src[i]
		i++
	}
	if p.NumRadial == 0 && !p.Tangential {
		return m
	}
	var radial [MaxRadial]float64
	for k := 0; k < p.NumRadial; k++ {
		radial[k] = src[i]
		i++
	}
	d := &transform.BrownConrady{RadialK1: radial[0], RadialK2: radial[1], RadialK3: radial[2]}
	if p.Tangential {
		d.TangentialP1, d.TangentialP2 = src[i], src[i+1]
	}
	m.Distortion = d
	return m
}
