// Package bundle is a sparse-structure bundle adjustment engine for calibration scenes: cameras,
// views (absolute or relative through a shared motion), rigid objects with known points and the
// pixels observed of them.
package bundle

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"viammulticalib/pinhole"
	"viammulticalib/se3"
)

// ErrInvalidScene is returned when a scene references elements that do not exist.
var ErrInvalidScene = errors.New("invalid bundle adjustment scene")

// Camera is one set of intrinsics shared by every view taken with it.
type Camera struct {
	Model pinhole.Model
	Param pinhole.Parameterization
	Fixed bool
}

// Motion is a rigid transform from a parent view to a dependent view.
type Motion struct {
	Transform se3.Transform
	Fixed     bool
}

// View is one image. Root views own WorldToView; a view with a parent is motion ∘ parent.
type View struct {
	Camera int
	// Parent is the index of a root view, or -1 if this view is a root.
	Parent      int
	Motion      int
	WorldToView se3.Transform
	Fixed       bool
}

// IsRoot reports whether the view carries its own world pose.
func (v View) IsRoot() bool {
	return v.Parent < 0
}

// Rigid is an object with known points in its own frame.
type Rigid struct {
	ObjectToWorld se3.Transform
	Points        []r3.Vector
	Fixed         bool
}

// Observation is a pixel observed of one point of one rigid in one view.
type Observation struct {
	View  int
	Rigid int
	Point int
	Pixel r2.Point
}

// Scene is everything the adjuster reads and refines in place.
type Scene struct {
	Cameras      []Camera
	Motions      []Motion
	Views        []View
	Rigids       []Rigid
	Observations []Observation
}

// WorldToView resolves the pose of view i.
func (s *Scene) WorldToView(i int) se3.Transform {
	v := s.Views[i]
	if v.IsRoot() {
		return v.WorldToView
	}
	return s.Motions[v.Motion].Transform.Compose(s.Views[v.Parent].WorldToView)
}

// Predict projects the point of observation i with the current scene values.
func (s *Scene) Predict(i int) (r2.Point, bool) {
	o := s.Observations[i]
	v := s.Views[o.View]
	rigid := s.Rigids[o.Rigid]
	p := s.WorldToView(o.View).Compose(rigid.ObjectToWorld).Apply(rigid.Points[o.Point])
	return s.Cameras[v.Camera].Model.Project(p)
}

// Residual is predicted minus observed pixel of observation i.
func (s *Scene) Residual(i int) (r2.Point, bool) {
	px, ok := s.Predict(i)
	if !ok {
		return r2.Point{}, false
	}
	return px.Sub(s.Observations[i].Pixel), true
}

// Validate checks all cross references.
func (s *Scene) Validate() error {
	var err error
	for i, v := range s.Views {
		if v.Camera < 0 || v.Camera >= len(s.Cameras) {
			err = multierr.Append(err, errors.Errorf("view %d references camera %d", i, v.Camera))
		}
		if v.IsRoot() {
			continue
		}
		if v.Parent >= len(s.Views) || !s.Views[v.Parent].IsRoot() {
			err = multierr.Append(err, errors.Errorf("view %d parent %d is not a root view", i, v.Parent))
		}
		if v.Motion < 0 || v.Motion >= len(s.Motions) {
			err = multierr.Append(err, errors.Errorf("view %d references motion %d", i, v.Motion))
		}
	}
	for i, c := range s.Cameras {
		if e := c.Param.Validate(); e != nil {
			err = multierr.Append(err, errors.Wrapf(e, "camera %d", i))
		}
	}
	for i, o := range s.Observations {
		switch {
		case o.View < 0 || o.View >= len(s.Views):
			err = multierr.Append(err, errors.Errorf("observation %d references view %d", i, o.View))
		case o.Rigid < 0 || o.Rigid >= len(s.Rigids):
			err = multierr.Append(err, errors.Errorf("observation %d references rigid %d", i, o.Rigid))
		case o.Point < 0 || o.Point >= len(s.Rigids[o.Rigid].Points):
			err = multierr.Append(err, errors.Errorf("observation %d references point %d of rigid %d", i, o.Point, o.Rigid))
		}
	}
	if err != nil {
		return errors.Wrap(ErrInvalidScene, err.Error())
	}
	return nil
}
