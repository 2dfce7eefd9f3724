package bundle

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"viammulticalib/pinhole"
	"viammulticalib/se3"
)

var (
	// ErrBehindCamera is returned when the initial scene places an observed point behind its camera.
	ErrBehindCamera = errors.New("observed point is behind the camera")
	// ErrNotFinite is returned when the cost cannot be evaluated.
	ErrNotFinite = errors.New("bundle adjustment cost is not finite")
)

// Config controls the Levenberg-Marquardt loop.
type Config struct {
	MaxIterations int `json:"max_iterations"`
	// HuberThreshold is the residual length, in pixels, beyond which the loss grows linearly.
	// Zero or negative means plain least squares.
	HuberThreshold    float64 `json:"huber_threshold"`
	FunctionTolerance float64 `json:"function_tolerance"`
	GradientTolerance float64 `json:"gradient_tolerance"`
	InitialDamping    float64 `json:"initial_damping"`
}

// DefaultConfig returns the settings used for calibration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     200,
		HuberThreshold:    2,
		FunctionTolerance: 1e-12,
		GradientTolerance: 1e-12,
		InitialDamping:    1e-3,
	}
}

// Summary reports how an adjustment went.
type Summary struct {
	Iterations  int
	InitialCost float64
	FinalCost   float64
	Converged   bool
}

// Adjuster refines scenes.
type Adjuster struct {
	cfg    Config
	logger logging.Logger
}

// NewAdjuster creates an adjuster.
func NewAdjuster(cfg Config, logger logging.Logger) *Adjuster {
	return &Adjuster{cfg: cfg, logger: logger}
}

const (
	stepIntrinsic = 1e-6
	stepRotation  = 1e-7
	stepTrans     = 1e-7
	maxDamping    = 1e16
	costZero      = 1e-20
)

type blockKind int

const (
	cameraBlock blockKind = iota
	motionBlock
	viewBlock
	rigidBlock
)

type block struct {
	kind   blockKind
	index  int
	offset int
	size   int
}

// state holds the free values in a form that can be stepped without touching the scene.
type state struct {
	cameras [][]float64
	motions []se3.Transform
	views   []se3.Transform
	rigids  []se3.Transform
}

type problem struct {
	scene  *Scene
	huber  float64
	blocks []block
	// per-element block index, -1 when fixed
	cameraBlk, motionBlk, viewBlk, rigidBlk []int
	numParams                               int
}

func newProblem(s *Scene, huber float64) *problem {
	p := &problem{scene: s, huber: huber}
	add := func(kind blockKind, index, size int, fixed bool) int {
		if fixed || size == 0 {
			return -1
		}
		p.blocks = append(p.blocks, block{kind: kind, index: index, offset: p.numParams, size: size})
		p.numParams += size
		return len(p.blocks) - 1
	}
	for i, c := range s.Cameras {
		p.cameraBlk = append(p.cameraBlk, add(cameraBlock, i, c.Param.Len(), c.Fixed))
	}
	for i, m := range s.Motions {
		p.motionBlk = append(p.motionBlk, add(motionBlock, i, 6, m.Fixed))
	}
	for i, v := range s.Views {
		p.viewBlk = append(p.viewBlk, add(viewBlock, i, 6, v.Fixed || !v.IsRoot()))
	}
	for i, r := range s.Rigids {
		p.rigidBlk = append(p.rigidBlk, add(rigidBlock, i, 6, r.Fixed))
	}
	return p
}

func (p *problem) initialState() *state {
	s := p.scene
	st := &state{
		cameras: make([][]float64, len(s.Cameras)),
		motions: make([]se3.Transform, len(s.Motions)),
		views:   make([]se3.Transform, len(s.Views)),
		rigids:  make([]se3.Transform, len(s.Rigids)),
	}
	for i, c := range s.Cameras {
		st.cameras[i] = make([]float64, c.Param.Len())
		c.Param.Encode(c.Model, st.cameras[i])
	}
	for i, m := range s.Motions {
		st.motions[i] = m.Transform
	}
	for i, v := range s.Views {
		st.views[i] = v.WorldToView
	}
	for i, r := range s.Rigids {
		st.rigids[i] = r.ObjectToWorld
	}
	return st
}

func (p *problem) models(st *state) []pinhole.Model {
	out := make([]pinhole.Model, len(st.cameras))
	for i, c := range p.scene.Cameras {
		out[i] = c.Param.Decode(c.Model.Width, c.Model.Height, st.cameras[i])
	}
	return out
}

// writeBack copies a state into the scene.
func (p *problem) writeBack(st *state) {
	s := p.scene
	models := p.models(st)
	for i := range s.Cameras {
		s.Cameras[i].Model = models[i]
	}
	for i := range s.Motions {
		s.Motions[i].Transform = st.motions[i]
	}
	for i := range s.Views {
		if s.Views[i].IsRoot() {
			s.Views[i].WorldToView = st.views[i]
		}
	}
	for i := range s.Rigids {
		s.Rigids[i].ObjectToWorld = st.rigids[i]
	}
}

// step returns st moved by delta.
func (p *problem) step(st *state, delta []float64) *state {
	next := &state{
		cameras: make([][]float64, len(st.cameras)),
		motions: append([]se3.Transform(nil), st.motions...),
		views:   append([]se3.Transform(nil), st.views...),
		rigids:  append([]se3.Transform(nil), st.rigids...),
	}
	for i, c := range st.cameras {
		next.cameras[i] = append([]float64(nil), c...)
	}
	for _, b := range p.blocks {
		d := delta[b.offset : b.offset+b.size]
		switch b.kind {
		case cameraBlock:
			floats.Add(next.cameras[b.index], d)
		case motionBlock:
			next.motions[b.index] = perturbPose(st.motions[b.index], d)
		case viewBlock:
			next.views[b.index] = perturbPose(st.views[b.index], d)
		case rigidBlock:
			next.rigids[b.index] = perturbPose(st.rigids[b.index], d)
		}
	}
	return next
}

func perturbPose(t se3.Transform, d []float64) se3.Transform {
	return t.Perturb(r3.Vector{X: d[0], Y: d[1], Z: d[2]}, r3.Vector{X: d[3], Y: d[4], Z: d[5]})
}

// local is everything a single observation depends on.
type local struct {
	cam      pinhole.Model
	root     se3.Transform
	motion   se3.Transform
	relative bool
	rigid    se3.Transform
	point    r3.Vector
}

func (l *local) predict() (r2.Point, bool) {
	w2v := l.root
	if l.relative {
		w2v = l.motion.Compose(l.root)
	}
	return l.cam.Project(w2v.Compose(l.rigid).Apply(l.point))
}

func (p *problem) localFor(st *state, models []pinhole.Model, i int) (l *local, view View, rootIdx int) {
	s := p.scene
	o := s.Observations[i]
	view = s.Views[o.View]
	rootIdx = o.View
	l = &local{
		cam:   models[view.Camera],
		rigid: st.rigids[o.Rigid],
		point: s.Rigids[o.Rigid].Points[o.Point],
	}
	if !view.IsRoot() {
		rootIdx = view.Parent
		l.relative = true
		l.motion = st.motions[view.Motion]
	}
	l.root = st.views[rootIdx]
	return l, view, rootIdx
}

// huberWeight is the IRLS weight of a residual of length r.
func (p *problem) huberWeight(r float64) float64 {
	if p.huber <= 0 || r <= p.huber {
		return 1
	}
	return p.huber / r
}

func (p *problem) huberCost(r float64) float64 {
	if p.huber <= 0 || r <= p.huber {
		return 0.5 * r * r
	}
	return p.huber * (r - 0.5*p.huber)
}

// cost evaluates the robust cost. ok is false if any point lands behind its camera.
func (p *problem) cost(st *state) (float64, bool) {
	models := p.models(st)
	var total float64
	for i, o := range p.scene.Observations {
		l, _, _ := p.localFor(st, models, i)
		px, ok := l.predict()
		if !ok {
			return math.Inf(1), false
		}
		total += p.huberCost(px.Sub(o.Pixel).Norm())
	}
	return total, true
}

// normalEquations builds JᵀWJ and JᵀWr at st.
func (p *problem) normalEquations(st *state) (*mat.SymDense, *mat.VecDense) {
	n := p.numParams
	normal := make([]float64, n*n)
	grad := make([]float64, n)
	models := p.models(st)

	type column struct {
		global int
		d      r2.Point
	}
	var cols []column

	for i, o := range p.scene.Observations {
		l, view, rootIdx := p.localFor(st, models, i)
		px, ok := l.predict()
		if !ok {
			continue
		}
		r := px.Sub(o.Pixel)
		w := p.huberWeight(r.Norm())

		cols = cols[:0]
		diff := func(plus, minus r2.Point, h float64) r2.Point {
			return plus.Sub(minus).Mul(1 / (2 * h))
		}

		if bi := p.cameraBlk[view.Camera]; bi >= 0 {
			b := p.blocks[bi]
			c := p.scene.Cameras[view.Camera]
			params := append([]float64(nil), st.cameras[view.Camera]...)
			saved := l.cam
			for k := 0; k < b.size; k++ {
				orig := params[k]
				h := stepIntrinsic * math.Max(1, math.Abs(orig))
				params[k] = orig + h
				l.cam = c.Param.Decode(c.Model.Width, c.Model.Height, params)
				plus, _ := l.predict()
				params[k] = orig - h
				l.cam = c.Param.Decode(c.Model.Width, c.Model.Height, params)
				minus, _ := l.predict()
				params[k] = orig
				cols = append(cols, column{b.offset + k, diff(plus, minus, h)})
			}
			l.cam = saved
		}

		poseColumns := func(bi int, target *se3.Transform) {
			if bi < 0 {
				return
			}
			b := p.blocks[bi]
			saved := *target
			d := make([]float64, 6)
			for k := 0; k < 6; k++ {
				h := stepRotation
				if k >= 3 {
					h = stepTrans * math.Max(1, saved.T.Norm())
				}
				d[k] = h
				*target = perturbPose(saved, d)
				plus, _ := l.predict()
				d[k] = -h
				*target = perturbPose(saved, d)
				minus, _ := l.predict()
				d[k] = 0
				cols = append(cols, column{b.offset + k, diff(plus, minus, h)})
			}
			*target = saved
		}
		poseColumns(p.viewBlk[rootIdx], &l.root)
		if l.relative {
			poseColumns(p.motionBlk[view.Motion], &l.motion)
		}
		poseColumns(p.rigidBlk[o.Rigid], &l.rigid)

		for a := range cols {
			ga := cols[a].global
			grad[ga] += w * cols[a].d.Dot(r)
			for b := range cols {
				normal[ga*n+cols[b].global] += w * cols[a].d.Dot(cols[b].d)
			}
		}
	}
	return mat.NewSymDense(n, normal), mat.NewVecDense(n, grad)
}

// Process runs Levenberg-Marquardt on the scene and writes the refined values back into it.
func (a *Adjuster) Process(ctx context.Context, scene *Scene) (Summary, error) {
	if err := scene.Validate(); err != nil {
		return Summary{}, err
	}
	p := newProblem(scene, a.cfg.HuberThreshold)
	st := p.initialState()

	cost, ok := p.cost(st)
	if !ok {
		return Summary{}, ErrBehindCamera
	}
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Summary{}, ErrNotFinite
	}
	summary := Summary{InitialCost: cost, FinalCost: cost}
	if p.numParams == 0 || cost < costZero {
		summary.Converged = true
		return summary, nil
	}

	lambda := a.cfg.InitialDamping
	if lambda <= 0 {
		lambda = DefaultConfig().InitialDamping
	}
	a.logger.Debugf("bundle adjustment: %d parameters %d observations initial cost %g",
		p.numParams, len(scene.Observations), cost)

	for summary.Iterations < a.cfg.MaxIterations && !summary.Converged {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Iterations++

		normal, grad := p.normalEquations(st)
		if mat.Norm(grad, math.Inf(1)) <= a.cfg.GradientTolerance {
			summary.Converged = true
			break
		}

		accepted := false
		for !accepted {
			delta, solved := solveDamped(normal, grad, lambda)
			if solved {
				if mat.Norm(delta, 2) <= 1e-15 {
					summary.Converged = true
					break
				}
				next := p.step(st, delta.RawVector().Data)
				nextCost, ok := p.cost(next)
				if ok && nextCost < cost {
					accepted = true
					relative := (cost - nextCost) / cost
					st, cost = next, nextCost
					lambda = math.Max(lambda/10, 1e-12)
					if relative <= a.cfg.FunctionTolerance || cost < costZero {
						summary.Converged = true
					}
					continue
				}
			}
			lambda *= 10
			if lambda > maxDamping {
				// no step reduces the cost any further
				summary.Converged = true
				break
			}
		}
		a.logger.Debugf("bundle adjustment: iteration %d cost %g lambda %g", summary.Iterations, cost, lambda)
	}

	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return summary, ErrNotFinite
	}
	summary.FinalCost = cost
	p.writeBack(st)
	return summary, nil
}

// solveDamped solves (N + λ diag(N)) δ = -g.
func solveDamped(normal *mat.SymDense, grad *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	n := normal.SymmetricDim()
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(normal)
	for i := 0; i < n; i++ {
		d := normal.At(i, i)
		damped.SetSym(i, i, d+lambda*math.Max(d, 1e-9))
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil, false
	}
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, grad); err != nil {
		return nil, false
	}
	delta.ScaleVec(-1, &delta)
	for _, v := range delta.RawVector().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return &delta, true
}
