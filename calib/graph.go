package calib

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"viammulticalib/se3"
)

// Link is one target seen by two cameras in the same frame.
type Link struct {
	Frame  int `json:"frame"`
	Target int `json:"target"`
}

// Graph records which camera pairs observed a common target and when.
type Graph struct {
	numCameras int
	// links[a*numCameras+b] for a < b
	links [][]Link
}

// BuildGraph finds every co-observation in the frame states.
func BuildGraph(numCameras int, frames []FrameState) *Graph {
	g := &Graph{numCameras: numCameras, links: make([][]Link, numCameras*numCameras)}
	for f, frame := range frames {
		for a := 0; a < numCameras; a++ {
			ca := &frame.Cameras[a]
			if !ca.Present {
				continue
			}
			for b := a + 1; b < numCameras; b++ {
				cb := &frame.Cameras[b]
				if !cb.Present {
					continue
				}
				for _, o := range ca.Observations {
					if _, ok := cb.Find(o.TargetID); ok {
						g.links[a*numCameras+b] = append(g.links[a*numCameras+b], Link{Frame: f, Target: o.TargetID})
					}
				}
			}
		}
	}
	return g
}

// Links returns the co-observations of cameras a and b.
func (g *Graph) Links(a, b int) []Link {
	if a > b {
		a, b = b, a
	}
	if a == b || a < 0 || b >= g.numCameras {
		return nil
	}
	return g.links[a*g.numCameras+b]
}

// Neighbors lists the cameras that share at least one target with camera a, ascending.
func (g *Graph) Neighbors(a int) []int {
	var out []int
	for b := 0; b < g.numCameras; b++ {
		if len(g.Links(a, b)) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// ConnectedToZero lists, for every camera, whether it has a path to camera 0.
func (g *Graph) ConnectedToZero() []bool {
	seen := make([]bool, g.numCameras)
	if g.numCameras == 0 {
		return seen
	}
	ug := simple.NewUndirectedGraph()
	for a := 0; a < g.numCameras; a++ {
		ug.AddNode(simple.Node(a))
	}
	for a := 0; a < g.numCameras; a++ {
		for b := a + 1; b < g.numCameras; b++ {
			if len(g.Links(a, b)) > 0 {
				ug.SetEdge(ug.NewEdge(simple.Node(a), simple.Node(b)))
			}
		}
	}
	seen[0] = true
	var bf traverse.BreadthFirst
	bf.Walk(ug, simple.Node(0), func(n graph.Node, _ int) bool {
		seen[n.ID()] = true
		return false
	})
	return seen
}

// extrinsicFromKnownCamera computes the unknown camera's pose in the sensor frame from the first target
// the known camera saw in this frame that the unknown camera also saw.
func extrinsicFromKnownCamera(frame *FrameState, knownToSensor spatialmath.Pose, known, unknown int) (spatialmath.Pose, bool) {
	k := &frame.Cameras[known]
	u := &frame.Cameras[unknown]
	if !k.Present || !u.Present {
		return nil, false
	}
	for _, tk := range k.Observations {
		tu, ok := u.Find(tk.TargetID)
		if !ok {
			continue
		}
		unknownToKnown := se3.Compose(tk.TargetToCamera, se3.Invert(tu.TargetToCamera))
		return se3.Compose(knownToSensor, unknownToKnown), true
	}
	return nil, false
}

// solveCameraToSensor propagates poses outward from camera 0 along the graph. The lowest unknown camera
// that can be resolved is resolved first, using its earliest link frame, then the lowest known camera,
// then the known camera's observation order; after each resolution the scan starts over.
func solveCameraToSensor(g *Graph, frames []FrameState) ([]spatialmath.Pose, error) {
	var missing []int
	for i, ok := range g.ConnectedToZero() {
		if !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(ErrDisconnectedRig, "cameras %v share no target with a calibrated camera", missing)
	}

	n := g.numCameras
	poses := make([]spatialmath.Pose, n)
	known := make([]bool, n)
	poses[0] = spatialmath.NewZeroPose()
	known[0] = true

	for remaining := n - 1; remaining > 0; remaining-- {
		u, k, f := -1, -1, -1
		for cand := 1; cand < n; cand++ {
			if known[cand] {
				continue
			}
			for _, nb := range g.Neighbors(cand) {
				if !known[nb] {
					continue
				}
				// links are in frame order
				if first := g.Links(cand, nb)[0].Frame; f < 0 || first < f {
					k, f = nb, first
				}
			}
			if k >= 0 {
				u = cand
				break
			}
		}
		if u < 0 {
			return nil, errors.Wrap(ErrDisconnectedRig, "no known camera links to the remaining cameras")
		}
		pose, ok := extrinsicFromKnownCamera(&frames[f], poses[k], k, u)
		if !ok {
			return nil, errors.Errorf("frame %d has no target shared by cameras %d and %d", f, k, u)
		}
		poses[u] = pose
		known[u] = true
	}
	return poses, nil
}

// estimateCameraToSensor builds the co-observation graph and solves every camera's pose on the rig.
func (c *Calibrator) estimateCameraToSensor() error {
	c.graph = BuildGraph(len(c.cameras), c.frameStates)
	poses, err := solveCameraToSensor(c.graph, c.frameStates)
	if err != nil {
		return err
	}
	c.camerasToSensor = poses
	for i := 1; i < len(poses); i++ {
		c.logger.Debugf("camera %d to sensor %v", i, poses[i])
	}
	return nil
}
