package calib

import (
	"math"

	"github.com/golang/geo/r2"

	"viammulticalib/quality"
)

// computeReprojectionErrors reprojects every observation through the refined rig and summarizes the
// errors per camera and frame.
func (c *Calibrator) computeReprojectionErrors() {
	s := c.scene
	numCameras := len(c.cameras)
	thresholds := c.cfg.thresholds()
	c.histogram = newHistogram(thresholds)
	behind := 0

	for cam := 0; cam < numCameras; cam++ {
		stats := &c.statistics[cam]
		stats.Residuals = make([]FrameResiduals, len(c.frames))
		stats.Histogram = newHistogram(thresholds)
		stats.OverallMean, stats.OverallMax = 0, 0
		model := s.Cameras[cam].Model

		var sumMeans float64
		var observed int
		for f, frame := range c.frames {
			stats.Residuals[f].Frame = f
			worldToView := s.WorldToView(viewIndex(f, cam, numCameras))

			var residuals []r2.Point
			for _, co := range frame.Cameras {
				if co.CameraID != cam {
					continue
				}
				for _, set := range co.Targets {
					if !c.observedTarget[set.TargetID] {
						continue
					}
					rigid := s.Rigids[set.TargetID]
					targetToView := worldToView.Compose(rigid.ObjectToWorld)
					for _, o := range set.Points {
						px, ok := model.Project(targetToView.Apply(rigid.Points[o.Index]))
						if !ok {
							behind++
							continue
						}
						residuals = append(residuals, px.Sub(o.Pixel))
					}
				}
			}
			if len(residuals) == 0 {
				continue
			}

			img := quality.Summarize(residuals)
			stats.Residuals[f].Observed = true
			stats.Residuals[f].ImageResults = img
			for _, e := range img.Errors {
				stats.Histogram.Add(e)
				c.histogram.Add(e)
			}
			sumMeans += img.MeanError
			stats.OverallMax = math.Max(stats.OverallMax, img.MaxError)
			observed++
		}
		if observed > 0 {
			stats.OverallMean = sumMeans / float64(observed)
		}
	}

	c.behindCamera = behind
	if behind > 0 {
		c.warn("observations reproject behind their camera and have no residual", "points", behind)
	}
}
