// Package detect finds calibration targets in images.
package detect

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"viammulticalib/target"
)

// Chessboard finds the inner corners of a chessboard. Rows and Cols count inner corners, so a board
// of 8x6 squares has Rows=5 and Cols=7. Corner i is at row i/Cols and column i%Cols, matching
// target.ChessboardLayout.
type Chessboard struct {
	TargetID int
	Rows     int
	Cols     int

	// SubPixel refines every corner with a search window of this half size. Zero disables it.
	SubPixel int
}

// Layout is the target layout detected corners refer to.
func (d *Chessboard) Layout(square float64) target.Layout {
	return target.ChessboardLayout(d.TargetID, d.Rows, d.Cols, square)
}

// Detect returns the observed corners. found is false when the whole board is not visible.
func (d *Chessboard) Detect(img image.Image) (set target.ObservationSet, found bool, err error) {
	if d.Rows < 2 || d.Cols < 2 {
		return set, false, errors.Errorf("chessboard needs at least 2x2 inner corners, got %dx%d", d.Rows, d.Cols)
	}

	mat, err := imageToMat(img)
	if err != nil {
		return set, false, err
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	corners := gocv.NewMat()
	defer corners.Close()
	pattern := image.Pt(d.Cols, d.Rows)
	if !gocv.FindChessboardCorners(gray, pattern, &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage) {
		return set, false, nil
	}
	if corners.Rows() != d.Rows*d.Cols {
		return set, false, nil
	}

	if d.SubPixel > 0 {
		criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 30, 0.001)
		gocv.CornerSubPix(gray, &corners, image.Pt(d.SubPixel, d.SubPixel), image.Pt(-1, -1), criteria)
	}

	set.TargetID = d.TargetID
	set.Points = make([]target.Observation, corners.Rows())
	for i := range set.Points {
		v := corners.GetVecfAt(i, 0)
		set.Points[i] = target.Observation{Index: i, Pixel: r2.Point{X: float64(v[0]), Y: float64(v[1])}}
	}
	return set, true, nil
}

// imageToMat copies an image into a BGR Mat.
func imageToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.Mat{}, errors.New("empty image")
	}

	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			// 16 bit to 8 bit
			mat.SetUCharAt(y, x*3, uint8(b>>8))
			mat.SetUCharAt(y, x*3+1, uint8(g>>8))
			mat.SetUCharAt(y, x*3+2, uint8(r>>8))
		}
	}
	return mat, nil
}
