//go:build !purego && !js

package imaging

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps a single-channel CV_32F gocv.Mat.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat                       { return Mat{m: gocv.NewMat()} }
func NewMatWithSize(rows, cols int) Mat { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int               { return mat.m.Rows() }
func (mat Mat) Cols() int               { return mat.m.Cols() }
func (mat Mat) Empty() bool             { return mat.m.Empty() }
func (mat Mat) Clone() Mat              { return Mat{m: mat.m.Clone()} }
func (mat *Mat) Close()                 { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	gocv.SepFilter2D(src.m, &dst.m, gocv.MatTypeCV32F, kernelX.m, kernelY.m, image.Pt(-1, -1), 0, gocv.BorderReflect101)
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	k := gocv.GetGaussianKernel(size, sigma)
	defer k.Close()
	out := gocv.NewMat()
	k.ConvertTo(&out, gocv.MatTypeCV32F)
	return Mat{m: out}
}

// medianBlur supports ksize 3 and 5 for CV_32F input.
func medianBlur(src Mat, dst *Mat, ksize int) {
	gocv.MedianBlur(src.m, &dst.m, ksize)
}

func thresholdBinary(src Mat, dst *Mat, thresh, maxval float32) {
	gocv.Threshold(src.m, &dst.m, thresh, maxval, gocv.ThresholdBinary)
}

func countNonZero(src Mat) int {
	return gocv.CountNonZero(src.m)
}
