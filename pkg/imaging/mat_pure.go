//go:build purego || js

package imaging

import (
	"math"
	"sort"
)

// Mat is a pure Go row-major float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{data: make([]float32, rows*cols), rows: rows, cols: cols}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m Mat) Clone() Mat {
	data := make([]float32, len(m.data))
	copy(data, m.data)
	return Mat{data: data, rows: m.rows, cols: m.cols}
}

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

func (m Mat) DataFloat32() []float32 { return m.data }

func ensureSize(dst *Mat, rows, cols int) {
	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}
}

// reflectIndex mirrors idx into [0, size) without repeating the edge pixel,
// matching OpenCV's BORDER_REFLECT_101.
func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	for idx < 0 || idx >= size {
		if idx < 0 {
			idx = -idx
		}
		if idx >= size {
			idx = 2*size - 2 - idx
		}
	}
	return idx
}

func sepFilter2DReflect(src Mat, dst *Mat, kernelX, kernelY Mat) {
	rows, cols := src.rows, src.cols
	in := src.data
	kx, ky := kernelX.data, kernelY.data
	hx, hy := len(kx)/2, len(ky)/2

	temp := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		off := r * cols
		for c := 0; c < cols; c++ {
			var sum float32
			for k, w := range kx {
				sum += in[off+reflectIndex(c+k-hx, cols)] * w
			}
			temp[off+c] = sum
		}
	}

	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var sum float32
			for k, w := range ky {
				sum += temp[reflectIndex(r+k-hy, rows)*cols+c] * w
			}
			out[r*cols+c] = sum
		}
	}
	ensureSize(dst, rows, cols)
	copy(dst.data, out)
}

func getGaussianKernel1D(size int, sigma float64) Mat {
	m := NewMatWithSize(size, 1)
	half := size / 2
	sum := 0.0
	weights := make([]float64, size)
	for i := range weights {
		x := float64(i - half)
		weights[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += weights[i]
	}
	for i, w := range weights {
		m.data[i] = float32(w / sum)
	}
	return m
}

// medianBlur replicates edge pixels, as OpenCV does for this filter.
func medianBlur(src Mat, dst *Mat, ksize int) {
	rows, cols := src.rows, src.cols
	half := ksize / 2
	out := make([]float32, rows*cols)
	window := make([]float32, 0, ksize*ksize)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			window = window[:0]
			for dr := -half; dr <= half; dr++ {
				rr := min(max(r+dr, 0), rows-1)
				for dc := -half; dc <= half; dc++ {
					cc := min(max(c+dc, 0), cols-1)
					window = append(window, src.data[rr*cols+cc])
				}
			}
			sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
			out[r*cols+c] = window[len(window)/2]
		}
	}
	ensureSize(dst, rows, cols)
	copy(dst.data, out)
}

func thresholdBinary(src Mat, dst *Mat, thresh, maxval float32) {
	ensureSize(dst, src.rows, src.cols)
	for i, v := range src.data {
		if v > thresh {
			dst.data[i] = maxval
		} else {
			dst.data[i] = 0
		}
	}
}

func countNonZero(src Mat) int {
	n := 0
	for _, v := range src.data {
		if v != 0 {
			n++
		}
	}
	return n
}
