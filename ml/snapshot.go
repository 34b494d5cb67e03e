package ml

import (
	"fmt"
	"math"

	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
	"gocv.io/x/gocv"
)

// ImageWriter persists an NCHW image batch as one picture.
type ImageWriter interface {
	WriteImage(path string, batch torch.Tensor) error
}

// PNGWriter min-max normalizes the whole batch to 0..255, lays the samples
// side by side and encodes the result with OpenCV.
type PNGWriter struct{}

func (PNGWriter) WriteImage(path string, batch torch.Tensor) error {
	shape := batch.Shape()
	if len(shape) == 3 {
		shape = append([]int64{1}, shape...)
	}
	if len(shape) != 4 || (shape[1] != 1 && shape[1] != 3) {
		return fmt.Errorf("write %s: cannot render a batch of shape %v", path, batch.Shape())
	}
	n, c, h, w := int(shape[0]), int(shape[1]), int(shape[2]), int(shape[3])
	pixels := tile(util.Floats(batch), n, c, h, w)

	matType := gocv.MatTypeCV8UC1
	if c == 3 {
		matType = gocv.MatTypeCV8UC3
	}
	mat, err := gocv.NewMatFromBytes(h, n*w, matType, pixels)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("write %s: encoder failed", path)
	}
	return nil
}

// tile converts NCHW floats to an interleaved 8-bit image of height h and
// width n*w. Channels are emitted in BGR order for OpenCV.
func tile(data []float32, n, c, h, w int) []byte {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := float32(0)
	if hi > lo {
		scale = 255 / (hi - lo)
	}

	stride := n * w * c
	out := make([]byte, h*stride)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			dst := c - 1 - ch
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					v := data[((s*c+ch)*h+y)*w+x]
					out[y*stride+(s*w+x)*c+dst] = byte((v-lo)*scale + 0.5)
				}
			}
		}
	}
	return out
}
