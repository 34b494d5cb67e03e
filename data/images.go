package data

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// geometry holds the random choices of one sample so that an image and its
// mask are transformed identically.
type geometry struct {
	cropX, cropY float64
	flip         bool
}

// transform describes the preprocessing pipeline of one domain.
type transform struct {
	mode     string
	loadSize int
	cropSize int
	gray     bool
}

// roundDown4 keeps spatial sizes divisible by the generator's total stride.
func roundDown4(n int) int {
	if n < 4 {
		return 4
	}
	return n - n%4
}

// size computes the resize target and crop window for an input of w x h.
func (tr transform) size(w, h int) (resize image.Point, crop int) {
	switch tr.mode {
	case "resize_and_crop":
		return image.Pt(tr.loadSize, tr.loadSize), tr.cropSize
	case "scale_width":
		nh := h * tr.loadSize / w
		if nh < tr.cropSize {
			nh = tr.cropSize
		}
		return image.Pt(roundDown4(tr.loadSize), roundDown4(nh)), 0
	default:
		return image.Pt(roundDown4(w), roundDown4(h)), 0
	}
}

// apply resizes with interp, then crops and flips src. The returned Mat is
// owned by the caller.
func (tr transform) apply(src gocv.Mat, g geometry, interp gocv.InterpolationFlags) gocv.Mat {
	target, crop := tr.size(src.Cols(), src.Rows())
	resized := gocv.NewMat()
	gocv.Resize(src, &resized, target, 0, 0, interp)

	out := resized
	if crop > 0 && crop <= target.X && crop <= target.Y {
		x := int(g.cropX * float64(target.X-crop))
		y := int(g.cropY * float64(target.Y-crop))
		region := resized.Region(image.Rect(x, y, x+crop, y+crop))
		out = region.Clone()
		region.Close()
		resized.Close()
	}

	if g.flip {
		flipped := gocv.NewMat()
		gocv.Flip(out, &flipped, 1)
		out.Close()
		out = flipped
	}
	return out
}

// readImage decodes path as grayscale or RGB.
func (tr transform) readImage(path string) (gocv.Mat, error) {
	flags := gocv.IMReadColor
	if tr.gray {
		flags = gocv.IMReadGrayScale
	}
	img := gocv.IMRead(path, flags)
	if img.Empty() {
		img.Close()
		return img, fmt.Errorf("cannot decode image %s", path)
	}
	if tr.gray {
		return img, nil
	}
	rgb := gocv.NewMat()
	gocv.CvtColor(img, &rgb, gocv.ColorBGRToRGB)
	img.Close()
	return rgb, nil
}

// readMask decodes a mask, binarises it to {0, 255} and replicates it to
// the image channel count.
func (tr transform) readMask(path string) (gocv.Mat, error) {
	m := gocv.IMRead(path, gocv.IMReadGrayScale)
	if m.Empty() {
		m.Close()
		return m, fmt.Errorf("cannot decode mask %s", path)
	}
	bin := gocv.NewMat()
	gocv.Threshold(m, &bin, 127, 255, gocv.ThresholdBinary)
	m.Close()
	if tr.gray {
		return bin, nil
	}
	rgb := gocv.NewMat()
	gocv.CvtColor(bin, &rgb, gocv.ColorGrayToBGR)
	bin.Close()
	return rgb, nil
}

// decoded is one preprocessed image with an optional mask. Mask is empty
// when the image has none.
type decoded struct {
	path    string
	image   gocv.Mat
	mask    gocv.Mat
	hasMask bool
}

func (d *decoded) close() {
	d.image.Close()
	if d.hasMask {
		d.mask.Close()
	}
}

func (tr transform) load(path, maskPath string, g geometry) (decoded, error) {
	src, err := tr.readImage(path)
	if err != nil {
		return decoded{}, err
	}
	d := decoded{path: path, image: tr.apply(src, g, gocv.InterpolationLinear)}
	src.Close()
	if maskPath == "" {
		return d, nil
	}
	m, err := tr.readMask(maskPath)
	if err != nil {
		d.image.Close()
		return decoded{}, err
	}
	// nearest neighbour keeps the mask binary
	d.mask = tr.apply(m, g, gocv.InterpolationNearestNeighbor)
	d.hasMask = true
	m.Close()
	if d.mask.Rows() != d.image.Rows() || d.mask.Cols() != d.image.Cols() {
		d.close()
		return decoded{}, fmt.Errorf("mask %s does not match image %s", maskPath, path)
	}
	return d, nil
}
