package losses

import (
	"math"

	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimC1     = 0.01 * 0.01
	ssimC2     = 0.03 * 0.03
)

func gaussian(size int, sigma float64) []float64 {
	g := make([]float64, size)
	sum := 0.0
	for i := range g {
		d := float64(i - size/2)
		g[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += g[i]
	}
	for i := range g {
		g[i] /= sum
	}
	return g
}

// window returns the depthwise gaussian kernel, shaped (channels, 1, 11, 11).
func (k *Kit) window(channels int64) torch.Tensor {
	if w, ok := k.windows[channels]; ok {
		return w
	}
	g := gaussian(ssimWindow, ssimSigma)
	data := make([]float32, 0, int(channels)*ssimWindow*ssimWindow)
	for c := int64(0); c < channels; c++ {
		for i := 0; i < ssimWindow; i++ {
			for j := 0; j < ssimWindow; j++ {
				data = append(data, float32(g[i]*g[j]))
			}
		}
	}
	w := torch.NewTensor(data).View(channels, 1, ssimWindow, ssimWindow).To(k.device, torch.Float)
	k.windows[channels] = w
	return w
}

func (k *Kit) blur(x, w torch.Tensor, channels int64) torch.Tensor {
	pad := int64(ssimWindow / 2)
	return F.Conv2d(x, w, torch.Tensor{}, []int64{1, 1}, []int64{pad, pad}, []int64{1, 1}, channels)
}

// SSIM is the mean structural similarity of two NCHW batches under an 11×11
// gaussian window.
func (k *Kit) SSIM(a, b torch.Tensor) torch.Tensor {
	channels := a.Shape()[1]
	w := k.window(channels)

	muA := k.blur(a, w, channels)
	muB := k.blur(b, w, channels)
	muA2 := square(muA)
	muB2 := square(muB)
	muAB := torch.Mul(muA, muB)

	sigmaA2 := torch.Sub(k.blur(square(a), w, channels), muA2, 1)
	sigmaB2 := torch.Sub(k.blur(square(b), w, channels), muB2, 1)
	sigmaAB := torch.Sub(k.blur(torch.Mul(a, b), w, channels), muAB, 1)

	two := k.scalar(2)
	c1 := k.scalar(ssimC1)
	c2 := k.scalar(ssimC2)
	num := torch.Mul(
		torch.Add(torch.Mul(two, muAB), c1, 1),
		torch.Add(torch.Mul(two, sigmaAB), c2, 1))
	den := torch.Mul(
		torch.Add(torch.Add(muA2, muB2, 1), c1, 1),
		torch.Add(torch.Add(sigmaA2, sigmaB2, 1), c2, 1))
	return torch.Div(num, den).Mean()
}
