package losses

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
)

// Label is the target a discriminator prediction is scored against.
type Label int

const (
	Fake Label = iota
	Real
)

func (l Label) String() string {
	if l == Real {
		return "real"
	}
	return "fake"
}

func (l Label) value() float32 {
	if l == Real {
		return 1
	}
	return 0
}

type GANMode int

const (
	// LSGAN scores predictions with the mean squared error to the label.
	LSGAN GANMode = iota
	// Vanilla scores logits with binary cross entropy on the logits.
	Vanilla
)

func ParseGANMode(s string) (GANMode, error) {
	switch s {
	case "lsgan":
		return LSGAN, nil
	case "vanilla":
		return Vanilla, nil
	}
	return 0, fmt.Errorf("unsupported gan mode %q", s)
}

func (m GANMode) String() string {
	switch m {
	case LSGAN:
		return "lsgan"
	case Vanilla:
		return "vanilla"
	default:
		return fmt.Sprintf("GANMode(%d)", int(m))
	}
}

// GAN turns a patch prediction map into a scalar adversarial loss against a
// label broadcast to the prediction's shape.
type GAN struct {
	mode   GANMode
	device torch.Device
}

func NewGAN(mode GANMode, device torch.Device) *GAN {
	return &GAN{mode: mode, device: device}
}

func (g *GAN) Mode() GANMode {
	return g.mode
}

func (g *GAN) Loss(prediction torch.Tensor, target Label) torch.Tensor {
	label := torch.Full(prediction.Shape(), target.value(), false).To(g.device, torch.Float)
	switch g.mode {
	case Vanilla:
		return torch.Sub(g.softplus(prediction), torch.Mul(prediction, label), 1).Mean()
	default:
		return square(torch.Sub(prediction, label, 1)).Mean()
	}
}

// softplus is log(1 + exp(x)) elementwise, the binary cross entropy of the
// logit x against a fake label. It is read off a log-softmax over the pairs
// (0, x): the first column is -log(1 + exp(x)). LogSoftmax shifts each row by
// its maximum, so no exponential overflows.
func (g *GAN) softplus(x torch.Tensor) torch.Tensor {
	flat := x.View(-1)
	zeros := torch.Full(flat.Shape(), 0, false).To(g.device, torch.Float)
	pairs := torch.Stack([]torch.Tensor{zeros, flat}, 1)
	first := torch.NewTensor([]float32{-1, 0}).View(2, 1).To(g.device, torch.Float)
	return torch.MM(torch.LogSoftmax(pairs, 1), first).View(x.Shape()...)
}
