package losses

import (
	torch "github.com/wangkuiyi/gotorch"
)

// Sentinel is written into composite pixels outside the mask before the
// frequency and structural terms are computed.
const Sentinel = -1000.0

func (k *Kit) scalar(v float64) torch.Tensor {
	return torch.Full([]int64{1}, float32(v), false).To(k.device, torch.Float)
}

func (k *Kit) full(shape []int64, v float64) torch.Tensor {
	return torch.Full(shape, float32(v), false).To(k.device, torch.Float)
}

func (k *Kit) scale(t torch.Tensor, w float64) torch.Tensor {
	if w == 1 {
		return t
	}
	return torch.Mul(t, k.scalar(w))
}

// abs is relu(x) + relu(-x); gotorch has no elementwise abs. The gradient at
// zero is zero, same as torch.abs.
func (k *Kit) abs(x torch.Tensor) torch.Tensor {
	return torch.Add(torch.Relu(x), torch.Relu(torch.Mul(x, k.scalar(-1))), 1)
}

func square(x torch.Tensor) torch.Tensor {
	return torch.Mul(x, x)
}

// atLeast returns a float tensor holding 1 where x >= threshold and 0
// elsewhere. x <= t is tested as relu(x - t) == 0, which is exact in floating
// point, and the boundary x == t is added back.
func (k *Kit) atLeast(x torch.Tensor, threshold float64) torch.Tensor {
	x = x.Detach()
	t := k.scalar(threshold)
	le := torch.Relu(torch.Sub(x, t, 1)).Eq(k.scalar(0)).CastTo(torch.Float)
	eq := x.Eq(t).CastTo(torch.Float)
	return torch.Add(torch.Sub(k.scalar(1), le, 1), eq, 1)
}

// fillOutside keeps comp where mask is 1 and writes value everywhere else.
// The caller's tensor is left untouched.
func (k *Kit) fillOutside(comp, mask torch.Tensor, value float64) torch.Tensor {
	outside := torch.Sub(k.scalar(1), mask, 1)
	return torch.Add(torch.Mul(comp, mask), torch.Mul(outside, k.scalar(value)), 1)
}

// as4D views a CHW image as a one-element batch; NCHW passes through.
func as4D(t torch.Tensor) torch.Tensor {
	s := t.Shape()
	if len(s) == 3 {
		return t.View(1, s[0], s[1], s[2])
	}
	return t
}
