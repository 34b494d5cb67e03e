package losses

import (
	"fmt"

	torch "github.com/wangkuiyi/gotorch"
)

// Reconstruction is a cycle or identity objective comparing a real image
// with its reconstruction inside a mask.
type Reconstruction interface {
	Loss(gt, comp, mask torch.Tensor) (torch.Tensor, error)
}

type ReconstructionFunc func(gt, comp, mask torch.Tensor) (torch.Tensor, error)

func (f ReconstructionFunc) Loss(gt, comp, mask torch.Tensor) (torch.Tensor, error) {
	return f(gt, comp, mask)
}

// NewReconstruction selects one of the interchangeable objectives by name:
// l1, masked_mae, masked_weighted_mae, mae_fft or mae_ssim. l1 ignores the
// mask.
func NewReconstruction(k *Kit, kind string, fftWeight, ssimWeight float64) (Reconstruction, error) {
	switch kind {
	case "l1":
		return ReconstructionFunc(func(gt, comp, _ torch.Tensor) (torch.Tensor, error) {
			return k.GlobalMAE(gt, comp)
		}), nil
	case "masked_mae":
		return ReconstructionFunc(func(gt, comp, mask torch.Tensor) (torch.Tensor, error) {
			return k.MaskedMAE(gt, comp, mask, 1.0)
		}), nil
	case "masked_weighted_mae":
		return ReconstructionFunc(func(gt, comp, mask torch.Tensor) (torch.Tensor, error) {
			return k.MaskedWeightedMAE(gt, comp, mask, 1.0)
		}), nil
	case "mae_fft":
		return ReconstructionFunc(func(gt, comp, mask torch.Tensor) (torch.Tensor, error) {
			return k.MaskedMAEPlusFFT(gt, comp, mask, fftWeight)
		}), nil
	case "mae_ssim":
		return ReconstructionFunc(func(gt, comp, mask torch.Tensor) (torch.Tensor, error) {
			return k.MaskedMAEPlusSSIM(gt, comp, mask, ssimWeight)
		}), nil
	}
	return nil, fmt.Errorf("unsupported reconstruction loss %q", kind)
}
