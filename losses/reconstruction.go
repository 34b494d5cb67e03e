// Package losses implements the reconstruction and adversarial objectives
// used by the CycleGAN trainer.
package losses

import (
	"errors"
	"fmt"

	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
)

var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrEmptyMask     = errors.New("mask has zero total weight")
)

// HighIntensity is the default ground-truth level from which
// MaskedWeightedMAE counts a pixel, in 8-bit pixel units.
const HighIntensity = 200.0

// Kit computes the reconstruction losses on one device. The frequency and
// structural variants cache their basis matrices and windows per image size,
// so a Kit must not be shared between goroutines.
type Kit struct {
	device torch.Device

	// FFTIncludeMAE adds the masked MAE to MaskedMAEPlusFFT's result.
	FFTIncludeMAE bool
	// SSIMIncludeMAE adds the masked MAE to MaskedMAEPlusSSIM's result.
	SSIMIncludeMAE bool
	// WeightedThreshold is MaskedWeightedMAE's gate, in the scale of the
	// ground truth it is given.
	WeightedThreshold float64

	bases   map[int64]dftBasis
	windows map[int64]torch.Tensor
}

// NewKit returns a Kit with the historical term composition: the FFT variant
// returns only its frequency term, the SSIM variant returns MAE + SSIM.
func NewKit(device torch.Device) *Kit {
	return &Kit{
		device:            device,
		FFTIncludeMAE:     false,
		SSIMIncludeMAE:    true,
		WeightedThreshold: HighIntensity,
		bases:             make(map[int64]dftBasis),
		windows:           make(map[int64]torch.Tensor),
	}
}

func checkShapes(gt, comp torch.Tensor) error {
	if !util.SameShape(gt.Shape(), comp.Shape()) {
		return fmt.Errorf("%w: ground truth %v, composite %v", ErrShapeMismatch, gt.Shape(), comp.Shape())
	}
	return nil
}

func checkMask(gt, mask torch.Tensor) error {
	if !util.SameShape(gt.Shape(), mask.Shape()) {
		return fmt.Errorf("%w: ground truth %v, mask %v", ErrShapeMismatch, gt.Shape(), mask.Shape())
	}
	return nil
}

// GlobalMAE is the mean absolute difference over all elements.
func (k *Kit) GlobalMAE(gt, comp torch.Tensor) (torch.Tensor, error) {
	if err := checkShapes(gt, comp); err != nil {
		return torch.Tensor{}, err
	}
	return k.abs(torch.Sub(gt, comp, 1)).Mean(), nil
}

// MaskedMAE is weight * sum(|mask*(gt-comp)|) / sum(mask).
func (k *Kit) MaskedMAE(gt, comp, mask torch.Tensor, weight float64) (torch.Tensor, error) {
	if err := checkShapes(gt, comp); err != nil {
		return torch.Tensor{}, err
	}
	if err := checkMask(gt, mask); err != nil {
		return torch.Tensor{}, err
	}
	mae, err := k.maskedMAE(gt, comp, mask)
	if err != nil {
		return torch.Tensor{}, err
	}
	return k.scale(mae, weight), nil
}

func (k *Kit) maskedMAE(gt, comp, mask torch.Tensor) (torch.Tensor, error) {
	total := mask.Sum()
	if util.Scalar(total) == 0 {
		return torch.Tensor{}, ErrEmptyMask
	}
	diff := k.abs(torch.Mul(mask, torch.Sub(gt, comp, 1))).Sum()
	return torch.Div(diff, total), nil
}

// MaskedWeightedMAE restricts MaskedMAE to pixels whose ground truth is at
// least k.WeightedThreshold. Differences elsewhere never reach the result.
func (k *Kit) MaskedWeightedMAE(gt, comp, mask torch.Tensor, maeWeight float64) (torch.Tensor, error) {
	if err := checkShapes(gt, comp); err != nil {
		return torch.Tensor{}, err
	}
	if err := checkMask(gt, mask); err != nil {
		return torch.Tensor{}, err
	}
	w := torch.Mul(mask, k.atLeast(gt, k.WeightedThreshold))
	total := w.Sum()
	if util.Scalar(total) == 0 {
		return torch.Tensor{}, ErrEmptyMask
	}
	diff := torch.Mul(w, k.abs(torch.Sub(gt, comp, 1))).Sum()
	return k.scale(torch.Div(diff, total), maeWeight), nil
}

// MaskedMAEPlusFFT compares the centered orthonormal spectra of gt and of
// comp with its out-of-mask pixels set to Sentinel, and returns
// fftWeight * mean|spectrum difference|. The masked MAE is only computed
// when FFTIncludeMAE adds it or debug logging prints it. An empty mask is an
// error only in the first case.
func (k *Kit) MaskedMAEPlusFFT(gt, comp, mask torch.Tensor, fftWeight float64) (torch.Tensor, error) {
	if err := checkShapes(gt, comp); err != nil {
		return torch.Tensor{}, err
	}
	if err := checkMask(gt, mask); err != nil {
		return torch.Tensor{}, err
	}
	var mae torch.Tensor
	haveMAE := false
	if k.FFTIncludeMAE || util.DebugEnabled() {
		m, err := k.maskedMAE(gt, comp, mask)
		if err != nil && k.FFTIncludeMAE {
			return torch.Tensor{}, err
		}
		mae, haveMAE = m, err == nil
	}

	filled := k.fillOutside(comp, mask, Sentinel)
	gtRe, gtIm := k.spectrum(as4D(gt))
	cRe, cIm := k.spectrum(as4D(filled))
	diffRe := k.abs(torch.Sub(gtRe, cRe, 1)).Mean()
	diffIm := k.abs(torch.Sub(gtIm, cIm, 1)).Mean()
	// mean over the stacked (re, im) pair
	diff := torch.Mul(torch.Add(diffRe, diffIm, 1), k.scalar(0.5))
	fft := k.scale(diff, fftWeight)

	switch {
	case haveMAE && util.DebugEnabled():
		util.Debugf("MAE = %.2f -- FFT = %.2f", util.Scalar(mae), util.Scalar(fft))
	case util.DebugEnabled():
		util.Debugf("MAE = n/a -- FFT = %.2f", util.Scalar(fft))
	}
	if k.FFTIncludeMAE {
		return torch.Add(mae, fft, 1), nil
	}
	return fft, nil
}

// MaskedMAEPlusSSIM returns masked MAE + ssimWeight * (1 - SSIM(gt, comp'))
// where comp' has its out-of-mask pixels set to Sentinel. Without
// SSIMIncludeMAE only the structural term is returned.
func (k *Kit) MaskedMAEPlusSSIM(gt, comp, mask torch.Tensor, ssimWeight float64) (torch.Tensor, error) {
	if err := checkShapes(gt, comp); err != nil {
		return torch.Tensor{}, err
	}
	if err := checkMask(gt, mask); err != nil {
		return torch.Tensor{}, err
	}
	mae, err := k.maskedMAE(gt, comp, mask)
	if err != nil {
		return torch.Tensor{}, err
	}

	filled := k.fillOutside(comp, mask, Sentinel)
	ssimLoss := torch.Sub(k.scalar(1), k.SSIM(as4D(gt), as4D(filled)), 1)
	total := k.scale(ssimLoss, ssimWeight)

	if util.DebugEnabled() {
		util.Debugf("MAE = %.2f -- SSIM = %.2f -- TOTAL SSIM = %.2f",
			util.Scalar(mae), util.Scalar(ssimLoss), util.Scalar(total))
	}
	if k.SSIMIncludeMAE {
		return torch.Add(mae, total, 1), nil
	}
	return total, nil
}
