package losses

import (
	"math"

	torch "github.com/wangkuiyi/gotorch"
	"gonum.org/v1/gonum/dsp/fourier"
)

// dftBasis holds the real and imaginary parts of an n-point orthonormal DFT
// matrix whose rows are already rotated to put the zero frequency in the
// middle, together with their transposes.
type dftBasis struct {
	re, im   torch.Tensor
	reT, imT torch.Tensor
}

// shiftedDFT returns the n×n orthonormal DFT matrix, row-major, with row i
// holding frequency (i - ceil(n/2)) mod n. Column j is the transform of the
// j-th unit vector.
func shiftedDFT(n int) (re, im []float64) {
	fft := fourier.NewCmplxFFT(n)
	shift := n / 2
	if n%2 != 0 {
		shift++
	}
	norm := 1 / math.Sqrt(float64(n))

	re = make([]float64, n*n)
	im = make([]float64, n*n)
	unit := make([]complex128, n)
	col := make([]complex128, n)
	for j := 0; j < n; j++ {
		for i := range unit {
			unit[i] = 0
		}
		unit[j] = 1
		col = fft.Coefficients(col, unit)
		for i := 0; i < n; i++ {
			f := ((i-shift)%n + n) % n
			re[i*n+j] = real(col[f]) * norm
			im[i*n+j] = imag(col[f]) * norm
		}
	}
	return re, im
}

func transpose(m []float64, n int) []float64 {
	out := make([]float64, len(m))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[j*n+i] = m[i*n+j]
		}
	}
	return out
}

func (k *Kit) matrix(m []float64, n int) torch.Tensor {
	data := make([]float32, len(m))
	for i, v := range m {
		data[i] = float32(v)
	}
	return torch.NewTensor(data).View(int64(n), int64(n)).To(k.device, torch.Float)
}

func (k *Kit) basis(n int64) dftBasis {
	if b, ok := k.bases[n]; ok {
		return b
	}
	re, im := shiftedDFT(int(n))
	b := dftBasis{
		re:  k.matrix(re, int(n)),
		im:  k.matrix(im, int(n)),
		reT: k.matrix(transpose(re, int(n)), int(n)),
		imT: k.matrix(transpose(im, int(n)), int(n)),
	}
	k.bases[n] = b
	return b
}

// rightMul computes x·m over the last dimension of an NCHW tensor.
func rightMul(x, m torch.Tensor) torch.Tensor {
	s := x.Shape()
	rows := torch.Flatten(x, 0, 2)
	return torch.MM(rows, m).View(s[0], s[1], s[2], m.Shape()[1])
}

// leftMul computes m·x over the height dimension of an NCHW tensor, given
// mT = transpose(m).
func leftMul(mT, x torch.Tensor) torch.Tensor {
	return torch.Transpose(rightMul(torch.Transpose(x, 2, 3), mT), 2, 3)
}

// spectrum is the centered orthonormal 2D DFT of x over its last two
// dimensions, split into real and imaginary parts. It is built from matrix
// products so gradients flow through it.
func (k *Kit) spectrum(x torch.Tensor) (re, im torch.Tensor) {
	s := x.Shape()
	bh := k.basis(s[2])
	bw := k.basis(s[3])

	// X = F_h · x · F_wᵀ with F = A + iB
	xa := rightMul(x, bw.reT)
	xb := rightMul(x, bw.imT)
	re = torch.Sub(leftMul(bh.reT, xa), leftMul(bh.imT, xb), 1)
	im = torch.Add(leftMul(bh.reT, xb), leftMul(bh.imT, xa), 1)
	return re, im
}
