package util

import (
	"fmt"
	"runtime"
	"unsafe"

	torch "github.com/wangkuiyi/gotorch"
)

var cpu = torch.NewDevice("cpu")

// Scalar reads a one-element tensor as float64.
func Scalar(t torch.Tensor) float64 {
	switch v := t.Item().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("util.Scalar: unsupported item type %T", v))
	}
}

// Floats copies the elements of t to host memory in row-major order. The
// CPU float32 copy of t is added in one call into a zeroed tensor that wraps
// the returned slice.
func Floats(t torch.Tensor) []float32 {
	src := t.Detach().To(cpu, torch.Float)
	out := make([]float32, numel(src.Shape()))
	if len(out) == 0 {
		return out
	}
	dst := torch.FromBlob(unsafe.Pointer(&out[0]), torch.Float, src.Shape())
	dst.AddI(src, 1)
	runtime.KeepAlive(out)
	return out
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
