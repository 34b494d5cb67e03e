// Package data loads unpaired two-domain image batches.
package data

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cyclegan/config"

	torch "github.com/wangkuiyi/gotorch"
)

var ErrEmptyDomain = errors.New("no images found")

// Sample is one batch: domain X and domain Y images of matching channel and
// spatial size, and their masks (all ones when no mask directory exists).
type Sample struct {
	X, Y         torch.Tensor
	MaskX, MaskY torch.Tensor
	PathsX       []string
	PathsY       []string
}

// Dataset hands out a fresh loader per epoch.
type Dataset interface {
	Len() int
	Loader(epoch int) Loader
}

// Loader iterates over one epoch of batches, in the style of
// imageloader.ImageLoader: Scan advances, Minibatch returns the current
// batch. Close must be called when iteration stops early.
type Loader interface {
	Scan() bool
	Minibatch() Sample
	Err() error
	Close()
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".bmp": true,
	".tif": true, ".tiff": true, ".ppm": true, ".pgm": true,
}

// listImages returns the sorted image files in dir, capped to max.
func listImages(dir string, max int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	if max > 0 && len(files) > max {
		files = files[:max]
	}
	return files, nil
}

// maskFor returns the mask file matching image in maskDir, or "" if there
// is none.
func maskFor(maskDir, image string) string {
	if maskDir == "" {
		return ""
	}
	p := filepath.Join(maskDir, filepath.Base(image))
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// Unaligned reads <dataroot>/<phase>A and <phase>B (swapped for BtoA) and
// pairs them without any correspondence.
type Unaligned struct {
	opt    config.Options
	device torch.Device
	a, b   []string
	maskA  string
	maskB  string
}

func NewUnaligned(opt config.Options, device torch.Device) (*Unaligned, error) {
	dirA := filepath.Join(opt.DataRoot, opt.Phase+"A")
	dirB := filepath.Join(opt.DataRoot, opt.Phase+"B")
	if opt.Direction == "BtoA" {
		dirA, dirB = dirB, dirA
	}

	a, err := listImages(dirA, opt.MaxDatasetSize)
	if err != nil {
		return nil, fmt.Errorf("list domain X: %w", err)
	}
	b, err := listImages(dirB, opt.MaxDatasetSize)
	if err != nil {
		return nil, fmt.Errorf("list domain Y: %w", err)
	}
	if len(a) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmptyDomain, dirA)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmptyDomain, dirB)
	}

	u := &Unaligned{opt: opt, device: device, a: a, b: b}
	if dirExists(dirA + "_mask") {
		u.maskA = dirA + "_mask"
	}
	if dirExists(dirB + "_mask") {
		u.maskB = dirB + "_mask"
	}
	return u, nil
}

// Len is the size of the larger domain.
func (u *Unaligned) Len() int {
	if len(u.a) > len(u.b) {
		return len(u.a)
	}
	return len(u.b)
}

// pair indexes one X image and one Y image.
type pair struct {
	a, b int
}

// plan fixes the visiting order of an epoch. Serial epochs walk X in order
// and take Y at the same index modulo its size; shuffled epochs permute X
// and draw Y at random.
func plan(n, sizeA, sizeB int, serial bool, rng *rand.Rand) []pair {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if !serial {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	out := make([]pair, n)
	for i, idx := range order {
		p := pair{a: idx % sizeA}
		if serial {
			p.b = idx % sizeB
		} else {
			p.b = rng.Intn(sizeB)
		}
		out[i] = p
	}
	return out
}

// batches splits the plan into consecutive runs of size; the last one may
// be shorter.
func batches(p []pair, size int) [][]pair {
	var out [][]pair
	for start := 0; start < len(p); start += size {
		end := start + size
		if end > len(p) {
			end = len(p)
		}
		out = append(out, p[start:end])
	}
	return out
}

func (u *Unaligned) Loader(epoch int) Loader {
	rng := rand.New(rand.NewSource(u.opt.Seed + int64(epoch)))
	p := plan(u.Len(), len(u.a), len(u.b), u.opt.SerialBatches, rng)
	return newLoader(u, batches(p, u.opt.BatchSize), rng)
}
