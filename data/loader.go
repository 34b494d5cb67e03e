package data

import (
	"fmt"
	"math/rand"
	"sync"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"
)

// hostImage is a preprocessed image in CHW float32 layout, scaled to [0, 1].
type hostImage struct {
	c, h, w int
	pixels  []float32
}

func toHost(m gocv.Mat) hostImage {
	c := m.Channels()
	h, w := m.Rows(), m.Cols()
	raw := m.ToBytes()
	out := hostImage{c: c, h: h, w: w, pixels: make([]float32, len(raw))}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for ch := 0; ch < c; ch++ {
				out.pixels[(ch*h+y)*w+x] = float32(raw[(y*w+x)*c+ch]) / 255
			}
		}
	}
	return out
}

// item is the host-side form of one sample.
type item struct {
	pathX, pathY string
	x, y         hostImage
	maskX, maskY *hostImage
}

// job asks a worker to fill batch slot i.
type job struct {
	slot int
	p    pair
	gx   geometry
	gy   geometry
	out  []item
	errs []error
	wg   *sync.WaitGroup
}

type hostBatch struct {
	items []item
	err   error
}

// loader decodes images on opt.NumThreads goroutines and prepares one batch
// ahead. Tensors are only created in Scan, on the caller's goroutine.
type loader struct {
	u       *Unaligned
	trX     transform
	trY     transform
	batches <-chan hostBatch
	done    chan struct{}
	once    sync.Once
	cur     Sample
	err     error
}

func newLoader(u *Unaligned, plan [][]pair, rng *rand.Rand) *loader {
	// X feeds generator X and Y is its target, so each domain is decoded
	// with its own channel count.
	trX := transform{
		mode:     u.opt.Preprocess,
		loadSize: u.opt.LoadSize,
		cropSize: u.opt.CropSize,
		gray:     u.opt.InputNC == 1,
	}
	trY := trX
	trY.gray = u.opt.OutputNC == 1
	// Geometry is drawn up front so that results do not depend on worker
	// scheduling.
	geo := make([][][2]geometry, len(plan))
	for i, b := range plan {
		geo[i] = make([][2]geometry, len(b))
		for j := range b {
			geo[i][j] = [2]geometry{draw(rng, u.opt.NoFlip), draw(rng, u.opt.NoFlip)}
		}
	}

	l := &loader{u: u, trX: trX, trY: trY, done: make(chan struct{})}
	out := make(chan hostBatch, 1)
	l.batches = out
	go l.produce(plan, geo, out)
	return l
}

func draw(rng *rand.Rand, noFlip bool) geometry {
	g := geometry{cropX: rng.Float64(), cropY: rng.Float64()}
	if !noFlip {
		g.flip = rng.Intn(2) == 1
	}
	return g
}

func (l *loader) produce(plan [][]pair, geo [][][2]geometry, out chan<- hostBatch) {
	defer close(out)

	threads := l.u.opt.NumThreads
	if threads < 1 {
		threads = 1
	}
	jobs := make(chan job)
	var workers sync.WaitGroup
	for i := 0; i < threads; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range jobs {
				j.out[j.slot], j.errs[j.slot] = l.decode(j.p, j.gx, j.gy)
				j.wg.Done()
			}
		}()
	}
	defer func() {
		close(jobs)
		workers.Wait()
	}()

	for bi, b := range plan {
		items := make([]item, len(b))
		errs := make([]error, len(b))
		var wg sync.WaitGroup
		for i, p := range b {
			wg.Add(1)
			select {
			case jobs <- job{slot: i, p: p, gx: geo[bi][i][0], gy: geo[bi][i][1], out: items, errs: errs, wg: &wg}:
			case <-l.done:
				wg.Done()
				wg.Wait()
				return
			}
		}
		wg.Wait()

		hb := hostBatch{items: items}
		for _, err := range errs {
			if err != nil {
				hb.err = err
				break
			}
		}
		select {
		case out <- hb:
		case <-l.done:
			return
		}
		if hb.err != nil {
			return
		}
	}
}

func (l *loader) decode(p pair, gx, gy geometry) (item, error) {
	u := l.u
	it := item{pathX: u.a[p.a], pathY: u.b[p.b]}
	x, err := l.trX.load(it.pathX, maskFor(u.maskA, it.pathX), gx)
	if err != nil {
		return it, err
	}
	defer x.close()
	y, err := l.trY.load(it.pathY, maskFor(u.maskB, it.pathY), gy)
	if err != nil {
		return it, err
	}
	defer y.close()

	it.x, it.y = toHost(x.image), toHost(y.image)
	if x.hasMask {
		m := toHost(x.mask)
		it.maskX = &m
	}
	if y.hasMask {
		m := toHost(y.mask)
		it.maskY = &m
	}
	return it, nil
}

func (l *loader) Scan() bool {
	if l.err != nil {
		return false
	}
	hb, ok := <-l.batches
	if !ok {
		return false
	}
	if hb.err != nil {
		l.err = hb.err
		return false
	}
	s, err := l.assemble(hb.items)
	if err != nil {
		l.err = err
		return false
	}
	l.cur = s
	return true
}

func (l *loader) Minibatch() Sample { return l.cur }

func (l *loader) Err() error { return l.err }

func (l *loader) Close() {
	l.once.Do(func() { close(l.done) })
}

// assemble stacks the host images into NCHW tensors on the target device.
// Images are normalized to [-1, 1]; masks stay in {0, 1}.
func (l *loader) assemble(items []item) (Sample, error) {
	first := items[0]
	for _, it := range items[1:] {
		if !sameSize(it.x, first.x) || !sameSize(it.y, first.y) {
			return Sample{}, fmt.Errorf("cannot batch %s with %s: sizes differ", it.pathX, first.pathX)
		}
	}

	normX, normY := normalizer(first.x.c), normalizer(first.y.c)
	var xs, ys, mxs, mys []torch.Tensor
	s := Sample{}
	for _, it := range items {
		xs = append(xs, normX.Run(it.x.tensor()))
		ys = append(ys, normY.Run(it.y.tensor()))
		mxs = append(mxs, maskTensor(it.maskX, it.x))
		mys = append(mys, maskTensor(it.maskY, it.y))
		s.PathsX = append(s.PathsX, it.pathX)
		s.PathsY = append(s.PathsY, it.pathY)
	}
	d := l.u.device
	s.X = torch.Stack(xs, 0).To(d, torch.Float)
	s.Y = torch.Stack(ys, 0).To(d, torch.Float)
	s.MaskX = torch.Stack(mxs, 0).To(d, torch.Float)
	s.MaskY = torch.Stack(mys, 0).To(d, torch.Float)
	return s, nil
}

func sameSize(a, b hostImage) bool {
	return a.c == b.c && a.h == b.h && a.w == b.w
}

func (h hostImage) tensor() torch.Tensor {
	return torch.NewTensor(h.pixels).View(int64(h.c), int64(h.h), int64(h.w))
}

// Normalized maps an 8-bit pixel level to the [-1, 1] scale of Sample
// images.
func Normalized(level float64) float64 {
	return level/127.5 - 1
}

func normalizer(channels int) *transforms.NormalizeTransformer {
	mean := make([]float32, channels)
	std := make([]float32, channels)
	for i := range mean {
		mean[i], std[i] = 0.5, 0.5
	}
	return transforms.Normalize(mean, std)
}

func maskTensor(m *hostImage, img hostImage) torch.Tensor {
	if m == nil {
		return torch.Full([]int64{int64(img.c), int64(img.h), int64(img.w)}, 1, false)
	}
	return m.tensor()
}
