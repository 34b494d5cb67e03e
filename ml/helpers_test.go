package ml

import (
	"math"
	"testing"

	"cyclegan/config"
	"cyclegan/data"
	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
)

var cpu = torch.NewDevice("cpu")

// tinyOptions describes networks small enough to train on 16x16 images in
// a unit test.
func tinyOptions(t *testing.T) config.Options {
	t.Helper()
	opt := config.Default("toy")
	opt.NGF = 4
	opt.NDF = 4
	opt.NBlocks = 1
	opt.NetD = "n_layers"
	opt.NLayersD = 1
	opt.BatchSize = 1
	opt.MaxEpochs = 1
	opt.PlotEvery = 1
	opt.SaveEvery = 1
	opt.ModelPath = t.TempDir()
	opt.CheckpointPath = t.TempDir()
	opt.TestPath = t.TempDir()
	return opt
}

func randomImage() torch.Tensor {
	return torch.RandN([]int64{1, 1, 16, 16}, false)
}

func toySample() data.Sample {
	ones := torch.Full([]int64{1, 1, 16, 16}, 1, false)
	return data.Sample{X: randomImage(), Y: randomImage(), MaskX: ones, MaskY: ones}
}

// memoryDataset serves fixed samples, one per batch.
type memoryDataset struct {
	samples []data.Sample
}

func (m *memoryDataset) Len() int { return len(m.samples) }

func (m *memoryDataset) Loader(epoch int) data.Loader {
	return &memoryLoader{samples: m.samples, pos: -1}
}

type memoryLoader struct {
	samples []data.Sample
	pos     int
}

func (l *memoryLoader) Scan() bool {
	l.pos++
	return l.pos < len(l.samples)
}

func (l *memoryLoader) Minibatch() data.Sample { return l.samples[l.pos] }
func (l *memoryLoader) Err() error             { return nil }
func (l *memoryLoader) Close()                 {}

// recordingOptimizer logs every call before forwarding it.
type recordingOptimizer struct {
	name  string
	inner Optimizer
	calls *[]string
}

func (o *recordingOptimizer) ZeroGrad() {
	*o.calls = append(*o.calls, o.name+".zero")
	o.inner.ZeroGrad()
}

func (o *recordingOptimizer) Step() {
	*o.calls = append(*o.calls, o.name+".step")
	o.inner.Step()
}

// countingNet counts forward passes.
type countingNet struct {
	Network
	forwards int
}

func (c *countingNet) Forward(x torch.Tensor) torch.Tensor {
	c.forwards++
	return c.Network.Forward(x)
}

// inputNet keeps a host copy of every input it is given.
type inputNet struct {
	Network
	inputs [][]float32
}

func (n *inputNet) Forward(x torch.Tensor) torch.Tensor {
	n.inputs = append(n.inputs, util.Floats(x))
	return n.Network.Forward(x)
}

func sameFloats(a, b []float32) bool {
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

// nanNet poisons the output of the wrapped network.
type nanNet struct {
	Network
}

func (n nanNet) Forward(x torch.Tensor) torch.Tensor {
	out := n.Network.Forward(x)
	nan := torch.NewTensor([]float32{float32(math.NaN())})
	return torch.Mul(out, nan)
}

// recordingWriter remembers the paths it was asked to write.
type recordingWriter struct {
	paths []string
}

func (w *recordingWriter) WriteImage(path string, batch torch.Tensor) error {
	w.paths = append(w.paths, path)
	return nil
}

func tinyNets(t *testing.T, opt config.Options) Nets {
	t.Helper()
	nets, err := BuildNets(opt, cpu)
	if err != nil {
		t.Fatalf("BuildNets: %v", err)
	}
	return nets
}
