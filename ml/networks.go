package ml

import (
	"errors"
	"fmt"
	"math"

	"cyclegan/config"
	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	F "github.com/wangkuiyi/gotorch/nn/functional"
	"github.com/wangkuiyi/gotorch/nn/initializer"
)

var (
	ErrUnsupportedNetwork = errors.New("unsupported network configuration")
	ErrWeightsMismatch    = errors.New("weights do not match network")
)

// NetConfig is the construction bundle shared by generators and
// discriminators.
type NetConfig struct {
	InputNC    int64
	OutputNC   int64
	NGF        int64
	NDF        int64
	NBlocks    int64
	NLayers    int64
	Norm       string
	InitType   string
	InitGain   float64
	UseDropout bool
}

func NetConfigFrom(opt config.Options) NetConfig {
	layers := int64(opt.NLayersD)
	if opt.NetD == "basic" {
		layers = 3
	}
	return NetConfig{
		InputNC:    int64(opt.InputNC),
		OutputNC:   int64(opt.OutputNC),
		NGF:        int64(opt.NGF),
		NDF:        int64(opt.NDF),
		NBlocks:    int64(opt.NBlocks),
		NLayers:    layers,
		Norm:       opt.Norm,
		InitType:   opt.InitType,
		InitGain:   0.02,
		UseDropout: opt.UseDropout,
	}
}

func (c NetConfig) check() error {
	switch c.Norm {
	case "instance", "batch", "none":
	default:
		return fmt.Errorf("%w: norm %q", ErrUnsupportedNetwork, c.Norm)
	}
	switch c.InitType {
	case "normal", "xavier", "kaiming":
	default:
		return fmt.Errorf("%w: init_type %q", ErrUnsupportedNetwork, c.InitType)
	}
	if c.UseDropout {
		return fmt.Errorf("%w: dropout in residual blocks", ErrUnsupportedNetwork)
	}
	return nil
}

// convBias follows the CycleGAN convention: convolutions followed by batch
// norm carry no bias, its shift makes one redundant.
func (c NetConfig) convBias() bool {
	return c.Norm != "batch"
}

// instanceNorm normalizes every (sample, channel) plane on its own, without
// affine parameters or running statistics. It is batch norm in training mode
// over a (1, N*C, H, W) view.
func instanceNorm(x torch.Tensor) torch.Tensor {
	s := x.Shape()
	flat := x.View(1, s[0]*s[1], s[2], s[3])
	y := F.BatchNorm(flat, torch.Tensor{}, torch.Tensor{}, torch.Tensor{}, torch.Tensor{}, true, 0.1, 1e-5)
	return y.View(s...)
}

// norms applies the configured normalization; bn is consulted only for
// batch norm.
type norms struct {
	kind string
}

func (n norms) apply(bn []*nn.BatchNorm2dModule, i int, x torch.Tensor) torch.Tensor {
	switch n.kind {
	case "batch":
		return bn[i].Forward(x)
	case "instance":
		return instanceNorm(x)
	default:
		return x
	}
}

func batchNorms(kind string, channels ...int64) []*nn.BatchNorm2dModule {
	if kind != "batch" {
		return []*nn.BatchNorm2dModule{}
	}
	out := make([]*nn.BatchNorm2dModule, len(channels))
	for i, c := range channels {
		out[i] = nn.BatchNorm2d(c, 1e-5, 0.1, true, true)
	}
	return out
}

func conv(in, out, kernel, stride, padding int64, bias bool) *nn.Conv2dModule {
	return nn.Conv2d(in, out, kernel, stride, padding, 1, 1, bias, "zeros")
}

// ResnetBlock is conv-norm-relu-conv-norm with a skip connection.
type ResnetBlock struct {
	nn.Module
	Conv1 *nn.Conv2dModule
	Conv2 *nn.Conv2dModule
	BN    []*nn.BatchNorm2dModule
	norm  norms
}

func newResnetBlock(dim int64, c NetConfig) *ResnetBlock {
	b := &ResnetBlock{
		Conv1: conv(dim, dim, 3, 1, 1, c.convBias()),
		Conv2: conv(dim, dim, 3, 1, 1, c.convBias()),
		BN:    batchNorms(c.Norm, dim, dim),
		norm:  norms{c.Norm},
	}
	b.Init(b)
	return b
}

func (b *ResnetBlock) Forward(x torch.Tensor) torch.Tensor {
	h := torch.Relu(b.norm.apply(b.BN, 0, b.Conv1.Forward(x)))
	h = b.norm.apply(b.BN, 1, b.Conv2.Forward(h))
	return torch.Add(x, h, 1)
}

// ResnetGenerator: c7s1-ngf, two stride-2 downsamplings, NBlocks residual
// blocks, two transposed-convolution upsamplings, c7s1-output_nc, tanh.
type ResnetGenerator struct {
	nn.Module
	Head   *nn.Conv2dModule
	Down   []*nn.Conv2dModule
	Blocks []*ResnetBlock
	Up     []*nn.ConvTranspose2dModule
	Tail   *nn.Conv2dModule
	BN     []*nn.BatchNorm2dModule
	norm   norms
	config NetConfig
}

const downsamplings = 2

func NewGenerator(c NetConfig) (*ResnetGenerator, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	bias := c.convBias()
	g := &ResnetGenerator{
		Head:   conv(c.InputNC, c.NGF, 7, 1, 3, bias),
		norm:   norms{c.Norm},
		config: c,
	}
	channels := []int64{c.NGF}
	mult := int64(1)
	for i := 0; i < downsamplings; i++ {
		g.Down = append(g.Down, conv(c.NGF*mult, c.NGF*mult*2, 3, 2, 1, bias))
		mult *= 2
		channels = append(channels, c.NGF*mult)
	}
	for i := int64(0); i < c.NBlocks; i++ {
		g.Blocks = append(g.Blocks, newResnetBlock(c.NGF*mult, c))
	}
	if g.Blocks == nil {
		g.Blocks = []*ResnetBlock{}
	}
	for i := 0; i < downsamplings; i++ {
		g.Up = append(g.Up, nn.ConvTranspose2d(c.NGF*mult, c.NGF*mult/2, 3, 2, 1, 1, 1, bias, 1, "zeros"))
		mult /= 2
		channels = append(channels, c.NGF*mult)
	}
	g.Tail = conv(c.NGF, c.OutputNC, 7, 1, 3, true)
	g.BN = batchNorms(c.Norm, channels...)
	g.Init(g)

	if err := g.initWeights(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *ResnetGenerator) Forward(x torch.Tensor) torch.Tensor {
	h := torch.Relu(g.norm.apply(g.BN, 0, g.Head.Forward(x)))
	for i, d := range g.Down {
		h = torch.Relu(g.norm.apply(g.BN, 1+i, d.Forward(h)))
	}
	for _, b := range g.Blocks {
		h = b.Forward(h)
	}
	for i, u := range g.Up {
		h = torch.Relu(g.norm.apply(g.BN, 1+downsamplings+i, u.Forward(h)))
	}
	return torch.Tanh(g.Tail.Forward(h))
}

func (g *ResnetGenerator) initWeights() error {
	bias := g.config.convBias()
	w := newWeightInit(g.config)
	w.conv(&g.Head.Weight, &g.Head.Bias, bias)
	for _, d := range g.Down {
		w.conv(&d.Weight, &d.Bias, bias)
	}
	for _, b := range g.Blocks {
		w.conv(&b.Conv1.Weight, &b.Conv1.Bias, bias)
		w.conv(&b.Conv2.Weight, &b.Conv2.Bias, bias)
		w.batchNorms(b.BN)
	}
	for _, u := range g.Up {
		w.conv(&u.Weight, &u.Bias, bias)
	}
	w.conv(&g.Tail.Weight, &g.Tail.Bias, true)
	w.batchNorms(g.BN)
	return w.err
}

// NLayerDiscriminator is the PatchGAN discriminator: a stack of 4x4
// convolutions whose output is a map of per-patch realism logits.
type NLayerDiscriminator struct {
	nn.Module
	Convs  []*nn.Conv2dModule
	BN     []*nn.BatchNorm2dModule
	norm   norms
	config NetConfig
}

func NewDiscriminator(c NetConfig) (*NLayerDiscriminator, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.NLayers < 1 {
		return nil, fmt.Errorf("%w: n_layers %d", ErrUnsupportedNetwork, c.NLayers)
	}
	bias := c.convBias()
	d := &NLayerDiscriminator{norm: norms{c.Norm}, config: c}
	d.Convs = append(d.Convs, conv(c.InputNC, c.NDF, 4, 2, 1, true))

	var normed []int64
	mult := int64(1)
	for n := int64(1); n < c.NLayers; n++ {
		prev := mult
		mult = minInt64(1<<n, 8)
		d.Convs = append(d.Convs, conv(c.NDF*prev, c.NDF*mult, 4, 2, 1, bias))
		normed = append(normed, c.NDF*mult)
	}
	prev := mult
	mult = minInt64(1<<c.NLayers, 8)
	d.Convs = append(d.Convs, conv(c.NDF*prev, c.NDF*mult, 4, 1, 1, bias))
	normed = append(normed, c.NDF*mult)
	d.Convs = append(d.Convs, conv(c.NDF*mult, 1, 4, 1, 1, true))

	d.BN = batchNorms(c.Norm, normed...)
	d.Init(d)

	w := newWeightInit(c)
	last := len(d.Convs) - 1
	for i, cv := range d.Convs {
		w.conv(&cv.Weight, &cv.Bias, i == 0 || i == last || bias)
	}
	w.batchNorms(d.BN)
	if w.err != nil {
		return nil, w.err
	}
	return d, nil
}

func (d *NLayerDiscriminator) Forward(x torch.Tensor) torch.Tensor {
	h := torch.LeakyRelu(d.Convs[0].Forward(x), 0.2)
	last := len(d.Convs) - 1
	for i := 1; i < last; i++ {
		h = torch.LeakyRelu(d.norm.apply(d.BN, i-1, d.Convs[i].Forward(h)), 0.2)
	}
	return d.Convs[last].Forward(h)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// weightInit draws conv weights from N(0, std) where std depends on the
// init scheme; biases start at zero, batch-norm scales at N(1, gain).
type weightInit struct {
	kind string
	gain float64
	err  error
}

func newWeightInit(c NetConfig) *weightInit {
	return &weightInit{kind: c.InitType, gain: c.InitGain}
}

func (w *weightInit) conv(weight, bias *torch.Tensor, hasBias bool) {
	if w.err != nil {
		return
	}
	fanIn, fanOut := fans(weight.Shape())
	var std float64
	switch w.kind {
	case "normal":
		std = w.gain
	case "xavier":
		std = w.gain * math.Sqrt(2/float64(fanIn+fanOut))
	case "kaiming":
		std = math.Sqrt(2 / float64(fanIn))
	default:
		w.err = fmt.Errorf("%w: init_type %q", ErrUnsupportedNetwork, w.kind)
		return
	}
	initializer.Normal(weight, 0, std)
	if hasBias {
		initializer.Zeros(bias)
	}
}

func (w *weightInit) batchNorms(bn []*nn.BatchNorm2dModule) {
	for _, b := range bn {
		initializer.Normal(&b.Weight, 1, w.gain)
		initializer.Zeros(&b.Bias)
	}
}

// fans of a conv weight shaped (out, in, kh, kw).
func fans(shape []int64) (fanIn, fanOut int64) {
	if len(shape) < 2 {
		return 1, 1
	}
	receptive := int64(1)
	for _, d := range shape[2:] {
		receptive *= d
	}
	return shape[1] * receptive, shape[0] * receptive
}

func (g *ResnetGenerator) Weights() map[string]torch.Tensor {
	return g.StateDict()
}

func (g *ResnetGenerator) LoadWeights(states map[string]torch.Tensor) error {
	if err := matchWeights(g.StateDict(), states); err != nil {
		return err
	}
	g.SetStateDict(states)
	return nil
}

func (g *ResnetGenerator) SetTraining(on bool) {
	g.Train(on)
}

func (g *ResnetGenerator) MoveTo(device torch.Device) {
	g.To(device)
}

func (d *NLayerDiscriminator) Weights() map[string]torch.Tensor {
	return d.StateDict()
}

func (d *NLayerDiscriminator) LoadWeights(states map[string]torch.Tensor) error {
	if err := matchWeights(d.StateDict(), states); err != nil {
		return err
	}
	d.SetStateDict(states)
	return nil
}

func (d *NLayerDiscriminator) SetTraining(on bool) {
	d.Train(on)
}

func (d *NLayerDiscriminator) MoveTo(device torch.Device) {
	d.To(device)
}

func matchWeights(own, states map[string]torch.Tensor) error {
	for name, t := range own {
		s, ok := states[name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrWeightsMismatch, name)
		}
		if !util.SameShape(t.Shape(), s.Shape()) {
			return fmt.Errorf("%w: %s has shape %v, expected %v", ErrWeightsMismatch, name, s.Shape(), t.Shape())
		}
	}
	for name := range states {
		if _, ok := own[name]; !ok {
			return fmt.Errorf("%w: unexpected %s", ErrWeightsMismatch, name)
		}
	}
	return nil
}
