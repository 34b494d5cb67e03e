package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"cyclegan/config"
	"cyclegan/data"
	"cyclegan/losses"
	"cyclegan/meter"
	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
)

var ErrTrainingDiverged = errors.New("training diverged")

// DivergedError reports the first non-finite loss term.
type DivergedError struct {
	Epoch     int
	Iteration int
	Term      string
	Value     float64
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d iteration %d: %s = %v", e.Epoch, e.Iteration, e.Term, e.Value)
}

func (e *DivergedError) Unwrap() error {
	return ErrTrainingDiverged
}

// Nets are the four networks of a CycleGAN. GX maps X to Y and is judged by
// DX; GY maps Y to X and is judged by DY.
type Nets struct {
	GX, GY Network
	DX, DY Network
}

// BuildNets constructs fresh networks for opt, restores the optional warm
// start weights and moves everything to device in training mode.
func BuildNets(opt config.Options, device torch.Device) (Nets, error) {
	c := NetConfigFrom(opt)
	gx, err := NewGenerator(c)
	if err != nil {
		return Nets{}, err
	}
	yc := c
	yc.InputNC, yc.OutputNC = c.OutputNC, c.InputNC
	gy, err := NewGenerator(yc)
	if err != nil {
		return Nets{}, err
	}
	dc := c
	dc.InputNC = c.OutputNC
	dx, err := NewDiscriminator(dc)
	if err != nil {
		return Nets{}, err
	}
	dy, err := NewDiscriminator(c)
	if err != nil {
		return Nets{}, err
	}
	nets := Nets{GX: gx, GY: gy, DX: dx, DY: dy}

	if opt.GPath != "" {
		if _, err := Restore(opt.GPath, nets.GX); err != nil {
			return Nets{}, fmt.Errorf("warm start generator: %w", err)
		}
		util.Logger.Printf("generator X loaded from %s", opt.GPath)
	}
	if opt.DPath != "" {
		if _, err := Restore(opt.DPath, nets.DX); err != nil {
			return Nets{}, fmt.Errorf("warm start discriminator: %w", err)
		}
		util.Logger.Printf("discriminator X loaded from %s", opt.DPath)
	}

	for _, n := range nets.all() {
		n.MoveTo(device)
		n.SetTraining(true)
	}
	return nets, nil
}

func (n Nets) all() []Network {
	return []Network{n.GX, n.GY, n.DX, n.DY}
}

// NewAdam returns one Adam optimizer over the parameters of all nets.
func NewAdam(lr, beta1 float64, nets ...Network) torch.Optimizer {
	opt := torch.Adam(lr, beta1, 0.999, 0)
	for _, n := range nets {
		opt.AddParameters(n.Parameters())
	}
	return opt
}

// CheckpointSaver persists generator X at the end of an epoch.
type CheckpointSaver interface {
	Save(epoch int, net Network) (string, error)
}

// EpochLogger receives the smoothed stats of every finished epoch.
type EpochLogger interface {
	Epoch(epoch int, elapsed time.Duration, losses, scores util.Stats) error
}

// Hooks are the side effects of a training run. Nil hooks are skipped.
type Hooks struct {
	Images      ImageWriter
	Checkpoints CheckpointSaver
	RunLog      EpochLogger
	// History and PlotPath enable the loss curve, redrawn after each epoch.
	History  *util.History
	PlotPath string
}

// StepResult holds what one batch produced.
type StepResult struct {
	FakeY  torch.Tensor
	FakeX  torch.Tensor
	LossX  float64
	LossY  float64
	LossDX float64
	LossDY float64
	// Mean discriminator X outputs on real and generated Y.
	ScoreReal float64
	ScoreFake float64
}

// TrainResult summarizes a finished run.
type TrainResult struct {
	Epochs      int
	Iterations  int
	Snapshots   []string
	Checkpoints []string
	Losses      util.Stats
	Scores      util.Stats
}

// Trainer drives the CycleGAN protocol. All tensor work happens on the
// goroutine calling Train or Step.
type Trainer struct {
	opt    config.Options
	device torch.Device
	nets   Nets
	optG   Optimizer
	optD   Optimizer
	gan    *losses.GAN
	hooks  Hooks

	cycle    losses.Reconstruction
	identity losses.Reconstruction

	lossX     *meter.MovingAverage
	lossY     *meter.MovingAverage
	scoreReal *meter.MovingAverage
	scoreFake *meter.MovingAverage
}

// NewTrainer wires nets and optimizers into a trainer. optG must own the
// parameters of both generators and optD those of both discriminators.
func NewTrainer(opt config.Options, device torch.Device, nets Nets, optG, optD Optimizer, hooks Hooks) (*Trainer, error) {
	if opt.LambdaIdentity > 0 && opt.InputNC != opt.OutputNC {
		return nil, fmt.Errorf("%w: identity loss needs input_nc == output_nc", ErrUnsupportedNetwork)
	}
	mode, err := losses.ParseGANMode(opt.GANMode)
	if err != nil {
		return nil, err
	}
	kit := losses.NewKit(device)
	kit.FFTIncludeMAE = opt.FFTIncludeMAE
	kit.SSIMIncludeMAE = opt.SSIMIncludeMAE
	kit.WeightedThreshold = data.Normalized(opt.WeightedMAEThreshold)
	cycle, err := losses.NewReconstruction(kit, opt.CycleLoss, opt.FFTWeight, opt.SSIMWeight)
	if err != nil {
		return nil, err
	}
	identity, err := losses.NewReconstruction(kit, opt.IdentityLoss, opt.FFTWeight, opt.SSIMWeight)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		opt:       opt,
		device:    device,
		nets:      nets,
		optG:      optG,
		optD:      optD,
		gan:       losses.NewGAN(mode, device),
		cycle:     cycle,
		identity:  identity,
		hooks:     hooks,
		lossX:     meter.New(opt.PlotEvery),
		lossY:     meter.New(opt.PlotEvery),
		scoreReal: meter.New(opt.PlotEvery),
		scoreFake: meter.New(opt.PlotEvery),
	}, nil
}

func (t *Trainer) weighted(x torch.Tensor, w float64) torch.Tensor {
	return torch.Mul(x, torch.Full([]int64{1}, float32(w), false).To(t.device, torch.Float))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// generatorStep is one cycle direction: g translates src into the other
// domain, d judges the translation, back maps it home again. The identity
// term feeds g an image that is already in its target domain.
func (t *Trainer) generatorStep(epoch, iter int, term string, g, back, d Network, src, other, mask, otherMask torch.Tensor, lambda, lambdaOther float64) (torch.Tensor, float64, error) {
	t.optG.ZeroGrad()

	fake := g.Forward(src)
	total := t.gan.Loss(d.Forward(fake), losses.Real)

	rec, err := t.cycle.Loss(src, back.Forward(fake), mask)
	if err != nil {
		return fake, 0, fmt.Errorf("%s cycle loss: %w", term, err)
	}
	total = torch.Add(total, t.weighted(rec, lambda), 1)

	if t.opt.LambdaIdentity > 0 {
		idt, err := t.identity.Loss(other, g.Forward(other), otherMask)
		if err != nil {
			return fake, 0, fmt.Errorf("%s identity loss: %w", term, err)
		}
		total = torch.Add(total, t.weighted(idt, lambdaOther*t.opt.LambdaIdentity), 1)
	}

	v := util.Scalar(total)
	if !finite(v) {
		return fake, v, &DivergedError{Epoch: epoch, Iteration: iter, Term: term, Value: v}
	}
	total.Backward()
	t.optG.Step()
	return fake, v, nil
}

// discriminatorStep scores genuine images against the detached fake and
// returns the loss with the mean predictions on both.
func (t *Trainer) discriminatorStep(epoch, iter int, term string, d Network, genuine, fake torch.Tensor) (loss, predReal, predFake float64, err error) {
	t.optD.ZeroGrad()

	pr := d.Forward(genuine)
	pf := d.Forward(fake.Detach())
	total := t.weighted(torch.Add(t.gan.Loss(pr, losses.Real), t.gan.Loss(pf, losses.Fake), 1), 0.5)

	loss = util.Scalar(total)
	if !finite(loss) {
		return loss, 0, 0, &DivergedError{Epoch: epoch, Iteration: iter, Term: term, Value: loss}
	}
	total.Backward()
	t.optD.Step()
	return loss, util.Scalar(pr.Detach().Mean()), util.Scalar(pf.Detach().Mean()), nil
}

// Step runs the four updates of one batch in their fixed order: generators
// on the X -> Y -> X cycle, generators on the Y -> X -> Y cycle, D_X on
// real Y against the first fake, D_Y on real X against the second fake.
func (t *Trainer) Step(epoch, iter int, s data.Sample) (StepResult, error) {
	n := t.nets
	var r StepResult

	fakeY, lossX, err := t.generatorStep(epoch, iter, "loss_X", n.GX, n.GY, n.DX, s.X, s.Y, s.MaskX, s.MaskY, t.opt.LambdaX, t.opt.LambdaY)
	if err != nil {
		return r, err
	}
	t.lossX.Add(lossX)

	fakeX, lossY, err := t.generatorStep(epoch, iter, "loss_Y", n.GY, n.GX, n.DY, s.Y, s.X, s.MaskY, s.MaskX, t.opt.LambdaY, t.opt.LambdaX)
	if err != nil {
		return r, err
	}
	t.lossY.Add(lossY)

	lossDX, scoreReal, scoreFake, err := t.discriminatorStep(epoch, iter, "loss_D_x", n.DX, s.Y, fakeY)
	if err != nil {
		return r, err
	}
	t.scoreReal.Add(scoreReal)
	t.scoreFake.Add(scoreFake)

	lossDY, _, _, err := t.discriminatorStep(epoch, iter, "loss_D_y", n.DY, s.X, fakeX)
	if err != nil {
		return r, err
	}

	return StepResult{
		FakeY:     fakeY.Detach(),
		FakeX:     fakeX.Detach(),
		LossX:     lossX,
		LossY:     lossY,
		LossDX:    lossDX,
		LossDY:    lossDY,
		ScoreReal: scoreReal,
		ScoreFake: scoreFake,
	}, nil
}

// Losses returns the smoothed generator losses.
func (t *Trainer) Losses() util.Stats {
	return util.Stats{
		{Name: "loss_X", Value: t.lossX.Mean()},
		{Name: "loss_Y", Value: t.lossY.Mean()},
	}
}

// Scores returns the smoothed discriminator X outputs.
func (t *Trainer) Scores() util.Stats {
	return util.Stats{
		{Name: "score_Dx_real_y", Value: t.scoreReal.Mean()},
		{Name: "score_Dx_fake_y", Value: t.scoreFake.Mean()},
	}
}

func (t *Trainer) snapshot(epoch, iter int, fakeY torch.Tensor) (string, error) {
	name := fmt.Sprintf("%s_snap_%03d_%05d.png", t.opt.Name, epoch, iter)
	if err := t.hooks.Images.WriteImage(filepath.Join(t.opt.CheckpointPath, name), fakeY); err != nil {
		return "", err
	}
	util.Logger.Printf("%s saved.", name)
	util.Logger.Println(t.Losses())
	util.Logger.Println(t.Scores())
	return name, nil
}

// Train runs opt.MaxEpochs epochs over ds. Cancellation is honored between
// batches only; a batch always completes all four updates.
func (t *Trainer) Train(ctx context.Context, ds data.Dataset) (TrainResult, error) {
	var res TrainResult
	util.Logger.Printf("training %s on %d images for %d epochs", t.opt.Name, ds.Len(), t.opt.MaxEpochs)

	for epoch := 0; epoch < t.opt.MaxEpochs; epoch++ {
		start := time.Now()
		if err := t.epoch(ctx, ds, epoch, &res); err != nil {
			return res, err
		}

		if epoch%t.opt.SaveEvery == 0 || epoch == t.opt.MaxEpochs-1 {
			if t.hooks.Checkpoints != nil {
				name, err := t.hooks.Checkpoints.Save(epoch, t.nets.GX)
				if err != nil {
					return res, err
				}
				res.Checkpoints = append(res.Checkpoints, name)
			}
		}

		res.Epochs++
		res.Losses, res.Scores = t.Losses(), t.Scores()
		if t.hooks.RunLog != nil {
			if err := t.hooks.RunLog.Epoch(epoch, time.Since(start), res.Losses, res.Scores); err != nil {
				return res, err
			}
		}
		if t.hooks.History != nil {
			t.hooks.History.Record(epoch, append(append(util.Stats{}, res.Losses...), res.Scores...))
			if t.hooks.PlotPath != "" {
				if err := util.PlotLosses(t.hooks.History, t.opt.Name, t.hooks.PlotPath); err != nil {
					return res, err
				}
			}
		}
	}
	return res, nil
}

func (t *Trainer) epoch(ctx context.Context, ds data.Dataset, epoch int, res *TrainResult) error {
	loader := ds.Loader(epoch)
	defer loader.Close()

	samples := 0
	start := time.Now()
	for i := 0; loader.Scan(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := loader.Minibatch()
		util.Debug(s.PathsX)
		r, err := t.Step(epoch, i, s)
		if err != nil {
			return err
		}
		samples += int(s.X.Shape()[0])
		res.Iterations++

		if i%t.opt.PlotEvery == 0 && t.hooks.Images != nil {
			name, err := t.snapshot(epoch, i, r.FakeY)
			if err != nil {
				return err
			}
			res.Snapshots = append(res.Snapshots, name)
		}
		torch.GC()
	}
	if err := loader.Err(); err != nil {
		return fmt.Errorf("load epoch %d: %w", epoch, err)
	}
	util.Debugf("epoch %d throughput: %f samples/sec", epoch, float64(samples)/time.Since(start).Seconds())
	return nil
}
