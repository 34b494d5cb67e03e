package ml

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"cyclegan/config"
	"cyclegan/data"
	"cyclegan/losses"
	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
)

func newTestTrainer(t *testing.T, opt config.Options, nets Nets, calls *[]string, hooks Hooks) *Trainer {
	t.Helper()
	optG := &recordingOptimizer{name: "G", inner: NewAdam(opt.GLR, opt.Beta1, nets.GX, nets.GY), calls: calls}
	optD := &recordingOptimizer{name: "D", inner: NewAdam(opt.DLR, opt.Beta1, nets.DX, nets.DY), calls: calls}
	tr, err := NewTrainer(opt, cpu, nets, optG, optD, hooks)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	return tr
}

func TestTrainOneEpoch(t *testing.T) {
	opt := tinyOptions(t)
	nets := tinyNets(t, opt)
	var calls []string
	images := &recordingWriter{}
	store := NewCheckpointStore(opt.ModelPath, opt.Name)
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{Images: images, Checkpoints: store})

	ds := &memoryDataset{samples: []data.Sample{toySample(), toySample()}}
	res, err := tr.Train(context.Background(), ds)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	perBatch := []string{"G.zero", "G.step", "G.zero", "G.step", "D.zero", "D.step", "D.zero", "D.step"}
	expected := append(append([]string{}, perBatch...), perBatch...)
	if !reflect.DeepEqual(calls, expected) {
		t.Errorf("optimizer calls:\n expected %v\n got %v", expected, calls)
	}

	if res.Iterations != 2 || res.Epochs != 1 {
		t.Errorf("expected 2 iterations in 1 epoch, got %d in %d", res.Iterations, res.Epochs)
	}
	snaps := []string{"toy_snap_000_00000.png", "toy_snap_000_00001.png"}
	if !reflect.DeepEqual(res.Snapshots, snaps) {
		t.Errorf("expected snapshots %v, got %v", snaps, res.Snapshots)
	}
	if len(images.paths) != 2 || images.paths[0] != filepath.Join(opt.CheckpointPath, snaps[0]) {
		t.Errorf("unexpected snapshot paths %v", images.paths)
	}

	if !reflect.DeepEqual(res.Checkpoints, []string{"toy_netG_0000.gob"}) {
		t.Errorf("unexpected checkpoints %v", res.Checkpoints)
	}
	if _, err := os.Stat(filepath.Join(opt.ModelPath, "toy_netG_0000.gob")); err != nil {
		t.Errorf("checkpoint missing: %v", err)
	}
	for _, name := range []string{"loss_X", "loss_Y"} {
		if _, ok := res.Losses.Get(name); !ok {
			t.Errorf("missing %s in %v", name, res.Losses)
		}
	}
}

func TestSnapshotEvery(t *testing.T) {
	opt := tinyOptions(t)
	opt.PlotEvery = 2
	nets := tinyNets(t, opt)
	var calls []string
	images := &recordingWriter{}
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{Images: images})

	ds := &memoryDataset{samples: []data.Sample{toySample(), toySample(), toySample()}}
	res, err := tr.Train(context.Background(), ds)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	// Iterations 0 and 2.
	if len(res.Snapshots) != 2 {
		t.Errorf("expected 2 snapshots, got %v", res.Snapshots)
	}
}

func TestCheckpointSchedule(t *testing.T) {
	opt := tinyOptions(t)
	opt.MaxEpochs = 4
	opt.SaveEvery = 3
	nets := tinyNets(t, opt)
	var calls []string
	store := NewCheckpointStore(opt.ModelPath, opt.Name)
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{Checkpoints: store})

	res, err := tr.Train(context.Background(), &memoryDataset{samples: []data.Sample{toySample()}})
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	// Every third epoch plus the last one.
	expected := []string{"toy_netG_0000.gob", "toy_netG_0003.gob"}
	if !reflect.DeepEqual(res.Checkpoints, expected) {
		t.Errorf("expected %v, got %v", expected, res.Checkpoints)
	}
}

func TestIdentityTermSkipped(t *testing.T) {
	cases := []struct {
		name     string
		identity float64
		forwards int
	}{
		// GX runs on real X, on fake X for the Y cycle, and on real Y for
		// the identity term.
		{"enabled", 0.5, 3},
		{"disabled", 0, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opt := tinyOptions(t)
			opt.LambdaIdentity = c.identity
			nets := tinyNets(t, opt)
			gx := &countingNet{Network: nets.GX}
			nets.GX = gx
			var calls []string
			tr := newTestTrainer(t, opt, nets, &calls, Hooks{})

			if _, err := tr.Step(0, 0, toySample()); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if gx.forwards != c.forwards {
				t.Errorf("expected %d generator X forwards, got %d", c.forwards, gx.forwards)
			}
		})
	}
}

func TestStepReportsLosses(t *testing.T) {
	opt := tinyOptions(t)
	nets := tinyNets(t, opt)
	var calls []string
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{})

	r, err := tr.Step(0, 0, toySample())
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if r.LossX <= 0 || r.LossY <= 0 || r.LossDX <= 0 || r.LossDY <= 0 {
		t.Errorf("expected positive losses, got %+v", r)
	}
	if got := r.FakeY.Shape(); !util.SameShape(got, []int64{1, 1, 16, 16}) {
		t.Errorf("fake Y shape %v", got)
	}
	if v, _ := tr.Losses().Get("loss_X"); v != r.LossX {
		t.Errorf("smoothed loss_X %v, expected %v after one step", v, r.LossX)
	}
}

func TestDivergence(t *testing.T) {
	opt := tinyOptions(t)
	nets := tinyNets(t, opt)
	nets.GX = nanNet{Network: nets.GX}
	var calls []string
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{})

	_, err := tr.Step(2, 5, toySample())
	if !errors.Is(err, ErrTrainingDiverged) {
		t.Fatalf("expected ErrTrainingDiverged, got %v", err)
	}
	var d *DivergedError
	if !errors.As(err, &d) {
		t.Fatalf("expected *DivergedError, got %T", err)
	}
	if d.Epoch != 2 || d.Iteration != 5 || d.Term != "loss_X" {
		t.Errorf("unexpected divergence report %+v", d)
	}
	if !reflect.DeepEqual(calls, []string{"G.zero"}) {
		t.Errorf("no optimizer may step after divergence, got %v", calls)
	}
}

func TestTrainCancelled(t *testing.T) {
	opt := tinyOptions(t)
	nets := tinyNets(t, opt)
	var calls []string
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Train(ctx, &memoryDataset{samples: []data.Sample{toySample()}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("expected no updates, got %v", calls)
	}
}

type epochRecorder struct {
	epochs []int
}

func (e *epochRecorder) Epoch(epoch int, elapsed time.Duration, losses, scores util.Stats) error {
	e.epochs = append(e.epochs, epoch)
	return nil
}

func TestRunLogAndPlot(t *testing.T) {
	opt := tinyOptions(t)
	opt.MaxEpochs = 2
	nets := tinyNets(t, opt)
	var calls []string
	log := &epochRecorder{}
	plotPath := filepath.Join(t.TempDir(), "losses.png")
	h := util.NewHistory()
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{RunLog: log, History: h, PlotPath: plotPath})

	if _, err := tr.Train(context.Background(), &memoryDataset{samples: []data.Sample{toySample()}}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !reflect.DeepEqual(log.epochs, []int{0, 1}) {
		t.Errorf("expected epochs [0 1], got %v", log.epochs)
	}
	if h.Len() != 2 {
		t.Errorf("expected 2 recorded epochs, got %d", h.Len())
	}
	if _, err := os.Stat(plotPath); err != nil {
		t.Errorf("loss plot missing: %v", err)
	}
}

func TestNewTrainerRejectsIdentityAcrossChannels(t *testing.T) {
	opt := tinyOptions(t)
	opt.OutputNC = 3
	if _, err := NewTrainer(opt, cpu, Nets{}, nil, nil, Hooks{}); !errors.Is(err, ErrUnsupportedNetwork) {
		t.Errorf("expected ErrUnsupportedNetwork, got %v", err)
	}
}

func TestDiscriminatorInputs(t *testing.T) {
	opt := tinyOptions(t)
	nets := tinyNets(t, opt)
	dx := &inputNet{Network: nets.DX}
	dy := &inputNet{Network: nets.DY}
	nets.DX, nets.DY = dx, dy
	var calls []string
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{})

	s := toySample()
	r, err := tr.Step(0, 0, s)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// Each discriminator first judges its generator's output for the
	// adversarial term, then real and detached fake in its own update.
	cases := []struct {
		name     string
		net      *inputNet
		expected [][]float32
	}{
		{"DX", dx, [][]float32{util.Floats(r.FakeY), util.Floats(s.Y), util.Floats(r.FakeY)}},
		{"DY", dy, [][]float32{util.Floats(r.FakeX), util.Floats(s.X), util.Floats(r.FakeX)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if len(c.net.inputs) != len(c.expected) {
				t.Fatalf("expected %d forwards, got %d", len(c.expected), len(c.net.inputs))
			}
			for i := range c.expected {
				if !sameFloats(c.net.inputs[i], c.expected[i]) {
					t.Errorf("forward %d saw the wrong tensor", i)
				}
			}
		})
	}
}

func TestIdentityWeight(t *testing.T) {
	opt := tinyOptions(t)
	opt.LambdaX = 2
	opt.LambdaY = 3
	opt.LambdaIdentity = 0.5
	nets := tinyNets(t, opt)
	s := toySample()
	adversarial := util.Scalar(losses.NewGAN(losses.LSGAN, cpu).Loss(nets.DX.Forward(nets.GX.Forward(s.X)), losses.Real))

	var calls []string
	tr := newTestTrainer(t, opt, nets, &calls, Hooks{})
	var cycleGT, identityGT [][]float32
	unit := func(seen *[][]float32) losses.Reconstruction {
		return losses.ReconstructionFunc(func(gt, comp, mask torch.Tensor) (torch.Tensor, error) {
			*seen = append(*seen, util.Floats(gt))
			return torch.Full([]int64{1}, 1, false), nil
		})
	}
	tr.cycle, tr.identity = unit(&cycleGT), unit(&identityGT)

	r, err := tr.Step(0, 0, s)
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// adversarial + lambda_X * cycle + lambda_Y * lambda_identity * identity
	expected := adversarial + 2 + 3*0.5
	if math.Abs(r.LossX-expected) > 1e-4 {
		t.Errorf("loss_X = %v, expected %v", r.LossX, expected)
	}

	x, y := util.Floats(s.X), util.Floats(s.Y)
	if len(cycleGT) != 2 || !sameFloats(cycleGT[0], x) || !sameFloats(cycleGT[1], y) {
		t.Errorf("cycle terms must compare against X then Y")
	}
	if len(identityGT) != 2 || !sameFloats(identityGT[0], y) || !sameFloats(identityGT[1], x) {
		t.Errorf("identity terms must compare against Y then X")
	}
}

func TestStepMaskedWeightedMAE(t *testing.T) {
	// 0.8 is pixel level 229.5 after normalization to [-1, 1].
	bright := func() data.Sample {
		img := torch.Full([]int64{1, 1, 16, 16}, 0.8, false)
		ones := torch.Full([]int64{1, 1, 16, 16}, 1, false)
		return data.Sample{X: img, Y: img, MaskX: ones, MaskY: ones}
	}

	t.Run("default threshold", func(t *testing.T) {
		opt := tinyOptions(t)
		opt.CycleLoss = "masked_weighted_mae"
		nets := tinyNets(t, opt)
		var calls []string
		tr := newTestTrainer(t, opt, nets, &calls, Hooks{})
		r, err := tr.Step(0, 0, bright())
		if err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if !finite(r.LossX) || !finite(r.LossY) {
			t.Errorf("non-finite generator losses %+v", r)
		}
	})

	t.Run("threshold above every pixel", func(t *testing.T) {
		opt := tinyOptions(t)
		opt.CycleLoss = "masked_weighted_mae"
		opt.WeightedMAEThreshold = 255
		nets := tinyNets(t, opt)
		var calls []string
		tr := newTestTrainer(t, opt, nets, &calls, Hooks{})
		if _, err := tr.Step(0, 0, bright()); !errors.Is(err, losses.ErrEmptyMask) {
			t.Errorf("expected ErrEmptyMask, got %v", err)
		}
	})
}

func TestIdentityLossOption(t *testing.T) {
	opt := tinyOptions(t)
	opt.CycleLoss = "masked_mae"
	empty := torch.Full([]int64{1, 1, 16, 16}, 0, false)
	a, b := randomImage(), randomImage()

	var calls []string
	tr := newTestTrainer(t, opt, tinyNets(t, opt), &calls, Hooks{})
	if _, err := tr.cycle.Loss(a, b, empty); !errors.Is(err, losses.ErrEmptyMask) {
		t.Errorf("masked cycle loss: expected ErrEmptyMask, got %v", err)
	}
	// l1 by default, which ignores the mask
	if _, err := tr.identity.Loss(a, b, empty); err != nil {
		t.Errorf("default identity loss failed: %v", err)
	}

	opt.IdentityLoss = "masked_mae"
	tr = newTestTrainer(t, opt, tinyNets(t, opt), &calls, Hooks{})
	if _, err := tr.identity.Loss(a, b, empty); !errors.Is(err, losses.ErrEmptyMask) {
		t.Errorf("masked identity loss: expected ErrEmptyMask, got %v", err)
	}

	opt.IdentityLoss = "l2"
	if _, err := NewTrainer(opt, cpu, Nets{}, nil, nil, Hooks{}); err == nil {
		t.Errorf("NewTrainer accepted identity_loss l2")
	}
}
