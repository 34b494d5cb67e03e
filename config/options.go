// Package config holds the run options of a training or test session.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrUnknownOption  = errors.New("unknown option")
	ErrInvalidOption  = errors.New("invalid option value")
	ErrMissingDataset = errors.New("dataset directory not found")
)

// Options is the flat option set of one run. Field order is the dump order.
type Options struct {
	Name        string
	DatasetName string
	Comment     string

	DataRoot       string
	SavePath       string
	ModelPath      string
	CheckpointPath string
	TestPath       string

	MaxDatasetSize int
	DatasetMode    string
	Direction      string
	Preprocess     string
	LoadSize       int
	CropSize       int
	NoFlip         bool
	NumThreads     int

	// network
	InputNC    int
	OutputNC   int
	NBlocks    int
	Beta1      float64
	GPU        bool
	NGF        int
	NDF        int
	NLayersD   int
	UseDropout bool
	InitType   string
	Norm       string
	NetG       string
	NetD       string
	GANMode    string

	// objective
	LambdaX        float64
	LambdaY        float64
	LambdaIdentity float64
	CycleLoss      string
	IdentityLoss   string
	FFTWeight      float64
	SSIMWeight     float64
	FFTIncludeMAE  bool
	SSIMIncludeMAE bool

	// WeightedMAEThreshold is the ground-truth pixel level (0-255) from
	// which masked_weighted_mae counts a pixel.
	WeightedMAEThreshold float64

	// training
	Phase         string
	BatchSize     int
	MaxEpochs     int
	GLR           float64
	DLR           float64
	GPath         string
	DPath         string
	SerialBatches bool
	Seed          int64

	// visualization
	Vis       bool
	Env       string
	PlotEvery int
	SaveEvery int
}

// Default returns the stock options of a run called name.
func Default(name string) Options {
	opt := Options{
		Name:        name,
		DatasetName: "unhealthy2healthy",
		Comment:     "put your notes here for each experiment",

		MaxDatasetSize: 2000,
		DatasetMode:    "unaligned",
		Direction:      "AtoB",
		Preprocess:     "resize_and_crop",
		LoadSize:       320,
		CropSize:       256,
		NoFlip:         true,
		NumThreads:     4,

		InputNC:    1,
		OutputNC:   1,
		NBlocks:    7,
		Beta1:      0.5,
		GPU:        true,
		NGF:        64,
		NDF:        64,
		NLayersD:   3,
		UseDropout: false,
		InitType:   "normal",
		Norm:       "instance",
		NetD:       "basic",
		GANMode:    "lsgan",

		LambdaX:        10.0,
		LambdaY:        10.0,
		LambdaIdentity: 0.5,
		CycleLoss:      "l1",
		IdentityLoss:   "l1",
		FFTWeight:      1.0,
		SSIMWeight:     1.0,
		FFTIncludeMAE:  false,
		SSIMIncludeMAE: true,

		WeightedMAEThreshold: 200,

		Phase:     "train",
		BatchSize: 8,
		MaxEpochs: 200,
		GLR:       2e-4,
		DLR:       2e-4,
		Seed:      1,

		Vis:       true,
		Env:       "GAN",
		PlotEvery: 100,
		SaveEvery: 10,
	}
	opt.DataRoot = filepath.Join(".", "datasets", opt.DatasetName)
	opt.derivePaths()
	opt.NetG = fmt.Sprintf("resnet_%dblocks", opt.NBlocks)
	return opt
}

func (o *Options) derivePaths() {
	o.SavePath = filepath.Join(".", "checkpoints", o.Name)
	o.ModelPath = filepath.Join(o.SavePath, "models")
	o.CheckpointPath = filepath.Join(o.SavePath, "checkpoints")
	o.TestPath = filepath.Join(o.SavePath, "test_results")
}

// ForTest derives the options of an inference session from training ones.
func ForTest(o Options) Options {
	o.Phase = "test"
	o.Preprocess = "scale_width"
	o.NumThreads = 1
	o.BatchSize = 1
	o.SerialBatches = true
	o.NoFlip = true
	o.UseDropout = false
	return o
}

// ParseOverrides turns key=value arguments into an override map.
func ParseOverrides(args []string) (map[string]string, error) {
	overrides := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimLeft(strings.TrimSpace(key), "-")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q is not key=value", ErrInvalidOption, arg)
		}
		overrides[key] = value
	}
	return overrides, nil
}

// Apply merges overrides onto o. Only recognized keys are accepted. Changing
// name re-derives the output paths unless they are overridden as well, and
// changing dataset_name re-derives dataroot the same way.
func (o *Options) Apply(overrides map[string]string) error {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		f, ok := fields[k]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownOption, k)
		}
		if err := f.set(o, overrides[k]); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidOption, k, overrides[k], err)
		}
	}

	if _, ok := overrides["name"]; ok {
		save, model, ckpt, test := o.SavePath, o.ModelPath, o.CheckpointPath, o.TestPath
		o.derivePaths()
		keep(overrides, "save_path", &o.SavePath, save)
		keep(overrides, "model_path", &o.ModelPath, model)
		keep(overrides, "checkpoint_path", &o.CheckpointPath, ckpt)
		keep(overrides, "test_path", &o.TestPath, test)
	}
	if _, ok := overrides["dataset_name"]; ok {
		if _, set := overrides["dataroot"]; !set {
			o.DataRoot = filepath.Join(".", "datasets", o.DatasetName)
		}
	}
	if _, ok := overrides["n_blocks"]; ok {
		if _, set := overrides["netG"]; !set {
			o.NetG = fmt.Sprintf("resnet_%dblocks", o.NBlocks)
		}
	}
	return nil
}

func keep(overrides map[string]string, key string, dst *string, prev string) {
	if _, ok := overrides[key]; ok {
		*dst = prev
	}
}

// Validate fails fast on options that would break a run before any work.
func (o Options) Validate() error {
	info, err := os.Stat(o.DataRoot)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrMissingDataset, o.DataRoot)
	}

	checks := []struct {
		ok  bool
		msg string
	}{
		{o.Name != "", "name must not be empty"},
		{o.BatchSize > 0, "batch_size must be positive"},
		{o.MaxEpochs > 0, "max_epochs must be positive"},
		{o.PlotEvery > 0, "plot_every must be positive"},
		{o.SaveEvery > 0, "save_every must be positive"},
		{o.NumThreads > 0, "num_threads must be positive"},
		{o.MaxDatasetSize > 0, "max_dataset_size must be positive"},
		{o.InputNC == 1 || o.InputNC == 3, "input_nc must be 1 or 3"},
		{o.OutputNC == 1 || o.OutputNC == 3, "output_nc must be 1 or 3"},
		{o.NGF > 0 && o.NDF > 0, "ngf and ndf must be positive"},
		{o.NBlocks >= 0, "n_blocks must not be negative"},
		{o.NLayersD > 0, "n_layers_D must be positive"},
		{o.CropSize > 0 && o.CropSize <= o.LoadSize, "crop_size must be in (0, load_size]"},
		{o.LambdaIdentity >= 0, "lambda_identity must not be negative"},
		{o.GLR > 0 && o.DLR > 0, "learning rates must be positive"},
		{o.Beta1 >= 0 && o.Beta1 < 1, "beta1 must be in [0, 1)"},
		{oneOf(o.Phase, "train", "test"), "phase must be train or test"},
		{oneOf(o.Direction, "AtoB", "BtoA"), "direction must be AtoB or BtoA"},
		{oneOf(o.DatasetMode, "unaligned"), "dataset_mode must be unaligned"},
		{oneOf(o.Preprocess, "resize_and_crop", "scale_width", "none"), "unknown preprocess"},
		{oneOf(o.Norm, "instance", "batch", "none"), "norm must be instance, batch or none"},
		{oneOf(o.InitType, "normal", "xavier", "kaiming"), "init_type must be normal, xavier or kaiming"},
		{oneOf(o.GANMode, "lsgan", "vanilla"), "gan_mode must be lsgan or vanilla"},
		{oneOf(o.NetD, "basic", "n_layers"), "netD must be basic or n_layers"},
		{oneOf(o.CycleLoss, reconstructionLosses...), "unknown cycle_loss"},
		{oneOf(o.IdentityLoss, reconstructionLosses...), "unknown identity_loss"},
		{o.WeightedMAEThreshold >= 0 && o.WeightedMAEThreshold <= 255, "weighted_mae_threshold must be in [0, 255]"},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s", ErrInvalidOption, c.msg)
		}
	}
	return nil
}

var reconstructionLosses = []string{"l1", "masked_mae", "masked_weighted_mae", "mae_fft", "mae_ssim"}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// PrepareLayout creates the output directories of the run.
func PrepareLayout(o Options) error {
	for _, dir := range []string{o.SavePath, o.ModelPath, o.CheckpointPath, o.TestPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// String renders the options table written to the run log.
func (o Options) String() string {
	var b strings.Builder
	b.WriteString("----------------- Options ---------------\n")
	for _, f := range fieldOrder {
		fmt.Fprintf(&b, "%20s: %-30s\n", f.key, f.get(&o))
	}
	b.WriteString("----------------- End -------------------\n")
	return b.String()
}

func parseBool(s string) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(s))
}
