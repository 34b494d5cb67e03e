package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyOverrides(t *testing.T) {
	opt := Default("demo")
	err := opt.Apply(map[string]string{
		"batch_size":      "2",
		"g_lr":            "0.001",
		"gpu":             "false",
		"lambda_identity": "0",
		"cycle_loss":      "mae_ssim",
		"seed":            "42",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if opt.BatchSize != 2 {
		t.Errorf("BatchSize = %d, expected 2", opt.BatchSize)
	}
	if opt.GLR != 0.001 {
		t.Errorf("GLR = %v, expected 0.001", opt.GLR)
	}
	if opt.GPU {
		t.Errorf("GPU = true, expected false")
	}
	if opt.LambdaIdentity != 0 {
		t.Errorf("LambdaIdentity = %v, expected 0", opt.LambdaIdentity)
	}
	if opt.CycleLoss != "mae_ssim" {
		t.Errorf("CycleLoss = %q, expected mae_ssim", opt.CycleLoss)
	}
	if opt.Seed != 42 {
		t.Errorf("Seed = %d, expected 42", opt.Seed)
	}
}

func TestApplyRejects(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]string
		expected  error
	}{
		{"unknown key", map[string]string{"learning_rate": "1"}, ErrUnknownOption},
		{"bad int", map[string]string{"batch_size": "eight"}, ErrInvalidOption},
		{"bad bool", map[string]string{"gpu": "maybe"}, ErrInvalidOption},
		{"bad float", map[string]string{"beta1": "x"}, ErrInvalidOption},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opt := Default("demo")
			err := opt.Apply(test.overrides)
			if !errors.Is(err, test.expected) {
				t.Errorf("Apply error = %v, expected %v", err, test.expected)
			}
		})
	}
}

func TestApplyNameDerivesPaths(t *testing.T) {
	opt := Default("demo")
	if err := opt.Apply(map[string]string{"name": "run2", "test_path": "/tmp/out"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if opt.ModelPath != filepath.Join("checkpoints", "run2", "models") {
		t.Errorf("ModelPath = %q", opt.ModelPath)
	}
	if opt.TestPath != "/tmp/out" {
		t.Errorf("TestPath = %q, expected explicit override to win", opt.TestPath)
	}
}

func TestApplyBlocksDerivesNetG(t *testing.T) {
	opt := Default("demo")
	if err := opt.Apply(map[string]string{"n_blocks": "9"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if opt.NetG != "resnet_9blocks" {
		t.Errorf("NetG = %q, expected resnet_9blocks", opt.NetG)
	}
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides([]string{"batch_size=4", "--name=x", "comment=a=b"})
	if err != nil {
		t.Fatalf("ParseOverrides failed: %v", err)
	}
	expected := map[string]string{"batch_size": "4", "name": "x", "comment": "a=b"}
	for k, v := range expected {
		if got[k] != v {
			t.Errorf("override %s = %q, expected %q", k, got[k], v)
		}
	}

	if _, err := ParseOverrides([]string{"positional"}); !errors.Is(err, ErrInvalidOption) {
		t.Errorf("positional argument error = %v, expected ErrInvalidOption", err)
	}
}

func TestValidate(t *testing.T) {
	root := t.TempDir()

	t.Run("missing dataset", func(t *testing.T) {
		opt := Default("demo")
		opt.DataRoot = filepath.Join(root, "nope")
		if err := opt.Validate(); !errors.Is(err, ErrMissingDataset) {
			t.Errorf("Validate error = %v, expected ErrMissingDataset", err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		opt := Default("demo")
		opt.DataRoot = root
		if err := opt.Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
	})

	t.Run("crop larger than load", func(t *testing.T) {
		opt := Default("demo")
		opt.DataRoot = root
		opt.CropSize = opt.LoadSize + 1
		if err := opt.Validate(); !errors.Is(err, ErrInvalidOption) {
			t.Errorf("Validate error = %v, expected ErrInvalidOption", err)
		}
	})

	t.Run("unknown gan mode", func(t *testing.T) {
		opt := Default("demo")
		opt.DataRoot = root
		opt.GANMode = "wgan"
		if err := opt.Validate(); !errors.Is(err, ErrInvalidOption) {
			t.Errorf("Validate error = %v, expected ErrInvalidOption", err)
		}
	})

	invalid := map[string]func(*Options){
		"unknown identity loss":  func(o *Options) { o.IdentityLoss = "l2" },
		"negative threshold":     func(o *Options) { o.WeightedMAEThreshold = -1 },
		"threshold above 8 bits": func(o *Options) { o.WeightedMAEThreshold = 256 },
	}
	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			opt := Default("demo")
			opt.DataRoot = root
			mutate(&opt)
			if err := opt.Validate(); !errors.Is(err, ErrInvalidOption) {
				t.Errorf("Validate error = %v, expected ErrInvalidOption", err)
			}
		})
	}
}

func TestDefaultObjectiveOptions(t *testing.T) {
	opt := Default("demo")
	if opt.IdentityLoss != "l1" {
		t.Errorf("IdentityLoss = %q, expected l1", opt.IdentityLoss)
	}
	if opt.WeightedMAEThreshold != 200 {
		t.Errorf("WeightedMAEThreshold = %v, expected 200", opt.WeightedMAEThreshold)
	}
	if err := opt.Apply(map[string]string{"identity_loss": "masked_mae", "weighted_mae_threshold": "180"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if opt.IdentityLoss != "masked_mae" || opt.WeightedMAEThreshold != 180 {
		t.Errorf("overrides not applied: %q %v", opt.IdentityLoss, opt.WeightedMAEThreshold)
	}
}

func TestPrepareLayout(t *testing.T) {
	root := t.TempDir()
	opt := Default("demo")
	opt.SavePath = filepath.Join(root, "demo")
	opt.ModelPath = filepath.Join(opt.SavePath, "models")
	opt.CheckpointPath = filepath.Join(opt.SavePath, "checkpoints")
	opt.TestPath = filepath.Join(opt.SavePath, "test_results")

	if err := PrepareLayout(opt); err != nil {
		t.Fatalf("PrepareLayout failed: %v", err)
	}
	for _, dir := range []string{opt.SavePath, opt.ModelPath, opt.CheckpointPath, opt.TestPath} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestForTest(t *testing.T) {
	opt := ForTest(Default("demo"))
	if opt.Phase != "test" || opt.BatchSize != 1 || !opt.SerialBatches || opt.NumThreads != 1 {
		t.Errorf("ForTest produced %+v", opt)
	}
	if opt.Preprocess != "scale_width" {
		t.Errorf("Preprocess = %q, expected scale_width", opt.Preprocess)
	}
}

func TestStringListsEveryKey(t *testing.T) {
	dump := Default("demo").String()
	for _, k := range Keys() {
		if !strings.Contains(dump, k+": ") {
			t.Errorf("options dump is missing %s", k)
		}
	}
}
