package ml

import (
	"errors"
	"testing"

	"cyclegan/config"
	"cyclegan/util"
)

func TestNetConfigFrom(t *testing.T) {
	opt := config.Default("run")
	opt.NLayersD = 5
	if c := NetConfigFrom(opt); c.NLayers != 3 {
		t.Errorf("basic discriminator: expected 3 layers, got %d", c.NLayers)
	}
	opt.NetD = "n_layers"
	if c := NetConfigFrom(opt); c.NLayers != 5 {
		t.Errorf("n_layers discriminator: expected 5 layers, got %d", c.NLayers)
	}
}

func TestUnsupportedNetworks(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*NetConfig)
	}{
		{"dropout", func(c *NetConfig) { c.UseDropout = true }},
		{"norm", func(c *NetConfig) { c.Norm = "group" }},
		{"init", func(c *NetConfig) { c.InitType = "orthogonal" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := NetConfigFrom(tinyOptions(t))
			test.modify(&c)
			if _, err := NewGenerator(c); !errors.Is(err, ErrUnsupportedNetwork) {
				t.Errorf("NewGenerator: expected ErrUnsupportedNetwork, got %v", err)
			}
			if _, err := NewDiscriminator(c); !errors.Is(err, ErrUnsupportedNetwork) {
				t.Errorf("NewDiscriminator: expected ErrUnsupportedNetwork, got %v", err)
			}
		})
	}
}

func TestNetworkShapes(t *testing.T) {
	for _, norm := range []string{"instance", "batch", "none"} {
		t.Run(norm, func(t *testing.T) {
			opt := tinyOptions(t)
			opt.Norm = norm
			nets := tinyNets(t, opt)
			x := randomImage()

			if got := nets.GX.Forward(x).Shape(); !util.SameShape(got, []int64{1, 1, 16, 16}) {
				t.Errorf("generator output shape %v", got)
			}
			// 16 -> 8 (stride 2) -> 7 -> 6 (4x4 stride 1 convolutions).
			if got := nets.DX.Forward(x).Shape(); !util.SameShape(got, []int64{1, 1, 6, 6}) {
				t.Errorf("discriminator output shape %v", got)
			}
		})
	}
}

func TestGeneratorOutputRange(t *testing.T) {
	g := tinyGenerator(t, 4)
	for _, v := range util.Floats(g.Forward(randomImage())) {
		if v < -1 || v > 1 {
			t.Fatalf("output %v outside [-1, 1]", v)
		}
	}
}
