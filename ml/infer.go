package ml

import (
	"context"
	"fmt"
	"path/filepath"

	"cyclegan/config"
	"cyclegan/data"
	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
)

// Runner translates a test set with the latest generator X checkpoint.
type Runner struct {
	opt    config.Options
	device torch.Device
	images ImageWriter
	net    Network
	source string
}

// NewRunner restores the lexicographically last checkpoint in
// opt.ModelPath into a fresh generator. It fails before any inference when
// the directory holds no checkpoint.
func NewRunner(opt config.Options, device torch.Device, images ImageWriter) (*Runner, error) {
	path, err := LatestIn(opt.ModelPath)
	if err != nil {
		return nil, err
	}
	g, err := NewGenerator(NetConfigFrom(opt))
	if err != nil {
		return nil, err
	}
	util.Logger.Printf("loading trained model %s", path)
	if _, err := Restore(path, g); err != nil {
		return nil, err
	}
	g.MoveTo(device)
	g.SetTraining(false)
	return &Runner{opt: opt, device: device, images: images, net: g, source: path}, nil
}

// Checkpoint is the file the generator was restored from.
func (r *Runner) Checkpoint() string {
	return r.source
}

// Run writes <name>_fake_%05d.png into opt.TestPath for every batch of ds
// and returns the written names.
func (r *Runner) Run(ctx context.Context, ds data.Dataset) ([]string, error) {
	util.Logger.Printf("loaded %d images for test.", ds.Len())
	loader := ds.Loader(0)
	defer loader.Close()

	var written []string
	for i := 0; loader.Scan(); i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		fakeY := r.net.Forward(loader.Minibatch().X).Detach()
		name := fmt.Sprintf("%s_fake_%05d.png", r.opt.Name, i)
		if err := r.images.WriteImage(filepath.Join(r.opt.TestPath, name), fakeY); err != nil {
			return written, err
		}
		util.Logger.Printf("%s saved", name)
		written = append(written, name)
		torch.GC()
	}
	if err := loader.Err(); err != nil {
		return written, fmt.Errorf("load test set: %w", err)
	}
	return written, nil
}
