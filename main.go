package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cyclegan/config"
	"cyclegan/data"
	"cyclegan/ml"
	"cyclegan/util"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s train|test [-debug] [-name run] [key=value ...]\n", os.Args[0])
	os.Exit(1)
}

func selectDevice(gpu bool) torch.Device {
	if gpu && torch.IsCUDAAvailable() {
		log.Println("CUDA is valid")
		return torch.NewDevice("cuda")
	}
	if gpu {
		log.Println("No CUDA found; CPU only")
	}
	return torch.NewDevice("cpu")
}

// loadOptions parses the flags of a subcommand and merges the remaining
// key=value arguments onto the defaults.
func loadOptions(cmd string, args []string) config.Options {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	name := fs.String("name", "GAN", "run name")
	debug := fs.Bool("debug", false, "log loss diagnostics")
	fs.Parse(args)
	util.SetDebug(*debug)

	overrides, err := config.ParseOverrides(fs.Args())
	if err != nil {
		log.Fatal(err)
	}
	opt := config.Default(*name)
	if err := opt.Apply(overrides); err != nil {
		log.Fatal(err)
	}
	return opt
}

func prepare(opt config.Options) torch.Device {
	if err := opt.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := config.PrepareLayout(opt); err != nil {
		log.Fatal(err)
	}
	if err := util.InitLogger(filepath.Join(opt.SavePath, opt.Phase+".log")); err != nil {
		log.Fatal(err)
	}
	initializer.ManualSeed(opt.Seed)
	return selectDevice(opt.GPU)
}

func train(ctx context.Context, opt config.Options) error {
	device := prepare(opt)

	runLog, err := util.CreateRunLog(filepath.Join(opt.SavePath, "options.txt"), time.Now(), opt.String())
	if err != nil {
		return err
	}
	dataset, err := data.NewUnaligned(opt, device)
	if err != nil {
		return err
	}
	util.Logger.Printf("loaded %d images for training, logging epochs to %s", dataset.Len(), runLog.Path())

	nets, err := ml.BuildNets(opt, device)
	if err != nil {
		return err
	}
	optG := ml.NewAdam(opt.GLR, opt.Beta1, nets.GX, nets.GY)
	optD := ml.NewAdam(opt.DLR, opt.Beta1, nets.DX, nets.DY)

	hooks := ml.Hooks{
		Images:      ml.PNGWriter{},
		Checkpoints: ml.NewCheckpointStore(opt.ModelPath, opt.Name),
		RunLog:      runLog,
	}
	if opt.Vis {
		hooks.History = util.NewHistory()
		hooks.PlotPath = filepath.Join(opt.SavePath, opt.Env+"_losses.png")
	}

	trainer, err := ml.NewTrainer(opt, device, nets, optG, optD, hooks)
	if err != nil {
		return err
	}
	res, err := trainer.Train(ctx, dataset)
	if err != nil {
		return err
	}
	util.Logger.Printf("finished %d epochs, %d iterations, %d checkpoints", res.Epochs, res.Iterations, len(res.Checkpoints))
	return nil
}

func test(ctx context.Context, opt config.Options) error {
	opt = config.ForTest(opt)
	device := prepare(opt)

	dataset, err := data.NewUnaligned(opt, device)
	if err != nil {
		return err
	}
	runner, err := ml.NewRunner(opt, device, ml.PNGWriter{})
	if err != nil {
		return err
	}
	written, err := runner.Run(ctx, dataset)
	if err != nil {
		return err
	}
	util.Logger.Printf("wrote %d images to %s", len(written), opt.TestPath)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	defer torch.FinishGC()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd := os.Args[1]; cmd {
	case "train":
		err = train(ctx, loadOptions(cmd, os.Args[2:]))
	case "test":
		err = test(ctx, loadOptions(cmd, os.Args[2:]))
	default:
		usage()
	}
	util.CloseLogger()
	if err != nil {
		log.Fatal(err)
	}
}
