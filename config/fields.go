package config

import (
	"strconv"
	"strings"
)

type field struct {
	key string
	get func(*Options) string
	set func(*Options, string) error
}

func str(key string, p func(*Options) *string) field {
	return field{
		key: key,
		get: func(o *Options) string { return *p(o) },
		set: func(o *Options, v string) error {
			*p(o) = v
			return nil
		},
	}
}

func integer(key string, p func(*Options) *int) field {
	return field{
		key: key,
		get: func(o *Options) string { return strconv.Itoa(*p(o)) },
		set: func(o *Options, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*p(o) = n
			return nil
		},
	}
}

func integer64(key string, p func(*Options) *int64) field {
	return field{
		key: key,
		get: func(o *Options) string { return strconv.FormatInt(*p(o), 10) },
		set: func(o *Options, v string) error {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return err
			}
			*p(o) = n
			return nil
		},
	}
}

func float(key string, p func(*Options) *float64) field {
	return field{
		key: key,
		get: func(o *Options) string { return strconv.FormatFloat(*p(o), 'g', -1, 64) },
		set: func(o *Options, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return err
			}
			*p(o) = f
			return nil
		},
	}
}

func boolean(key string, p func(*Options) *bool) field {
	return field{
		key: key,
		get: func(o *Options) string { return strconv.FormatBool(*p(o)) },
		set: func(o *Options, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			*p(o) = b
			return nil
		},
	}
}

var fieldOrder = []field{
	str("name", func(o *Options) *string { return &o.Name }),
	str("dataset_name", func(o *Options) *string { return &o.DatasetName }),
	str("comment", func(o *Options) *string { return &o.Comment }),
	str("dataroot", func(o *Options) *string { return &o.DataRoot }),
	str("save_path", func(o *Options) *string { return &o.SavePath }),
	str("model_path", func(o *Options) *string { return &o.ModelPath }),
	str("checkpoint_path", func(o *Options) *string { return &o.CheckpointPath }),
	str("test_path", func(o *Options) *string { return &o.TestPath }),
	integer("max_dataset_size", func(o *Options) *int { return &o.MaxDatasetSize }),
	str("dataset_mode", func(o *Options) *string { return &o.DatasetMode }),
	str("direction", func(o *Options) *string { return &o.Direction }),
	str("preprocess", func(o *Options) *string { return &o.Preprocess }),
	integer("load_size", func(o *Options) *int { return &o.LoadSize }),
	integer("crop_size", func(o *Options) *int { return &o.CropSize }),
	boolean("no_flip", func(o *Options) *bool { return &o.NoFlip }),
	integer("num_threads", func(o *Options) *int { return &o.NumThreads }),
	integer("input_nc", func(o *Options) *int { return &o.InputNC }),
	integer("output_nc", func(o *Options) *int { return &o.OutputNC }),
	integer("n_blocks", func(o *Options) *int { return &o.NBlocks }),
	float("beta1", func(o *Options) *float64 { return &o.Beta1 }),
	boolean("gpu", func(o *Options) *bool { return &o.GPU }),
	integer("ngf", func(o *Options) *int { return &o.NGF }),
	integer("ndf", func(o *Options) *int { return &o.NDF }),
	integer("n_layers_D", func(o *Options) *int { return &o.NLayersD }),
	boolean("use_dropout", func(o *Options) *bool { return &o.UseDropout }),
	str("init_type", func(o *Options) *string { return &o.InitType }),
	str("norm", func(o *Options) *string { return &o.Norm }),
	str("netG", func(o *Options) *string { return &o.NetG }),
	str("netD", func(o *Options) *string { return &o.NetD }),
	str("gan_mode", func(o *Options) *string { return &o.GANMode }),
	float("lambda_X", func(o *Options) *float64 { return &o.LambdaX }),
	float("lambda_Y", func(o *Options) *float64 { return &o.LambdaY }),
	float("lambda_identity", func(o *Options) *float64 { return &o.LambdaIdentity }),
	str("cycle_loss", func(o *Options) *string { return &o.CycleLoss }),
	str("identity_loss", func(o *Options) *string { return &o.IdentityLoss }),
	float("fft_weight", func(o *Options) *float64 { return &o.FFTWeight }),
	float("ssim_weight", func(o *Options) *float64 { return &o.SSIMWeight }),
	boolean("fft_include_mae", func(o *Options) *bool { return &o.FFTIncludeMAE }),
	boolean("ssim_include_mae", func(o *Options) *bool { return &o.SSIMIncludeMAE }),
	float("weighted_mae_threshold", func(o *Options) *float64 { return &o.WeightedMAEThreshold }),
	str("phase", func(o *Options) *string { return &o.Phase }),
	integer("batch_size", func(o *Options) *int { return &o.BatchSize }),
	integer("max_epochs", func(o *Options) *int { return &o.MaxEpochs }),
	float("g_lr", func(o *Options) *float64 { return &o.GLR }),
	float("d_lr", func(o *Options) *float64 { return &o.DLR }),
	str("G_path", func(o *Options) *string { return &o.GPath }),
	str("D_path", func(o *Options) *string { return &o.DPath }),
	boolean("serial_batches", func(o *Options) *bool { return &o.SerialBatches }),
	integer64("seed", func(o *Options) *int64 { return &o.Seed }),
	boolean("vis", func(o *Options) *bool { return &o.Vis }),
	str("env", func(o *Options) *string { return &o.Env }),
	integer("plot_every", func(o *Options) *int { return &o.PlotEvery }),
	integer("save_every", func(o *Options) *int { return &o.SaveEvery }),
}

var fields = func() map[string]field {
	m := make(map[string]field, len(fieldOrder))
	for _, f := range fieldOrder {
		m[f.key] = f
	}
	return m
}()

// Keys lists every recognized option key in dump order.
func Keys() []string {
	keys := make([]string, len(fieldOrder))
	for i, f := range fieldOrder {
		keys[i] = f.key
	}
	return keys
}
