// train fine-tunes a BEiT image classifier on a labeled image dataset from the hub.
//
// Configuration defaults can be overridden with a YAML file (-config), and the hub token is read
// from HF_TOKEN (or a .env file).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/config"
	"github.com/Brownie44l1/beit-classifier/internal/trainer"
)

var (
	flagConfig    = flag.String("config", "", "YAML file overriding the default training configuration.")
	flagOutputDir = flag.String("output", "", "Output directory, overrides output_dir.")
	flagDataset   = flag.String("dataset_dir", "", "Local image-folder dataset, used instead of downloading dataset_name.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	config.LoadDotEnv()

	cfg := must.M1(config.LoadTrain(*flagConfig))
	if *flagOutputDir != "" {
		cfg.OutputDir = *flagOutputDir
	}
	if *flagDataset != "" {
		cfg.DatasetDir = *flagDataset
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	result, err := trainer.Run(ctx, cfg)
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	klog.Infof("Best checkpoint %s (validation %s %.4f), test accuracy %.4f",
		result.BestCheckpoint, cfg.Hyperparameters.MetricForBestModel, result.BestScore, result.TestAccuracy)
	klog.Flush()
}
