package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/beit"
	"github.com/Brownie44l1/beit-classifier/internal/config"
	"github.com/Brownie44l1/beit-classifier/internal/handlers"
	"github.com/Brownie44l1/beit-classifier/internal/inference"
	"github.com/Brownie44l1/beit-classifier/internal/model"
	"github.com/Brownie44l1/beit-classifier/internal/serving"
)

var flagConfig = flag.String("config", "", "YAML file overriding the default serving configuration.")

// shutdownTimeout bounds how long in-flight requests may run after a termination signal.
const shutdownTimeout = 10 * time.Second

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	config.LoadDotEnv()

	cfg, err := config.LoadServe(*flagConfig)
	if err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	pipeline, err := newPipeline(cfg)
	if err != nil {
		klog.Fatalf("Failed to initialize model: %+v", err)
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			klog.Errorf("Failed to release model: %v", err)
		}
	}()

	handler := handlers.NewHandler(inference.NewEndpointHandler(pipeline, cfg.Postprocessors()...), cfg.MaxUploadBytes)
	r := handlers.SetupRoutes(handler)

	klog.Infof("Server starting on port %s (backend %s)", cfg.Port, cfg.Backend)
	klog.Info("Endpoints:")
	klog.Info("  GET  /health        - Health check")
	klog.Info("  POST /              - {\"inputs\": \"data:image/...;base64,...\"}")
	klog.Info("  POST /predict       - Same as /")
	klog.Info("  POST /predict/image - Multipart image upload")
	klog.Infof("Upload test: curl -X POST -F \"image=@photo.jpg\" http://localhost:%s/predict/image", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Server failed: %v", err)
		}
	case <-ctx.Done():
		klog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Shutdown failed: %v", err)
		}
	}
}

// newPipeline loads the model with the configured backend.
func newPipeline(cfg config.Serve) (inference.Pipeline, error) {
	switch cfg.Backend {
	case config.BackendGoMLX:
		dir := cfg.ModelPath
		if cfg.ModelRepo != "" {
			var err error
			dir, err = model.DownloadRepo(cfg.ModelRepo, cfg.HubToken)
			if err != nil {
				return nil, err
			}
		}
		klog.Infof("Loading model from %s", dir)
		c, err := beit.NewClassifier(dir, cfg.HubToken, cfg.TopK)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		dir := cfg.ModelPath
		if cfg.ModelRepo != "" {
			paths, err := model.DownloadModel(cfg.ModelRepo, cfg.HubToken,
				model.ConfigFile, model.PreprocessorConfigFile, model.ONNXFile)
			if err != nil {
				return nil, err
			}
			dir = filepath.Dir(paths[0])
		}
		klog.Infof("Loading model from %s", dir)
		c, err := serving.NewORTClassifier(dir, cfg.ORTLibraryPath, cfg.TopK)
		if err != nil {
			return nil, err
		}
		klog.Infof("Labels: %v", c.Labels())
		return c, nil
	}
}
