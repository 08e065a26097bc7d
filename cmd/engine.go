package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/embedder"
	"github.com/andresmejia3/facegate/internal/worker"
)

const cameraWarmup = 5 * time.Second

// startEmbedder builds the configured face engine. For the python kind it
// spawns cfg.Engines worker processes behind a pool. The returned closer
// shuts the engines down.
func startEmbedder(ctx context.Context, cfg config.EmbedderConfig) (embedder.Embedder, func(), error) {
	if cfg.Kind == "http" {
		fmt.Fprintf(os.Stderr, "🌐 Using embedding server at %s\n", cfg.URL)
		return embedder.NewHTTPClient(cfg.URL, cfg.Timeout), func() {}, nil
	}

	n := cfg.Engines
	if n < 1 {
		n = 1
	}
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", n)

	wcfg := worker.Config{
		Script:             cfg.Script,
		Dim:                cfg.Dim,
		DetectionThreshold: cfg.DetectionThreshold,
		ReadTimeout:        cfg.Timeout,
	}
	members := make([]embedder.Embedder, 0, n)
	for i := 0; i < n; i++ {
		w, err := worker.NewPythonWorker(ctx, i, wcfg)
		if err != nil {
			for _, m := range members {
				m.(*worker.PythonWorker).Close()
			}
			return nil, nil, fmt.Errorf("worker startup failed: %w", err)
		}
		members = append(members, w)
	}
	pool := embedder.NewPool(members...)
	return pool, func() { pool.Close() }, nil
}

// openCamera returns a manager over the live device, or over the given image
// files when any are passed.
func openCamera(cfg config.CameraConfig, images []string) (*camera.Manager, error) {
	if len(images) > 0 {
		src, err := camera.NewStillSourceFromFiles(images...)
		if err != nil {
			return nil, err
		}
		return camera.NewManager(src), nil
	}
	return camera.NewManager(&camera.FFmpegSource{
		Format: cfg.Format,
		Device: cfg.Device,
		FPS:    cfg.FPS,
		Warmup: cameraWarmup,
	}), nil
}
