package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/server"
	"github.com/andresmejia3/facegate/internal/utils"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for the booking flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default from config, :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if serveAddr != "" {
		Cfg.Server.Addr = serveAddr
	}

	fmt.Fprintln(os.Stderr, "🗄️  Indexing enrolled passengers...")
	sets, err := Repo.All(ctx)
	if err != nil {
		utils.ShowError("Failed to load reference sets", err, nil)
		return err
	}
	g, err := gallery.Build(Cfg.Matching.Threshold, sets)
	if err != nil {
		utils.ShowError("Failed to build search index", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📇 %d passengers indexed\n", g.Len())

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	emb, closeEmb, err := startEmbedder(ctx, Cfg.Embedder)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer closeEmb()

	cam, err := openCamera(Cfg.Camera, nil)
	if err != nil {
		utils.ShowError("Failed to configure camera", err, nil)
		return err
	}

	srv := server.New(server.Options{
		Config:   Cfg,
		Repo:     Repo,
		Camera:   cam,
		Embedder: emb,
		Gallery:  g,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", Cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// The signal context is already done; give in-flight requests a fresh deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
