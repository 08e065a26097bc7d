package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/verify"
)

type verifyOptions struct {
	Threshold float64
	Attempts  int
	Images    []string
}

var verifyOpts verifyOptions

// errNotVerified gives a failed verification a non-zero exit status.
var errNotVerified = errors.New("identity not verified")

var verifyCmd = &cobra.Command{
	Use:   "verify <passenger_id>",
	Short: "Check a live face against a passenger's enrolled samples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVerify(cmd.Context(), args[0], verifyOpts)
	},
}

func init() {
	verifyCmd.Flags().Float64VarP(&verifyOpts.Threshold, "threshold", "t", 0, "Face matching threshold (default from config)")
	verifyCmd.Flags().IntVarP(&verifyOpts.Attempts, "attempts", "a", 3, "Captures allowed when no face is found")
	verifyCmd.Flags().StringSliceVarP(&verifyOpts.Images, "image", "i", nil, "Verify from image files instead of the camera")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(ctx context.Context, passengerID string, opts verifyOptions) error {
	ref, err := Repo.Load(ctx, passengerID)
	if errors.Is(err, types.ErrNoReference) {
		fmt.Printf("❌ Passenger %s is not enrolled.\n", passengerID)
		return err
	}
	if err != nil {
		utils.ShowError("Failed to load reference set", err, nil)
		return err
	}

	threshold := Cfg.Matching.Threshold
	if opts.Threshold > 0 {
		threshold = opts.Threshold
	}

	cam, err := openCamera(Cfg.Camera, opts.Images)
	if err != nil {
		utils.ShowError("Failed to open image source", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	emb, closeEmb, err := startEmbedder(ctx, Cfg.Embedder)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer closeEmb()

	sess := verify.New(verify.Config{Threshold: threshold, Grace: Cfg.Matching.Grace}, ref, cam, emb)
	defer sess.Cancel()

	fmt.Fprintln(os.Stderr, "📷 Opening camera...")
	if err := sess.Start(ctx); err != nil {
		utils.ShowError("Failed to start verification", err, nil)
		return err
	}

	interactive := len(opts.Images) == 0
	in := bufio.NewReader(os.Stdin)
	for i := 0; i < opts.Attempts; i++ {
		if interactive {
			fmt.Fprintln(os.Stderr, "👉 Look at the camera and press Enter.")
			in.ReadString('\n')
		}

		v, err := sess.Capture(ctx)
		if err != nil {
			utils.ShowError("Verification aborted", err, nil)
			return err
		}
		if sess.State() != verify.Decided {
			fmt.Printf("⚠️  %s\n", v.Message)
			continue
		}
		if v.IsValid {
			fmt.Printf("✅ %s\n", v.Message)
			holdCamera(ctx, Cfg.Matching.Grace)
			return nil
		}
		fmt.Printf("❌ %s\n", v.Message)
		return errNotVerified
	}

	fmt.Println("❌ No face was captured.")
	return errNotVerified
}

// holdCamera keeps the process, and with it the camera, alive for the grace
// period after a match; the deferred Cancel would otherwise release it at once.
func holdCamera(ctx context.Context, grace time.Duration) {
	if grace <= 0 {
		grace = verify.DefaultGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
