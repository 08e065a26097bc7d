package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

type enrollOptions struct {
	MaxSamples int
	Cadence    time.Duration
	Hold       time.Duration
	Images     []string
	Label      string
	Deferred   bool
}

var enrollOpts enrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll <passenger_id>",
	Short: "Capture reference face samples for a passenger",
	Long: `Opens the camera and samples the passenger's face at a fixed cadence while
capture is held. Without --hold, Enter starts and stops the capture. With
--image, the given photos stand in for the camera.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().IntVarP(&enrollOpts.MaxSamples, "max-samples", "m", 0, "Samples to collect (default from config)")
	enrollCmd.Flags().DurationVarP(&enrollOpts.Cadence, "cadence", "c", 0, "Interval between samples while holding (default from config)")
	enrollCmd.Flags().DurationVar(&enrollOpts.Hold, "hold", 0, "Hold capture for this long instead of waiting for Enter")
	enrollCmd.Flags().StringSliceVarP(&enrollOpts.Images, "image", "i", nil, "Enroll from image files instead of the camera")
	enrollCmd.Flags().StringVarP(&enrollOpts.Label, "label", "l", "", "Display name for the passenger")
	enrollCmd.Flags().BoolVar(&enrollOpts.Deferred, "deferred", false, "Keep frames and compute descriptors at verification time")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, passengerID string, opts enrollOptions) error {
	cfg := capture.Config{
		PassengerID: passengerID,
		MaxSamples:  Cfg.Enrollment.MaxSamples,
		Cadence:     Cfg.Enrollment.Cadence,
	}
	if opts.MaxSamples > 0 {
		cfg.MaxSamples = opts.MaxSamples
	}
	if opts.Cadence > 0 {
		cfg.Cadence = opts.Cadence
	}
	if opts.Deferred || Cfg.Enrollment.Strategy == "deferred" {
		cfg.Strategy = capture.EmbedDeferred
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

	sess := capture.New(cfg, cam, emb)
	defer sess.Cancel()

	bar := progressbar.NewOptions(sess.Max(),
		progressbar.OptionSetDescription("📸 Enrolling "+passengerID),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	full := make(chan struct{})
	var fullOnce sync.Once
	sess.OnChange(func(ev capture.Event) {
		if ev.State.Terminal() {
			return
		}
		bar.Set(ev.Count)
		if ev.Count >= ev.Max {
			fullOnce.Do(func() { close(full) })
		}
	})

	fmt.Fprintln(os.Stderr, "📷 Opening camera...")
	if err := sess.Start(ctx); err != nil {
		utils.ShowError("Failed to open camera", err, nil)
		return err
	}

	switch {
	case len(opts.Images) > 0:
		err = captureStills(ctx, sess, len(opts.Images))
	case opts.Hold > 0:
		err = holdFor(ctx, sess, opts.Hold, full)
	default:
		err = holdInteractive(ctx, sess, full)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	ref, err := sess.Finalize()
	if errors.Is(err, types.ErrEmptyCapture) {
		fmt.Println("❌ No face samples were captured. Please look at the camera and try again.")
		return err
	}
	if err != nil {
		utils.ShowError("Failed to finalize enrollment", err, nil)
		return err
	}

	if !ref.Deferred() {
		warnDuplicate(ctx, ref)
	}

	if err := Repo.Save(ctx, ref); err != nil {
		utils.ShowError("Failed to save reference set", err, nil)
		return err
	}
	if opts.Label != "" {
		if err := Repo.Label(ctx, passengerID, opts.Label); err != nil {
			utils.ShowError("Failed to label passenger", err, nil)
			return err
		}
	}

	n := ref.Len()
	if ref.Deferred() {
		n = len(ref.Images())
	}
	fmt.Printf("✅ Enrolled passenger %s with %d samples\n", passengerID, n)
	return nil
}

// captureStills takes one sample per image. Images without a detectable face
// are skipped.
func captureStills(ctx context.Context, sess *capture.Session, n int) error {
	for i := 0; i < n && sess.Count() < sess.Max(); i++ {
		if _, err := sess.CaptureOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func holdFor(ctx context.Context, sess *capture.Session, d time.Duration, full <-chan struct{}) error {
	if err := sess.HoldBegin(); err != nil {
		return err
	}
	select {
	case <-time.After(d):
	case <-full:
	case <-ctx.Done():
		return ctx.Err()
	}
	return sess.HoldEnd()
}

func holdInteractive(ctx context.Context, sess *capture.Session, full <-chan struct{}) error {
	lines := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- struct{}{}
		}
		close(lines)
	}()

	fmt.Fprintln(os.Stderr, "👉 Press Enter to start capturing, then Enter again to stop.")
	select {
	case <-lines:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := sess.HoldBegin(); err != nil {
		return err
	}
	select {
	case <-lines:
	case <-full:
	case <-ctx.Done():
		return ctx.Err()
	}
	return sess.HoldEnd()
}

// warnDuplicate reports when the new face already matches someone else.
// It never blocks the enrollment.
func warnDuplicate(ctx context.Context, ref *types.ReferenceSet) {
	sets, err := Repo.All(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Duplicate check skipped: %v\n", err)
		return
	}
	g, err := gallery.Build(Cfg.Matching.Threshold, sets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Duplicate check skipped: %v\n", err)
		return
	}
	dup, err := g.Duplicate(ref)
	if err != nil || dup == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "⚠️  This face matches passenger %s (%.1f%% confidence)\n", dup.PassengerID, dup.Confidence)
}
