package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	identifyTop       int
	identifyThreshold float64
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Search every enrolled passenger for the face in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().IntVarP(&identifyTop, "top", "k", 3, "Number of candidates to show")
	identifyCmd.Flags().Float64VarP(&identifyThreshold, "threshold", "t", 0, "Face matching threshold (default from config)")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	threshold := Cfg.Matching.Threshold
	if identifyThreshold > 0 {
		threshold = identifyThreshold
	}

	fmt.Fprintln(os.Stderr, "🗄️  Loading enrolled passengers...")
	sets, err := Repo.All(ctx)
	if err != nil {
		utils.ShowError("Failed to load reference sets", err, nil)
		return err
	}
	g, err := gallery.Build(threshold, sets)
	if err != nil {
		utils.ShowError("Failed to build search index", err, nil)
		return err
	}
	if g.Len() == 0 {
		fmt.Println("No passengers enrolled.")
		return nil
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	emb, closeEmb, err := startEmbedder(ctx, Cfg.Embedder)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer closeEmb()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	det, err := emb.Detect(ctx, imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, nil)
		return err
	}
	if det == nil {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	cands, err := g.Identify(det.Descriptor, identifyTop)
	if err != nil {
		utils.ShowError("Search failed", err, nil)
		return err
	}

	labels := map[string]string{}
	if list, err := Repo.List(ctx); err == nil {
		for _, p := range list {
			labels[p.ID] = p.Label
		}
	}

	if len(cands) > 0 && cands[0].IsMatch {
		fmt.Printf("✅ Found Match: %s\n", displayName(cands[0].PassengerID, labels[cands[0].PassengerID]))
	} else {
		fmt.Println("❌ No match found in database.")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nPASSENGER\tDISTANCE\tCONFIDENCE\tMATCH")
	fmt.Fprintln(w, "---------\t--------\t----------\t-----")
	for _, c := range cands {
		fmt.Fprintf(w, "%s\t%.4f\t%.2f%%\t%v\n", displayName(c.PassengerID, labels[c.PassengerID]), c.Distance, c.Confidence, c.IsMatch)
	}
	w.Flush()
	return nil
}

func displayName(id, label string) string {
	if label == "" {
		return id
	}
	return fmt.Sprintf("%s (%s)", label, id)
}
