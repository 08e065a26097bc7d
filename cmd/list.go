package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled passengers",
	Run: func(cmd *cobra.Command, args []string) {
		passengers, err := Repo.List(cmd.Context())
		if err != nil {
			utils.Die("Failed to list passengers", err, nil)
		}

		if len(passengers) == 0 {
			fmt.Println("No passengers enrolled.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "PASSENGER\tLABEL\tSAMPLES\tMODE\tENROLLED")
		fmt.Fprintln(w, "---------\t-----\t-------\t----\t--------")

		for _, p := range passengers {
			mode := "embedded"
			if p.Deferred {
				mode = "deferred"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", p.ID, p.Label, p.Samples, mode, p.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
