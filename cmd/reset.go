package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every enrolled passenger",
	Long:  "Drops and recreates the reference tables. Asks for confirmation unless --yes is given.",
	Run: func(cmd *cobra.Command, args []string) {
		if !resetYes && !confirm(bufio.NewReader(os.Stdin), os.Stdout, "⚠️  Are you sure you want to DELETE all enrolled passengers?") {
			fmt.Println("Aborted.")
			return
		}

		fmt.Println("🗑️  Clearing reference store...")
		if err := Repo.Reset(cmd.Context()); err != nil {
			utils.Die("Failed to reset database", err, nil)
		}
		fmt.Println("✨ Reset Complete.")
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <passenger_id>",
	Short: "Forget one enrolled passenger",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := Repo.Delete(cmd.Context(), args[0]); err != nil {
			utils.Die("Failed to remove passenger", err, nil)
		}
		fmt.Printf("🗑️  Passenger %s removed\n", args[0])
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(removeCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
