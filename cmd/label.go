package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <passenger_id> <name>",
	Short: "Assign a display name to an enrolled passenger",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, name := args[0], args[1]
		if err := Repo.Label(cmd.Context(), id, name); err != nil {
			utils.Die("Failed to label passenger", err, nil)
		}
		fmt.Printf("✅ Passenger %s labeled as '%s'\n", id, name)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
