package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// indexCmd groups the commands that read the location index.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Read the location index.",
}

// indexLatestCmd prints the largest hash held by the index.
var indexLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the largest hash held by the index and its location.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		hash, found, err := db.LatestIndexed(cmd.Context())
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(cmd.OutOrStdout(), "index is empty")
			return nil
		}

		loc, _, err := db.Location(cmd.Context(), hash)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Hash: %s  Location: %s\n", hash, loc)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexLatestCmd)
}
