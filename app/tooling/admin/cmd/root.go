// Package cmd contains the admin commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xtalchain/xtal/foundation/blockchain/database"
	"github.com/xtalchain/xtal/foundation/blockchain/database/blockfile"
	"github.com/xtalchain/xtal/foundation/blockchain/database/index"
	"go.uber.org/zap"
)

var (
	blocksDir   string
	indexPath   string
	maxFileSize uint64
	log         *zap.SugaredLogger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&blocksDir, "blocks", "b", "zblock/blocks", "Directory holding the block files.")
	rootCmd.PersistentFlags().StringVarP(&indexPath, "index", "i", "zblock/index", "Directory holding the location index.")
	rootCmd.PersistentFlags().Uint64Var(&maxFileSize, "max-file-size", 134217728, "Maximum size of a block file in bytes.")
}

var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "Inspect the block storage of a node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command named on the command line.
func Execute(l *zap.SugaredLogger) error {
	log = l
	return rootCmd.ExecuteContext(context.Background())
}

// openDatabase opens the block files and the index named by the flags.
func openDatabase(ctx context.Context) (*database.Database, error) {
	cfg := database.Config{
		Files: blockfile.Config{
			Dir:         blocksDir,
			MaxFileSize: maxFileSize,
		},
		Index: index.Config{
			Path: indexPath,
		},
		EvHandler: func(v string, args ...any) {
			log.Debugw(fmt.Sprintf(v, args...))
		},
	}

	return database.New(ctx, cfg)
}

// printJSON writes the value to stdout as indented json.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
