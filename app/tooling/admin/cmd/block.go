package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xtalchain/xtal/foundation/blockchain/mempool"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
)

// blockCmd groups the commands that read stored blocks.
var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Read stored blocks.",
}

// blockGetCmd prints the block with the specified hash.
var blockGetCmd = &cobra.Command{
	Use:   "get <hash>",
	Short: "Print the block with the specified hash.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := storage.HexToHash(args[0])
		if err != nil {
			return err
		}

		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		block, found, err := db.GetBlock(cmd.Context(), hash)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("block %s not found", hash)
		}

		loc, _, err := db.Location(cmd.Context(), hash)
		if err != nil {
			return err
		}

		out := struct {
			Hash     storage.Hash          `json:"hash"`
			Location storage.BlockLocation `json:"location"`
			Block    storage.Block         `json:"block"`
		}{
			Hash:     hash,
			Location: loc,
			Block:    block,
		}

		return printJSON(cmd, out)
	},
}

// blockTipCmd prints the chain tip recovered from disk.
var blockTipCmd = &cobra.Command{
	Use:   "tip",
	Short: "Print the chain tip.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		tip := db.ChainTip()
		if tip.IsZero() {
			fmt.Fprintln(cmd.OutOrStdout(), "no blocks stored")
			return nil
		}

		block, _, err := db.GetBlock(cmd.Context(), tip)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Tip: %s  Number: %d  Bits: 0x%08x\n", tip, block.Header.Number, block.Header.Bits)
		return nil
	},
}

// blockVerifyCmd walks every stored block and checks it against the index
// and its own merkle root.
var blockVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every stored block against the index.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		iter, err := db.ForEach()
		if err != nil {
			return err
		}
		defer iter.Close()

		var total, unindexed, bad int
		for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
			if err != nil {
				return err
			}
			total++

			hash, err := block.Hash()
			if err != nil {
				return err
			}

			if _, found, err := db.Location(cmd.Context(), hash); err != nil {
				return err
			} else if !found {
				unindexed++
				fmt.Fprintf(cmd.OutOrStdout(), "blk[%d]: %s: not indexed\n", block.Header.Number, hash)
			}

			items := make([][]byte, len(block.Trans))
			for i, tx := range block.Trans {
				if items[i], err = tx.Encode(); err != nil {
					return err
				}
			}
			if mempool.CalculateMerkleRoot(items) != block.Header.MerkleRoot {
				bad++
				fmt.Fprintf(cmd.OutOrStdout(), "blk[%d]: %s: merkle root mismatch\n", block.Header.Number, hash)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Blocks: %d  Unindexed: %d  Bad Merkle Root: %d\n", total, unindexed, bad)

		if bad > 0 {
			return errors.New("verification failed")
		}
		return nil
	},
}

// blockFilesCmd lists the block files.
var blockFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the block files in the order they were written.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		names, err := db.Files()
		if err != nil {
			return err
		}

		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(blockCmd)
	blockCmd.AddCommand(blockGetCmd, blockTipCmd, blockVerifyCmd, blockFilesCmd)
}
