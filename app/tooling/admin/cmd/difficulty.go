package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"github.com/xtalchain/xtal/foundation/blockchain/difficulty"
)

var (
	adjustBits   string
	adjustActual uint64
	adjustTarget uint64
)

// difficultyCmd groups the commands that work with compact difficulties.
var difficultyCmd = &cobra.Command{
	Use:   "difficulty",
	Short: "Decode and adjust compact difficulties.",
}

// difficultyInfoCmd decodes the compact bits.
var difficultyInfoCmd = &cobra.Command{
	Use:   "info <bits>",
	Short: "Print the target encoded by the compact bits.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseBits(args[0])
		if err != nil {
			return err
		}

		target := d.Target()
		fmt.Fprintf(cmd.OutOrStdout(), "Bits: %s\n", d)
		fmt.Fprintf(cmd.OutOrStdout(), "Target: %s\n", hexutil.Encode(target[:]))
		fmt.Fprintf(cmd.OutOrStdout(), "Float: %g\n", d.ToFloat())
		fmt.Fprintf(cmd.OutOrStdout(), "Stem: %s\n", d.StemDifficulty())
		fmt.Fprintf(cmd.OutOrStdout(), "Relative To Genesis: %g\n", d.RelativeDifficulty(difficulty.Genesis()))
		return nil
	},
}

// difficultyAdjustCmd runs one retarget.
var difficultyAdjustCmd = &cobra.Command{
	Use:   "adjust",
	Short: "Compute the next difficulty from the actual and expected timespans.",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := parseBits(adjustBits)
		if err != nil {
			return err
		}

		next, percent, err := difficulty.Adjust(d, adjustActual, adjustTarget)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Current: %s  Next: %s  Change: %.2f%%\n", d, next, percent)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(difficultyCmd)
	difficultyCmd.AddCommand(difficultyInfoCmd, difficultyAdjustCmd)

	difficultyAdjustCmd.Flags().StringVar(&adjustBits, "bits", fmt.Sprintf("0x%08x", difficulty.GenesisBits), "Current compact bits.")
	difficultyAdjustCmd.Flags().Uint64Var(&adjustActual, "actual", 0, "Seconds the last interval took.")
	difficultyAdjustCmd.Flags().Uint64Var(&adjustTarget, "target", 1200, "Seconds the interval was expected to take.")
	difficultyAdjustCmd.MarkFlagRequired("actual")
}

// parseBits reads compact bits written in hex with or without a 0x prefix.
func parseBits(s string) (difficulty.Difficulty, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return difficulty.Difficulty{}, fmt.Errorf("parsing bits %q: %w", s, err)
	}

	return difficulty.New(uint32(v)), nil
}
