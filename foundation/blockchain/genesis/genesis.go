// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xtalchain/xtal/foundation/blockchain/difficulty"
	"github.com/xtalchain/xtal/foundation/validate"
)

// Genesis represents the genesis file.
type Genesis struct {
	Date             time.Time `json:"date"`
	ChainID          uint16    `json:"chain_id"`                          // The chain id represents an unique id for this running instance.
	TransPerBlock    uint16    `json:"trans_per_block" validate:"gt=0"`   // The maximum number of transactions that can be in a block.
	Difficulty       uint32    `json:"difficulty"`                        // Compact bits of the starting proof of work target.
	TargetTimespan   uint64    `json:"target_timespan" validate:"gt=0"`   // Seconds a retarget interval is expected to take.
	RetargetInterval uint64    `json:"retarget_interval" validate:"gt=0"` // Number of blocks between difficulty adjustments.
	MiningReward     uint64    `json:"mining_reward"`                     // Reward for mining a block.
}

// Default returns the genesis values used when no file is configured.
func Default() Genesis {
	return Genesis{
		Date:             time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		ChainID:          1,
		TransPerBlock:    100,
		Difficulty:       difficulty.GenesisBits,
		TargetTimespan:   20 * 60,
		RetargetInterval: 10,
		MiningReward:     difficulty.BlockReward,
	}
}

// =============================================================================

// Load opens and consumes the genesis file at the specified path.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	err = json.Unmarshal(content, &genesis)
	if err != nil {
		return Genesis{}, err
	}

	if err := genesis.Validate(); err != nil {
		return Genesis{}, fmt.Errorf("genesis %s: %w", path, err)
	}

	return genesis, nil
}

// Validate checks the genesis values are usable.
func (g Genesis) Validate() error {
	if err := validate.Check(g); err != nil {
		return err
	}

	if g.Difficulty < difficulty.MinBits || g.Difficulty > difficulty.MaxBits {
		return fmt.Errorf("difficulty 0x%08x is out of range", g.Difficulty)
	}

	return nil
}
