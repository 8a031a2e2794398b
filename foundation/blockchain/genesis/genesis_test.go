package genesis_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtalchain/xtal/foundation/blockchain/difficulty"
	"github.com/xtalchain/xtal/foundation/blockchain/genesis"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestLoad(t *testing.T) {
	type table struct {
		name    string
		content string
		valid   bool
	}

	tt := []table{
		{
			name:    "valid",
			content: `{"chain_id":1,"trans_per_block":10,"difficulty":268500991,"target_timespan":1200,"retarget_interval":10,"mining_reward":50}`,
			valid:   true,
		},
		{
			name:    "zero-interval",
			content: `{"chain_id":1,"trans_per_block":10,"difficulty":268500991,"target_timespan":1200,"retarget_interval":0}`,
		},
		{
			name:    "bad-difficulty",
			content: `{"chain_id":1,"trans_per_block":10,"difficulty":1,"target_timespan":1200,"retarget_interval":10}`,
		},
		{
			name:    "not-json",
			content: `chain_id: 1`,
		},
	}

	t.Log("Given the need to load the genesis file.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling a %s file.", testID, tst.name)
			{
				f := func(t *testing.T) {
					path := filepath.Join(t.TempDir(), "genesis.json")
					if err := os.WriteFile(path, []byte(tst.content), 0600); err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to write the file: %v", failed, testID, err)
					}

					gen, err := genesis.Load(path)
					switch tst.valid {
					case true:
						if err != nil {
							t.Fatalf("\t%s\tTest %d:\tShould be able to load the file: %v", failed, testID, err)
						}
						if gen.Difficulty != difficulty.GenesisBits || gen.RetargetInterval != 10 {
							t.Fatalf("\t%s\tTest %d:\tShould read the values from the file.", failed, testID)
						}
						t.Logf("\t%s\tTest %d:\tShould read the values from the file.", success, testID)

					default:
						if err == nil {
							t.Fatalf("\t%s\tTest %d:\tShould reject the file.", failed, testID)
						}
						t.Logf("\t%s\tTest %d:\tShould reject the file.", success, testID)
					}
				}

				t.Run(tst.name, f)
			}
		}

		testID := len(tt)
		t.Logf("\tTest %d:\tWhen using the default values.", testID)
		{
			if err := genesis.Default().Validate(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould have valid defaults: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould have valid defaults.", success, testID)
		}
	}
}
