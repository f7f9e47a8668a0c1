package config

import (
	"strings"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
)

// GenesisHash is a canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CreateGenesisBlock writes the initial balances and ledger params to state,
// commits, and returns the signed block #0.
func CreateGenesisBlock(g GenesisConfig, state core.State, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	for pubkeyHex, balance := range g.Alloc {
		if err := state.SetAccount(&core.Account{Address: pubkeyHex, Balance: balance}); err != nil {
			return nil, err
		}
	}
	if err := state.SetParams(&core.Params{
		EntryFee:  g.EntryFee,
		Attester:  g.Attester,
		PrizePool: g.PrizePool,
	}); err != nil {
		return nil, err
	}
	if err := state.SetLeaderboard(nil); err != nil {
		return nil, err
	}

	stateRoot := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(g.ChainID, 0, GenesisHash, proposerPriv.Public().Hex(), nil)
	block.Header.StateRoot = stateRoot
	block.Sign(proposerPriv)
	return block, nil
}

// IsGenesisHash returns true if the hash is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return len(h) == 64 && strings.Count(h, "0") == len(h)
}
