package core

import (
	"encoding/json"

	"github.com/tolelom/tolarcade/crypto"
)

// Account holds a participant's token balance and replay-protection nonce.
// Address is the hex-encoded ed25519 public key.
type Account struct {
	Address string `json:"address"` // pubkey hex
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Params are the ledger-wide settings fixed at genesis.
type Params struct {
	EntryFee  uint64 `json:"entry_fee"`  // exact payment required by run_start
	Attester  string `json:"attester"`   // trusted attester pubkey hex
	PrizePool string `json:"prize_pool"` // account credited with entry fees
}

// RunRecord is one paid attempt. Finalized flips exactly once.
type RunRecord struct {
	SessionID   string `json:"session_id"`
	Owner       string `json:"owner"` // pubkey hex of the payer
	EntryFee    uint64 `json:"entry_fee"`
	Finalized   bool   `json:"finalized"`
	Score       uint64 `json:"score"`
	StartedAt   int64  `json:"started_at"`
	FinalizedAt int64  `json:"finalized_at,omitempty"`
}

// PlayerStats aggregates a player's finalized runs. BestRank is 0 when the
// player holds no leaderboard slot.
type PlayerStats struct {
	Player    string `json:"player"`
	BestScore uint64 `json:"best_score"`
	TotalRuns uint64 `json:"total_runs"`
	BestRank  int    `json:"best_rank"`
}

// LeaderboardEntry is one ranked result.
type LeaderboardEntry struct {
	Player    string `json:"player"`
	Score     uint64 `json:"score"`
	SessionID string `json:"session_id"`
	UpdatedAt int64  `json:"updated_at"` // block timestamp, unix nanos
}

// ScorePayload is the exact tuple covered by an attestation signature.
type ScorePayload struct {
	Player        string `json:"player"`
	SessionID     string `json:"session_id"`
	Score         uint64 `json:"score"`
	ContentHash   string `json:"content_hash"`
	CadenceDigest string `json:"cadence_digest"`
}

// Digest returns the bytes an attestation signs: SHA-256 of the payload's JSON
// encoding. Field order is fixed by the struct, so the encoding is canonical.
func (p ScorePayload) Digest() []byte {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return crypto.HashBytes(data)
}

// State is the full ledger state interface. Implementations must be
// snapshot-able so the executor can roll back failed transactions.
type State interface {
	// Accounts
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Params
	GetParams() (*Params, error)
	SetParams(p *Params) error

	// Runs
	GetRun(sessionID string) (*RunRecord, error)
	SetRun(r *RunRecord) error

	// Players
	GetPlayerStats(player string) (*PlayerStats, error)
	SetPlayerStats(s *PlayerStats) error

	// Leaderboard returns entries in rank order.
	GetLeaderboard() ([]LeaderboardEntry, error)
	SetLeaderboard(entries []LeaderboardEntry) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing. Call this before signing a block.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}
