// Package run is the Run Ledger: fee-gated run starts and attested score
// finalization feeding the leaderboard.
package run

import (
	"encoding/json"
	"errors"
	"fmt"

	errorsmod "cosmossdk.io/errors"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
	"github.com/tolelom/tolarcade/events"
	"github.com/tolelom/tolarcade/leaderboard"
	"github.com/tolelom/tolarcade/vm"
	"github.com/tolelom/tolarcade/vm/modules/economy"
)

func init() {
	vm.Register(core.TxRunStart, handleRunStart)
	vm.Register(core.TxScoreSubmit, handleScoreSubmit)
}

func handleRunStart(ctx *vm.Context, payload json.RawMessage) error {
	var p core.RunStartPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errorsmod.Wrapf(core.ErrInvalidRequest, "decode run_start payload: %v", err)
	}
	if p.SessionID == "" {
		return errorsmod.Wrap(core.ErrInvalidRequest, "session_id required")
	}

	if _, err := ctx.State.GetRun(p.SessionID); err == nil {
		return errorsmod.Wrapf(core.ErrRunExists, "session %q", p.SessionID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("checking run %q: %w", p.SessionID, err)
	}

	params, err := ctx.State.GetParams()
	if err != nil {
		return err
	}
	if p.Payment != params.EntryFee {
		return errorsmod.Wrapf(core.ErrEntryFee, "paid %d, entry fee is %d", p.Payment, params.EntryFee)
	}
	if p.Payment > 0 {
		if err := economy.Move(ctx.State, ctx.Tx.From, params.PrizePool, p.Payment); err != nil {
			return fmt.Errorf("entry fee: %w", err)
		}
	}

	if err := ctx.State.SetRun(&core.RunRecord{
		SessionID: p.SessionID,
		Owner:     ctx.Tx.From,
		EntryFee:  p.Payment,
		StartedAt: ctx.Block.Header.Timestamp,
	}); err != nil {
		return err
	}

	ctx.Emit(events.EventRunStarted, map[string]any{
		"session_id": p.SessionID,
		"owner":      ctx.Tx.From,
		"entry_fee":  p.Payment,
	})
	return nil
}

func handleScoreSubmit(ctx *vm.Context, payload json.RawMessage) error {
	var p core.ScoreSubmitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errorsmod.Wrapf(core.ErrInvalidRequest, "decode score_submit payload: %v", err)
	}
	sp := p.Payload

	rec, err := ctx.State.GetRun(sp.SessionID)
	if errors.Is(err, core.ErrNotFound) {
		return errorsmod.Wrapf(core.ErrUnknownRun, "session %q", sp.SessionID)
	}
	if err != nil {
		return fmt.Errorf("load run %q: %w", sp.SessionID, err)
	}
	if rec.Owner != ctx.Tx.From {
		return errorsmod.Wrapf(core.ErrIdentityMismatch, "run %q belongs to %s", sp.SessionID, rec.Owner)
	}
	if sp.Player != rec.Owner {
		return errorsmod.Wrapf(core.ErrIdentityMismatch, "payload player %s is not the run owner", sp.Player)
	}
	if rec.Finalized {
		return errorsmod.Wrapf(core.ErrRunFinalized, "session %q", sp.SessionID)
	}
	if err := verifyAttestation(ctx.State, sp, p.Signature); err != nil {
		return err
	}

	now := ctx.Block.Header.Timestamp
	rec.Finalized = true
	rec.Score = sp.Score
	rec.FinalizedAt = now
	if err := ctx.State.SetRun(rec); err != nil {
		return err
	}

	stats, err := ctx.State.GetPlayerStats(rec.Owner)
	if err != nil {
		return err
	}
	stats.TotalRuns++
	if sp.Score > stats.BestScore {
		stats.BestScore = sp.Score
	}
	if err := ctx.State.SetPlayerStats(stats); err != nil {
		return err
	}

	ctx.Emit(events.EventRunFinalized, map[string]any{
		"session_id": sp.SessionID,
		"player":     rec.Owner,
		"score":      sp.Score,
	})

	return consider(ctx, core.LeaderboardEntry{
		Player:    rec.Owner,
		Score:     sp.Score,
		SessionID: sp.SessionID,
		UpdatedAt: now,
	})
}

func verifyAttestation(state core.State, sp core.ScorePayload, sig string) error {
	params, err := state.GetParams()
	if err != nil {
		return err
	}
	pub, err := crypto.PubKeyFromHex(params.Attester)
	if err != nil {
		return fmt.Errorf("configured attester key: %w", err)
	}
	if err := crypto.NewVerifier(pub).Verify(sp.Digest(), sig); err != nil {
		return errorsmod.Wrapf(core.ErrAttestation, "session %q: %v", sp.SessionID, err)
	}
	return nil
}

// consider offers e to the stored leaderboard and refreshes every affected
// player's best rank.
func consider(ctx *vm.Context, e core.LeaderboardEntry) error {
	stored, err := ctx.State.GetLeaderboard()
	if err != nil {
		return err
	}
	board, err := leaderboard.FromEntries(stored)
	if err != nil {
		return err
	}
	out := board.Consider(e)
	if !out.Inserted {
		return nil
	}
	if err := ctx.State.SetLeaderboard(board.Entries()); err != nil {
		return err
	}

	if out.Evicted != "" {
		if err := setBestRank(ctx.State, out.Evicted, 0); err != nil {
			return err
		}
		ctx.Emit(events.EventLeaderboardEvicted, map[string]any{"player": out.Evicted})
	}
	for player, rank := range board.BestRanks() {
		if err := setBestRank(ctx.State, player, rank); err != nil {
			return err
		}
	}

	ctx.Emit(events.EventLeaderboardUpdated, map[string]any{
		"player":     e.Player,
		"session_id": e.SessionID,
		"score":      e.Score,
		"rank":       out.Rank,
	})
	return nil
}

func setBestRank(state core.State, player string, rank int) error {
	stats, err := state.GetPlayerStats(player)
	if err != nil {
		return err
	}
	if stats.BestRank == rank {
		return nil
	}
	stats.BestRank = rank
	return state.SetPlayerStats(stats)
}
