package run_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/events"
	"github.com/tolelom/tolarcade/internal/testutil"
	"github.com/tolelom/tolarcade/leaderboard"
	"github.com/tolelom/tolarcade/vm"
	"github.com/tolelom/tolarcade/wallet"

	_ "github.com/tolelom/tolarcade/vm/modules/run"
)

const (
	chainID  = "arcade-test"
	entryFee = 5
)

type ledger struct {
	t        *testing.T
	state    core.State
	exec     *vm.Executor
	attester *wallet.Wallet
	pool     *wallet.Wallet
	height   int64
	nonces   map[string]uint64
	seen     []events.Event
}

func newLedger(t *testing.T) *ledger {
	t.Helper()
	attester, err := wallet.Generate()
	require.NoError(t, err)
	pool, err := wallet.Generate()
	require.NoError(t, err)

	state := testutil.NewStateDB()
	require.NoError(t, state.SetParams(&core.Params{
		EntryFee:  entryFee,
		Attester:  attester.PubKey(),
		PrizePool: pool.PubKey(),
	}))

	l := &ledger{t: t, state: state, attester: attester, pool: pool, nonces: map[string]uint64{}}
	emitter := events.NewEmitter(nil)
	for _, typ := range []events.EventType{
		events.EventRunStarted, events.EventRunFinalized,
		events.EventLeaderboardUpdated, events.EventLeaderboardEvicted,
	} {
		emitter.Subscribe(typ, func(ev events.Event) { l.seen = append(l.seen, ev) })
	}
	l.exec = vm.NewExecutor(state, emitter, nil)
	return l
}

func (l *ledger) player(balance uint64) *wallet.Wallet {
	l.t.Helper()
	w, err := wallet.Generate()
	require.NoError(l.t, err)
	require.NoError(l.t, l.state.SetAccount(&core.Account{Address: w.PubKey(), Balance: balance}))
	return w
}

// send executes tx built at w's next nonce in its own block.
func (l *ledger) send(w *wallet.Wallet, build func(nonce uint64) (*core.Transaction, error)) error {
	l.t.Helper()
	tx, err := build(l.nonces[w.PubKey()])
	require.NoError(l.t, err)
	l.height++
	block := core.NewBlockAt(chainID, l.height, "prev", l.pool.PubKey(), []*core.Transaction{tx}, l.height*1000)
	if err := l.exec.ExecuteTx(block, tx); err != nil {
		return err
	}
	l.nonces[w.PubKey()]++
	return nil
}

func (l *ledger) start(w *wallet.Wallet, sessionID string, payment uint64) error {
	return l.send(w, func(n uint64) (*core.Transaction, error) {
		return w.StartRun(chainID, sessionID, payment, n, 0)
	})
}

func (l *ledger) attest(player, sessionID string, score uint64) (core.ScorePayload, string) {
	p := core.ScorePayload{
		Player:        player,
		SessionID:     sessionID,
		Score:         score,
		ContentHash:   "00",
		CadenceDigest: "11",
	}
	return p, l.attester.Provider().Sign(p.Digest())
}

func (l *ledger) submit(w *wallet.Wallet, p core.ScorePayload, sig string) error {
	return l.send(w, func(n uint64) (*core.Transaction, error) {
		return w.SubmitScore(chainID, p, sig, n, 0)
	})
}

// play starts and finalizes one run.
func (l *ledger) play(w *wallet.Wallet, sessionID string, score uint64) {
	l.t.Helper()
	require.NoError(l.t, l.start(w, sessionID, entryFee))
	p, sig := l.attest(w.PubKey(), sessionID, score)
	require.NoError(l.t, l.submit(w, p, sig))
}

func (l *ledger) balance(addr string) uint64 {
	acc, err := l.state.GetAccount(addr)
	require.NoError(l.t, err)
	return acc.Balance
}

func (l *ledger) stats(addr string) *core.PlayerStats {
	s, err := l.state.GetPlayerStats(addr)
	require.NoError(l.t, err)
	return s
}

func TestRunStart(t *testing.T) {
	l := newLedger(t)
	alice := l.player(100)

	require.NoError(t, l.start(alice, "s1", entryFee))
	assert.Equal(t, uint64(95), l.balance(alice.PubKey()))
	assert.Equal(t, uint64(entryFee), l.balance(l.pool.PubKey()))

	rec, err := l.state.GetRun("s1")
	require.NoError(t, err)
	assert.Equal(t, alice.PubKey(), rec.Owner)
	assert.False(t, rec.Finalized)
	assert.Equal(t, int64(1000), rec.StartedAt)

	t.Run("duplicate", func(t *testing.T) {
		err := l.start(alice, "s1", entryFee)
		assert.True(t, errors.Is(err, core.ErrRunExists))
		assert.True(t, core.IsRunStateError(err))
	})
	t.Run("wrong payment", func(t *testing.T) {
		err := l.start(alice, "s2", entryFee+1)
		assert.True(t, errors.Is(err, core.ErrEntryFee))
		_, err = l.state.GetRun("s2")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})
	t.Run("cannot afford", func(t *testing.T) {
		poor := l.player(entryFee - 1)
		require.Error(t, l.start(poor, "s3", entryFee))
		assert.Equal(t, uint64(entryFee-1), l.balance(poor.PubKey()))
		_, err := l.state.GetRun("s3")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})
	t.Run("empty session", func(t *testing.T) {
		assert.True(t, errors.Is(l.start(alice, "", entryFee), core.ErrInvalidRequest))
	})
}

func TestScoreSubmit(t *testing.T) {
	l := newLedger(t)
	alice := l.player(100)
	l.play(alice, "s1", 42)

	rec, err := l.state.GetRun("s1")
	require.NoError(t, err)
	assert.True(t, rec.Finalized)
	assert.Equal(t, uint64(42), rec.Score)
	assert.Equal(t, int64(2000), rec.FinalizedAt)

	st := l.stats(alice.PubKey())
	assert.Equal(t, uint64(42), st.BestScore)
	assert.Equal(t, uint64(1), st.TotalRuns)
	assert.Equal(t, 1, st.BestRank)

	board, err := l.state.GetLeaderboard()
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, core.LeaderboardEntry{Player: alice.PubKey(), Score: 42, SessionID: "s1", UpdatedAt: 2000}, board[0])

	var types []events.EventType
	for _, ev := range l.seen {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []events.EventType{events.EventRunStarted, events.EventRunFinalized, events.EventLeaderboardUpdated}, types)

	t.Run("second finalize rejected", func(t *testing.T) {
		p, sig := l.attest(alice.PubKey(), "s1", 1000)
		err := l.submit(alice, p, sig)
		assert.True(t, errors.Is(err, core.ErrRunFinalized))
		rec, err := l.state.GetRun("s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), rec.Score)
	})

	t.Run("lower score keeps best", func(t *testing.T) {
		l.play(alice, "s2", 7)
		st := l.stats(alice.PubKey())
		assert.Equal(t, uint64(42), st.BestScore)
		assert.Equal(t, uint64(2), st.TotalRuns)
		assert.Equal(t, 1, st.BestRank)
	})
}

func TestScoreSubmit_Rejections(t *testing.T) {
	l := newLedger(t)
	alice := l.player(100)
	mallory := l.player(100)
	require.NoError(t, l.start(alice, "s1", entryFee))
	forger, err := wallet.Generate()
	require.NoError(t, err)

	cases := []struct {
		name string
		from *wallet.Wallet
		make func() (core.ScorePayload, string)
		want error
	}{
		{"unknown session", alice, func() (core.ScorePayload, string) {
			return l.attest(alice.PubKey(), "nope", 1)
		}, core.ErrUnknownRun},
		{"caller is not owner", mallory, func() (core.ScorePayload, string) {
			return l.attest(alice.PubKey(), "s1", 1)
		}, core.ErrIdentityMismatch},
		{"payload names another player", alice, func() (core.ScorePayload, string) {
			return l.attest(mallory.PubKey(), "s1", 1)
		}, core.ErrIdentityMismatch},
		{"signed by another key", alice, func() (core.ScorePayload, string) {
			p, _ := l.attest(alice.PubKey(), "s1", 1)
			return p, forger.Provider().Sign(p.Digest())
		}, core.ErrAttestation},
		{"score altered after signing", alice, func() (core.ScorePayload, string) {
			p, sig := l.attest(alice.PubKey(), "s1", 1)
			p.Score = 1_000_000
			return p, sig
		}, core.ErrAttestation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := l.nonces[tc.from.PubKey()]
			p, sig := tc.make()
			err := l.submit(tc.from, p, sig)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, before, l.nonces[tc.from.PubKey()])

			acc, err := l.state.GetAccount(tc.from.PubKey())
			require.NoError(t, err)
			assert.Equal(t, before, acc.Nonce, "rejected tx must not consume the nonce")
		})
	}

	rec, err := l.state.GetRun("s1")
	require.NoError(t, err)
	assert.False(t, rec.Finalized)
	assert.Equal(t, uint64(0), l.stats(alice.PubKey()).TotalRuns)
	board, err := l.state.GetLeaderboard()
	require.NoError(t, err)
	assert.Empty(t, board)
}

func TestLeaderboard_EvictionClearsRank(t *testing.T) {
	l := newLedger(t)
	victim := l.player(100)
	l.play(victim, "victim", 1)

	var filler []*wallet.Wallet
	for i := 0; i < leaderboard.Capacity-1; i++ {
		w := l.player(100)
		filler = append(filler, w)
		l.play(w, fmt.Sprintf("f%d", i), uint64(10+i))
	}
	assert.Equal(t, leaderboard.Capacity, l.stats(victim.PubKey()).BestRank)

	newcomer := l.player(100)
	l.play(newcomer, "new", 5)

	assert.Equal(t, 0, l.stats(victim.PubKey()).BestRank)
	assert.Equal(t, leaderboard.Capacity, l.stats(newcomer.PubKey()).BestRank)
	assert.Equal(t, 1, l.stats(filler[len(filler)-1].PubKey()).BestRank)

	board, err := l.state.GetLeaderboard()
	require.NoError(t, err)
	assert.Len(t, board, leaderboard.Capacity)
	for _, e := range board {
		assert.NotEqual(t, victim.PubKey(), e.Player)
	}
	assert.Equal(t, events.EventLeaderboardEvicted, l.seen[len(l.seen)-2].Type)

	t.Run("too low is rejected without eviction", func(t *testing.T) {
		late := l.player(100)
		l.play(late, "late", 4)
		assert.Equal(t, 0, l.stats(late.PubKey()).BestRank)
		assert.Equal(t, uint64(1), l.stats(late.PubKey()).TotalRuns)
		assert.Equal(t, leaderboard.Capacity, l.stats(newcomer.PubKey()).BestRank)
	})
}

func TestLeaderboard_MultiSlotPlayerKeepsRank(t *testing.T) {
	l := newLedger(t)
	alice := l.player(1000)
	l.play(alice, "a-low", 1)
	l.play(alice, "a-high", 100)

	for i := 0; i < leaderboard.Capacity-2; i++ {
		l.play(l.player(100), fmt.Sprintf("f%d", i), uint64(10+i))
	}
	assert.Equal(t, 1, l.stats(alice.PubKey()).BestRank)

	// Evicts alice's low slot; her high slot still ranks first.
	l.play(l.player(100), "bump", 50)
	assert.Equal(t, 1, l.stats(alice.PubKey()).BestRank)

	board, err := l.state.GetLeaderboard()
	require.NoError(t, err)
	for _, e := range board {
		assert.NotEqual(t, "a-low", e.SessionID)
	}
}

func TestLeaderboard_TieGoesToRecent(t *testing.T) {
	l := newLedger(t)
	first := l.player(100)
	second := l.player(100)
	l.play(first, "s1", 30)
	l.play(second, "s2", 30)

	assert.Equal(t, 1, l.stats(second.PubKey()).BestRank)
	assert.Equal(t, 2, l.stats(first.PubKey()).BestRank)
}
