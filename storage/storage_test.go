package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/internal/testutil"
	"github.com/tolelom/tolarcade/storage"
)

func openLevel(t *testing.T) *storage.LevelDB {
	t.Helper()
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLevelDB(t *testing.T) {
	db := openLevel(t)
	_, err := db.Get([]byte("missing"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, db.Set([]byte("p:b"), []byte("2")))
	require.NoError(t, db.Set([]byte("p:a"), []byte("1")))
	require.NoError(t, db.Set([]byte("q:c"), []byte("3")))

	it := db.NewIterator([]byte("p:"))
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Release()
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"p:a", "p:b"}, keys)

	batch := db.NewBatch()
	batch.Delete([]byte("p:a"))
	batch.Set([]byte("p:z"), []byte("26"))
	require.NoError(t, batch.Write())
	_, err = db.Get([]byte("p:a"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	v, err := db.Get([]byte("p:z"))
	require.NoError(t, err)
	assert.Equal(t, "26", string(v))
}

func TestStateDBSnapshotRevert(t *testing.T) {
	s := storage.NewStateDB(testutil.NewMemDB())
	require.NoError(t, s.SetAccount(&core.Account{Address: "a", Balance: 10}))
	root := s.ComputeRoot()

	id, err := s.Snapshot()
	require.NoError(t, err)
	require.NoError(t, s.SetAccount(&core.Account{Address: "a", Balance: 3}))
	require.NoError(t, s.SetRun(&core.RunRecord{SessionID: "s1", Owner: "a"}))
	assert.NotEqual(t, root, s.ComputeRoot())

	require.NoError(t, s.RevertToSnapshot(id))
	acc, err := s.GetAccount("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), acc.Balance)
	_, err = s.GetRun("s1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, root, s.ComputeRoot())

	assert.Error(t, s.RevertToSnapshot(id), "snapshot consumed")
}

func TestStateDBDefaults(t *testing.T) {
	s := storage.NewStateDB(testutil.NewMemDB())
	acc, err := s.GetAccount("nobody")
	require.NoError(t, err)
	assert.Equal(t, &core.Account{Address: "nobody"}, acc)

	ps, err := s.GetPlayerStats("nobody")
	require.NoError(t, err)
	assert.Equal(t, &core.PlayerStats{Player: "nobody"}, ps)

	board, err := s.GetLeaderboard()
	require.NoError(t, err)
	assert.Empty(t, board)

	_, err = s.GetParams()
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStateDBCommitAndRoot(t *testing.T) {
	db := openLevel(t)
	s := storage.NewStateDB(db)
	require.NoError(t, s.SetParams(&core.Params{EntryFee: 5, Attester: "att", PrizePool: "pool"}))
	require.NoError(t, s.SetLeaderboard([]core.LeaderboardEntry{{Player: "a", Score: 4, SessionID: "s", UpdatedAt: 1}}))
	require.NoError(t, s.SetPlayerStats(&core.PlayerStats{Player: "a", BestScore: 4, TotalRuns: 1, BestRank: 1}))
	pending := s.ComputeRoot()
	require.NoError(t, s.Commit())

	// A fresh view over the same DB sees the committed state and the same root.
	view := storage.NewStateDB(db)
	assert.Equal(t, pending, view.ComputeRoot())
	params, err := view.GetParams()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), params.EntryFee)
	board, err := view.GetLeaderboard()
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, "s", board[0].SessionID)

	// Write order does not affect the root.
	a := storage.NewStateDB(testutil.NewMemDB())
	b := storage.NewStateDB(testutil.NewMemDB())
	require.NoError(t, a.SetAccount(&core.Account{Address: "x", Balance: 1}))
	require.NoError(t, a.SetAccount(&core.Account{Address: "y", Balance: 2}))
	require.NoError(t, b.SetAccount(&core.Account{Address: "y", Balance: 2}))
	require.NoError(t, b.SetAccount(&core.Account{Address: "x", Balance: 1}))
	assert.Equal(t, a.ComputeRoot(), b.ComputeRoot())
}

func TestBlockStore(t *testing.T) {
	bs := storage.NewBlockStore(openLevel(t))
	tip, err := bs.GetTip()
	require.NoError(t, err)
	assert.Empty(t, tip)

	b := core.NewBlockAt("chain", 0, "prev", "proposer", nil, 42)
	b.Hash = b.ComputeHash()
	require.NoError(t, bs.CommitBlock(b))

	tip, err = bs.GetTip()
	require.NoError(t, err)
	assert.Equal(t, b.Hash, tip)

	got, err := bs.GetBlockByHeight(0)
	require.NoError(t, err)
	assert.Equal(t, b.Header, got.Header)

	_, err = bs.GetBlock("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
