package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
)

// registerPrefix records a state-key prefix into statePrefixes so that
// ComputeRoot() always covers it.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

// statePrefixes is populated by registerPrefix() below.
var statePrefixes []string

var (
	prefixAccount = registerPrefix("acct:")
	prefixRun     = registerPrefix("run:")
	prefixPlayer  = registerPrefix("player:")
	prefixLedger  = registerPrefix("ledger:")
)

var (
	keyParams      = prefixLedger + "params"
	keyLeaderboard = prefixLedger + "leaderboard"
)

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with in-memory write buffer,
// snapshot/rollback, and deterministic state-root computation.
type StateDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) getJSON(key string, v any) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *StateDB) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.set(key, data)
	return nil
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	var acc core.Account
	err := s.getJSON(prefixAccount+address, &acc)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil // zero-value account
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.setJSON(prefixAccount+acc.Address, acc)
}

// ---- Params ----

func (s *StateDB) GetParams() (*core.Params, error) {
	var p core.Params
	if err := s.getJSON(keyParams, &p); err != nil {
		return nil, fmt.Errorf("ledger params: %w", err)
	}
	return &p, nil
}

func (s *StateDB) SetParams(p *core.Params) error {
	return s.setJSON(keyParams, p)
}

// ---- Runs ----

func (s *StateDB) GetRun(sessionID string) (*core.RunRecord, error) {
	var r core.RunRecord
	if err := s.getJSON(prefixRun+sessionID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *StateDB) SetRun(r *core.RunRecord) error {
	return s.setJSON(prefixRun+r.SessionID, r)
}

// ---- Players ----

func (s *StateDB) GetPlayerStats(player string) (*core.PlayerStats, error) {
	var ps core.PlayerStats
	err := s.getJSON(prefixPlayer+player, &ps)
	if errors.Is(err, core.ErrNotFound) {
		return &core.PlayerStats{Player: player}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ps, nil
}

func (s *StateDB) SetPlayerStats(ps *core.PlayerStats) error {
	return s.setJSON(prefixPlayer+ps.Player, ps)
}

// ---- Leaderboard ----

func (s *StateDB) GetLeaderboard() ([]core.LeaderboardEntry, error) {
	var entries []core.LeaderboardEntry
	err := s.getJSON(keyLeaderboard, &entries)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	return entries, err
}

func (s *StateDB) SetLeaderboard(entries []core.LeaderboardEntry) error {
	if entries == nil {
		entries = []core.LeaderboardEntry{}
	}
	return s.setJSON(keyLeaderboard, entries)
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	s.snapshots = append(s.snapshots, stateSnapshot{
		dirty:   copyDirty(s.dirty),
		deleted: copyDeleted(s.deleted),
	})
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are copied so that subsequent writes cannot corrupt them.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]
	s.dirty = copyDirty(snap.dirty)
	s.deleted = copyDeleted(snap.deleted)
	s.snapshots = s.snapshots[:id]
	return nil
}

func copyDirty(src map[string][]byte) map[string][]byte {
	dst := make(map[string][]byte, len(src))
	for k, v := range src {
		cp := make([]byte, len(v))
		copy(cp, v)
		dst[k] = cp
	}
	return dst
}

func copyDeleted(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ComputeRoot returns the deterministic hash of the complete world state:
// persisted entries under the known prefixes merged with the write buffer,
// sorted by key and length-prefix encoded. It does not modify state.
func (s *StateDB) ComputeRoot() string {
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[string(it.Key())] = v
		}
		it.Release()
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf.Write(lenBuf[:])
		buf.WriteString(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// batch and then clears it.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
