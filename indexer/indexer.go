// Package indexer maintains secondary indexes over committed blocks so clients
// can list a player's runs and look up a transaction's fate without scanning
// state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/events"
	"github.com/tolelom/tolarcade/storage"
)

const (
	prefixPlayerRuns = "idx:player:run:"
	prefixTxStatus   = "idx:tx:"
)

// Tx statuses.
const (
	TxApplied  = "applied"
	TxRejected = "rejected"
)

// TxStatus is the recorded outcome of a transaction.
type TxStatus struct {
	TxID        string `json:"tx_id"`
	Status      string `json:"status"`
	BlockHeight int64  `json:"block_height"`
	Error       string `json:"error,omitempty"`
}

// Indexer subscribes to chain events and updates secondary lookup tables.
// Updates from transaction events are staged per block and written only on
// block_commit, so a discarded block leaves no trace in the index.
type Indexer struct {
	db  storage.DB
	log *zap.Logger

	mu           sync.Mutex
	stagedHeight int64
	staged       []stagedWrite
}

type stagedWrite struct {
	what  string
	apply func() error
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter, log *zap.Logger) *Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	idx := &Indexer{db: db, log: log}
	emitter.Subscribe(events.EventRunStarted, idx.onRunStarted)
	emitter.Subscribe(events.EventTxExecuted, idx.onTxExecuted)
	emitter.Subscribe(events.EventTxRejected, idx.onTxRejected)
	emitter.Subscribe(events.EventBlockCommit, idx.onBlockCommit)
	emitter.Subscribe(events.EventBlockDiscard, idx.onBlockDiscard)
	return idx
}

// GetRunsByPlayer returns the session IDs of every run a player started.
func (idx *Indexer) GetRunsByPlayer(player string) ([]string, error) {
	return idx.getList(prefixPlayerRuns + player)
}

// GetTxStatus returns the recorded outcome of txID, or core.ErrNotFound.
func (idx *Indexer) GetTxStatus(txID string) (*TxStatus, error) {
	data, err := idx.db.Get([]byte(prefixTxStatus + txID))
	if err != nil {
		return nil, err
	}
	var st TxStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return &st, nil
}

// ---- event handlers ----

func (idx *Indexer) onRunStarted(ev events.Event) {
	owner, _ := ev.Data["owner"].(string)
	sessionID, _ := ev.Data["session_id"].(string)
	if owner == "" || sessionID == "" {
		return
	}
	idx.stage(ev.BlockHeight, "player runs", func() error {
		return idx.addToList(prefixPlayerRuns+owner, sessionID)
	})
}

func (idx *Indexer) onTxExecuted(ev events.Event) {
	st := TxStatus{TxID: ev.TxID, Status: TxApplied, BlockHeight: ev.BlockHeight}
	idx.stage(ev.BlockHeight, "tx status", func() error { return idx.putStatus(st) })
}

func (idx *Indexer) onTxRejected(ev events.Event) {
	msg, _ := ev.Data["error"].(string)
	st := TxStatus{TxID: ev.TxID, Status: TxRejected, BlockHeight: ev.BlockHeight, Error: msg}
	idx.stage(ev.BlockHeight, "tx status", func() error { return idx.putStatus(st) })
}

func (idx *Indexer) onBlockCommit(ev events.Event) {
	idx.mu.Lock()
	writes := idx.staged
	if idx.stagedHeight != ev.BlockHeight {
		writes = nil
	}
	idx.staged = nil
	idx.mu.Unlock()

	for _, w := range writes {
		idx.check(w.what, w.apply())
	}
}

func (idx *Indexer) onBlockDiscard(events.Event) {
	idx.mu.Lock()
	idx.staged = nil
	idx.mu.Unlock()
}

// stage queues a write for the block at height. Writes staged for another
// height belong to a block that never committed and are dropped.
func (idx *Indexer) stage(height int64, what string, apply func() error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if height != idx.stagedHeight {
		idx.staged = nil
		idx.stagedHeight = height
	}
	idx.staged = append(idx.staged, stagedWrite{what: what, apply: apply})
}

func (idx *Indexer) check(what string, err error) {
	if err != nil {
		idx.log.Warn("index update failed", zap.String("index", what), zap.Error(err))
	}
}

func (idx *Indexer) putStatus(st TxStatus) error {
	if st.TxID == "" {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(prefixTxStatus+st.TxID), data)
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	data, err := json.Marshal(append(ids, value))
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
