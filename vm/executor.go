// Package vm executes ledger transactions. Every transaction runs inside a
// state snapshot; a handler error reverts all of its writes, fee and nonce
// included.
package vm

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/events"
)

// Context is passed to every Handler and provides access to the chain state,
// the current block, the triggering transaction, and the event emitter.
type Context struct {
	State   core.State
	Block   *core.Block
	Tx      *core.Transaction
	Emitter *events.Emitter
}

// Emit publishes an event tagged with the current tx and block.
func (c *Context) Emit(typ events.EventType, data map[string]any) {
	if c.Emitter == nil {
		return
	}
	c.Emitter.Emit(events.Event{
		Type:        typ,
		TxID:        c.Tx.ID,
		BlockHeight: c.Block.Header.Height,
		Data:        data,
	})
}

// Rejection records a transaction dropped during block assembly.
type Rejection struct {
	Tx  *core.Transaction
	Err error
}

// Executor applies transactions to the state using the global Handler registry.
type Executor struct {
	state   core.State
	emitter *events.Emitter
	log     *zap.Logger
}

// NewExecutor creates an Executor with the given state and event emitter.
func NewExecutor(state core.State, emitter *events.Emitter, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{state: state, emitter: emitter, log: log}
}

// ExecuteBlock applies all transactions in an already assembled block.
// A failing transaction rejects the whole block; the caller discards the
// state buffer in that case.
func (e *Executor) ExecuteBlock(block *core.Block) error {
	for _, tx := range block.Transactions {
		if err := e.ExecuteTx(block, tx); err != nil {
			return fmt.Errorf("tx %s failed: %w", tx.ID, err)
		}
	}
	return nil
}

// ApplyBlock executes candidate transactions for a block being proposed.
// Failing transactions are rolled back and left out; block.Transactions and
// its TxRoot are rewritten to the applied set.
func (e *Executor) ApplyBlock(block *core.Block) (rejected []Rejection) {
	applied := make([]*core.Transaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		if err := e.ExecuteTx(block, tx); err != nil {
			e.log.Info("transaction rejected",
				zap.String("tx_id", tx.ID),
				zap.String("type", string(tx.Type)),
				zap.String("from", tx.From),
				zap.Error(err))
			rejected = append(rejected, Rejection{Tx: tx, Err: err})
			if e.emitter != nil {
				e.emitter.Emit(events.Event{
					Type:        events.EventTxRejected,
					TxID:        tx.ID,
					BlockHeight: block.Header.Height,
					Data:        map[string]any{"type": string(tx.Type), "from": tx.From, "error": err.Error()},
				})
			}
			continue
		}
		applied = append(applied, tx)
	}
	block.Transactions = applied
	block.Header.TxRoot = core.ComputeTxRoot(applied)
	return rejected
}

// ExecuteTx verifies and executes a single transaction with snapshot/rollback.
func (e *Executor) ExecuteTx(block *core.Block, tx *core.Transaction) error {
	if tx.ChainID != block.Header.ChainID {
		return fmt.Errorf("chain ID mismatch: got %q want %q", tx.ChainID, block.Header.ChainID)
	}
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if err := e.applyTx(block, tx); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr)
		}
		return err
	}

	if e.emitter != nil {
		e.emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxID:        tx.ID,
			BlockHeight: block.Header.Height,
			Data:        map[string]any{"type": string(tx.Type), "from": tx.From},
		})
	}
	return nil
}

// applyTx deducts the fee, increments the nonce, then dispatches to the handler.
func (e *Executor) applyTx(block *core.Block, tx *core.Transaction) error {
	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce != tx.Nonce {
		return fmt.Errorf("invalid nonce: expected %d got %d", acc.Nonce, tx.Nonce)
	}
	if acc.Balance < tx.Fee {
		return fmt.Errorf("insufficient balance for fee: have %d need %d", acc.Balance, tx.Fee)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("nonce overflow for account %s", tx.From)
	}
	acc.Balance -= tx.Fee
	acc.Nonce++
	if err := e.state.SetAccount(acc); err != nil {
		return err
	}

	ctx := &Context{
		State:   e.state,
		Block:   block,
		Tx:      tx,
		Emitter: e.emitter,
	}
	return globalRegistry.Execute(tx.Type, ctx, tx.Payload)
}
