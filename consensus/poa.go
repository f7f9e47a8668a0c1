// Package consensus implements Proof-of-Authority block production.
// Validators propose blocks in round-robin order. Each block is signed by
// the proposer; other nodes verify the signature before accepting the block.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/config"
	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
	"github.com/tolelom/tolarcade/events"
	"github.com/tolelom/tolarcade/vm"
)

const defaultMaxBlockTxs = 500

// PoA is the Proof-of-Authority consensus engine.
type PoA struct {
	cfg     config.NodeConfig
	bc      *core.Blockchain
	state   core.State
	mempool *core.Mempool
	exec    *vm.Executor
	emitter *events.Emitter
	privKey crypto.PrivateKey
	pubKey  crypto.PublicKey
	log     *zap.Logger
	now     func() time.Time
}

// New creates a PoA engine for the local validator identified by privKey.
func New(
	cfg config.NodeConfig,
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	privKey crypto.PrivateKey,
	log *zap.Logger,
) *PoA {
	return &PoA{
		cfg:     cfg,
		bc:      bc,
		state:   state,
		mempool: mempool,
		exec:    exec,
		emitter: emitter,
		privKey: privKey,
		pubKey:  privKey.Public(),
		log:     log,
		now:     time.Now,
	}
}

// IsProposer reports whether this node should propose the next block.
func (p *PoA) IsProposer() bool {
	return p.expectedProposer(p.bc.Height()+1) == p.pubKey.Hex()
}

func (p *PoA) expectedProposer(height int64) string {
	if len(p.cfg.Validators) == 0 {
		return ""
	}
	return p.cfg.Validators[int(height)%len(p.cfg.Validators)]
}

// ProduceBlock builds, executes, signs and commits the next block. Pending
// transactions that fail are left out of the block and dropped from the
// mempool.
func (p *PoA) ProduceBlock() (*core.Block, error) {
	if !p.IsProposer() {
		return nil, errors.New("not the proposer for this round")
	}

	limit := p.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = defaultMaxBlockTxs
	}
	txs := p.mempool.Pending(limit)

	prevHash, nextHeight, ts := config.GenesisHash, int64(1), p.now().UnixNano()
	if tip := p.bc.Tip(); tip != nil {
		prevHash = tip.Hash
		nextHeight = tip.Header.Height + 1
		// Block time never runs backwards; recency ties depend on it.
		if ts < tip.Header.Timestamp {
			ts = tip.Header.Timestamp
		}
	}

	block := core.NewBlockAt(p.cfg.Genesis.ChainID, nextHeight, prevHash, p.pubKey.Hex(), txs, ts)

	base, err := p.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	rejected := p.exec.ApplyBlock(block)

	// Compute root from the write buffer BEFORE flushing so that if AddBlock
	// fails the state has not yet been persisted and the node stays consistent.
	block.Header.StateRoot = p.state.ComputeRoot()
	block.Sign(p.privKey)

	if err := p.bc.AddBlock(block); err != nil {
		if revertErr := p.state.RevertToSnapshot(base); revertErr != nil {
			p.log.Error("discard block state", zap.Error(revertErr))
		}
		p.emitDiscard(block)
		return nil, fmt.Errorf("add block: %w", err)
	}

	// Flush state only after the block is safely stored.
	if err := p.state.Commit(); err != nil {
		p.log.Fatal("block stored but state commit failed",
			zap.Int64("height", block.Header.Height), zap.Error(err))
	}

	// Emit after Sign() so block.Hash is set correctly.
	p.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"hash": block.Hash, "txs": len(block.Transactions), "rejected": len(rejected)},
	})

	done := make([]string, 0, len(txs))
	for _, tx := range txs {
		done = append(done, tx.ID)
	}
	p.mempool.Remove(done)

	p.log.Info("block committed",
		zap.Int64("height", block.Header.Height),
		zap.String("hash", block.Hash),
		zap.Int("txs", len(block.Transactions)),
		zap.Int("rejected", len(rejected)))
	return block, nil
}

// ValidateBlock checks that block was proposed by the expected validator and
// links to the current tip.
func (p *PoA) ValidateBlock(block *core.Block) error {
	if len(p.cfg.Validators) == 0 {
		return errors.New("no validators configured")
	}
	if block.Header.ChainID != p.cfg.Genesis.ChainID {
		return fmt.Errorf("chain ID mismatch: got %q want %q", block.Header.ChainID, p.cfg.Genesis.ChainID)
	}
	expected := p.expectedProposer(block.Header.Height)
	if block.Header.Proposer != expected {
		return fmt.Errorf("wrong proposer: got %s want %s", block.Header.Proposer, expected)
	}

	pub, err := crypto.PubKeyFromHex(block.Header.Proposer)
	if err != nil {
		return fmt.Errorf("invalid proposer pubkey: %w", err)
	}
	if err := block.Verify(pub); err != nil {
		return fmt.Errorf("block signature invalid: %w", err)
	}
	if block.Header.TxRoot != core.ComputeTxRoot(block.Transactions) {
		return errors.New("tx_root does not match transactions")
	}

	tip := p.bc.Tip()
	if tip == nil {
		if !config.IsGenesisHash(block.Header.PrevHash) {
			return errors.New("first block must reference genesis prev-hash")
		}
		return nil
	}
	if block.Header.PrevHash != tip.Hash {
		return fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, tip.Hash)
	}
	if block.Header.Height != tip.Header.Height+1 {
		return fmt.Errorf("height mismatch: got %d want %d", block.Header.Height, tip.Header.Height+1)
	}
	return nil
}

// ImportBlock validates and executes a block produced elsewhere, e.g. when
// rebuilding a node from an exported chain. Every transaction must succeed
// and the resulting state root must match the header.
func (p *PoA) ImportBlock(block *core.Block) error {
	if err := p.ValidateBlock(block); err != nil {
		return err
	}
	base, err := p.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	discard := func(cause error) error {
		p.emitDiscard(block)
		if revertErr := p.state.RevertToSnapshot(base); revertErr != nil {
			return fmt.Errorf("%w (revert: %v)", cause, revertErr)
		}
		return cause
	}
	if err := p.exec.ExecuteBlock(block); err != nil {
		return discard(fmt.Errorf("execute block: %w", err))
	}
	if root := p.state.ComputeRoot(); root != block.Header.StateRoot {
		return discard(fmt.Errorf("state root mismatch: got %s want %s", root, block.Header.StateRoot))
	}
	if err := p.bc.AddBlock(block); err != nil {
		return discard(fmt.Errorf("add block: %w", err))
	}
	if err := p.state.Commit(); err != nil {
		p.log.Fatal("block stored but state commit failed",
			zap.Int64("height", block.Header.Height), zap.Error(err))
	}
	p.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"hash": block.Hash, "txs": len(block.Transactions)},
	})
	return nil
}

func (p *PoA) emitDiscard(block *core.Block) {
	p.emitter.Emit(events.Event{
		Type:        events.EventBlockDiscard,
		BlockHeight: block.Header.Height,
	})
}

// Run produces blocks every interval while this node is the proposer. It
// returns when ctx is cancelled.
func (p *PoA) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.IsProposer() {
				if _, err := p.ProduceBlock(); err != nil {
					p.log.Warn("produce block", zap.Error(err))
				}
			}
		}
	}
}
