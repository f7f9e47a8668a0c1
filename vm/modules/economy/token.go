// Package economy implements native token transfers so players can fund the
// accounts that pay entry fees.
package economy

import (
	"encoding/json"
	"fmt"

	errorsmod "cosmossdk.io/errors"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
	"github.com/tolelom/tolarcade/events"
	"github.com/tolelom/tolarcade/vm"
)

func init() {
	vm.Register(core.TxTransfer, handleTransfer)
}

func handleTransfer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errorsmod.Wrapf(core.ErrInvalidRequest, "decode transfer payload: %v", err)
	}
	if p.Amount == 0 {
		return errorsmod.Wrap(core.ErrInvalidRequest, "transfer amount must be > 0")
	}
	if !crypto.IsIdentity(p.To) {
		return errorsmod.Wrap(core.ErrInvalidRequest, "transfer recipient must be a pubkey hex")
	}

	if err := Move(ctx.State, ctx.Tx.From, p.To, p.Amount); err != nil {
		return err
	}

	ctx.Emit(events.EventTokenTransfer, map[string]any{
		"from":   ctx.Tx.From,
		"to":     p.To,
		"amount": p.Amount,
	})
	return nil
}

// Move debits amount from one account and credits another.
func Move(state core.State, from, to string, amount uint64) error {
	sender, err := state.GetAccount(from)
	if err != nil {
		return err
	}
	if sender.Balance < amount {
		return fmt.Errorf("insufficient balance: have %d, need %d", sender.Balance, amount)
	}
	sender.Balance -= amount
	if err := state.SetAccount(sender); err != nil {
		return err
	}

	recipient, err := state.GetAccount(to)
	if err != nil {
		return err
	}
	if recipient.Balance > ^uint64(0)-amount {
		return fmt.Errorf("balance overflow for %s", to)
	}
	recipient.Balance += amount
	return state.SetAccount(recipient)
}
