package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/indexer"
)

// Handler holds all dependencies needed to serve RPC methods. state should be
// a view of committed state; it is only read.
type Handler struct {
	bc      *core.Blockchain
	mempool *core.Mempool
	state   core.State
	indexer *indexer.Indexer
	chainID string // expected chain_id; used to reject cross-chain replay transactions
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state core.State, idx *indexer.Indexer, chainID string) *Handler {
	return &Handler{bc: bc, mempool: mempool, state: state, indexer: idx, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())
	case "getBlock":
		return h.getBlock(req)
	case "getBalance":
		return h.getBalance(req)
	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())
	case "sendTx":
		return h.sendTx(req)
	case "getTxStatus":
		return h.getTxStatus(req)
	case "getParams":
		params, err := h.state.GetParams()
		return result(req, params, err)
	case "getRun":
		return h.getRun(req)
	case "getLeaderboard":
		return h.getLeaderboard(req)
	case "getPlayerStats":
		return h.getPlayerStats(req)
	case "getRunsByPlayer":
		return h.getRunsByPlayer(req)
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func result[T any](req Request, v T, err error) Response {
	if errors.Is(err, core.ErrNotFound) {
		return errResponse(req.ID, CodeNotFound, err.Error())
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, v)
}

// stringParam extracts the required string field name from object params.
func stringParam(req Request, name string) (string, *Response) {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		resp := errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		return "", &resp
	}
	var v string
	if raw, ok := params[name]; ok {
		if err := json.Unmarshal(raw, &v); err != nil {
			resp := errResponse(req.ID, CodeInvalidParams, name+": "+err.Error())
			return "", &resp
		}
	}
	if v == "" {
		resp := errResponse(req.ID, CodeInvalidParams, name+" is required")
		return "", &resp
	}
	return v, nil
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
		}
	}

	var block *core.Block
	var err error
	switch {
	case params.Hash != "":
		block, err = h.bc.GetBlock(params.Hash)
	case params.Height != nil:
		block, err = h.bc.GetBlockByHeight(*params.Height)
	default:
		block = h.bc.Tip()
		if block == nil {
			err = core.ErrNotFound
		}
	}
	return result(req, block, err)
}

func (h *Handler) getBalance(req Request) Response {
	address, resp := stringParam(req, "address")
	if resp != nil {
		return *resp
	}
	acc, err := h.state.GetAccount(address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": address, "balance": acc.Balance, "nonce": acc.Nonce})
}

func (h *Handler) getRun(req Request) Response {
	sessionID, resp := stringParam(req, "session_id")
	if resp != nil {
		return *resp
	}
	rec, err := h.state.GetRun(sessionID)
	return result(req, rec, err)
}

func (h *Handler) getLeaderboard(req Request) Response {
	entries, err := h.state.GetLeaderboard()
	if entries == nil {
		entries = []core.LeaderboardEntry{}
	}
	return result(req, entries, err)
}

func (h *Handler) getPlayerStats(req Request) Response {
	player, resp := stringParam(req, "player")
	if resp != nil {
		return *resp
	}
	stats, err := h.state.GetPlayerStats(player)
	return result(req, stats, err)
}

func (h *Handler) getRunsByPlayer(req Request) Response {
	player, resp := stringParam(req, "player")
	if resp != nil {
		return *resp
	}
	ids, err := h.indexer.GetRunsByPlayer(player)
	if ids == nil {
		ids = []string{}
	}
	return result(req, ids, err)
}

func (h *Handler) getTxStatus(req Request) Response {
	id, resp := stringParam(req, "id")
	if resp != nil {
		return *resp
	}
	st, err := h.indexer.GetTxStatus(id)
	if errors.Is(err, core.ErrNotFound) {
		if _, pending := h.mempool.Get(id); pending {
			return okResponse(req.ID, indexer.TxStatus{TxID: id, Status: "pending"})
		}
	}
	return result(req, st, err)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.chainID))
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeTxRejected, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}
