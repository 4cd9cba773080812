package protocol

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// TokenID identifies a token type. Ids are allocated by the coordinator from a
// strictly increasing nonce starting at 1.
type TokenID uint64

// Event is the two-valued outcome of every mutating call.
type Event string

const (
	EventOk  Event = "ok"
	EventErr Event = "err"
)

// EventFrom maps a boolean outcome to an Event.
func EventFrom(ok bool) Event {
	if ok {
		return EventOk
	}
	return EventErr
}

// TxStatus is the coordinator ledger value for a transaction hash.
type TxStatus string

const (
	TxInProgress TxStatus = "in_progress"
	TxSuccess    TxStatus = "success"
	TxFailure    TxStatus = "failure"
)

// TokenMetadata marks a token as non-fungible. A metadata-bearing token is
// always minted with amount one.
type TokenMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Media       string `json:"media,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// Clone returns a copy of m, nil stays nil.
func (m *TokenMetadata) Clone() *TokenMetadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// =============================================================================
// Client-level actions (coordinator input)
// =============================================================================

// TransferAction moves Amount of Token from Sender to Recipient. The caller
// acts as the authorizer of the debit.
type TransferAction struct {
	Token     TokenID        `json:"token"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
}

// ApproveAction lets Delegate debit the caller's balances.
type ApproveAction struct {
	Delegate common.Address `json:"delegate"`
	Approved bool           `json:"approved"`
}

// CreateAction creates a new token owned by the caller and credits the
// initial amount to the caller.
type CreateAction struct {
	InitialAmount *uint256.Int   `json:"initial_amount"`
	URI           string         `json:"uri"`
	Metadata      *TokenMetadata `json:"metadata,omitempty"`
}

// MintBatchAction credits Amounts[i] of Token to Targets[i].
type MintBatchAction struct {
	Token   TokenID          `json:"token"`
	Targets []common.Address `json:"targets"`
	Amounts []*uint256.Int   `json:"amounts"`
}

// BurnBatchAction debits Amounts[i] of Token from Sources[i].
type BurnBatchAction struct {
	Token   TokenID          `json:"token"`
	Sources []common.Address `json:"sources"`
	Amounts []*uint256.Int   `json:"amounts"`
}

// Action is the payload of a coordinator transaction. Exactly one field is set.
type Action struct {
	Transfer  *TransferAction  `json:"transfer,omitempty"`
	Approve   *ApproveAction   `json:"approve,omitempty"`
	Create    *CreateAction    `json:"create,omitempty"`
	MintBatch *MintBatchAction `json:"mint_batch,omitempty"`
	BurnBatch *BurnBatchAction `json:"burn_batch,omitempty"`
}

// Kind returns a short name for logging.
func (a Action) Kind() string {
	switch {
	case a.Transfer != nil:
		return "transfer"
	case a.Approve != nil:
		return "approve"
	case a.Create != nil:
		return "create"
	case a.MintBatch != nil:
		return "mint_batch"
	case a.BurnBatch != nil:
		return "burn_batch"
	}
	return "none"
}

// Validate checks that exactly one action is set and that its amounts are present.
func (a Action) Validate() error {
	n := 0
	if a.Transfer != nil {
		n++
		if a.Transfer.Amount == nil {
			return errors.Wrap(ErrInvalidAction, "transfer amount missing")
		}
	}
	if a.Approve != nil {
		n++
	}
	if a.Create != nil {
		n++
		if a.Create.InitialAmount == nil {
			return errors.Wrap(ErrInvalidAction, "create initial amount missing")
		}
	}
	if a.MintBatch != nil {
		n++
		if hasNil(a.MintBatch.Amounts) {
			return errors.Wrap(ErrInvalidAction, "mint batch amount missing")
		}
	}
	if a.BurnBatch != nil {
		n++
		if hasNil(a.BurnBatch.Amounts) {
			return errors.Wrap(ErrInvalidAction, "burn batch amount missing")
		}
	}
	if n != 1 {
		return errors.Wrapf(ErrInvalidAction, "expected exactly one action, got %d", n)
	}
	return nil
}

func hasNil(amounts []*uint256.Int) bool {
	for _, a := range amounts {
		if a == nil {
			return true
		}
	}
	return false
}

// =============================================================================
// Shard requests (coordinator -> shard)
// =============================================================================

// TransferRequest is a single-shard transfer.
type TransferRequest struct {
	TxHash     common.Hash    `json:"tx_hash"`
	Token      TokenID        `json:"token"`
	Authorizer common.Address `json:"authorizer"`
	Sender     common.Address `json:"sender"`
	Recipient  common.Address `json:"recipient"`
	Amount     *uint256.Int   `json:"amount"`
}

// ApproveRequest sets approvals[Owner][Delegate].
type ApproveRequest struct {
	TxHash   common.Hash    `json:"tx_hash"`
	Owner    common.Address `json:"owner"`
	Delegate common.Address `json:"delegate"`
	Approved bool           `json:"approved"`
}

// BalanceRequest credits or debits one account. Authorizer is only consulted
// for debits.
type BalanceRequest struct {
	TxHash     common.Hash    `json:"tx_hash"`
	Token      TokenID        `json:"token"`
	Authorizer common.Address `json:"authorizer,omitempty"`
	Account    common.Address `json:"account"`
	Amount     *uint256.Int   `json:"amount"`
}

// MintRequest credits Amounts[i] of IDs[i] to Recipient. Metadata, when
// present, is index-aligned with IDs and may contain nil entries.
type MintRequest struct {
	TxHash    common.Hash      `json:"tx_hash"`
	Recipient common.Address   `json:"recipient"`
	IDs       []TokenID        `json:"ids"`
	Amounts   []*uint256.Int   `json:"amounts"`
	Metadata  []*TokenMetadata `json:"metadata,omitempty"`
}

// BurnRequest debits Amounts[i] of IDs[i] from Owner, authorized by Authorizer.
type BurnRequest struct {
	TxHash     common.Hash    `json:"tx_hash"`
	Authorizer common.Address `json:"authorizer"`
	Owner      common.Address `json:"owner"`
	IDs        []TokenID      `json:"ids"`
	Amounts    []*uint256.Int `json:"amounts"`
}

// InitRequest binds a freshly provisioned shard to its owning coordinator.
type InitRequest struct {
	Owner    common.Address `json:"owner"`
	Template common.Hash    `json:"template"`
}

// EventResponse is the wire form of a mutation outcome.
type EventResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error,omitempty"`
}

// ShardInfo describes a shard worker.
type ShardInfo struct {
	ID       string         `json:"id"`
	Owner    common.Address `json:"owner"`
	Template common.Hash    `json:"template"`
	Name     string         `json:"name"`
	Symbol   string         `json:"symbol"`
	BaseURI  string         `json:"base_uri"`
}
