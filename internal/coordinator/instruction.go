package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/sharding-experiment/multitoken/internal/protocol"
	"github.com/sharding-experiment/multitoken/internal/shard"
)

// InstructionKind is the balance mutation an instruction performs.
type InstructionKind int

const (
	Increase InstructionKind = iota
	Decrease
)

func (k InstructionKind) String() string {
	if k == Increase {
		return "increase"
	}
	return "decrease"
}

// InstructionState tracks one step of a multi-shard transaction.
type InstructionState int

const (
	Created InstructionState = iota
	Applied
	Aborted
	Failed
)

func (s InstructionState) String() string {
	switch s {
	case Created:
		return "created"
	case Applied:
		return "applied"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Instruction is a single idempotent balance mutation against one shard,
// together with its compensation. Start and Abort may be retried: the shard
// deduplicates by key, and the instruction remembers its last known state.
//
// Instructions are owned by the coordinator goroutine.
type Instruction struct {
	client     shard.Client
	kind       InstructionKind
	token      protocol.TokenID
	account    common.Address
	authorizer common.Address
	amount     *uint256.Int
	key        common.Hash
	state      InstructionState
}

// NewIncrease credits amount of token to account.
func NewIncrease(client shard.Client, token protocol.TokenID, account common.Address, amount *uint256.Int, key common.Hash) *Instruction {
	return &Instruction{
		client:  client,
		kind:    Increase,
		token:   token,
		account: account,
		amount:  new(uint256.Int).Set(amount),
		key:     key,
	}
}

// NewDecrease debits amount of token from account on behalf of authorizer.
func NewDecrease(client shard.Client, token protocol.TokenID, authorizer, account common.Address, amount *uint256.Int, key common.Hash) *Instruction {
	return &Instruction{
		client:     client,
		kind:       Decrease,
		token:      token,
		account:    account,
		authorizer: authorizer,
		amount:     new(uint256.Int).Set(amount),
		key:        key,
	}
}

func (in *Instruction) Kind() InstructionKind   { return in.kind }
func (in *Instruction) State() InstructionState { return in.state }
func (in *Instruction) Key() common.Hash        { return in.key }

// Start applies the instruction. It reports false when the shard rejected the
// mutation. An error means the outcome is unknown and the state is unchanged.
func (in *Instruction) Start(ctx context.Context) (bool, error) {
	switch in.state {
	case Applied:
		return true, nil
	case Failed, Aborted:
		return false, nil
	}
	ev, err := in.send(ctx, in.kind, in.key)
	if err != nil {
		return false, err
	}
	if ev == protocol.EventOk {
		in.state = Applied
		return true, nil
	}
	in.state = Failed
	return false, nil
}

// Abort reverts an applied instruction with the inverse mutation under a key
// derived from the instruction's own.
func (in *Instruction) Abort(ctx context.Context) (bool, error) {
	switch in.state {
	case Aborted:
		return true, nil
	case Applied:
	default:
		return false, errors.Wrapf(protocol.ErrNotApplied, "abort %s in state %s", in.kind, in.state)
	}
	inverse := Decrease
	if in.kind == Decrease {
		inverse = Increase
	}
	ev, err := in.send(ctx, inverse, protocol.AbortHash(in.key))
	if err != nil {
		return false, err
	}
	if ev == protocol.EventOk {
		in.state = Aborted
		return true, nil
	}
	return false, nil
}

func (in *Instruction) send(ctx context.Context, kind InstructionKind, key common.Hash) (protocol.Event, error) {
	req := protocol.BalanceRequest{
		TxHash:  key,
		Token:   in.token,
		Account: in.account,
		Amount:  in.amount,
	}
	if kind == Increase {
		return in.client.IncreaseBalance(ctx, req)
	}
	req.Authorizer = in.authorizer
	if in.kind == Increase {
		// undoing a credit debits the account on its own authority
		req.Authorizer = in.account
	}
	return in.client.DecreaseBalance(ctx, req)
}
