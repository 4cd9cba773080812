package shard

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

// balanceKey identifies one account's balance of one token.
type balanceKey struct {
	token   protocol.TokenID
	account common.Address
}

// approvalKey identifies a delegation from owner to delegate.
type approvalKey struct {
	owner    common.Address
	delegate common.Address
}

// State holds the balances, approvals and token metadata of the accounts
// hashed to one shard. It is owned by the worker goroutine.
type State struct {
	balances  map[balanceKey]uint256.Int
	approvals map[approvalKey]bool
	metadata  map[protocol.TokenID]*protocol.TokenMetadata
	owners    map[protocol.TokenID]common.Address
}

func NewState() *State {
	return &State{
		balances:  make(map[balanceKey]uint256.Int),
		approvals: make(map[approvalKey]bool),
		metadata:  make(map[protocol.TokenID]*protocol.TokenMetadata),
		owners:    make(map[protocol.TokenID]common.Address),
	}
}

// Balance returns a copy of the balance, zero for unknown tokens or accounts.
func (s *State) Balance(token protocol.TokenID, account common.Address) *uint256.Int {
	b := s.balances[balanceKey{token, account}]
	return new(uint256.Int).Set(&b)
}

func (s *State) Approval(owner, delegate common.Address) bool {
	return s.approvals[approvalKey{owner, delegate}]
}

func (s *State) TokenMetadata(token protocol.TokenID) (*protocol.TokenMetadata, bool) {
	m, ok := s.metadata[token]
	return m.Clone(), ok
}

func (s *State) TokenOwner(token protocol.TokenID) (common.Address, bool) {
	o, ok := s.owners[token]
	return o, ok
}

// canDecrease reports whether authorizer may debit amount from owner.
func (s *State) canDecrease(token protocol.TokenID, authorizer, owner common.Address, amount *uint256.Int) bool {
	if authorizer != owner && !s.Approval(owner, authorizer) {
		return false
	}
	b := s.balances[balanceKey{token, owner}]
	return !b.Lt(amount)
}

// decrease debits amount from owner when the balance suffices and authorizer
// is the owner or an approved delegate. On false nothing changed.
func (s *State) decrease(token protocol.TokenID, authorizer, owner common.Address, amount *uint256.Int) bool {
	if !s.canDecrease(token, authorizer, owner, amount) {
		return false
	}
	key := balanceKey{token, owner}
	b := s.balances[key]
	if _, overflow := b.SubOverflow(&b, amount); overflow {
		panic("shard: balance underflow after check")
	}
	s.setBalance(key, &b)
	return true
}

// increase credits amount to account. Overflow is a broken invariant and
// panics.
func (s *State) increase(token protocol.TokenID, account common.Address, amount *uint256.Int) {
	key := balanceKey{token, account}
	b := s.balances[key]
	if _, overflow := b.AddOverflow(&b, amount); overflow {
		panic("shard: balance overflow")
	}
	s.setBalance(key, &b)
}

func (s *State) setBalance(key balanceKey, b *uint256.Int) {
	if b.IsZero() {
		delete(s.balances, key)
		return
	}
	s.balances[key] = *b
}

func (s *State) transfer(req protocol.TransferRequest) bool {
	if !s.decrease(req.Token, req.Authorizer, req.Sender, req.Amount) {
		return false
	}
	s.increase(req.Token, req.Recipient, req.Amount)
	return true
}

func (s *State) approve(req protocol.ApproveRequest) bool {
	key := approvalKey{req.Owner, req.Delegate}
	if req.Approved {
		s.approvals[key] = true
	} else {
		delete(s.approvals, key)
	}
	return true
}

// mint validates the whole batch before crediting anything.
func (s *State) mint(req protocol.MintRequest) bool {
	if len(req.IDs) != len(req.Amounts) || req.Recipient == (common.Address{}) {
		return false
	}
	if len(req.Metadata) != 0 && len(req.Metadata) != len(req.IDs) {
		return false
	}
	one := uint256.NewInt(1)
	for i := range req.IDs {
		if req.Amounts[i] == nil {
			return false
		}
		if meta := metadataAt(req.Metadata, i); meta != nil {
			if req.Amounts[i].Gt(one) {
				return false
			}
			if _, taken := s.owners[req.IDs[i]]; taken {
				return false
			}
		}
	}
	for i, id := range req.IDs {
		s.increase(id, req.Recipient, req.Amounts[i])
		if meta := metadataAt(req.Metadata, i); meta != nil {
			s.metadata[id] = meta.Clone()
			s.owners[id] = req.Recipient
		}
	}
	return true
}

func metadataAt(meta []*protocol.TokenMetadata, i int) *protocol.TokenMetadata {
	if i < len(meta) {
		return meta[i]
	}
	return nil
}

// burn pre-validates every entry, aggregating amounts per token, and only
// then debits. A batch either applies fully or not at all.
func (s *State) burn(req protocol.BurnRequest) bool {
	if len(req.IDs) != len(req.Amounts) || req.Authorizer == (common.Address{}) {
		return false
	}
	need := make(map[protocol.TokenID]*uint256.Int)
	for i, id := range req.IDs {
		if req.Amounts[i] == nil {
			return false
		}
		total, ok := need[id]
		if !ok {
			total = new(uint256.Int)
			need[id] = total
		}
		if _, overflow := total.AddOverflow(total, req.Amounts[i]); overflow {
			return false
		}
	}
	for id, total := range need {
		if !s.canDecrease(id, req.Authorizer, req.Owner, total) {
			return false
		}
	}
	for i, id := range req.IDs {
		s.decrease(id, req.Authorizer, req.Owner, req.Amounts[i])
		if owner, ok := s.owners[id]; ok && owner == req.Owner && s.Balance(id, req.Owner).IsZero() {
			delete(s.owners, id)
			delete(s.metadata, id)
		}
	}
	return true
}
