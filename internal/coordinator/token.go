package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

// create allocates the next token id and credits the initial amount to the
// creator. The id is consumed even if the credit is rejected; the registry
// entry is written only once the creator's shard accepted it.
func (c *Coordinator) create(ctx context.Context, hash common.Hash, caller common.Address, a *protocol.CreateAction) (bool, error) {
	p := c.progress(hash)
	if !p.allocated {
		nonce, err := c.store.Nonce()
		if err != nil {
			return false, err
		}
		if nonce == ^protocol.TokenID(0) {
			panic("coordinator: token nonce overflow")
		}
		if err := c.store.SetNonce(nonce + 1); err != nil {
			return false, err
		}
		p.token = nonce + 1
		p.allocated = true
	}

	home, err := c.router.ResolveOrCreate(ctx, caller)
	if err != nil {
		return false, err
	}

	var ok bool
	if a.Metadata != nil {
		cctx, cancel := c.callContext(ctx)
		ev, err := home.Client.Mint(cctx, protocol.MintRequest{
			TxHash:    hash,
			Recipient: caller,
			IDs:       []protocol.TokenID{p.token},
			Amounts:   []*uint256.Int{a.InitialAmount},
			Metadata:  []*protocol.TokenMetadata{a.Metadata},
		})
		cancel()
		if err != nil {
			return false, err
		}
		ok = ev == protocol.EventOk
	} else {
		if p.credit == nil {
			p.credit = NewIncrease(home.Client, p.token, caller, a.InitialAmount, hash)
		}
		ok, err = c.start(ctx, p.credit)
		if err != nil {
			return false, err
		}
	}
	if !ok {
		return false, nil
	}

	rec := &TokenRecord{
		URI:      a.URI,
		Owner:    caller,
		Supply:   a.InitialAmount,
		Metadata: a.Metadata,
	}
	if err := c.store.Put(p.token, rec); err != nil {
		return false, err
	}
	c.log.Info("token created", zap.Uint64("token", uint64(p.token)), zap.Stringer("owner", caller))
	return true, nil
}

// mintBatch credits amounts[i] to targets[i] in order. Only the token's owner
// may mint. The first rejected entry stops the batch; earlier entries stay.
func (c *Coordinator) mintBatch(ctx context.Context, hash common.Hash, caller common.Address, a *protocol.MintBatchAction) (bool, error) {
	if len(a.Targets) != len(a.Amounts) || caller == (common.Address{}) {
		return false, nil
	}
	rec, found, err := c.store.Get(a.Token)
	if err != nil {
		return false, err
	}
	if !found || rec.Owner != caller {
		return false, nil
	}

	p := c.progress(hash)
	for i := p.next; i < len(a.Targets); i++ {
		s, err := c.router.ResolveOrCreate(ctx, a.Targets[i])
		if err != nil {
			return false, err
		}
		if len(p.entries) == i {
			p.entries = append(p.entries, NewIncrease(s.Client, a.Token, a.Targets[i], a.Amounts[i], protocol.EntryHash(hash, i)))
		}
		supply, overflow := new(uint256.Int).AddOverflow(rec.Supply, a.Amounts[i])
		if overflow {
			panic("coordinator: total supply overflow")
		}
		ok, err := c.start(ctx, p.entries[i])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		rec.Supply = supply
		if err := c.store.Put(a.Token, rec); err != nil {
			return false, err
		}
		p.next = i + 1
	}
	return true, nil
}

// burnBatch debits amounts[i] from sources[i] in order. The caller must be
// the source or approved by it.
func (c *Coordinator) burnBatch(ctx context.Context, hash common.Hash, caller common.Address, a *protocol.BurnBatchAction) (bool, error) {
	if len(a.Sources) != len(a.Amounts) || caller == (common.Address{}) {
		return false, nil
	}
	rec, found, err := c.store.Get(a.Token)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	p := c.progress(hash)
	for i := p.next; i < len(a.Sources); i++ {
		source := a.Sources[i]
		s, err := c.router.ResolveOrCreate(ctx, source)
		if err != nil {
			return false, err
		}
		if len(p.entries) == i {
			if source != caller {
				approved, err := c.isApproved(ctx, s, source, caller)
				if err != nil {
					return false, err
				}
				if !approved {
					return false, nil
				}
			}
			p.entries = append(p.entries, NewDecrease(s.Client, a.Token, caller, source, a.Amounts[i], protocol.EntryHash(hash, i)))
		}
		supply, underflow := new(uint256.Int).SubOverflow(rec.Supply, a.Amounts[i])
		ok, err := c.start(ctx, p.entries[i])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if underflow {
			panic("coordinator: total supply underflow")
		}
		rec.Supply = supply
		if err := c.store.Put(a.Token, rec); err != nil {
			return false, err
		}
		p.next = i + 1
	}
	return true, nil
}

func (c *Coordinator) isApproved(ctx context.Context, s *Shard, owner, delegate common.Address) (bool, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()
	return s.Client.Approval(cctx, owner, delegate)
}

// TokenNonce returns the last allocated token id.
func (c *Coordinator) TokenNonce(ctx context.Context) (protocol.TokenID, error) {
	var (
		n   protocol.TokenID
		err error
	)
	if derr := c.do(ctx, func() { n, err = c.store.Nonce() }); derr != nil {
		return 0, derr
	}
	return n, err
}

// Token returns the registry record of a created token.
func (c *Coordinator) Token(ctx context.Context, id protocol.TokenID) (*TokenRecord, error) {
	var (
		rec   *TokenRecord
		found bool
		err   error
	)
	if derr := c.do(ctx, func() { rec, found, err = c.store.Get(id) }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(protocol.ErrUnknownToken, "token %d", id)
	}
	return rec, nil
}

func (c *Coordinator) TokenURI(ctx context.Context, id protocol.TokenID) (string, error) {
	rec, err := c.Token(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.URI, nil
}

func (c *Coordinator) TokenOwner(ctx context.Context, id protocol.TokenID) (common.Address, error) {
	rec, err := c.Token(ctx, id)
	if err != nil {
		return common.Address{}, err
	}
	return rec.Owner, nil
}

func (c *Coordinator) TokenTotalSupply(ctx context.Context, id protocol.TokenID) (*uint256.Int, error) {
	rec, err := c.Token(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Supply, nil
}
