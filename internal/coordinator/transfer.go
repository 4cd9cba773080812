package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

// transfer moves tokens between two accounts. When both accounts live on the
// same shard a single call does it; otherwise the debit is applied first and
// the credit second, and a rejected credit rolls the debit back.
func (c *Coordinator) transfer(ctx context.Context, hash common.Hash, caller common.Address, a *protocol.TransferAction) (bool, error) {
	from, err := c.router.ResolveOrCreate(ctx, a.Sender)
	if err != nil {
		return false, err
	}
	to, err := c.router.ResolveOrCreate(ctx, a.Recipient)
	if err != nil {
		return false, err
	}

	if from == to {
		cctx, cancel := c.callContext(ctx)
		defer cancel()
		ev, err := from.Client.Transfer(cctx, protocol.TransferRequest{
			TxHash:     hash,
			Token:      a.Token,
			Authorizer: caller,
			Sender:     a.Sender,
			Recipient:  a.Recipient,
			Amount:     a.Amount,
		})
		if err != nil {
			return false, err
		}
		return ev == protocol.EventOk, nil
	}

	p := c.progress(hash)
	if p.debit == nil {
		p.debit = NewDecrease(from.Client, a.Token, caller, a.Sender, a.Amount, hash)
		p.credit = NewIncrease(to.Client, a.Token, a.Recipient, a.Amount, hash)
	}

	ok, err := c.start(ctx, p.debit)
	if err != nil || !ok {
		return false, err
	}
	ok, err = c.start(ctx, p.credit)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	aborted, err := c.abort(ctx, p.debit)
	if err != nil {
		return false, err
	}
	if !aborted {
		return false, errors.Errorf("shard %s refused to restore debit", from.ID)
	}
	c.log.Info("transfer rolled back", zap.Stringer("tx", hash), zap.String("shard", from.ID))
	return false, nil
}

// approve forwards an approval to the owner's shard.
func (c *Coordinator) approve(ctx context.Context, hash common.Hash, caller common.Address, a *protocol.ApproveAction) (bool, error) {
	s, err := c.router.ResolveOrCreate(ctx, caller)
	if err != nil {
		return false, err
	}
	cctx, cancel := c.callContext(ctx)
	defer cancel()
	ev, err := s.Client.Approve(cctx, protocol.ApproveRequest{
		TxHash:   hash,
		Owner:    caller,
		Delegate: a.Delegate,
		Approved: a.Approved,
	})
	if err != nil {
		return false, err
	}
	return ev == protocol.EventOk, nil
}
