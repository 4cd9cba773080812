package shard

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

// Client is the coordinator's view of one shard. Mutations return EventErr
// when the shard rejected the request and a non-nil error when the outcome is
// unknown (transport failure, timeout) or the caller is not authorized.
type Client interface {
	ID() string
	Info(ctx context.Context) (protocol.ShardInfo, error)

	Balance(ctx context.Context, token protocol.TokenID, account common.Address) (*uint256.Int, error)
	Approval(ctx context.Context, owner, delegate common.Address) (bool, error)
	TokenMetadata(ctx context.Context, token protocol.TokenID) (*protocol.TokenMetadata, error)
	TokenOwner(ctx context.Context, token protocol.TokenID) (common.Address, error)

	Transfer(ctx context.Context, req protocol.TransferRequest) (protocol.Event, error)
	Approve(ctx context.Context, req protocol.ApproveRequest) (protocol.Event, error)
	IncreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error)
	DecreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error)
	Mint(ctx context.Context, req protocol.MintRequest) (protocol.Event, error)
	Burn(ctx context.Context, req protocol.BurnRequest) (protocol.Event, error)
	ClearTransaction(ctx context.Context, hash common.Hash) error
}

// LocalClient talks to an in-process worker as sender.
type LocalClient struct {
	worker *Worker
	sender common.Address
}

var _ Client = (*LocalClient)(nil)

func NewLocalClient(worker *Worker, sender common.Address) *LocalClient {
	return &LocalClient{worker: worker, sender: sender}
}

// Worker returns the underlying worker.
func (c *LocalClient) Worker() *Worker {
	return c.worker
}

func (c *LocalClient) ID() string {
	return c.worker.ID()
}

func (c *LocalClient) Info(ctx context.Context) (protocol.ShardInfo, error) {
	return c.worker.Info(ctx)
}

func (c *LocalClient) Balance(ctx context.Context, token protocol.TokenID, account common.Address) (*uint256.Int, error) {
	return c.worker.Balance(ctx, token, account)
}

func (c *LocalClient) Approval(ctx context.Context, owner, delegate common.Address) (bool, error) {
	return c.worker.Approval(ctx, owner, delegate)
}

func (c *LocalClient) TokenMetadata(ctx context.Context, token protocol.TokenID) (*protocol.TokenMetadata, error) {
	return c.worker.TokenMetadata(ctx, token)
}

func (c *LocalClient) TokenOwner(ctx context.Context, token protocol.TokenID) (common.Address, error) {
	return c.worker.TokenOwner(ctx, token)
}

func (c *LocalClient) Transfer(ctx context.Context, req protocol.TransferRequest) (protocol.Event, error) {
	return c.worker.Transfer(ctx, c.sender, req)
}

func (c *LocalClient) Approve(ctx context.Context, req protocol.ApproveRequest) (protocol.Event, error) {
	return c.worker.Approve(ctx, c.sender, req)
}

func (c *LocalClient) IncreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error) {
	return c.worker.IncreaseBalance(ctx, c.sender, req)
}

func (c *LocalClient) DecreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error) {
	return c.worker.DecreaseBalance(ctx, c.sender, req)
}

func (c *LocalClient) Mint(ctx context.Context, req protocol.MintRequest) (protocol.Event, error) {
	return c.worker.Mint(ctx, c.sender, req)
}

func (c *LocalClient) Burn(ctx context.Context, req protocol.BurnRequest) (protocol.Event, error) {
	return c.worker.Burn(ctx, c.sender, req)
}

func (c *LocalClient) ClearTransaction(ctx context.Context, hash common.Hash) error {
	return c.worker.ClearTransaction(ctx, c.sender, hash)
}
