package shard

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"github.com/sharding-experiment/multitoken/internal/network"
	"github.com/sharding-experiment/multitoken/internal/protocol"
)

// HTTPClient reaches a shard served by Server in another process.
type HTTPClient struct {
	id     string
	url    string
	sender common.Address
	http   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client for the shard at baseURL that identifies
// itself as sender.
func NewHTTPClient(id, baseURL string, sender common.Address, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{
		id:     id,
		url:    strings.TrimRight(baseURL, "/"),
		sender: sender,
		http:   client,
	}
}

func (c *HTTPClient) ID() string {
	return c.id
}

// URL returns the shard's base URL.
func (c *HTTPClient) URL() string {
	return c.url
}

func (c *HTTPClient) call(ctx context.Context, method, path string, in, out any) error {
	header := http.Header{}
	header.Set(SenderHeader, c.sender.Hex())
	err := network.DoJSON(ctx, c.http, method, c.url+path, header, in, out)
	if err == nil {
		return nil
	}
	var se *network.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusForbidden:
			return errors.Wrapf(protocol.ErrUnauthorized, "shard %s: %s", c.id, se.Body)
		case http.StatusNotFound:
			return errors.Wrapf(protocol.ErrNotFound, "shard %s: %s", c.id, se.Body)
		case http.StatusBadRequest:
			return errors.Wrapf(protocol.ErrInvalidAction, "shard %s: %s", c.id, se.Body)
		}
	}
	return errors.Wrapf(protocol.ErrShardUnavailable, "shard %s %s %s: %v", c.id, method, path, err)
}

// Init binds the remote shard to owner.
func (c *HTTPClient) Init(ctx context.Context, req protocol.InitRequest) error {
	return c.call(ctx, http.MethodPost, "/init", req, nil)
}

func (c *HTTPClient) Info(ctx context.Context) (protocol.ShardInfo, error) {
	var info protocol.ShardInfo
	err := c.call(ctx, http.MethodGet, "/info", nil, &info)
	return info, err
}

func (c *HTTPClient) Balance(ctx context.Context, token protocol.TokenID, account common.Address) (*uint256.Int, error) {
	var resp BalanceResponse
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/balance/%d/%s", token, account.Hex()), nil, &resp); err != nil {
		return nil, err
	}
	b, err := uint256.FromDecimal(resp.Balance)
	if err != nil {
		return nil, errors.Wrapf(protocol.ErrShardUnavailable, "shard %s: bad balance %q", c.id, resp.Balance)
	}
	return b, nil
}

func (c *HTTPClient) Approval(ctx context.Context, owner, delegate common.Address) (bool, error) {
	var resp struct {
		Approved bool `json:"approved"`
	}
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/approval/%s/%s", owner.Hex(), delegate.Hex()), nil, &resp)
	return resp.Approved, err
}

func (c *HTTPClient) TokenMetadata(ctx context.Context, token protocol.TokenID) (*protocol.TokenMetadata, error) {
	var meta protocol.TokenMetadata
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/token/%d/metadata", token), nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *HTTPClient) TokenOwner(ctx context.Context, token protocol.TokenID) (common.Address, error) {
	var resp struct {
		Owner string `json:"owner"`
	}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/token/%d/owner", token), nil, &resp); err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(resp.Owner), nil
}

func (c *HTTPClient) mutate(ctx context.Context, path string, req any) (protocol.Event, error) {
	var resp protocol.EventResponse
	if err := c.call(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", err
	}
	switch resp.Event {
	case protocol.EventOk, protocol.EventErr:
		return resp.Event, nil
	}
	return "", errors.Wrapf(protocol.ErrShardUnavailable, "shard %s: unexpected event %q", c.id, resp.Event)
}

func (c *HTTPClient) Transfer(ctx context.Context, req protocol.TransferRequest) (protocol.Event, error) {
	return c.mutate(ctx, "/transfer", req)
}

func (c *HTTPClient) Approve(ctx context.Context, req protocol.ApproveRequest) (protocol.Event, error) {
	return c.mutate(ctx, "/approve", req)
}

func (c *HTTPClient) IncreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error) {
	return c.mutate(ctx, "/balance/increase", req)
}

func (c *HTTPClient) DecreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error) {
	return c.mutate(ctx, "/balance/decrease", req)
}

func (c *HTTPClient) Mint(ctx context.Context, req protocol.MintRequest) (protocol.Event, error) {
	return c.mutate(ctx, "/mint", req)
}

func (c *HTTPClient) Burn(ctx context.Context, req protocol.BurnRequest) (protocol.Event, error) {
	return c.mutate(ctx, "/burn", req)
}

func (c *HTTPClient) ClearTransaction(ctx context.Context, hash common.Hash) error {
	return c.call(ctx, http.MethodPost, "/clear", clearRequest{TxHash: hash}, nil)
}
