package shard

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/ledger"
	"github.com/sharding-experiment/multitoken/internal/protocol"
)

const (
	// DefaultClearDelay is how long a transaction outcome is remembered.
	DefaultClearDelay = 10 * time.Minute

	inboxSize = 64
)

// Config describes a shard worker. Owner may be left zero for workers that are
// bound later through Init.
type Config struct {
	ID         string
	Owner      common.Address
	Template   common.Hash
	Name       string
	Symbol     string
	BaseURI    string
	ClearDelay time.Duration
	Scheduler  ledger.Scheduler
	Logger     *zap.Logger
}

// Worker owns one shard's state. Every message runs to completion on a single
// goroutine, so the state needs no locking.
type Worker struct {
	id       string
	owner    common.Address
	template common.Hash
	name     string
	symbol   string
	baseURI  string

	state  *State
	ledger *ledger.Ledger[bool]
	log    *zap.Logger

	inbox    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a worker and starts its message loop.
func NewWorker(cfg Config) *Worker {
	if cfg.ClearDelay <= 0 {
		cfg.ClearDelay = DefaultClearDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	w := &Worker{
		id:       cfg.ID,
		owner:    cfg.Owner,
		template: cfg.Template,
		name:     cfg.Name,
		symbol:   cfg.Symbol,
		baseURI:  cfg.BaseURI,
		state:    NewState(),
		ledger:   ledger.New[bool](cfg.ClearDelay, cfg.Scheduler),
		log:      cfg.Logger.With(zap.String("shard", cfg.ID)),
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) run() {
	for {
		select {
		case <-w.done:
			return
		case fn := <-w.inbox:
			fn()
		}
	}
}

// Stop ends the message loop. It is idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// do runs fn on the worker goroutine and waits for it to finish.
func (w *Worker) do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-w.done:
		return protocol.ErrStopped
	default:
	}
	finished := make(chan struct{})
	select {
	case w.inbox <- func() { defer close(finished); fn() }:
	case <-w.done:
		return protocol.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-w.done:
		return protocol.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postClear delivers a delayed clear to the worker itself.
func (w *Worker) postClear(hash common.Hash) {
	select {
	case w.inbox <- func() { w.ledger.Clear(hash) }:
	case <-w.done:
	}
}

// Init binds an unowned worker to its coordinator. Re-initialising with the
// same owner is accepted so that provisioning can be retried.
func (w *Worker) Init(ctx context.Context, req protocol.InitRequest) error {
	var err error
	derr := w.do(ctx, func() {
		switch {
		case req.Owner == (common.Address{}):
			err = errors.Wrap(protocol.ErrUnauthorized, "zero owner")
		case w.owner == (common.Address{}):
			w.owner = req.Owner
			w.template = req.Template
			w.log.Info("shard initialised", zap.Stringer("owner", req.Owner), zap.Stringer("template", req.Template))
		case w.owner != req.Owner:
			err = errors.Wrap(protocol.ErrUnauthorized, "shard already owned")
		}
	})
	if derr != nil {
		return derr
	}
	return err
}

// Info describes the worker.
func (w *Worker) Info(ctx context.Context) (protocol.ShardInfo, error) {
	var info protocol.ShardInfo
	err := w.do(ctx, func() {
		info = protocol.ShardInfo{
			ID:       w.id,
			Owner:    w.owner,
			Template: w.template,
			Name:     w.name,
			Symbol:   w.symbol,
			BaseURI:  w.baseURI,
		}
	})
	return info, err
}

func (w *Worker) Name(ctx context.Context) (string, error) {
	info, err := w.Info(ctx)
	return info.Name, err
}

func (w *Worker) Symbol(ctx context.Context) (string, error) {
	info, err := w.Info(ctx)
	return info.Symbol, err
}

func (w *Worker) BaseURI(ctx context.Context) (string, error) {
	info, err := w.Info(ctx)
	return info.BaseURI, err
}

func (w *Worker) Balance(ctx context.Context, token protocol.TokenID, account common.Address) (*uint256.Int, error) {
	var b *uint256.Int
	err := w.do(ctx, func() { b = w.state.Balance(token, account) })
	return b, err
}

func (w *Worker) Approval(ctx context.Context, owner, delegate common.Address) (bool, error) {
	var ok bool
	err := w.do(ctx, func() { ok = w.state.Approval(owner, delegate) })
	return ok, err
}

func (w *Worker) TokenMetadata(ctx context.Context, token protocol.TokenID) (*protocol.TokenMetadata, error) {
	var (
		m     *protocol.TokenMetadata
		found bool
	)
	if err := w.do(ctx, func() { m, found = w.state.TokenMetadata(token) }); err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(protocol.ErrNotFound, "token %d metadata", token)
	}
	return m, nil
}

func (w *Worker) TokenOwner(ctx context.Context, token protocol.TokenID) (common.Address, error) {
	var (
		owner common.Address
		found bool
	)
	if err := w.do(ctx, func() { owner, found = w.state.TokenOwner(token) }); err != nil {
		return common.Address{}, err
	}
	if !found {
		return common.Address{}, errors.Wrapf(protocol.ErrNotFound, "token %d owner", token)
	}
	return owner, nil
}

// mutate runs apply once per transaction hash. A replayed hash is answered
// from the local ledger without touching state.
func (w *Worker) mutate(ctx context.Context, sender common.Address, hash common.Hash, op string, apply func() bool) (protocol.Event, error) {
	var (
		ev  protocol.Event
		err error
	)
	derr := w.do(ctx, func() {
		if w.owner == (common.Address{}) || sender != w.owner {
			err = errors.Wrapf(protocol.ErrUnauthorized, "%s from %s", op, sender.Hex())
			return
		}
		if ok, seen := w.ledger.Get(hash); seen {
			ev = protocol.EventFrom(ok)
			w.log.Debug("replayed transaction", zap.String("op", op), zap.Stringer("tx", hash), zap.Bool("ok", ok))
			return
		}
		w.ledger.ScheduleClear(hash, w.postClear)
		ok := apply()
		w.ledger.Put(hash, ok)
		ev = protocol.EventFrom(ok)
		w.log.Debug("applied transaction", zap.String("op", op), zap.Stringer("tx", hash), zap.Bool("ok", ok))
	})
	if derr != nil {
		return "", derr
	}
	return ev, err
}

func (w *Worker) Transfer(ctx context.Context, sender common.Address, req protocol.TransferRequest) (protocol.Event, error) {
	if req.Amount == nil {
		return "", errors.Wrap(protocol.ErrInvalidAction, "transfer amount missing")
	}
	return w.mutate(ctx, sender, req.TxHash, "transfer", func() bool { return w.state.transfer(req) })
}

func (w *Worker) Approve(ctx context.Context, sender common.Address, req protocol.ApproveRequest) (protocol.Event, error) {
	return w.mutate(ctx, sender, req.TxHash, "approve", func() bool { return w.state.approve(req) })
}

func (w *Worker) IncreaseBalance(ctx context.Context, sender common.Address, req protocol.BalanceRequest) (protocol.Event, error) {
	if req.Amount == nil {
		return "", errors.Wrap(protocol.ErrInvalidAction, "increase amount missing")
	}
	return w.mutate(ctx, sender, req.TxHash, "increase", func() bool {
		w.state.increase(req.Token, req.Account, req.Amount)
		return true
	})
}

func (w *Worker) DecreaseBalance(ctx context.Context, sender common.Address, req protocol.BalanceRequest) (protocol.Event, error) {
	if req.Amount == nil {
		return "", errors.Wrap(protocol.ErrInvalidAction, "decrease amount missing")
	}
	return w.mutate(ctx, sender, req.TxHash, "decrease", func() bool {
		return w.state.decrease(req.Token, req.Authorizer, req.Account, req.Amount)
	})
}

func (w *Worker) Mint(ctx context.Context, sender common.Address, req protocol.MintRequest) (protocol.Event, error) {
	return w.mutate(ctx, sender, req.TxHash, "mint", func() bool { return w.state.mint(req) })
}

func (w *Worker) Burn(ctx context.Context, sender common.Address, req protocol.BurnRequest) (protocol.Event, error) {
	return w.mutate(ctx, sender, req.TxHash, "burn", func() bool { return w.state.burn(req) })
}

// ClearTransaction drops the cached outcome for hash ahead of its delayed clear.
func (w *Worker) ClearTransaction(ctx context.Context, sender common.Address, hash common.Hash) error {
	var err error
	derr := w.do(ctx, func() {
		if w.owner == (common.Address{}) || sender != w.owner {
			err = errors.Wrap(protocol.ErrUnauthorized, "clear")
			return
		}
		w.ledger.Clear(hash)
	})
	if derr != nil {
		return derr
	}
	return err
}

// PendingTransactions returns the number of remembered transaction outcomes.
func (w *Worker) PendingTransactions(ctx context.Context) (int, error) {
	var n int
	err := w.do(ctx, func() { n = w.ledger.Len() })
	return n, err
}
