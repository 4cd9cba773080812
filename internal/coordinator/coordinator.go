// Package coordinator implements the transaction coordinator: it deduplicates
// client transactions, routes accounts to shards and drives the per-shard
// instructions that make up each transaction.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/multitoken/internal/ledger"
	"github.com/sharding-experiment/multitoken/internal/protocol"
)

const (
	// DefaultClearDelay is how long a transaction status is remembered.
	DefaultClearDelay = 10 * time.Minute

	// DefaultCallTimeout bounds a single shard call.
	DefaultCallTimeout = 5 * time.Second

	inboxSize  = 256
	probeLimit = 4
)

// Config wires a coordinator.
type Config struct {
	Identity    common.Address
	Admin       common.Address
	FrontEnd    common.Address
	Template    common.Hash
	ClearDelay  time.Duration
	CallTimeout time.Duration
	Scheduler   ledger.Scheduler
	Provisioner Provisioner
	Store       *TokenStore
	Logger      *zap.Logger
}

// Request is a client transaction as forwarded by the front end.
type Request struct {
	Sender common.Address  `json:"-"`
	Caller common.Address  `json:"caller"`
	TxID   uint64          `json:"tx_id"`
	Action protocol.Action `json:"action"`
}

// txProgress is what a transaction has done so far, kept until the
// transaction reaches a terminal status so that retries resume instead of
// starting over.
type txProgress struct {
	// kind is the action that built this progress; a retry under the same
	// hash must carry the same kind.
	kind string

	debit  *Instruction
	credit *Instruction

	entries []*Instruction
	next    int

	token     protocol.TokenID
	allocated bool
}

// Coordinator owns the transaction ledger, the shard router and the token
// registry. All of them are touched only from its own goroutine.
type Coordinator struct {
	identity    common.Address
	admin       common.Address
	frontEnd    common.Address
	callTimeout time.Duration

	router  *Router
	store   *TokenStore
	ledger  *ledger.Ledger[protocol.TxStatus]
	pending map[common.Hash]*txProgress
	created map[common.Hash]protocol.TokenID
	log     *zap.Logger

	inbox    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a coordinator and starts its message loop.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Provisioner == nil {
		return nil, errors.New("coordinator: provisioner required")
	}
	if cfg.Identity == (common.Address{}) {
		return nil, errors.New("coordinator: identity required")
	}
	if cfg.FrontEnd == (common.Address{}) {
		return nil, errors.New("coordinator: front end required")
	}
	if cfg.ClearDelay <= 0 {
		cfg.ClearDelay = DefaultClearDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Store == nil {
		store, err := NewTokenStore("", 0, cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Store = store
	}
	logger := cfg.Logger.With(zap.String("component", "coordinator"))
	c := &Coordinator{
		identity:    cfg.Identity,
		admin:       cfg.Admin,
		frontEnd:    cfg.FrontEnd,
		callTimeout: cfg.CallTimeout,
		router:      NewRouter(cfg.Provisioner, cfg.Identity, cfg.Template, logger),
		store:       cfg.Store,
		ledger:      ledger.New[protocol.TxStatus](cfg.ClearDelay, cfg.Scheduler),
		pending:     make(map[common.Hash]*txProgress),
		created:     make(map[common.Hash]protocol.TokenID),
		log:         logger,
		inbox:       make(chan func(), inboxSize),
		done:        make(chan struct{}),
	}
	go c.run()
	return c, nil
}

func (c *Coordinator) run() {
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.inbox:
			fn()
		}
	}
}

// Stop ends the message loop. It is idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// do runs fn on the coordinator goroutine and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return protocol.ErrStopped
	default:
	}
	finished := make(chan struct{})
	select {
	case c.inbox <- func() { defer close(finished); fn() }:
	case <-c.done:
		return protocol.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return protocol.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) postClear(hash common.Hash) {
	select {
	case c.inbox <- func() { c.clear(hash) }:
	case <-c.done:
	}
}

func (c *Coordinator) clear(hash common.Hash) {
	c.ledger.Clear(hash)
	delete(c.pending, hash)
	delete(c.created, hash)
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Coordinator) start(ctx context.Context, in *Instruction) (bool, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()
	return in.Start(cctx)
}

func (c *Coordinator) abort(ctx context.Context, in *Instruction) (bool, error) {
	cctx, cancel := c.callContext(ctx)
	defer cancel()
	return in.Abort(cctx)
}

func (c *Coordinator) progress(hash common.Hash) *txProgress {
	p, ok := c.pending[hash]
	if !ok {
		p = &txProgress{}
		c.pending[hash] = p
	}
	return p
}

// Receipt is the outcome of a submitted transaction. Token is set for a
// successful create.
type Receipt struct {
	TxHash common.Hash
	Event  protocol.Event
	Token  protocol.TokenID
}

// Execute runs a client transaction exactly once per (caller, tx id). A
// replay of a finished transaction returns the recorded outcome. ErrPending
// means a shard could not be reached; the same request may be retried.
func (c *Coordinator) Execute(ctx context.Context, req Request) (protocol.Event, error) {
	r, err := c.Submit(ctx, req)
	return r.Event, err
}

// Submit is Execute returning the full receipt.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Receipt, error) {
	if c.frontEnd == (common.Address{}) || req.Sender != c.frontEnd {
		return Receipt{}, errors.Wrapf(protocol.ErrUnauthorized, "execute from %s", req.Sender.Hex())
	}
	if err := req.Action.Validate(); err != nil {
		return Receipt{}, err
	}
	var (
		r   Receipt
		err error
	)
	if derr := c.do(ctx, func() { r, err = c.execute(ctx, req) }); derr != nil {
		return Receipt{}, derr
	}
	return r, err
}

func (c *Coordinator) execute(ctx context.Context, req Request) (Receipt, error) {
	hash := protocol.TransactionHash(req.Caller, req.TxID)
	kind := req.Action.Kind()
	log := c.log.With(zap.Stringer("tx", hash), zap.String("action", kind))
	r := Receipt{TxHash: hash}

	status, seen := c.ledger.Get(hash)
	switch {
	case seen && status == protocol.TxSuccess:
		log.Debug("replayed transaction")
		r.Event, r.Token = protocol.EventOk, c.created[hash]
		return r, nil
	case seen && status == protocol.TxFailure:
		log.Debug("replayed transaction")
		r.Event = protocol.EventErr
		return r, nil
	case !seen:
		c.ledger.ScheduleClear(hash, c.postClear)
		c.ledger.Put(hash, protocol.TxInProgress)
	}

	p := c.progress(hash)
	switch p.kind {
	case "":
		p.kind = kind
	case kind:
	default:
		// The pending transaction keeps running under its own action.
		log.Warn("retry with a different action", zap.String("pending", p.kind))
		r.Event = protocol.EventErr
		return r, nil
	}

	ok, err := c.dispatch(ctx, hash, req)
	if err != nil {
		log.Warn("transaction pending", zap.Error(err))
		return r, errors.Wrapf(protocol.ErrPending, "tx %s: %v", hash.Hex(), err)
	}

	status = protocol.TxFailure
	if ok {
		status = protocol.TxSuccess
		if req.Action.Create != nil {
			c.created[hash] = p.token
			r.Token = p.token
		}
	}
	c.ledger.Put(hash, status)
	delete(c.pending, hash)
	log.Info("transaction finished", zap.String("status", string(status)))
	r.Event = protocol.EventFrom(ok)
	return r, nil
}

func (c *Coordinator) dispatch(ctx context.Context, hash common.Hash, req Request) (bool, error) {
	a := req.Action
	switch {
	case a.Transfer != nil:
		return c.transfer(ctx, hash, req.Caller, a.Transfer)
	case a.Approve != nil:
		return c.approve(ctx, hash, req.Caller, a.Approve)
	case a.Create != nil:
		return c.create(ctx, hash, req.Caller, a.Create)
	case a.MintBatch != nil:
		return c.mintBatch(ctx, hash, req.Caller, a.MintBatch)
	case a.BurnBatch != nil:
		return c.burnBatch(ctx, hash, req.Caller, a.BurnBatch)
	}
	return false, nil
}

// Balance returns account's balance of token; zero when the account's shard
// was never provisioned.
func (c *Coordinator) Balance(ctx context.Context, token protocol.TokenID, account common.Address) (*uint256.Int, error) {
	var (
		b   *uint256.Int
		err error
	)
	derr := c.do(ctx, func() {
		s, ok := c.router.Resolve(account)
		if !ok {
			b = new(uint256.Int)
			return
		}
		cctx, cancel := c.callContext(ctx)
		defer cancel()
		b, err = s.Client.Balance(cctx, token, account)
	})
	if derr != nil {
		return nil, derr
	}
	return b, err
}

// Approval reports whether account approved target to spend on its behalf.
func (c *Coordinator) Approval(ctx context.Context, account, target common.Address) (bool, error) {
	var (
		ok  bool
		err error
	)
	derr := c.do(ctx, func() {
		s, bound := c.router.Resolve(account)
		if !bound {
			return
		}
		cctx, cancel := c.callContext(ctx)
		defer cancel()
		ok, err = s.Client.Approval(cctx, account, target)
	})
	if derr != nil {
		return false, derr
	}
	return ok, err
}

// TxStatus returns the recorded status of a transaction hash.
func (c *Coordinator) TxStatus(ctx context.Context, hash common.Hash) (protocol.TxStatus, bool, error) {
	var (
		st   protocol.TxStatus
		seen bool
	)
	err := c.do(ctx, func() { st, seen = c.ledger.Get(hash) })
	return st, seen, err
}

// InProgress lists the hashes of transactions that have not reached a
// terminal status, in ascending order.
func (c *Coordinator) InProgress(ctx context.Context) ([]common.Hash, error) {
	var out []common.Hash
	err := c.do(ctx, func() {
		for h, st := range c.ledger.Snapshot() {
			if st == protocol.TxInProgress {
				out = append(out, h)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, err
}

// ClearTransaction drops a transaction record. Only the coordinator itself may
// send it.
func (c *Coordinator) ClearTransaction(ctx context.Context, sender common.Address, hash common.Hash) error {
	if sender != c.identity {
		return errors.Wrap(protocol.ErrUnauthorized, "clear")
	}
	return c.do(ctx, func() { c.clear(hash) })
}

// Shards lists the bound shards.
func (c *Coordinator) Shards(ctx context.Context) ([]ShardInfo, error) {
	var out []ShardInfo
	err := c.do(ctx, func() {
		for _, s := range c.router.Shards() {
			out = append(out, s.Info())
		}
	})
	return out, err
}

// ShardTemplate returns the template used for new shards.
func (c *Coordinator) ShardTemplate(ctx context.Context) (common.Hash, error) {
	var h common.Hash
	err := c.do(ctx, func() { h = c.router.Template() })
	return h, err
}

// UpdateShardTemplate replaces the template new shards are built from.
func (c *Coordinator) UpdateShardTemplate(ctx context.Context, sender common.Address, template common.Hash) error {
	if sender != c.admin || c.admin == (common.Address{}) {
		return errors.Wrap(protocol.ErrUnauthorized, "update shard template")
	}
	return c.do(ctx, func() {
		c.log.Info("shard template updated", zap.Stringer("from", c.router.Template()), zap.Stringer("to", template))
		c.router.SetTemplate(template)
	})
}

// ShardStatus is one line of a migration report.
type ShardStatus struct {
	ShardInfo
	Outdated  bool   `json:"outdated"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// MigrateShards reports which bound shards were built from an older template
// and whether each one still answers. Bindings are left untouched.
func (c *Coordinator) MigrateShards(ctx context.Context, sender common.Address) ([]ShardStatus, error) {
	if sender != c.admin || c.admin == (common.Address{}) {
		return nil, errors.Wrap(protocol.ErrUnauthorized, "migrate shards")
	}
	var (
		shards   []*Shard
		template common.Hash
	)
	if err := c.do(ctx, func() {
		shards = c.router.Shards()
		template = c.router.Template()
	}); err != nil {
		return nil, err
	}

	report := make([]ShardStatus, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeLimit)
	for i, s := range shards {
		g.Go(func() error {
			st := ShardStatus{ShardInfo: s.Info(), Outdated: s.Template != template}
			cctx, cancel := c.callContext(gctx)
			defer cancel()
			info, err := s.Client.Info(cctx)
			switch {
			case err != nil:
				st.Error = err.Error()
			case info.Owner != c.identity:
				st.Error = "shard owned by " + info.Owner.Hex()
			default:
				st.Reachable = true
			}
			report[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outdated := 0
	for _, st := range report {
		if st.Outdated {
			outdated++
		}
	}
	c.log.Info("shard migration report", zap.Int("shards", len(report)), zap.Int("outdated", outdated))
	return report, nil
}
