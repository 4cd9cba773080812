package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/multitoken/internal/ledger"
	"github.com/sharding-experiment/multitoken/internal/protocol"
	"github.com/sharding-experiment/multitoken/internal/shard"
)

// =============================================================================
// Test Helpers
// =============================================================================

var (
	identity = common.HexToAddress("0xc000000000000000000000000000000000000000")
	admin    = common.HexToAddress("0xa000000000000000000000000000000000000000")
	frontEnd = common.HexToAddress("0xf000000000000000000000000000000000000000")

	alice = common.HexToAddress("0x1000000000000000000000000000000000000001")
	// alicia shares alice's partition
	alicia = common.HexToAddress("0x1f00000000000000000000000000000000000001")
	bob    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	carol  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	dave   = common.HexToAddress("0x4000000000000000000000000000000000000004")

	templateV1 = common.HexToHash("0x01")
	templateV2 = common.HexToHash("0x02")
)

const clearDelay = time.Minute

func amt(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// faults toggles failures on one partition's shard client.
type faults struct {
	rejectIncrease    atomic.Bool
	dropIncrease      atomic.Bool
	lostIncreaseReply atomic.Bool
	dropDecrease      atomic.Bool
}

var errInjected = errors.Wrap(protocol.ErrShardUnavailable, "injected")

type faultyClient struct {
	*shard.LocalClient
	f *faults
}

func (c *faultyClient) IncreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error) {
	if c.f.dropIncrease.Load() {
		return "", errInjected
	}
	if c.f.rejectIncrease.Load() {
		return protocol.EventErr, nil
	}
	ev, err := c.LocalClient.IncreaseBalance(ctx, req)
	if c.f.lostIncreaseReply.Load() {
		return "", errInjected
	}
	return ev, err
}

func (c *faultyClient) DecreaseBalance(ctx context.Context, req protocol.BalanceRequest) (protocol.Event, error) {
	if c.f.dropDecrease.Load() {
		return "", errInjected
	}
	return c.LocalClient.DecreaseBalance(ctx, req)
}

type testProvisioner struct {
	*LocalProvisioner

	mu     sync.Mutex
	faults map[uint8]*faults
}

func newTestProvisioner(sched ledger.Scheduler) *testProvisioner {
	return &testProvisioner{
		LocalProvisioner: NewLocalProvisioner(shard.Config{
			Name:       "Multi",
			Symbol:     "MLT",
			ClearDelay: clearDelay,
			Scheduler:  sched,
		}),
		faults: make(map[uint8]*faults),
	}
}

// faultsFor returns the fault switches of the partition account hashes to.
func (p *testProvisioner) faultsFor(account common.Address) *faults {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := protocol.PartitionKey(account)
	f, ok := p.faults[key]
	if !ok {
		f = &faults{}
		p.faults[key] = f
	}
	return f
}

func (p *testProvisioner) Provision(ctx context.Context, key uint8, owner common.Address, template common.Hash) (*Shard, error) {
	s, err := p.LocalProvisioner.Provision(ctx, key, owner, template)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	f, ok := p.faults[key]
	if !ok {
		f = &faults{}
		p.faults[key] = f
	}
	p.mu.Unlock()
	s.Client = &faultyClient{LocalClient: s.Client.(*shard.LocalClient), f: f}
	return s, nil
}

type harness struct {
	t     *testing.T
	c     *Coordinator
	prov  *testProvisioner
	sched *ledger.ManualScheduler
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sched := ledger.NewManualScheduler()
	prov := newTestProvisioner(sched)
	c, err := New(Config{
		Identity:    identity,
		Admin:       admin,
		FrontEnd:    frontEnd,
		Template:    templateV1,
		ClearDelay:  clearDelay,
		CallTimeout: time.Second,
		Scheduler:   sched,
		Provisioner: prov,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Stop()
		prov.Close()
	})
	return &harness{t: t, c: c, prov: prov, sched: sched, ctx: context.Background()}
}

func (h *harness) exec(caller common.Address, txID uint64, action protocol.Action) (protocol.Event, error) {
	return h.c.Execute(h.ctx, Request{Sender: frontEnd, Caller: caller, TxID: txID, Action: action})
}

func (h *harness) mustExec(caller common.Address, txID uint64, action protocol.Action) protocol.Event {
	h.t.Helper()
	ev, err := h.exec(caller, txID, action)
	require.NoError(h.t, err)
	return ev
}

func (h *harness) balance(token protocol.TokenID, account common.Address) uint64 {
	h.t.Helper()
	b, err := h.c.Balance(h.ctx, token, account)
	require.NoError(h.t, err)
	return b.Uint64()
}

func (h *harness) supply(token protocol.TokenID) uint64 {
	h.t.Helper()
	s, err := h.c.TokenTotalSupply(h.ctx, token)
	require.NoError(h.t, err)
	return s.Uint64()
}

// createToken creates a token owned by owner and returns its id.
func (h *harness) createToken(owner common.Address, txID uint64, initial uint64) protocol.TokenID {
	h.t.Helper()
	ev := h.mustExec(owner, txID, protocol.Action{Create: &protocol.CreateAction{InitialAmount: amt(initial), URI: "ipfs://token"}})
	require.Equal(h.t, protocol.EventOk, ev)
	id, err := h.c.TokenNonce(h.ctx)
	require.NoError(h.t, err)
	return id
}

func transfer(token protocol.TokenID, from, to common.Address, amount uint64) protocol.Action {
	return protocol.Action{Transfer: &protocol.TransferAction{Token: token, Sender: from, Recipient: to, Amount: amt(amount)}}
}

func shardConfigForTest() shard.Config {
	return shard.Config{ClearDelay: clearDelay, Scheduler: ledger.NewManualScheduler()}
}
