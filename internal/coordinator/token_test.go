package coordinator

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

func mintBatch(token protocol.TokenID, targets []common.Address, amounts ...uint64) protocol.Action {
	a := &protocol.MintBatchAction{Token: token, Targets: targets}
	for _, v := range amounts {
		a.Amounts = append(a.Amounts, amt(v))
	}
	return protocol.Action{MintBatch: a}
}

func burnBatch(token protocol.TokenID, sources []common.Address, amounts ...uint64) protocol.Action {
	a := &protocol.BurnBatchAction{Token: token, Sources: sources}
	for _, v := range amounts {
		a.Amounts = append(a.Amounts, amt(v))
	}
	return protocol.Action{BurnBatch: a}
}

func TestCreate_AllocatesSequentialIDs(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, protocol.TokenID(1), h.createToken(alice, 1, 10))
	assert.Equal(t, protocol.TokenID(2), h.createToken(bob, 1, 20))
	assert.Equal(t, uint64(20), h.balance(2, bob))
	assert.Equal(t, uint64(0), h.balance(2, alice))

	// replay does not allocate again
	h.mustExec(alice, 1, protocol.Action{Create: &protocol.CreateAction{InitialAmount: amt(10)}})
	n, err := h.c.TokenNonce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenID(2), n)
}

func TestCreate_WithMetadata(t *testing.T) {
	h := newHarness(t)
	meta := &protocol.TokenMetadata{Title: "Sunrise", Media: "ipfs://sunrise.png"}

	ev := h.mustExec(alice, 1, protocol.Action{Create: &protocol.CreateAction{InitialAmount: amt(1), URI: "ipfs://nft", Metadata: meta}})
	require.Equal(t, protocol.EventOk, ev)

	rec, err := h.c.Token(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Sunrise", rec.Metadata.Title)

	s, ok := h.c.router.Resolve(alice)
	require.True(t, ok)
	owner, err := s.Client.TokenOwner(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)

	// A unique token cannot be created with an amount above one. The id is
	// still consumed and no registry entry is written.
	ev = h.mustExec(alice, 2, protocol.Action{Create: &protocol.CreateAction{InitialAmount: amt(5), Metadata: meta}})
	assert.Equal(t, protocol.EventErr, ev)
	n, err := h.c.TokenNonce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenID(2), n)
	_, err = h.c.Token(h.ctx, 2)
	assert.ErrorIs(t, err, protocol.ErrUnknownToken)
}

func TestCreate_PendingKeepsAllocatedID(t *testing.T) {
	h := newHarness(t)
	f := h.prov.faultsFor(alice)
	f.dropIncrease.Store(true)

	_, err := h.exec(alice, 1, protocol.Action{Create: &protocol.CreateAction{InitialAmount: amt(10)}})
	require.ErrorIs(t, err, protocol.ErrPending)
	_, err = h.c.Token(h.ctx, 1)
	assert.ErrorIs(t, err, protocol.ErrUnknownToken, "registry waits for the shard")

	f.dropIncrease.Store(false)
	assert.Equal(t, protocol.EventOk, h.mustExec(alice, 1, protocol.Action{Create: &protocol.CreateAction{InitialAmount: amt(10)}}))
	n, err := h.c.TokenNonce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TokenID(1), n, "retry reuses the id allocated on the first attempt")
	assert.Equal(t, uint64(10), h.supply(1))
}

func TestMintBatch(t *testing.T) {
	h := newHarness(t)
	token := h.createToken(alice, 1, 100)

	ev := h.mustExec(alice, 2, mintBatch(token, []common.Address{bob, carol, bob}, 5, 6, 7))
	assert.Equal(t, protocol.EventOk, ev)
	assert.Equal(t, uint64(12), h.balance(token, bob))
	assert.Equal(t, uint64(6), h.balance(token, carol))
	assert.Equal(t, uint64(118), h.supply(token))

	// replay
	h.mustExec(alice, 2, mintBatch(token, []common.Address{bob, carol, bob}, 5, 6, 7))
	assert.Equal(t, uint64(118), h.supply(token))
}

func TestMintBatch_Validation(t *testing.T) {
	h := newHarness(t)
	token := h.createToken(alice, 1, 100)

	tests := []struct {
		name   string
		caller common.Address
		action protocol.Action
	}{
		{"length mismatch", alice, mintBatch(token, []common.Address{bob, carol}, 1)},
		{"zero caller", common.Address{}, mintBatch(token, []common.Address{bob}, 1)},
		{"unknown token", alice, mintBatch(token+1, []common.Address{bob}, 1)},
		{"not the token owner", bob, mintBatch(token, []common.Address{bob}, 1)},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, protocol.EventErr, h.mustExec(tt.caller, uint64(10+i), tt.action))
		})
	}
	assert.Equal(t, uint64(0), h.balance(token, bob))
	assert.Equal(t, uint64(100), h.supply(token))
}

func TestMintBatch_PartialCommit(t *testing.T) {
	h := newHarness(t)
	token := h.createToken(alice, 1, 100)
	h.prov.faultsFor(carol).rejectIncrease.Store(true)

	ev := h.mustExec(alice, 2, mintBatch(token, []common.Address{bob, carol, dave}, 5, 6, 7))
	assert.Equal(t, protocol.EventErr, ev)
	assert.Equal(t, uint64(5), h.balance(token, bob), "entries before the failure stay committed")
	assert.Equal(t, uint64(0), h.balance(token, carol))
	assert.Equal(t, uint64(0), h.balance(token, dave), "entries after the failure never run")
	assert.Equal(t, uint64(105), h.supply(token))
}

func TestMintBatch_ResumesAfterPending(t *testing.T) {
	h := newHarness(t)
	token := h.createToken(alice, 1, 100)
	f := h.prov.faultsFor(carol)
	f.dropIncrease.Store(true)

	_, err := h.exec(alice, 2, mintBatch(token, []common.Address{bob, carol}, 5, 6))
	require.ErrorIs(t, err, protocol.ErrPending)
	assert.Equal(t, uint64(105), h.supply(token))

	f.dropIncrease.Store(false)
	assert.Equal(t, protocol.EventOk, h.mustExec(alice, 2, mintBatch(token, []common.Address{bob, carol}, 5, 6)))
	assert.Equal(t, uint64(5), h.balance(token, bob), "the applied entry is not minted again")
	assert.Equal(t, uint64(6), h.balance(token, carol))
	assert.Equal(t, uint64(111), h.supply(token))
}

func TestBurnBatch(t *testing.T) {
	h := newHarness(t)
	token := h.createToken(alice, 1, 100)
	h.mustExec(alice, 2, transfer(token, alice, bob, 40))

	// bob has not approved alice: the first entry burns, the second stops the batch
	ev := h.mustExec(alice, 3, burnBatch(token, []common.Address{alice, bob}, 10, 10))
	assert.Equal(t, protocol.EventErr, ev)
	assert.Equal(t, uint64(50), h.balance(token, alice))
	assert.Equal(t, uint64(40), h.balance(token, bob))
	assert.Equal(t, uint64(90), h.supply(token))

	h.mustExec(bob, 1, protocol.Action{Approve: &protocol.ApproveAction{Delegate: alice, Approved: true}})
	ev = h.mustExec(alice, 4, burnBatch(token, []common.Address{alice, bob}, 10, 10))
	assert.Equal(t, protocol.EventOk, ev)
	assert.Equal(t, uint64(40), h.balance(token, alice))
	assert.Equal(t, uint64(30), h.balance(token, bob))
	assert.Equal(t, uint64(70), h.supply(token))

	// burning more than the balance fails without touching supply
	assert.Equal(t, protocol.EventErr, h.mustExec(bob, 2, burnBatch(token, []common.Address{bob}, 31)))
	assert.Equal(t, uint64(70), h.supply(token))
}

func TestBurnBatch_Validation(t *testing.T) {
	h := newHarness(t)
	token := h.createToken(alice, 1, 100)

	assert.Equal(t, protocol.EventErr, h.mustExec(alice, 2, burnBatch(token, []common.Address{alice}, 1, 2)))
	assert.Equal(t, protocol.EventErr, h.mustExec(alice, 3, burnBatch(token+5, []common.Address{alice}, 1)))
	assert.Equal(t, uint64(100), h.supply(token))
}

func TestTokenQueries_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.TokenURI(h.ctx, 9)
	assert.ErrorIs(t, err, protocol.ErrUnknownToken)
	_, err = h.c.TokenOwner(h.ctx, 9)
	assert.ErrorIs(t, err, protocol.ErrUnknownToken)
	_, err = h.c.TokenTotalSupply(h.ctx, 9)
	assert.ErrorIs(t, err, protocol.ErrUnknownToken)
}

func TestCreate_BigAmounts(t *testing.T) {
	h := newHarness(t)
	big := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	ev := h.mustExec(alice, 1, protocol.Action{Create: &protocol.CreateAction{InitialAmount: big}})
	require.Equal(t, protocol.EventOk, ev)

	b, err := h.c.Balance(h.ctx, 1, alice)
	require.NoError(t, err)
	assert.Equal(t, big.Dec(), b.Dec())
}
