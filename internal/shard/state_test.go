package shard

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

var (
	alice = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	carol = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func amt(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

func TestState_UnknownReadsAreZero(t *testing.T) {
	s := NewState()
	assert.True(t, s.Balance(1, alice).IsZero())
	assert.False(t, s.Approval(alice, bob))
	_, ok := s.TokenOwner(1)
	assert.False(t, ok)
	_, ok = s.TokenMetadata(1)
	assert.False(t, ok)
}

func TestState_Decrease(t *testing.T) {
	tests := []struct {
		name       string
		authorizer common.Address
		approve    bool
		amount     uint64
		ok         bool
		left       uint64
	}{
		{"owner within balance", alice, false, 40, true, 60},
		{"owner exact balance", alice, false, 100, true, 0},
		{"owner over balance", alice, false, 101, false, 100},
		{"stranger", bob, false, 1, false, 100},
		{"approved delegate", bob, true, 30, true, 70},
		{"approved delegate over balance", bob, true, 200, false, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState()
			s.increase(1, alice, amt(100))
			if tt.approve {
				s.approve(protocol.ApproveRequest{Owner: alice, Delegate: bob, Approved: true})
			}
			assert.Equal(t, tt.ok, s.decrease(1, tt.authorizer, alice, amt(tt.amount)))
			assert.Equal(t, tt.left, s.Balance(1, alice).Uint64())
		})
	}
}

func TestState_IncreaseOverflowPanics(t *testing.T) {
	s := NewState()
	full := new(uint256.Int).SetAllOne()
	s.increase(1, alice, full)
	assert.Panics(t, func() { s.increase(1, alice, amt(1)) })
}

func TestState_ApprovalIsDirectional(t *testing.T) {
	s := NewState()
	s.approve(protocol.ApproveRequest{Owner: alice, Delegate: bob, Approved: true})
	assert.True(t, s.Approval(alice, bob))
	assert.False(t, s.Approval(bob, alice))

	s.approve(protocol.ApproveRequest{Owner: alice, Delegate: bob, Approved: false})
	assert.False(t, s.Approval(alice, bob))
}

func TestState_Transfer(t *testing.T) {
	s := NewState()
	s.increase(1, alice, amt(10))

	ok := s.transfer(protocol.TransferRequest{Token: 1, Authorizer: alice, Sender: alice, Recipient: bob, Amount: amt(4)})
	require.True(t, ok)
	assert.Equal(t, uint64(6), s.Balance(1, alice).Uint64())
	assert.Equal(t, uint64(4), s.Balance(1, bob).Uint64())

	ok = s.transfer(protocol.TransferRequest{Token: 1, Authorizer: carol, Sender: alice, Recipient: carol, Amount: amt(1)})
	assert.False(t, ok)
	assert.True(t, s.Balance(1, carol).IsZero())
}

func TestState_Mint(t *testing.T) {
	meta := &protocol.TokenMetadata{Title: "art"}

	t.Run("fungible batch", func(t *testing.T) {
		s := NewState()
		require.True(t, s.mint(protocol.MintRequest{Recipient: alice, IDs: []protocol.TokenID{1, 2}, Amounts: []*uint256.Int{amt(5), amt(7)}}))
		assert.Equal(t, uint64(5), s.Balance(1, alice).Uint64())
		assert.Equal(t, uint64(7), s.Balance(2, alice).Uint64())
	})

	t.Run("length mismatch", func(t *testing.T) {
		s := NewState()
		assert.False(t, s.mint(protocol.MintRequest{Recipient: alice, IDs: []protocol.TokenID{1}, Amounts: nil}))
	})

	t.Run("zero recipient", func(t *testing.T) {
		s := NewState()
		assert.False(t, s.mint(protocol.MintRequest{IDs: []protocol.TokenID{1}, Amounts: []*uint256.Int{amt(1)}}))
	})

	t.Run("metadata requires amount of one", func(t *testing.T) {
		s := NewState()
		ok := s.mint(protocol.MintRequest{Recipient: alice, IDs: []protocol.TokenID{1, 2}, Amounts: []*uint256.Int{amt(1), amt(2)}, Metadata: []*protocol.TokenMetadata{nil, meta}})
		assert.False(t, ok)
		assert.True(t, s.Balance(1, alice).IsZero(), "rejected batch must not credit earlier entries")
	})

	t.Run("metadata records owner", func(t *testing.T) {
		s := NewState()
		require.True(t, s.mint(protocol.MintRequest{Recipient: alice, IDs: []protocol.TokenID{9}, Amounts: []*uint256.Int{amt(1)}, Metadata: []*protocol.TokenMetadata{meta}}))
		owner, ok := s.TokenOwner(9)
		require.True(t, ok)
		assert.Equal(t, alice, owner)
		got, ok := s.TokenMetadata(9)
		require.True(t, ok)
		assert.Equal(t, "art", got.Title)

		// a second unique token with the same id is refused
		assert.False(t, s.mint(protocol.MintRequest{Recipient: bob, IDs: []protocol.TokenID{9}, Amounts: []*uint256.Int{amt(1)}, Metadata: []*protocol.TokenMetadata{meta}}))
	})
}

func TestState_Burn(t *testing.T) {
	setup := func() *State {
		s := NewState()
		s.increase(1, alice, amt(10))
		s.increase(2, alice, amt(3))
		return s
	}

	t.Run("all or nothing", func(t *testing.T) {
		s := setup()
		ok := s.burn(protocol.BurnRequest{Authorizer: alice, Owner: alice, IDs: []protocol.TokenID{1, 2}, Amounts: []*uint256.Int{amt(5), amt(4)}})
		assert.False(t, ok)
		assert.Equal(t, uint64(10), s.Balance(1, alice).Uint64())
		assert.Equal(t, uint64(3), s.Balance(2, alice).Uint64())
	})

	t.Run("aggregates repeated ids", func(t *testing.T) {
		s := setup()
		ok := s.burn(protocol.BurnRequest{Authorizer: alice, Owner: alice, IDs: []protocol.TokenID{1, 1}, Amounts: []*uint256.Int{amt(6), amt(6)}})
		assert.False(t, ok)
		assert.Equal(t, uint64(10), s.Balance(1, alice).Uint64())
	})

	t.Run("approved delegate", func(t *testing.T) {
		s := setup()
		assert.False(t, s.burn(protocol.BurnRequest{Authorizer: bob, Owner: alice, IDs: []protocol.TokenID{1}, Amounts: []*uint256.Int{amt(1)}}))
		s.approve(protocol.ApproveRequest{Owner: alice, Delegate: bob, Approved: true})
		require.True(t, s.burn(protocol.BurnRequest{Authorizer: bob, Owner: alice, IDs: []protocol.TokenID{1, 2}, Amounts: []*uint256.Int{amt(10), amt(1)}}))
		assert.True(t, s.Balance(1, alice).IsZero())
		assert.Equal(t, uint64(2), s.Balance(2, alice).Uint64())
	})

	t.Run("burning a unique token drops its owner", func(t *testing.T) {
		s := NewState()
		require.True(t, s.mint(protocol.MintRequest{Recipient: alice, IDs: []protocol.TokenID{9}, Amounts: []*uint256.Int{amt(1)}, Metadata: []*protocol.TokenMetadata{{Title: "x"}}}))
		require.True(t, s.burn(protocol.BurnRequest{Authorizer: alice, Owner: alice, IDs: []protocol.TokenID{9}, Amounts: []*uint256.Int{amt(1)}}))
		_, ok := s.TokenOwner(9)
		assert.False(t, ok)
	})
}
