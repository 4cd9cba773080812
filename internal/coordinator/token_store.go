package coordinator

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

const (
	// TokenStoreCacheMB is the LevelDB block cache size in MB.
	TokenStoreCacheMB = 16

	// TokenStoreHandles is the maximum number of open file handles for LevelDB.
	TokenStoreHandles = 16

	// DefaultTokenCacheSize is the number of token records kept decoded in memory.
	DefaultTokenCacheSize = 1024
)

var (
	nonceKey    = []byte("nonce")
	tokenPrefix = []byte("token:")
)

// TokenRecord is the coordinator's registry entry for a created token.
type TokenRecord struct {
	URI      string                  `json:"uri"`
	Owner    common.Address          `json:"owner"`
	Supply   *uint256.Int            `json:"supply"`
	Metadata *protocol.TokenMetadata `json:"metadata,omitempty"`
}

func (r *TokenRecord) clone() *TokenRecord {
	c := *r
	c.Supply = new(uint256.Int)
	if r.Supply != nil {
		c.Supply.Set(r.Supply)
	}
	c.Metadata = r.Metadata.Clone()
	return &c
}

// TokenStore keeps the token nonce and token records in a key-value database.
// With an empty path the database lives in memory.
type TokenStore struct {
	db     ethdb.Database
	cache  *lru.Cache[protocol.TokenID, *TokenRecord]
	mu     sync.RWMutex
	closed bool
}

// NewTokenStore opens the store at path. If path is empty or the database
// cannot be opened, it falls back to in-memory storage.
func NewTokenStore(path string, cacheSize int, logger *zap.Logger) (*TokenStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultTokenCacheSize
	}
	var db ethdb.Database

	if path != "" {
		if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
			logger.Warn("token store directory unavailable, using in-memory", zap.String("path", path), zap.Error(mkErr))
			db = rawdb.NewMemoryDatabase()
		} else {
			ldb, ldbErr := leveldb.New(path, TokenStoreCacheMB, TokenStoreHandles, "", false)
			if ldbErr != nil {
				logger.Warn("failed to open LevelDB, using in-memory", zap.String("path", path), zap.Error(ldbErr))
				db = rawdb.NewMemoryDatabase()
			} else {
				db = rawdb.NewDatabase(ldb)
				logger.Info("opened persistent token store", zap.String("path", path))
			}
		}
	} else {
		db = rawdb.NewMemoryDatabase()
		logger.Debug("using in-memory token store")
	}

	cache, err := lru.New[protocol.TokenID, *TokenRecord](cacheSize)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "token cache")
	}
	return &TokenStore{db: db, cache: cache}, nil
}

func tokenKey(id protocol.TokenID) []byte {
	key := make([]byte, len(tokenPrefix)+8)
	copy(key, tokenPrefix)
	binary.BigEndian.PutUint64(key[len(tokenPrefix):], uint64(id))
	return key
}

// Nonce returns the last allocated token id, zero before the first token.
func (ts *TokenStore) Nonce() (protocol.TokenID, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.closed {
		return 0, errors.New("token store is closed")
	}
	ok, err := ts.db.Has(nonceKey)
	if err != nil || !ok {
		return 0, err
	}
	data, err := ts.db.Get(nonceKey)
	if err != nil {
		return 0, errors.Wrap(err, "read nonce")
	}
	if len(data) != 8 {
		return 0, errors.Errorf("corrupt nonce of %d bytes", len(data))
	}
	return protocol.TokenID(binary.BigEndian.Uint64(data)), nil
}

// SetNonce records id as the last allocated token id.
func (ts *TokenStore) SetNonce(id protocol.TokenID) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return errors.New("token store is closed")
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return ts.db.Put(nonceKey, buf[:])
}

// Get returns a copy of the record for id.
func (ts *TokenStore) Get(id protocol.TokenID) (*TokenRecord, bool, error) {
	if rec, ok := ts.cache.Get(id); ok {
		return rec.clone(), true, nil
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.closed {
		return nil, false, errors.New("token store is closed")
	}
	ok, err := ts.db.Has(tokenKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := ts.db.Get(tokenKey(id))
	if err != nil {
		return nil, false, errors.Wrapf(err, "read token %d", id)
	}
	rec := new(TokenRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, false, errors.Wrapf(err, "decode token %d", id)
	}
	if rec.Supply == nil {
		rec.Supply = new(uint256.Int)
	}
	ts.cache.Add(id, rec)
	return rec.clone(), true, nil
}

// Put stores rec for id.
func (ts *TokenStore) Put(id protocol.TokenID, rec *TokenRecord) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return errors.New("token store is closed")
	}
	stored := rec.clone()
	data, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrapf(err, "encode token %d", id)
	}
	if err := ts.db.Put(tokenKey(id), data); err != nil {
		return errors.Wrapf(err, "write token %d", id)
	}
	ts.cache.Add(id, stored)
	return nil
}

// Close gracefully closes the underlying database
func (ts *TokenStore) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return nil
	}

	ts.closed = true
	ts.cache.Purge()
	return ts.db.Close()
}
