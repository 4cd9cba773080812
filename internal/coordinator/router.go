package coordinator

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/protocol"
	"github.com/sharding-experiment/multitoken/internal/shard"
)

// NumPartitions is the number of partition keys, one per leading hex nibble.
const NumPartitions = 16

// Shard is a provisioned shard bound to a partition key.
type Shard struct {
	ID       string
	Key      uint8
	URL      string
	Template common.Hash
	Client   shard.Client
}

// ShardInfo is the serialisable view of a bound shard.
type ShardInfo struct {
	ID       string      `json:"id"`
	Key      uint8       `json:"key"`
	URL      string      `json:"url,omitempty"`
	Template common.Hash `json:"template"`
}

func (s *Shard) Info() ShardInfo {
	return ShardInfo{ID: s.ID, Key: s.Key, URL: s.URL, Template: s.Template}
}

// Provisioner brings up a new shard owned by owner, built from template.
type Provisioner interface {
	Provision(ctx context.Context, key uint8, owner common.Address, template common.Hash) (*Shard, error)
}

// Router maps partition keys to shards. Bindings are created on first use and
// never change. It is owned by the coordinator goroutine.
type Router struct {
	shards   [NumPartitions]*Shard
	prov     Provisioner
	owner    common.Address
	template common.Hash
	log      *zap.Logger
}

func NewRouter(prov Provisioner, owner common.Address, template common.Hash, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{prov: prov, owner: owner, template: template, log: logger}
}

// Resolve returns the shard bound to account's partition, if any.
func (r *Router) Resolve(account common.Address) (*Shard, bool) {
	s := r.shards[protocol.PartitionKey(account)]
	return s, s != nil
}

// ResolveOrCreate returns the shard for account, provisioning and binding one
// from the current template when the partition is still empty.
func (r *Router) ResolveOrCreate(ctx context.Context, account common.Address) (*Shard, error) {
	key := protocol.PartitionKey(account)
	if s := r.shards[key]; s != nil {
		return s, nil
	}
	s, err := r.prov.Provision(ctx, key, r.owner, r.template)
	if err != nil {
		return nil, errors.Wrapf(err, "provision shard for partition %x", key)
	}
	s.Key = key
	r.shards[key] = s
	r.log.Info("shard bound", zap.Uint8("partition", key), zap.String("shard", s.ID), zap.Stringer("template", s.Template))
	return s, nil
}

// Template returns the template new shards are built from.
func (r *Router) Template() common.Hash {
	return r.template
}

// SetTemplate changes the template for shards provisioned from now on.
func (r *Router) SetTemplate(h common.Hash) {
	r.template = h
}

// Shards returns the bound shards ordered by partition key.
func (r *Router) Shards() []*Shard {
	var out []*Shard
	for _, s := range r.shards {
		if s != nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LocalProvisioner spawns in-process shard workers.
type LocalProvisioner struct {
	base shard.Config

	mu      sync.Mutex
	workers []*shard.Worker
}

// NewLocalProvisioner creates workers from base. Owner, Template and ID are
// filled in per shard.
func NewLocalProvisioner(base shard.Config) *LocalProvisioner {
	return &LocalProvisioner{base: base}
}

func (p *LocalProvisioner) Provision(ctx context.Context, key uint8, owner common.Address, template common.Hash) (*Shard, error) {
	cfg := p.base
	cfg.ID = uuid.NewString()
	cfg.Owner = owner
	cfg.Template = template
	w := shard.NewWorker(cfg)

	p.mu.Lock()
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	return &Shard{
		ID:       cfg.ID,
		Key:      key,
		Template: template,
		Client:   shard.NewLocalClient(w, owner),
	}, nil
}

// Workers returns every worker spawned so far.
func (p *LocalProvisioner) Workers() []*shard.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*shard.Worker(nil), p.workers...)
}

// Close stops every spawned worker.
func (p *LocalProvisioner) Close() {
	for _, w := range p.Workers() {
		w.Stop()
	}
}

// PoolProvisioner binds pre-started remote shards in the order given and
// initialises each one over HTTP.
type PoolProvisioner struct {
	urls []string
	http *http.Client
	log  *zap.Logger

	mu   sync.Mutex
	next int
}

func NewPoolProvisioner(urls []string, client *http.Client, logger *zap.Logger) *PoolProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolProvisioner{urls: urls, http: client, log: logger}
}

// Remaining returns the number of unbound shard URLs.
func (p *PoolProvisioner) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.urls) - p.next
}

// Provision initialises the next unused URL. URLs already owned by somebody
// else are skipped; transport failures leave the URL for the next attempt.
func (p *PoolProvisioner) Provision(ctx context.Context, key uint8, owner common.Address, template common.Hash) (*Shard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.next < len(p.urls) {
		url := p.urls[p.next]
		client := shard.NewHTTPClient(url, url, owner, p.http)
		err := client.Init(ctx, protocol.InitRequest{Owner: owner, Template: template})
		if errors.Is(err, protocol.ErrUnauthorized) {
			p.log.Warn("skipping shard owned by another coordinator", zap.String("url", url))
			p.next++
			continue
		}
		if err != nil {
			return nil, err
		}
		p.next++
		return &Shard{
			ID:       url,
			Key:      key,
			URL:      url,
			Template: template,
			Client:   client,
		}, nil
	}
	return nil, errors.Wrap(protocol.ErrShardUnavailable, "shard pool exhausted")
}
