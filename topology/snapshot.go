// Package topology owns one immutable per-service snapshot: hasher,
// distributor, selector, layered shard groups per namespace, per-operation
// timeouts, and the endpoint map, plus the send(req) router that dispatches
// a request according to its operation class.
package topology

import (
	"time"

	"github.com/resourcemesh/breeze/dist"
	"github.com/resourcemesh/breeze/endpoint"
	"github.com/resourcemesh/breeze/hash"
)

// Tier names a layer's role in a namespace's layered cache/replication
// topology.
type Tier int

const (
	TierMaster Tier = iota
	TierMasterL1
	TierSlave
	TierSlaveL1
)

func (t Tier) String() string {
	switch t {
	case TierMaster:
		return "master"
	case TierMasterL1:
		return "master-l1"
	case TierSlave:
		return "slave"
	default:
		return "slave-l1"
	}
}

// Group is one tier's shard set: Shards[i] holds the one-or-more replica
// endpoints serving shard i (selector/round-robin choose among them).
type Group struct {
	Tier   Tier
	Shards [][]*endpoint.Endpoint

	rr []uint32 // per-shard round-robin cursor, accessed atomically
}

func newGroup(tier Tier, shards [][]*endpoint.Endpoint) *Group {
	return &Group{Tier: tier, Shards: shards, rr: make([]uint32, len(shards))}
}

func (g *Group) shardCount() int { return len(g.Shards) }

// Namespace is one routed key space: its own layer ordering for Get
// try-next, a master group for Store, and auxiliary groups that receive
// sent_only replication copies.
type Namespace struct {
	Name string

	// Layers lists groups top-to-bottom for Get's try-next traversal. The
	// first layer is tried first; a miss with TryNext set promotes to the
	// next.
	Layers []*Group

	// Master is the authoritative group a Store dispatches to; its reply
	// determines client-visible completion.
	Master *Group

	// Replicas are additional groups a Store also writes to as sent_only
	// copies (L1/slave tiers); their replies are dropped.
	Replicas []*Group

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxTries       int
}

// Snapshot is one immutable view of a service's full topology: it is
// never mutated after construction - a reload builds a new Snapshot and
// swaps it in atomically via refresh.Holder.
type Snapshot struct {
	Version    int64
	Hasher     hash.Hasher
	Dist       dist.Distributor
	Selector   dist.Selector
	Namespaces map[string]*Namespace
}

// Hash computes a request's routing hash from its key.
func (s *Snapshot) Hash(key []byte) int64 { return s.Hasher.Hash(key) }

// ShardIdx reduces a hash into a shard index for a group of the given
// shard count, deterministic given (hash, snapshot version).
func (s *Snapshot) ShardIdx(h int64, shardCount int) int {
	return s.Dist.Index(h, shardCount)
}

// Droppable implements gc's delayed-drop interface: a retired snapshot can
// be freed once nothing references its endpoints any more. Snapshots hold
// no borrowed MemGuards themselves, so they are always immediately
// droppable; they are only routed through the delayed-drop queue so any
// in-flight request still holding a pointer to this snapshot (via its
// Context) is not invalidated out from under it before completion.
func (s *Snapshot) Droppable() bool { return true }

// pickReplica returns the endpoint chosen for shard shardIdx of g, using
// sel for tiers with a genuine replica choice and a plain round-robin
// cursor for layers that are always round-robin dispatched regardless of
// distance (Get's top-layer dispatch).
func (g *Group) pickReplica(sel dist.Selector, shardIdx int, roundRobin bool) *endpoint.Endpoint {
	if shardIdx < 0 || shardIdx >= len(g.Shards) {
		return nil
	}
	replicas := g.Shards[shardIdx]
	if len(replicas) == 0 {
		return nil
	}
	if len(replicas) == 1 {
		return replicas[0]
	}
	if roundRobin {
		idx := atomicNext(&g.rr[shardIdx], len(replicas))
		return replicas[idx]
	}
	addrs := make([]string, len(replicas))
	for i, r := range replicas {
		addrs[i] = r.Addr
	}
	i := sel.Select(addrs)
	if i < 0 {
		return replicas[0]
	}
	return replicas[i]
}
