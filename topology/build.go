package topology

import (
	"time"

	"github.com/pkg/errors"

	"github.com/resourcemesh/breeze/dist"
	"github.com/resourcemesh/breeze/endpoint"
	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/proto"
)

// EndpointConfig holds the per-endpoint dial/timeout parameters a builder
// needs to construct endpoint.Endpoint instances; shared by every tier of
// every namespace built for one service.
type EndpointConfig struct {
	Codec          proto.Codec
	Capacity       int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxTries       int
}

// BuildLayeredNamespace constructs one Namespace from address rows the way
// a Memcached or Redis service config describes them: master is a flat
// shard row, the *L1/l1 rows are additional try-next layers above it, and
// slave/slaveL1 rows (when non-empty) are sent_only replication targets.
// Every row's shard count must match master's; rows are addresses, one
// endpoint dialed per address, and each address is its own shard with a
// single replica.
func BuildLayeredNamespace(name string, cfg EndpointConfig, master []string, masterL1 [][]string, slave []string, slaveL1 [][]string) (*Namespace, error) {
	masterGroup, err := buildGroup(TierMaster, cfg, toShardRows(master))
	if err != nil {
		return nil, errors.Wrapf(err, "topology: namespace %s master", name)
	}

	layers := make([]*Group, 0, 1+len(masterL1))
	for i, row := range masterL1 {
		g, err := buildGroup(TierMasterL1, cfg, toShardRows(row))
		if err != nil {
			return nil, errors.Wrapf(err, "topology: namespace %s master_l1[%d]", name, i)
		}
		layers = append(layers, g)
	}
	layers = append(layers, masterGroup)

	var replicas []*Group
	if len(slave) > 0 {
		g, err := buildGroup(TierSlave, cfg, toShardRows(slave))
		if err != nil {
			return nil, errors.Wrapf(err, "topology: namespace %s slave", name)
		}
		replicas = append(replicas, g)
	}
	for i, row := range slaveL1 {
		g, err := buildGroup(TierSlaveL1, cfg, toShardRows(row))
		if err != nil {
			return nil, errors.Wrapf(err, "topology: namespace %s slave_l1[%d]", name, i)
		}
		replicas = append(replicas, g)
	}

	return &Namespace{
		Name:           name,
		Layers:         layers,
		Master:         masterGroup,
		Replicas:       replicas,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		MaxTries:       cfg.MaxTries,
	}, nil
}

// BuildDBShardedNamespace constructs a single-tier Namespace for the
// KV-over-MySQL dialect: one endpoint per configured backend, so the shard
// count is len(backends). Topology's endpoint pick matches the database
// name Strategy.BuildQuery picks only when that count equals
// Strategy.DBCount and the snapshot carries the strategy's hasher and
// distributor; this function does not check either.
func BuildDBShardedNamespace(name string, cfg EndpointConfig, backends []string) (*Namespace, error) {
	if len(backends) == 0 {
		return nil, errors.Errorf("topology: namespace %s has no kv backends configured", name)
	}
	g, err := buildGroup(TierMaster, cfg, toShardRows(backends))
	if err != nil {
		return nil, errors.Wrapf(err, "topology: namespace %s", name)
	}
	return &Namespace{
		Name:           name,
		Layers:         []*Group{g},
		Master:         g,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		MaxTries:       cfg.MaxTries,
	}, nil
}

// toShardRows turns a flat address list into one shard per address, each
// with a single replica. Repeated master_l1/slave_l1 rows become separate
// groups (layers or replication targets), not extra replicas of a shard.
func toShardRows(addrs []string) [][]string {
	rows := make([][]string, len(addrs))
	for i, a := range addrs {
		rows[i] = []string{a}
	}
	return rows
}

func buildGroup(tier Tier, cfg EndpointConfig, rows [][]string) (*Group, error) {
	shards := make([][]*endpoint.Endpoint, len(rows))
	for i, addrs := range rows {
		replicas := make([]*endpoint.Endpoint, len(addrs))
		for j, addr := range addrs {
			replicas[j] = endpoint.New(addr, cfg.Codec, cfg.Capacity, cfg.ConnectTimeout, cfg.RequestTimeout)
		}
		shards[i] = replicas
	}
	return newGroup(tier, shards), nil
}

// BuildSnapshot assembles a full Snapshot from one hasher/distributor pair
// plus the namespaces already built for each service sharing them. version
// is a caller-assigned monotonic counter (refresh.Holder logs transitions
// by it); selector picks among multi-replica shards for tiers that aren't
// forced round-robin.
func BuildSnapshot(version int64, h hash.Hasher, d dist.Distributor, sel dist.Selector, namespaces map[string]*Namespace) *Snapshot {
	return &Snapshot{
		Version:    version,
		Hasher:     h,
		Dist:       d,
		Selector:   sel,
		Namespaces: namespaces,
	}
}
