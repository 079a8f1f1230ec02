// Package dist implements the distributor functions that map a key hash to
// a shard index, plus the replica Selector policies used to
// pick among equivalent shard endpoints.
package dist

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Distributor maps a hash to a shard index in [0, N).
type Distributor interface {
	Index(hash int64, n int) int
}

// DistFunc adapts a plain function to Distributor.
type DistFunc func(hash int64, n int) int

func (f DistFunc) Index(hash int64, n int) int { return f(hash, n) }

// New parses a distributor name with an optional "-K" configuration
// suffix.
func New(spec string) (Distributor, error) {
	parts := strings.SplitN(spec, "-", 2)
	name := parts[0]
	if spec == "db-range" {
		name = spec
	}

	switch name {
	case "modula":
		return DistFunc(modula), nil
	case "ketama":
		return NewKetama(), nil
	case "range":
		k, err := suffixInt(parts, "range")
		if err != nil {
			return nil, err
		}
		return DistFunc(rangeDist(k)), nil
	case "modrange":
		k, err := suffixInt(parts, "modrange")
		if err != nil {
			return nil, err
		}
		return DistFunc(modrangeDist(k)), nil
	case "splitmod":
		k, err := suffixInt(parts, "splitmod")
		if err != nil {
			return nil, err
		}
		return DistFunc(splitmodDist(k)), nil
	case "slotmod":
		k, err := suffixInt(parts, "slotmod")
		if err != nil {
			return nil, err
		}
		return DistFunc(slotmodDist(k)), nil
	case "db-range", "dbrange":
		return DistFunc(dbRangeDist), nil
	case "padding":
		return DistFunc(func(int64, int) int { return 0 }), nil
	default:
		return nil, errors.Errorf("dist: unknown distributor %q", name)
	}
}

func suffixInt(parts []string, name string) (int, error) {
	if len(parts) < 2 {
		return 0, errors.Errorf("dist: %s requires a -K suffix", name)
	}
	return strconv.Atoi(parts[1])
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// modula is |hash| mod N.
func modula(hash int64, n int) int {
	if n <= 0 {
		return 0
	}
	return int(absInt64(hash) % int64(n))
}

// rangeDist reduces |hash| modulo K (K defaults to n when unset) and folds
// the result into [0, n) (the configured K is the number of declared
// ranges; n is the number of shards actually present). It does not split
// the hash space into contiguous ranges.
func rangeDist(k int) func(int64, int) int {
	return func(hash int64, n int) int {
		if n <= 0 {
			return 0
		}
		if k <= 0 {
			k = n
		}
		idx := modula(hash, k)
		if idx >= n {
			idx = idx % n
		}
		return idx
	}
}

// modrangeDist first reduces hash mod K, then maps into n shards.
func modrangeDist(k int) func(int64, int) int {
	return func(hash int64, n int) int {
		if n <= 0 {
			return 0
		}
		if k <= 0 {
			k = n
		}
		reduced := absInt64(hash) % int64(k)
		return int(reduced) % n
	}
}

// splitmodDist splits the key space into K buckets of size n/K each.
func splitmodDist(k int) func(int64, int) int {
	return func(hash int64, n int) int {
		if n <= 0 {
			return 0
		}
		if k <= 0 {
			k = 1
		}
		bucket := int(absInt64(hash) % int64(k))
		perBucket := n / k
		if perBucket == 0 {
			perBucket = 1
		}
		idx := bucket * perBucket
		if idx >= n {
			idx = n - 1
		}
		return idx
	}
}

// slotmodDist maps hash into K logical slots, then slot into shard index.
func slotmodDist(k int) func(int64, int) int {
	return func(hash int64, n int) int {
		if n <= 0 || k <= 0 {
			return 0
		}
		slot := int(absInt64(hash) % int64(k))
		return slot % n
	}
}

// dbRangeDist implements the KV dialect's "db_count x 1 x shards" routing:
// the distributor is told n as the total addressable db-index space and
// simply reduces the hash into it; proto/kv composes this with its own
// table-suffix computation, which is independent of shard selection.
func dbRangeDist(hash int64, n int) int {
	return modula(hash, n)
}

// Ketama implements consistent hashing with 40 virtual nodes x 4 points per
// real node, keyed by MD5 of "<addr>-<i>".
type Ketama struct {
	addrs []string
	ring  []ketamaPoint
}

type ketamaPoint struct {
	point uint32
	idx   int // index into addrs
}

// NewKetama returns an empty Ketama ring; call Build once addresses are
// known.
func NewKetama() *Ketama { return &Ketama{} }

// Build constructs the consistent-hash ring over the given addresses.
func (k *Ketama) Build(addrs []string) {
	k.addrs = addrs
	k.ring = k.ring[:0]
	for idx, addr := range addrs {
		for v := 0; v < 40; v++ {
			sum := md5.Sum([]byte(fmt.Sprintf("%s-%d", addr, v)))
			for p := 0; p < 4; p++ {
				point := uint32(sum[p*4]) | uint32(sum[p*4+1])<<8 | uint32(sum[p*4+2])<<16 | uint32(sum[p*4+3])<<24
				k.ring = append(k.ring, ketamaPoint{point: point, idx: idx})
			}
		}
	}
	sort.Slice(k.ring, func(i, j int) bool { return k.ring[i].point < k.ring[j].point })
}

// Index returns the shard index responsible for hash, independent of the
// `n` parameter (the ring already encodes the address set from Build).
func (k *Ketama) Index(hash int64, n int) int {
	if len(k.ring) == 0 {
		return modula(hash, n)
	}
	target := uint32(hash)
	i := sort.Search(len(k.ring), func(i int) bool { return k.ring[i].point >= target })
	if i == len(k.ring) {
		i = 0
	}
	return k.ring[i].idx
}
