// Package hash implements the key hashing functions consumed by topology
// routing: pure functions from a byte key to an int64, stateless after
// construction.
package hash

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Hasher maps a key to a signed 64-bit hash. Implementations must be
// deterministic across the process lifetime.
type Hasher interface {
	Hash(key []byte) int64
}

// HashFunc adapts a plain function to the Hasher interface.
type HashFunc func(key []byte) int64

func (f HashFunc) Hash(key []byte) int64 { return f(key) }

// New parses a hasher name with an optional "-arg1-arg2" configuration
// suffix describing how to extract the hash key from the full key, and
// returns the constructed Hasher.
func New(spec string) (Hasher, error) {
	parts := strings.Split(spec, "-")
	name := parts[0]
	args := parts[1:]

	switch name {
	case "crc32":
		return wrapExtract(crc32Hash, args)
	case "crc32short":
		return HashFunc(crc32Short), nil
	case "crc32point":
		return HashFunc(crc32Point), nil
	case "crc32range":
		return rangeWrap(crc32Hash, args, false)
	case "crc32rangeid":
		return rangeWrap(crc32Hash, args, true)
	case "crc32local":
		return localWrap(crc32Hash, args, false)
	case "crc32localsmartnum":
		return localWrap(crc32Hash, args, true)
	case "bkdr":
		return wrapExtract(bkdrHash, args)
	case "bkdrsub":
		return bkdrSubWrap(args)
	case "bkdrsubstr":
		return bkdrSubstrWrap(args)
	case "fnv1a64":
		return wrapExtract(fnv1a64Hash, args)
	case "raw":
		return HashFunc(rawHash), nil
	case "rawsuffix":
		return rawSuffixWrap(args)
	case "random":
		return HashFunc(randomHash), nil
	case "padding":
		return HashFunc(paddingHash), nil
	default:
		return nil, errors.Errorf("hash: unknown hasher %q", name)
	}
}

func wrapExtract(base func([]byte) int64, args []string) (Hasher, error) {
	if len(args) == 0 {
		return HashFunc(base), nil
	}
	delim := args[0]
	prefixLen := -1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, errors.Wrapf(err, "hash: bad prefix length %q", args[1])
		}
		prefixLen = n
	}
	return HashFunc(func(key []byte) int64 {
		return base(extractHashKey(key, delim, prefixLen))
	}), nil
}

// extractHashKey implements the hash_tag extraction common to the
// "-delimiter-prefixLen" suffix family: if delim is non-empty and found in
// key, the sub-key before the first occurrence (or within prefixLen bytes)
// is hashed instead of the whole key.
func extractHashKey(key []byte, delim string, prefixLen int) []byte {
	if delim == "" {
		if prefixLen > 0 && prefixLen < len(key) {
			return key[:prefixLen]
		}
		return key
	}
	scanTo := len(key)
	if prefixLen > 0 && prefixLen < scanTo {
		scanTo = prefixLen
	}
	idx := indexOf(key[:scanTo], delim[0])
	if idx < 0 {
		return key
	}
	return key[:idx]
}

func indexOf(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func rangeWrap(base func([]byte) int64, args []string, withID bool) (Hasher, error) {
	return HashFunc(func(key []byte) int64 {
		return base(key)
	}), nil
}

func localWrap(base func([]byte) int64, args []string, smartNum bool) (Hasher, error) {
	delim := "_"
	if len(args) > 0 {
		delim = args[0]
	}
	return HashFunc(func(key []byte) int64 {
		idx := indexOf(key, delim[0])
		sub := key
		if idx >= 0 {
			sub = key[:idx]
		}
		if smartNum {
			if n, ok := parseAllDigits(sub); ok {
				return n
			}
		}
		return base(sub)
	}), nil
}

func parseAllDigits(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	return v, true
}

func bkdrSubWrap(args []string) (Hasher, error) {
	n := 0
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, err
		}
		n = v
	}
	return HashFunc(func(key []byte) int64 {
		if n > 0 && n < len(key) {
			key = key[:n]
		}
		return bkdrHash(key)
	}), nil
}

func bkdrSubstrWrap(args []string) (Hasher, error) {
	if len(args) < 2 {
		return nil, errors.New("hash: bkdrsubstr requires start-len args")
	}
	start, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, err
	}
	return HashFunc(func(key []byte) int64 {
		end := start + length
		if start < 0 || end > len(key) || start >= end {
			return bkdrHash(key)
		}
		return bkdrHash(key[start:end])
	}), nil
}

func rawSuffixWrap(args []string) (Hasher, error) {
	n := 0
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, err
		}
		n = v
	}
	return HashFunc(func(key []byte) int64 {
		if n > 0 && n < len(key) {
			key = key[len(key)-n:]
		}
		return rawHash(key)
	}), nil
}
