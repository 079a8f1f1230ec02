package hash

import (
	"hash/crc32"
	"hash/fnv"
	"math/rand"
)

var ieeeTable = crc32.MakeTable(crc32.IEEE)

// crc32Hash is the baseline CRC32/IEEE hash over the full key, matching
// the original's Crc32local::hash (sharding/src/hash/crc32local.rs): the
// init/update/xorout there is the standard reflected IEEE-802.3 CRC32
// (compatible with Java's Util.crc32()/java.util.zip.CRC32, the table
// this code was written to match), but the original then reinterprets
// the 32-bit checksum as a signed i32 and takes its absolute value rather
// than returning the raw unsigned word, so a checksum with the high bit
// set folds to a different, smaller positive number than the unsigned
// reading would.
func crc32Hash(key []byte) int64 {
	sum := int32(crc32.Checksum(key, ieeeTable))
	if sum < 0 {
		return -int64(sum)
	}
	return int64(sum)
}

// crc32Short hashes only the first 8 bytes (or fewer) of the key, a cheap
// variant used for short, already-unique keys.
func crc32Short(key []byte) int64 {
	if len(key) > 8 {
		key = key[:8]
	}
	return crc32Hash(key)
}

// crc32Point hashes the key up to (but excluding) the first '.' byte,
// matching the original's crc32-point variant for dotted keys.
func crc32Point(key []byte) int64 {
	for i, c := range key {
		if c == '.' {
			return crc32Hash(key[:i])
		}
	}
	return crc32Hash(key)
}

// bkdrHash is the classic BKDR string hash (seed 131).
func bkdrHash(key []byte) int64 {
	const seed uint32 = 131
	var h uint32
	for _, c := range key {
		h = h*seed + uint32(c)
	}
	return int64(h & 0x7fffffff)
}

// fnv1a64Hash is the FNV-1a 64-bit hash.
func fnv1a64Hash(key []byte) int64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return int64(h.Sum64())
}

// rawHash parses the key's leading decimal digits as a number and returns
// it directly, for services whose keys are already numeric shard
// identifiers. Parsing stops at the first non-digit byte; hex literals are
// not recognized.
func rawHash(key []byte) int64 {
	var v int64
	for _, c := range key {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int64(c-'0')
	}
	return v
}

// randomHash ignores the key and returns a uniformly distributed value,
// used by services that intentionally spread load without key affinity.
func randomHash(_ []byte) int64 {
	return rand.Int63()
}

// paddingHash is a constant hash (0) used by meta/no-op commands that never
// actually reach a backend (the router special-cases them before hashing
// matters).
func paddingHash(_ []byte) int64 { return 0 }
