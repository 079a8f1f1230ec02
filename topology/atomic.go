package topology

import "sync/atomic"

// atomicNext advances cursor and returns the pre-increment value mod n,
// giving a lock-free round-robin cursor shared by concurrent pipelines
// dispatching to the same shard.
func atomicNext(cursor *uint32, n int) int {
	v := atomic.AddUint32(cursor, 1) - 1
	return int(v) % n
}
