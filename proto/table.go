package proto

import "github.com/resourcemesh/breeze/reqctx"

// CommandInfo is one row of a protocol's per-command metadata table
//: arity, operation class, key
// positions within the argument vector, and routing-relevant bits.
type CommandInfo struct {
	Name string
	Op   reqctx.Op

	// Arity is the minimum argument count; AtLeast relaxes it to "at
	// least Arity" instead of "exactly Arity" (Redis variadic commands).
	Arity   int
	AtLeast bool

	// KeyFirst/KeyLast/KeyStep locate keys within the argument vector,
	// inclusive, step>0 (mset-style key,value,key,value... uses step 2).
	KeyFirst int
	KeyLast  int
	KeyStep  int

	// PaddingIdx selects the placeholder response table entry used when
	// no real response is available.
	PaddingIdx uint8

	Multi       bool // true for multi-key commands requiring per-shard split
	NeedBulkNum bool // true when the protocol must rewrite a bulk/array count per split (Redis)
	NoForward   bool // true for meta commands answered locally
	Quit        bool // true for client-requested close
	MasterOnly  bool // true for commands that must reach the master tier only
}

// Table is a lookup from a protocol-specific op-code (an integer: a byte
// opcode for Memcached binary, a small enum for text-keyed protocols) to
// its CommandInfo.
type Table map[uint32]CommandInfo

func (t Table) Lookup(opCode uint32) (CommandInfo, bool) {
	ci, ok := t[opCode]
	return ci, ok
}
