// Package kv implements the KV-over-MySQL dialect: translating a parsed
// Memcached-binary request into a SQL statement routed by a decimal
// 64-bit UUID key, and parsing the MySQL wire reply back into a
// synthesized Memcached response.
package kv

import (
	"fmt"
	"time"
)

// uuid bit layout, grounded in the original's endpoint/src/kv/uuid.rs:
// the low idcSeqBits bits are an IDC+sequence counter; the remaining high
// bits, plus idOffset, are a UNIX timestamp in seconds.
const (
	idOffset    int64 = 515483463
	idcSeqBits  uint  = 22 // 4 (idc) + 18 (seq)
)

// cst is a fixed UTC+8 zone; China does not observe daylight saving, so a
// fixed offset reproduces the original's Asia/Shanghai formatting without
// requiring a tzdata database.
var cst = time.FixedZone("CST", 8*3600)

// ParseUUID parses key as an unsigned decimal ASCII integer: the key is
// interpreted as a decimal 64-bit UUID.
func ParseUUID(key []byte) (int64, bool) {
	if len(key) == 0 {
		return 0, false
	}
	var id int64
	for _, c := range key {
		if c < '0' || c > '9' {
			return 0, false
		}
		id = id*10 + int64(c-'0')
	}
	return id, true
}

// UnixSecs extracts the embedded UNIX timestamp from a parsed UUID.
func UnixSecs(uuid int64) int64 {
	return (uuid >> idcSeqBits) + idOffset
}

// Postfix selects the table-name date-suffix granularity.
type Postfix int

const (
	PostfixYYMM Postfix = iota
	PostfixYYMMDD
)

// TableSuffix formats the UUID's embedded timestamp per postfix, in the
// CST zone.
func TableSuffix(uuid int64, postfix Postfix) string {
	t := time.Unix(UnixSecs(uuid), 0).In(cst)
	if postfix == PostfixYYMM {
		return t.Format("0601")
	}
	return t.Format("060102")
}

// TableName joins a configured prefix with the UUID's date suffix.
func TableName(prefix string, uuid int64, postfix Postfix) string {
	return fmt.Sprintf("%s_%s", prefix, TableSuffix(uuid, postfix))
}

// DBName joins a configured prefix with a shard index produced by the
// DBRange distributor.
func DBName(prefix string, dbIdx int) string {
	return fmt.Sprintf("%s_%d", prefix, dbIdx)
}
