package kv

import (
	"fmt"

	"github.com/resourcemesh/breeze/dist"
	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto/memcache"
	"github.com/resourcemesh/breeze/reqctx"
)

// Memcached binary frame layout (RFC-compatible), duplicated from
// proto/memcache since this package reads the wire frame directly rather
// than through a parsed proto/memcache.Binary request.
const binHdrLen = 24

// Strategy translates one parsed Memcached-binary request into a SQL
// statement against a sharded, date-partitioned MySQL backend, grounded in
// the original's endpoint/src/kv/strategy.rs KVTime.
type Strategy struct {
	DBPrefix    string
	TablePrefix string
	Postfix     Postfix
	Hasher      hash.Hasher
	Dist        dist.Distributor
	DBCount     int
}

// NewStrategy builds a Strategy with the dialect's default crc32 hasher
// and db-range distributor, matching KVTime::new's
// defaults in the original.
func NewStrategy(name string, dbCount int) (*Strategy, error) {
	h, err := hash.New("crc32")
	if err != nil {
		return nil, err
	}
	d, err := dist.New("db-range")
	if err != nil {
		return nil, err
	}
	return &Strategy{
		DBPrefix:    name,
		TablePrefix: name,
		Postfix:     PostfixYYMMDD,
		Hasher:      h,
		Dist:        d,
		DBCount:     dbCount,
	}, nil
}

// frame is the decoded envelope of a Memcached-binary request: opcode
// plus key/value slices sliced out of the raw frame.
type frame struct {
	opcode uint32
	key    []byte
	value  []byte
}

func decodeFrame(raw []byte) (*frame, error) {
	if len(raw) < binHdrLen {
		return nil, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	opcode := uint32(raw[1])
	keyLen := int(raw[2])<<8 | int(raw[3])
	extraLen := int(raw[4])
	bodyLen := int(raw[8])<<24 | int(raw[9])<<16 | int(raw[10])<<8 | int(raw[11])
	if binHdrLen+bodyLen > len(raw) {
		return nil, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	keyStart := binHdrLen + extraLen
	keyEnd := keyStart + keyLen
	if keyEnd > len(raw) {
		return nil, reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	valStart := keyEnd
	valEnd := binHdrLen + bodyLen
	return &frame{opcode: opcode, key: raw[keyStart:keyEnd], value: raw[valStart:valEnd]}, nil
}

// BuildQuery translates req (a parsed Memcached-binary HashedCommand) into
// the SQL statement its op-code selects: get->SELECT, add->INSERT,
// set->UPDATE, delete->DELETE.
func (s *Strategy) BuildQuery(req *reqctx.Request) (string, error) {
	if req.Payload == nil {
		return "", reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	f, err := decodeFrame(req.Payload.Bytes())
	if err != nil {
		return "", err
	}
	uuid, ok := ParseUUID(f.key)
	if !ok {
		return "", reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	dbIdx := s.Dist.Index(s.Hasher.Hash(f.key), s.DBCount)
	db := DBName(s.DBPrefix, dbIdx)
	table := TableName(s.TablePrefix, uuid, s.Postfix)
	id := uint64(uuid) // the key is unsigned; print it as parsed

	switch f.opcode {
	case memcache.OpGet, memcache.OpGetK:
		return fmt.Sprintf("select content from %s.%s where id=%d", db, table, id), nil
	case memcache.OpAdd:
		return fmt.Sprintf("insert into %s.%s (id, content) values (%d, '%s')", db, table, id, escapeSQL(f.value)), nil
	case memcache.OpSet, memcache.OpReplace, memcache.OpAppend, memcache.OpPrepend:
		return fmt.Sprintf("update %s.%s set content='%s' where id=%d", db, table, escapeSQL(f.value), id), nil
	case memcache.OpDelete:
		return fmt.Sprintf("delete from %s.%s where id=%d", db, table, id), nil
	default:
		return "", reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
}

// escapeSQL applies the minimal escaping this dialect's single-quoted
// string literals need: each backslash and single quote gets a backslash
// prefix.
func escapeSQL(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == '\'' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// BuildResponse materializes a MySQL query Result as a synthesized
// Memcached binary response carrying the result's content as its value.
func BuildResponse(req *reqctx.Request, result *Result) *reqctx.Response {
	status := uint16(0)
	var value []byte
	switch {
	case result.ErrMessage != "":
		status = 0x0004 // generic "internal error" status, no dedicated KV status space
	case req.OpCode == memcache.OpGet || req.OpCode == memcache.OpGetK:
		if !result.HasValue {
			status = 0x0001 // key not found
		} else {
			value = result.Value
		}
	}
	hdr := make([]byte, binHdrLen)
	hdr[0] = 0x81 // response magic, matching proto/memcache's rspMagic
	hdr[1] = byte(req.OpCode)
	hdr[6] = byte(status >> 8)
	hdr[7] = byte(status)
	bodyLen := len(value)
	hdr[8] = byte(bodyLen >> 24)
	hdr[9] = byte(bodyLen >> 16)
	hdr[10] = byte(bodyLen >> 8)
	hdr[11] = byte(bodyLen)
	payload := append(hdr, value...)

	flag := reqctx.Flag(0)
	if status == 0 {
		flag = flag.With(reqctx.StatusOK)
	}
	return &reqctx.Response{Payload: mem.NewHeapGuard(payload), Flag: flag}
}
