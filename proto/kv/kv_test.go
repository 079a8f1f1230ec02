package kv

import (
	"encoding/binary"
	"testing"

	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto/memcache"
	"github.com/resourcemesh/breeze/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// binaryFrame builds a raw Memcached-binary request frame the way
// proto/memcache.Binary would parse one off the wire.
func binaryFrame(opcode uint32, key, extras, value []byte) []byte {
	hdr := make([]byte, binHdrLen)
	hdr[0] = 0x80
	hdr[1] = byte(opcode)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(key)))
	hdr[4] = byte(len(extras))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(extras)+len(key)+len(value)))
	out := append(hdr, extras...)
	out = append(out, key...)
	out = append(out, value...)
	return out
}

func newStrategy(t *testing.T) *Strategy {
	t.Helper()
	s, err := NewStrategy("gazette", 4)
	require.NoError(t, err)
	return s
}

func TestStrategy_BuildQuery_Get(t *testing.T) {
	s := newStrategy(t)
	key := []byte("9972602101111556910")
	req := &reqctx.Request{
		Payload: mem.NewHeapGuard(binaryFrame(memcache.OpGet, key, nil, nil)),
		OpCode:  memcache.OpGet,
	}
	sql, err := s.BuildQuery(req)
	require.NoError(t, err)
	assert.Contains(t, sql, "select content from")
	assert.Contains(t, sql, "where id=9972602101111556910")
}

func TestStrategy_BuildQuery_Add(t *testing.T) {
	s := newStrategy(t)
	key := []byte("9972602101111556910")
	value := []byte("payload")
	req := &reqctx.Request{
		Payload: mem.NewHeapGuard(binaryFrame(memcache.OpAdd, key, nil, value)),
		OpCode:  memcache.OpAdd,
	}
	sql, err := s.BuildQuery(req)
	require.NoError(t, err)
	assert.Contains(t, sql, "insert into")
	assert.Contains(t, sql, "values (9972602101111556910, 'payload')")
}

func TestStrategy_BuildQuery_Set(t *testing.T) {
	s := newStrategy(t)
	key := []byte("9972602101111556910")
	value := []byte("newval")
	req := &reqctx.Request{
		Payload: mem.NewHeapGuard(binaryFrame(memcache.OpSet, key, nil, value)),
		OpCode:  memcache.OpSet,
	}
	sql, err := s.BuildQuery(req)
	require.NoError(t, err)
	assert.Contains(t, sql, "update")
	assert.Contains(t, sql, "set content='newval'")
}

func TestStrategy_BuildQuery_Delete(t *testing.T) {
	s := newStrategy(t)
	key := []byte("9972602101111556910")
	req := &reqctx.Request{
		Payload: mem.NewHeapGuard(binaryFrame(memcache.OpDelete, key, nil, nil)),
		OpCode:  memcache.OpDelete,
	}
	sql, err := s.BuildQuery(req)
	require.NoError(t, err)
	assert.Contains(t, sql, "delete from")
}

func TestStrategy_BuildQuery_NonNumericKeyRejected(t *testing.T) {
	s := newStrategy(t)
	req := &reqctx.Request{
		Payload: mem.NewHeapGuard(binaryFrame(memcache.OpGet, []byte("not-a-uuid"), nil, nil)),
		OpCode:  memcache.OpGet,
	}
	_, err := s.BuildQuery(req)
	assert.Error(t, err)
}

func TestStrategy_BuildQuery_EscapesQuotes(t *testing.T) {
	s := newStrategy(t)
	key := []byte("9972602101111556910")
	value := []byte("it's")
	req := &reqctx.Request{
		Payload: mem.NewHeapGuard(binaryFrame(memcache.OpSet, key, nil, value)),
		OpCode:  memcache.OpSet,
	}
	sql, err := s.BuildQuery(req)
	require.NoError(t, err)
	assert.Contains(t, sql, `it\'s`)
}

func TestBuildResponse_GetHitCarriesValue(t *testing.T) {
	req := &reqctx.Request{OpCode: memcache.OpGet}
	result := &Result{IsOK: true, Value: []byte("cached"), HasValue: true}
	resp := BuildResponse(req, result)
	require.NotNil(t, resp.Payload)
	body := resp.Payload.Bytes()
	require.True(t, len(body) >= binHdrLen)
	assert.Equal(t, "cached", string(body[binHdrLen:]))
	assert.True(t, resp.Flag.Has(reqctx.StatusOK))
}

func TestBuildResponse_GetMissSetsNotFoundStatus(t *testing.T) {
	req := &reqctx.Request{OpCode: memcache.OpGet}
	result := &Result{IsOK: true, HasValue: false}
	resp := BuildResponse(req, result)
	body := resp.Payload.Bytes()
	status := uint16(body[6])<<8 | uint16(body[7])
	assert.Equal(t, uint16(0x0001), status)
	assert.False(t, resp.Flag.Has(reqctx.StatusOK))
}

func TestBuildResponse_ErrorSetsErrorStatus(t *testing.T) {
	req := &reqctx.Request{OpCode: memcache.OpDelete}
	result := &Result{ErrMessage: "no such table"}
	resp := BuildResponse(req, result)
	body := resp.Payload.Bytes()
	status := uint16(body[6])<<8 | uint16(body[7])
	assert.Equal(t, uint16(0x0004), status)
}

func TestParseUUID_TableAndDBNaming(t *testing.T) {
	uuid, ok := ParseUUID([]byte("9972602101111556910"))
	require.True(t, ok)
	suffix := TableSuffix(uuid, PostfixYYMMDD)
	assert.Len(t, suffix, 6)
	db := DBName("gazette", 2)
	assert.Equal(t, "gazette_2", db)
}

func TestParseResult_OKPacket(t *testing.T) {
	r := mem.NewRing(256, 4096)
	payload := []byte{headerOK, 0x01, 0x00}
	pkt := framePacket(payload, 1)
	copy(r.Writable(), pkt)
	r.Advance(len(pkt))

	result, n, err := ParseResult(r)
	require.NoError(t, err)
	assert.Equal(t, len(pkt), n)
	assert.True(t, result.IsOK)
	assert.Equal(t, uint64(1), result.AffectedRows)
}

func TestParseResult_ErrPacket(t *testing.T) {
	r := mem.NewRing(256, 4096)
	body := []byte{headerErr, 0x2a, 0x04, 'b', 'a', 'd'}
	pkt := framePacket(body, 1)
	copy(r.Writable(), pkt)
	r.Advance(len(pkt))

	result, _, err := ParseResult(r)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x042a), result.ErrCode)
	assert.Equal(t, "bad", result.ErrMessage)
}

func TestParseResult_Incomplete(t *testing.T) {
	r := mem.NewRing(256, 4096)
	partial := []byte{0x05, 0x00, 0x00, 0x01}
	copy(r.Writable(), partial)
	r.Advance(len(partial))

	_, _, err := ParseResult(r)
	assert.True(t, reqctx.IsIncomplete(err))
}
