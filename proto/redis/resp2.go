// Package redis implements the Redis RESP2 streaming codec.
package redis

import (
	"io"
	"strconv"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/proto/respframe"
	"github.com/resourcemesh/breeze/reqctx"
)

var _ proto.Codec = RESP2{}
var _ proto.ResponseCollator = RESP2{}

// entry classifies one RESP2 command for routing and splitting.
type entry struct {
	op          reqctx.Op
	multi       bool
	noForward   bool
	setsHashkey bool // e.g. hashrandomq: arms the reserved_hash side-channel
	sticky      bool // e.g. "master": arms master_only for the next command
}

var table = map[string]entry{
	"get":         {op: reqctx.OpGet},
	"set":         {op: reqctx.OpStore},
	"mget":        {op: reqctx.OpMGet, multi: true},
	"mset":        {op: reqctx.OpStore, multi: true},
	"del":         {op: reqctx.OpStore, multi: true},
	"exists":      {op: reqctx.OpGet, multi: true},
	"bfmget":      {op: reqctx.OpMGet, multi: true},
	"bfmset":      {op: reqctx.OpStore, multi: true},
	"ping":        {op: reqctx.OpMeta, noForward: true},
	"select":      {op: reqctx.OpMeta, noForward: true},
	"hello":       {op: reqctx.OpMeta, noForward: true},
	"quit":        {op: reqctx.OpMeta, noForward: true},
	"hashrandomq": {op: reqctx.OpMeta, noForward: true, setsHashkey: true},
	"master":      {op: reqctx.OpMeta, noForward: true, sticky: true},
}

// RESP2 is the Redis codec.
type RESP2 struct{}

func (RESP2) Name() string { return "redis-resp2" }

func (RESP2) ParseRequest(stream *proto.Stream, hasher hash.Hasher, process proto.ProcessFunc) error {
	for {
		s := stream.Ring.Slice()
		fields, total, err := respframe.ReadArray(s)
		if err != nil {
			return err
		}
		cmd := respframe.Lower(fields[0])
		ent, ok := table[cmd]
		if !ok {
			return reqctx.New(reqctx.KindRequestProtocolInvalid)
		}

		if _, err := s.Take(total); err != nil {
			return reqctx.Wrap(reqctx.KindIO, err)
		}

		if ent.setsHashkey {
			if len(fields) > 1 {
				stream.SetReservedHash(hasher.Hash(fields[1]))
			}
			req := &reqctx.Request{Flag: reqctx.Flag(0).With(reqctx.NoForward), Op: reqctx.OpMeta}
			if err := process(req, true); err != nil {
				return err
			}
			continue
		}
		if ent.sticky {
			stream.MasterOnly = true
			req := &reqctx.Request{Flag: reqctx.Flag(0).With(reqctx.NoForward), Op: reqctx.OpMeta}
			if err := process(req, true); err != nil {
				return err
			}
			continue
		}
		if ent.noForward {
			req := &reqctx.Request{Flag: reqctx.Flag(0).With(reqctx.NoForward), Op: reqctx.OpMeta}
			if err := process(req, true); err != nil {
				return err
			}
			if cmd == "quit" {
				return reqctx.New(reqctx.KindQuit)
			}
			continue
		}

		masterOnly := stream.TakeMasterOnly()
		if ent.multi {
			if err := splitMulti(hasher, cmd, fields, masterOnly, process); err != nil {
				return err
			}
			continue
		}

		h, hadReserved := stream.TakeReservedHash()
		if !hadReserved {
			h = hashForCommand(hasher, fields)
		}
		flag := reqctx.Flag(0)
		if masterOnly {
			flag = flag.With(reqctx.MasterOnly)
		}
		req := &reqctx.Request{
			Payload: mem.NewHeapGuard(respframe.EncodeArray(fields)),
			Hash:    h,
			Flag:    flag,
			Op:      ent.op,
		}
		if err := process(req, true); err != nil {
			return err
		}
	}
}

// hashForCommand extracts the key argument to hash: by convention the
// first argument after the command name.
func hashForCommand(hasher hash.Hasher, fields [][]byte) int64 {
	if len(fields) < 2 {
		return hasher.Hash(nil)
	}
	return hasher.Hash(fields[1])
}

// splitMulti splits a multi-key command into one sub-request per key,
// rewriting the bulk/array counts per split. mset/bfmset split key/value
// pairs (step 2); del/exists/mget/bfmget split one key per argument.
func splitMulti(hasher hash.Hasher, cmd string, fields [][]byte, masterOnly bool, process proto.ProcessFunc) error {
	step := 1
	if cmd == "mset" || cmd == "bfmset" {
		step = 2
	}
	args := fields[1:]
	if len(args)%step != 0 || len(args) == 0 {
		return reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	count := len(args) / step
	for i := 0; i < count; i++ {
		key := args[i*step]
		var sub [][]byte
		if step == 2 {
			sub = [][]byte{fields[0], key, args[i*step+1]}
		} else {
			sub = [][]byte{fields[0], key}
		}
		flag := reqctx.Flag(0)
		if i == 0 {
			flag = flag.With(reqctx.MkeyFirst)
		}
		last := i == count-1
		if last {
			flag = flag.With(reqctx.MkeyLast)
		}
		if masterOnly {
			flag = flag.With(reqctx.MasterOnly)
		}
		op := reqctx.OpGet
		if step == 2 || cmd == "del" {
			op = reqctx.OpStore
		}
		req := &reqctx.Request{
			Payload: mem.NewHeapGuard(respframe.EncodeArray(sub)),
			Hash:    hasher.Hash(key),
			Flag:    flag,
			Op:      op,
		}
		if err := process(req, last); err != nil {
			return err
		}
	}
	return nil
}

// ParseResponse reads one complete RESP2 reply: a simple string (+...),
// error (-...), integer (:...), bulk string ($L\r\n...\r\n or $-1\r\n for
// nil), or a top-level array (mget/bfmget collation).
func (RESP2) ParseResponse(stream *proto.Stream) (*reqctx.Response, error) {
	s := stream.Ring.Slice()
	if s.Len() < 1 {
		return nil, reqctx.ErrIncomplete
	}
	switch s.At(0) {
	case '+', '-', ':':
		lineEnd := s.IndexByte(1, '\n')
		if lineEnd < 0 {
			return nil, reqctx.ErrIncomplete
		}
		isErr := s.At(0) == '-'
		g, err := s.Take(lineEnd + 1)
		if err != nil {
			return nil, reqctx.Wrap(reqctx.KindIO, err)
		}
		flag := reqctx.Flag(0)
		if !isErr {
			flag = flag.With(reqctx.StatusOK)
		}
		return &reqctx.Response{Payload: g, Flag: flag}, nil
	case '$':
		return parseBulk(s)
	case '*':
		_, total, err := respframe.ReadArray(s)
		if err != nil {
			return nil, err
		}
		g, err := s.Take(total)
		if err != nil {
			return nil, reqctx.Wrap(reqctx.KindIO, err)
		}
		return &reqctx.Response{Payload: g, Flag: reqctx.Flag(0).With(reqctx.StatusOK)}, nil
	default:
		return nil, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
}

func parseBulk(s mem.RingSlice) (*reqctx.Response, error) {
	lineEnd := s.IndexByte(1, '\n')
	if lineEnd < 0 {
		return nil, reqctx.ErrIncomplete
	}
	n, err := bulkLen(respframe.TrimCRLF(s.Sub(1, lineEnd+1).Bytes()))
	if err != nil {
		return nil, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
	if n < 0 {
		g, err := s.Take(lineEnd + 1)
		if err != nil {
			return nil, reqctx.Wrap(reqctx.KindIO, err)
		}
		return &reqctx.Response{Payload: g, Flag: reqctx.Flag(0)}, nil // nil bulk: protocol-level miss
	}
	total := lineEnd + 1 + n + 2
	if s.Len() < total {
		return nil, reqctx.ErrIncomplete
	}
	g, err := s.Take(total)
	if err != nil {
		return nil, reqctx.Wrap(reqctx.KindIO, err)
	}
	return &reqctx.Response{Payload: g, Flag: reqctx.Flag(0).With(reqctx.StatusOK)}, nil
}

func bulkLen(b []byte) (int, error) {
	neg := false
	if len(b) > 0 && b[0] == '-' {
		neg = true
		b = b[1:]
	}
	if len(b) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, io.ErrUnexpectedEOF
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

func (RESP2) WriteResponse(w io.Writer, resp *reqctx.Response) error {
	if resp == nil || resp.Payload == nil {
		return nil
	}
	_, err := w.Write(resp.Payload.Bytes())
	return err
}

// WritePadding writes a nil bulk reply for a failed/missing get-like
// request, or a generic error line otherwise.
func (RESP2) WritePadding(w io.Writer, req *reqctx.Request) error {
	if req.Flag.SentOnly() {
		return nil
	}
	_, err := w.Write(respPadding(req))
	return err
}

// CollateResponses implements proto.ResponseCollator: a split mget/bfmget/
// del/exists/mset/bfmset group must answer as the single top-level RESP2
// array a client issuing one multi-key command expects, not as N
// concatenated top-level replies, so this wraps each member's reply (or
// its wire padding, for a member that never completed) in a declared-
// count array. sent_only members never reply and are skipped rather than
// padded; splitMulti itself marks no member sent_only.
func (RESP2) CollateResponses(reqs []*reqctx.Request, resps []*reqctx.Response) *reqctx.Response {
	members := make([][]byte, 0, len(reqs))
	for i, req := range reqs {
		if req.Flag.SentOnly() {
			continue
		}
		resp := resps[i]
		if resp == nil || resp.Payload == nil {
			members = append(members, respPadding(req))
			continue
		}
		members = append(members, resp.Payload.Bytes())
	}

	out := make([]byte, 0, 16)
	out = append(out, '*')
	out = append(out, []byte(strconv.Itoa(len(members)))...)
	out = append(out, '\r', '\n')
	for _, m := range members {
		out = append(out, m...)
	}
	return &reqctx.Response{Payload: mem.NewHeapGuard(out), Flag: reqctx.Flag(0).With(reqctx.StatusOK)}
}

// respPadding is WritePadding's per-member byte form, reused by
// CollateResponses to fill in for a group member with no response.
func respPadding(req *reqctx.Request) []byte {
	switch req.Op {
	case reqctx.OpGet, reqctx.OpMGet:
		return []byte("$-1\r\n")
	default:
		return []byte("-ERR backend unavailable\r\n")
	}
}

// BuildWriteback synthesizes a "SET key value" request from a completed
// lower-tier hit, for promotion to a higher cache tier.
func (RESP2) BuildWriteback(ctx *reqctx.Context, exp int) (*reqctx.Request, error) {
	if ctx.Request == nil || ctx.Response == nil || ctx.Response.Payload == nil {
		return nil, reqctx.New(reqctx.KindNoResponseFound)
	}
	fields, _, err := respframe.ReadArray(respframe.NewByteSlice(ctx.Request.Payload.Bytes()))
	if err != nil || len(fields) < 2 {
		return nil, reqctx.New(reqctx.KindNoResponseFound)
	}
	key := fields[1]
	val, ok := respframe.ExtractBulk(ctx.Response.Payload.Bytes())
	if !ok {
		return nil, reqctx.New(reqctx.KindNoResponseFound)
	}
	out := respframe.EncodeArray([][]byte{[]byte("SET"), key, val})
	return &reqctx.Request{
		Payload: mem.NewHeapGuard(out),
		Hash:    ctx.Request.Hash,
		Flag:    reqctx.Flag(0).With(reqctx.SentOnly),
		Op:      reqctx.OpStore,
	}, nil
}
