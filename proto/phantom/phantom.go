// Package phantom implements the Phantom Bloom-filter service codec: a
// Redis-framed protocol restricted to a small command set, with numeric-key
// validation in place of Redis's free-form keys.
package phantom

import (
	"io"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/proto/respframe"
	"github.com/resourcemesh/breeze/reqctx"
)

var _ proto.ResponseCollator = Phantom{}

// sentinel reply values for key-validation failures: a
// non-numeric key answers -2, a key below the configured minimum answers
// -1, both without ever reaching a backend.
const (
	sentinelNonNumeric = -2
	sentinelBelowMin   = -1
)

type entry struct {
	op        reqctx.Op
	multi     bool
	noForward bool
}

var table = map[string]entry{
	"bfget":   {op: reqctx.OpGet},
	"bfset":   {op: reqctx.OpStore},
	"bfmget":  {op: reqctx.OpMGet, multi: true},
	"bfmset":  {op: reqctx.OpStore, multi: true},
	"ping":    {op: reqctx.OpMeta, noForward: true},
	"select":  {op: reqctx.OpMeta, noForward: true},
	"hello":   {op: reqctx.OpMeta, noForward: true},
	"quit":    {op: reqctx.OpMeta, noForward: true},
}

// Phantom is the Bloom-filter service codec. MinKey is the smallest
// accepted numeric key (inclusive); keys below it are answered locally
// with the sentinelBelowMin reply.
type Phantom struct {
	MinKey uint64
}

var _ proto.Codec = Phantom{}
var _ proto.LocalResponder = Phantom{}

func (Phantom) Name() string { return "phantom" }

func (p Phantom) ParseRequest(stream *proto.Stream, hasher hash.Hasher, process proto.ProcessFunc) error {
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

		if ent.multi {
			if err := p.splitMulti(hasher, cmd, fields, process); err != nil {
				return err
			}
			continue
		}

		if err := p.dispatchSingle(hasher, ent, fields, process); err != nil {
			return err
		}
	}
}

// dispatchSingle validates fields[1] as the key and either forwards a
// routed request or answers a validation sentinel locally.
func (p Phantom) dispatchSingle(hasher hash.Hasher, ent entry, fields [][]byte, process proto.ProcessFunc) error {
	if len(fields) < 2 {
		return reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	key := fields[1]
	sentinel, ok := p.validateKey(key)
	if !ok {
		req := &reqctx.Request{
			Payload: mem.NewHeapGuard(sentinelReply(sentinel)),
			Flag:    reqctx.Flag(0).With(reqctx.NoForward),
			Op:      reqctx.OpMeta,
		}
		return process(req, true)
	}
	req := &reqctx.Request{
		Payload: mem.NewHeapGuard(respframe.EncodeArray(fields)),
		Hash:    hasher.Hash(key),
		Op:      ent.op,
	}
	return process(req, true)
}

func (p Phantom) splitMulti(hasher hash.Hasher, cmd string, fields [][]byte, process proto.ProcessFunc) error {
	step := 1
	if cmd == "bfmset" {
		step = 2
	}
	args := fields[1:]
	if len(args)%step != 0 || len(args) == 0 {
		return reqctx.New(reqctx.KindRequestProtocolInvalid)
	}
	count := len(args) / step
	for i := 0; i < count; i++ {
		key := args[i*step]
		last := i == count-1
		flag := reqctx.Flag(0)
		if i == 0 {
			flag = flag.With(reqctx.MkeyFirst)
		}
		if last {
			flag = flag.With(reqctx.MkeyLast)
		}

		sentinel, ok := p.validateKey(key)
		if !ok {
			req := &reqctx.Request{
				Payload: mem.NewHeapGuard(sentinelReply(sentinel)),
				Flag:    flag.With(reqctx.NoForward),
				Op:      reqctx.OpMeta,
			}
			if err := process(req, last); err != nil {
				return err
			}
			continue
		}

		var sub [][]byte
		if step == 2 {
			sub = [][]byte{fields[0], key, args[i*step+1]}
		} else {
			sub = [][]byte{fields[0], key}
		}
		op := reqctx.OpGet
		if step == 2 {
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

// validateKey parses key as an unsigned decimal integer and checks it
// against MinKey. ok is false when the key should be answered with a
// sentinel instead of forwarded; sentinel then holds which one.
func (p Phantom) validateKey(key []byte) (sentinel int, ok bool) {
	n, isNum := parseUint(key)
	if !isNum {
		return sentinelNonNumeric, false
	}
	if n < p.MinKey {
		return sentinelBelowMin, false
	}
	return 0, true
}

func parseUint(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}

func sentinelReply(n int) []byte {
	if n < 0 {
		return []byte(":-" + itoa(-n) + "\r\n")
	}
	return []byte(":" + itoa(n) + "\r\n")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (Phantom) ParseResponse(stream *proto.Stream) (*reqctx.Response, error) {
	s := stream.Ring.Slice()
	if s.Len() < 1 {
		return nil, reqctx.ErrIncomplete
	}
	if s.At(0) != ':' {
		return nil, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
	lineEnd := s.IndexByte(1, '\n')
	if lineEnd < 0 {
		return nil, reqctx.ErrIncomplete
	}
	g, err := s.Take(lineEnd + 1)
	if err != nil {
		return nil, reqctx.Wrap(reqctx.KindIO, err)
	}
	return &reqctx.Response{Payload: g, Flag: reqctx.Flag(0).With(reqctx.StatusOK)}, nil
}

func (Phantom) WriteResponse(w io.Writer, resp *reqctx.Response) error {
	if resp == nil || resp.Payload == nil {
		return nil
	}
	_, err := w.Write(resp.Payload.Bytes())
	return err
}

func (Phantom) WritePadding(w io.Writer, req *reqctx.Request) error {
	if req.Flag.SentOnly() {
		return nil
	}
	_, err := w.Write(phantomPadding())
	return err
}

func phantomPadding() []byte { return []byte(":0\r\n") }

// CollateResponses implements proto.ResponseCollator: bfmget/bfmset split
// into one sub-request per key the same way Redis's mget/mset does, and a
// client issuing one bfmget expects back one top-level RESP2 array of
// integer replies, not N concatenated top-level integers.
func (Phantom) CollateResponses(reqs []*reqctx.Request, resps []*reqctx.Response) *reqctx.Response {
	members := make([][]byte, 0, len(reqs))
	for i, req := range reqs {
		if req.Flag.SentOnly() {
			continue
		}
		resp := resps[i]
		if resp == nil || resp.Payload == nil {
			members = append(members, phantomPadding())
			continue
		}
		members = append(members, resp.Payload.Bytes())
	}

	out := make([]byte, 0, 16)
	out = append(out, '*')
	out = append(out, []byte(itoa(len(members)))...)
	out = append(out, '\r', '\n')
	for _, m := range members {
		out = append(out, m...)
	}
	return &reqctx.Response{Payload: mem.NewHeapGuard(out), Flag: reqctx.Flag(0).With(reqctx.StatusOK)}
}

// BuildWriteback is a no-op for Phantom: there is no higher-tier cache to
// promote a Bloom-filter hit into, since this protocol has no layered
// tiers.
func (Phantom) BuildWriteback(ctx *reqctx.Context, exp int) (*reqctx.Request, error) {
	return nil, reqctx.New(reqctx.KindNoResponseFound)
}

// LocalResponse implements proto.LocalResponder: meta commands answer a
// canned reply, and key-validation sentinels are already encoded as the
// request's own Payload by ParseRequest.
func (Phantom) LocalResponse(req *reqctx.Request) *reqctx.Response {
	if req.Payload != nil {
		return &reqctx.Response{Payload: req.Payload, Flag: reqctx.Flag(0).With(reqctx.StatusOK)}
	}
	return &reqctx.Response{Payload: mem.NewHeapGuard([]byte("+OK\r\n")), Flag: reqctx.Flag(0).With(reqctx.StatusOK)}
}
