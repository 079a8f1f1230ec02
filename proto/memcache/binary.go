// Package memcache implements the Memcached binary and text streaming
// codecs.
package memcache

import (
	"io"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/reqctx"
)

// Binary opcodes, RFC-compatible subset.
const (
	OpGet       uint32 = 0x00
	OpSet       uint32 = 0x01
	OpAdd       uint32 = 0x02
	OpReplace   uint32 = 0x03
	OpDelete    uint32 = 0x04
	OpIncrement uint32 = 0x05
	OpDecrement uint32 = 0x06
	OpQuit      uint32 = 0x07
	OpGetQ      uint32 = 0x09
	OpNoop      uint32 = 0x0a
	OpVersion   uint32 = 0x0b
	OpGetK      uint32 = 0x0c
	OpGetKQ     uint32 = 0x0d
	OpAppend    uint32 = 0x0e
	OpPrepend   uint32 = 0x0f
	OpStat      uint32 = 0x10
)

const (
	reqMagic byte = 0x80
	rspMagic byte = 0x81
	hdrLen        = 24
)

// binaryTable maps the non-quiet canonical opcode (quiet variants are
// folded onto it with Quiet set) to its CommandInfo.
var binaryTable = proto.Table{
	OpGet:       {Name: "get", Op: reqctx.OpGet},
	OpSet:       {Name: "set", Op: reqctx.OpStore},
	OpAdd:       {Name: "add", Op: reqctx.OpStore},
	OpReplace:   {Name: "replace", Op: reqctx.OpStore},
	OpDelete:    {Name: "delete", Op: reqctx.OpStore},
	OpIncrement: {Name: "incr", Op: reqctx.OpStore},
	OpDecrement: {Name: "decr", Op: reqctx.OpStore},
	OpAppend:    {Name: "append", Op: reqctx.OpStore},
	OpPrepend:   {Name: "prepend", Op: reqctx.OpStore},
	OpNoop:      {Name: "noop", Op: reqctx.OpMeta, NoForward: true},
	OpVersion:   {Name: "version", Op: reqctx.OpMeta, NoForward: true},
	OpStat:      {Name: "stat", Op: reqctx.OpMeta, NoForward: true},
	OpQuit:      {Name: "quit", Op: reqctx.OpMeta, NoForward: true, Quit: true},
	OpGetK:      {Name: "getk", Op: reqctx.OpGet},
}

// Binary is the Memcached binary protocol codec.
type Binary struct{}

func (Binary) Name() string { return "memcache-binary" }

// ParseRequest frames one 24-byte header + extras + key + value request at
// a time; quiet opcodes (GETQ/GETKQ) are folded to their non-quiet
// counterpart with reqctx.Quiet set so the pipeline suppresses the
// response write on a miss.
func (Binary) ParseRequest(stream *proto.Stream, hasher hash.Hasher, process proto.ProcessFunc) error {
	for {
		s := stream.Ring.Slice()
		if s.Len() < hdrLen {
			return reqctx.ErrIncomplete
		}
		if s.U8(0) != reqMagic {
			return reqctx.New(reqctx.KindRequestProtocolInvalid)
		}
		opcode := uint32(s.U8(1))
		keyLen := int(s.U16BE(2))
		extraLen := int(s.U8(4))
		bodyLen := int(s.U32BE(8))
		total := hdrLen + bodyLen

		if s.Len() < total {
			return reqctx.ErrIncomplete
		}

		quiet := opcode == OpGetQ || opcode == OpGetKQ
		canonical := opcode
		if opcode == OpGetQ {
			canonical = OpGet
		} else if opcode == OpGetKQ {
			canonical = OpGetK
		}

		ci, ok := binaryTable[canonical]
		if !ok {
			return reqctx.New(reqctx.KindRequestProtocolInvalid)
		}

		keyStart := hdrLen + extraLen
		keyEnd := keyStart + keyLen
		keyBytes := s.Sub(keyStart, keyEnd).Bytes()

		g, err := s.Take(total)
		if err != nil {
			return reqctx.Wrap(reqctx.KindIO, err)
		}

		var h int64
		if !ci.NoForward {
			h = hasher.Hash(keyBytes)
		}

		flag := reqctx.Flag(0)
		if quiet {
			flag = flag.With(reqctx.Quiet).With(reqctx.SentOnly)
		}
		if ci.NoForward {
			flag = flag.With(reqctx.NoForward)
		}

		req := &reqctx.Request{
			Payload: g,
			Hash:    h,
			Flag:    flag,
			OpCode:  canonical,
			Op:      ci.Op,
		}
		if err := process(req, true); err != nil {
			return err
		}
		if ci.Quit {
			return reqctx.New(reqctx.KindQuit)
		}
	}
}

// ParseResponse frames one response from a backend connection.
func (Binary) ParseResponse(stream *proto.Stream) (*reqctx.Response, error) {
	s := stream.Ring.Slice()
	if s.Len() < hdrLen {
		return nil, reqctx.ErrIncomplete
	}
	if s.U8(0) != rspMagic {
		return nil, reqctx.New(reqctx.KindResponseProtocolInvalid)
	}
	status := s.U16BE(6)
	bodyLen := int(s.U32BE(8))
	total := hdrLen + bodyLen
	if s.Len() < total {
		return nil, reqctx.ErrIncomplete
	}
	g, err := s.Take(total)
	if err != nil {
		return nil, reqctx.Wrap(reqctx.KindIO, err)
	}
	flag := reqctx.Flag(0)
	if status == 0 {
		flag = flag.With(reqctx.StatusOK)
	}
	return &reqctx.Response{Payload: g, Flag: flag}, nil
}

func (Binary) WriteResponse(w io.Writer, resp *reqctx.Response) error {
	if resp == nil || resp.Payload == nil {
		return nil
	}
	_, err := w.Write(resp.Payload.Bytes())
	return err
}

// WritePadding writes the fixed 24-byte "ok, no body" response used as the
// placeholder for Noop and other requests with no response; a sent-only
// request (which includes every quiet get) gets no bytes at all.
func (Binary) WritePadding(w io.Writer, req *reqctx.Request) error {
	if req.Flag.SentOnly() {
		return nil // quiet miss: no bytes at all
	}
	hdr := make([]byte, hdrLen)
	hdr[0] = rspMagic
	hdr[1] = byte(req.OpCode)
	_, err := w.Write(hdr)
	return err
}

func (Binary) BuildWriteback(ctx *reqctx.Context, exp int) (*reqctx.Request, error) {
	return buildWritebackBinary(ctx, exp)
}
