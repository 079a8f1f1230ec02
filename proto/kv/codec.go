package kv

import (
	"io"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/proto"
	"github.com/resourcemesh/breeze/proto/memcache"
	"github.com/resourcemesh/breeze/reqctx"
)

// Codec adapts the Memcached-binary client protocol to a MySQL backend:
// the one dialect where the client and the backend speak entirely
// different wire protocols, grounded in the original's endpoint/src/kv
// translation layer. Client-facing framing (parsing requests, writing
// responses, building writebacks) is delegated to memcache.Binary
// unchanged; this type only intercepts the point between request parsing
// and backend dispatch, where a Memcached frame becomes a SQL statement,
// and the point between backend parsing and client completion, where a
// MySQL reply becomes a synthesized Memcached response.
type Codec struct {
	Strategy *Strategy
	Creds    Credentials
	client   memcache.Binary
}

// NewCodec builds a Codec that routes through strategy, authenticating new
// backend connections with creds (see Authenticate).
func NewCodec(strategy *Strategy, creds Credentials) *Codec {
	return &Codec{Strategy: strategy, Creds: creds}
}

func (c *Codec) Name() string { return "kv" }

// ParseRequest frames client requests exactly as Memcached binary does,
// then rewrites each forwardable request's Payload into the COM_QUERY
// packet BuildQuery derives from it. A request BuildQuery can't translate
// (malformed key, unsupported opcode) is answered locally instead of
// forwarded: its Payload is replaced with a pre-built error Response and
// NoForward is set, the same pattern proto/phantom uses for its own
// validation failures.
func (c *Codec) ParseRequest(stream *proto.Stream, hasher hash.Hasher, process proto.ProcessFunc) error {
	return c.client.ParseRequest(stream, hasher, func(req *reqctx.Request, last bool) error {
		if req.Flag.NoForward() {
			return process(req, last)
		}
		sql, err := c.Strategy.BuildQuery(req)
		if err != nil {
			errResp := BuildResponse(req, &Result{ErrMessage: "malformed key or unsupported command"})
			req.Payload = errResp.Payload
			req.Flag = req.Flag.With(reqctx.NoForward)
			return process(req, last)
		}
		req.Payload = mem.NewHeapGuard(BuildQueryPacket(sql))
		return process(req, last)
	})
}

// LocalResponse implements proto.LocalResponder: a request ParseRequest
// marked NoForward on a BuildQuery failure already carries its answer
// (a synthesized Memcached error frame) as Payload.
func (c *Codec) LocalResponse(req *reqctx.Request) *reqctx.Response {
	return &reqctx.Response{Payload: req.Payload, Flag: reqctx.Flag(0)}
}

// ParseResponse reads one MySQL query result off the backend stream and
// packs it into a placeholder Response whose Payload is Result's own
// internal encoding, not wire bytes a client could ever read; it only has
// to survive the trip to FinalizeResponse, called with the original
// Request immediately afterward by the same caller.
func (c *Codec) ParseResponse(stream *proto.Stream) (*reqctx.Response, error) {
	result, n, err := ParseResult(stream.Ring)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Ring.Take(n); err != nil {
		return nil, reqctx.Wrap(reqctx.KindIO, err)
	}
	flag := reqctx.Flag(0)
	if result.IsOK {
		flag = flag.With(reqctx.StatusOK)
	}
	return &reqctx.Response{Payload: mem.NewHeapGuard(encodeResult(result)), Flag: flag}, nil
}

// FinalizeResponse implements proto.ResponseFinalizer: raw's Payload is
// the Result ParseResponse encoded; req carries the op-code needed to
// synthesize the Memcached binary response the client is waiting for.
func (c *Codec) FinalizeResponse(req *reqctx.Request, raw *reqctx.Response) *reqctx.Response {
	result := decodeResult(raw.Payload.Bytes())
	return BuildResponse(req, result)
}

func (c *Codec) WriteResponse(w io.Writer, resp *reqctx.Response) error {
	return c.client.WriteResponse(w, resp)
}

func (c *Codec) WritePadding(w io.Writer, req *reqctx.Request) error {
	return c.client.WritePadding(w, req)
}

func (c *Codec) BuildWriteback(ctx *reqctx.Context, exp int) (*reqctx.Request, error) {
	return c.client.BuildWriteback(ctx, exp)
}
