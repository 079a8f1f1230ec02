// Package proto defines the streaming protocol codec interface shared by
// every wire protocol, the per-connection Stream state a
// codec parses from, and the small per-command metadata table shape each
// protocol package instantiates.
package proto

import (
	"io"
	"net"

	"github.com/resourcemesh/breeze/hash"
	"github.com/resourcemesh/breeze/mem"
	"github.com/resourcemesh/breeze/reqctx"
)

// ProcessFunc is invoked once per framed (sub-)request. last is true on the
// final split of a multi-key client request (or always true for
// single-key requests).
type ProcessFunc func(req *reqctx.Request, last bool) error

// Codec is the per-protocol streaming parser and response matcher
//.
type Codec interface {
	// Name identifies the protocol for logging/metrics.
	Name() string

	// ParseRequest reads as many complete requests as are currently
	// framable from stream, invoking process for each. It returns
	// reqctx.ErrIncomplete (via a *reqctx.Error of KindProtocolIncomplete)
	// when no further requests can be framed without more bytes, which is
	// not an error: it tells the reader loop to read more.
	ParseRequest(stream *Stream, hasher hash.Hasher, process ProcessFunc) error

	// ParseResponse reads one complete response from stream, or returns a
	// KindProtocolIncomplete error if more bytes are needed.
	ParseResponse(stream *Stream) (*reqctx.Response, error)

	// WriteResponse writes resp to w in the protocol's wire form.
	WriteResponse(w io.Writer, resp *reqctx.Response) error

	// WritePadding writes the protocol-appropriate placeholder response
	// for req when no real response is available (all replicas failed,
	// or a sent_only slot in a collated multi-key reply).
	WritePadding(w io.Writer, req *reqctx.Request) error

	// BuildWriteback synthesizes a Store request against a higher cache
	// tier from a completed context that missed there and hit lower,
	// with expiration exp seconds.
	BuildWriteback(ctx *reqctx.Context, exp int) (*reqctx.Request, error)
}

// Stream bundles the ring buffer a codec parses from with the small bits
// of per-connection parser state that outlive a single request: the
// Redis "reserved_hash" side channel and a sticky "master_only" flag
//.
type Stream struct {
	Ring *mem.Ring

	// ReservedHash is a one-shot sticky hash set by a hashkey side-channel
	// command (e.g. hashrandomq), consumed by the very next command, then
	// cleared).
	ReservedHash    int64
	HasReservedHash bool

	// MasterOnly survives exactly one following command once set by a
	// sticky command (e.g. Redis "master").
	MasterOnly bool
}

// LocalResponder is an optional Codec extension for protocols that can
// answer a NoForward request (a meta command, or a validation failure
// such as Phantom's out-of-range key sentinels) without reaching a
// backend at all. The pipeline type-asserts for this interface when it
// sees Request.Flag.NoForward() and no backend round trip occurred.
type LocalResponder interface {
	LocalResponse(req *reqctx.Request) *reqctx.Response
}

// ResponseCollator is an optional Codec extension for protocols whose
// multi-key reply needs more than concatenating each sub-response's raw
// payload in order (e.g. a framing that must declare the member count up
// front). Protocols that don't implement it get the pipeline's default
// behavior: write each member's response (or padding) back to back.
type ResponseCollator interface {
	CollateResponses(reqs []*reqctx.Request, resps []*reqctx.Response) *reqctx.Response
}

// ResponseFinalizer is an optional Codec extension for protocols whose
// ParseResponse result isn't yet the client's wire format — the KV-over-
// MySQL dialect parses a MySQL reply packet that says nothing about which
// Memcached opcode to answer with, so it needs the original Request back
// before it can synthesize the client-facing Response. Codecs that answer
// in their own client wire format directly (every ordinary backend, which
// simply echoes the same protocol it was asked in) don't implement this.
type ResponseFinalizer interface {
	FinalizeResponse(req *reqctx.Request, raw *reqctx.Response) *reqctx.Response
}

// Authenticator is an optional Codec extension for protocols whose backend
// connection must complete a handshake before the normal send/read loop
// begins — the KV-over-MySQL dialect's server greeting and scrambled-
// password auth response. endpoint.run calls Authenticate once,
// immediately after a successful dial, before serve starts
// sendLoop/readLoop.
type Authenticator interface {
	Authenticate(conn net.Conn) error
}

// NewStream wraps a Ring for protocol parsing.
func NewStream(r *mem.Ring) *Stream { return &Stream{Ring: r} }

// TakeReservedHash consumes and clears the sticky hash, if any.
func (s *Stream) TakeReservedHash() (int64, bool) {
	if !s.HasReservedHash {
		return 0, false
	}
	h := s.ReservedHash
	s.HasReservedHash = false
	return h, true
}

// SetReservedHash arms the one-shot sticky hash side-channel.
func (s *Stream) SetReservedHash(h int64) {
	s.ReservedHash = h
	s.HasReservedHash = true
}

// TakeMasterOnly consumes and clears the sticky master-only flag.
func (s *Stream) TakeMasterOnly() bool {
	v := s.MasterOnly
	s.MasterOnly = false
	return v
}
