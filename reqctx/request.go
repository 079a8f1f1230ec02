package reqctx

import "github.com/resourcemesh/breeze/mem"

// Op classifies a request for routing purposes.
type Op int

const (
	OpGet Op = iota
	OpMGet
	OpGets
	OpStore
	OpMeta
	OpOther
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpMGet:
		return "mget"
	case OpGets:
		return "gets"
	case OpStore:
		return "store"
	case OpMeta:
		return "meta"
	default:
		return "other"
	}
}

// Status is an in-process (never encoded) classification of a completed
// request, used by topology's try-next/writeback decisions. Grounded in the
// original's metrics/src/types/status.rs.
type Status int

const (
	StatusUnknown Status = iota
	StatusHit
	StatusMiss
	StatusError
	StatusTimeout
)

// Request: a framed request plus its routing
// hash and protocol metadata.
type Request struct {
	Payload *mem.MemGuard
	Hash    int64
	Flag    Flag
	OpCode  uint32
	Op      Op
}

// SentOnly reports whether this request expects no response.
func (r *Request) SentOnly() bool { return r.Flag.SentOnly() }

// Response: a framed protocol response.
type Response struct {
	Payload *mem.MemGuard
	Flag    Flag
}

// OK reports protocol-level success.
func (r *Response) OK() bool { return r.Flag.Has(StatusOK) }
