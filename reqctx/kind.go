package reqctx

import (
	"fmt"
	"time"
)

// Kind is a taxonomy of the error conditions a codec or the pipeline can
// raise. ProtocolIncomplete is not truly an error: it tells the reader loop that
// more bytes are needed before a frame can be completed.
type Kind int

const (
	_ Kind = iota
	KindProtocolIncomplete
	KindRequestProtocolInvalid
	KindResponseProtocolInvalid
	KindFlushOnClose
	KindQuit
	KindReadEOF
	KindTimeout
	KindChanFull
	KindChanClosed
	KindChanDisabled
	KindAuthFailed
	KindWriteResponseErr
	KindNoResponseFound
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindProtocolIncomplete:
		return "protocol_incomplete"
	case KindRequestProtocolInvalid:
		return "request_protocol_invalid"
	case KindResponseProtocolInvalid:
		return "response_protocol_invalid"
	case KindFlushOnClose:
		return "flush_on_close"
	case KindQuit:
		return "quit"
	case KindReadEOF:
		return "read_eof"
	case KindTimeout:
		return "timeout"
	case KindChanFull:
		return "chan_full"
	case KindChanClosed:
		return "chan_closed"
	case KindChanDisabled:
		return "chan_disabled"
	case KindAuthFailed:
		return "auth_failed"
	case KindWriteResponseErr:
		return "write_response_err"
	case KindNoResponseFound:
		return "no_response_found"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind plus kind-specific
// payload (FlushOnClose's trailing bytes, Timeout's duration).
type Error struct {
	Kind     Kind
	Flush    []byte        // valid iff Kind == KindFlushOnClose
	Timeout  time.Duration // valid iff Kind == KindTimeout
	Wrapped  error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Wrapped)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, reqctx.New(reqctx.KindTimeout)) style matching:
// any *Error target matches when its Kind equals e.Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error) *Error { return &Error{Kind: kind, Wrapped: err} }

// NewTimeout constructs a KindTimeout error carrying the elapsed duration.
func NewTimeout(d time.Duration) *Error { return &Error{Kind: KindTimeout, Timeout: d} }

// NewFlushOnClose constructs a KindFlushOnClose error carrying the bytes to
// write before closing the connection.
func NewFlushOnClose(b []byte) *Error { return &Error{Kind: KindFlushOnClose, Flush: b} }

// IsIncomplete reports whether err signals "need more bytes", the
// not-actually-an-error sentinel parsers return from Option<T>-shaped reads.
func IsIncomplete(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindProtocolIncomplete
}

// ErrIncomplete is the shared sentinel for "need more bytes".
var ErrIncomplete = New(KindProtocolIncomplete)
