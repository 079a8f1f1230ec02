package reqctx

// Flag packs per-request status and protocol bits into a single uint64,
// mirroring the original's protocol/src/flag.rs layout: a
// struct-of-bools would cost one field per bit and make the "copy flags
// from request to derived sub-request" operations (multi-key splitting,
// writeback synthesis) error-prone field-by-field copies instead of a
// single mask-and-merge.
type Flag uint64

const (
	// StatusOK marks protocol-level success of a completed response.
	StatusOK Flag = 1 << iota
	// SentOnly marks a request that does not expect a response (e.g. a
	// Memcached "noreply" set, or a non-authoritative replication copy).
	SentOnly
	// NoForward marks a request answered locally without reaching a
	// backend (protocol meta commands: ping, version, hello, select 0).
	NoForward
	// RetryNextType marks a cache-miss response eligible for promotion to
	// the next topology layer.
	RetryNextType
	// MkeyFirst marks the first sub-request produced by splitting a
	// multi-key command.
	MkeyFirst
	// MkeyLast marks the final sub-request produced by splitting a
	// multi-key command.
	MkeyLast
	// ReservedHash marks a request that set a sticky hash side-channel
	// consumed by the next command on the same connection (Redis
	// hashrandomq-style commands).
	ReservedHash
	// MasterOnly marks a request forced to the master tier by a sticky
	// preceding command (Redis "master").
	MasterOnly
	// Quiet marks a Memcached binary quiet-opcode request whose miss
	// response is suppressed (GETQ/GETKQ folded to GET/GETK).
	Quiet
)

// Has reports whether all bits in mask are set.
func (f Flag) Has(mask Flag) bool { return f&mask == mask }

// With returns f with mask set.
func (f Flag) With(mask Flag) Flag { return f | mask }

// Without returns f with mask cleared.
func (f Flag) Without(mask Flag) Flag { return f &^ mask }

func (f Flag) SentOnly() bool      { return f.Has(SentOnly) }
func (f Flag) NoForward() bool     { return f.Has(NoForward) }
func (f Flag) RetryNext() bool     { return f.Has(RetryNextType) }
func (f Flag) MasterOnly() bool    { return f.Has(MasterOnly) }
func (f Flag) ReservedHash() bool  { return f.Has(ReservedHash) }
func (f Flag) MkeyFirstBit() bool  { return f.Has(MkeyFirst) }
func (f Flag) MkeyLastBit() bool   { return f.Has(MkeyLast) }

// PaddingRspIndex packs a small per-command padding-response index into the
// high byte of the flag word; 0 means "no padding table entry".
func (f Flag) PaddingRspIndex() uint8 { return uint8(f >> 56) }

// WithPaddingRspIndex returns f with the padding-response index set.
func (f Flag) WithPaddingRspIndex(idx uint8) Flag {
	return (f &^ (0xff << 56)) | Flag(idx)<<56
}
