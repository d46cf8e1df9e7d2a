package durablestore

import "errors"

// Error taxonomy for the protocol-semantics layer (spec §4.3, §7), mapped to
// HTTP status codes one layer up in internal/protocol.
var (
	ErrStreamNotFound      = errors.New("durablestore: stream not found")
	ErrStreamExists        = errors.New("durablestore: stream already exists with different configuration")
	ErrContentTypeMismatch = errors.New("durablestore: content type mismatch")
	ErrEmptyBody           = errors.New("durablestore: empty body not allowed")
	ErrEmptyJSONArray      = errors.New("durablestore: empty JSON array not allowed")
	ErrInvalidJSON         = errors.New("durablestore: invalid JSON")
	ErrStreamClosed        = errors.New("durablestore: stream is closed")
	ErrSequenceConflict    = errors.New("durablestore: sequence number conflict")
	ErrReservedPath        = errors.New("durablestore: path is reserved for the control plane")

	ErrStaleEpoch      = errors.New("durablestore: producer epoch is stale")
	ErrInvalidEpochSeq = errors.New("durablestore: new epoch must start at sequence 0")
	ErrProducerSeqGap  = errors.New("durablestore: producer sequence gap detected")
	ErrPartialProducer = errors.New("durablestore: all producer headers must be provided together")
)
