package durablestore

import (
	"time"

	"github.com/durable-streams/streamcore/internal/index"
)

// ProducerResult classifies the outcome of producer fencing validation
// (spec §4.3.1).
type ProducerResult int

const (
	ProducerResultNone ProducerResult = iota
	ProducerResultAccepted
	ProducerResultDuplicate
)

// ProducerHeaders carries the three idempotent-producer fields, which must
// be all present or all absent on a request (spec §4.3.1).
type ProducerHeaders struct {
	ID    string
	Epoch int64
	Seq   int64
}

// producerDecision is the outcome of validateProducer before any append is
// attempted; Commit, if non-nil, is written only after the append itself
// succeeds (spec §4.3.1: "commit happens only after the append succeeds").
type producerDecision struct {
	Result      ProducerResult
	CurrentSeq  int64 // LastSeq on duplicate/accepted
	CurrentEpoch int64 // on stale_epoch
	ExpectedSeq int64 // on sequence_gap
	ReceivedSeq int64 // on sequence_gap
	Commit      *index.ProducerRow
	Err         error
}

// validateProducer implements the decision table in spec §4.3.1. state is
// nil when no prior producer row exists.
func validateProducer(streamPath string, state *index.ProducerRow, h ProducerHeaders) producerDecision {
	if state == nil {
		if h.Seq != 0 {
			return producerDecision{
				Result:      ProducerResultNone,
				ExpectedSeq: 0,
				ReceivedSeq: h.Seq,
				Err:         ErrProducerSeqGap,
			}
		}
		return producerDecision{
			Result:     ProducerResultAccepted,
			CurrentSeq: 0,
			Commit: &index.ProducerRow{
				StreamPath: streamPath, ProducerID: h.ID, Epoch: h.Epoch, LastSeq: 0, LastUpdated: time.Now(),
			},
		}
	}

	if h.Epoch < state.Epoch {
		return producerDecision{
			Result:       ProducerResultNone,
			CurrentEpoch: state.Epoch,
			Err:          ErrStaleEpoch,
		}
	}

	if h.Epoch > state.Epoch {
		if h.Seq != 0 {
			return producerDecision{Result: ProducerResultNone, Err: ErrInvalidEpochSeq}
		}
		return producerDecision{
			Result:     ProducerResultAccepted,
			CurrentSeq: 0,
			Commit: &index.ProducerRow{
				StreamPath: streamPath, ProducerID: h.ID, Epoch: h.Epoch, LastSeq: 0, LastUpdated: time.Now(),
			},
		}
	}

	// h.Epoch == state.Epoch
	if h.Seq <= state.LastSeq {
		return producerDecision{Result: ProducerResultDuplicate, CurrentSeq: state.LastSeq}
	}
	if h.Seq == state.LastSeq+1 {
		return producerDecision{
			Result:     ProducerResultAccepted,
			CurrentSeq: h.Seq,
			Commit: &index.ProducerRow{
				StreamPath: streamPath, ProducerID: h.ID, Epoch: h.Epoch, LastSeq: h.Seq, LastUpdated: time.Now(),
			},
		}
	}
	return producerDecision{
		Result:      ProducerResultNone,
		ExpectedSeq: state.LastSeq + 1,
		ReceivedSeq: h.Seq,
		Err:         ErrProducerSeqGap,
	}
}
