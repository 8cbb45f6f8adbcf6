package store

import "time"

// producerDecision is the outcome of validating a producer triple against the
// stream's recorded state. Exactly one of the fields is meaningful per Err.
type producerDecision struct {
	Err          error
	Duplicate    bool
	NewEpoch     bool  // epoch advanced past the recorded one
	LastSeq      int64 // producer's last accepted seq after this decision
	CurrentEpoch int64 // set when Err == ErrStaleEpoch
	ExpectedSeq  int64 // set when Err == ErrProducerSeqGap
	ReceivedSeq  int64 // set when Err == ErrProducerSeqGap
}

// validateProducer applies the idempotent-producer rules without mutating
// anything. state is nil for a producer this stream has never seen.
//
// Rules, in order:
//   - unknown producer must start at seq 0, otherwise it is a gap with
//     expected 0
//   - an epoch behind the recorded one is stale
//   - an epoch ahead of the recorded one must restart at seq 0
//   - within the current epoch, seq <= lastSeq replays as a duplicate,
//     lastSeq+1 is accepted, anything further ahead is a gap
func validateProducer(state *ProducerState, epoch, seq int64) producerDecision {
	if state == nil {
		if seq != 0 {
			return producerDecision{Err: ErrProducerSeqGap, ExpectedSeq: 0, ReceivedSeq: seq}
		}
		return producerDecision{NewEpoch: true, LastSeq: 0}
	}
	if epoch < state.Epoch {
		return producerDecision{Err: ErrStaleEpoch, CurrentEpoch: state.Epoch}
	}
	if epoch > state.Epoch {
		if seq != 0 {
			return producerDecision{Err: ErrInvalidEpochSeq}
		}
		return producerDecision{NewEpoch: true, LastSeq: 0}
	}
	if seq <= state.LastSeq {
		return producerDecision{Duplicate: true, LastSeq: state.LastSeq}
	}
	if seq == state.LastSeq+1 {
		return producerDecision{LastSeq: seq}
	}
	return producerDecision{Err: ErrProducerSeqGap, ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq}
}

// pruneProducers drops producer records idle longer than ProducerTTL. Called
// with the stream lock held, on the append path. Returns true if anything was
// removed.
func pruneProducers(producers map[string]*ProducerState, now time.Time) bool {
	cutoff := now.Add(-ProducerTTL).UnixMilli()
	changed := false
	for id, st := range producers {
		if st.LastUpdated < cutoff {
			delete(producers, id)
			changed = true
		}
	}
	return changed
}
