package protocol

// IngestKind classifies a sequence number relative to what a receiver has
// already seen on one connection.
type IngestKind int

const (
	// Ignored: the input is not a valid sequence number (seq < 1).
	Ignored IngestKind = iota
	// Accepted: first sequence ever, or exactly lastSeen+1.
	Accepted
	// Stale: duplicate or out-of-order delivery; drop silently.
	Stale
	// GapDetected: one or more frames were missed; the caller must fetch a
	// snapshot and call Resync before the tracker advances again.
	GapDetected
)

// IngestResult is the classification of one sequence number.
type IngestResult struct {
	Kind         IngestKind
	ExpectedNext int64 // set for Stale and GapDetected
	Received     int64
}

// SequenceTracker classifies per-sender sequence numbers on one connection.
// The relay offers no stronger than at-most-once delivery per physical
// connection, so gaps are expected on reconnect; repair is an explicit
// snapshot re-fetch, not silent buffering.
//
// On a gap the tracker freezes: lastSeen stops advancing until Resync is
// called with the snapshot's baseline. Not safe for concurrent use; owned
// by a single reader goroutine.
type SequenceTracker struct {
	lastSeen int64
	seen     bool
	frozen   bool
}

// Ingest classifies seq and advances the tracker on acceptance.
func (t *SequenceTracker) Ingest(seq int64) IngestResult {
	if seq < 1 {
		return IngestResult{Kind: Ignored, Received: seq}
	}
	if !t.seen {
		t.seen = true
		t.lastSeen = seq
		return IngestResult{Kind: Accepted, Received: seq}
	}
	next := t.lastSeen + 1
	switch {
	case seq <= t.lastSeen:
		return IngestResult{Kind: Stale, ExpectedNext: next, Received: seq}
	case seq == next && !t.frozen:
		t.lastSeen = seq
		return IngestResult{Kind: Accepted, Received: seq}
	default:
		t.frozen = true
		return IngestResult{Kind: GapDetected, ExpectedNext: next, Received: seq}
	}
}

// LastSeen returns the highest accepted sequence number and whether any
// sequence has been accepted yet.
func (t *SequenceTracker) LastSeen() (int64, bool) {
	return t.lastSeen, t.seen
}

// Resync rebases the tracker on a snapshot's sequence baseline and unfreezes
// it. Called after the snapshot requested for a detected gap has been applied.
func (t *SequenceTracker) Resync(baseline int64) {
	t.lastSeen = baseline
	t.seen = true
	t.frozen = false
}
