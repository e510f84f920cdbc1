package protocol

import "testing"

func TestSequenceTracker_AcceptsFirstAndConsecutive(t *testing.T) {
	var tr SequenceTracker

	r := tr.Ingest(3)
	if r.Kind != Accepted {
		t.Fatalf("Ingest(3) kind = %v, want Accepted", r.Kind)
	}
	if last, ok := tr.LastSeen(); !ok || last != 3 {
		t.Fatalf("LastSeen = %d, %v, want 3, true", last, ok)
	}

	r = tr.Ingest(4)
	if r.Kind != Accepted {
		t.Fatalf("Ingest(4) kind = %v, want Accepted", r.Kind)
	}
	if last, _ := tr.LastSeen(); last != 4 {
		t.Fatalf("LastSeen = %d, want 4", last)
	}
}

func TestSequenceTracker_StaleDoesNotAdvance(t *testing.T) {
	var tr SequenceTracker
	tr.Ingest(3)
	tr.Ingest(4)

	r := tr.Ingest(2)
	if r.Kind != Stale {
		t.Fatalf("Ingest(2) kind = %v, want Stale", r.Kind)
	}
	if r.ExpectedNext != 5 {
		t.Errorf("ExpectedNext = %d, want 5", r.ExpectedNext)
	}
	if last, _ := tr.LastSeen(); last != 4 {
		t.Errorf("LastSeen = %d, want 4 (unchanged)", last)
	}
}

func TestSequenceTracker_GapFreezesUntilResync(t *testing.T) {
	var tr SequenceTracker
	tr.Ingest(3)
	tr.Ingest(4)

	r := tr.Ingest(9)
	if r.Kind != GapDetected {
		t.Fatalf("Ingest(9) kind = %v, want GapDetected", r.Kind)
	}
	if r.ExpectedNext != 5 || r.Received != 9 {
		t.Errorf("gap = (%d, %d), want (5, 9)", r.ExpectedNext, r.Received)
	}
	if last, _ := tr.LastSeen(); last != 4 {
		t.Errorf("LastSeen = %d, want 4 (frozen)", last)
	}

	// Frozen: even the next consecutive number keeps reporting a gap
	// against the same baseline.
	r = tr.Ingest(5)
	if r.Kind != GapDetected {
		t.Fatalf("Ingest(5) while frozen kind = %v, want GapDetected", r.Kind)
	}
	if r.ExpectedNext != 5 {
		t.Errorf("ExpectedNext = %d, want 5", r.ExpectedNext)
	}

	tr.Resync(12)
	if last, _ := tr.LastSeen(); last != 12 {
		t.Fatalf("LastSeen after Resync = %d, want 12", last)
	}
	r = tr.Ingest(13)
	if r.Kind != Accepted {
		t.Fatalf("Ingest(13) after Resync kind = %v, want Accepted", r.Kind)
	}
}

func TestSequenceTracker_IgnoresInvalid(t *testing.T) {
	var tr SequenceTracker
	for _, seq := range []int64{0, -1, -100} {
		r := tr.Ingest(seq)
		if r.Kind != Ignored {
			t.Errorf("Ingest(%d) kind = %v, want Ignored", seq, r.Kind)
		}
	}
	if _, ok := tr.LastSeen(); ok {
		t.Error("invalid input should not initialize the tracker")
	}
}

func TestCommandPayload_Valid(t *testing.T) {
	valid := []string{
		CommandSendMessage, CommandSelectProject, CommandSelectThread,
		CommandNewThread, CommandInterruptTurn, CommandApproveRequest,
		CommandDenyRequest,
	}
	for _, name := range valid {
		c := &CommandPayload{Name: name}
		if !c.Valid() {
			t.Errorf("Valid(%q) = false", name)
		}
	}
	for _, name := range []string{"", "shutdown", "SEND_MESSAGE"} {
		c := &CommandPayload{Name: name}
		if c.Valid() {
			t.Errorf("Valid(%q) = true", name)
		}
	}
	var nilCmd *CommandPayload
	if nilCmd.Valid() {
		t.Error("nil command should not be valid")
	}
}
