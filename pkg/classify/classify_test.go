package classify

import "testing"

func TestAdvanceAppliesOnlyUpToTimestamp(t *testing.T) {
	tr := NewTracker()
	tr.Set(1, Metadata{Label: "calibration"}, 100)
	tr.Set(1, Metadata{Label: "physics"}, 200)

	tr.Advance(150)
	meta, ok := tr.Get(1)
	if !ok || meta.Label != "calibration" {
		t.Fatalf("expected calibration metadata at timestamp 150, got %+v", meta)
	}

	tr.Advance(200)
	meta, ok = tr.Get(1)
	if !ok || meta.Label != "physics" {
		t.Fatalf("expected physics metadata at timestamp 200, got %+v", meta)
	}
}

func TestRetirePreservesLastMetadata(t *testing.T) {
	tr := NewTracker()
	tr.Set(2, Metadata{Label: "physics", Active: true}, 10)
	tr.Retire(2, 20)
	tr.Advance(20)

	meta, ok := tr.Get(2)
	if !ok {
		t.Fatal("expected metadata to remain after retirement")
	}
	if meta.Active {
		t.Fatal("expected source marked inactive after retirement")
	}
	if meta.Label != "physics" {
		t.Fatalf("expected label preserved across retirement, got %q", meta.Label)
	}
}

func TestResetClearsState(t *testing.T) {
	tr := NewTracker()
	tr.Set(1, Metadata{Label: "x"}, 1)
	tr.Advance(1)
	tr.Reset()
	if _, ok := tr.Get(1); ok {
		t.Fatal("expected state cleared after reset")
	}
	if len(tr.All()) != 0 {
		t.Fatal("expected no tracked sources after reset")
	}
}
