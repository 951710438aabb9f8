package config

import "testing"

func TestNewSourceValidation(t *testing.T) {
	if _, err := NewSource("", 10); err == nil {
		t.Fatal("expected error for empty URI")
	}
	if _, err := NewSource("ring:///tmp/r1", 0); err == nil {
		t.Fatal("expected error for non-positive clump size")
	}
	s, err := NewSource("ring:///tmp/r1", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ClumpSize != 100 {
		t.Fatalf("expected clump size 100, got %d", s.ClumpSize)
	}
}

func TestNewWorkersValidation(t *testing.T) {
	if _, err := NewWorkers(0, "", StrategyThreaded); err == nil {
		t.Fatal("expected error for zero worker count")
	}
	if _, err := NewWorkers(4, "", "bogus"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	w, err := NewWorkers(4, "/plugins/editor.so", StrategyDistributed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Strategy != StrategyDistributed {
		t.Fatalf("expected distributed strategy, got %q", w.Strategy)
	}
}

func TestNewFilterRejectsValueOutsideMask(t *testing.T) {
	if _, err := NewFilter(0x3, 0x4, 0); err == nil {
		t.Fatal("expected error when value has bits outside mask")
	}
	f, err := NewFilter(0xF, 0x3, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Sample != 10 {
		t.Fatalf("expected sample 10, got %d", f.Sample)
	}
}

func TestNewSortRequiresProducers(t *testing.T) {
	if _, err := NewSort(nil); err == nil {
		t.Fatal("expected error for empty producer list")
	}
	s, err := NewSort([]uint32{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.ProducerIDs) != 3 {
		t.Fatalf("expected 3 producer ids, got %d", len(s.ProducerIDs))
	}
}
