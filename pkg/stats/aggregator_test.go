package stats

import "testing"

func TestNewAggregator(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Config{SlotLength: 1_000_000, WindowSize: 4, SlotOffset: 0},
			wantErr: false,
		},
		{
			name:    "zero slot length",
			config:  Config{SlotLength: 0, WindowSize: 4, SlotOffset: 0},
			wantErr: true,
		},
		{
			name:    "zero window size",
			config:  Config{SlotLength: 1_000_000, WindowSize: 0, SlotOffset: 0},
			wantErr: true,
		},
		{
			name:    "offset >= slot length",
			config:  Config{SlotLength: 1_000_000, WindowSize: 4, SlotOffset: 1_000_000},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAggregator(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAggregator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAggregatorUpdateMeasurementWithinOneSlot(t *testing.T) {
	config := Config{SlotLength: 1_000_000, WindowSize: 4, SlotOffset: 0}
	agg, err := NewAggregator(config)
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}

	m := &Measurement{
		ModuleIndex: 1,
		HitCount:    1000,
		ByteCount:   4000,
		Timestamp:   1_500_000,
		Duration:    500_000,
	}
	if err := agg.UpdateMeasurement(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var found *TimeSlotAggregation
	for _, slot := range agg.timeSlots {
		if slot.StartTime <= 1_000_000 && slot.EndTime > 1_000_000 {
			found = slot.Aggregations[1]
		}
	}
	if found == nil {
		t.Fatal("expected an aggregation in the slot containing the measurement")
	}
	if found.HitCount != 1000 || found.ByteCount != 4000 || found.Duration != 500_000 {
		t.Fatalf("expected full counts attributed to the single overlapping slot, got %+v", found)
	}
}

func TestAggregatorUpdateMeasurementSplitAcrossSlots(t *testing.T) {
	config := Config{SlotLength: 1_000_000, WindowSize: 4, SlotOffset: 0}
	agg, err := NewAggregator(config)
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}

	// Spans [750_000, 1_250_000): half in slot [0,1ms), half in [1ms,2ms).
	m := &Measurement{
		ModuleIndex: 1,
		HitCount:    1000,
		ByteCount:   2000,
		Timestamp:   1_250_000,
		Duration:    500_000,
	}
	if err := agg.UpdateMeasurement(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var totalHits uint64
	for _, slot := range agg.timeSlots {
		if a, ok := slot.Aggregations[1]; ok {
			totalHits += a.HitCount
		}
	}
	if totalHits != 1000 {
		t.Fatalf("expected hit count conserved across the split, got %d", totalHits)
	}
}

func TestAggregatorAdvanceWindowRetiresOldSlots(t *testing.T) {
	config := Config{SlotLength: 1_000_000, WindowSize: 2, SlotOffset: 0}
	agg, err := NewAggregator(config)
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}

	agg.UpdateMeasurement(&Measurement{ModuleIndex: 1, HitCount: 1, Timestamp: 500_000, Duration: 1})
	completed := agg.AdvanceWindow(5_000_000)
	if len(completed) == 0 {
		t.Fatal("expected retired slots after advancing far past the window")
	}
}

func TestAggregatorResetDrainsSlots(t *testing.T) {
	config := Config{SlotLength: 1_000_000, WindowSize: 2, SlotOffset: 0}
	agg, err := NewAggregator(config)
	if err != nil {
		t.Fatalf("failed to create aggregator: %v", err)
	}
	agg.UpdateMeasurement(&Measurement{ModuleIndex: 1, HitCount: 1, Timestamp: 500_000, Duration: 1})
	slots := agg.Reset()
	if len(slots) == 0 {
		t.Fatal("expected reset to return the accumulated slots")
	}
	if len(agg.timeSlots) != 0 {
		t.Fatal("expected aggregator to be empty after reset")
	}
}
