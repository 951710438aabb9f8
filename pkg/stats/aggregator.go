// Package stats implements a sliding time-window aggregator of
// per-module hit throughput, used to report hit rate and byte rate
// metrics over a trailing window without retaining every hit.
package stats

import "fmt"

// Measurement is a single observation attributable to one module over
// a span of time: hits and bytes produced by that module's reader
// since the last measurement.
type Measurement struct {
	ModuleIndex uint32
	HitCount    uint64
	ByteCount   uint64
	Timestamp   uint64 // nanoseconds, end of the span this measurement covers
	Duration    uint64 // nanoseconds, length of the span
}

// TimeSlotAggregation is one module's accumulated counts within a
// single time slot.
type TimeSlotAggregation struct {
	ModuleIndex uint32
	HitCount    uint64
	ByteCount   uint64
	Duration    uint64 // nanoseconds actually covered within the slot
}

// TimeSlot holds every module's aggregation for one fixed-length
// window of time.
type TimeSlot struct {
	StartTime    uint64 // nanoseconds
	EndTime      uint64 // nanoseconds
	Aggregations map[uint32]*TimeSlotAggregation // keyed by module index
}

// Config parameterizes the sliding window.
type Config struct {
	SlotLength uint64 // nanoseconds
	WindowSize uint   // number of consecutive slots retained
	SlotOffset uint64 // nanoseconds, modulo SlotLength
}

// Aggregator maintains a sliding window of time slots, distributing
// each incoming measurement's counts proportionally across every slot
// it overlaps.
type Aggregator struct {
	config    Config
	timeSlots []*TimeSlot
}

// NewAggregator validates config and returns an empty aggregator.
func NewAggregator(config Config) (*Aggregator, error) {
	if config.SlotLength == 0 {
		return nil, fmt.Errorf("stats: slot length must be greater than 0")
	}
	if config.WindowSize == 0 {
		return nil, fmt.Errorf("stats: window size must be greater than 0")
	}
	if config.SlotOffset >= config.SlotLength {
		return nil, fmt.Errorf("stats: slot offset must be less than slot length")
	}
	return &Aggregator{
		config:    config,
		timeSlots: make([]*TimeSlot, 0, config.WindowSize),
	}, nil
}

func (a *Aggregator) getSlotStartTime(timestamp uint64) uint64 {
	adjusted := timestamp - a.config.SlotOffset
	slotStart := (adjusted / a.config.SlotLength) * a.config.SlotLength
	return slotStart + a.config.SlotOffset
}

func (a *Aggregator) createTimeSlot(startTime uint64) *TimeSlot {
	return &TimeSlot{
		StartTime:    startTime,
		EndTime:      startTime + a.config.SlotLength,
		Aggregations: make(map[uint32]*TimeSlotAggregation),
	}
}

// AdvanceWindow slides the window forward so it covers timestamp,
// retiring and returning any slots that fall out the trailing edge.
// After it returns, exactly WindowSize consecutive slots are retained.
func (a *Aggregator) AdvanceWindow(timestamp uint64) []*TimeSlot {
	var completedSlots []*TimeSlot
	windowSize := a.config.WindowSize

	measurementEndTime := timestamp - 1
	newEndSlotStart := a.getSlotStartTime(measurementEndTime)

	if len(a.timeSlots) > 0 {
		oldestCurrentStart := a.timeSlots[0].StartTime
		slotsWithoutRetirement := uint64((newEndSlotStart-oldestCurrentStart)/a.config.SlotLength) + 1

		numExtraWithoutRetirement := slotsWithoutRetirement - uint64(windowSize)
		if numExtraWithoutRetirement > slotsWithoutRetirement {
			numExtraWithoutRetirement = 0
		}

		slotsToRetire := numExtraWithoutRetirement
		if uint64(len(a.timeSlots)) < slotsToRetire {
			slotsToRetire = uint64(len(a.timeSlots))
		}

		if slotsToRetire > 0 {
			remainingSlots := uint64(len(a.timeSlots)) - slotsToRetire
			completedSlots = make([]*TimeSlot, slotsToRetire)
			copy(completedSlots, a.timeSlots[:slotsToRetire])
			copy(a.timeSlots, a.timeSlots[slotsToRetire:])
			a.timeSlots = a.timeSlots[:remainingSlots]
		}
	}

	existingSlots := len(a.timeSlots)
	a.timeSlots = a.timeSlots[:windowSize]
	for i := existingSlots; i < int(windowSize); i++ {
		a.timeSlots[i] = a.createTimeSlot(newEndSlotStart - uint64(int(windowSize)-1-i)*a.config.SlotLength)
	}

	return completedSlots
}

// safeSubtract returns the signed difference a-b, correct even when
// b > a, used throughout to compare timestamps without unsigned
// underflow.
func safeSubtract(a, b uint64) int64 {
	return int64(a) - int64(b)
}

// UpdateMeasurement distributes m's counts proportionally across every
// currently-windowed slot it overlaps.
func (a *Aggregator) UpdateMeasurement(m *Measurement) error {
	a.AdvanceWindow(m.Timestamp)

	measurementEndTime := m.Timestamp
	remainingDuration := m.Duration
	remainingHits := m.HitCount
	remainingBytes := m.ByteCount
	measurementStartTime := m.Timestamp - m.Duration

	for _, slot := range a.timeSlots {
		if safeSubtract(measurementStartTime, slot.EndTime) >= 0 {
			continue
		}

		var overlapStart, overlapEnd uint64
		if safeSubtract(measurementStartTime, slot.StartTime) >= 0 {
			overlapStart = measurementStartTime
		} else {
			overlapStart = slot.StartTime
		}
		if safeSubtract(measurementEndTime, slot.EndTime) >= 0 {
			overlapEnd = slot.EndTime
		} else {
			overlapEnd = measurementEndTime
		}

		if safeSubtract(overlapEnd, overlapStart) <= 0 {
			continue
		}

		overlapDuration := overlapEnd - overlapStart

		var hits, bytes uint64
		if overlapDuration == remainingDuration {
			hits = remainingHits
			bytes = remainingBytes
		} else {
			proportion := float64(overlapDuration) / float64(remainingDuration)
			hits = uint64(float64(remainingHits) * proportion)
			bytes = uint64(float64(remainingBytes) * proportion)
		}

		agg, exists := slot.Aggregations[m.ModuleIndex]
		if !exists {
			agg = &TimeSlotAggregation{ModuleIndex: m.ModuleIndex}
			slot.Aggregations[m.ModuleIndex] = agg
		}
		agg.HitCount += hits
		agg.ByteCount += bytes
		agg.Duration += overlapDuration

		remainingDuration -= overlapDuration
		remainingHits -= hits
		remainingBytes -= bytes
		measurementStartTime = overlapEnd

		if remainingDuration == 0 {
			break
		}
	}

	return nil
}

// Reset drains and returns every currently-windowed slot.
func (a *Aggregator) Reset() []*TimeSlot {
	slots := a.timeSlots
	a.timeSlots = make([]*TimeSlot, 0, a.config.WindowSize)
	return slots
}
