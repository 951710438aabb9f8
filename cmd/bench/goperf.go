package main

import (
	"github.com/elastic/go-perf"
)

// GoPerf wraps a hardware counter group around one run of the
// pipeline's hit-merge workload, reporting the counts once the run
// completes.
type GoPerf struct {
	group      *perf.Group
	event      *perf.Event
	groupCount *perf.GroupCount
}

func NewGoPerf() *GoPerf {
	group := perf.Group{
		CountFormat: perf.CountFormat{
			Running: true,
		},
	}
	group.Add(perf.Instructions, perf.CPUCycles)

	return &GoPerf{group: &group}
}

// Measure opens the counter group, runs workload under it, and closes
// the group, recording the counts for later retrieval via Result.
func (p *GoPerf) Measure(workload func()) error {
	evt, err := p.group.Open(perf.CallingThread, perf.AnyCPU)
	if err != nil {
		return err
	}
	p.event = evt

	gc, err := p.event.MeasureGroup(workload)
	if err != nil {
		p.event.Close()
		return err
	}
	p.groupCount = &gc

	return p.event.Close()
}

// Result is the counter readout of the most recent Measure call.
type Result struct {
	Instrs float64
	Cycles float64
}

// CPI is cycles per instruction: lower is a tighter inner loop.
func (r Result) CPI() float64 {
	if r.Instrs == 0 {
		return 0
	}
	return r.Cycles / r.Instrs
}

func (p *GoPerf) Result() Result {
	return Result{
		Instrs: float64(p.groupCount.Values[0].Value),
		Cycles: float64(p.groupCount.Values[1].Value),
	}
}
