// cmd/bench measures hardware counters (cycles, instructions) across
// one run of the hit manager's cross-module merge, the hottest loop in
// the pipeline's per-event path.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/nscldaq-go/swtrigger/pkg/buffer"
	"github.com/nscldaq-go/swtrigger/pkg/hit"
	"github.com/nscldaq-go/swtrigger/pkg/hitmanager"
)

const wordsPerHit = 4 // header + 48-bit timestamp split across words 1-2 + one payload word

func main() {
	modules := flag.Int("modules", 8, "number of digitizer modules feeding the merge")
	hitsPerModule := flag.Int("hits", 2000, "hits per module per run")
	emitWindowNs := flag.Float64("window", 1000, "hit manager emit window, in nanoseconds")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	goperf := NewGoPerf()
	var produced int

	err := goperf.Measure(func() {
		produced = runMerge(*modules, *hitsPerModule, *emitWindowNs)
	})
	if err != nil {
		log.Fatalf("measuring hardware counters: %v (run as root or with perf_event_paranoid relaxed)", err)
	}

	result := goperf.Result()
	fmt.Fprintf(os.Stdout, "hits merged: %d\n", produced)
	fmt.Fprintf(os.Stdout, "cycles: %.0f, instructions: %.0f, CPI: %.4f\n",
		result.Cycles, result.Instrs, result.CPI())
	fmt.Fprintf(os.Stdout, "cycles/hit: %.1f\n", result.Cycles/float64(produced))
}

// runMerge builds nModules sorted hit streams, feeds them through a
// hitmanager.Manager in a single AddHits call carrying every module's
// stream, and drains every
// hit the window releases, returning how many were emitted.
func runMerge(nModules, hitsPerModule int, emitWindowNs float64) int {
	arena := buffer.NewBufferArena()
	mgr := hitmanager.New(emitWindowNs)

	perModule := make([][]hit.Hit, nModules)
	for m := 0; m < nModules; m++ {
		perModule[m] = make([]hit.Hit, hitsPerModule)
		for i := 0; i < hitsPerModule; i++ {
			ts := float64(i*nModules+m) * 10.0
			perModule[m][i] = hit.Hit{
				ModuleIndex: m,
				View:        syntheticHit(arena, uint32(m), ts),
			}
		}
	}

	mgr.AddHits(perModule)
	mgr.SetFlushing(true)

	emitted := 0
	for mgr.HaveHit() {
		h := mgr.GetHit()
		h.View.Free()
		emitted++
	}
	return emitted
}

// syntheticHit allocates a wordsPerHit-word buffer, stamps a channel id
// into word 0 and zeroes the other header words (no raw timestamp is
// written), and returns a ZeroCopyHit view whose Timestamp is set
// directly to the given value.
func syntheticHit(arena *buffer.BufferArena, channel uint32, timestamp float64) *hit.ZeroCopyHit {
	buf := arena.Allocate(wordsPerHit * 4)
	raw := buf.Bytes()
	binary.LittleEndian.PutUint32(raw[0:4], channel)
	binary.LittleEndian.PutUint32(raw[4:8], 0)
	binary.LittleEndian.PutUint32(raw[8:12], 0)
	binary.LittleEndian.PutUint32(raw[12:16], 0)

	view := &hit.ZeroCopyHit{}
	view.SetHit(0, wordsPerHit*4, buf, arena)
	view.SetChannel()
	view.Timestamp = timestamp
	return view
}
