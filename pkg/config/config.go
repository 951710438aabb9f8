// Package config defines the per-concern configuration structs used to
// assemble a pipeline: Source, Sink, Workers, Sort, HitManager and
// Filter each have a New*-style constructor that validates its fields
// (Pipeline, which groups them, has none), and none of them parses
// command-line flags itself
// (argument parsing is an external collaborator, per the pipeline's
// scope).
package config

import "fmt"

// Strategy selects how processing elements are wired together.
type Strategy string

const (
	// StrategyThreaded runs every element in one process over
	// in-memory channel transports.
	StrategyThreaded Strategy = "threaded"
	// StrategyDistributed runs every element as its own process,
	// communicating over a rank-addressed process-group transport.
	StrategyDistributed Strategy = "distributed"
)

// Source configures a RingItemSourceElement.
type Source struct {
	URI       string // where the upstream ring/file lives; opaque to this package
	ClumpSize int
}

// NewSource validates and returns a Source config.
func NewSource(uri string, clumpSize int) (Source, error) {
	if uri == "" {
		return Source{}, fmt.Errorf("config: source URI must not be empty")
	}
	if clumpSize <= 0 {
		return Source{}, fmt.Errorf("config: clump size must be positive, got %d", clumpSize)
	}
	return Source{URI: uri, ClumpSize: clumpSize}, nil
}

// Sink configures a SinkElement.
type Sink struct {
	URI string // output transport or file destination
}

// NewSink validates and returns a Sink config.
func NewSink(uri string) (Sink, error) {
	if uri == "" {
		return Sink{}, fmt.Errorf("config: sink URI must not be empty")
	}
	return Sink{URI: uri}, nil
}

// Workers configures the worker-pool stage.
type Workers struct {
	Count      int
	PluginPath string // path to the user editor/extender/classifier plugin
	Strategy   Strategy
}

// NewWorkers validates and returns a Workers config.
func NewWorkers(count int, pluginPath string, strategy Strategy) (Workers, error) {
	if count <= 0 {
		return Workers{}, fmt.Errorf("config: worker count must be positive, got %d", count)
	}
	if strategy != StrategyThreaded && strategy != StrategyDistributed {
		return Workers{}, fmt.Errorf("config: unknown parallel strategy %q", strategy)
	}
	return Workers{Count: count, PluginPath: pluginPath, Strategy: strategy}, nil
}

// Sort configures the RingItemSorter stage.
type Sort struct {
	ProducerIDs []uint32
}

// NewSort validates and returns a Sort config.
func NewSort(producerIDs []uint32) (Sort, error) {
	if len(producerIDs) == 0 {
		return Sort{}, fmt.Errorf("config: sort stage needs at least one producer id")
	}
	return Sort{ProducerIDs: append([]uint32(nil), producerIDs...)}, nil
}

// HitManager configures the HitManager's emission window.
type HitManager struct {
	EmitWindowNs float64
}

// NewHitManager validates and returns a HitManager config.
func NewHitManager(emitWindowNs float64) (HitManager, error) {
	if emitWindowNs <= 0 {
		return HitManager{}, fmt.Errorf("config: emit window must be positive, got %f", emitWindowNs)
	}
	return HitManager{EmitWindowNs: emitWindowNs}, nil
}

// Filter configures the FilterWorker's accept/reject/downsample rule.
type Filter struct {
	Mask   uint32
	Value  uint32
	Sample uint32 // 0 disables downsampling of rejects
}

// NewFilter validates and returns a Filter config.
func NewFilter(mask, value, sample uint32) (Filter, error) {
	if value&^mask != 0 {
		return Filter{}, fmt.Errorf("config: filter value 0x%x has bits outside mask 0x%x", value, mask)
	}
	return Filter{Mask: mask, Value: value, Sample: sample}, nil
}

// Pipeline is the top-level configuration assembled from every stage's
// own config.
type Pipeline struct {
	Source     Source
	Workers    Workers
	Sort       Sort
	HitManager HitManager
	Sink       Sink
}
