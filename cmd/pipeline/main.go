// cmd/pipeline is the application composition root: it wires a
// RingItemSourceElement, a pool of event-building or filtering workers,
// a RingItemSorter, and a SinkElement into one running pipeline, and
// serves Prometheus metrics alongside it. Two parallel strategies are
// supported: "threaded" composes every stage in this one process over
// in-memory channel transports; "distributed" runs this process as a
// single named role (source, worker, sorter, or sink) in a process
// group, talking to its neighbors over grpctransport.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/nscldaq-go/swtrigger/pkg/classify"
	"github.com/nscldaq-go/swtrigger/pkg/config"
	"github.com/nscldaq-go/swtrigger/pkg/evb"
	"github.com/nscldaq-go/swtrigger/pkg/metrics"
	"github.com/nscldaq-go/swtrigger/pkg/plugin"
	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
	"github.com/nscldaq-go/swtrigger/pkg/sink"
	"github.com/nscldaq-go/swtrigger/pkg/sort"
	"github.com/nscldaq-go/swtrigger/pkg/source"
	"github.com/nscldaq-go/swtrigger/pkg/stats"
	"github.com/nscldaq-go/swtrigger/pkg/transport"
	"github.com/nscldaq-go/swtrigger/pkg/transport/grpctransport"

	"github.com/prometheus/client_golang/prometheus"
)

// role names a single processing element of a distributed process
// group (spec's "Multi-process distributed" mode).
type role string

const (
	roleSource role = "source"
	roleWorker role = "worker"
	roleSorter role = "sorter"
	roleSink   role = "sink"
)

func main() {
	sourcePath := flag.String("source", "", "path to the input ring-item stream")
	sinkPath := flag.String("sink", "out.parquet", "path to the output parquet file")
	clumpSize := flag.Int("clump-size", 64, "ring items per chunk pushed to the worker fan-out")
	workerCount := flag.Int("workers", 4, "number of event-building workers (threaded strategy only)")
	pluginPath := flag.String("plugin", "", "path to a shared object exporting a body editor or classifier (optional)")
	producerID := flag.Uint("producer-id", 1, "producer id this source element stamps onto its chunks")
	metricsAddr := flag.String("metrics-addr", ":2112", "address to serve /metrics on")

	filterMode := flag.Bool("filter", false, "run the filter worker (classify/accept/reject) instead of the body editor")
	filterMask := flag.Uint("filter-mask", 0xFFFFFFFF, "filter mode: classification bits that must match -filter-value")
	filterValue := flag.Uint("filter-value", 0, "filter mode: required value of the masked classification bits")
	filterSample := flag.Uint("filter-sample", 0, "filter mode: retain 1 in N rejected events (0 disables)")

	statsSlotNs := flag.Uint64("stats-slot-ns", 1_000_000_000, "sink throughput window: slot length in nanoseconds (0 disables)")
	statsWindow := flag.Uint("stats-window", 10, "sink throughput window: number of slots retained")

	strategy := flag.String("strategy", string(config.StrategyThreaded), "parallel strategy: threaded or distributed")
	roleFlag := flag.String("role", "", "distributed strategy: this process's role (source, worker, sorter, sink)")
	rank := flag.Uint("rank", 0, "distributed strategy: this process's rank, used for fan-out DataRequest addressing")
	listenAddr := flag.String("listen-addr", "", "distributed strategy: address this role listens on (source, sorter, sink)")
	upstreamAddr := flag.String("upstream-addr", "", "distributed strategy: address of the upstream role to dial (worker)")
	downstreamAddr := flag.String("downstream-addr", "", "distributed strategy: address of the downstream role to dial (worker, sorter)")
	flag.Parse()

	// A worker/sorter/sink process in distributed mode reads its input
	// over grpctransport rather than from -source, so it is exempt from
	// the URI-required validation config.NewSource otherwise enforces.
	needsSource := config.Strategy(*strategy) == config.StrategyThreaded || role(*roleFlag) == roleSource
	var sourceCfg config.Source
	var err error
	if needsSource {
		if *sourcePath == "" {
			log.Fatal("pipeline: -source is required")
		}
		sourceCfg, err = config.NewSource("file://"+*sourcePath, *clumpSize)
		if err != nil {
			log.Fatalf("pipeline: %v", err)
		}
	} else if *clumpSize <= 0 {
		log.Fatalf("pipeline: clump size must be positive, got %d", *clumpSize)
	} else {
		sourceCfg = config.Source{ClumpSize: *clumpSize}
	}
	workersCfg, err := config.NewWorkers(*workerCount, *pluginPath, config.Strategy(*strategy))
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	sortCfg, err := config.NewSort([]uint32{uint32(*producerID)})
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	sinkCfg, err := config.NewSink(*sinkPath)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	var filterCfg config.Filter
	if *filterMode {
		filterCfg, err = config.NewFilter(uint32(*filterMask), uint32(*filterValue), uint32(*filterSample))
		if err != nil {
			log.Fatalf("pipeline: %v", err)
		}
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	go func() {
		log.Printf("pipeline: serving metrics on %s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, reg.Handler()); err != nil {
			log.Printf("pipeline: metrics server exited: %v", err)
		}
	}()

	switch workersCfg.Strategy {
	case config.StrategyThreaded:
		err = runThreaded(sourceCfg, workersCfg, sortCfg, sinkCfg, *filterMode, filterCfg, uint32(*producerID), reg, *statsSlotNs, uint(*statsWindow))
	case config.StrategyDistributed:
		err = runDistributed(distributedArgs{
			role:           role(*roleFlag),
			rank:           uint32(*rank),
			listenAddr:     *listenAddr,
			upstreamAddr:   *upstreamAddr,
			downstreamAddr: *downstreamAddr,
			sourcePath:     *sourcePath,
			sinkPath:       *sinkPath,
			clumpSize:      sourceCfg.ClumpSize,
			producerID:     uint32(*producerID),
			sortCfg:        sortCfg,
			pluginPath:     workersCfg.PluginPath,
			filterMode:     *filterMode,
			filterCfg:      filterCfg,
			reg:            reg,
			statsSlotNs:    *statsSlotNs,
			statsWindow:    uint(*statsWindow),
		})
	default:
		err = fmt.Errorf("strategy %q has no transport realization", workersCfg.Strategy)
	}
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	log.Println("pipeline: done")
}

// buildWorkerProcess returns the Processor a worker stage runs: the
// filter worker (classify/accept/reject, backed by a classify.Tracker)
// when filterMode is set, otherwise the body editor.
func buildWorkerProcess(pluginPath string, producerID uint32, filterMode bool, filterCfg config.Filter) (transport.Processor, error) {
	if filterMode {
		tracker := classify.NewTracker()
		classifier, err := loadClassifier(pluginPath, tracker)
		if err != nil {
			return nil, err
		}
		w := &evb.FilterWorker{
			ProducerID: producerID,
			User:       classifier,
			Mask:       filterCfg.Mask,
			Value:      filterCfg.Value,
			Sample:     filterCfg.Sample,
		}
		return w.Process, nil
	}

	editor, err := loadBodyEditor(pluginPath)
	if err != nil {
		return nil, err
	}
	w := &evb.EditorWorker{ProducerID: producerID, User: editor}
	return w.Process, nil
}

// loadClassifier returns a plugin-exported evb.Classifier when pluginPath
// is set, otherwise a classify.SourceClassifier backed by tracker — the
// default classification strategy, driven purely by each source's
// tracked active/retired state rather than event content.
func loadClassifier(pluginPath string, tracker *classify.Tracker) (evb.Classifier, error) {
	if pluginPath == "" {
		return &classify.SourceClassifier{Tracker: tracker}, nil
	}
	obj, err := plugin.Load(pluginPath)
	if err != nil {
		return nil, fmt.Errorf("loading classifier plugin: %w", err)
	}
	classifier, ok := obj.(evb.Classifier)
	if !ok {
		return nil, fmt.Errorf("plugin at %s does not implement evb.Classifier", pluginPath)
	}
	return classifier, nil
}

// runThreaded composes every stage in this one process over in-memory
// channel transports — the existing single-process realization.
func runThreaded(sourceCfg config.Source, workersCfg config.Workers, sortCfg config.Sort, sinkCfg config.Sink, filterMode bool, filterCfg config.Filter, producerID uint32, reg *metrics.Registry, statsSlotNs uint64, statsWindow uint) error {
	if sourceCfg.URI == "file://" {
		return fmt.Errorf("-source is required")
	}
	sourcePath := sourceCfg.URI[len("file://"):]

	process, err := buildWorkerProcess(workersCfg.PluginPath, producerID, filterMode, filterCfg)
	if err != nil {
		return err
	}

	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer f.Close()

	fanout := transport.NewFanoutTransport()
	sortIn := transport.NewChanTransport(workersCfg.Count * 4)
	sortOut := transport.NewChanTransport(4)

	srcElement := source.NewElement(&fileRingSource{r: bufio.NewReader(f)}, fanout, sourceCfg.ClumpSize, producerID)

	workers := make([]*transport.Worker, workersCfg.Count)
	for i := range workers {
		client := fanoutUpstream{transport.NewFanoutClient(uint64(i), fanout)}
		workers[i] = &transport.Worker{
			Upstream:   client,
			Downstream: sortIn,
			Process:    process,
		}
	}
	dispatcher := &transport.Dispatcher{Workers: workers}

	sorter := sort.NewSorter(sortIn, sortOut, sortCfg.ProducerIDs)

	writer, err := sink.NewParquetWriter(sinkCfg.URI, 4)
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	defer writer.Close()
	sinkElement := newSinkElement(sortOut, writer, reg, statsSlotNs, statsWindow)

	errs := make(chan error, 4)
	go func() { errs <- srcElement.Run() }()
	go func() { errs <- dispatcher.Run() }()
	go func() { errs <- sorter.Run() }()
	go func() { errs <- sinkElement.Run() }()

	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			log.Printf("pipeline: stage exited with error: %v", err)
		}
	}
	return nil
}

// newSinkElement wires pkg/stats into the sink stage per-window
// throughput summaries, publishing each completed window to reg.
func newSinkElement(upstream transport.Transport, writer sink.Writer, reg *metrics.Registry, slotNs uint64, windowSize uint) *sink.Element {
	elem := sink.NewElement(upstream, writer)
	if slotNs == 0 || windowSize == 0 {
		return elem
	}
	agg, err := stats.NewAggregator(stats.Config{SlotLength: slotNs, WindowSize: windowSize})
	if err != nil {
		log.Printf("pipeline: stats aggregator disabled: %v", err)
		return elem
	}
	elem.Stats = agg
	elem.OnWindow = func(slots []*stats.TimeSlot) {
		for _, slot := range slots {
			for _, agg := range slot.Aggregations {
				source := fmt.Sprintf("%d", agg.ModuleIndex)
				reg.WindowHitCount.WithLabelValues(source).Set(float64(agg.HitCount))
				reg.WindowByteCount.WithLabelValues(source).Set(float64(agg.ByteCount))
			}
		}
	}
	return elem
}

// distributedArgs bundles every flag a distributed-mode role needs;
// only the subset relevant to the selected role is actually read.
type distributedArgs struct {
	role           role
	rank           uint32
	listenAddr     string
	upstreamAddr   string
	downstreamAddr string
	sourcePath     string
	sinkPath       string
	clumpSize      int
	producerID     uint32
	sortCfg        config.Sort
	pluginPath     string
	filterMode     bool
	filterCfg      config.Filter
	reg            *metrics.Registry
	statsSlotNs    uint64
	statsWindow    uint
}

// runDistributed runs this process as one named role of a process
// group, dialing or listening to its neighbors over grpctransport
// instead of the in-process channel transports runThreaded uses.
func runDistributed(a distributedArgs) error {
	switch a.role {
	case roleSource:
		return runDistributedSource(a)
	case roleWorker:
		return runDistributedWorker(a)
	case roleSorter:
		return runDistributedSorter(a)
	case roleSink:
		return runDistributedSink(a)
	default:
		return fmt.Errorf("distributed strategy requires -role (source, worker, sorter, sink), got %q", a.role)
	}
}

func runDistributedSource(a distributedArgs) error {
	if a.listenAddr == "" {
		return fmt.Errorf("role %q requires -listen-addr", a.role)
	}
	f, err := os.Open(a.sourcePath)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer f.Close()

	fanout := transport.NewFanoutTransport()
	srcElement := source.NewElement(&fileRingSource{r: bufio.NewReader(f)}, fanout, a.clumpSize, a.producerID)

	lis, err := grpctransport.Listen(a.listenAddr)
	if err != nil {
		return err
	}
	srv := grpctransport.NewServer()
	grpctransport.NewFanoutServer(fanout).Serve(srv)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("pipeline: source: grpc server exited: %v", err)
		}
	}()
	defer srv.GracefulStop()

	return srcElement.Run()
}

func runDistributedWorker(a distributedArgs) error {
	if a.upstreamAddr == "" || a.downstreamAddr == "" {
		return fmt.Errorf("role %q requires -upstream-addr and -downstream-addr", a.role)
	}
	ctx := context.Background()

	upstream, err := grpctransport.DialFanoutPullClient(ctx, a.upstreamAddr, uint64(a.rank))
	if err != nil {
		return fmt.Errorf("dialing upstream: %w", err)
	}
	downstream, err := grpctransport.DialPushClient(ctx, a.downstreamAddr)
	if err != nil {
		return fmt.Errorf("dialing downstream: %w", err)
	}

	process, err := buildWorkerProcess(a.pluginPath, a.producerID, a.filterMode, a.filterCfg)
	if err != nil {
		return err
	}

	w := &transport.Worker{Upstream: upstream, Downstream: downstream, Process: process}
	return w.Run()
}

func runDistributedSorter(a distributedArgs) error {
	if a.listenAddr == "" || a.downstreamAddr == "" {
		return fmt.Errorf("role %q requires -listen-addr and -downstream-addr", a.role)
	}
	ctx := context.Background()

	sortIn := transport.NewChanTransport(64)
	lis, err := grpctransport.Listen(a.listenAddr)
	if err != nil {
		return err
	}
	srv := grpctransport.NewServer()
	grpctransport.NewPushServer(sortIn).Serve(srv)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("pipeline: sorter: grpc server exited: %v", err)
		}
	}()
	defer srv.GracefulStop()

	sortOut, err := grpctransport.DialPushClient(ctx, a.downstreamAddr)
	if err != nil {
		return fmt.Errorf("dialing downstream: %w", err)
	}

	sorter := sort.NewSorter(sortIn, sortOut, a.sortCfg.ProducerIDs)
	return sorter.Run()
}

func runDistributedSink(a distributedArgs) error {
	if a.listenAddr == "" {
		return fmt.Errorf("role %q requires -listen-addr", a.role)
	}
	sinkIn := transport.NewChanTransport(64)
	lis, err := grpctransport.Listen(a.listenAddr)
	if err != nil {
		return err
	}
	srv := grpctransport.NewServer()
	grpctransport.NewPushServer(sinkIn).Serve(srv)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Printf("pipeline: sink: grpc server exited: %v", err)
		}
	}()
	defer srv.GracefulStop()

	writer, err := sink.NewParquetWriter(a.sinkPath, 4)
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	defer writer.Close()

	sinkElement := newSinkElement(sinkIn, writer, a.reg, a.statsSlotNs, a.statsWindow)
	return sinkElement.Run()
}

// loadBodyEditor returns an identity editor when no plugin path is
// given, or the BodyEditor exported by the plugin at path otherwise.
func loadBodyEditor(path string) (evb.BodyEditor, error) {
	if path == "" {
		return identityBodyEditor{}, nil
	}
	obj, err := plugin.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading editor plugin: %w", err)
	}
	editor, ok := obj.(evb.BodyEditor)
	if !ok {
		return nil, fmt.Errorf("plugin at %s does not implement evb.BodyEditor", path)
	}
	return editor, nil
}

// fanoutUpstream adapts a FanoutClient (pull-only) to the full
// Transport interface a Worker's Upstream field expects. Worker.Run
// only ever calls Recv on its upstream, so Send/End are unreachable
// stubs here.
type fanoutUpstream struct {
	*transport.FanoutClient
}

func (fanoutUpstream) Send(transport.Message) error { return nil }
func (fanoutUpstream) End() error                   { return nil }

type identityBodyEditor struct{}

func (identityBodyEditor) Edit(innerItem *ringitem.Item) ([]evb.Segment, error) {
	return []evb.Segment{{Data: innerItem.Body}}, nil
}

func (identityBodyEditor) Free(evb.Segment) {}

// fileRingSource reads a flat file of length-prefixed ring items as a
// source.UpstreamSource: each item's first four bytes (little-endian)
// give its total on-wire size, matching ringitem.Decode's framing.
type fileRingSource struct {
	r *bufio.Reader
}

func (s *fileRingSource) Recv() ([]byte, error) {
	sizeBuf, err := s.r.Peek(4)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf)
	buf := make([]byte, size)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, fmt.Errorf("fileRingSource: short read: %w", err)
	}
	return buf, nil
}
