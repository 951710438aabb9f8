package transport

import "log"

// Processor is a user-supplied payload handler: given one message's
// flattened bytes, it does its work and optionally returns an output
// message to forward downstream. Processors are evaluated synchronously
// on the worker's goroutine, straight-line recv/process/send per the
// thread-per-element model.
type Processor func(data []byte) (Message, error)

// Worker is a generic receive-loop processing element: block for a
// message, hand it to Process, forward the result downstream, and
// propagate end-of-stream downstream.
type Worker struct {
	Upstream   Transport
	Downstream Transport
	Process    Processor
}

// Run executes the receive/process/send loop until end-of-stream, then
// issues End() downstream and returns. A Transport-level error from
// Upstream.Recv or Downstream.Send is returned to the caller — the
// element's owning goroutine should then exit, having already signaled
// end() downstream.
func (w *Worker) Run() error {
	for {
		msg, err := w.Upstream.Recv()
		if err != nil {
			w.Downstream.End()
			return err
		}
		if msg.IsEnd() {
			return w.Downstream.End()
		}
		out, err := w.Process(msg.Flatten())
		if err != nil {
			log.Printf("transport: worker: process error: %v", err)
			continue
		}
		if out == nil {
			continue
		}
		if err := w.Downstream.Send(out); err != nil {
			w.Downstream.End()
			return err
		}
	}
}

// Dispatcher runs N Workers sharing the same upstream fan-out client
// pull pattern and a common downstream, one goroutine per worker. It is
// the "workers" knob of the pipeline's config: N parallel processing
// elements pulling from the same fan-out.
type Dispatcher struct {
	Workers []*Worker
}

// Run launches every worker and blocks until all have exited, returning
// the first non-nil error observed (if any).
func (d *Dispatcher) Run() error {
	errs := make(chan error, len(d.Workers))
	for _, w := range d.Workers {
		w := w
		go func() { errs <- w.Run() }()
	}
	var first error
	for range d.Workers {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}
