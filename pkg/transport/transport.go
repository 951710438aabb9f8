// Package transport implements the unidirectional byte-message
// abstraction shared by every processing element: plain send/recv,
// fan-out with a pull-driven client registry, and fan-out clients.
package transport

import (
	"fmt"
	"sync"
)

// Message is a scatter/gather list of byte slices sent as one logical
// unit; an empty Message (zero parts, or a single zero-length part)
// signals end-of-stream.
type Message [][]byte

// Len reports the total byte length across all parts.
func (m Message) Len() int {
	n := 0
	for _, p := range m {
		n += len(p)
	}
	return n
}

// IsEnd reports whether this message is the end-of-stream marker.
func (m Message) IsEnd() bool {
	return m.Len() == 0
}

// Flatten concatenates all parts into one slice.
func (m Message) Flatten() []byte {
	out := make([]byte, 0, m.Len())
	for _, p := range m {
		out = append(out, p...)
	}
	return out
}

// Transport is the one-to-one unidirectional channel contract: Send
// delivers a message, Recv blocks for the next one (an empty Message
// signals end-of-stream), End() broadcasts end-of-stream to readers.
type Transport interface {
	Send(msg Message) error
	Recv() (Message, error)
	End() error
}

// ChanTransport is the in-process realization used by the "threaded"
// parallel strategy: a buffered Go channel of fixed depth. It implements Transport directly for one-to-one and
// fan-in (PUSH/PULL) edges.
type ChanTransport struct {
	ch     chan Message
	once   sync.Once
	closed chan struct{}
}

// NewChanTransport returns a ChanTransport with the given buffering
// depth (applying natural backpressure once full, matching the spec's
// bounded-queue backpressure model).
func NewChanTransport(depth int) *ChanTransport {
	return &ChanTransport{
		ch:     make(chan Message, depth),
		closed: make(chan struct{}),
	}
}

// Send enqueues msg. It returns an error if End has already been called.
func (t *ChanTransport) Send(msg Message) error {
	select {
	case <-t.closed:
		return fmt.Errorf("transport: send on ended transport")
	default:
	}
	t.ch <- msg
	return nil
}

// Recv blocks until a message is available; it returns an empty Message
// once End() has been observed and the channel drained.
func (t *ChanTransport) Recv() (Message, error) {
	msg, ok := <-t.ch
	if !ok {
		return nil, nil
	}
	return msg, nil
}

// End broadcasts end-of-stream by closing the channel; no marker
// message is sent. Readers drain what is still buffered, then every
// Recv returns an empty (nil) Message immediately.
func (t *ChanTransport) End() error {
	t.once.Do(func() {
		close(t.closed)
		close(t.ch)
	})
	return nil
}

// ClientRegistry tracks the set of registered client ids for a fan-out
// transport. Clients self-register on first pull request and are
// removed once their end has been acknowledged. Owned and mutated only
// by its fanout transport's goroutine.
type ClientRegistry struct {
	clients map[uint64]chan Message
	order   []uint64
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[uint64]chan Message)}
}

// Register adds a client id if not already present, returning its reply
// channel.
func (r *ClientRegistry) Register(id uint64) chan Message {
	if ch, ok := r.clients[id]; ok {
		return ch
	}
	ch := make(chan Message, 1)
	r.clients[id] = ch
	r.order = append(r.order, id)
	return ch
}

// Remove drops a client, e.g. after it has acknowledged end-of-stream.
func (r *ClientRegistry) Remove(id uint64) {
	delete(r.clients, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of registered clients.
func (r *ClientRegistry) Len() int {
	return len(r.order)
}

// All returns the registered client ids in registration order.
func (r *ClientRegistry) All() []uint64 {
	return append([]uint64(nil), r.order...)
}

// FanoutTransport implements the ROUTER side of a pull-driven fan-out
// edge: workers pull (request a unit of work), the fanout pushes the
// next queued message to whichever puller requested it. End() drains
// any pending pull requests and then answers every further pull with
// end-of-stream.
type FanoutTransport struct {
	mu       sync.Mutex
	registry *ClientRegistry
	pending  []Message // queued messages awaiting a puller
	parked   []pullRequest
	ended    bool
	requests chan pullRequest
}

type pullRequest struct {
	clientID uint64
	reply    chan Message
}

// NewFanoutTransport returns an empty fan-out transport.
func NewFanoutTransport() *FanoutTransport {
	f := &FanoutTransport{
		registry: NewClientRegistry(),
		requests: make(chan pullRequest, 64),
	}
	go f.loop()
	return f
}

func (f *FanoutTransport) loop() {
	for req := range f.requests {
		f.mu.Lock()
		f.registry.Register(req.clientID)
		if len(f.pending) > 0 {
			msg := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			req.reply <- msg
			continue
		}
		if f.ended {
			f.mu.Unlock()
			req.reply <- Message{}
			continue
		}
		// No work yet and not ended: park the request until Push or End
		// answers it. Parking happens under the same lock as the checks
		// above, so a Push or End cannot slip in between and leave the
		// request unanswered.
		f.parkOrAnswer(req)
		f.mu.Unlock()
	}
}

// parkOrAnswer appends req to f.parked; the caller holds f.mu. Push()
// answers parked requests in arrival order (FIFO), matching the
// ROUTER/DEALER pull-pattern semantics.
func (f *FanoutTransport) parkOrAnswer(req pullRequest) {
	f.parked = append(f.parked, req)
}

// Push delivers one message to the next pulling client, or queues it if
// no pull is currently outstanding.
func (f *FanoutTransport) Push(msg Message) error {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return fmt.Errorf("transport: push on ended fanout")
	}
	if len(f.parked) > 0 {
		req := f.parked[0]
		f.parked = f.parked[1:]
		f.mu.Unlock()
		req.reply <- msg
		return nil
	}
	f.pending = append(f.pending, msg)
	f.mu.Unlock()
	return nil
}

// End broadcasts end-of-stream: any parked pull requests are answered
// immediately with empty messages, and every future pull is too.
func (f *FanoutTransport) End() error {
	f.mu.Lock()
	f.ended = true
	parked := f.parked
	f.parked = nil
	f.mu.Unlock()
	for _, req := range parked {
		req.reply <- Message{}
	}
	return nil
}

// Pull is called by a registered client id to request the next message
// (or end-of-stream).
func (f *FanoutTransport) Pull(clientID uint64) Message {
	reply := make(chan Message, 1)
	f.requests <- pullRequest{clientID: clientID, reply: reply}
	return <-reply
}

// Registry exposes the transport's client registry for End-handling
// accounting by the owning element.
func (f *FanoutTransport) Registry() *ClientRegistry {
	return f.registry
}

// FanoutClient is a puller against a FanoutTransport, identified by a
// fixed client id.
type FanoutClient struct {
	id       uint64
	upstream *FanoutTransport
}

// NewFanoutClient binds a client id to an upstream fan-out transport.
func NewFanoutClient(id uint64, upstream *FanoutTransport) *FanoutClient {
	return &FanoutClient{id: id, upstream: upstream}
}

// Recv sends a pull request and awaits the routed reply.
func (c *FanoutClient) Recv() (Message, error) {
	return c.upstream.Pull(c.id), nil
}

// Sender presents an iovec (Message) send surface above a Transport.
type Sender struct {
	t Transport
}

// NewSender wraps t.
func NewSender(t Transport) *Sender { return &Sender{t: t} }

// Send forwards parts as one Message.
func (s *Sender) Send(parts ...[]byte) error {
	return s.t.Send(Message(parts))
}

// Receiver presents a byte-slice + length recv surface above a
// Transport, matching the `recv() -> (bytes, len)` contract where
// len==0 signals end-of-stream.
type Receiver struct {
	t Transport
}

// NewReceiver wraps t.
func NewReceiver(t Transport) *Receiver { return &Receiver{t: t} }

// Recv returns the flattened next message and its length.
func (r *Receiver) Recv() ([]byte, int, error) {
	msg, err := r.t.Recv()
	if err != nil {
		return nil, 0, err
	}
	flat := msg.Flatten()
	return flat, len(flat), nil
}
