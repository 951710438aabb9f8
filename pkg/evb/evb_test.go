package evb

import (
	"encoding/binary"
	"testing"

	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
)

func buildEvent(ts uint64, fragInners ...[]byte) []byte {
	frags := make([]ringitem.Fragment, len(fragInners))
	for i, inner := range fragInners {
		frags[i] = ringitem.Fragment{Header: ringitem.FragmentHeader{Timestamp: ts, SourceID: uint32(i)}, Inner: inner}
	}
	body := ringitem.EncodeFragments(frags)
	item := &ringitem.Item{
		Type:       ringitem.TypePhysicsEvent,
		BodyHeader: &ringitem.BodyHeader{Timestamp: ts, SourceID: 1},
		Body:       body,
	}
	raw := ringitem.Encode(item)
	out := make([]byte, 8+len(raw))
	binary.LittleEndian.PutUint64(out[0:8], ts)
	copy(out[8:], raw)
	return out
}

type noopExtender struct{}

func (noopExtender) Extend(inner []byte) []byte { return nil }
func (noopExtender) Free(ext []byte)             {}

func TestExtenderNoopIsIdentity(t *testing.T) {
	inner1 := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 100)})
	inner2 := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 100)})
	chunk := buildEvent(42, inner1, inner2)

	w := &ExtenderWorker{ProducerID: 7, User: noopExtender{}}
	out, err := w.Process(chunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flat := out.Flatten()
	id := binary.LittleEndian.Uint32(flat[0:4])
	if id != 7 {
		t.Fatalf("expected producer id 7, got %d", id)
	}
	if string(flat[4:]) != string(chunk) {
		t.Fatalf("expected byte-identical passthrough for no-op extender")
	}
}

type appendExtender struct {
	n int
}

func (e appendExtender) Extend(inner []byte) []byte { return make([]byte, e.n) }
func (e appendExtender) Free(ext []byte)             {}

func TestExtenderAppendsBytesAndFixesSizes(t *testing.T) {
	inner1 := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 100)})
	inner2 := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 100)})
	chunk := buildEvent(1, inner1, inner2)

	w := &ExtenderWorker{ProducerID: 1, User: appendExtender{n: 8}}
	out, err := w.Process(chunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flat := out.Flatten()

	_, item, _, err := decodeTimestamped(flat[4:])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	frags, err := ringitem.DecodeFragments(item.Body)
	if err != nil {
		t.Fatalf("decode fragments failed: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	for _, f := range frags {
		innerItem, _, err := ringitem.Decode(f.Inner)
		if err != nil {
			t.Fatalf("decode inner failed: %v", err)
		}
		if len(innerItem.Body) != 108 {
			t.Fatalf("expected extended body of 108 bytes, got %d", len(innerItem.Body))
		}
	}
}

func TestExtenderEndOfStream(t *testing.T) {
	w := &ExtenderWorker{ProducerID: 3, User: noopExtender{}}
	out, err := w.Process(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 4 {
		t.Fatalf("expected end marker of just the producer id, got %d bytes", out.Len())
	}
}

func TestFullEventEditorIdentityPreservesSize(t *testing.T) {
	inner := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 50)})
	chunk := buildEvent(5, inner)

	user := identityFullEventEditor{}
	w := &FullEventEditorWorker{ProducerID: 1, User: user}
	out, err := w.Process(chunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flat := out.Flatten()
	_, item, _, err := decodeTimestamped(flat[4:])
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	origEvbSize, _ := ringitem.EVBBodySize(buildRawBody(t, chunk))
	newEvbSize, _ := ringitem.EVBBodySize(item.Body)
	if origEvbSize != newEvbSize {
		t.Fatalf("expected unchanged evb_body_size, want %d got %d", origEvbSize, newEvbSize)
	}
}

type identityFullEventEditor struct{}

func (identityFullEventEditor) EditEvent(body []byte) ([]Segment, error) {
	return []Segment{{Data: body}}, nil
}
func (identityFullEventEditor) Free(seg Segment) {}

func buildRawBody(t *testing.T, chunk []byte) []byte {
	t.Helper()
	_, item, _, err := decodeTimestamped(chunk)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return item.Body
}

type maskClassifier struct{ value uint32 }

func (m maskClassifier) Classify(item *ringitem.Item) uint32 { return m.value }

func TestFilterAcceptsByMaskValue(t *testing.T) {
	inner := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 10)})
	chunk := buildEvent(1, inner)

	accept := &FilterWorker{ProducerID: 1, User: maskClassifier{value: 0x3}, Mask: 0xF, Value: 0x3}
	out, err := accept.Process(chunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() <= 4 {
		t.Fatalf("expected event to be accepted and forwarded")
	}

	reject := &FilterWorker{ProducerID: 1, User: maskClassifier{value: 0x1}, Mask: 0xF, Value: 0x3}
	out2, err := reject.Process(chunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out2.Len() != 4 {
		t.Fatalf("expected rejected event to be dropped, got %d bytes", out2.Len())
	}
}

func TestFilterSampleDownsamplesRejects(t *testing.T) {
	inner := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 10)})
	chunk := buildEvent(1, inner)

	f := &FilterWorker{ProducerID: 1, User: maskClassifier{value: 0x1}, Mask: 0xF, Value: 0x3, Sample: 2}
	out1, _ := f.Process(chunk)
	if out1.Len() != 4 {
		t.Fatalf("expected first reject dropped")
	}
	out2, _ := f.Process(chunk)
	if out2.Len() <= 4 {
		t.Fatalf("expected every 2nd reject retained via sampling")
	}
}

type panicClassifier struct{}

func (panicClassifier) Classify(item *ringitem.Item) uint32 {
	panic("classifier blew up")
}

func TestFilterClassifierPanicIsNotRecovered(t *testing.T) {
	inner := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 10)})
	chunk := buildEvent(1, inner)

	defer func() {
		if recover() == nil {
			t.Fatal("expected classifier panic to propagate out of the worker")
		}
	}()
	f := &FilterWorker{ProducerID: 1, User: panicClassifier{}, Mask: 0xF, Value: 0x3}
	f.Process(chunk)
}

func noBodyHeaderEvent(ts uint64) []byte {
	item := &ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 4)}
	raw := ringitem.Encode(item)
	return encodeTimestamped(ts, raw)
}

func TestEditorRejectsMissingBodyHeader(t *testing.T) {
	chunk := noBodyHeaderEvent(1)
	w := &EditorWorker{ProducerID: 1, User: identityFullEventEditorAsBodyEditor{}}
	out, err := w.Process(chunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 4 {
		t.Fatalf("expected event with missing body header to be rejected")
	}
}

type identityFullEventEditorAsBodyEditor struct{}

func (identityFullEventEditorAsBodyEditor) Edit(item *ringitem.Item) ([]Segment, error) {
	return []Segment{{Data: item.Body}}, nil
}
func (identityFullEventEditorAsBodyEditor) Free(seg Segment) {}

type emptyResultEditor struct{}

func (emptyResultEditor) Edit(item *ringitem.Item) ([]Segment, error) {
	return nil, nil
}
func (emptyResultEditor) Free(seg Segment) {}

func TestEditorDropsEntireEventOnEmptyResult(t *testing.T) {
	inner := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 10)})
	chunk := buildEvent(1, inner)

	w := &EditorWorker{ProducerID: 1, User: emptyResultEditor{}}
	out, err := w.Process(chunk)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 4 {
		t.Fatalf("expected entire event dropped when user editor returns no segments")
	}
}

type panicEditor struct{}

func (panicEditor) Edit(item *ringitem.Item) ([]Segment, error) {
	panic("editor blew up")
}
func (panicEditor) Free(seg Segment) {}

func TestEditorRecoversFragmentEditPanic(t *testing.T) {
	inner := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 10)})
	chunk := buildEvent(1, inner)

	w := &EditorWorker{ProducerID: 1, User: panicEditor{}}
	out, err := w.Process(chunk)
	if err != nil {
		t.Fatalf("expected panic to be recovered, not returned as worker error: %v", err)
	}
	if out.Len() != 4 {
		t.Fatalf("expected panicking fragment edit to drop the event, not crash the worker")
	}
}
