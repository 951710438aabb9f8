// Package evb implements the built-item worker family: structural
// rewriters that walk nested, length-prefixed event-built records,
// delegate per-fragment or per-event edits to user code, and emit each
// rewritten item as one part of the output message. Every emitted item
// is re-encoded into a new byte slice: user segments and unchanged
// payload bytes are copied into it, not referenced.
package evb

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
	"github.com/nscldaq-go/swtrigger/pkg/transport"
)

// Segment is one piece of a scatter-gather output list: either bytes
// borrowed as-is from the input (Dynamic == false) or bytes owned by
// the caller that must be released via a user Free callback once sent
// (Dynamic == true).
type Segment struct {
	Data    []byte
	Dynamic bool
}

// Extender is a user-supplied per-fragment extension strategy: given one
// fragment's inner ring item bytes, return extra bytes to append to the
// fragment's payload (possibly empty), and a Free to release it once the
// worker is done with it.
type Extender interface {
	Extend(innerRingItem []byte) []byte
	Free(extension []byte)
}

// BodyEditor is a user-supplied per-fragment rewrite strategy: given a
// fragment's inner ring item header/body header/body, return the
// replacement segments for the fragment body. An empty result drops the
// entire event; an error (or a panic) drops just this fragment (not a
// fatal error) with a diagnostic.
type BodyEditor interface {
	Edit(innerItem *ringitem.Item) ([]Segment, error)
	Free(seg Segment)
}

// FullEventEditor is a user-supplied whole-event rewrite strategy:
// given the entire event body (after evb_body_size), return replacement
// segments for the body.
type FullEventEditor interface {
	EditEvent(body []byte) ([]Segment, error)
	Free(seg Segment)
}

func countBytes(segs []Segment) int {
	n := 0
	for _, s := range segs {
		n += len(s.Data)
	}
	return n
}

func flatten(segs []Segment) []byte {
	out := make([]byte, 0, countBytes(segs))
	for _, s := range segs {
		out = append(out, s.Data...)
	}
	return out
}

// decodeTimestamped splits one (u64 timestamp, ring item bytes) pair
// off the front of a work-chunk message.
func decodeTimestamped(block []byte) (ts uint64, item *ringitem.Item, consumed int, err error) {
	if len(block) < 8 {
		return 0, nil, 0, fmt.Errorf("evb: truncated timestamped item prefix")
	}
	ts = binary.LittleEndian.Uint64(block[0:8])
	it, n, err := ringitem.Decode(block[8:])
	if err != nil {
		return 0, nil, 0, err
	}
	return ts, it, 8 + n, nil
}

func encodeTimestamped(ts uint64, raw []byte) []byte {
	out := make([]byte, 8+len(raw))
	binary.LittleEndian.PutUint64(out[0:8], ts)
	copy(out[8:], raw)
	return out
}

// ExtenderWorker is the Extender processing element (§4.6.1): for every
// PHYSICS_EVENT in a work-chunk, it walks each fragment, asks the user
// Extender for extra bytes, and fixes up evb_body_size / fragment
// ring-item size / fragment payload size / outer ring-item size in the
// re-encoded output item.
type ExtenderWorker struct {
	ProducerID uint32
	User       Extender
}

// Process implements transport.Processor: nBytes==0 (the flattened
// input is empty) is the end-of-stream marker and is forwarded as just
// the producer id.
func (w *ExtenderWorker) Process(data []byte) (transport.Message, error) {
	if len(data) == 0 {
		return transport.Message{idBytes(w.ProducerID)}, nil
	}

	out := transport.Message{idBytes(w.ProducerID)}
	var toFree [][]byte
	cur := data
	for len(cur) > 0 {
		ts, item, consumed, err := decodeTimestamped(cur)
		if err != nil {
			log.Printf("evb: extender: corrupt record, dropping rest of chunk: %v", err)
			break
		}
		cur = cur[consumed:]

		if item.Type != ringitem.TypePhysicsEvent {
			out = append(out, encodeTimestamped(ts, ringitem.Encode(item)))
			continue
		}

		rewritten, freed, err := w.extendEvent(item)
		toFree = append(toFree, freed...)
		if err != nil {
			log.Printf("evb: extender: dropping event: %v", err)
			continue
		}
		out = append(out, encodeTimestamped(ts, ringitem.Encode(rewritten)))
	}

	for _, f := range toFree {
		w.User.Free(f)
	}
	return out, nil
}

func (w *ExtenderWorker) extendEvent(item *ringitem.Item) (*ringitem.Item, [][]byte, error) {
	frags, err := ringitem.DecodeFragments(item.Body)
	if err != nil {
		return nil, nil, err
	}
	var freed [][]byte
	for i := range frags {
		ext := w.User.Extend(frags[i].Inner)
		if len(ext) == 0 {
			continue
		}
		frags[i].Inner = append(append([]byte(nil), frags[i].Inner...), ext...)
		binary.LittleEndian.PutUint32(frags[i].Inner[0:4], uint32(len(frags[i].Inner)))
		freed = append(freed, ext)
	}
	newBody := ringitem.EncodeFragments(frags)
	out := &ringitem.Item{Type: item.Type, BodyHeader: item.BodyHeader, Body: newBody}
	return out, freed, nil
}

func idBytes(id uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b
}

// EditorWorker is the fragment-level Editor processing element
// (§4.6.2): the user rewrites each fragment's inner body into segments.
// A failed or panicking user edit drops that one fragment; the entire
// event is dropped when a fragment's size overruns the body, a fragment
// is corrupt or not a PHYSICS_EVENT, an inner body header overruns its
// fragment, the user returns zero segments, or no fragment is left.
type EditorWorker struct {
	ProducerID uint32
	User       BodyEditor
}

// Process implements transport.Processor.
func (w *EditorWorker) Process(data []byte) (transport.Message, error) {
	if len(data) == 0 {
		return transport.Message{idBytes(w.ProducerID)}, nil
	}

	out := transport.Message{idBytes(w.ProducerID)}
	cur := data
	for len(cur) > 0 {
		ts, item, consumed, err := decodeTimestamped(cur)
		if err != nil {
			log.Printf("evb: editor: corrupt record, dropping rest of chunk: %v", err)
			break
		}
		cur = cur[consumed:]

		if item.Type != ringitem.TypePhysicsEvent {
			out = append(out, encodeTimestamped(ts, ringitem.Encode(item)))
			continue
		}

		rewritten, dropped := w.editEvent(item)
		if dropped {
			continue // entire event (and its timestamp prefix) is dropped
		}
		out = append(out, encodeTimestamped(ts, ringitem.Encode(rewritten)))
	}
	return out, nil
}

// editEvent applies the user BodyEditor to every fragment. It returns
// (nil, true) when the whole event must be dropped: the item has no
// body header, a fragment's claimed size overruns the body, a fragment
// is corrupt or not a PHYSICS_EVENT, a body-header size would run past
// the fragment's data, the user editor returned empty segments, or no
// fragment survived editing.
func (w *EditorWorker) editEvent(item *ringitem.Item) (*ringitem.Item, bool) {
	if item.BodyHeader == nil {
		log.Printf("evb: editor: event-built item missing body header, rejecting")
		return nil, true
	}

	frags, err := ringitem.DecodeFragments(item.Body)
	if err != nil {
		log.Printf("evb: editor: %v, dropping event", err)
		return nil, true
	}

	kept := make([]ringitem.Fragment, 0, len(frags))
	for _, f := range frags {
		innerItem, _, err := ringitem.Decode(f.Inner)
		if err != nil {
			log.Printf("evb: editor: corrupt fragment, dropping event: %v", err)
			return nil, true
		}
		if innerItem.Type != ringitem.TypePhysicsEvent {
			log.Printf("evb: editor: fragment type %d is not PHYSICS_EVENT, dropping event", innerItem.Type)
			return nil, true
		}
		if innerItem.BodyHeader != nil && innerItem.BodyHeader.Size() > uint32(len(f.Inner)) {
			log.Printf("evb: editor: inner body header overruns fragment data, dropping event")
			return nil, true
		}

		segs, err := w.editFragment(innerItem)
		if err != nil {
			log.Printf("evb: editor: fragment edit failed, dropping fragment: %v", err)
			continue
		}
		if len(segs) == 0 {
			log.Printf("evb: editor: user editor returned no segments, dropping entire event")
			return nil, true
		}

		newItem := &ringitem.Item{Type: innerItem.Type, BodyHeader: innerItem.BodyHeader, Body: flatten(segs)}
		newInner := ringitem.Encode(newItem)
		for _, s := range segs {
			if s.Dynamic {
				w.User.Free(s)
			}
		}
		newFrag := f
		newFrag.Inner = newInner
		kept = append(kept, newFrag)
	}
	if len(kept) == 0 {
		log.Printf("evb: editor: no fragment survived editing, dropping entire event")
		return nil, true
	}

	newBody := ringitem.EncodeFragments(kept)
	out := &ringitem.Item{Type: item.Type, BodyHeader: item.BodyHeader, Body: newBody}
	return out, false
}

func (w *EditorWorker) editFragment(innerItem *ringitem.Item) (segs []Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("user body editor panicked: %v", r)
			segs = nil
		}
	}()
	return w.User.Edit(innerItem)
}

// FullEventEditorWorker rewrites the entire event body at once (§4.6.3).
type FullEventEditorWorker struct {
	ProducerID uint32
	User       FullEventEditor
}

// Process implements transport.Processor.
func (w *FullEventEditorWorker) Process(data []byte) (transport.Message, error) {
	if len(data) == 0 {
		return transport.Message{idBytes(w.ProducerID)}, nil
	}

	out := transport.Message{idBytes(w.ProducerID)}
	cur := data
	for len(cur) > 0 {
		ts, item, consumed, err := decodeTimestamped(cur)
		if err != nil {
			log.Printf("evb: full-event editor: corrupt record, dropping rest of chunk: %v", err)
			break
		}
		cur = cur[consumed:]

		if item.Type != ringitem.TypePhysicsEvent {
			out = append(out, encodeTimestamped(ts, ringitem.Encode(item)))
			continue
		}

		evbSize, err := ringitem.EVBBodySize(item.Body)
		if err != nil {
			log.Printf("evb: full-event editor: %v", err)
			continue
		}
		body := item.Body[4:evbSize]
		segs, err := w.User.EditEvent(body)
		if err != nil {
			log.Printf("evb: full-event editor: dropping event: %v", err)
			continue
		}
		newBody := make([]byte, 4+countBytes(segs))
		binary.LittleEndian.PutUint32(newBody[0:4], uint32(len(newBody)))
		flat := flatten(segs)
		copy(newBody[4:], flat)
		for _, s := range segs {
			if s.Dynamic {
				w.User.Free(s)
			}
		}
		out = append(out, encodeTimestamped(ts, ringitem.Encode(&ringitem.Item{Type: item.Type, BodyHeader: item.BodyHeader, Body: newBody})))
	}
	return out, nil
}

// Classifier is a user-supplied event classification strategy for the
// filter path: it returns an integer classification for a decoded
// event-built item.
type Classifier interface {
	Classify(item *ringitem.Item) uint32
}

// FilterWorker implements the filter mode: an event is accepted when
// (classification & Mask) == Value; rejected events are optionally
// downsampled by Sample (1 in Sample is retained) into the same
// accepted stream.
type FilterWorker struct {
	ProducerID uint32
	User       Classifier
	Mask       uint32
	Value      uint32
	Sample     uint32 // 0 disables downsampling of rejects

	rejectCount uint32
}

// Process implements transport.Processor. A panic in the user
// classifier terminates the worker, per spec.md §7's user-visible
// failure behavior for classifiers (unlike editors, which drop and
// continue).
func (w *FilterWorker) Process(data []byte) (transport.Message, error) {
	if len(data) == 0 {
		return transport.Message{idBytes(w.ProducerID)}, nil
	}
	out := transport.Message{idBytes(w.ProducerID)}
	cur := data
	for len(cur) > 0 {
		ts, item, consumed, err := decodeTimestamped(cur)
		if err != nil {
			log.Printf("evb: filter: corrupt record, dropping rest of chunk: %v", err)
			break
		}
		cur = cur[consumed:]

		accept := true
		if item.Type == ringitem.TypePhysicsEvent {
			class := w.User.Classify(item)
			accept = (class & w.Mask) == w.Value
			if !accept && w.Sample > 0 {
				w.rejectCount++
				if w.rejectCount%w.Sample == 0 {
					accept = true
				}
			}
		}
		if accept {
			out = append(out, encodeTimestamped(ts, ringitem.Encode(item)))
		}
	}
	return out, nil
}
