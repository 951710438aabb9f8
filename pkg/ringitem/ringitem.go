// Package ringitem implements the ring-item wire format shared by every
// stage of the pipeline: header parsing, the optional body header, and
// the event-built flat-fragment layout.
package ringitem

import (
	"encoding/binary"
	"fmt"
)

// Ring item type codes of interest.
const (
	TypeBeginRun     uint32 = 1
	TypeEndRun       uint32 = 2
	TypePauseRun     uint32 = 3
	TypeResumeRun    uint32 = 4
	TypeRingFormat   uint32 = 12
	TypePhysicsEvent uint32 = 30
)

// NullTimestamp marks the absence of a meaningful body-header timestamp.
const NullTimestamp uint64 = 0xFFFFFFFFFFFFFFFF

// HeaderSize is the fixed-size prefix of every ring item: size + type.
const HeaderSize = 8

// BodyHeaderSize is the size, in bytes, of a present body header with no
// extension.
const BodyHeaderSize = 20

// MinBodyHeaderSizeField is the smallest non-zero bhdr_size field,
// matching BodyHeaderSize (no extension bytes).
const MinBodyHeaderSizeField = 20

// BodyHeader is the optional metadata block between a ring item's header
// and its body.
type BodyHeader struct {
	Timestamp   uint64
	SourceID    uint32
	BarrierType uint32
	Extension   []byte
}

// Size returns the on-wire size of the body header, including its own
// u32 size field, or 0 if absent.
func (bh *BodyHeader) Size() uint32 {
	if bh == nil {
		return 0
	}
	return uint32(BodyHeaderSize + len(bh.Extension))
}

// Item is a decoded ring item: header fields plus raw body bytes. Body
// does not include the body header.
type Item struct {
	Type       uint32
	BodyHeader *BodyHeader
	Body       []byte
}

// Size computes the total on-wire size of the item, as it would be
// encoded: the 8-byte fixed header, the body header (or a 4-byte zero
// field when absent), and the body.
func (it *Item) Size() uint32 {
	bhdrSize := it.BodyHeader.Size()
	if bhdrSize == 0 {
		bhdrSize = 4
	}
	return uint32(HeaderSize) + bhdrSize + uint32(len(it.Body))
}

// Decode parses one ring item from the front of buf. It returns the
// decoded item and the number of bytes consumed. An error is returned
// if buf is too short or the size field is internally inconsistent —
// this is the CorruptRecord condition; callers must log and skip rather
// than crash the pipeline.
func Decode(buf []byte) (*Item, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, fmt.Errorf("ringitem: buffer too short for header: have %d bytes", len(buf))
	}
	size := binary.LittleEndian.Uint32(buf[0:4])
	typ := binary.LittleEndian.Uint32(buf[4:8])
	if int(size) < HeaderSize || int(size) > len(buf) {
		return nil, 0, fmt.Errorf("ringitem: size field %d out of range (have %d bytes)", size, len(buf))
	}
	rest := buf[HeaderSize:size]
	if len(rest) < 4 {
		return nil, 0, fmt.Errorf("ringitem: truncated body-header size field")
	}
	bhdrSizeField := binary.LittleEndian.Uint32(rest[0:4])

	it := &Item{Type: typ}
	var bodyStart int
	if bhdrSizeField == 0 || bhdrSizeField == 4 {
		bodyStart = 4
	} else {
		if int(bhdrSizeField) < BodyHeaderSize || int(bhdrSizeField) > len(rest) {
			return nil, 0, fmt.Errorf("ringitem: body header size %d out of range", bhdrSizeField)
		}
		bh := &BodyHeader{
			Timestamp:   binary.LittleEndian.Uint64(rest[4:12]),
			SourceID:    binary.LittleEndian.Uint32(rest[12:16]),
			BarrierType: binary.LittleEndian.Uint32(rest[16:20]),
		}
		if extra := int(bhdrSizeField) - BodyHeaderSize; extra > 0 {
			bh.Extension = append([]byte(nil), rest[BodyHeaderSize:BodyHeaderSize+extra]...)
		}
		it.BodyHeader = bh
		bodyStart = int(bhdrSizeField)
	}
	it.Body = append([]byte(nil), rest[bodyStart:]...)
	return it, int(size), nil
}

// Encode serializes it into a freshly allocated byte slice.
func Encode(it *Item) []byte {
	size := it.Size()
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], size)
	binary.LittleEndian.PutUint32(buf[4:8], it.Type)
	off := HeaderSize
	if it.BodyHeader == nil {
		binary.LittleEndian.PutUint32(buf[off:off+4], 4)
		off += 4
	} else {
		bh := it.BodyHeader
		bhdrSize := bh.Size()
		binary.LittleEndian.PutUint32(buf[off:off+4], bhdrSize)
		binary.LittleEndian.PutUint64(buf[off+4:off+12], bh.Timestamp)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], bh.SourceID)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], bh.BarrierType)
		copy(buf[off+20:], bh.Extension)
		off += int(bhdrSize)
	}
	copy(buf[off:], it.Body)
	return buf
}

// FragmentHeader prefixes each flat fragment inside an event-built body.
type FragmentHeader struct {
	Timestamp   uint64
	SourceID    uint32
	PayloadSize uint32
	BarrierType uint32
}

// FragmentHeaderSize is the on-wire size of a FragmentHeader.
const FragmentHeaderSize = 20

func decodeFragmentHeader(buf []byte) (FragmentHeader, error) {
	if len(buf) < FragmentHeaderSize {
		return FragmentHeader{}, fmt.Errorf("ringitem: truncated fragment header")
	}
	return FragmentHeader{
		Timestamp:   binary.LittleEndian.Uint64(buf[0:8]),
		SourceID:    binary.LittleEndian.Uint32(buf[8:12]),
		PayloadSize: binary.LittleEndian.Uint32(buf[12:16]),
		BarrierType: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func encodeFragmentHeader(buf []byte, fh FragmentHeader) {
	binary.LittleEndian.PutUint64(buf[0:8], fh.Timestamp)
	binary.LittleEndian.PutUint32(buf[8:12], fh.SourceID)
	binary.LittleEndian.PutUint32(buf[12:16], fh.PayloadSize)
	binary.LittleEndian.PutUint32(buf[16:20], fh.BarrierType)
}

// Fragment is one flat fragment decoded out of an event-built body: its
// header plus the bytes of the inner ring item (header, body header,
// body) that follow it.
type Fragment struct {
	Header FragmentHeader
	Inner  []byte // raw bytes of the inner ring item
}

// FirstFragment returns the part of an event-built body that starts at
// the first fragment — 4 bytes past the start, skipping evb_body_size —
// or nil if the body is shorter than 4 bytes.
func FirstFragment(body []byte) []byte {
	if len(body) < 4 {
		return nil
	}
	return body[4:]
}

// EVBBodySize reads the self-inclusive evb_body_size prefix of an
// event-built body.
func EVBBodySize(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("ringitem: event-built body too short for evb_body_size")
	}
	return binary.LittleEndian.Uint32(body[0:4]), nil
}

// NextFragment advances past one fragment: FragmentHeader plus its
// PayloadSize bytes of inner ring item.
func NextFragment(cur []byte, fh FragmentHeader) ([]byte, error) {
	advance := FragmentHeaderSize + int(fh.PayloadSize)
	if advance > len(cur) {
		return nil, fmt.Errorf("ringitem: fragment advance %d exceeds remaining %d bytes", advance, len(cur))
	}
	return cur[advance:], nil
}

// DecodeFragments walks every fragment in an event-built body, returning
// them in order. It stops and returns an error (rather than panicking)
// on any size-invariant violation, per the CorruptRecord taxonomy —
// callers decide whether to drop the fragment, the event, or abort.
func DecodeFragments(body []byte) ([]Fragment, error) {
	evbSize, err := EVBBodySize(body)
	if err != nil {
		return nil, err
	}
	remaining := int(evbSize) - 4
	if remaining < 0 || 4+remaining > len(body) {
		return nil, fmt.Errorf("ringitem: evb_body_size %d inconsistent with body length %d", evbSize, len(body))
	}
	cur := FirstFragment(body)
	cur = cur[:remaining]
	var frags []Fragment
	for len(cur) > 0 {
		fh, err := decodeFragmentHeader(cur)
		if err != nil {
			return frags, err
		}
		if FragmentHeaderSize+int(fh.PayloadSize) > len(cur) {
			return frags, fmt.Errorf("ringitem: fragment payload %d exceeds remaining %d bytes", fh.PayloadSize, len(cur)-FragmentHeaderSize)
		}
		inner := cur[FragmentHeaderSize : FragmentHeaderSize+int(fh.PayloadSize)]
		frags = append(frags, Fragment{Header: fh, Inner: inner})
		cur = cur[FragmentHeaderSize+int(fh.PayloadSize):]
	}
	return frags, nil
}

// EncodeFragments reassembles an event-built body from a fragment list.
func EncodeFragments(frags []Fragment) []byte {
	total := 4
	for _, f := range frags {
		total += FragmentHeaderSize + len(f.Inner)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	off := 4
	for _, f := range frags {
		fh := f.Header
		fh.PayloadSize = uint32(len(f.Inner))
		encodeFragmentHeader(buf[off:off+FragmentHeaderSize], fh)
		off += FragmentHeaderSize
		copy(buf[off:], f.Inner)
		off += len(f.Inner)
	}
	return buf
}

// CountItems walks a block of ring items each preceded by a u64
// timestamp (the work-chunk wire format), returning the number present.
func CountItems(block []byte) (int, error) {
	n := 0
	cur := block
	for len(cur) > 0 {
		next, err := NextTimestampedItem(cur)
		if err != nil {
			return n, err
		}
		n++
		cur = next
	}
	return n, nil
}

// NextTimestampedItem advances past one (u64 timestamp, ring-item bytes)
// pair in a work-chunk message.
func NextTimestampedItem(cur []byte) ([]byte, error) {
	if len(cur) < 8+HeaderSize {
		return nil, fmt.Errorf("ringitem: truncated timestamped item")
	}
	size := binary.LittleEndian.Uint32(cur[8:12])
	advance := 8 + int(size)
	if advance > len(cur) {
		return nil, fmt.Errorf("ringitem: timestamped item advance %d exceeds remaining %d bytes", advance, len(cur))
	}
	return cur[advance:], nil
}
