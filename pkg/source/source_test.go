package source

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
	"github.com/nscldaq-go/swtrigger/pkg/transport"
)

type fakeUpstream struct {
	items [][]byte
	idx   int
}

func (f *fakeUpstream) Recv() ([]byte, error) {
	if f.idx >= len(f.items) {
		return nil, nil
	}
	item := f.items[f.idx]
	f.idx++
	return item, nil
}

func physicsEventWithTimestamp(ts uint64) []byte {
	return ringitem.Encode(&ringitem.Item{
		Type:       ringitem.TypePhysicsEvent,
		BodyHeader: &ringitem.BodyHeader{Timestamp: ts, SourceID: 1},
		Body:       make([]byte, 4),
	})
}

func TestElementBatchesIntoChunksOfClumpSize(t *testing.T) {
	up := &fakeUpstream{items: [][]byte{
		physicsEventWithTimestamp(10),
		physicsEventWithTimestamp(20),
		physicsEventWithTimestamp(30),
	}}
	fanout := transport.NewFanoutTransport()
	e := NewElement(up, fanout, 2, 5)
	e.Backoff = nil

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	client := transport.NewFanoutClient(1, fanout)
	msg1, _ := client.Recv()
	if msg1.Len() == 0 {
		t.Fatal("expected first chunk of 2 items")
	}
	id := binary.LittleEndian.Uint32(msg1[0])
	if id != 5 {
		t.Fatalf("expected producer id 5, got %d", id)
	}
	if len(msg1)-1 != 2 {
		t.Fatalf("expected 2 items in first chunk, got %d", len(msg1)-1)
	}

	msg2, _ := client.Recv()
	if len(msg2)-1 != 1 {
		t.Fatalf("expected 1 item in flushed partial chunk, got %d", len(msg2)-1)
	}

	msg3, _ := client.Recv()
	if !msg3.IsEnd() {
		t.Fatal("expected end-of-stream marker after partial flush")
	}

	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestElementResetsTimestampOnStreamFormatMarker(t *testing.T) {
	formatMarker := ringitem.Encode(&ringitem.Item{Type: ringitem.TypeRingFormat, Body: make([]byte, 4)})
	noHeader := ringitem.Encode(&ringitem.Item{Type: ringitem.TypePhysicsEvent, Body: make([]byte, 4)})

	up := &fakeUpstream{items: [][]byte{physicsEventWithTimestamp(99), formatMarker, noHeader}}
	fanout := transport.NewFanoutTransport()
	e := NewElement(up, fanout, 10, 1)
	e.Backoff = nil

	go e.Run()

	client := transport.NewFanoutClient(1, fanout)
	msg, _ := client.Recv() // flush on EOF, since clump never reaches 10
	if len(msg)-1 != 3 {
		t.Fatalf("expected 3 items in the flushed chunk, got %d", len(msg)-1)
	}
	ts1 := binary.LittleEndian.Uint64(msg[1][0:8])
	ts2 := binary.LittleEndian.Uint64(msg[2][0:8])
	ts3 := binary.LittleEndian.Uint64(msg[3][0:8])
	if ts1 != 99 {
		t.Fatalf("expected first item to carry timestamp 99, got %d", ts1)
	}
	if ts2 != 0 {
		t.Fatalf("expected stream-format marker to carry reset timestamp 0, got %d", ts2)
	}
	if ts3 != 0 {
		t.Fatalf("expected running timestamp to stay reset until a new body header arrives, got %d", ts3)
	}
}

type erroringUpstream struct{}

func (erroringUpstream) Recv() ([]byte, error) { return nil, errors.New("upstream down") }

func TestElementGivesUpAfterMaxRetries(t *testing.T) {
	fanout := transport.NewFanoutTransport()
	e := NewElement(erroringUpstream{}, fanout, 10, 1)
	e.MaxRetries = 2
	e.Backoff.InitialInterval = 0
	e.Backoff.MaxInterval = 0

	err := e.Run()
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
}
