package transport

import (
	"bytes"
	"testing"
)

func TestWorkerForwardsProcessedMessages(t *testing.T) {
	up := NewChanTransport(4)
	down := NewChanTransport(4)
	w := &Worker{
		Upstream:   up,
		Downstream: down,
		Process: func(data []byte) (Message, error) {
			return Message{bytes.ToUpper(data)}, nil
		},
	}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	up.Send(Message{[]byte("abc")})
	msg, _ := down.Recv()
	if string(msg.Flatten()) != "ABC" {
		t.Fatalf("expected ABC, got %q", msg.Flatten())
	}
	up.End()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	endMsg, _ := down.Recv()
	if !endMsg.IsEnd() {
		t.Fatal("expected end-of-stream propagated downstream")
	}
}

func TestDispatcherRunsAllWorkers(t *testing.T) {
	var workers []*Worker
	var ups []*ChanTransport
	for i := 0; i < 3; i++ {
		up := NewChanTransport(4)
		down := NewChanTransport(4)
		ups = append(ups, up)
		workers = append(workers, &Worker{
			Upstream:   up,
			Downstream: down,
			Process:    func(data []byte) (Message, error) { return nil, nil },
		})
	}
	d := &Dispatcher{Workers: workers}
	done := make(chan error, 1)
	go func() { done <- d.Run() }()
	for _, up := range ups {
		up.End()
	}
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
