package ringbuffer

import "testing"

func TestInit(t *testing.T) {
	pageSize := uint64(4096)
	nPages := uint32(2)
	data := make([]byte, pageSize*(1+uint64(nPages)))

	tests := []struct {
		name      string
		data      []byte
		nPages    uint32
		pageSize  uint64
		wantError bool
	}{
		{name: "valid", data: data, nPages: nPages, pageSize: pageSize},
		{name: "nil data", data: nil, nPages: nPages, pageSize: pageSize, wantError: true},
		{name: "invalid size", data: make([]byte, 7), nPages: 1, pageSize: 7, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Init(tt.data, tt.nPages, tt.pageSize)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r == nil {
				t.Fatal("expected non-nil ring")
			}
		})
	}
}

func TestWriteAndRead(t *testing.T) {
	pageSize := uint64(4096)
	nPages := uint32(2)
	data := make([]byte, pageSize*(1+uint64(nPages)))
	r, err := Init(data, nPages, pageSize)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}

	payload := []byte("ring item bytes")
	r.StartWriteBatch()
	if _, err := r.Write(payload, 30); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	r.FinishWriteBatch()

	r.StartReadBatch()
	size, err := r.PeekSize()
	if err != nil {
		t.Fatalf("peek size failed: %v", err)
	}
	if size != (len(payload)+7)/8*8 {
		t.Fatalf("expected aligned size %d, got %d", (len(payload)+7)/8*8, size)
	}
	if typ := r.PeekType(); typ != 30 {
		t.Fatalf("expected type 30, got %d", typ)
	}
	buf := make([]byte, size)
	if err := r.PeekCopy(buf, 0); err != nil {
		t.Fatalf("peek copy failed: %v", err)
	}
	if string(buf[:len(payload)]) != string(payload) {
		t.Fatalf("data mismatch: got %q", buf[:len(payload)])
	}
	if err := r.Pop(); err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	r.FinishReadBatch()
	if rem := r.BytesRemaining(); rem != 0 {
		t.Fatalf("expected 0 remaining, got %d", rem)
	}
}

func TestWriteRejectsEmptyAndOversize(t *testing.T) {
	pageSize := uint64(4096)
	data := make([]byte, pageSize*2)
	r, err := Init(data, 1, pageSize)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	r.StartWriteBatch()
	if _, err := r.Write(nil, 1); err != ErrEmptyWrite {
		t.Fatalf("expected ErrEmptyWrite, got %v", err)
	}
	huge := make([]byte, pageSize*2)
	if _, err := r.Write(huge, 1); err != ErrCannotFit {
		t.Fatalf("expected ErrCannotFit, got %v", err)
	}
}
