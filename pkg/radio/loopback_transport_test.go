//go:build unit

package radio

import (
	"testing"
	"time"
)

func TestLoopbackSendRecordsFrame(t *testing.T) {
	tr := NewLoopbackTransport()
	frame := []byte{0x01, 0x02, 0x03}
	if err := tr.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(tr.Sent) != 1 {
		t.Fatalf("expected 1 sent frame, got %d", len(tr.Sent))
	}
}

func TestLoopbackSendTooLong(t *testing.T) {
	tr := NewLoopbackTransport()
	err := tr.Send(make([]byte, MaxFrameLen+1))
	radioErr, ok := err.(*Error)
	if !ok || radioErr.Status != StatusTooLong {
		t.Fatalf("expected StatusTooLong, got %v", err)
	}
}

func TestLoopbackRecvTimeoutReturnsNil(t *testing.T) {
	tr := NewLoopbackTransport()
	r, err := tr.Recv(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil result on timeout, got %+v", r)
	}
}

func TestLoopbackInjectThenRecv(t *testing.T) {
	tr := NewLoopbackTransport()
	tr.Inject([]byte{0xAA}, -42)
	r, err := tr.Recv(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r == nil || r.RSSI != -42 {
		t.Fatalf("expected rssi -42, got %+v", r)
	}
}

func TestLoopbackOnSendHook(t *testing.T) {
	tr := NewLoopbackTransport()
	var seen []byte
	tr.OnSend(func(frame []byte) error {
		seen = frame
		return nil
	})
	if err := tr.Send([]byte{1, 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("hook did not observe frame: %v", seen)
	}
}
