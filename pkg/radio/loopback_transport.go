package radio

import (
	"sync"
	"time"
)

// LoopbackTransport is a pure-Go, hardware-free Transport used by tests,
// grounded in testutil's fake-hardware pattern. Frames pushed with Inject become available to Recv; frames
// passed to Send are recorded in Sent for assertions.
type LoopbackTransport struct {
	mu      sync.Mutex
	inbox   []RxResult
	Sent    [][]byte
	closed  bool
	onSend  func(frame []byte) error
}

// NewLoopbackTransport returns a ready-to-use fake transport.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{}
}

// OnSend installs a hook invoked synchronously from Send, letting tests
// simulate a device's reaction to an outbound frame (e.g. queue an ACK).
func (l *LoopbackTransport) OnSend(fn func(frame []byte) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSend = fn
}

func (l *LoopbackTransport) Send(frame []byte) error {
	if len(frame) > MaxFrameLen {
		return NewError(StatusTooLong, "frame too long")
	}
	l.mu.Lock()
	cp := append([]byte(nil), frame...)
	l.Sent = append(l.Sent, cp)
	hook := l.onSend
	l.mu.Unlock()

	if hook != nil {
		return hook(cp)
	}
	return nil
}

// Inject makes a frame available to the next Recv call, as if it had
// arrived over the air with the given RSSI.
func (l *LoopbackTransport) Inject(frame []byte, rssi int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbox = append(l.inbox, RxResult{Frame: frame, RSSI: rssi})
}

func (l *LoopbackTransport) Recv(timeout time.Duration) (*RxResult, error) {
	l.mu.Lock()
	if len(l.inbox) > 0 {
		r := l.inbox[0]
		l.inbox = l.inbox[1:]
		l.mu.Unlock()
		return &r, nil
	}
	l.mu.Unlock()
	time.Sleep(minDuration(timeout, time.Millisecond))
	return nil, nil
}

func (l *LoopbackTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (l *LoopbackTransport) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ Transport = (*LoopbackTransport)(nil)
