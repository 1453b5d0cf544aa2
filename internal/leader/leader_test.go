//go:build unit

package leader

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agsys-iot/leader-core/pkg/ota"
	"github.com/agsys-iot/leader-core/pkg/protocol"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"github.com/agsys-iot/leader-core/pkg/store"
)

func newTestLeader(t *testing.T) (*Leader, *radio.LoopbackTransport) {
	t.Helper()
	tr := radio.NewLoopbackTransport()
	st, err := store.Open(filepath.Join(t.TempDir(), "agsys.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	l := NewForTest(Config{}, tr, st)
	return l, tr
}

func TestStartStopIsIdempotentAndClosesTransport(t *testing.T) {
	l, tr := newTestLeader(t)
	l.Start()
	l.Start() // no-op, must not deadlock or double-spawn

	time.Sleep(10 * time.Millisecond)
	l.Stop()
	l.Stop() // no-op

	if !tr.IsClosed() {
		t.Error("expected transport to be closed after Stop")
	}
}

func TestStartOTAAndSensorReportFlowThroughStore(t *testing.T) {
	l, tr := newTestLeader(t)
	l.Start()
	defer l.Stop()

	deviceBuilder := protocol.NewBuilder(protocol.UUID{5})
	payload := make([]byte, protocol.SensorReportSize)
	payload[6] = 42 // moisture_percent
	tr.Inject(deviceBuilder.BuildPacket(protocol.MsgSensorReport, payload), -70)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(l.Devices()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	devices := l.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 device recorded, got %d", len(devices))
	}

	firmware := make([]byte, 64)
	announceID, err := l.StartOTA(firmware, ota.Version{1, 0, 0}, protocol.DeviceAll)
	if err != nil {
		t.Fatalf("StartOTA: %v", err)
	}
	if announceID == 0 {
		t.Error("expected nonzero announce id")
	}

	progress := l.Progress()
	if !progress.Active {
		t.Error("expected active OTA session after StartOTA")
	}

	l.StopOTA()
}
