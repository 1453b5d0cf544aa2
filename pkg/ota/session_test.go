//go:build unit

package ota

import (
	"testing"
	"time"

	"github.com/agsys-iot/leader-core/pkg/metrics"
	"github.com/agsys-iot/leader-core/pkg/protocol"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testUUID(b byte) protocol.UUID {
	var u protocol.UUID
	u[0] = b
	return u
}

func requestFrame(b *protocol.Builder, announceID uint32, lastChunk uint16) (protocol.PacketHeader, []byte) {
	payload := protocol.OtaRequest{AnnounceID: announceID, LastChunkReceived: lastChunk}
	buf := make([]byte, protocol.OtaRequestSize)
	_ = payload
	// encode manually since OtaRequest has no Encode(); reuse DecodeOtaRequest's
	// inverse by hand for the test fixture.
	encodeOtaRequest(buf, announceID, lastChunk)
	frame := b.BuildPacket(protocol.MsgOtaRequest, buf)
	h, pl, err := protocol.ParsePacket(frame)
	if err != nil {
		panic(err)
	}
	return h, pl
}

func encodeOtaRequest(buf []byte, announceID uint32, lastChunk uint16) {
	buf[0] = byte(announceID)
	buf[1] = byte(announceID >> 8)
	buf[2] = byte(announceID >> 16)
	buf[3] = byte(announceID >> 24)
	buf[7] = byte(lastChunk)
	buf[8] = byte(lastChunk >> 8)
}

func ackFrame(b *protocol.Builder, announceID uint32, chunkIndex uint16, status uint8) (protocol.PacketHeader, []byte) {
	buf := make([]byte, protocol.OtaChunkAckSize)
	buf[0] = byte(announceID)
	buf[1] = byte(announceID >> 8)
	buf[2] = byte(announceID >> 16)
	buf[3] = byte(announceID >> 24)
	buf[4] = byte(chunkIndex)
	buf[5] = byte(chunkIndex >> 8)
	buf[6] = status
	frame := b.BuildPacket(protocol.MsgOtaChunkAck, buf)
	h, pl, err := protocol.ParsePacket(frame)
	if err != nil {
		panic(err)
	}
	return h, pl
}

func completeFrame(b *protocol.Builder, announceID uint32, status uint8) (protocol.PacketHeader, []byte) {
	buf := make([]byte, protocol.OtaCompleteSize)
	buf[0] = byte(announceID)
	buf[1] = byte(announceID >> 8)
	buf[2] = byte(announceID >> 16)
	buf[3] = byte(announceID >> 24)
	buf[8] = status
	frame := b.BuildPacket(protocol.MsgOtaComplete, buf)
	h, pl, err := protocol.ParsePacket(frame)
	if err != nil {
		panic(err)
	}
	return h, pl
}

func newTestManager(t *testing.T) (*Manager, *radio.LoopbackTransport) {
	t.Helper()
	tr := radio.NewLoopbackTransport()
	b := protocol.NewBuilder(protocol.UUID{})
	m := NewManager(b, tr, nil, Callbacks{}, nil)
	return m, tr
}

func newTestManagerWithMetrics(t *testing.T) (*Manager, *radio.LoopbackTransport, *metrics.Registry) {
	t.Helper()
	tr := radio.NewLoopbackTransport()
	b := protocol.NewBuilder(protocol.UUID{})
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	m := NewManager(b, tr, nil, Callbacks{}, reg)
	return m, tr, reg
}

// S1: happy path, 450-byte firmware, 3 chunks.
func TestScenarioHappyPath(t *testing.T) {
	m, tr := newTestManager(t)
	firmware := make([]byte, 450)
	announceID, err := m.StartUpdate(firmware, Version{1, 2, 3}, protocol.DeviceSoilMoisture)
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	defer m.StopUpdate()

	uuid := testUUID(1)
	builder := protocol.NewBuilder(uuid)

	h, payload := requestFrame(builder, announceID, protocol.NoChunkReceived)
	if !m.HandleMessage(h, payload) {
		t.Fatal("request not handled")
	}
	if got := len(sentChunks(t, tr)); got != 1 {
		t.Fatalf("expected chunk 0 sent, got %d chunk sends", got)
	}

	for i := uint16(0); i < 2; i++ {
		h, payload = ackFrame(builder, announceID, i, 0)
		if !m.HandleMessage(h, payload) {
			t.Fatalf("ack %d not handled", i)
		}
	}
	if got := len(sentChunks(t, tr)); got != 3 {
		t.Fatalf("expected 3 total chunk sends after 2 acks, got %d", got)
	}

	h, payload = ackFrame(builder, announceID, 2, 0)
	if !m.HandleMessage(h, payload) {
		t.Fatal("final ack not handled")
	}

	h, payload = completeFrame(builder, announceID, 0)
	if !m.HandleMessage(h, payload) {
		t.Fatal("complete not handled")
	}

	status := m.GetDeviceStatus()
	if len(status) != 1 || status[0].State != StateComplete {
		t.Fatalf("expected device complete, got %+v", status)
	}
}

// S2: NACK-driven retransmit is byte-identical.
func TestScenarioNackRetransmit(t *testing.T) {
	m, tr := newTestManager(t)
	firmware := make([]byte, 450)
	for i := range firmware {
		firmware[i] = byte(i)
	}
	announceID, _ := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF)
	defer m.StopUpdate()

	uuid := testUUID(2)
	builder := protocol.NewBuilder(uuid)
	h, payload := requestFrame(builder, announceID, protocol.NoChunkReceived)
	m.HandleMessage(h, payload)
	chunks := sentChunks(t, tr)
	firstSend := append([]byte(nil), chunks[len(chunks)-1]...)

	// NACK chunk 0 (same wire shape as an ack, opcode distinguishes it).
	buf := make([]byte, protocol.OtaChunkAckSize)
	buf[0] = byte(announceID)
	buf[1] = byte(announceID >> 8)
	buf[2] = byte(announceID >> 16)
	buf[3] = byte(announceID >> 24)
	buf[4] = 0
	nackFrame := builder.BuildPacket(protocol.MsgOtaChunkNack, buf)
	hh, pl, err := protocol.ParsePacket(nackFrame)
	if err != nil {
		t.Fatal(err)
	}
	if !m.HandleMessage(hh, pl) {
		t.Fatal("nack not handled")
	}

	// Only the header's sequence number differs between the two frames;
	// the OTA_CHUNK payload must be byte-identical.
	chunks = sentChunks(t, tr)
	secondSend := chunks[len(chunks)-1]
	if string(payloadOf(t, firstSend)) != string(payloadOf(t, secondSend)) {
		t.Error("retransmitted chunk is not byte-identical to the original")
	}
}

// S3: max retries exceeded after 6 NACKs.
func TestScenarioMaxRetriesExceeded(t *testing.T) {
	m, _ := newTestManager(t)
	firmware := make([]byte, 450)
	announceID, _ := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF)
	defer m.StopUpdate()

	uuid := testUUID(3)
	builder := protocol.NewBuilder(uuid)
	h, payload := requestFrame(builder, announceID, protocol.NoChunkReceived)
	m.HandleMessage(h, payload)

	for i := 0; i < 6; i++ {
		buf := make([]byte, protocol.OtaChunkAckSize)
		buf[0] = byte(announceID)
		buf[1] = byte(announceID >> 8)
		buf[2] = byte(announceID >> 16)
		buf[3] = byte(announceID >> 24)
		nackFrame := builder.BuildPacket(protocol.MsgOtaChunkNack, buf)
		hh, pl, _ := protocol.ParsePacket(nackFrame)
		m.HandleMessage(hh, pl)
	}

	status := m.GetDeviceStatus()
	if len(status) != 1 || status[0].State != StateError || status[0].Error != "Max retries exceeded" {
		t.Fatalf("expected error state after 6 nacks, got %+v", status)
	}
}

// Ack monotonicity + duplicate-ack idempotence: a stale or repeated ACK
// never regresses LastChunkAcked nor triggers a duplicate send.
func TestAckMonotonicityAndDuplicateIdempotence(t *testing.T) {
	m, tr := newTestManager(t)
	firmware := make([]byte, 450)
	announceID, _ := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF)
	defer m.StopUpdate()

	uuid := testUUID(4)
	builder := protocol.NewBuilder(uuid)
	h, payload := requestFrame(builder, announceID, protocol.NoChunkReceived)
	m.HandleMessage(h, payload)

	h, payload = ackFrame(builder, announceID, 0, 0)
	m.HandleMessage(h, payload)
	sentAfterFirstAck := len(sentChunks(t, tr))

	// Duplicate ACK for chunk 0 again: stale (not last_chunk_acked+1).
	h, payload = ackFrame(builder, announceID, 0, 0)
	m.HandleMessage(h, payload)
	if got := len(sentChunks(t, tr)); got != sentAfterFirstAck {
		t.Errorf("duplicate ack triggered an extra send: before=%d after=%d", sentAfterFirstAck, got)
	}

	status := m.GetDeviceStatus()
	if status[0].LastChunk != 0 {
		t.Errorf("LastChunk regressed: %+v", status[0])
	}
}

// Timeout sweep: one sweep over a device stuck in RECEIVING past
// ChunkTimeout counts one retry.
func TestMaintenanceTimeoutSweep(t *testing.T) {
	m, _ := newTestManager(t)
	firmware := make([]byte, 450)
	announceID, _ := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF)
	defer m.StopUpdate()

	uuid := testUUID(5)
	m.mu.Lock()
	m.session.Devices[uuid] = &DeviceRecord{
		UUID:           uuid,
		State:          StateReceiving,
		LastChunkAcked: 0,
		LastChunkSent:  0,
		LastActivity:   time.Now().Add(-ChunkTimeout - time.Second),
	}
	m.mu.Unlock()
	_ = announceID

	m.checkTimeouts()

	status := m.GetDeviceStatus()
	if len(status) != 1 || status[0].RetryCount != 1 {
		t.Fatalf("expected retry_count 1 after one timeout sweep, got %+v", status)
	}
}

func TestStartUpdateRejectsEmptyFirmware(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartUpdate(nil, Version{1, 0, 0}, 0xFF)
	if _, ok := err.(ErrEmptyFirmware); !ok {
		t.Fatalf("expected ErrEmptyFirmware, got %v", err)
	}
	if m.session != nil {
		t.Error("no session should have been created for empty firmware")
	}
}

// Firmware whose size is an exact multiple of ChunkSize must not
// produce a short trailing chunk.
func TestScenarioFirmwareExactMultipleOfChunkSize(t *testing.T) {
	m, tr := newTestManager(t)
	firmware := make([]byte, 3*ChunkSize)
	announceID, err := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF)
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	defer m.StopUpdate()

	uuid := testUUID(6)
	builder := protocol.NewBuilder(uuid)
	h, payload := requestFrame(builder, announceID, protocol.NoChunkReceived)
	m.HandleMessage(h, payload)

	for i := uint16(0); i < 2; i++ {
		h, payload = ackFrame(builder, announceID, i, 0)
		m.HandleMessage(h, payload)
	}
	chunks := sentChunks(t, tr)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunk sends for a 3*ChunkSize image, got %d", len(chunks))
	}
	last, err := protocol.DecodeOtaChunk(payloadOf(t, chunks[2]))
	if err != nil {
		t.Fatalf("DecodeOtaChunk: %v", err)
	}
	if int(last.ChunkSize) != ChunkSize {
		t.Errorf("last chunk size = %d, want exactly %d", last.ChunkSize, ChunkSize)
	}
}

func payloadOf(t *testing.T, frame []byte) []byte {
	t.Helper()
	_, payload, err := protocol.ParsePacket(frame)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	return payload
}

// sentChunks returns the OTA_CHUNK frames recorded by tr, leaving out the
// OTA_ANNOUNCE frames the maintenance loop broadcasts as soon as a
// session starts.
func sentChunks(t *testing.T, tr *radio.LoopbackTransport) [][]byte {
	t.Helper()
	var chunks [][]byte
	for _, frame := range tr.Sent {
		h, _, err := protocol.ParsePacket(frame)
		if err != nil {
			t.Fatalf("ParsePacket: %v", err)
		}
		if h.MsgType == protocol.MsgOtaChunk {
			chunks = append(chunks, frame)
		}
	}
	return chunks
}

func TestMetricsWiredThroughChunkLifecycle(t *testing.T) {
	m, _, reg := newTestManagerWithMetrics(t)
	firmware := make([]byte, 450)
	announceID, err := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF)
	if err != nil {
		t.Fatalf("StartUpdate: %v", err)
	}
	defer m.StopUpdate()

	uuid := testUUID(7)
	builder := protocol.NewBuilder(uuid)

	h, payload := requestFrame(builder, announceID, protocol.NoChunkReceived)
	m.HandleMessage(h, payload)
	if got := testutil.ToFloat64(reg.OtaChunksInFlight); got != 1 {
		t.Errorf("OtaChunksInFlight after one send = %v, want 1", got)
	}

	h, payload = ackFrame(builder, announceID, 0, 0)
	m.HandleMessage(h, payload)
	if got := testutil.ToFloat64(reg.OtaChunksInFlight); got != 1 {
		t.Errorf("OtaChunksInFlight after ack+resend = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(reg.OtaChunkRTT); got != 1 {
		t.Errorf("OtaChunkRTT collected metric count = %d, want 1", got)
	}

	buf := make([]byte, protocol.OtaChunkAckSize)
	buf[0] = byte(announceID)
	buf[1] = byte(announceID >> 8)
	buf[2] = byte(announceID >> 16)
	buf[3] = byte(announceID >> 24)
	buf[4] = 1
	nackFrame := builder.BuildPacket(protocol.MsgOtaChunkNack, buf)
	hh, pl, err := protocol.ParsePacket(nackFrame)
	if err != nil {
		t.Fatal(err)
	}
	m.HandleMessage(hh, pl)
	if got := testutil.ToFloat64(reg.OtaRetries); got != 1 {
		t.Errorf("OtaRetries after one nack = %v, want 1", got)
	}
}

func TestSessionAlreadyActive(t *testing.T) {
	m, _ := newTestManager(t)
	firmware := make([]byte, 10)
	if _, err := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF); err != nil {
		t.Fatalf("first StartUpdate: %v", err)
	}
	defer m.StopUpdate()
	if _, err := m.StartUpdate(firmware, Version{1, 0, 0}, 0xFF); err == nil {
		t.Fatal("expected ErrSessionActive on second StartUpdate")
	}
}
