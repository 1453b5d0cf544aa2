// Package ota implements the leader's OTA firmware-distribution session:
// one active broadcast update at a time, pull-driven chunk delivery, and
// a per-device state machine with retry and timeout handling.
package ota

import (
	"math/rand"
	"sync"
	"time"

	"github.com/agsys-iot/leader-core/pkg/metrics"
	"github.com/agsys-iot/leader-core/pkg/protocol"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"go.uber.org/zap"
)

// Tunables matching the device firmware's expectations exactly.
const (
	ChunkSize             = protocol.ChunkSize
	AnnounceInterval      = 30 * time.Second
	ChunkTimeout          = 10 * time.Second
	MaxRetries            = 5
	announceLoopTick      = 100 * time.Millisecond
)

// State is a device's position in the OTA state machine (spec §4.4.2).
type State int

const (
	StateUnknown State = iota
	StateAnnounced
	StateRequested
	StateReceiving
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateAnnounced:
		return "ANNOUNCED"
	case StateRequested:
		return "REQUESTED"
	case StateReceiving:
		return "RECEIVING"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// noChunk is the in-memory "none" sentinel for LastChunkAcked, distinct
// from the wire sentinel protocol.NoChunkReceived (0xFFFF) that a device
// sends over the air. They must never be confused: this is an int so it
// can hold -1.
const noChunk = -1

// Version is a semantic (major, minor, patch) firmware version.
type Version [3]uint8

// DeviceRecord tracks one device's progress through an active session.
type DeviceRecord struct {
	UUID            protocol.UUID
	State           State
	CurrentVersion  Version
	LastChunkSent   int
	LastChunkSentAt time.Time
	LastChunkAcked  int
	RetryCount      int
	LastActivity    time.Time
	ErrorMessage    string
}

// Session is the single active OTA update. Only one Session may be
// active at a time; Manager enforces this.
type Session struct {
	AnnounceID       uint32
	TargetDeviceType protocol.DeviceType
	FirmwareData     []byte
	FirmwareSize     uint32
	FirmwareCRC      uint32
	Version          Version
	TotalChunks      uint16
	StartTime        time.Time
	Active           bool

	Devices map[protocol.UUID]*DeviceRecord
}

// Callbacks lets the leader observe session-level events without the
// ota package depending on store/metrics/API types.
type Callbacks struct {
	OnDeviceComplete  func(uuid protocol.UUID)
	OnSessionComplete func(successCount, errorCount int)
	OnProgress        func(uuid protocol.UUID, chunksDone, totalChunks int)
}

// Manager owns at most one active Session and the two activities (per
// spec §5) that drive it: the maintenance loop (announce + pending
// chunks + timeout sweep) it starts itself, and the message handling
// the dispatcher drives from the receive loop.
type Manager struct {
	mu        sync.Mutex
	builder   *protocol.Builder
	transport radio.Transport
	log       *zap.SugaredLogger
	session   *Session
	callbacks Callbacks
	metrics   *metrics.Registry

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager constructs a Manager. log and metricsReg may both be nil
// (a no-op logger is substituted; metrics are simply not recorded).
func NewManager(builder *protocol.Builder, transport radio.Transport, log *zap.SugaredLogger, cb Callbacks, metricsReg *metrics.Registry) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{builder: builder, transport: transport, log: log, callbacks: cb, metrics: metricsReg}
}

// ErrSessionActive is returned by StartUpdate when a session is already
// in progress.
type ErrSessionActive struct{}

func (ErrSessionActive) Error() string { return "OTA session already in progress" }

// ErrEmptyFirmware is returned by StartUpdate when firmwareData has
// zero length: there is nothing to chunk and no device can ever
// request or ack a chunk, so the session would never leave Active.
type ErrEmptyFirmware struct{}

func (ErrEmptyFirmware) Error() string { return "firmware image is empty" }

// StartUpdate begins a new broadcast session for firmwareData, returning
// its announce_id. Only one session may be active at a time; an empty
// image is rejected outright (spec: zero-length firmware must either
// reject or vacuously complete — this picks reject).
func (m *Manager) StartUpdate(firmwareData []byte, version Version, targetDeviceType protocol.DeviceType) (uint32, error) {
	if len(firmwareData) == 0 {
		return 0, ErrEmptyFirmware{}
	}

	m.mu.Lock()
	if m.session != nil && m.session.Active {
		m.mu.Unlock()
		return 0, ErrSessionActive{}
	}

	firmwareSize := uint32(len(firmwareData))
	firmwareCRC := protocol.CRC32(firmwareData)
	totalChunks := uint16((len(firmwareData) + ChunkSize - 1) / ChunkSize)

	// announce_id is a random nonzero u32 (spec: "random nonzero u32").
	announceID := uint32(rand.Int63n(int64(^uint32(0)))) + 1

	m.session = &Session{
		AnnounceID:       announceID,
		TargetDeviceType: targetDeviceType,
		FirmwareData:     firmwareData,
		FirmwareSize:     firmwareSize,
		FirmwareCRC:      firmwareCRC,
		Version:          version,
		TotalChunks:      totalChunks,
		StartTime:        time.Now(),
		Active:           true,
		Devices:          make(map[protocol.UUID]*DeviceRecord),
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.log.Infow("starting ota session",
		"announce_id", announceID, "firmware_size", firmwareSize,
		"total_chunks", totalChunks, "crc32", firmwareCRC)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.maintenanceLoop()

	return announceID, nil
}

// StopUpdate idempotently stops the active session: it signals the
// maintenance goroutine to exit (bounded by a 2s join deadline matching
// the original thread.join(timeout=2.0)), broadcasts a single
// OTA_ABORT, and marks the session inactive.
func (m *Manager) StopUpdate() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	m.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		m.log.Warnw("maintenance goroutine did not stop within 2s")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		frame := m.builder.BuildOtaAbort(m.session.AnnounceID)
		if err := m.transport.Send(frame); err != nil {
			m.log.Warnw("sending ota abort failed", "error", err)
		}
		m.log.Infow("ota session stopped", "announce_id", m.session.AnnounceID)
		m.session.Active = false
	}
}

func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()
	ticks := 0
	ticksPerInterval := int(AnnounceInterval / announceLoopTick)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if ticks%ticksPerInterval == 0 {
			m.sendAnnounce()
			m.processPendingChunks()
			m.checkTimeouts()
		}
		ticks++

		select {
		case <-m.stopCh:
			return
		case <-time.After(announceLoopTick):
		}
	}
}

func (m *Manager) sendAnnounce() {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil || !s.Active {
		return
	}
	frame := m.builder.BuildOtaAnnounce(s.TargetDeviceType, s.Version[0], s.Version[1], s.Version[2], s.FirmwareSize, s.FirmwareCRC, s.AnnounceID)
	if err := m.transport.Send(frame); err != nil {
		m.log.Warnw("sending ota announce failed", "error", err)
		return
	}
	m.log.Debugw("sent ota announce", "announce_id", s.AnnounceID)
}

// HandleMessage routes an OTA-block frame to the session. It returns
// false if there is no active session or the message doesn't belong to
// it (stale announce_id).
func (m *Manager) HandleMessage(header protocol.PacketHeader, payload []byte) bool {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil || !s.Active {
		return false
	}

	switch header.MsgType {
	case protocol.MsgOtaRequest:
		return m.handleRequest(header.UUID, payload)
	case protocol.MsgOtaChunkAck:
		return m.handleChunkAck(header.UUID, payload)
	case protocol.MsgOtaChunkNack:
		return m.handleChunkNack(header.UUID, payload)
	case protocol.MsgOtaComplete:
		return m.handleComplete(header.UUID, payload)
	case protocol.MsgOtaStatus:
		return m.handleStatus(header.UUID, payload)
	default:
		return false
	}
}

func (m *Manager) handleRequest(uuid protocol.UUID, payload []byte) bool {
	req, err := protocol.DecodeOtaRequest(payload)
	if err != nil {
		return false
	}

	m.mu.Lock()
	s := m.session
	if s == nil || req.AnnounceID != s.AnnounceID {
		m.mu.Unlock()
		return false
	}
	device, ok := s.Devices[uuid]
	if !ok {
		device = &DeviceRecord{UUID: uuid, LastChunkSent: noChunk, LastChunkAcked: noChunk}
		s.Devices[uuid] = device
	}
	device.CurrentVersion = Version{req.CurrentVersionMajor, req.CurrentVersionMinor, req.CurrentVersionPatch}
	device.State = StateRequested
	device.LastActivity = time.Now()

	var startChunk int
	if req.LastChunkReceived == protocol.NoChunkReceived {
		startChunk = 0
	} else {
		startChunk = int(req.LastChunkReceived) + 1
	}
	device.LastChunkAcked = startChunk - 1
	m.log.Infow("ota request", "uuid", uuid.String(), "start_chunk", startChunk)
	m.mu.Unlock()

	m.sendChunk(uuid, startChunk)
	return true
}

func (m *Manager) handleChunkAck(uuid protocol.UUID, payload []byte) bool {
	ack, err := protocol.DecodeOtaChunkAck(payload)
	if err != nil {
		return false
	}

	m.mu.Lock()
	s := m.session
	if s == nil || ack.AnnounceID != s.AnnounceID {
		m.mu.Unlock()
		return false
	}
	device, ok := s.Devices[uuid]
	if !ok {
		m.mu.Unlock()
		return false
	}

	// Ignore stale ACKs: only advance when the ack is for exactly the
	// chunk we expect next (spec §4.4.3).
	if int(ack.ChunkIndex) != device.LastChunkAcked+1 {
		m.mu.Unlock()
		return true
	}

	if ack.Status == 0 {
		sentAt := device.LastChunkSentAt
		device.LastChunkAcked = int(ack.ChunkIndex)
		device.State = StateReceiving
		device.LastActivity = time.Now()
		device.RetryCount = 0
		next := device.LastChunkAcked + 1
		totalChunks := int(s.TotalChunks)
		cb := m.callbacks.OnProgress
		m.mu.Unlock()

		if m.metrics != nil {
			m.metrics.OtaChunksInFlight.Dec()
			if !sentAt.IsZero() {
				m.metrics.OtaChunkRTT.Observe(time.Since(sentAt).Seconds())
			}
		}
		if cb != nil {
			cb(uuid, device.LastChunkAcked+1, totalChunks)
		}
		if next < totalChunks {
			m.sendChunk(uuid, next)
		}
		return true
	}

	m.mu.Unlock()
	return true
}

func (m *Manager) handleChunkNack(uuid protocol.UUID, payload []byte) bool {
	ack, err := protocol.DecodeOtaChunkNack(payload)
	if err != nil {
		return false
	}

	m.mu.Lock()
	s := m.session
	if s == nil || ack.AnnounceID != s.AnnounceID {
		m.mu.Unlock()
		return false
	}
	device, ok := s.Devices[uuid]
	if !ok {
		m.mu.Unlock()
		return false
	}
	device.LastActivity = time.Now()
	device.RetryCount++
	if device.RetryCount > MaxRetries {
		device.State = StateError
		device.ErrorMessage = "Max retries exceeded"
		m.log.Errorw("device exceeded max retries", "uuid", uuid.String())
		m.checkSessionCompleteLocked()
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OtaChunksInFlight.Dec()
		m.metrics.OtaRetries.Inc()
	}
	m.sendChunk(uuid, int(ack.ChunkIndex))
	return true
}

func (m *Manager) handleComplete(uuid protocol.UUID, payload []byte) bool {
	complete, err := protocol.DecodeOtaComplete(payload)
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || complete.AnnounceID != s.AnnounceID {
		return false
	}
	device, ok := s.Devices[uuid]
	if !ok {
		return false
	}
	device.LastActivity = time.Now()

	if complete.Status == 0 {
		device.State = StateComplete
		m.log.Infow("device completed ota", "uuid", uuid.String())
		if m.callbacks.OnDeviceComplete != nil {
			m.callbacks.OnDeviceComplete(uuid)
		}
	} else {
		device.State = StateError
		device.ErrorMessage = "CRC mismatch"
		m.log.Errorw("device ota crc mismatch", "uuid", uuid.String())
	}

	m.checkSessionCompleteLocked()
	return true
}

func (m *Manager) handleStatus(uuid protocol.UUID, payload []byte) bool {
	status, err := protocol.DecodeOtaStatus(payload)
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || status.AnnounceID != s.AnnounceID {
		return false
	}
	device, ok := s.Devices[uuid]
	if !ok {
		return false
	}
	// Diagnostic only: spec design notes say OTA_STATUS never causes a
	// state transition.
	device.LastActivity = time.Now()
	m.log.Infow("ota status", "uuid", uuid.String(),
		"chunks_received", status.ChunksReceived, "total_chunks", status.TotalChunks,
		"state", status.State, "error_code", status.ErrorCode)
	return true
}

// sendChunk builds and transmits chunkIndex, updating LastChunkSent
// atomically with the send under the session lock so a concurrent ACK
// can never observe a chunk index that wasn't actually transmitted yet.
func (m *Manager) sendChunk(uuid protocol.UUID, chunkIndex int) {
	m.mu.Lock()
	s := m.session
	if s == nil || chunkIndex >= int(s.TotalChunks) {
		m.mu.Unlock()
		return
	}
	frame := m.builder.BuildOtaChunk(s.AnnounceID, s.FirmwareData, uint16(chunkIndex))
	if err := m.transport.Send(frame); err != nil {
		m.log.Warnw("sending ota chunk failed", "error", err, "chunk", chunkIndex)
		m.mu.Unlock()
		return
	}
	if device, ok := s.Devices[uuid]; ok {
		device.LastChunkSent = chunkIndex
		device.LastChunkSentAt = time.Now()
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OtaChunksInFlight.Inc()
	}
}

func (m *Manager) processPendingChunks() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}
	type pending struct {
		uuid  protocol.UUID
		chunk int
	}
	var toSend []pending
	for uuid, device := range s.Devices {
		if device.State != StateReceiving {
			continue
		}
		next := device.LastChunkAcked + 1
		if next < int(s.TotalChunks) && device.LastChunkSent < next {
			toSend = append(toSend, pending{uuid, next})
		}
	}
	m.mu.Unlock()

	for _, p := range toSend {
		m.sendChunk(p.uuid, p.chunk)
	}
}

func (m *Manager) checkTimeouts() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	type resend struct {
		uuid  protocol.UUID
		chunk int
	}
	var toResend []resend
	for uuid, device := range s.Devices {
		if device.State != StateRequested && device.State != StateReceiving {
			continue
		}
		if now.Sub(device.LastActivity) <= ChunkTimeout {
			continue
		}
		device.RetryCount++
		if device.RetryCount > MaxRetries {
			device.State = StateError
			device.ErrorMessage = "Timeout"
			m.log.Errorw("device ota timed out", "uuid", uuid.String())
			continue
		}
		chunk := device.LastChunkAcked + 1
		if chunk < int(s.TotalChunks) {
			device.LastActivity = now
			toResend = append(toResend, resend{uuid, chunk})
		}
	}
	m.checkSessionCompleteLocked()
	m.mu.Unlock()

	for _, r := range toResend {
		m.log.Infow("timeout, resending chunk", "uuid", r.uuid.String(), "chunk", r.chunk)
		if m.metrics != nil {
			m.metrics.OtaChunksInFlight.Dec()
			m.metrics.OtaRetries.Inc()
		}
		m.sendChunk(r.uuid, r.chunk)
	}
}

// checkSessionCompleteLocked must be called with m.mu held. It fires
// OnSessionComplete and deactivates the session once every device has
// reached a terminal state and at least one device has participated.
func (m *Manager) checkSessionCompleteLocked() {
	s := m.session
	if s == nil || len(s.Devices) == 0 {
		return
	}
	successCount, errorCount := 0, 0
	for _, d := range s.Devices {
		switch d.State {
		case StateComplete:
			successCount++
		case StateError:
			errorCount++
		default:
			return // not all terminal yet
		}
	}
	m.log.Infow("ota session complete", "success", successCount, "error", errorCount)
	if m.callbacks.OnSessionComplete != nil {
		m.callbacks.OnSessionComplete(successCount, errorCount)
	}
	s.Active = false
	m.running = false
}

// Progress is the snapshot returned by GET /api/ota/progress.
type Progress struct {
	Active           bool
	AnnounceID       uint32
	Version          Version
	FirmwareSize     uint32
	TotalChunks      uint16
	DevicesTotal     int
	DevicesComplete  int
	DevicesError     int
	DevicesReceiving int
	ElapsedSec       int
}

// GetProgress returns a snapshot of the active session's progress.
func (m *Manager) GetProgress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return Progress{}
	}
	p := Progress{
		Active:       s.Active,
		AnnounceID:   s.AnnounceID,
		Version:      s.Version,
		FirmwareSize: s.FirmwareSize,
		TotalChunks:  s.TotalChunks,
		DevicesTotal: len(s.Devices),
		ElapsedSec:   int(time.Since(s.StartTime).Seconds()),
	}
	for _, d := range s.Devices {
		switch d.State {
		case StateComplete:
			p.DevicesComplete++
		case StateError:
			p.DevicesError++
		case StateReceiving:
			p.DevicesReceiving++
		}
	}
	return p
}

// DeviceStatus is one row of GET /api/ota/devices.
type DeviceStatus struct {
	UUID           protocol.UUID
	State          State
	CurrentVersion Version
	Progress       int
	LastChunk      int
	RetryCount     int
	Error          string
}

// GetDeviceStatus returns the per-device status of the active session.
func (m *Manager) GetDeviceStatus() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil {
		return nil
	}
	result := make([]DeviceStatus, 0, len(s.Devices))
	for _, d := range s.Devices {
		progress := 0
		if s.TotalChunks > 0 && d.LastChunkAcked >= 0 {
			progress = (d.LastChunkAcked + 1) * 100 / int(s.TotalChunks)
		}
		result = append(result, DeviceStatus{
			UUID:           d.UUID,
			State:          d.State,
			CurrentVersion: d.CurrentVersion,
			Progress:       progress,
			LastChunk:      d.LastChunkAcked,
			RetryCount:     d.RetryCount,
			Error:          d.ErrorMessage,
		})
	}
	return result
}
