// Package leader wires the radio transport, protocol codec, OTA
// session manager, dispatcher, store, and metrics into one running
// leader process — the Go translation of
// original_source/leader/src/controller.py's Controller.
package leader

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agsys-iot/leader-core/pkg/dispatch"
	"github.com/agsys-iot/leader-core/pkg/metrics"
	"github.com/agsys-iot/leader-core/pkg/ota"
	"github.com/agsys-iot/leader-core/pkg/protocol"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"github.com/agsys-iot/leader-core/pkg/store"
	"go.uber.org/zap"
)

// Config bundles everything needed to start a Leader.
type Config struct {
	DevicePath  string
	DBPath      string
	RadioConfig radio.Config
	Log         *zap.SugaredLogger
	Metrics     *metrics.Registry
}

// Leader owns the transport, the OTA manager, the dispatcher, and the
// store, and exposes the operations D2 (HTTP API) and D3 (CLI) call.
type Leader struct {
	cfg        Config
	log        *zap.SugaredLogger
	transport  radio.Transport
	builder    *protocol.Builder
	otaMgr     *ota.Manager
	dispatcher *dispatch.Dispatcher
	store      *store.Store

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New opens the store and radio transport and wires the dispatcher and
// OTA manager together, but does not start any goroutines yet — call
// Start for that.
func New(cfg Config) (*Leader, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	transport, err := radio.OpenSPITransport(cfg.DevicePath, cfg.RadioConfig)
	if err != nil {
		return nil, fmt.Errorf("opening radio transport: %w", err)
	}

	return newWithTransport(cfg, log, transport, st), nil
}

// newWithTransport wires a Leader around an already-open transport and
// store, skipping hardware I/O. Exported via NewForTest so tests can
// substitute radio.LoopbackTransport.
func newWithTransport(cfg Config, log *zap.SugaredLogger, transport radio.Transport, st *store.Store) *Leader {
	builder := protocol.NewBuilder(protocol.UUID{})

	l := &Leader{cfg: cfg, log: log, transport: transport, builder: builder, store: st}

	otaMgr := ota.NewManager(builder, transport, log, ota.Callbacks{
		OnDeviceComplete:  l.onOtaDeviceComplete,
		OnSessionComplete: l.onOtaSessionComplete,
		OnProgress:        l.onOtaProgress,
	}, cfg.Metrics)
	l.otaMgr = otaMgr
	l.dispatcher = dispatch.New(transport, builder, otaMgr, st, log, cfg.Metrics)

	return l
}

// NewForTest wires a Leader around a caller-supplied transport and
// store, bypassing device-file I/O. Intended for tests in this package
// and in internal/api.
func NewForTest(cfg Config, transport radio.Transport, st *store.Store) *Leader {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return newWithTransport(cfg, log, transport, st)
}

// Start starts the receive loop; the OTA maintenance loop is started by
// the OTA manager itself when StartOTA begins a campaign. Start is
// idempotent; calling Start twice on an already-running Leader is a
// no-op.
func (l *Leader) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.dispatcher.Run(ctx)
	}()

	l.log.Info("leader started")
}

// Stop stops the OTA manager and the receive loop, and closes the
// radio transport. Safe to call multiple times.
func (l *Leader) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	l.otaMgr.StopUpdate()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()

	if err := l.transport.Close(); err != nil {
		l.log.Warnw("closing radio transport", "error", err)
	}
	l.log.Info("leader stopped")
}

// StartOTA begins broadcasting firmwareData to targetDeviceType
// (protocol.DeviceAll broadcasts to every device type)
// and returns the announce_id used to track the campaign.
func (l *Leader) StartOTA(firmwareData []byte, version ota.Version, targetDeviceType protocol.DeviceType) (uint32, error) {
	return l.otaMgr.StartUpdate(firmwareData, version, targetDeviceType)
}

// StopOTA aborts any active campaign.
func (l *Leader) StopOTA() {
	l.otaMgr.StopUpdate()
}

// Progress returns the active campaign's progress snapshot.
func (l *Leader) Progress() ota.Progress {
	return l.otaMgr.GetProgress()
}

// DeviceStatus returns per-device OTA status for the active campaign.
func (l *Leader) DeviceStatus() []ota.DeviceStatus {
	return l.otaMgr.GetDeviceStatus()
}

// Devices returns every device the leader has ever heard from.
func (l *Leader) Devices() []store.Device {
	return l.store.ListDevices()
}

// SensorData returns up to limit most-recent sensor readings for uuid.
func (l *Leader) SensorData(uuid string, limit int) []store.SensorReading {
	return l.store.SensorReadings(uuid, limit)
}

func (l *Leader) onOtaDeviceComplete(uuid protocol.UUID) {
	l.log.Infow("device completed OTA", "uuid", uuid.String())
}

// onOtaSessionComplete is called by the OTA manager with its lock held.
// GetProgress takes that same lock, so the history write runs on its own
// goroutine once the manager has released it.
func (l *Leader) onOtaSessionComplete(successCount, errorCount int) {
	go l.recordOtaSessionComplete(successCount, errorCount)
}

func (l *Leader) recordOtaSessionComplete(successCount, errorCount int) {
	progress := l.otaMgr.GetProgress()
	l.store.RecordOtaHistory(store.OtaHistoryEntry{
		AnnounceID:     progress.AnnounceID,
		Version:        fmt.Sprintf("%d.%d.%d", progress.Version[0], progress.Version[1], progress.Version[2]),
		StartTime:      time.Now().Add(-time.Duration(progress.ElapsedSec) * time.Second),
		EndTime:        time.Now(),
		DevicesSuccess: successCount,
		DevicesFailed:  errorCount,
	})
	l.log.Infow("OTA campaign complete", "success", successCount, "failed", errorCount)

	if l.cfg.Metrics != nil {
		l.cfg.Metrics.OtaSessionActive.Set(0)
	}
}

func (l *Leader) onOtaProgress(uuid protocol.UUID, chunksDone, totalChunks int) {
	if l.cfg.Metrics == nil {
		return
	}
	l.cfg.Metrics.OtaSessionActive.Set(1)
}

// FirmwareExists reports whether path can be read, so D2 can 404 before
// attempting a StartOTA call on a missing file.
func FirmwareExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
