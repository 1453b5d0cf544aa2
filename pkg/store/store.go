// Package store is the leader's persistence collaborator: known devices,
// their sensor history, and OTA campaign history. No SQL driver exists
// anywhere in the retrieved example corpus, so the three tables of
// original_source/leader/src/controller.py are reproduced here as
// in-process maps guarded by a sync.RWMutex and flushed to a single JSON
// file on every mutation, rather than reaching for a fabricated driver.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agsys-iot/leader-core/pkg/protocol"
)

// Device mirrors the devices table: one row per UUID ever seen.
type Device struct {
	UUID            string              `json:"uuid"`
	DeviceType      protocol.DeviceType `json:"device_type"`
	FirstSeen       time.Time           `json:"first_seen"`
	LastSeen        time.Time           `json:"last_seen"`
	FirmwareVersion string              `json:"firmware_version"`
	BatteryMv       uint16              `json:"battery_mv"`
	RSSI            int                 `json:"rssi"`
}

// SensorReading mirrors one row of the sensor_data table. Temperature is
// kept in deci-°C exactly as the wire payload carries it; conversion to
// °C is a presentation concern of the HTTP API and CLI, not the store.
type SensorReading struct {
	Timestamp        time.Time `json:"timestamp"`
	MoistureRaw      uint16    `json:"moisture_raw"`
	MoisturePercent  uint8     `json:"moisture_percent"`
	BatteryMv        uint16    `json:"battery_mv"`
	TemperatureDeciC int16     `json:"temperature_deci_c"`
	RSSI             int       `json:"rssi"`
}

// OtaHistoryEntry mirrors one row of the ota_history table.
type OtaHistoryEntry struct {
	AnnounceID     uint32    `json:"announce_id"`
	FirmwarePath   string    `json:"firmware_path"`
	Version        string    `json:"version"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	DevicesSuccess int       `json:"devices_success"`
	DevicesFailed  int       `json:"devices_failed"`
}

type document struct {
	Devices    map[string]*Device         `json:"devices"`
	SensorData map[string][]SensorReading `json:"sensor_data"`
	OtaHistory []OtaHistoryEntry          `json:"ota_history"`
}

// Store is the in-process, JSON-backed persistence layer.
type Store struct {
	mu      sync.RWMutex
	path    string
	doc     document
	nowFunc func() time.Time
}

// Open loads path if it exists, or starts with an empty document. path's
// parent directory is created if needed; every mutating call flushes the
// full document back to path.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc: document{
			Devices:    make(map[string]*Device),
			SensorData: make(map[string][]SensorReading),
		},
		nowFunc: time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if dir := filepath.Dir(path); dir != "." {
				if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
					return nil, mkErr
				}
			}
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, err
	}
	if s.doc.Devices == nil {
		s.doc.Devices = make(map[string]*Device)
	}
	if s.doc.SensorData == nil {
		s.doc.SensorData = make(map[string][]SensorReading)
	}
	return s, nil
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// UpsertDeviceSeen inserts a device on first sighting or updates
// last_seen/battery_mv/rssi on repeat sightings, matching
// controller.py's _save_device / _update_device split.
func (s *Store) UpsertDeviceSeen(uuid protocol.UUID, deviceType protocol.DeviceType, report protocol.SensorReport, rssi int) {
	key := uuid.String()
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, exists := s.doc.Devices[key]
	if !exists {
		s.doc.Devices[key] = &Device{
			UUID:            key,
			DeviceType:      deviceType,
			FirstSeen:       now,
			LastSeen:        now,
			FirmwareVersion: "unknown",
			BatteryMv:       report.BatteryMv,
			RSSI:            rssi,
		}
	} else {
		d.LastSeen = now
		d.BatteryMv = report.BatteryMv
		d.RSSI = rssi
	}

	_ = s.flushLocked()
}

// ListDevices returns all known devices, most-recently-seen order is not
// guaranteed.
func (s *Store) ListDevices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.doc.Devices))
	for _, d := range s.doc.Devices {
		out = append(out, *d)
	}
	return out
}

// AppendSensorReading records one sensor_data row for uuid.
func (s *Store) AppendSensorReading(uuid protocol.UUID, report protocol.SensorReport, rssi int) {
	key := uuid.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.SensorData[key] = append(s.doc.SensorData[key], SensorReading{
		Timestamp:        s.nowFunc(),
		MoistureRaw:      report.MoistureRaw,
		MoisturePercent:  report.MoisturePercent,
		BatteryMv:        report.BatteryMv,
		TemperatureDeciC: report.TemperatureDeciC,
		RSSI:             rssi,
	})

	_ = s.flushLocked()
}

// SensorReadings returns up to limit most-recent readings for uuid,
// newest first, matching the "ORDER BY timestamp DESC LIMIT ?" query in
// controller.py.
func (s *Store) SensorReadings(uuid string, limit int) []SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.doc.SensorData[uuid]
	n := len(all)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]SensorReading, limit)
	for i := 0; i < limit; i++ {
		out[i] = all[n-1-i]
	}
	return out
}

// RecordOtaHistory appends one ota_history row for a completed or
// aborted campaign.
func (s *Store) RecordOtaHistory(entry OtaHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.OtaHistory = append(s.doc.OtaHistory, entry)
	_ = s.flushLocked()
}

// OtaHistory returns all recorded campaigns, oldest first.
func (s *Store) OtaHistory() []OtaHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]OtaHistoryEntry, len(s.doc.OtaHistory))
	copy(out, s.doc.OtaHistory)
	return out
}
