//go:build unit

package store

import (
	"path/filepath"
	"testing"

	"github.com/agsys-iot/leader-core/pkg/protocol"
)

func TestUpsertDeviceSeenInsertsThenUpdates(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "agsys.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	uuid := protocol.UUID{1, 2, 3}
	s.UpsertDeviceSeen(uuid, protocol.DeviceSoilMoisture, protocol.SensorReport{BatteryMv: 3300}, -60)

	devices := s.ListDevices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].FirmwareVersion != "unknown" {
		t.Errorf("new device firmware_version = %q, want \"unknown\"", devices[0].FirmwareVersion)
	}
	firstSeen := devices[0].FirstSeen

	s.UpsertDeviceSeen(uuid, protocol.DeviceSoilMoisture, protocol.SensorReport{BatteryMv: 3100}, -55)

	devices = s.ListDevices()
	if len(devices) != 1 {
		t.Fatalf("expected still 1 device after update, got %d", len(devices))
	}
	if devices[0].BatteryMv != 3100 {
		t.Errorf("BatteryMv not updated: %d", devices[0].BatteryMv)
	}
	if devices[0].RSSI != -55 {
		t.Errorf("RSSI not updated: %d", devices[0].RSSI)
	}
	if !devices[0].FirstSeen.Equal(firstSeen) {
		t.Error("first_seen should not change on repeat sighting")
	}
}

func TestAppendSensorReadingAndLimit(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "agsys.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	uuid := protocol.UUID{7}

	for i := 0; i < 5; i++ {
		s.AppendSensorReading(uuid, protocol.SensorReport{MoisturePercent: uint8(i)}, -50)
	}

	readings := s.SensorReadings(uuid.String(), 3)
	if len(readings) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(readings))
	}
	// Newest first: the last appended had MoisturePercent=4.
	if readings[0].MoisturePercent != 4 {
		t.Errorf("readings[0].MoisturePercent = %d, want 4", readings[0].MoisturePercent)
	}
	if readings[2].MoisturePercent != 2 {
		t.Errorf("readings[2].MoisturePercent = %d, want 2", readings[2].MoisturePercent)
	}

	all := s.SensorReadings(uuid.String(), 0)
	if len(all) != 5 {
		t.Fatalf("limit<=0 should return all readings, got %d", len(all))
	}
}

func TestRecordOtaHistory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "agsys.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.RecordOtaHistory(OtaHistoryEntry{AnnounceID: 42, DevicesSuccess: 2})

	history := s.OtaHistory()
	if len(history) != 1 || history[0].AnnounceID != 42 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestOpenPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agsys.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	uuid := protocol.UUID{9}
	s.UpsertDeviceSeen(uuid, protocol.DeviceSoilMoisture, protocol.SensorReport{BatteryMv: 3000}, -40)

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	devices := reloaded.ListDevices()
	if len(devices) != 1 {
		t.Fatalf("expected device to survive reload, got %d devices", len(devices))
	}
}
