package protocol

import "encoding/binary"

// SensorReport is the periodic telemetry payload (15 bytes):
//
//	offset size field
//	0      4    timestamp (u32)
//	4      2    moisture_raw (u16)
//	6      1    moisture_percent (u8)
//	7      2    battery_mv (u16)
//	9      2    temperature_deci_c (i16, two's complement)
//	11     2    rssi (i16, two's complement)
//	13     1    pending_logs (u8)
//	14     1    flags (u8)
const SensorReportSize = 15

type SensorReport struct {
	Timestamp       uint32
	MoistureRaw     uint16
	MoisturePercent uint8
	BatteryMv       uint16
	TemperatureDeciC int16
	RSSI            int16
	PendingLogs     uint8
	Flags           uint8
}

func DecodeSensorReport(payload []byte) (SensorReport, error) {
	var r SensorReport
	if len(payload) < SensorReportSize {
		return r, newDecodeError(StatusPayloadTruncated, "decode sensor report")
	}
	r.Timestamp = binary.LittleEndian.Uint32(payload[0:4])
	r.MoistureRaw = binary.LittleEndian.Uint16(payload[4:6])
	r.MoisturePercent = payload[6]
	r.BatteryMv = binary.LittleEndian.Uint16(payload[7:9])
	r.TemperatureDeciC = int16(binary.LittleEndian.Uint16(payload[9:11]))
	r.RSSI = int16(binary.LittleEndian.Uint16(payload[11:13]))
	r.PendingLogs = payload[13]
	r.Flags = payload[14]
	return r, nil
}

// AckPayload is the controller's response to a sensor report (4 bytes).
const AckPayloadSize = 4

type AckPayload struct {
	AckedSequence uint16
	Status        uint8
	Flags         uint8
}

func (a AckPayload) Encode() []byte {
	buf := make([]byte, AckPayloadSize)
	binary.LittleEndian.PutUint16(buf[0:2], a.AckedSequence)
	buf[2] = a.Status
	buf[3] = a.Flags
	return buf
}

// OtaAnnounce is broadcast every announce interval while a session is
// active (18 bytes).
const OtaAnnounceSize = 18

type OtaAnnounce struct {
	TargetDeviceType DeviceType
	VersionMajor     uint8
	VersionMinor     uint8
	VersionPatch     uint8
	FirmwareSize     uint32
	TotalChunks      uint16
	FirmwareCRC      uint32
	AnnounceID       uint32
}

func (a OtaAnnounce) Encode() []byte {
	buf := make([]byte, OtaAnnounceSize)
	buf[0] = byte(a.TargetDeviceType)
	buf[1] = a.VersionMajor
	buf[2] = a.VersionMinor
	buf[3] = a.VersionPatch
	binary.LittleEndian.PutUint32(buf[4:8], a.FirmwareSize)
	binary.LittleEndian.PutUint16(buf[8:10], a.TotalChunks)
	binary.LittleEndian.PutUint32(buf[10:14], a.FirmwareCRC)
	binary.LittleEndian.PutUint32(buf[14:18], a.AnnounceID)
	return buf
}

// OtaRequest is sent by a device pulling chunks (9 bytes).
const OtaRequestSize = 9

// NoChunkReceived is the wire sentinel (0xFFFF) a device sends in
// LastChunkReceived to mean "nothing yet" — represented explicitly here
// rather than folded into the ordinary chunk-index range.
const NoChunkReceived uint16 = 0xFFFF

type OtaRequest struct {
	AnnounceID           uint32
	CurrentVersionMajor  uint8
	CurrentVersionMinor  uint8
	CurrentVersionPatch  uint8
	LastChunkReceived    uint16
}

func DecodeOtaRequest(payload []byte) (OtaRequest, error) {
	var r OtaRequest
	if len(payload) < OtaRequestSize {
		return r, newDecodeError(StatusPayloadTruncated, "decode ota request")
	}
	r.AnnounceID = binary.LittleEndian.Uint32(payload[0:4])
	r.CurrentVersionMajor = payload[4]
	r.CurrentVersionMinor = payload[5]
	r.CurrentVersionPatch = payload[6]
	r.LastChunkReceived = binary.LittleEndian.Uint16(payload[7:9])
	return r, nil
}

// OtaChunk carries up to ChunkSize bytes of firmware with a CRC-16 header.
const (
	ChunkSize       = 200
	OtaChunkHeaderSize = 10
)

type OtaChunk struct {
	AnnounceID uint32
	ChunkIndex uint16
	ChunkSize  uint16
	ChunkCRC   uint16
	Data       []byte
}

// Encode packs the chunk header (10 bytes) followed by Data. The CRC
// must already have been computed by the caller (see BuildOtaChunk).
func (c OtaChunk) Encode() []byte {
	buf := make([]byte, OtaChunkHeaderSize+len(c.Data))
	binary.LittleEndian.PutUint32(buf[0:4], c.AnnounceID)
	binary.LittleEndian.PutUint16(buf[4:6], c.ChunkIndex)
	binary.LittleEndian.PutUint16(buf[6:8], c.ChunkSize)
	binary.LittleEndian.PutUint16(buf[8:10], c.ChunkCRC)
	copy(buf[10:], c.Data)
	return buf
}

// DecodeOtaChunk unpacks a chunk header plus data and validates both
// the declared chunk_size against the actual payload length and the
// chunk_crc16 against the data.
func DecodeOtaChunk(payload []byte) (OtaChunk, error) {
	var c OtaChunk
	if len(payload) < OtaChunkHeaderSize {
		return c, newDecodeError(StatusPayloadTruncated, "decode ota chunk")
	}
	c.AnnounceID = binary.LittleEndian.Uint32(payload[0:4])
	c.ChunkIndex = binary.LittleEndian.Uint16(payload[4:6])
	c.ChunkSize = binary.LittleEndian.Uint16(payload[6:8])
	c.ChunkCRC = binary.LittleEndian.Uint16(payload[8:10])
	if len(payload) != OtaChunkHeaderSize+int(c.ChunkSize) {
		return c, newDecodeError(StatusPayloadTruncated, "decode ota chunk")
	}
	c.Data = payload[OtaChunkHeaderSize:]
	if CRC16(c.Data) != c.ChunkCRC {
		return c, newDecodeError(StatusChunkCrcMismatch, "decode ota chunk")
	}
	return c, nil
}

// BuildOtaChunk slices firmware into the chunk at index i (0-based,
// ChunkSize bytes per chunk, last chunk may be shorter) and computes its
// CRC-16.
func BuildOtaChunk(announceID uint32, firmware []byte, index uint16) OtaChunk {
	start := int(index) * ChunkSize
	end := start + ChunkSize
	if end > len(firmware) {
		end = len(firmware)
	}
	data := firmware[start:end]
	return OtaChunk{
		AnnounceID: announceID,
		ChunkIndex: index,
		ChunkSize:  uint16(len(data)),
		ChunkCRC:   CRC16(data),
		Data:       data,
	}
}

// OtaChunkAck is the device's acknowledgement of a received chunk
// (7 bytes). Status 0 means the chunk's CRC validated.
const OtaChunkAckSize = 7

type OtaChunkAck struct {
	AnnounceID uint32
	ChunkIndex uint16
	Status     uint8
}

func DecodeOtaChunkAck(payload []byte) (OtaChunkAck, error) {
	var a OtaChunkAck
	if len(payload) < OtaChunkAckSize {
		return a, newDecodeError(StatusPayloadTruncated, "decode ota chunk ack")
	}
	a.AnnounceID = binary.LittleEndian.Uint32(payload[0:4])
	a.ChunkIndex = binary.LittleEndian.Uint16(payload[4:6])
	a.Status = payload[6]
	return a, nil
}

// OtaChunkNack has the same wire shape as OtaChunkAck; Status carries a
// device-defined failure reason (e.g. CRC mismatch).
func DecodeOtaChunkNack(payload []byte) (OtaChunkAck, error) {
	return DecodeOtaChunkAck(payload)
}

// OtaComplete reports the device's final, whole-image CRC check
// (9 bytes). Status 0 means success.
const OtaCompleteSize = 9

type OtaComplete struct {
	AnnounceID     uint32
	CalculatedCRC  uint32
	Status         uint8
}

func DecodeOtaComplete(payload []byte) (OtaComplete, error) {
	var c OtaComplete
	if len(payload) < OtaCompleteSize {
		return c, newDecodeError(StatusPayloadTruncated, "decode ota complete")
	}
	c.AnnounceID = binary.LittleEndian.Uint32(payload[0:4])
	c.CalculatedCRC = binary.LittleEndian.Uint32(payload[4:8])
	c.Status = payload[8]
	return c, nil
}

// OtaStatus is a diagnostic-only report; it never triggers a state
// transition in the session (see spec design notes).
const OtaStatusSize = 10

type OtaStatus struct {
	AnnounceID      uint32
	ChunksReceived  uint16
	TotalChunks     uint16
	State           uint8
	ErrorCode       uint8
}

func DecodeOtaStatus(payload []byte) (OtaStatus, error) {
	var s OtaStatus
	if len(payload) < OtaStatusSize {
		return s, newDecodeError(StatusPayloadTruncated, "decode ota status")
	}
	s.AnnounceID = binary.LittleEndian.Uint32(payload[0:4])
	s.ChunksReceived = binary.LittleEndian.Uint16(payload[4:6])
	s.TotalChunks = binary.LittleEndian.Uint16(payload[6:8])
	s.State = payload[8]
	s.ErrorCode = payload[9]
	return s, nil
}

// OtaAbort carries only the announce_id (4 bytes).
const OtaAbortSize = 4

func EncodeOtaAbort(announceID uint32) []byte {
	buf := make([]byte, OtaAbortSize)
	binary.LittleEndian.PutUint32(buf, announceID)
	return buf
}
