package protocol

import "encoding/binary"

const (
	// HeaderSize is the fixed on-wire size of PacketHeader.
	HeaderSize = 24

	magicByte0 = 'A'
	magicByte1 = 'G'

	// ProtocolVersion is the only version this codec understands.
	ProtocolVersion = 1
)

// MsgType identifies the kind of payload a packet carries.
type MsgType uint8

const (
	MsgSensorReport MsgType = 0x01
	MsgAck          MsgType = 0x02
	MsgConfig       MsgType = 0x03
	MsgLogData      MsgType = 0x04
	MsgLogAck       MsgType = 0x05
	MsgTimeSync     MsgType = 0x06

	MsgOtaAnnounce  MsgType = 0x10
	MsgOtaRequest   MsgType = 0x11
	MsgOtaChunk     MsgType = 0x12
	MsgOtaChunkAck  MsgType = 0x13
	MsgOtaChunkNack MsgType = 0x14
	MsgOtaComplete  MsgType = 0x15
	MsgOtaAbort     MsgType = 0x16
	MsgOtaStatus    MsgType = 0x17
)

// IsOta reports whether a message type is in the OTA range: any value
// >= 0x10, which covers the OTA block 0x10-0x17. The dispatcher routes
// these straight to the OTA session without generating an ACK.
func (m MsgType) IsOta() bool {
	return m >= 0x10
}

// DeviceType identifies the hardware class of a field device.
type DeviceType uint8

const (
	DeviceController   DeviceType = 0x00
	DeviceSoilMoisture DeviceType = 0x01
	DeviceValveControl DeviceType = 0x02
	DeviceWaterMeter   DeviceType = 0x03

	// DeviceAll is not a real device class; it is the sentinel an OTA
	// announce's target_device_type carries to mean "every device type
	// should respond", matching controller.py's start_ota_update default.
	DeviceAll DeviceType = 0xFF
)

// ReportFlag bits appear in SensorReport.Flags.
const (
	ReportFlagLowBattery    uint8 = 0x01
	ReportFlagFirstBoot     uint8 = 0x02
	ReportFlagConfigRequest uint8 = 0x04
	ReportFlagHasPending    uint8 = 0x08
)

// AckFlag bits appear in AckPayload.Flags.
const (
	AckFlagSendLogs         uint8 = 0x01
	AckFlagConfigAvailable  uint8 = 0x02
	AckFlagTimeSync         uint8 = 0x04
)

// UUID is the device's wire identifier: a 16-byte opaque value with no
// endianness of its own.
type UUID [16]byte

// PacketHeader is the fixed 24-byte header prefixing every frame:
//
//	offset  size  field
//	0       2     magic ("AG")
//	2       1     version
//	3       1     msg_type
//	4       1     device_type
//	5       16    uuid
//	21      2     sequence (LE)
//	23      1     payload_len
type PacketHeader struct {
	Version    uint8
	MsgType    MsgType
	DeviceType DeviceType
	UUID       UUID
	Sequence   uint16
	PayloadLen uint8
}

// Pack encodes the header into a 24-byte frame. It does not validate
// PayloadLen against an actual payload slice — callers build the full
// frame via BuildPacket.
func (h *PacketHeader) Pack(dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = magicByte0
	dst[1] = magicByte1
	dst[2] = h.Version
	dst[3] = byte(h.MsgType)
	dst[4] = byte(h.DeviceType)
	copy(dst[5:21], h.UUID[:])
	binary.LittleEndian.PutUint16(dst[21:23], h.Sequence)
	dst[23] = h.PayloadLen
}

// DecodeHeader parses the 24-byte header prefix of data, validating the
// magic bytes and protocol version but not the payload length against
// the remaining slice (ParsePacket does that).
func DecodeHeader(data []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(data) < HeaderSize {
		return h, newDecodeError(StatusShortFrame, "decode header")
	}
	if data[0] != magicByte0 || data[1] != magicByte1 {
		return h, newDecodeError(StatusBadMagic, "decode header")
	}
	h.Version = data[2]
	if h.Version != ProtocolVersion {
		return h, newDecodeError(StatusUnknownVersion, "decode header")
	}
	h.MsgType = MsgType(data[3])
	h.DeviceType = DeviceType(data[4])
	copy(h.UUID[:], data[5:21])
	h.Sequence = binary.LittleEndian.Uint16(data[21:23])
	h.PayloadLen = data[23]
	return h, nil
}

// ParsePacket splits a received frame into its header and payload,
// bounds-checking payload_len against the actual slice length.
func ParsePacket(data []byte) (PacketHeader, []byte, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return h, nil, err
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(data) < end {
		return h, nil, newDecodeError(StatusPayloadTruncated, "parse packet")
	}
	return h, data[HeaderSize:end], nil
}

// String renders a UUID as lowercase hex, matching the device firmware's
// uuid_to_str convention (no dashes).
func (u UUID) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range u {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0x0f]
	}
	return string(out)
}
