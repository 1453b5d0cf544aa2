package protocol

// Builder assembles outgoing frames on behalf of the controller,
// tracking the local sequence counter the way the device firmware
// expects (wrapping 16-bit, starting from 1).
type Builder struct {
	uuid     UUID
	sequence uint16
}

// NewBuilder constructs a Builder stamping frames with the controller's
// own uuid (all-zero by convention, matching Protocol.__init__).
func NewBuilder(controllerUUID UUID) *Builder {
	return &Builder{uuid: controllerUUID}
}

func (b *Builder) nextSequence() uint16 {
	b.sequence++
	return b.sequence
}

// BuildPacket assembles a full frame: header followed by payload.
func (b *Builder) BuildPacket(msgType MsgType, payload []byte) []byte {
	h := PacketHeader{
		Version:    ProtocolVersion,
		MsgType:    msgType,
		DeviceType: DeviceController,
		UUID:       b.uuid,
		Sequence:   b.nextSequence(),
		PayloadLen: uint8(len(payload)),
	}
	frame := make([]byte, HeaderSize+len(payload))
	h.Pack(frame[:HeaderSize])
	copy(frame[HeaderSize:], payload)
	return frame
}

// BuildAck builds a complete ACK frame for a received sequence number.
func (b *Builder) BuildAck(sequence uint16, status uint8, flags uint8) []byte {
	payload := AckPayload{AckedSequence: sequence, Status: status, Flags: flags}.Encode()
	return b.BuildPacket(MsgAck, payload)
}

// BuildOtaAnnounce builds a complete OTA_ANNOUNCE frame.
func (b *Builder) BuildOtaAnnounce(targetDeviceType DeviceType, versionMajor, versionMinor, versionPatch uint8, firmwareSize uint32, firmwareCRC uint32, announceID uint32) []byte {
	totalChunks := (firmwareSize + ChunkSize - 1) / ChunkSize
	payload := OtaAnnounce{
		TargetDeviceType: targetDeviceType,
		VersionMajor:     versionMajor,
		VersionMinor:     versionMinor,
		VersionPatch:     versionPatch,
		FirmwareSize:     firmwareSize,
		TotalChunks:      uint16(totalChunks),
		FirmwareCRC:      firmwareCRC,
		AnnounceID:       announceID,
	}.Encode()
	return b.BuildPacket(MsgOtaAnnounce, payload)
}

// BuildOtaChunk slices firmware at index and builds a complete
// OTA_CHUNK frame. Retransmits of the same index carry a byte-identical
// OTA_CHUNK payload, since the slice and CRC are pure functions of
// (firmware, index); the header's sequence number advances with every
// frame, as for any other packet.
func (b *Builder) BuildOtaChunk(announceID uint32, firmware []byte, index uint16) []byte {
	chunk := BuildOtaChunk(announceID, firmware, index)
	return b.BuildPacket(MsgOtaChunk, chunk.Encode())
}

// BuildOtaAbort builds a complete OTA_ABORT frame.
func (b *Builder) BuildOtaAbort(announceID uint32) []byte {
	return b.BuildPacket(MsgOtaAbort, EncodeOtaAbort(announceID))
}
