// Package firmware implements the offline image pipeline: patching the
// application header with its final size/CRC, signing the patched
// binary with Ed25519, and generating signing keypairs.
package firmware

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// AppHeaderMagic is "AGSY" as a little-endian u32.
const AppHeaderMagic uint32 = 0x59534741

// AppHeaderSize is the fixed on-wire size of the application header.
const AppHeaderSize = 48

// AppHeader mirrors the firmware's .app_header section layout (48 bytes):
//
//	offset size field
//	0      4    magic
//	4      1    header_version
//	5      1    device_type
//	6      1    hw_revision_min
//	7      1    hw_revision_max
//	8      1    fw_version_major
//	9      1    fw_version_minor
//	10     1    fw_version_patch
//	11     1    fw_flags
//	12     4    fw_size
//	16     4    fw_crc32
//	20     4    fw_load_addr
//	24     4    build_timestamp
//	28     16   build_id (NUL-padded ASCII)
//	44     4    header_crc32 (covers bytes 0-43)
type AppHeader struct {
	Magic          uint32
	HeaderVersion  uint8
	DeviceType     uint8
	HwRevisionMin  uint8
	HwRevisionMax  uint8
	FwVersionMajor uint8
	FwVersionMinor uint8
	FwVersionPatch uint8
	FwFlags        uint8
	FwSize         uint32
	FwCRC32        uint32
	FwLoadAddr     uint32
	BuildTimestamp uint32
	BuildID        [16]byte
	HeaderCRC32    uint32
}

func parseAppHeader(data []byte) AppHeader {
	var h AppHeader
	h.Magic = binary.LittleEndian.Uint32(data[0:4])
	h.HeaderVersion = data[4]
	h.DeviceType = data[5]
	h.HwRevisionMin = data[6]
	h.HwRevisionMax = data[7]
	h.FwVersionMajor = data[8]
	h.FwVersionMinor = data[9]
	h.FwVersionPatch = data[10]
	h.FwFlags = data[11]
	h.FwSize = binary.LittleEndian.Uint32(data[12:16])
	h.FwCRC32 = binary.LittleEndian.Uint32(data[16:20])
	h.FwLoadAddr = binary.LittleEndian.Uint32(data[20:24])
	h.BuildTimestamp = binary.LittleEndian.Uint32(data[24:28])
	copy(h.BuildID[:], data[28:44])
	h.HeaderCRC32 = binary.LittleEndian.Uint32(data[44:48])
	return h
}

func (h AppHeader) pack() []byte {
	buf := make([]byte, AppHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.HeaderVersion
	buf[5] = h.DeviceType
	buf[6] = h.HwRevisionMin
	buf[7] = h.HwRevisionMax
	buf[8] = h.FwVersionMajor
	buf[9] = h.FwVersionMinor
	buf[10] = h.FwVersionPatch
	buf[11] = h.FwFlags
	binary.LittleEndian.PutUint32(buf[12:16], h.FwSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.FwCRC32)
	binary.LittleEndian.PutUint32(buf[20:24], h.FwLoadAddr)
	binary.LittleEndian.PutUint32(buf[24:28], h.BuildTimestamp)
	copy(buf[28:44], h.BuildID[:])
	binary.LittleEndian.PutUint32(buf[44:48], h.HeaderCRC32)
	return buf
}

// crc32IEEE is the same reflected CRC-32 the device bootloader computes
// (its nibble-table implementation in the build scripts is
// mathematically identical to the standard IEEE polynomial table, so
// hash/crc32 is used directly rather than porting the nibble loop).
func crc32IEEE(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// FindHeaderOffset scans data in 4-byte strides for the app header
// magic, returning -1 if not found.
func FindHeaderOffset(data []byte) int {
	for offset := 0; offset+4 <= len(data) && offset+AppHeaderSize <= len(data); offset += 4 {
		if binary.LittleEndian.Uint32(data[offset:offset+4]) == AppHeaderMagic {
			return offset
		}
	}
	return -1
}

// PatchResult summarizes what PatchHeader computed.
type PatchResult struct {
	HeaderOffset int
	FirmwareSize uint32
	FirmwareCRC  uint32
	HeaderCRC    uint32
}

// PatchHeader locates the app header in data (scanning for its magic),
// sets fw_size to the whole binary's length, computes fw_crc32 over the
// entire binary with both CRC fields set to their 0xFFFFFFFF placeholder,
// then computes header_crc32 over the first 44 bytes of the final
// header. It mutates data in place and returns what it computed.
//
// Calling PatchHeader twice on its own output is idempotent: the second
// pass recomputes the same fw_size/fw_crc32/header_crc32 because the
// placeholder substitution only affects the CRC fields, not fw_size.
func PatchHeader(data []byte) (PatchResult, error) {
	offset := FindHeaderOffset(data)
	if offset < 0 {
		return PatchResult{}, fmt.Errorf("app header magic not found")
	}
	if len(data) < offset+AppHeaderSize {
		return PatchResult{}, fmt.Errorf("binary too small: %d bytes", len(data))
	}

	hdr := parseAppHeader(data[offset : offset+AppHeaderSize])

	fwSize := uint32(len(data))
	hdr.FwSize = fwSize

	placeholder := hdr
	placeholder.FwCRC32 = 0xFFFFFFFF
	placeholder.HeaderCRC32 = 0xFFFFFFFF
	tmp := append([]byte(nil), data...)
	copy(tmp[offset:offset+AppHeaderSize], placeholder.pack())
	fwCRC := crc32IEEE(tmp)
	hdr.FwCRC32 = fwCRC

	headerBytes := hdr.pack()
	headerCRC := crc32IEEE(headerBytes[:AppHeaderSize-4])
	hdr.HeaderCRC32 = headerCRC

	copy(data[offset:offset+AppHeaderSize], hdr.pack())

	return PatchResult{
		HeaderOffset: offset,
		FirmwareSize: fwSize,
		FirmwareCRC:  fwCRC,
		HeaderCRC:    headerCRC,
	}, nil
}
