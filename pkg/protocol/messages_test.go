//go:build unit

package protocol

import "testing"

func TestDecodeOtaChunkRoundTrip(t *testing.T) {
	firmware := make([]byte, 250)
	for i := range firmware {
		firmware[i] = byte(i * 3)
	}
	built := BuildOtaChunk(9, firmware, 0)
	encoded := built.Encode()

	got, err := DecodeOtaChunk(encoded)
	if err != nil {
		t.Fatalf("DecodeOtaChunk: %v", err)
	}
	if got.AnnounceID != built.AnnounceID || got.ChunkIndex != built.ChunkIndex ||
		got.ChunkSize != built.ChunkSize || got.ChunkCRC != built.ChunkCRC {
		t.Errorf("decoded header mismatch: got %+v, want %+v", got, built)
	}
	if string(got.Data) != string(built.Data) {
		t.Error("decoded data mismatch")
	}
}

func TestDecodeOtaChunkCrcMismatch(t *testing.T) {
	firmware := make([]byte, 200)
	built := BuildOtaChunk(1, firmware, 0)
	encoded := built.Encode()
	encoded[len(encoded)-1] ^= 0xFF // corrupt one data byte, leave header's crc16 stale

	_, err := DecodeOtaChunk(encoded)
	var de *DecodeError
	if !errorsAs(err, &de) || de.Status != StatusChunkCrcMismatch {
		t.Errorf("expected StatusChunkCrcMismatch, got %v", err)
	}
}

func TestDecodeOtaChunkLengthMismatch(t *testing.T) {
	firmware := make([]byte, 200)
	built := BuildOtaChunk(1, firmware, 0)
	encoded := built.Encode()
	encoded = encoded[:len(encoded)-1] // declared chunk_size no longer matches payload length

	_, err := DecodeOtaChunk(encoded)
	var de *DecodeError
	if !errorsAs(err, &de) || de.Status != StatusPayloadTruncated {
		t.Errorf("expected StatusPayloadTruncated, got %v", err)
	}
}

func TestDecodeOtaChunkShortHeader(t *testing.T) {
	_, err := DecodeOtaChunk(make([]byte, OtaChunkHeaderSize-1))
	var de *DecodeError
	if !errorsAs(err, &de) || de.Status != StatusPayloadTruncated {
		t.Errorf("expected StatusPayloadTruncated, got %v", err)
	}
}
