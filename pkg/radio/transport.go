package radio

import "time"

// MaxFrameLen is the largest frame the half-duplex link will carry; any
// longer send fails immediately with StatusTooLong.
const MaxFrameLen = 255

// DefaultTxTimeout is the transmit watchdog: Send gives up and reports
// StatusTxTimeout if the radio hasn't finished transmitting within this
// window.
const DefaultTxTimeout = 5 * time.Second

// Config holds the LoRa radio parameters, defaulting to the values the
// field devices are provisioned with.
type Config struct {
	FrequencyHz     uint32
	SpreadingFactor int
	BandwidthHz     uint32
	CodingRate      string // e.g. "4/5"
	SyncWord        byte
	TxPowerDbm      int
	PreambleSymbols int
	CRCEnabled      bool
}

// DefaultConfig matches the device firmware's provisioned radio
// parameters (spec §2, "Default radio configuration").
func DefaultConfig() Config {
	return Config{
		FrequencyHz:     915_000_000,
		SpreadingFactor: 10,
		BandwidthHz:     125_000,
		CodingRate:      "4/5",
		SyncWord:        0x34,
		TxPowerDbm:      20,
		PreambleSymbols: 8,
		CRCEnabled:      true,
	}
}

// RxResult is what Recv returns on a successful receive: the raw frame
// and its RSSI in dBm.
type RxResult struct {
	Frame []byte
	RSSI  int
}

// Transport is the half-duplex LoRa link the leader sends frames over
// and polls for replies on. Implementations serialize concurrent Send/
// Recv calls internally (spec §2: "half-duplex, mutex-serialized").
type Transport interface {
	// Send transmits frame, blocking until the transmit completes, the
	// watchdog fires (radio.Error{Status: StatusTxTimeout}), or frame
	// exceeds MaxFrameLen (radio.Error{Status: StatusTooLong}).
	Send(frame []byte) error

	// Recv waits up to timeout for an inbound frame. It returns
	// (nil, nil) on a plain timeout (spec's "None"), or a
	// radio.Error{Status: StatusCrcError} if a frame arrived but failed
	// the radio's own CRC check.
	Recv(timeout time.Duration) (*RxResult, error)

	// Close releases any underlying hardware resources.
	Close() error
}
