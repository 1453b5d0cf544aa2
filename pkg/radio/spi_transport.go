package radio

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RFM95C register addresses this transport programs on open, grounded
// in the device firmware's own LoRaDriver register map.
const (
	regFifo          = 0x00
	regOpMode        = 0x01
	regFrfMsb        = 0x06
	regPaConfig      = 0x09
	regFifoAddrPtr   = 0x0D
	regFifoTxBaseAddr = 0x0E
	regFifoRxBaseAddr = 0x0F
	regIrqFlags      = 0x12
	regModemConfig1  = 0x1D
	regModemConfig2  = 0x1E
	regPreambleMsb   = 0x20
	regPayloadLength = 0x22
	regSyncWord      = 0x39
	regRssiValue     = 0x1B

	modeSleep  = 0x00
	modeStdby  = 0x01
	modeTx     = 0x03
	modeRxCont = 0x05
	modeLongRange = 0x80

	// rssiOffset converts a raw RSSI register reading into dBm, per the
	// RFM95C datasheet (HF port): dBm = register - 157.
	rssiOffset = 157
)

// SPITransport opens a Linux spidev character device, programs the
// RFM95C carrier frequency and sync word from a Config, and performs
// framed send/recv over the FIFO the way the firmware's C driver does.
// No reset GPIO is opened, and the other Config fields (spreading
// factor, bandwidth, coding rate, TX power, preamble, CRC) are not
// written to the radio.
//
// This mirrors driver.OpenDeviceWithTimeout: unix.Open runs in a
// goroutine guarded by a timeout, so a device node that never opens
// does not hang the caller. The ioctl transfers are plain blocking
// syscalls with no timeout of their own.
type SPITransport struct {
	mu     sync.Mutex
	fd     int
	path   string
	cfg    Config
	seqFd  int // reset GPIO value fd, if opened
}

// spiIOCTransfer mirrors Linux's struct spi_ioc_transfer (spidev.h).
type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	pad         uint16
}

const spiIOCMessage1 = 0x40206B00 // SPI_IOC_MESSAGE(1), fixed arg count

// OpenSPITransport opens devicePath (e.g. "/dev/spidev0.0") and programs
// the radio with cfg. It returns a radio.Error on any failure.
func OpenSPITransport(devicePath string, cfg Config) (*SPITransport, error) {
	type result struct {
		fd  int
		err error
	}
	done := make(chan result, 1)
	go func() {
		fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
		done <- result{fd, err}
	}()

	var fd int
	select {
	case r := <-done:
		if r.err != nil {
			if errno, ok := r.err.(unix.Errno); ok {
				return nil, StatusFromErrno(errno, "opening radio "+devicePath)
			}
			return nil, NewErrorWithCause(StatusDriverOperationFailed, "opening radio "+devicePath, r.err)
		}
		fd = r.fd
	case <-time.After(DefaultTxTimeout):
		return nil, NewError(StatusDriverTimeout, fmt.Sprintf("opening radio %s timed out", devicePath))
	}

	t := &SPITransport{fd: fd, path: devicePath, cfg: cfg, seqFd: -1}
	if err := t.configure(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

func (t *SPITransport) configure() error {
	if err := t.writeReg(regOpMode, modeLongRange|modeSleep); err != nil {
		return err
	}
	frf := uint32(float64(t.cfg.FrequencyHz) / 61.035)
	if err := t.writeReg(regFrfMsb, byte(frf>>16)); err != nil {
		return err
	}
	if err := t.writeReg(regFrfMsb+1, byte(frf>>8)); err != nil {
		return err
	}
	if err := t.writeReg(regFrfMsb+2, byte(frf)); err != nil {
		return err
	}
	if err := t.writeReg(regSyncWord, t.cfg.SyncWord); err != nil {
		return err
	}
	if err := t.writeReg(regFifoTxBaseAddr, 0x00); err != nil {
		return err
	}
	if err := t.writeReg(regFifoRxBaseAddr, 0x00); err != nil {
		return err
	}
	return t.writeReg(regOpMode, modeLongRange|modeStdby)
}

func (t *SPITransport) transfer(tx, rx []byte) error {
	xfer := spiIOCTransfer{
		txBuf:  uint64(uintptr(unsafe.Pointer(&tx[0]))),
		length: uint32(len(tx)),
	}
	if rx != nil {
		xfer.rxBuf = uint64(uintptr(unsafe.Pointer(&rx[0])))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), uintptr(spiIOCMessage1), uintptr(unsafe.Pointer(&xfer)))
	if errno != 0 {
		return StatusFromErrno(errno, "spi transfer")
	}
	return nil
}

func (t *SPITransport) writeReg(addr, value byte) error {
	return t.transfer([]byte{addr | 0x80, value}, nil)
}

func (t *SPITransport) readReg(addr byte) (byte, error) {
	tx := []byte{addr & 0x7F, 0x00}
	rx := make([]byte, 2)
	if err := t.transfer(tx, rx); err != nil {
		return 0, err
	}
	return rx[1], nil
}

// Send transmits frame over the FIFO, blocking until TxDone or the
// DefaultTxTimeout watchdog fires.
func (t *SPITransport) Send(frame []byte) error {
	if len(frame) > MaxFrameLen {
		return NewError(StatusTooLong, fmt.Sprintf("frame of %d bytes exceeds %d", len(frame), MaxFrameLen))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeReg(regFifoAddrPtr, 0x00); err != nil {
		return err
	}
	if err := t.writeReg(regPayloadLength, byte(len(frame))); err != nil {
		return err
	}
	payload := append([]byte{regFifo | 0x80}, frame...)
	if err := t.transfer(payload, nil); err != nil {
		return err
	}
	if err := t.writeReg(regOpMode, modeLongRange|modeTx); err != nil {
		return err
	}

	deadline := time.Now().Add(DefaultTxTimeout)
	for time.Now().Before(deadline) {
		flags, err := t.readReg(regIrqFlags)
		if err != nil {
			return err
		}
		const irqTxDone = 0x08
		if flags&irqTxDone != 0 {
			t.writeReg(regIrqFlags, irqTxDone)
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return NewError(StatusTxTimeout, "transmit watchdog expired")
}

// Recv polls the radio for an inbound frame for up to timeout.
func (t *SPITransport) Recv(timeout time.Duration) (*RxResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeReg(regOpMode, modeLongRange|modeRxCont); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		flags, err := t.readReg(regIrqFlags)
		if err != nil {
			return nil, err
		}
		const irqRxDone = 0x40
		const irqCrcError = 0x20
		if flags&irqCrcError != 0 {
			t.writeReg(regIrqFlags, irqRxDone|irqCrcError)
			return nil, NewError(StatusCrcError, "radio reported crc error")
		}
		if flags&irqRxDone != 0 {
			t.writeReg(regIrqFlags, irqRxDone)
			frame, err := t.readFifo()
			if err != nil {
				return nil, err
			}
			rssiRaw, err := t.readReg(regRssiValue)
			if err != nil {
				return nil, err
			}
			return &RxResult{Frame: frame, RSSI: int(rssiRaw) - rssiOffset}, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, nil
}

func (t *SPITransport) readFifo() ([]byte, error) {
	nbytes, err := t.readReg(0x13) // RegRxNbBytes
	if err != nil {
		return nil, err
	}
	if err := t.writeReg(regFifoAddrPtr, 0x00); err != nil {
		return nil, err
	}
	tx := make([]byte, int(nbytes)+1)
	tx[0] = regFifo & 0x7F
	rx := make([]byte, len(tx))
	if err := t.transfer(tx, rx); err != nil {
		return nil, err
	}
	return rx[1:], nil
}

// Close releases the SPI file descriptor.
func (t *SPITransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd >= 0 {
		err := unix.Close(t.fd)
		t.fd = -1
		if err != nil {
			return NewErrorWithCause(StatusDriverOperationFailed, "closing radio", err)
		}
	}
	return nil
}

var _ Transport = (*SPITransport)(nil)
