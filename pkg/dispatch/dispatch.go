// Package dispatch implements the leader's single receive loop: it
// polls the radio transport, routes OTA-block messages to the OTA
// session, and updates device inventory from sensor reports.
package dispatch

import (
	"context"
	"time"

	"github.com/agsys-iot/leader-core/pkg/metrics"
	"github.com/agsys-iot/leader-core/pkg/protocol"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"go.uber.org/zap"
)

// pollInterval matches spec §3's "100ms poll" receive-loop cadence.
const pollInterval = 100 * time.Millisecond

// Inventory is the subset of store.Store the dispatcher needs: updating
// a device's last-seen record and persisting a sensor reading. Defined
// here (rather than importing pkg/store) to keep dispatch decoupled
// from the persistence concern it merely drives.
type Inventory interface {
	UpsertDeviceSeen(uuid protocol.UUID, deviceType protocol.DeviceType, report protocol.SensorReport, rssi int)
	AppendSensorReading(uuid protocol.UUID, report protocol.SensorReport, rssi int)
}

// OtaRouter is the subset of ota.Manager the dispatcher needs.
type OtaRouter interface {
	HandleMessage(header protocol.PacketHeader, payload []byte) bool
}

// Dispatcher owns the receive loop.
type Dispatcher struct {
	transport radio.Transport
	builder   *protocol.Builder
	ota       OtaRouter
	inventory Inventory
	log       *zap.SugaredLogger
	metrics   *metrics.Registry
}

// New constructs a Dispatcher. log and metricsReg may both be nil.
func New(transport radio.Transport, builder *protocol.Builder, ota OtaRouter, inventory Inventory, log *zap.SugaredLogger, metricsReg *metrics.Registry) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{transport: transport, builder: builder, ota: ota, inventory: inventory, log: log, metrics: metricsReg}
}

// Run polls the transport until ctx is cancelled. A malformed frame, a
// radio CRC error, or an unparseable payload is logged and dropped; the
// loop never exits on any of those (spec §3: "loop never dies").
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := d.transport.Recv(pollInterval)
		if err != nil {
			if radioErr, ok := err.(*radio.Error); ok && radioErr.Status == radio.StatusCrcError {
				d.log.Debugw("dropped frame: radio crc error")
				d.countDecodeErr("radio_crc_error")
				continue
			}
			d.log.Warnw("radio recv error", "error", err)
			continue
		}
		if result == nil {
			continue
		}

		if d.metrics != nil {
			d.metrics.FramesReceived.Inc()
		}
		d.handleFrame(result.Frame, result.RSSI)
	}
}

// countDecodeErr increments FramesDecodeErr under reason, a no-op if
// metrics weren't configured.
func (d *Dispatcher) countDecodeErr(reason string) {
	if d.metrics != nil {
		d.metrics.FramesDecodeErr.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) handleFrame(frame []byte, rssi int) {
	header, payload, err := protocol.ParsePacket(frame)
	if err != nil {
		d.log.Debugw("dropped malformed frame", "error", err)
		d.countDecodeErr(decodeErrReason(err))
		return
	}

	if header.MsgType.IsOta() {
		// OTA messages never get an ACK at this layer; the session
		// protocol has its own pull-driven acknowledgement scheme.
		d.ota.HandleMessage(header, payload)
		return
	}

	switch header.MsgType {
	case protocol.MsgSensorReport:
		d.handleSensorReport(header, payload, rssi)
	default:
		// Accepted but not processed further (spec §3).
		d.log.Debugw("received unhandled message type", "msg_type", header.MsgType, "uuid", header.UUID.String())
	}
}

func (d *Dispatcher) handleSensorReport(header protocol.PacketHeader, payload []byte, rssi int) {
	report, err := protocol.DecodeSensorReport(payload)
	if err != nil {
		d.log.Debugw("dropped malformed sensor report", "uuid", header.UUID.String(), "error", err)
		d.countDecodeErr(decodeErrReason(err))
		return
	}
	if d.metrics != nil {
		d.metrics.SensorReports.Inc()
	}

	d.inventory.UpsertDeviceSeen(header.UUID, header.DeviceType, report, rssi)
	d.inventory.AppendSensorReading(header.UUID, report, rssi)

	var ackFlags uint8
	if report.Flags&protocol.ReportFlagHasPending != 0 {
		ackFlags |= protocol.AckFlagSendLogs
	}

	ackFrame := d.builder.BuildAck(header.Sequence, 0, ackFlags)
	if err := d.transport.Send(ackFrame); err != nil {
		d.log.Warnw("sending ack failed", "uuid", header.UUID.String(), "error", err)
	}
}

// decodeErrReason turns a codec error into a low-cardinality metric
// label: the protocol.Status name when available, "unknown" otherwise.
func decodeErrReason(err error) string {
	if de, ok := err.(*protocol.DecodeError); ok {
		return de.Status.String()
	}
	return "unknown"
}
