// USB device process: VBUS/BCD detection, TX prioritizer, RX dispatcher
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb drives a USB device-mode controller through battery-charging
// detection and a Pybricks-specific application protocol (package
// protocol), grounded on
// original_source/lib/pbio/drv/usb/usb_stm32.c. The register-level USB PHY
// and endpoint hardware are out-of-scope collaborators, reached only
// through the narrow BCDDetector and Transport interfaces — the same role
// spi.Bus plays for package spi.
package usb

import (
	"bytes"
	"sync/atomic"

	"github.com/pybricks/pbio"
	"github.com/pybricks/pbio/dma"
	"github.com/pybricks/pbio/drv/core"
	"github.com/pybricks/pbio/pbos"
	"github.com/pybricks/pbio/protocol"
)

// MaxPacketSize is the largest IN/OUT bulk packet this driver exchanges.
const MaxPacketSize = 64

// StatusReportSize is the fixed length of the opaque status blob carried by
// an EVENT_STATUS_REPORT.
const StatusReportSize = 14

// BCDDetector is the narrow register-level interface to the controller's
// battery-charging-detection (BCD) block, named after the USB-IF Battery
// Charging 1.2 DCD/primary-detect/secondary-detect signals.
type BCDDetector interface {
	VBUSActive() bool
	SetDCD(enabled bool)
	DCDDetected() bool
	SetPD(enabled bool)
	PDDetected() bool
	SetSD(enabled bool)
	SDDetected() bool
}

// Transport is the narrow interface to the controller's bulk endpoint
// hardware. Transmit starts an asynchronous IN transfer whose completion is
// reported via Device.NotifyTransmitComplete; ReceivePacket re-arms the OUT
// endpoint for the next packet, whose arrival is reported via
// Device.NotifyReceived.
type Transport interface {
	Transmit(buf []byte)
	ReceivePacket()
}

// StringSource supplies the GATT strings served over
// READ_CHARACTERISTIC.
type StringSource interface {
	HubName() string
	FirmwareVersion() string
	ProtocolVersion() string
}

// CommandHandler processes an application COMMAND payload and returns its
// result as a driver error (nil for success). Set once at init via
// SetCommandHandler and never reassigned afterward, per the "function
// pointer fields set once at init" design note.
type CommandHandler func(payload []byte) error

const (
	gattDeviceName          = 0x2A00
	gattFirmwareRevision    = 0x2A26
	gattSoftwareRevision    = 0x2A28
	pybricksHubCapabilities = 0x0003
)

const (
	txNone = iota
	txResponse
	txStatus
	txStdout
)

// Device is the top-level USB process state. It is not safe for concurrent
// use outside of its own Notify* methods, which are the only entry points
// meant to be called from interrupt context.
type Device struct {
	bcdIO     BCDDetector
	transport Transport
	strings   StringSource
	bcd       *core.BCDValue
	clock     pbos.Clock

	chargeOnly     bool
	maxProgramSize uint32
	featureFlags   uint32
	slotCount      byte

	commandHandler CommandHandler

	vbusActive atomic.Bool
	subscribed atomic.Bool

	// inBuf/responseBuf/statusBuf/stdoutBuf are carved out of a dma.Region
	// at construction time, 32-bit aligned, matching the controller's DMA
	// transfer-buffer alignment requirement (spec §4.F).
	inBuf []byte
	inLen atomic.Int32

	responseBuf []byte
	responseLen int

	statusBuf     []byte
	statusLen     int
	lastStatus    [StatusReportSize]byte
	statusPending bool

	stdoutBuf []byte
	stdoutLen int

	transmitting atomic.Bool
	txActive     int
	txWatchdog   pbos.Timer

	detectChild pbos.ChildState
	bcdTimer    pbos.Timer
}

// NewDevice returns a Device driving bcdIO/transport, reporting BCD
// classification into bcd and serving the given hub metadata over
// READ_CHARACTERISTIC. Its IN/OUT transfer buffers are reserved from
// region, 32-bit aligned, so they stay pinned to the same backing memory
// for the life of the Device rather than coming from the Go heap on every
// transfer.
func NewDevice(bcdIO BCDDetector, transport Transport, strings StringSource, bcd *core.BCDValue, clock pbos.Clock, chargeOnly bool, featureFlags uint32, maxProgramSize uint32, slotCount byte, region *dma.Region) *Device {
	_, inBuf := region.Reserve(MaxPacketSize, 4)
	_, responseBuf := region.Reserve(protocol.ResponseSize, 4)
	_, statusBuf := region.Reserve(2+StatusReportSize, 4)
	_, stdoutBuf := region.Reserve(MaxPacketSize, 4)

	return &Device{
		bcdIO:          bcdIO,
		transport:      transport,
		strings:        strings,
		bcd:            bcd,
		clock:          clock,
		chargeOnly:     chargeOnly,
		featureFlags:   featureFlags,
		maxProgramSize: maxProgramSize,
		slotCount:      slotCount,
		inBuf:          inBuf,
		responseBuf:    responseBuf,
		statusBuf:      statusBuf,
		stdoutBuf:      stdoutBuf,
	}
}

// SetCommandHandler registers the application command handler. Call this
// once, before starting the process.
func (d *Device) SetCommandHandler(h CommandHandler) {
	d.commandHandler = h
}

// NotifyVBUS reports a VBUS level change. Called from interrupt context.
func (d *Device) NotifyVBUS(active bool) {
	d.vbusActive.Store(active)
	pbos.RequestPoll()
}

// InBuffer returns the buffer the Transport should fill for an incoming OUT
// packet before calling NotifyReceived.
func (d *Device) InBuffer() []byte {
	return d.inBuf[:]
}

// NotifyReceived reports that n bytes have arrived in InBuffer(). Called
// from interrupt context.
func (d *Device) NotifyReceived(n int) {
	d.inLen.Store(int32(n))
	pbos.RequestPoll()
}

// NotifyTransmitComplete reports that the in-flight IN transfer finished.
// Called from interrupt context.
func (d *Device) NotifyTransmitComplete() {
	switch d.txActive {
	case txResponse:
		d.responseLen = 0
	case txStatus:
		d.statusLen = 0
	case txStdout:
		d.stdoutLen = 0
	}
	d.txActive = txNone
	d.transmitting.Store(false)
	pbos.RequestPoll()
}

// ConnectionActive reports whether the host has subscribed to events,
// which this driver treats as "an application is attached".
func (d *Device) ConnectionActive() bool {
	return d.subscribed.Load()
}

// StdoutUnbounded is returned by StdoutTxAvailable when the host has not
// subscribed to events, meaning stdout output may be discarded freely with
// no capacity limit.
const StdoutUnbounded = ^uint32(0)

// StdoutTx is the only path program output reaches USB. It returns
// pbio.NotImplemented on a charge-only build, pbio.InvalidOp if not
// subscribed, and pbio.Again if stdout_buf is still draining; otherwise it
// frames src (truncated to capacity) into stdout_buf and returns the number
// of bytes actually queued.
func (d *Device) StdoutTx(src []byte) (int, error) {
	if d.chargeOnly {
		return 0, pbio.NotImplemented("usb.StdoutTx")
	}
	if !d.subscribed.Load() {
		return 0, pbio.InvalidOp("usb.StdoutTx")
	}
	if d.stdoutLen != 0 {
		return 0, pbio.Again()
	}

	capacity := len(d.stdoutBuf) - 2
	n := len(src)
	if n > capacity {
		n = capacity
	}

	d.stdoutLen = protocol.EncodeEvent(d.stdoutBuf[:], protocol.EventWriteStdout, src[:n])
	pbos.RequestPoll()

	return n, nil
}

// StdoutTxAvailable returns the number of bytes StdoutTx could currently
// queue, or StdoutUnbounded if not subscribed.
func (d *Device) StdoutTxAvailable() uint32 {
	if !d.subscribed.Load() {
		return StdoutUnbounded
	}
	if d.stdoutLen != 0 {
		return 0
	}
	return uint32(len(d.stdoutBuf) - 2)
}

// ScheduleStatusUpdate compares msg against the last scheduled status (all
// zeros before the first call) and does nothing if identical; otherwise it records msg as pending and
// requests a poll. len(msg) must equal StatusReportSize.
func (d *Device) ScheduleStatusUpdate(msg []byte) {
	if bytes.Equal(msg, d.lastStatus[:]) {
		return
	}
	copy(d.lastStatus[:], msg)
	d.statusPending = true
	pbos.RequestPoll()
}

// ReadCharacteristic answers a READ_CHARACTERISTIC control-transfer vendor
// request, returning at most wLength bytes. pybricksInterface selects
// between the three GATT strings and the Pybricks hub-capabilities blob.
func (d *Device) ReadCharacteristic(pybricksInterface bool, wValue uint16, wLength uint16) ([]byte, error) {
	if pybricksInterface {
		if wValue != pybricksHubCapabilities {
			return nil, pbio.InvalidArg("usb.ReadCharacteristic")
		}

		var caps [10]byte
		n := protocol.HubCapabilities(caps[:], MaxPacketSize, d.featureFlags, d.maxProgramSize, d.slotCount)
		if int(wLength) < n {
			n = int(wLength)
		}
		return caps[:n], nil
	}

	var s string
	switch wValue {
	case gattDeviceName:
		s = d.strings.HubName()
	case gattFirmwareRevision:
		s = d.strings.FirmwareVersion()
	case gattSoftwareRevision:
		s = d.strings.ProtocolVersion()
	default:
		return nil, pbio.InvalidArg("usb.ReadCharacteristic")
	}

	n := len(s)
	if int(wLength) < n {
		n = int(wLength)
	}
	return []byte(s[:n]), nil
}

// handleDataIn is the RX dispatcher (spec §4.F). It runs unconditionally on
// every poll, regardless of the top-level state machine's position.
func (d *Device) handleDataIn() {
	n := int(d.inLen.Load())
	if n == 0 {
		return
	}

	switch d.inBuf[0] {
	case protocol.TagSubscribe:
		d.subscribed.Store(d.inBuf[1] != 0)
		protocol.EncodeResponse(d.responseBuf[:], protocol.ErrorOK)
		d.responseLen = protocol.ResponseSize
		d.statusPending = true

	case protocol.TagCommand:
		if d.responseLen == 0 && d.commandHandler != nil {
			err := d.commandHandler(d.inBuf[1:n])
			protocol.EncodeResponse(d.responseBuf[:], protocol.ErrorCodeFor(err))
			d.responseLen = protocol.ResponseSize
		}
	}

	d.inLen.Store(0)
	d.transport.ReceivePacket()
}

// handleDataOut is the TX prioritizer (spec §4.F): response, then status,
// then stdout, with a 50 ms watchdog that aborts a stalled transfer.
func (d *Device) handleDataOut() {
	if d.transmitting.Load() {
		if d.txWatchdog.IsExpired(d.clock.NowMS()) {
			d.resetTXState()
		}
		return
	}

	if d.responseLen > 0 {
		d.beginTransmit(txResponse, d.responseBuf[:d.responseLen])
		return
	}

	if !d.subscribed.Load() {
		return
	}

	if d.statusPending {
		d.statusPending = false
		d.statusLen = protocol.EncodeEvent(d.statusBuf[:], protocol.EventStatusReport, d.lastStatus[:])
		d.beginTransmit(txStatus, d.statusBuf[:d.statusLen])
		return
	}

	if d.stdoutLen > 0 {
		d.beginTransmit(txStdout, d.stdoutBuf[:d.stdoutLen])
	}
}

func (d *Device) beginTransmit(which int, buf []byte) {
	d.transmitting.Store(true)
	d.txActive = which
	d.transport.Transmit(buf)
	d.txWatchdog.Set(d.clock.NowMS(), 50)
}

func (d *Device) resetTXState() {
	d.responseLen = 0
	d.statusLen = 0
	d.stdoutLen = 0
	d.subscribed.Store(false)
	d.transmitting.Store(false)
	d.txActive = txNone
}

const (
	stDetect pbos.TaskState = iota + 1
	stCheckpoint
	stAwaitUnplug
)

// Run is the top-level process body: run the RX dispatcher unconditionally,
// then drive VBUS/BCD detection followed by the TX loop until unplugged or
// cancelled, per spec §4.F. proc is the owning process, consulted only to
// observe a cancellation request.
func (d *Device) Run(state *pbos.TaskState, proc *pbos.Process) error {
	d.handleDataIn()

	switch *state {
	case 0:
		d.bcd.Store(core.BCDNone)
		d.detectChild = 0
		*state = stDetect
		return pbio.Again()

	case stDetect:
		_, done := pbos.AwaitChild(state, stDetect, &d.detectChild, d.detectBCD)
		if !done {
			return pbio.Again()
		}
		*state = stCheckpoint
		return pbio.Again()

	case stCheckpoint:
		if d.vbusActive.Load() && proc.Request() != pbos.RequestCancel {
			d.handleDataOut()
			*state = stCheckpoint
			return pbio.Again()
		}
		*state = stAwaitUnplug
		return pbio.Again()

	case stAwaitUnplug:
		if !pbos.AwaitUntil(state, stAwaitUnplug, !d.vbusActive.Load()) {
			return pbio.Again()
		}
		d.resetTXState()
		*state = 0
		return pbio.Again()
	}

	panic("usb: invalid task state")
}

// Start wires Run onto sched as a long-running process. USB bring-up is not
// gated by the init-busy latch: the BCD detector keeps running even if no
// application ever attaches.
func (d *Device) Start(sched *pbos.Scheduler, proc *pbos.Process) {
	sched.StartProcess(proc, func(state *pbos.TaskState, _ any) error {
		return d.Run(state, proc)
	}, nil)
}

const (
	dAwaitVBUS pbos.TaskState = iota + 1
	dAwaitDCD
	dSettleDCD
	dAwaitPD
	dAwaitSD
)

// detectBCD is the VBUS + BCD detection sub-state-machine (spec §4.F),
// grounded on pbdrv_usb_stm32_wait_until_usb_detected.
func (d *Device) detectBCD(state *pbos.TaskState) error {
	switch *state {
	case 0:
		*state = dAwaitVBUS
		return pbio.Again()

	case dAwaitVBUS:
		if !pbos.AwaitUntil(state, dAwaitVBUS, d.vbusActive.Load()) {
			return pbio.Again()
		}
		d.bcdIO.SetDCD(true)
		d.bcdTimer.Set(d.clock.NowMS(), 1000)
		*state = dAwaitDCD
		return pbio.Again()

	case dAwaitDCD:
		if !pbos.AwaitUntil(state, dAwaitDCD, d.bcdIO.DCDDetected() || d.bcdTimer.IsExpired(d.clock.NowMS())) {
			return pbio.Again()
		}
		if d.bcdTimer.IsExpired(d.clock.NowMS()) {
			d.bcdIO.SetDCD(false)
			return d.finishDetect(state, core.BCDNonstandard)
		}
		// bcdTimer is still armed from the 1000 ms DCD wait above; clear it
		// so the dSettleDCD case's AwaitMS arms a fresh 100 ms window
		// instead of inheriting the old deadline.
		d.bcdTimer = pbos.Timer{}
		*state = dSettleDCD
		return pbio.Again()

	case dSettleDCD:
		if !pbos.AwaitMS(state, &d.bcdTimer, dSettleDCD, d.clock.NowMS(), 100) {
			return pbio.Again()
		}
		d.bcdIO.SetDCD(false)
		d.bcdIO.SetPD(true)
		*state = dAwaitPD
		return pbio.Again()

	case dAwaitPD:
		if !pbos.AwaitMS(state, &d.bcdTimer, dAwaitPD, d.clock.NowMS(), 100) {
			return pbio.Again()
		}
		if !d.bcdIO.PDDetected() {
			d.bcdIO.SetPD(false)
			return d.finishDetect(state, core.BCDStandardDownstream)
		}
		d.bcdIO.SetPD(false)
		d.bcdIO.SetSD(true)
		*state = dAwaitSD
		return pbio.Again()

	case dAwaitSD:
		if !pbos.AwaitMS(state, &d.bcdTimer, dAwaitSD, d.clock.NowMS(), 100) {
			return pbio.Again()
		}
		sdet := d.bcdIO.SDDetected()
		d.bcdIO.SetSD(false)
		if sdet {
			return d.finishDetect(state, core.BCDDedicatedCharging)
		}
		return d.finishDetect(state, core.BCDChargingDownstream)
	}

	panic("usb: invalid bcd detect state")
}

// finishDetect restarts detection from scratch if VBUS dropped mid-sequence
// (mirroring PBIO_OS_ASYNC_RESET in the original), otherwise commits t and
// returns.
func (d *Device) finishDetect(state *pbos.TaskState, t core.BCDType) error {
	if !d.vbusActive.Load() {
		*state = 0
		pbos.RequestPoll()
		return pbio.Again()
	}
	d.bcd.Store(t)
	return nil
}
