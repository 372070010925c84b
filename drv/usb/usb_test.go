// USB device process: VBUS/BCD detection, TX prioritizer, RX dispatcher
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"testing"

	"github.com/pybricks/pbio"
	"github.com/pybricks/pbio/dma"
	"github.com/pybricks/pbio/drv/core"
	"github.com/pybricks/pbio/pbos"
	"github.com/pybricks/pbio/protocol"
)

// testRegionSize comfortably covers one Device's reserved buffers plus
// alignment padding.
const testRegionSize = 4096

type fakeBCD struct {
	vbus, dcd, pd, sd bool
}

func (f *fakeBCD) VBUSActive() bool  { return f.vbus }
func (f *fakeBCD) SetDCD(bool)       {}
func (f *fakeBCD) DCDDetected() bool { return f.dcd }
func (f *fakeBCD) SetPD(bool)        {}
func (f *fakeBCD) PDDetected() bool  { return f.pd }
func (f *fakeBCD) SetSD(bool)        {}
func (f *fakeBCD) SDDetected() bool  { return f.sd }

type fakeTransport struct {
	transmits [][]byte
	received  int
}

func (f *fakeTransport) Transmit(buf []byte) {
	f.transmits = append(f.transmits, append([]byte(nil), buf...))
}
func (f *fakeTransport) ReceivePacket() { f.received++ }

type fakeStrings struct{}

func (fakeStrings) HubName() string         { return "Test Hub" }
func (fakeStrings) FirmwareVersion() string { return "1.2.3" }
func (fakeStrings) ProtocolVersion() string { return "1.0.0" }

func newTestDevice() (*Device, *fakeBCD, *fakeTransport) {
	bcdIO := &fakeBCD{}
	transport := &fakeTransport{}
	now := uint32(0)
	clock := pbos.ClockFunc(func() uint32 { return now })
	d := NewDevice(bcdIO, transport, fakeStrings{}, &core.BCDValue{}, clock, false, 5, 0x20000, 20, dma.NewRegion(testRegionSize))
	return d, bcdIO, transport
}

// TestStatusUpdateDedup covers testable property #7: two consecutive,
// identical ScheduleStatusUpdate calls only ever produce one transmitted
// EVENT_STATUS_REPORT.
func TestStatusUpdateDedup(t *testing.T) {
	d, _, transport := newTestDevice()
	d.subscribed.Store(true)

	msg := bytes.Repeat([]byte{0x42}, StatusReportSize)
	d.ScheduleStatusUpdate(msg)
	d.ScheduleStatusUpdate(msg)

	d.handleDataOut()
	if len(transport.transmits) != 1 {
		t.Fatalf("expected exactly one transmit after two identical updates, got %d", len(transport.transmits))
	}

	d.NotifyTransmitComplete()
	d.handleDataOut()
	if len(transport.transmits) != 1 {
		t.Fatalf("expected no further transmit once status is unchanged, got %d", len(transport.transmits))
	}
}

// TestStatusUpdateChangeRetransmits is the companion case: a genuinely
// different status does produce a second transmit.
func TestStatusUpdateChangeRetransmits(t *testing.T) {
	d, _, transport := newTestDevice()
	d.subscribed.Store(true)

	d.ScheduleStatusUpdate(bytes.Repeat([]byte{0x01}, StatusReportSize))
	d.handleDataOut()
	d.NotifyTransmitComplete()

	d.ScheduleStatusUpdate(bytes.Repeat([]byte{0x02}, StatusReportSize))
	d.handleDataOut()

	if len(transport.transmits) != 2 {
		t.Fatalf("expected a second transmit for a changed status, got %d", len(transport.transmits))
	}
}

// TestTXPriorityOrder covers testable property #8: response outranks
// status, which outranks stdout.
func TestTXPriorityOrder(t *testing.T) {
	d, _, transport := newTestDevice()

	copy(d.inBuf[:], []byte{protocol.TagSubscribe, 1})
	d.inLen.Store(2)
	d.handleDataIn() // subscribes, queues a response, and marks status pending

	if _, err := d.StdoutTx([]byte("hello")); err != nil {
		t.Fatalf("StdoutTx failed: %v", err)
	}

	d.handleDataOut()
	if len(transport.transmits) != 1 || transport.transmits[0][0] != protocol.TagResponse {
		t.Fatalf("expected the first transmit to be the response, got %v", transport.transmits)
	}
	d.NotifyTransmitComplete()

	d.handleDataOut()
	if len(transport.transmits) != 2 || transport.transmits[1][0] != protocol.TagEvent || transport.transmits[1][1] != protocol.EventStatusReport {
		t.Fatalf("expected the second transmit to be the status report, got %v", transport.transmits)
	}
	d.NotifyTransmitComplete()

	d.handleDataOut()
	if len(transport.transmits) != 3 || transport.transmits[2][0] != protocol.TagEvent || transport.transmits[2][1] != protocol.EventWriteStdout {
		t.Fatalf("expected the third transmit to be the stdout event, got %v", transport.transmits)
	}
}

// TestStdoutFraming covers testable property #13: a stdout write within
// capacity is framed as [TagEvent, EventWriteStdout, payload...].
func TestStdoutFraming(t *testing.T) {
	d, _, transport := newTestDevice()
	d.subscribed.Store(true)

	payload := []byte("count: 42")
	n, err := d.StdoutTx(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("StdoutTx(%q) = (%d, %v), want (%d, nil)", payload, n, err, len(payload))
	}

	d.handleDataOut()
	if len(transport.transmits) != 1 {
		t.Fatalf("expected one transmit, got %d", len(transport.transmits))
	}
	got := transport.transmits[0]
	want := append([]byte{protocol.TagEvent, protocol.EventWriteStdout}, payload...)
	if !bytes.Equal(got, want) {
		t.Fatalf("stdout frame = %v, want %v", got, want)
	}
}

// TestStdoutTxRejectsWhenNotSubscribed covers the InvalidOp edge of
// StdoutTx.
func TestStdoutTxRejectsWhenNotSubscribed(t *testing.T) {
	d, _, _ := newTestDevice()
	if _, err := d.StdoutTx([]byte("x")); !pbio.Is(err, pbio.KindInvalidOp) {
		t.Fatalf("expected InvalidOp when not subscribed, got %v", err)
	}
}

// runDetect drives detectBCD to completion, advancing a fake clock by 1 ms
// per re-entry so every internal AwaitMS timer eventually expires.
func runDetect(t *testing.T, d *Device, now *uint32) error {
	t.Helper()
	var state pbos.TaskState
	for i := 0; i < 10000; i++ {
		err := d.detectBCD(&state)
		if !pbio.IsAgain(err) {
			return err
		}
		*now++
	}
	t.Fatal("detectBCD did not complete within iteration budget")
	return nil
}

// TestBCDClassifiesStandardDownstream covers testable property #11: VBUS
// active, DCD asserted, primary detect negative classifies SDP.
func TestBCDClassifiesStandardDownstream(t *testing.T) {
	now := uint32(0)
	bcdIO := &fakeBCD{vbus: true, dcd: true, pd: false}
	transport := &fakeTransport{}
	clock := pbos.ClockFunc(func() uint32 { return now })
	bcd := &core.BCDValue{}
	d := NewDevice(bcdIO, transport, fakeStrings{}, bcd, clock, false, 0, 0, 0, dma.NewRegion(testRegionSize))
	d.NotifyVBUS(true)

	if err := runDetect(t, d, &now); err != nil {
		t.Fatalf("detectBCD failed: %v", err)
	}
	if got := bcd.Load(); got != core.BCDStandardDownstream {
		t.Fatalf("expected BCDStandardDownstream, got %v", got)
	}
}

// TestBCDClassifiesChargingDownstream covers testable property #12:
// primary detect positive, secondary detect negative classifies CDP.
func TestBCDClassifiesChargingDownstream(t *testing.T) {
	now := uint32(0)
	bcdIO := &fakeBCD{vbus: true, dcd: true, pd: true, sd: false}
	transport := &fakeTransport{}
	clock := pbos.ClockFunc(func() uint32 { return now })
	bcd := &core.BCDValue{}
	d := NewDevice(bcdIO, transport, fakeStrings{}, bcd, clock, false, 0, 0, 0, dma.NewRegion(testRegionSize))
	d.NotifyVBUS(true)

	if err := runDetect(t, d, &now); err != nil {
		t.Fatalf("detectBCD failed: %v", err)
	}
	if got := bcd.Load(); got != core.BCDChargingDownstream {
		t.Fatalf("expected BCDChargingDownstream, got %v", got)
	}
}

// TestBCDClassifiesDedicatedCharging checks the remaining classification:
// both primary and secondary detect positive.
func TestBCDClassifiesDedicatedCharging(t *testing.T) {
	now := uint32(0)
	bcdIO := &fakeBCD{vbus: true, dcd: true, pd: true, sd: true}
	transport := &fakeTransport{}
	clock := pbos.ClockFunc(func() uint32 { return now })
	bcd := &core.BCDValue{}
	d := NewDevice(bcdIO, transport, fakeStrings{}, bcd, clock, false, 0, 0, 0, dma.NewRegion(testRegionSize))
	d.NotifyVBUS(true)

	if err := runDetect(t, d, &now); err != nil {
		t.Fatalf("detectBCD failed: %v", err)
	}
	if got := bcd.Load(); got != core.BCDDedicatedCharging {
		t.Fatalf("expected BCDDedicatedCharging, got %v", got)
	}
}

// TestRunCancellationLiveness covers testable property #14 for the USB
// process specifically: once the owning process is asked to cancel, Run
// reaches a state that stops looping on vbus activity.
func TestRunCancellationLiveness(t *testing.T) {
	now := uint32(0)
	bcdIO := &fakeBCD{vbus: true, dcd: true, pd: false}
	transport := &fakeTransport{}
	clock := pbos.ClockFunc(func() uint32 { return now })
	d := NewDevice(bcdIO, transport, fakeStrings{}, &core.BCDValue{}, clock, false, 0, 0, 0, dma.NewRegion(testRegionSize))
	d.NotifyVBUS(true)

	var state pbos.TaskState
	var proc pbos.Process

	for i := 0; i < 10000 && state != stCheckpoint; i++ {
		d.Run(&state, &proc)
		now++
	}
	if state != stCheckpoint {
		t.Fatal("expected Run to reach stCheckpoint before cancellation")
	}

	proc.MakeRequest(pbos.RequestCancel)
	d.Run(&state, &proc)
	if state != stAwaitUnplug {
		t.Fatalf("expected cancellation to move Run out of the checkpoint loop, got state %d", state)
	}
}
