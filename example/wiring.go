// Example: wiring the flash, charger and USB drivers onto one scheduler
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command wiring demonstrates assembling this module's drivers the way a
// board's platform.go would, against trivial simulated hardware instead of
// real registers — grounded on the teacher's example/ directory, which
// exercises its drivers against either real or simulated peripherals in the
// same way.
package main

import (
	"fmt"

	"github.com/pybricks/pbio/dma"
	"github.com/pybricks/pbio/drv/charger"
	"github.com/pybricks/pbio/drv/core"
	"github.com/pybricks/pbio/drv/flash"
	"github.com/pybricks/pbio/drv/spi"
	"github.com/pybricks/pbio/drv/usb"
	"github.com/pybricks/pbio/pbos"
)

// usbRegionSize comfortably covers the USB device's reserved transfer
// buffers plus alignment padding.
const usbRegionSize = 4096

// simClock is a manually-advanced millisecond clock standing in for a
// board's free-running hardware timer.
type simClock struct{ ms uint32 }

func (c *simClock) NowMS() uint32 { return c.ms }
func (c *simClock) advance(ms uint32) {
	c.ms += ms
	pbos.RequestPoll()
}

// simFlashBus is a trivial in-memory simulation of a SPI NOR flash chip,
// implementing spi.Bus well enough to drive package flash end to end
// without real hardware.
type simFlashBus struct {
	chip flash.Chip
	mem  []byte

	pending spi.Command
	csHeld  bool
	addrBuf []byte
	seq     *spi.Sequencer
}

func newSimFlashBus(chip flash.Chip, size int) *simFlashBus {
	return &simFlashBus{chip: chip, mem: make([]byte, size)}
}

func (b *simFlashBus) AssertCS()  { b.csHeld = true }
func (b *simFlashBus) ReleaseCS() { b.csHeld = false; b.addrBuf = nil }

// Begin simulates an asynchronous transfer: the data move happens
// synchronously, but completion is reported to the sequencer one
// scheduler pass later via a one-shot process, matching the real
// interrupt-driven hardware's timing well enough for RunCommand's Wait
// state to be observed at least once.
func (b *simFlashBus) Begin(cmd spi.Command) error {
	b.pending = cmd

	switch cmd.Op {
	case spi.Send, spi.SendKeepCS:
		b.handleSend(cmd.Buffer)
	case spi.Recv:
		b.handleRecv(cmd.Buffer)
	}

	isRecv := cmd.Op == spi.Recv
	var completion pbos.Process
	pbos.StartProcess(&completion, func(*pbos.TaskState, any) error {
		if isRecv {
			b.seq.NotifyRXComplete()
		} else {
			b.seq.NotifyTXComplete()
		}
		return nil
	}, nil)

	return nil
}

func (b *simFlashBus) handleSend(buf []byte) {
	if len(buf) == 0 {
		return
	}

	// A Send while an address from an earlier SendKeepCS is still held is a
	// page-program payload.
	if b.addrBuf != nil {
		addr := beAddr(b.addrBuf)
		copy(b.mem[addr:], buf)
		return
	}

	switch buf[0] {
	case 0x9F: // GET_ID, handled on the following Recv
	case 0x06: // WRITE_ENABLE, no-op in this simulation
	case 0x05: // GET_STATUS, handled on the following Recv
	default:
		// Erase or program: opcode + address, optionally followed by a
		// payload on a later Send while CS is held.
		width := b.chip.AddressWidth()
		if len(buf) >= 1+width {
			b.addrBuf = append([]byte(nil), buf[1:1+width]...)
			if buf[0] == b.chip.EraseCommand() {
				addr := beAddr(b.addrBuf)
				for i := uint32(0); i < b.chip.SectorSize(); i++ {
					b.mem[addr+i] = 0xFF
				}
			}
		}
	}
}

func (b *simFlashBus) handleRecv(buf []byte) {
	switch b.pending.Op {
	case spi.Recv:
		if len(buf) == 3 {
			id := b.chip.ID()
			copy(buf, id[:])
			return
		}
		if len(buf) == 1 {
			buf[0] = 0 // never busy in this simulation
			return
		}
		if b.addrBuf != nil {
			addr := beAddr(b.addrBuf)
			copy(buf, b.mem[addr:])
		}
	}
}

func beAddr(b []byte) uint32 {
	var addr uint32
	for _, x := range b {
		addr = addr<<8 | uint32(x)
	}
	return addr
}

type simCharger struct{ chg bool }

func (s *simCharger) ReadCHG() (bool, error)                       { return s.chg, nil }
func (s *simCharger) CurrentNow() (uint16, error)                  { return 2000, nil }
func (s *simCharger) SetCharging(enabled bool, limit charger.Limit) {}

type simBCD struct {
	vbus bool
	dcd  bool
	pd   bool
	sd   bool
}

func (s *simBCD) VBUSActive() bool   { return s.vbus }
func (s *simBCD) SetDCD(bool)        {}
func (s *simBCD) DCDDetected() bool  { return s.dcd }
func (s *simBCD) SetPD(bool)         {}
func (s *simBCD) PDDetected() bool   { return s.pd }
func (s *simBCD) SetSD(bool)         {}
func (s *simBCD) SDDetected() bool   { return s.sd }

type simTransport struct{}

func (simTransport) Transmit(buf []byte) {}
func (simTransport) ReceivePacket()      {}

type hubStrings struct{}

func (hubStrings) HubName() string         { return "Example Hub" }
func (hubStrings) FirmwareVersion() string { return "v3.0.0" }
func (hubStrings) ProtocolVersion() string { return "1.0.0" }

func main() {
	clock := &simClock{}

	chip := flash.N25Q128{}
	bus := newSimFlashBus(chip, 2*1024*1024)
	seq := spi.NewSequencer(bus)
	bus.seq = seq

	dev := flash.NewDevice(chip, seq, 0, 2*1024*1024)

	var probeProc pbos.Process
	dev.ProbeAtBoot(pbos.Default(), &probeProc)

	bcdValue := &core.BCDValue{}

	sup := charger.NewSupervisor(&simCharger{}, &simCharger{}, &simCharger{}, bcdValue, clock)
	var chargerProc pbos.Process
	sup.Start(pbos.Default(), &chargerProc)

	bcdIO := &simBCD{}
	usbDev := usb.NewDevice(bcdIO, simTransport{}, hubStrings{}, bcdValue, clock, false, 0, 32*1024, 20, dma.NewRegion(usbRegionSize))
	var usbProc pbos.Process
	usbDev.Start(pbos.Default(), &usbProc)

	for i := 0; i < 20 && core.InitBusy(); i++ {
		clock.advance(10)
		pbos.RunUntilIdle()
	}

	fmt.Printf("flash ready: %v, id match required before read/store\n", dev.Ready())

	payload := []byte("hello from pbio")
	var writeState pbos.TaskState
	for {
		if err := dev.Store(&writeState, payload); err == nil {
			break
		}
		pbos.RunUntilIdle()
	}

	buf := make([]byte, len(payload))
	var readState pbos.TaskState
	for {
		if err := dev.Read(&readState, 0, buf); err == nil {
			break
		}
		pbos.RunUntilIdle()
	}

	fmt.Printf("round-trip read: %q\n", buf)
	fmt.Printf("charger status after bring-up: %v\n", sup.Status())
}
