// NOR flash block device engine
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package flash

import (
	"github.com/pybricks/pbio"
	"github.com/pybricks/pbio/drv/core"
	"github.com/pybricks/pbio/drv/spi"
	"github.com/pybricks/pbio/pbos"
)

// maxTransferChunk is the largest single DMA transfer the read path will
// issue, matching the "≤ 64 KiB − 1 on STM32" ceiling named in spec §4.D.
const maxTransferChunk = 0xFFFF

// Device is a NOR flash block device engine: ID probe, chunked read, and
// sector-erase-then-page-program store, built entirely on package spi.
// It presents a flat byte array of Size() bytes starting at an
// implementation-chosen start address; a Device is not safe for concurrent
// use by more than one logical operation at a time (matching "each
// hardware bus has exactly one owning process" in spec §5).
type Device struct {
	chip Chip
	seq  *spi.Sequencer

	startAddress uint32
	totalSize    uint32

	ready  bool
	failed bool

	rd readOp
	wr storeOp
	pr probeOp
}

// NewDevice returns a Device for the given chip over seq, presenting
// totalSize bytes starting at startAddress on the flash part.
func NewDevice(chip Chip, seq *spi.Sequencer, startAddress, totalSize uint32) *Device {
	return &Device{
		chip:         chip,
		seq:          seq,
		startAddress: startAddress,
		totalSize:    totalSize,
	}
}

// Size returns the number of bytes this device presents. It is a build-time
// constant for a given Device.
func (d *Device) Size() uint32 {
	return d.totalSize
}

// Ready reports whether Probe succeeded. Read and Store both fail with
// pbio.NoDev before a successful Probe.
func (d *Device) Ready() bool {
	return d.ready
}

func putAddressBE(dst []byte, addr uint32) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(addr)
		addr >>= 8
	}
}

// --- Probe -----------------------------------------------------------------

type probeOp struct {
	child  pbos.ChildState
	cmdBuf [1]byte
	idBuf  [3]byte
	cmd    spi.Command
}

const (
	probeSendGetID pbos.TaskState = iota + 1
	probeRecvID
)

// Probe runs the GET_ID + 3-byte compare once at init. It is wired to
// drv/core's init-busy latch by the caller (see Device.ProbeAtBoot): the
// init-busy count is decremented regardless of whether the ID matched, so a
// probe failure never wedges the boot sequence — it only leaves this
// Device unusable (Read/Store return pbio.NoDev).
func (d *Device) Probe(state *pbos.TaskState) error {
	switch *state {
	case 0:
		d.pr.cmdBuf[0] = cmdGetID
		d.pr.cmd = spi.Command{Op: spi.SendKeepCS, Buffer: d.pr.cmdBuf[:]}
		d.pr.child = 0
		*state = probeSendGetID
		return pbio.Again()

	case probeSendGetID:
		err, done := pbos.AwaitChild(state, probeSendGetID, &d.pr.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.pr.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return d.finishProbe(err)
		}

		d.pr.cmd = spi.Command{Op: spi.Recv, Buffer: d.pr.idBuf[:]}
		d.pr.child = 0
		*state = probeRecvID
		return pbio.Again()

	case probeRecvID:
		err, done := pbos.AwaitChild(state, probeRecvID, &d.pr.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.pr.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return d.finishProbe(err)
		}

		if d.pr.idBuf != d.chip.ID() {
			return d.finishProbe(pbio.Failed("flash.Probe", nil))
		}

		return d.finishProbe(nil)
	}

	panic("flash: invalid probe state")
}

func (d *Device) finishProbe(err error) error {
	if err != nil {
		d.failed = true
		d.ready = false
	} else {
		d.ready = true
	}
	return err
}

// ProbeAtBoot starts Probe as a pbos process, bracketing it with
// core.InitBusyUp/InitBusyDown the way original_source's
// pbdrv_block_device_w25qxx process does.
func (d *Device) ProbeAtBoot(sched *pbos.Scheduler, proc *pbos.Process) {
	core.InitBusyUp()

	sched.StartProcess(proc, func(state *pbos.TaskState, _ any) error {
		err := d.Probe(state)
		if pbio.IsAgain(err) {
			return err
		}
		core.InitBusyDown()
		return err
	}, nil)
}

// --- Read --------------------------------------------------------------

type readOp struct {
	child   pbos.ChildState
	dst     []byte
	base    uint32 // absolute flash address of dst[0]
	done    uint32 // bytes transferred so far
	chunk   uint32
	addrBuf [6]byte // 1 command byte + up to 4 address bytes + 1 dummy byte
	cmd     spi.Command
}

const (
	readBoundsOK pbos.TaskState = iota + 1
	readIssueAddr
	readAwaitAddr
	readIssueData
	readAwaitData
)

// Read reads len(buf) bytes starting at offset (relative to the device's
// start address) into buf, transparently chunking across
// maxTransferChunk. It returns pbio.InvalidArg, performing no SPI, if
// offset+len(buf) exceeds Size() or buf is empty.
func (d *Device) Read(state *pbos.TaskState, offset uint32, buf []byte) error {
	if *state == 0 {
		if !d.ready {
			return pbio.NoDev("flash.Read")
		}
		if len(buf) == 0 || uint64(offset)+uint64(len(buf)) > uint64(d.totalSize) {
			return pbio.InvalidArg("flash.Read")
		}

		d.rd = readOp{
			dst:  buf,
			base: d.startAddress + offset,
		}
		*state = readBoundsOK
	}

	return d.doRead(state)
}

func (d *Device) doRead(state *pbos.TaskState) error {
	switch *state {
	case readBoundsOK:
		if d.rd.done >= uint32(len(d.rd.dst)) {
			return nil
		}

		remaining := uint32(len(d.rd.dst)) - d.rd.done
		chunk := remaining
		if chunk > maxTransferChunk {
			chunk = maxTransferChunk
		}
		d.rd.chunk = chunk

		width := d.chip.AddressWidth()
		d.rd.addrBuf[0] = d.chip.ReadCommand()
		putAddressBE(d.rd.addrBuf[1:1+width], d.rd.base+d.rd.done)
		d.rd.addrBuf[1+width] = 0 // dummy byte
		d.rd.cmd = spi.Command{Op: spi.SendKeepCS, Buffer: d.rd.addrBuf[:1+width+1]}
		d.rd.child = 0

		*state = readIssueAddr
		return pbio.Again()

	case readIssueAddr, readAwaitAddr:
		err, done := pbos.AwaitChild(state, readAwaitAddr, &d.rd.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.rd.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		d.rd.cmd = spi.Command{Op: spi.Recv, Buffer: d.rd.dst[d.rd.done : d.rd.done+d.rd.chunk]}
		d.rd.child = 0
		*state = readIssueData
		return pbio.Again()

	case readIssueData, readAwaitData:
		err, done := pbos.AwaitChild(state, readAwaitData, &d.rd.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.rd.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		d.rd.done += d.rd.chunk
		*state = readBoundsOK
		return pbio.Again()
	}

	panic("flash: invalid read state")
}

// --- Store ---------------------------------------------------------------

type storeOp struct {
	child pbos.ChildState

	src      []byte
	sectorAt uint32 // next sector-erase offset, relative to start address
	pageAt   uint32 // next page-program offset, relative to start address

	// erase-or-program sub-operation scratch, reused for every phase.
	ewChild  pbos.ChildState
	payload  []byte // nil while erasing
	address  uint32
	cmdBuf   [1]byte
	addrBuf  [5]byte
	statusCB [1]byte
	statusRX [1]byte
	cmd      spi.Command
}

const (
	storeErasing pbos.TaskState = iota + 1
	storeErasingAwait
	storeProgramming
	storeProgrammingAwait
)

// Store erases every sector overlapping [0, len(src)) in ascending address
// order, then programs 256-byte pages in ascending address order. It is
// not atomic: a partially completed Store leaves the device partially
// erased and partially programmed (spec §4.D); callers should write a
// length/CRC prefix as the very last page so a torn write is detectable.
//
// It returns pbio.InvalidArg, performing no SPI, if src is empty or longer
// than Size().
func (d *Device) Store(state *pbos.TaskState, src []byte) error {
	if *state == 0 {
		if !d.ready {
			return pbio.NoDev("flash.Store")
		}
		if len(src) == 0 || uint32(len(src)) > d.totalSize {
			return pbio.InvalidArg("flash.Store")
		}

		d.wr = storeOp{src: src}
		*state = storeErasing
	}

	return d.doStore(state)
}

func (d *Device) doStore(state *pbos.TaskState) error {
	switch *state {
	case storeErasing, storeErasingAwait:
		if d.wr.sectorAt >= uint32(len(d.wr.src)) {
			d.wr.pageAt = 0
			*state = storeProgramming
			return pbio.Again()
		}

		err, done := pbos.AwaitChild(state, storeErasingAwait, &d.wr.ewChild, func(cs *pbos.TaskState) error {
			return d.eraseOrProgram(cs, d.startAddress+d.wr.sectorAt, nil)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		d.wr.sectorAt += d.chip.SectorSize()
		d.wr.ewChild = 0
		*state = storeErasing
		return pbio.Again()

	case storeProgramming, storeProgrammingAwait:
		if d.wr.pageAt >= uint32(len(d.wr.src)) {
			return nil
		}

		end := d.wr.pageAt + d.chip.PageSize()
		if end > uint32(len(d.wr.src)) {
			end = uint32(len(d.wr.src))
		}
		page := d.wr.src[d.wr.pageAt:end]

		err, done := pbos.AwaitChild(state, storeProgrammingAwait, &d.wr.ewChild, func(cs *pbos.TaskState) error {
			return d.eraseOrProgram(cs, d.startAddress+d.wr.pageAt, page)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		d.wr.pageAt += d.chip.PageSize()
		d.wr.ewChild = 0
		*state = storeProgramming
		return pbio.Again()
	}

	panic("flash: invalid store state")
}

// eraseOrProgram issues WRITE_ENABLE, then either a sector erase (payload
// nil) or a page program (payload non-nil) at address, then polls the
// status register until both the busy and write-enable-latch bits clear.
// Grounded on original_source's flash_write_thread.
const (
	ewWriteEnable pbos.TaskState = iota + 1
	ewWriteEnableAwait
	ewAddr
	ewAddrAwait
	ewData
	ewDataAwait
	ewStatusCmd
	ewStatusCmdAwait
	ewStatusData
	ewStatusDataAwait
)

func (d *Device) eraseOrProgram(state *pbos.TaskState, address uint32, payload []byte) error {
	switch *state {
	case 0:
		d.wr.address = address
		d.wr.payload = payload
		d.wr.cmdBuf[0] = cmdWriteEnable
		d.wr.cmd = spi.Command{Op: spi.Send, Buffer: d.wr.cmdBuf[:]}
		d.wr.child = 0
		*state = ewWriteEnableAwait
		return pbio.Again()

	case ewWriteEnable, ewWriteEnableAwait:
		err, done := pbos.AwaitChild(state, ewWriteEnableAwait, &d.wr.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.wr.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		width := d.chip.AddressWidth()
		erasing := d.wr.payload == nil

		if erasing {
			d.wr.addrBuf[0] = d.chip.EraseCommand()
		} else {
			d.wr.addrBuf[0] = d.chip.ProgramCommand()
		}
		putAddressBE(d.wr.addrBuf[1:1+width], d.wr.address)

		op := spi.Send
		if !erasing {
			op = spi.SendKeepCS
		}
		d.wr.cmd = spi.Command{Op: op, Buffer: d.wr.addrBuf[:1+width]}
		d.wr.child = 0
		*state = ewAddrAwait
		return pbio.Again()

	case ewAddr, ewAddrAwait:
		err, done := pbos.AwaitChild(state, ewAddrAwait, &d.wr.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.wr.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		if d.wr.payload != nil {
			d.wr.cmd = spi.Command{Op: spi.Send, Buffer: d.wr.payload}
			d.wr.child = 0
			*state = ewDataAwait
			return pbio.Again()
		}

		*state = ewStatusCmd
		return pbio.Again()

	case ewData, ewDataAwait:
		err, done := pbos.AwaitChild(state, ewDataAwait, &d.wr.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.wr.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		*state = ewStatusCmd
		return pbio.Again()

	case ewStatusCmd:
		d.wr.statusCB[0] = cmdGetStatus
		d.wr.cmd = spi.Command{Op: spi.SendKeepCS, Buffer: d.wr.statusCB[:]}
		d.wr.child = 0
		*state = ewStatusCmdAwait
		return pbio.Again()

	case ewStatusCmdAwait:
		err, done := pbos.AwaitChild(state, ewStatusCmdAwait, &d.wr.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.wr.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		d.wr.cmd = spi.Command{Op: spi.Recv, Buffer: d.wr.statusRX[:]}
		d.wr.child = 0
		*state = ewStatusDataAwait
		return pbio.Again()

	case ewStatusData, ewStatusDataAwait:
		err, done := pbos.AwaitChild(state, ewStatusDataAwait, &d.wr.child, func(cs *pbos.TaskState) error {
			return d.seq.RunCommand(cs, &d.wr.cmd)
		})
		if !done {
			return pbio.Again()
		}
		if err != nil {
			return err
		}

		if d.wr.statusRX[0]&(StatusBusy|StatusWriteEnableLatch) != 0 {
			// Still busy: re-issue the status read.
			d.wr.child = 0
			*state = ewStatusCmd
			return pbio.Again()
		}

		return nil
	}

	panic("flash: invalid erase/program state")
}
