// SPI command sequencer
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spi wraps a single hardware SPI bus and DMA pair into an
// awaitable single-transfer abstraction. The register-level SPI bus driver
// itself (§6 of the spec) is an out-of-scope collaborator: this package only
// implements the sequencer state machine and the ISR-facing notifications
// that drive it, grounded on the ISR-sets-flag / task-polls-flag split
// visible throughout the teacher's soc/imx6/usb register driver.
package spi

import (
	"sync/atomic"

	"github.com/pybricks/pbio"
	"github.com/pybricks/pbio/pbos"
)

// Operation selects the direction (and chip-select behavior) of a Command.
type Operation int

const (
	// Recv reads len(Command.Buffer) bytes and releases CS on completion.
	Recv Operation = iota
	// Send writes Command.Buffer and releases CS on completion.
	Send
	// SendKeepCS writes Command.Buffer and leaves CS asserted, so the next
	// Command run on the same Sequencer continues the same chip-select
	// assertion instead of starting a new one.
	SendKeepCS
)

// Command describes one SPI phase. The owner must keep Buffer alive for
// the entire awaitable call to Sequencer.RunCommand: the sequencer only
// borrows it.
type Command struct {
	Op     Operation
	Buffer []byte
}

// Bus is the narrow, device-specific interface to the register-level SPI
// driver (out of scope for this module; see spec §6). Begin starts an
// asynchronous transfer; its eventual result arrives via the Sequencer's
// Notify* methods, called from interrupt context.
type Bus interface {
	Begin(cmd Command) error
	AssertCS()
	ReleaseCS()
}

type busState int32

const (
	stateIdleComplete busState = iota
	stateWait
	stateError
)

// Sequencer drives one SPI Bus through the {idle/complete, wait, error}
// state machine of spec §4.C. It is written by ISRs (via Notify*) and read
// by the awaiting task, so the state word and CS-held flag are atomics.
type Sequencer struct {
	bus    Bus
	status atomic.Int32
	csHeld atomic.Bool
}

// NewSequencer returns a Sequencer driving bus, starting in the
// Idle/Complete state.
func NewSequencer(bus Bus) *Sequencer {
	return &Sequencer{bus: bus}
}

// NotifyTXComplete transitions Wait -> Complete. Called from interrupt
// context by the bus driver on transmit-complete.
func (s *Sequencer) NotifyTXComplete() {
	s.status.Store(int32(stateIdleComplete))
	pbos.RequestPoll()
}

// NotifyRXComplete transitions Wait -> Complete. Called from interrupt
// context by the bus driver on receive-complete.
func (s *Sequencer) NotifyRXComplete() {
	s.status.Store(int32(stateIdleComplete))
	pbos.RequestPoll()
}

// NotifyError transitions Wait -> Error. Called from interrupt context by
// the bus driver when a transfer fails.
func (s *Sequencer) NotifyError() {
	s.status.Store(int32(stateError))
	pbos.RequestPoll()
}

const (
	stBegin pbos.TaskState = iota + 1
	stAwaitComplete
)

// RunCommand is the single awaitable this package exposes: it asserts CS if
// one isn't already held from a prior SendKeepCS, starts the transfer,
// awaits bus completion, and releases CS unless cmd.Op is SendKeepCS.
//
// It returns pbio.Busy immediately, without touching hardware, if the bus
// is already Wait; pbio.IO if the bus was left in Error by a previous
// transfer.
func (s *Sequencer) RunCommand(state *pbos.TaskState, cmd *Command) error {
	switch *state {
	case 0, stBegin:
		switch busState(s.status.Load()) {
		case stateWait:
			return pbio.Busy("spi.RunCommand")
		case stateError:
			return pbio.IO("spi.RunCommand", nil)
		}

		if !s.csHeld.Load() {
			s.bus.AssertCS()
		}

		if err := s.bus.Begin(*cmd); err != nil {
			return pbio.InvalidArg("spi.RunCommand")
		}

		s.status.Store(int32(stateWait))

		fallthrough

	case stAwaitComplete:
		if !pbos.AwaitUntil(state, stAwaitComplete, busState(s.status.Load()) != stateWait) {
			return pbio.Again()
		}

		if busState(s.status.Load()) == stateError {
			return pbio.IO("spi.RunCommand", nil)
		}

		if cmd.Op == SendKeepCS {
			s.csHeld.Store(true)
		} else {
			s.csHeld.Store(false)
			s.bus.ReleaseCS()
		}

		return nil
	}

	panic("spi: invalid task state")
}
