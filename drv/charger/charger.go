// MP2639A battery-charger supervisor
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package charger classifies the noisy /CHG line from an MPS MP2639A
// battery-charger chip into a {Discharging, Charging, Complete, Fault}
// status at 4 Hz, and enforces a long-duration charge/pause duty cycle,
// grounded on original_source/lib/pbio/drv/charger/charger_mp2639a.c.
//
// The chip's MODE/ISET/CHG/IB pins and the ADC or resistor-ladder hardware
// behind them are out-of-scope collaborators (spec §1/§6), reached here
// only through the narrow ChgReader/CurrentSensor/PowerControl interfaces,
// the same role spi.Bus plays for package spi.
package charger

import (
	"sync/atomic"

	"github.com/pybricks/pbio"
	"github.com/pybricks/pbio/drv/core"
	"github.com/pybricks/pbio/pbos"
)

// Status is the classification reported to the rest of the system.
type Status int32

const (
	Discharging Status = iota
	Charging
	Complete
	Fault
)

func (s Status) String() string {
	switch s {
	case Discharging:
		return "discharging"
	case Charging:
		return "charging"
	case Complete:
		return "complete"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Limit selects the current-limit duty cycle applied to the ISET channel.
type Limit int

const (
	// NoLimit disables the charger entirely.
	NoLimit Limit = iota
	// StdMax is the ~500 mA ceiling used for a plain standard-downstream
	// port.
	StdMax
	// FullRate is the unrestricted ceiling used for a dedicated,
	// charging-downstream or nonstandard port; the MP2639A itself still limits current
	// if VBUS sags.
	FullRate
)

// ChgReader samples the /CHG signal, inverted relative to the physical pin
// per the datasheet ambiguity noted in the original driver: true means
// "charging", not "charge complete".
type ChgReader interface {
	ReadCHG() (bool, error)
}

// CurrentSensor reads the raw ADC count on the IB pin.
type CurrentSensor interface {
	CurrentNow() (raw uint16, err error)
}

// PowerControl drives the chip's MODE (enable) and ISET (current limit)
// pins.
type PowerControl interface {
	SetCharging(enabled bool, limit Limit)
}

const (
	sampleIntervalMS = 250
	sampleCount      = 7

	// chargeTimeoutSamples is 1 hour of continuous charging at the 250 ms
	// sample rate, matching observed SPIKE firmware behavior (spec §4.E,
	// non-goal note: implementations must use this default).
	chargeTimeoutSamples = 60 * 60 * 1000 / sampleIntervalMS
	chargePauseMS        = 30 * 1000
)

// Supervisor is the 4 Hz sampling task. It is not safe for concurrent use;
// it is driven exclusively by its own Run entry point on the scheduler.
type Supervisor struct {
	chg   ChgReader
	adc   CurrentSensor
	power PowerControl
	bcd   *core.BCDValue
	clock pbos.Clock

	status atomic.Int32

	samples     [sampleCount]bool
	idx         int
	chargeCount uint32
	modePinLow  bool

	timer pbos.Timer
}

// NewSupervisor returns a Supervisor for the given hardware collaborators,
// reading the USB subsystem's classification from bcd.
func NewSupervisor(chg ChgReader, adc CurrentSensor, power PowerControl, bcd *core.BCDValue, clock pbos.Clock) *Supervisor {
	return &Supervisor{chg: chg, adc: adc, power: power, bcd: bcd, clock: clock}
}

// Status returns the most recently computed charger status. Safe to call
// from any context.
func (s *Supervisor) Status() Status {
	return Status(s.status.Load())
}

// SetUSBType is the USB subsystem's callback into the charger, forwarding
// to the shared BCDValue rather than holding a back-pointer into the USB
// driver.
func (s *Supervisor) SetUSBType(t core.BCDType) {
	s.bcd.Store(t)
}

// CurrentNow returns the instantaneous charge current in milliamps,
// derived from the ADC reading via a fixed linear scaling determined
// empirically against physical hubs. It returns pbio.IO if the underlying
// ADC read fails; the supervisor's own status computation treats such a
// failure as "not charging" rather than propagating it.
func (s *Supervisor) CurrentNow() (uint16, error) {
	raw, err := s.adc.CurrentNow()
	if err != nil {
		return 0, pbio.IO("charger.CurrentNow", err)
	}
	return scaleCurrent(raw), nil
}

func scaleCurrent(raw uint16) uint16 {
	return uint16((uint32(raw)*35116)>>16) - 123
}

const (
	stTick pbos.TaskState = iota + 1
	stPause
)

// Run is the supervisor's top-level process body: disable the charger,
// release the init-busy latch, then sample forever at 4 Hz.
func (s *Supervisor) Run(state *pbos.TaskState) error {
	switch *state {
	case 0:
		s.power.SetCharging(false, NoLimit)
		core.InitBusyDown()
		*state = stTick
		return pbio.Again()

	case stTick:
		if !pbos.AwaitMS(state, &s.timer, stTick, s.clock.NowMS(), sampleIntervalMS) {
			return pbio.Again()
		}

		if s.tick() {
			*state = stPause
			return pbio.Again()
		}

		*state = stTick
		return pbio.Again()

	case stPause:
		if !pbos.AwaitMS(state, &s.timer, stPause, s.clock.NowMS(), chargePauseMS) {
			return pbio.Again()
		}

		s.chargeCount = 0
		*state = stTick
		return pbio.Again()
	}

	panic("charger: invalid task state")
}

// Start wires Run onto sched as a boot-gating process, bracketed by
// core.InitBusyUp/Down the way pbdrv_charger_init does.
func (s *Supervisor) Start(sched *pbos.Scheduler, proc *pbos.Process) {
	core.InitBusyUp()
	sched.StartProcess(proc, func(state *pbos.TaskState, _ any) error {
		return s.Run(state)
	}, nil)
}

// tick runs one 250 ms sample per spec §4.E's per-tick algorithm, and
// reports whether the long-cycle charge timeout was just hit.
func (s *Supervisor) tick() (pause bool) {
	bcd := s.bcd.Load()
	enabled := bcd != core.BCDNone

	var limit Limit
	switch bcd {
	case core.BCDNone:
		limit = NoLimit
	case core.BCDStandardDownstream:
		limit = StdMax
	default:
		limit = FullRate
	}

	s.power.SetCharging(enabled, limit)
	s.modePinLow = enabled

	sample, err := s.chg.ReadCHG()
	if err != nil {
		sample = false
	}
	s.samples[s.idx] = sample

	if s.modePinLow {
		s.chargeCount++

		transitions := 0
		if s.samples[0] != s.samples[sampleCount-1] {
			transitions++
		}
		for i := 1; i < sampleCount; i++ {
			if s.samples[i] != s.samples[i-1] {
				transitions++
			}
		}

		switch {
		case transitions > 2:
			s.status.Store(int32(Fault))
		case s.samples[s.idx]:
			s.status.Store(int32(Charging))
		case s.chargeCount > 2:
			s.status.Store(int32(Complete))
		default:
			s.status.Store(int32(Discharging))
		}
	} else {
		s.status.Store(int32(Discharging))
		s.chargeCount = 0
	}

	s.idx++
	if s.idx >= sampleCount {
		s.idx = 0
	}

	if s.chargeCount > chargeTimeoutSamples {
		s.status.Store(int32(Discharging))
		s.power.SetCharging(false, NoLimit)
		return true
	}

	return false
}
