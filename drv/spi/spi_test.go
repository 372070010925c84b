// SPI command sequencer
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package spi

import (
	"testing"

	"github.com/pybricks/pbio"
	"github.com/pybricks/pbio/pbos"
)

type fakeBus struct {
	began     int
	csAsserts int
	csRelease int
}

func (b *fakeBus) AssertCS()  { b.csAsserts++ }
func (b *fakeBus) ReleaseCS() { b.csRelease++ }
func (b *fakeBus) Begin(cmd Command) error {
	b.began++
	return nil
}

// TestAtMostOneTransfer covers testable property #3: while the sequencer
// is Wait, RunCommand returns Busy without touching the bus.
func TestAtMostOneTransfer(t *testing.T) {
	bus := &fakeBus{}
	seq := NewSequencer(bus)

	var state pbos.TaskState
	cmd := Command{Op: Send, Buffer: []byte{1, 2, 3}}

	if err := seq.RunCommand(&state, &cmd); !pbio.IsAgain(err) {
		t.Fatalf("expected Again while awaiting completion, got %v", err)
	}
	if bus.began != 1 {
		t.Fatalf("expected exactly one Begin call, got %d", bus.began)
	}

	var state2 pbos.TaskState
	if err := seq.RunCommand(&state2, &cmd); !pbio.Is(err, pbio.KindBusy) {
		t.Fatalf("expected Busy from a second RunCommand while the first is in flight, got %v", err)
	}
	if bus.began != 1 {
		t.Fatalf("expected the busy call to not touch the bus, but Begin count is now %d", bus.began)
	}

	seq.NotifyTXComplete()
	if err := seq.RunCommand(&state, &cmd); err != nil {
		t.Fatalf("expected nil once the transfer completes, got %v", err)
	}
	if bus.csRelease != 1 {
		t.Fatalf("expected CS released after a plain Send, got %d releases", bus.csRelease)
	}
}

// TestKeepCSHoldsAcrossCommands checks that a SendKeepCS command leaves CS
// asserted so the next RunCommand does not reassert it.
func TestKeepCSHoldsAcrossCommands(t *testing.T) {
	bus := &fakeBus{}
	seq := NewSequencer(bus)

	var state pbos.TaskState
	cmd := Command{Op: SendKeepCS, Buffer: []byte{0x02}}
	seq.RunCommand(&state, &cmd)
	seq.NotifyTXComplete()
	if err := seq.RunCommand(&state, &cmd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bus.csAsserts != 1 {
		t.Fatalf("expected CS asserted exactly once across the two commands, got %d", bus.csAsserts)
	}
	if bus.csRelease != 0 {
		t.Fatalf("expected CS not released after SendKeepCS, got %d releases", bus.csRelease)
	}

	var state2 pbos.TaskState
	recv := Command{Op: Recv, Buffer: make([]byte, 1)}
	seq.RunCommand(&state2, &recv)
	if bus.csAsserts != 1 {
		t.Fatalf("expected CS not re-asserted while already held, got %d asserts", bus.csAsserts)
	}
	seq.NotifyRXComplete()
	seq.RunCommand(&state2, &recv)
	if bus.csRelease != 1 {
		t.Fatalf("expected CS released at the end of the Recv, got %d releases", bus.csRelease)
	}
}

// TestErrorStateReturnsIO checks that a bus left in Error by a previous
// transfer is reported as Io without starting a new transfer.
func TestErrorStateReturnsIO(t *testing.T) {
	bus := &fakeBus{}
	seq := NewSequencer(bus)

	var state pbos.TaskState
	cmd := Command{Op: Send, Buffer: []byte{1}}
	seq.RunCommand(&state, &cmd)
	seq.NotifyError()

	var state2 pbos.TaskState
	if err := seq.RunCommand(&state2, &cmd); !pbio.Is(err, pbio.KindIO) {
		t.Fatalf("expected Io once the bus is in Error, got %v", err)
	}
	if bus.began != 1 {
		t.Fatalf("expected no new Begin call while in Error, got %d total Begin calls", bus.began)
	}
}
