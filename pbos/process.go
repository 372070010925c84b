// Cooperative task primitives
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pbos

import (
	"sync"
	"sync/atomic"

	"github.com/pybricks/pbio"
)

// Request is a cooperative instruction a supervisor can leave for a running
// Process; the process only observes it at its next yield point.
type Request int32

const (
	// RequestNone is the default: no outstanding request.
	RequestNone Request = iota
	// RequestCancel asks the process to unwind and return at its next
	// convenient yield point. There is no forced unwinding.
	RequestCancel
)

// EntryFunc is a process's top-level resumable body. It is called once per
// poll; while it returns pbio.Again(), the process stays on the scheduler's
// run list. Any other return value (including nil) is terminal and removes
// it.
type EntryFunc func(state *TaskState, ctx any) error

// Process is a statically allocated unit of cooperative work. Starting it
// with Scheduler.StartProcess adds it to the run list; its entry function
// returning anything other than pbio.Again() removes it.
type Process struct {
	entry   EntryFunc
	ctx     any
	state   TaskState
	request atomic.Int32
	err     error
}

// MakeRequest signals the process to change direction (currently only
// cancellation is defined). Safe to call from any context, including
// interrupt handlers, since it only touches an atomic word.
func (p *Process) MakeRequest(r Request) {
	p.request.Store(int32(r))
}

// Request returns the most recently made request, or RequestNone. A
// process body polls this at its own yield points to decide whether to
// unwind.
func (p *Process) Request() Request {
	return Request(p.request.Load())
}

// Err returns the terminal error the process returned, valid only after it
// has finished (i.e. is no longer on a scheduler's run list).
func (p *Process) Err() error {
	return p.err
}

// Scheduler runs every started Process in a single-threaded cooperative
// loop. There is exactly one run list; processes run in registration order
// within a pass, and any process may request an additional pass before the
// current one ends.
type Scheduler struct {
	mu         sync.Mutex
	processes  []*Process
	pollQueued atomic.Bool
}

// NewScheduler returns an empty, ready-to-use Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// StartProcess adds p to the run list, if it isn't already on it, and
// requests a poll so it gets its first chance to run.
func (s *Scheduler) StartProcess(p *Process, entry EntryFunc, ctx any) {
	s.mu.Lock()
	p.entry = entry
	p.ctx = ctx
	p.state = 0
	p.request.Store(int32(RequestNone))
	p.err = nil
	listed := false
	for _, q := range s.processes {
		if q == p {
			listed = true
			break
		}
	}
	if !listed {
		s.processes = append(s.processes, p)
	}
	s.mu.Unlock()

	s.RequestPoll()
}

// MakeRequest is a convenience forwarding to Process.MakeRequest, kept for
// symmetry with the original's free-function API surface.
func (s *Scheduler) MakeRequest(p *Process, r Request) {
	p.MakeRequest(r)
}

// RequestPoll is an idempotent, interrupt-safe signal that at least one
// runnable step exists. Any number of calls between two RunUntilIdle passes
// coalesce into exactly one additional scan of the run list.
func (s *Scheduler) RequestPoll() {
	s.pollQueued.Store(true)
}

// RunUntilIdle drains the poll flag, invoking every started process's entry
// once per pass. A process returning pbio.Again() stays on the list; any
// other return removes it. If any process (or an interrupt) requests
// another poll before this drains, at least one more pass runs.
//
// A process's entry function may itself call StartProcess (e.g. to spawn a
// one-shot completion task), appending to the live run list while this pass
// is still executing. Removal is therefore done by filtering the finished
// processes back out of the live list at the end of the pass, rather than
// by replacing it with a pre-pass snapshot, so such appends are never lost.
func (s *Scheduler) RunUntilIdle() {
	for s.pollQueued.Swap(false) {
		s.mu.Lock()
		procs := append([]*Process(nil), s.processes...)
		s.mu.Unlock()

		var finished map[*Process]bool

		for _, p := range procs {
			err := p.entry(&p.state, p.ctx)

			if pbio.IsAgain(err) {
				continue
			}

			p.err = err
			if finished == nil {
				finished = make(map[*Process]bool, len(procs))
			}
			finished[p] = true
		}

		if finished == nil {
			continue
		}

		s.mu.Lock()
		remaining := s.processes[:0]
		for _, p := range s.processes {
			if !finished[p] {
				remaining = append(remaining, p)
			}
		}
		s.processes = remaining
		s.mu.Unlock()
	}
}

// Processes returns the number of processes currently on the run list.
// Mainly useful for tests and for a boot loop wanting to report progress.
func (s *Scheduler) Processes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

var def = NewScheduler()

// Default returns the package-level scheduler instance used throughout this
// module, mirroring the teacher's dma.Default() singleton pattern.
func Default() *Scheduler { return def }

// StartProcess is the equivalent of Scheduler.StartProcess on the default
// scheduler.
func StartProcess(p *Process, entry EntryFunc, ctx any) { def.StartProcess(p, entry, ctx) }

// RequestPoll is the equivalent of Scheduler.RequestPoll on the default
// scheduler.
func RequestPoll() { def.RequestPoll() }

// RunUntilIdle is the equivalent of Scheduler.RunUntilIdle on the default
// scheduler.
func RunUntilIdle() { def.RunUntilIdle() }
