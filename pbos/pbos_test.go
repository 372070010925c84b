// Cooperative task primitives
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pbos

import (
	"testing"

	"github.com/pybricks/pbio"
)

// TestAwaitUntilReentryIdempotent covers testable property #1: calling an
// entry function repeatedly while its await condition is false must not
// advance past the await.
func TestAwaitUntilReentryIdempotent(t *testing.T) {
	var state TaskState
	cond := false

	entry := func(state *TaskState, _ any) error {
		switch *state {
		case 0:
			if !AwaitUntil(state, 1, cond) {
				return pbio.Again()
			}
			return nil
		case 1:
			if !AwaitUntil(state, 1, cond) {
				return pbio.Again()
			}
			return nil
		}
		panic("unreachable")
	}

	for i := 0; i < 5; i++ {
		err := entry(&state, nil)
		if !pbio.IsAgain(err) {
			t.Fatalf("pass %d: expected Again while cond is false, got %v", i, err)
		}
		if state != 1 {
			t.Fatalf("pass %d: expected state parked at checkpoint 1, got %d", i, state)
		}
	}

	cond = true
	if err := entry(&state, nil); err != nil {
		t.Fatalf("expected nil once cond is true, got %v", err)
	}
}

// TestAwaitMSReentryIdempotent covers the timer half of property #1.
func TestAwaitMSReentryIdempotent(t *testing.T) {
	var state TaskState
	var timer Timer
	now := uint32(0)

	entry := func(state *TaskState, _ any) error {
		if !AwaitMS(state, &timer, 1, now, 100) {
			return pbio.Again()
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := entry(&state, nil); !pbio.IsAgain(err) {
			t.Fatalf("pass %d: expected Again before timer expiry, got %v", i, err)
		}
		now += 10
	}

	now = 101
	if err := entry(&state, nil); err != nil {
		t.Fatalf("expected nil after timer expiry, got %v", err)
	}
}

// TestPollCoalescing covers testable property #2: any number of
// RequestPoll calls between two RunUntilIdle drains collapse into exactly
// one additional scan of the run list.
func TestPollCoalescing(t *testing.T) {
	sched := NewScheduler()

	scans := 0
	var proc Process
	sched.StartProcess(&proc, func(state *TaskState, _ any) error {
		scans++
		return pbio.Again()
	}, nil)

	sched.RunUntilIdle()
	baseline := scans

	for i := 0; i < 10; i++ {
		sched.RequestPoll()
	}
	sched.RunUntilIdle()

	if got := scans - baseline; got != 1 {
		t.Fatalf("expected exactly 1 additional scan after 10 coalesced RequestPoll calls, got %d", got)
	}
}

// TestRunUntilIdleRemovesFinishedProcess checks that a process returning a
// terminal error is removed from the run list and its error is retained.
func TestRunUntilIdleRemovesFinishedProcess(t *testing.T) {
	sched := NewScheduler()

	var proc Process
	wantErr := pbio.InvalidArg("test")
	sched.StartProcess(&proc, func(state *TaskState, _ any) error {
		return wantErr
	}, nil)

	sched.RunUntilIdle()

	if got := sched.Processes(); got != 0 {
		t.Fatalf("expected 0 processes remaining, got %d", got)
	}
	if proc.Err() != wantErr {
		t.Fatalf("expected terminal error to be retained, got %v", proc.Err())
	}
}

// TestCancellationLiveness covers testable property #14: a process that
// checks Request() reaches a terminal state within one pass of being asked
// to cancel.
func TestCancellationLiveness(t *testing.T) {
	sched := NewScheduler()

	var proc Process
	sched.StartProcess(&proc, func(state *TaskState, _ any) error {
		if proc.Request() == RequestCancel {
			return nil
		}
		return pbio.Again()
	}, nil)

	sched.RunUntilIdle()
	if sched.Processes() != 1 {
		t.Fatalf("expected process still running before cancellation")
	}

	proc.MakeRequest(RequestCancel)
	sched.RequestPoll()
	sched.RunUntilIdle()

	if sched.Processes() != 0 {
		t.Fatalf("expected process to terminate within one pass of cancellation")
	}
}
