// Cooperative task primitives
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pbos implements the single-threaded cooperative task runtime
// ("pbio_os" in the original firmware) that every driver in this module is
// built on. There is no preemption and no heap growth: a Process is resumed
// by repeated calls to its entry function, and persists its resume point in
// a caller-owned TaskState rather than on a goroutine stack.
package pbos

import "github.com/pybricks/pbio"

// TaskState identifies the resume point a task's entry function jumps back
// to on its next poll. The zero value means "not started". Entry functions
// dispatch on it with a plain switch, the Go rendering of the original's
// line-number checkpoint trick; persistent locals live as fields on the
// struct that owns the TaskState, not as function-local variables.
type TaskState int

// AwaitUntil is the Go rendering of the AWAIT_UNTIL macro for a plain
// boolean condition: "continue once cond holds, otherwise record the
// checkpoint and ask to be polled again."
//
// Calling it repeatedly with cond false is a no-op: it keeps parking the
// task at checkpoint without side effects, satisfying re-entry idempotence.
func AwaitUntil(state *TaskState, checkpoint TaskState, cond bool) (proceed bool) {
	if cond {
		return true
	}
	*state = checkpoint
	return false
}

// AwaitMS awaits the expiry of timer, arming it for ms milliseconds the
// first time this call site is reached (timer not yet armed) and simply
// polling its expiry on every subsequent call — the Go equivalent of the
// original's "set then await" timer macro, which due to the Duff's-device
// resume trick only executes the "set" half once per loop iteration.
//
// now must be a monotonically increasing millisecond tick; callers
// typically pass the value from a shared Clock.
func AwaitMS(state *TaskState, timer *Timer, checkpoint TaskState, now uint32, ms uint32) (proceed bool) {
	timer.armOnce(now, ms)

	if timer.expired(now) {
		timer.disarm()
		return true
	}

	*state = checkpoint
	return false
}

// ChildState is the TaskState of a child task awaited with AwaitChild. It
// must live in task-persistent storage (a field on the parent's struct),
// initialized to its zero value before the first await.
type ChildState = TaskState

// AwaitChild awaits completion of a child task. step is called with the
// child's own persistent state on every poll; while it returns
// pbio.Again(), the parent parks at checkpoint and is told to yield. Any
// other return value (including nil) is the child's final result and is
// propagated to the parent's caller.
func AwaitChild(state *TaskState, checkpoint TaskState, child *ChildState, step func(*TaskState) error) (result error, proceed bool) {
	err := step(child)

	if pbio.IsAgain(err) {
		*state = checkpoint
		return nil, false
	}

	return err, true
}
