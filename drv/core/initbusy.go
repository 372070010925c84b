// Driver init-busy latch
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package core provides the global monotonic counter that coordinates
// staged, asynchronous driver bring-up, grounded on
// original_source/lib/pbio/drv/core.h.
package core

import "sync/atomic"

var initBusyCount atomic.Int32

// InitBusyUp increases the driver init reference count. A driver with
// asynchronous init must call this before pbos.StartProcess-ing its init
// task, to indicate that boot must keep waiting for it.
func InitBusyUp() {
	initBusyCount.Add(1)
}

// InitBusyDown decreases the driver init reference count. A driver must
// call this exactly once, when its asynchronous init task reaches a
// terminal state — success or failure alike, since a failed driver must
// still let the rest of the system boot.
//
// It is a programming error to call this more times than InitBusyUp for the
// same driver: the invariant is that the count, once it reaches zero, must
// never rise again during a boot, so an imbalanced call is caught eagerly
// rather than silently underflowing.
func InitBusyDown() {
	if initBusyCount.Add(-1) < 0 {
		panic("core: InitBusyDown called without a matching InitBusyUp")
	}
}

// InitBusy reports whether any driver init is still pending. The boot
// sequence polls this (driving the scheduler's run loop) until it returns
// false.
func InitBusy() bool {
	return initBusyCount.Load() > 0
}

// reset clears the counter. It is unexported, has no caller in this module,
// and is not part of the public API surface used by drivers.
func reset() {
	initBusyCount.Store(0)
}
