// Shared USB battery-charging-detection classification
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package core

import "sync/atomic"

// BCDType classifies what is attached to VBUS, as determined by the USB
// driver's data-contact/primary/secondary detect sequence (USB
// Battery-Charging spec 1.2).
type BCDType int32

const (
	// BCDNone means VBUS is not active, or detection has not run yet.
	BCDNone BCDType = iota
	// BCDStandardDownstream is a USB host port with no charging support.
	BCDStandardDownstream
	// BCDChargingDownstream is a USB host port with charging support.
	BCDChargingDownstream
	// BCDDedicatedCharging is a charger with no data lines.
	BCDDedicatedCharging
	// BCDNonstandard is a port that never asserted DCD within the
	// detection timeout.
	BCDNonstandard
)

func (t BCDType) String() string {
	switch t {
	case BCDNone:
		return "none"
	case BCDStandardDownstream:
		return "standard-downstream"
	case BCDChargingDownstream:
		return "charging-downstream"
	case BCDDedicatedCharging:
		return "dedicated-charging"
	case BCDNonstandard:
		return "nonstandard"
	default:
		return "unknown"
	}
}

// BCDValue is the one-way shared reference between the USB and charger
// drivers named in spec §5 ("the driver graph has no cycles: USB -> Charger
// -> USB is broken by a one-way read of bcd"): the USB driver is the sole
// writer, the charger driver the sole reader, and neither package imports
// the other.
type BCDValue struct {
	v atomic.Int32
}

// Store records the latest BCD classification. Called by the USB driver.
func (b *BCDValue) Store(t BCDType) {
	b.v.Store(int32(t))
}

// Load reads the latest BCD classification. Called by the charger driver.
func (b *BCDValue) Load() BCDType {
	return BCDType(b.v.Load())
}
