// Pybricks USB wire protocol framing
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package protocol defines the tags of, and encodes, the Pybricks
// application-level framing carried over the USB bulk endpoints, grounded on the tag/opcode
// usage in original_source/lib/pbio/drv/usb/usb_stm32.c (PBIO_PYBRICKS_*).
// Every multi-byte field on the wire is little-endian.
package protocol

import (
	"encoding/binary"

	"github.com/pybricks/pbio"
)

// Out-endpoint tags (host -> hub), the first byte of every OUT packet.
const (
	TagSubscribe byte = 1
	TagCommand   byte = 2
)

// In-endpoint tags (hub -> host), the first byte of every IN packet.
const (
	TagResponse byte = 1
	TagEvent    byte = 2
)

// Event-type byte, second byte of an EVENT (TagEvent) packet.
const (
	EventStatusReport byte = 1
	EventWriteStdout  byte = 2
)

// ErrorCode is the 4-byte little-endian code carried by a RESPONSE packet.
// It mirrors pbio.Kind but is a stable wire value independent of the Go
// error taxonomy's internal ordering.
type ErrorCode uint32

const (
	ErrorOK ErrorCode = iota
	ErrorInvalidArg
	ErrorInvalidOp
	ErrorBusy
	ErrorIO
	ErrorTimedOut
	ErrorNoDev
	ErrorFailed
	ErrorNotImplemented
)

// ErrorCodeFor maps a pbio.Kind to its wire ErrorCode. A nil err maps to
// ErrorOK; any error whose Kind has no driver-facing wire representation
// (KindAgain never reaches the wire) falls back to ErrorFailed.
func ErrorCodeFor(err error) ErrorCode {
	if err == nil {
		return ErrorOK
	}
	switch {
	case pbio.Is(err, pbio.KindInvalidArg):
		return ErrorInvalidArg
	case pbio.Is(err, pbio.KindInvalidOp):
		return ErrorInvalidOp
	case pbio.Is(err, pbio.KindBusy):
		return ErrorBusy
	case pbio.Is(err, pbio.KindIO):
		return ErrorIO
	case pbio.Is(err, pbio.KindTimedOut):
		return ErrorTimedOut
	case pbio.Is(err, pbio.KindNoDev):
		return ErrorNoDev
	case pbio.Is(err, pbio.KindNotImplemented):
		return ErrorNotImplemented
	default:
		return ErrorFailed
	}
}

// ResponseSize is the fixed length of a RESPONSE packet: tag + 4-byte code.
const ResponseSize = 1 + 4

// EncodeResponse writes a RESPONSE packet for code into dst, which must be
// at least ResponseSize bytes.
func EncodeResponse(dst []byte, code ErrorCode) int {
	dst[0] = TagResponse
	binary.LittleEndian.PutUint32(dst[1:5], uint32(code))
	return ResponseSize
}

// EncodeEvent writes an EVENT packet header followed by payload into dst,
// returning the total length written.
func EncodeEvent(dst []byte, eventType byte, payload []byte) int {
	dst[0] = TagEvent
	dst[1] = eventType
	n := copy(dst[2:], payload)
	return 2 + n
}

// MaxHubNameLen bounds the GATT Device Name string read through
// READ_CHARACTERISTIC; callers truncate to min(len(name), wLength).
const MaxHubNameLen = 31

// HubCapabilities encodes the Pybricks hub-capabilities characteristic:
// [max_packet_size-1, feature_flags (4 bytes LE), max_program_size (4 bytes
// LE), slot_count]. dst must be at least 10 bytes.
func HubCapabilities(dst []byte, maxPacketSize uint16, featureFlags uint32, maxProgramSize uint32, slotCount byte) int {
	dst[0] = byte(maxPacketSize - 1)
	binary.LittleEndian.PutUint32(dst[1:5], featureFlags)
	binary.LittleEndian.PutUint32(dst[5:9], maxProgramSize)
	dst[9] = slotCount
	return 10
}
