// NOR flash chip parameters
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package flash presents a block-device abstraction (read/erase/program)
// over an external SPI NOR flash chip, built exclusively on top of
// package spi. It is generic over Chip so that the several supported chip
// families (N25Q128, W25Q32, W25Q256) share one engine, per the "FlashChip
// trait" design note.
package flash

// Status register bits, shared by every supported chip.
const (
	StatusBusy             = 1 << 0
	StatusWriteEnableLatch = 1 << 1
)

// Fixed command bytes shared by every supported chip.
const (
	cmdGetStatus   = 0x05
	cmdWriteEnable = 0x06
	cmdGetID       = 0x9F
)

// Chip carries the per-family constants the engine needs: erase/program
// granularity, addressing width, and the command bytes that do vary by
// family, grounded on
// original_source/lib/pbio/drv/block_device/block_device_w25qxx.c and
// block_device_w25qxx.h.
type Chip interface {
	// SectorSize is the erase granularity in bytes.
	SectorSize() uint32
	// PageSize is the program granularity in bytes.
	PageSize() uint32
	// AddressWidth is the number of big-endian address bytes sent after a
	// command byte: 3 for N25Q128/W25Q32, 4 for W25Q256.
	AddressWidth() int
	// ReadCommand is the opcode for a data read.
	ReadCommand() byte
	// EraseCommand is the opcode for a sector erase.
	EraseCommand() byte
	// ProgramCommand is the opcode for a page program.
	ProgramCommand() byte
	// ID is the expected 3-byte {vendor, type, capacity} reply to
	// cmdGetID.
	ID() [3]byte
}

const (
	sectorSize = 4 * 1024
	pageSize   = 256
)

// N25Q128 is a Micron N25Q128, 3-byte addressed.
type N25Q128 struct{}

func (N25Q128) SectorSize() uint32   { return sectorSize }
func (N25Q128) PageSize() uint32     { return pageSize }
func (N25Q128) AddressWidth() int    { return 3 }
func (N25Q128) ReadCommand() byte    { return 0x03 }
func (N25Q128) EraseCommand() byte   { return 0x20 }
func (N25Q128) ProgramCommand() byte { return 0x02 }
func (N25Q128) ID() [3]byte          { return [3]byte{0x20, 0xBA, 0x18} }

// W25Q32 is a Winbond W25Q32, 3-byte addressed.
type W25Q32 struct{}

func (W25Q32) SectorSize() uint32   { return sectorSize }
func (W25Q32) PageSize() uint32     { return pageSize }
func (W25Q32) AddressWidth() int    { return 3 }
func (W25Q32) ReadCommand() byte    { return 0x03 }
func (W25Q32) EraseCommand() byte   { return 0x20 }
func (W25Q32) ProgramCommand() byte { return 0x02 }
func (W25Q32) ID() [3]byte          { return [3]byte{0xEF, 0x40, 0x16} }

// W25Q256 is a Winbond W25Q256, 4-byte addressed.
type W25Q256 struct{}

func (W25Q256) SectorSize() uint32   { return sectorSize }
func (W25Q256) PageSize() uint32     { return pageSize }
func (W25Q256) AddressWidth() int    { return 4 }
func (W25Q256) ReadCommand() byte    { return 0x13 }
func (W25Q256) EraseCommand() byte   { return 0x21 }
func (W25Q256) ProgramCommand() byte { return 0x12 }
func (W25Q256) ID() [3]byte          { return [3]byte{0xEF, 0x40, 0x19} }
