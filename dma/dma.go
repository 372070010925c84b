// First-fit allocator for statically-bounded transfer buffers
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides a fixed-size, no-further-growth memory region for
// the SPI and USB transfer buffers used throughout this module, grounded on
// the teacher's dma.Region first-fit allocator.
//
// Unlike the teacher, which hands hardware a raw physical address (its
// buffers are read directly by a DMA engine wired to real memory), the
// actual DMA engine for this hub's SPI and USB controllers is an
// out-of-scope collaborator (see spec §1/§6): callers here only need a
// byte slice with the module's no-heap, fixed-region, optional-alignment
// discipline, not a hardware pointer. So this Region carves slices out of
// one preallocated []byte instead of reinterpreting raw addresses via
// unsafe.Pointer.
package dma

import (
	"container/list"
	"sync"
)

type block struct {
	offset int
	size   int
	// res distinguishes regular (Alloc/Free) and reserved
	// (Reserve/Release) blocks.
	res bool
}

// Region represents a statically-sized memory region carved up for
// transfer-buffer purposes.
type Region struct {
	mu sync.Mutex

	mem []byte

	freeBlocks *list.List
	usedBlocks map[int]*block
}

// NewRegion allocates a single Go byte slice of size bytes and returns a
// Region that sub-allocates from it. The region never grows past size:
// every Alloc/Reserve beyond available capacity panics, matching the "no
// heap allocation at runtime" invariant — the one real allocation happens
// here, at Init time.
func NewRegion(size int) *Region {
	r := &Region{
		mem: make([]byte, size),
	}

	b := &block{size: size}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(b)
	r.usedBlocks = make(map[int]*block)

	return r
}

// Reserve carves out size bytes with optional power-of-two alignment
// (0 meaning "word aligned"), returning the backing slice uninitialized.
// The slice remains valid until Release(addr) is called with the same
// offset.
func (r *Region) Reserve(size int, align int) (offset int, buf []byte) {
	if size == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.alloc(size, align)
	b.res = true
	r.usedBlocks[b.offset] = b

	return b.offset, r.mem[b.offset : b.offset+size : b.offset+size]
}

// Alloc carves out len(buf) bytes, copies buf into the region and returns
// the backing slice's start offset. The allocation is released with
// Free(offset).
func (r *Region) Alloc(buf []byte, align int) (offset int) {
	size := len(buf)

	if size == 0 {
		return -1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.alloc(size, align)
	copy(r.mem[b.offset:b.offset+size], buf)
	r.usedBlocks[b.offset] = b

	return b.offset
}

// Slice returns the live backing slice for a previously allocated or
// reserved offset.
func (r *Region) Slice(offset int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[offset]
	if !ok {
		return nil
	}

	return r.mem[b.offset : b.offset+b.size : b.offset+b.size]
}

// Free releases a region previously returned by Alloc.
func (r *Region) Free(offset int) {
	r.freeBlock(offset, false)
}

// Release releases a region previously returned by Reserve.
func (r *Region) Release(offset int) {
	r.freeBlock(offset, true)
}

func (r *Region) freeBlock(offset int, res bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.usedBlocks[offset]
	if !ok || b.res != res {
		return
	}

	r.free(b)
	delete(r.usedBlocks, offset)
}

func (r *Region) alloc(size int, align int) *block {
	var e *list.Element
	var freeBlock *block

	if align == 0 {
		// force word alignment
		align = 4
	}

	requested := size
	if align > 0 {
		size += align
	}

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if b.size >= size {
			freeBlock = b
			break
		}
	}

	if freeBlock == nil {
		panic("dma: region exhausted")
	}

	defer r.freeBlocks.Remove(e)

	if size < freeBlock.size {
		r.freeBlocks.InsertAfter(&block{
			offset: freeBlock.offset + size,
			size:   freeBlock.size - size,
		}, e)
		freeBlock.size = size
	}

	if align > 0 {
		if rem := freeBlock.offset % align; rem != 0 {
			pad := align - rem
			r.freeBlocks.InsertBefore(&block{
				offset: freeBlock.offset,
				size:   pad,
			}, e)
			freeBlock.offset += pad
			freeBlock.size -= pad
		}

		if freeBlock.size > requested {
			r.freeBlocks.InsertAfter(&block{
				offset: freeBlock.offset + requested,
				size:   freeBlock.size - requested,
			}, e)
			freeBlock.size = requested
		}
	}

	return freeBlock
}

func (r *Region) free(used *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if b.offset > used.offset {
			r.freeBlocks.InsertBefore(used, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(used)
	r.defrag()
}

var def *Region

// Init allocates the global DMA region used throughout this module for SPI
// and USB transfer buffers, mirroring the teacher's dma.Init/dma.Default
// singleton. Call this once at start-up, before constructing any driver
// that reserves from Default().
func Init(size int) {
	def = NewRegion(size)
}

// Default returns the global DMA region instance set up by Init.
func Default() *Region {
	return def
}

func (r *Region) defrag() {
	var prev *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prev != nil && prev.offset+prev.size == b.offset {
			prev.size += b.size
			defer r.freeBlocks.Remove(e)
			continue
		}

		prev = b
	}
}
