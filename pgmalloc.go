// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package pgmalloc provides a simple malloc library carving blocks out of
// page chunks obtained on demand from a backing memory provider.
//
// Blocks carry matching boundary tags (header and footer), free blocks
// are kept on an explicit unordered free list threaded through their own
// payloads, coalescing is immediate, and chunks whose interior drains to
// a single free block are returned to the provider.
//
// The allocator performs no internal locking: concurrent callers must
// serialize all Malloc/Free/Realloc calls themselves.
package pgmalloc

import (
	"errors"
	"fmt"
	"unsafe"
)

const NAME = "pgmalloc"

// MUsed contains the pgmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // payload bytes granted and not yet freed
	RealUsed    uint64 // Used + per-block tag overhead
	MaxRealUsed uint64
}

// Options encodes various configuration flags for PgMalloc.
type Options uint32

const (
	PgDebug          Options = 1 << iota
	PgChecks                 // validate pointers and tags on release
	PgDumpStatsShort         // dump status in log, short version
)

// PgDefaultOptions leaves every check off: releasing a bad, foreign or
// already-freed pointer is undefined behavior, per contract.
const PgDefaultOptions Options = 0

// PgMalloc is one allocator instance: the free-list head, the live page
// chunks and the growth state. The zero value is not usable, Init must be
// called first.
type PgMalloc struct {
	mem      Mem // backing page provider
	pagesize uint64
	options  Options

	freeList   *freeNode // explicit free list head, unordered
	chunks     []pgChunk // live chunk registry
	multiplier uint64    // doubling growth multiplier, capped

	used   MUsed
	mapped uint64 // total bytes currently mapped
}

// Debug returns true if malloc debugging is turned on.
func (pm *PgMalloc) Debug() bool { return pm.options&PgDebug != 0 }

// BChecks returns true if pointer/tag checking is turned on.
func (pm *PgMalloc) BChecks() bool { return pm.options&PgChecks != 0 }

// Init resets the allocator: empty free list, no live chunks, growth
// multiplier back to one and the page granularity cached from mem.
func (pm *PgMalloc) Init(mem Mem, options Options) error {
	*pm = PgMalloc{} // zero, in case of re-init
	if mem == nil {
		return errors.New(NAME + ": nil backing memory provider")
	}
	pagesize := uint64(mem.Pagesize())
	if pagesize == 0 || pagesize&(pagesize-1) != 0 {
		return fmt.Errorf("%s: page size %d is not a power of two",
			NAME, pagesize)
	}
	if pagesize < PageOverhead+MinBlockSize {
		return fmt.Errorf("%s: page size %d cannot hold a block",
			NAME, pagesize)
	}
	pm.mem = mem
	pm.pagesize = pagesize
	pm.options = options
	pm.multiplier = 1
	return nil
}

// addUsed accounts a newly granted block of total size bsize.
func (pm *PgMalloc) addUsed(bsize uint64) {
	pm.used.Used += bsize - Overhead
	pm.used.RealUsed += bsize
	if pm.used.MaxRealUsed < pm.used.RealUsed {
		pm.used.MaxRealUsed = pm.used.RealUsed
	}
}

// subUsed accounts a released block of total size bsize.
func (pm *PgMalloc) subUsed(bsize uint64) {
	pm.used.Used -= bsize - Overhead
	pm.used.RealUsed -= bsize
}

// adjUsed fixes the usage stats after an in-place resize.
func (pm *PgMalloc) adjUsed(oldSize, newSize uint64) {
	if newSize >= oldSize {
		pm.used.Used += newSize - oldSize
		pm.used.RealUsed += newSize - oldSize
		if pm.used.MaxRealUsed < pm.used.RealUsed {
			pm.used.MaxRealUsed = pm.used.RealUsed
		}
	} else {
		pm.used.Used -= oldSize - newSize
		pm.used.RealUsed -= oldSize - newSize
	}
}

// MUsage returns current memory usage values.
func (pm *PgMalloc) MUsage() MUsed { return pm.used }

// Mapped returns the number of bytes currently mapped from the provider.
func (pm *PgMalloc) Mapped() uint64 { return pm.mapped }

// Available returns the payload capacity sitting on the free list.
func (pm *PgMalloc) Available() uint64 {
	var total uint64
	for n := pm.freeList; n != nil; n = n.next {
		total += hdr(unsafe.Pointer(n)).size() - Overhead
	}
	return total
}

// addFree pushes a free block onto the head of the free list.
func (pm *PgMalloc) addFree(bp unsafe.Pointer) {
	node := (*freeNode)(bp)
	node.prev = nil
	node.next = pm.freeList
	if pm.freeList != nil {
		pm.freeList.prev = node
	}
	pm.freeList = node
}

// delFree unlinks a free block using its own stored neighbors.
func (pm *PgMalloc) delFree(bp unsafe.Pointer) {
	node := (*freeNode)(bp)
	if node.prev != nil {
		node.prev.next = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	}
	if node == pm.freeList {
		pm.freeList = node.next
	}
}

// findFree walks the free list first-fit and returns the payload of the
// first block with at least bsize total bytes, or nil.
func (pm *PgMalloc) findFree(bsize uint64) unsafe.Pointer {
	for n := pm.freeList; n != nil; n = n.next {
		bp := unsafe.Pointer(n)
		if hdr(bp).size() >= bsize {
			return bp
		}
	}
	return nil
}

// allocate carves bsize out of the free block bp and marks it allocated.
// The remainder goes back on the free list when it can still hold a block
// of its own; otherwise the whole block is granted as is.
func (pm *PgMalloc) allocate(bp unsafe.Pointer, bsize uint64) {
	remainder := hdr(bp).size() - bsize
	if remainder >= MinBlockSize {
		setTags(bp, bsize, false)
		rest := nextBlk(bp)
		setTags(rest, remainder, false)
		pm.addFree(rest)
	}
	pm.delFree(bp)
	setTags(bp, hdr(bp).size(), true)
}

// coalesce merges the just-freed block bp with whichever physical
// neighbors are free and fixes up the free list. It returns the payload
// of the leftmost block of the merged region, which is where the chunk
// reclamation probe looks.
func (pm *PgMalloc) coalesce(bp unsafe.Pointer) unsafe.Pointer {
	lbp := prevBlk(bp)
	rbp := nextBlk(bp)

	lfree := !hdr(lbp).allocated()
	rfree := !hdr(rbp).allocated()

	cursize := hdr(bp).size()
	lsize := hdr(lbp).size()
	rsize := hdr(rbp).size()

	switch {
	case !lfree && !rfree:
		pm.addFree(bp)
		return bp
	case lfree && !rfree:
		// the left neighbor keeps its free-list slot
		setTags(lbp, lsize+cursize, false)
		return lbp
	case !lfree && rfree:
		pm.delFree(rbp)
		setTags(bp, cursize+rsize, false)
		pm.addFree(bp)
		return bp
	default: // both free
		pm.delFree(rbp)
		setTags(lbp, lsize+cursize+rsize, false)
		return lbp
	}
}

// Malloc allocates size bytes and returns a pointer to the payload, or
// nil when the backing provider is out of memory. Payloads are RoundTo
// aligned.
func (pm *PgMalloc) Malloc(size uint64) unsafe.Pointer {
	bsize := roundUp(size + Overhead)
	if bsize < MinBlockSize {
		bsize = MinBlockSize
	}
	bp := pm.findFree(bsize)
	if bp == nil {
		if pm.extend(bsize) == nil {
			return nil
		}
		// guaranteed to work if the above extend worked
		bp = pm.findFree(bsize)
	}
	pm.allocate(bp, bsize)
	pm.addUsed(hdr(bp).size())
	if pm.BChecks() {
		pm.checkBlock(bp)
	}
	return bp
}

// Free releases a pointer previously returned by Malloc. Releasing any
// other pointer, or the same pointer twice, is undefined behavior: no
// validation happens unless PgChecks is set.
func (pm *PgMalloc) Free(p unsafe.Pointer) {
	if p == nil {
		WARN("free(nil) called\n")
		return
	}
	if pm.BChecks() {
		if !pm.Owns(p) {
			PANIC("BUG: Free called with pointer %p outside any chunk\n",
				p)
		}
		if !hdr(p).allocated() {
			PANIC("BUG: attempt to free already freed pointer %p\n", p)
		}
		pm.checkBlock(p)
	}
	cursize := hdr(p).size()
	pm.subUsed(cursize)
	setTags(p, cursize, false)

	// coalesce handles all updates to the explicit free list
	leftmost := pm.coalesce(p)

	// check if the chunk drained, but never unmap the last one
	if len(pm.chunks) > 1 {
		pm.tryUnmap(leftmost)
	}
}

// Realloc grows or shrinks a Malloc'ed pointer in place when it can:
// shrinking splits the block, growing absorbs a free right neighbor.
// Otherwise it allocates, copies and frees. On allocation failure it
// returns nil and leaves p allocated. Realloc(nil, size) behaves like
// Malloc, Realloc(p, 0) like Free.
func (pm *PgMalloc) Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	if p == nil {
		return pm.Malloc(size)
	}
	if size == 0 {
		pm.Free(p)
		return nil
	}
	if pm.BChecks() {
		if !pm.Owns(p) {
			PANIC("BUG: Realloc called with pointer %p outside any chunk\n",
				p)
		}
		if !hdr(p).allocated() {
			PANIC("BUG: attempt to realloc an already freed pointer %p\n",
				p)
		}
		pm.checkBlock(p)
	}

	bsize := roundUp(size + Overhead)
	if bsize < MinBlockSize {
		bsize = MinBlockSize
	}
	cursize := hdr(p).size()

	switch {
	case cursize > bsize && cursize-bsize >= MinBlockSize:
		// shrink in place and give the tail back
		setTags(p, bsize, true)
		rest := nextBlk(p)
		setTags(rest, cursize-bsize, false)
		pm.coalesce(rest) // the tail may border another free block
		pm.adjUsed(cursize, bsize)

	case cursize < bsize:
		rbp := nextBlk(p)
		if !hdr(rbp).allocated() && cursize+hdr(rbp).size() >= bsize {
			// absorb the free right neighbor
			total := cursize + hdr(rbp).size()
			pm.delFree(rbp)
			setTags(p, total, true)
			if total-bsize >= MinBlockSize {
				// split the excess back off; its right neighbor was
				// allocated already, no coalescing needed
				setTags(p, bsize, true)
				rest := nextBlk(p)
				setTags(rest, total-bsize, false)
				pm.addFree(rest)
			}
			pm.adjUsed(cursize, hdr(p).size())
			return p
		}
		// no in-place growth possible: allocate, copy, free
		np := pm.Malloc(size)
		if np == nil {
			return nil
		}
		copyPayload(np, p, cursize-Overhead)
		pm.Free(p)
		return np
	}
	// shrink too small to split, or same size: leave as is
	return p
}

func copyPayload(dst, src unsafe.Pointer, n uint64) {
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
