// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pgmalloc

import (
	"unsafe"

	"github.com/intuitivelabs/slog"
)

// dumpStatus will write current status information in the log
func (pm *PgMalloc) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "pg_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", pm)
	if pm == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "mapped=%d in %d chunks, multiplier=%d\n",
		pm.mapped, len(pm.chunks), pm.multiplier)
	Log.LLog(lev, 0, prefix, "used=%d, used+overhead=%d, free=%d\n",
		pm.used.Used, pm.used.RealUsed, pm.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)=%d\n",
		pm.used.MaxRealUsed)
	if pm.options&PgDumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all chunks:\n")
	freeWalked := 0
	for ci, c := range pm.chunks {
		Log.LLog(lev, 0, prefix, "chunk %2d: base=%p size=%d\n",
			ci, c.base, c.size)
		first := unsafe.Pointer(uintptr(c.base) +
			uintptr(PagePad+Overhead+tagSizeof))
		i := 0
		for bp := first; *hdr(bp) != termTag; bp = nextBlk(bp) {
			h := *hdr(bp)
			Log.LLog(lev, 0, prefix,
				"   %3d. payload=%p size=%d alloc=%v\n",
				i, bp, h.size(), h.allocated())
			if !h.allocated() {
				freeWalked++
			}
			i++
		}
	}
	freeListed := 0
	for n := pm.freeList; n != nil; n = n.next {
		freeListed++
	}
	if freeWalked != freeListed {
		BUG("pg_status: free block count mismatch: %d walked != %d listed\n",
			freeWalked, freeListed)
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}
