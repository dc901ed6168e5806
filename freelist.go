package embkv

import (
	"fmt"
	"sort"
	"unsafe"
)

// txPending is the set of page ids a single transaction has freed,
// paired with the txid that had originally allocated each one (0 if the
// page predates this allocation tracking, i.e. came from reload).
type txPending struct {
	ids     []pgid
	alloctx []txid
}

// freelist tracks which pages are free to allocate, which are freed but
// still possibly visible to an open reader, and which transaction
// allocated each currently-live id. See spec §4.2.
type freelist struct {
	ids     pgids               // sorted, currently-free page ids
	allocs  map[pgid]txid       // pgid -> txid that allocated it
	pending map[txid]*txPending // txid -> ids it freed, not yet releasable
	cache   map[pgid]bool       // free ∪ pending, for O(1) membership
}

func newFreelist() *freelist {
	return &freelist{
		allocs:  make(map[pgid]txid),
		pending: make(map[txid]*txPending),
		cache:   make(map[pgid]bool),
	}
}

// count returns the number of ids the freelist would serialize.
func (f *freelist) count() int {
	return f.freeCount() + f.pendingCount()
}

func (f *freelist) freeCount() int { return len(f.ids) }

func (f *freelist) pendingCount() int {
	n := 0
	for _, txp := range f.pending {
		n += len(txp.ids)
	}
	return n
}

// size is the byte size this freelist would occupy once serialized.
func (f *freelist) size() int {
	n := f.count()
	if n >= 0xFFFF {
		n++ // first slot holds the overflowed count
	}
	return pageHeaderSize + int(unsafe.Sizeof(pgid(0)))*n
}

// allocate finds the lowest run of n contiguous free ids, removes it
// from the free vector, records the allocation, and returns the first
// id of the run (0 if no run of that length exists).
func (f *freelist) allocate(tx txid, n int) pgid {
	if len(f.ids) == 0 {
		return 0
	}
	var initial, previd pgid
	for i, id := range f.ids {
		if id <= 1 {
			panic(fmt.Sprintf("invalid page allocation: %d", id))
		}
		if previd == 0 || id-previd != 1 {
			initial = id
		}
		if (id-initial)+1 == pgid(n) {
			if (i + 1) == n {
				f.ids = f.ids[i+1:]
			} else {
				copy(f.ids[i-n+1:], f.ids[i+1:])
				f.ids = f.ids[:len(f.ids)-n]
			}
			for i := pgid(0); i < pgid(n); i++ {
				delete(f.cache, initial+i)
			}
			f.allocs[initial] = tx
			return initial
		}
		previd = id
	}
	return 0
}

// free marks p (and its overflow run) as freed by tx; it is added to
// pending and is not reusable until release() confirms no reader still
// needs it.
func (f *freelist) free(tx txid, p *page) {
	if p.id <= 1 {
		panic(fmt.Sprintf("cannot free page 0 or 1: %d", p.id))
	}
	txp := f.pending[tx]
	if txp == nil {
		txp = &txPending{}
		f.pending[tx] = txp
	}
	allocTx := f.allocs[p.id]
	delete(f.allocs, p.id)

	for id := p.id; id <= p.id+pgid(p.overflow); id++ {
		if f.cache[id] {
			panic(fmt.Sprintf("page %d already freed", id))
		}
		txp.ids = append(txp.ids, id)
		txp.alloctx = append(txp.alloctx, allocTx)
		f.cache[id] = true
	}
}

// release merges into free every pending id from a transaction with
// txid <= tx, i.e. no open reader can still need it.
func (f *freelist) release(tx txid) {
	m := make(pgids, 0)
	for txid, txp := range f.pending {
		if txid <= tx {
			m = append(m, txp.ids...)
			delete(f.pending, txid)
		}
	}
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// releaseRange releases only pending ids freed by a tx in [begin, end].
// DeleteBucket does not call it; the pages it frees wait for release
// like any other pending ids.
func (f *freelist) releaseRange(begin, end txid) {
	if begin > end {
		return
	}
	var m pgids
	for tid, txp := range f.pending {
		if tid < begin || tid > end {
			continue
		}
		m = append(m, txp.ids...)
		delete(f.pending, tid)
	}
	sort.Sort(m)
	f.ids = pgids(f.ids).merge(m)
}

// rollback discards everything tx had freed, restoring each such id's
// original allocating txid in allocs; it panics if tx had itself
// allocated an id it then freed. Ids tx took from the free vector
// through allocate are not put back.
func (f *freelist) rollback(tx txid) {
	txp := f.pending[tx]
	if txp == nil {
		return
	}
	for i, id := range txp.ids {
		delete(f.cache, id)
		atx := txp.alloctx[i]
		if atx == 0 {
			continue
		}
		if atx == tx {
			panic(fmt.Sprintf("rollback: page %d freed and allocated by the same tx %d", id, tx))
		}
		f.allocs[id] = atx
	}
	delete(f.pending, tx)
}

// freed reports whether id is free or pending-free.
func (f *freelist) freed(id pgid) bool {
	return f.cache[id]
}

// read rebuilds the free vector from a freelist page's stored ids.
func (f *freelist) read(p *page) {
	if p.flags&freelistPageFlag == 0 {
		panic(fmt.Sprintf("invalid freelist page: %d, page type is %s", p.id, p.typ()))
	}
	ids := p.freelistPageIDs()
	if len(ids) == 0 {
		f.ids = nil
	} else {
		idsCopy := make(pgids, len(ids))
		copy(idsCopy, ids)
		sort.Sort(idsCopy)
		f.ids = idsCopy
	}
	f.reindex()
}

// reload re-reads a freelist page, then removes any id that a still-open
// pending tx has already claimed (it cannot really be free yet).
func (f *freelist) reload(p *page) {
	f.read(p)

	pcache := make(map[pgid]bool)
	for _, txp := range f.pending {
		for _, id := range txp.ids {
			pcache[id] = true
		}
	}
	var a pgids
	for _, id := range f.ids {
		if !pcache[id] {
			a = append(a, id)
		}
	}
	f.ids = a
	f.reindex()
}

// reindex rebuilds the fast-lookup cache from ids and pending.
func (f *freelist) reindex() {
	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, txp := range f.pending {
		for _, id := range txp.ids {
			f.cache[id] = true
		}
	}
}

// copyall writes a combined, sorted view of free ∪ all-pending ids into
// dst, which must have length >= count().
func (f *freelist) copyall(dst []pgid) {
	m := make(pgids, 0, f.pendingCount())
	for _, txp := range f.pending {
		m = append(m, txp.ids...)
	}
	sort.Sort(m)
	mergepgids(dst[:0], pgids(f.ids), m)
}

// write serializes free ∪ pending onto p. Pending ids are included
// because, on recovery, any tx that had freed them did not commit, so
// they must be treated as free.
func (f *freelist) write(p *page) error {
	p.flags |= freelistPageFlag
	l := f.count()
	if l == 0 {
		p.count = uint16(l)
		return nil
	}
	if l < 0xFFFF {
		p.count = uint16(l)
		ids := unsafeSlicePgid(p, l)
		f.copyall(ids)
	} else {
		p.count = 0xFFFF
		ids := unsafeSlicePgid(p, l+1)
		ids[0] = pgid(l)
		f.copyall(ids[1:])
	}
	return nil
}

func unsafeSlicePgid(p *page, n int) []pgid {
	data := unsafeAdd(unsafe.Pointer(p), unsafe.Sizeof(*p))
	return unsafe.Slice((*pgid)(data), n)
}
