package embkv

import (
	"sort"
	"time"
	"unsafe"
)

// Tx represents a read-only or read/write transaction. Read transactions
// pin a snapshot of the meta page so pages freed after their begin point
// remain valid for their whole lifetime. Write transactions are
// serialized by the database's single writer lock.
type Tx struct {
	writable       bool
	managed        bool
	db             *DB
	meta           *meta
	root           Bucket
	pages          map[pgid]*page
	stats          TxStats
	commitHandlers []func()
}

func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	tx.meta = &meta{}
	db.meta().copy(tx.meta)

	tx.root = newBucket(tx)
	tx.root.bucketHeader = &bucketHeader{}
	*tx.root.bucketHeader = tx.meta.root

	if tx.writable {
		tx.pages = make(map[pgid]*page)
		tx.meta.txid++
	}
}

// ID returns the transaction's id; for a read tx this is the txid of
// the snapshot it pinned.
func (tx *Tx) ID() uint64 { return uint64(tx.meta.txid) }

// DB returns the database this transaction belongs to.
func (tx *Tx) DB() *DB { return tx.db }

// Size returns the database size, as seen by this transaction, in bytes.
func (tx *Tx) Size() int64 { return int64(tx.meta.pgid) * int64(tx.db.pageSize()) }

// Writable reports whether the transaction can mutate data.
func (tx *Tx) Writable() bool { return tx.writable }

// Cursor returns a cursor over the root bucket; its values are always
// nil since every root key names a top-level bucket.
func (tx *Tx) Cursor() *Cursor { return tx.root.Cursor() }

// Stats returns a copy of the transaction's counters.
func (tx *Tx) Stats() TxStats { return tx.stats }

// Bucket returns a top-level bucket by name, or nil.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates name if missing and returns it either way.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes a top-level bucket and everything in it.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach calls fn once for every top-level bucket.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEach(func(k, _ []byte) error {
		return fn(k, tx.root.Bucket(k))
	})
}

// OnCommit registers fn to run after a successful Commit, once all
// locks have been released.
func (tx *Tx) OnCommit(fn func()) {
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

// Commit applies the nine-step write-tx commit pipeline described in
// the database's design notes: rebalance, spill, freelist persistence,
// grow/remap, ordered page writes, fsync, meta write, fsync, then
// release of now-unreachable pending pages.
func (tx *Tx) Commit() error {
	_assert(!tx.managed, "managed tx commit not allowed")
	if tx.db == nil {
		return ErrTxClosed
	} else if !tx.writable {
		return ErrTxNotWritable
	}

	start := time.Now()
	tx.root.rebalance()
	if tx.stats.Rebalance > 0 {
		tx.stats.RebalanceTime += time.Since(start)
	}

	opgid := tx.meta.pgid

	start = time.Now()
	if err := tx.root.spill(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.SpillTime += time.Since(start)

	tx.meta.root.root = tx.root.root

	if tx.meta.freelist != pgidNoFreelist && tx.meta.freelist != 0 {
		tx.db.freelist.free(tx.meta.txid, tx.db.page(tx.meta.freelist))
	}
	if err := tx.commitFreelist(); err != nil {
		tx.rollback()
		return err
	}

	if tx.meta.pgid > opgid {
		if err := tx.db.grow(int(tx.meta.pgid+1) * tx.db.pageSize()); err != nil {
			tx.rollback()
			return err
		}
	}

	start = time.Now()
	if err := tx.write(); err != nil {
		tx.rollback()
		return err
	}
	if !tx.db.NoSync {
		if err := fdatasync(tx.db.file); err != nil {
			tx.rollback()
			return err
		}
	}

	if err := tx.writeMeta(); err != nil {
		tx.rollback()
		return err
	}
	tx.stats.WriteTime += time.Since(start)

	minRead := tx.db.minReadTxID()
	if minRead > 0 {
		tx.db.freelist.release(minRead - 1)
	} else {
		tx.db.freelist.release(tx.meta.txid)
	}

	tx.close()

	for _, fn := range tx.commitHandlers {
		fn()
	}

	return nil
}

// commitFreelist allocates fresh pages for the freelist and writes it;
// the freelist's own old page(s) were already posted to itself above so
// recovery sees them as free.
func (tx *Tx) commitFreelist() error {
	if tx.db.NoFreelistSync {
		tx.meta.freelist = pgidNoFreelist
		return nil
	}

	p, err := tx.allocate((tx.db.freelist.size() / tx.db.pageSize()) + 1)
	if err != nil {
		return err
	}
	if err := tx.db.freelist.write(p); err != nil {
		return err
	}
	tx.meta.freelist = p.id
	return nil
}

// Rollback discards every change the transaction made.
func (tx *Tx) Rollback() error {
	_assert(!tx.managed, "managed tx rollback not allowed")
	if tx.db == nil {
		return ErrTxClosed
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
	}
	tx.close()
	return nil
}

func (tx *Tx) rollback() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txid)
		if tx.db.data != nil {
			if p, err := tx.db.freelistPage(); err == nil && p != nil {
				tx.db.freelist.reload(p)
			}
		}
	}
	tx.close()
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.rwtx = nil
		tx.db.rwlock.Unlock()

		tx.db.statmu.Lock()
		tx.db.stats.FreePageN = tx.db.freelist.freeCount()
		tx.db.stats.PendingPageN = tx.db.freelist.pendingCount()
		tx.db.stats.TxStats.add(&tx.stats)
		tx.db.statmu.Unlock()
	} else {
		tx.db.removeReadTx(tx)
	}

	tx.db = nil
	tx.meta = nil
	tx.root = Bucket{}
	tx.pages = nil
}

// allocate is the tx-scoped front end onto the database allocator,
// tracking every returned page as dirty so write() later finds it.
func (tx *Tx) allocate(count int) (*page, error) {
	p, err := tx.db.allocate(tx.meta.txid, count)
	if err != nil {
		return nil, err
	}
	tx.pages[p.id] = p

	tx.stats.PageCount += int64(count)
	tx.stats.PageAlloc += int64(count * tx.db.pageSize())

	return p, nil
}

// write flushes every dirty page to the file in ascending page-id
// order, the crash-safety property that lets a reader never observe a
// torn write (only the meta swap, done afterward, exposes new state).
func (tx *Tx) write() error {
	ps := make(pageSlice, 0, len(tx.pages))
	for _, p := range tx.pages {
		ps = append(ps, p)
	}
	tx.pages = make(map[pgid]*page)
	sort.Sort(ps)

	for _, p := range ps {
		size := (int64(p.overflow) + 1) * int64(tx.db.pageSize())
		offset := int64(p.id) * int64(tx.db.pageSize())
		buf := unsafeByteSlice(unsafe.Pointer(p), 0, 0, int(size))
		if _, err := tx.db.file.WriteAt(buf, offset); err != nil {
			return err
		}
		tx.stats.Write++
	}
	return nil
}

func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize())
	p := (*page)(unsafeBucketHeader(buf))
	tx.meta.write(p)

	if _, err := tx.db.file.WriteAt(buf, int64(p.id)*int64(tx.db.pageSize())); err != nil {
		return err
	}
	if !tx.db.NoSync {
		if err := fdatasync(tx.db.file); err != nil {
			return err
		}
	}
	tx.stats.Write++
	return nil
}

// page returns the current view of id: a dirty in-tx page if this tx
// has already written to it, otherwise the mmap's copy.
func (tx *Tx) page(id pgid) *page {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			return p
		}
	}
	return tx.db.page(id)
}

// forEachPage walks every page reachable from root (a bucket's root
// page id) by branch descent, invoking fn with the page as tx.page
// returns it and the recursion depth. The node argument is always nil:
// a bucket's cached in-memory nodes are not visited.
func (tx *Tx) forEachPage(root pgid, depth int, fn func(*page, *node, int)) {
	if root == 0 {
		return
	}
	p := tx.page(root)
	fn(p, nil, depth)

	if p.flags&branchPageFlag != 0 {
		for i := 0; i < int(p.count); i++ {
			elem := p.branchPageElement(uint16(i))
			tx.forEachPage(elem.pgid, depth+1, fn)
		}
	}
}

// TxStats holds per-transaction counters, surfaced cumulatively via
// DB.Stats() as well.
type TxStats struct {
	PageCount int64
	PageAlloc int64

	CursorCount int64
	NodeCount   int64

	Rebalance     int64
	RebalanceTime time.Duration

	Split     int64
	Spill     int64
	SpillTime time.Duration

	Write     int64
	WriteTime time.Duration
}

func (s *TxStats) add(other *TxStats) {
	s.PageCount += other.PageCount
	s.PageAlloc += other.PageAlloc
	s.CursorCount += other.CursorCount
	s.NodeCount += other.NodeCount
	s.Rebalance += other.Rebalance
	s.RebalanceTime += other.RebalanceTime
	s.Split += other.Split
	s.Spill += other.Spill
	s.SpillTime += other.SpillTime
	s.Write += other.Write
	s.WriteTime += other.WriteTime
}

// Sub returns the counter deltas between two Stats snapshots taken at
// different points in time.
func (s TxStats) Sub(other TxStats) TxStats {
	return TxStats{
		PageCount:     s.PageCount - other.PageCount,
		PageAlloc:     s.PageAlloc - other.PageAlloc,
		CursorCount:   s.CursorCount - other.CursorCount,
		NodeCount:     s.NodeCount - other.NodeCount,
		Rebalance:     s.Rebalance - other.Rebalance,
		RebalanceTime: s.RebalanceTime - other.RebalanceTime,
		Split:         s.Split - other.Split,
		Spill:         s.Spill - other.Spill,
		SpillTime:     s.SpillTime - other.SpillTime,
		Write:         s.Write - other.Write,
		WriteTime:     s.WriteTime - other.WriteTime,
	}
}

// pageSlice sorts dirty pages by ascending id for commit-time writes.
type pageSlice []*page

func (s pageSlice) Len() int           { return len(s) }
func (s pageSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s pageSlice) Less(i, j int) bool { return s[i].id < s[j].id }
