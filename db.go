package embkv

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

const (
	// minMmapSize is the smallest size Mmap will request, and the first
	// doubling step. maxMmapStep is the point past which growth switches
	// from doubling to flat 1GiB increments. maxMapSize bounds how large
	// the mapping is ever allowed to grow.
	minMmapSize = 1 << 15       // 32KB
	maxMmapStep = 1 << 30       // 1GB
	maxMapSize  = 1 << 48       // 256TB
)

// Options configures Open. The zero value of Options is DefaultOptions.
type Options struct {
	// Timeout bounds how long Open waits to acquire the file lock. Zero
	// means wait indefinitely.
	Timeout time.Duration

	// NoGrowSync skips the file truncate/fsync embkv normally performs
	// when a commit extends the file; leaving the OS to grow the file lazily
	// trades durability for throughput on heavy-write workloads.
	NoGrowSync bool

	// NoFreelistSync skips persisting the freelist at commit time. The
	// next Open then starts with an empty freelist; it does not scan the
	// file to rebuild it, so pages freed before that Open are not reused.
	NoFreelistSync bool

	// ReadOnly opens the file read-only and takes a shared lock instead
	// of an exclusive one.
	ReadOnly bool

	// MmapFlags is recorded on the DB as DB.MmapFlags. It is not passed
	// to the mmap call: the mapping is always made with no extra flags.
	MmapFlags int

	// InitialMmapSize is the requested initial mmap size in bytes. Open
	// is faster for large databases when this is set close to the
	// database's expected eventual size, since it avoids remapping as
	// the file grows.
	InitialMmapSize int

	// PageSize overrides the OS page size when initializing a new file.
	PageSize int

	// NoSync skips the fsync/fdatasync calls embkv otherwise issues
	// after every write-transaction commit.
	NoSync bool
}

// DefaultOptions is used when Open is called with a nil *Options.
var DefaultOptions = &Options{
	Timeout: 0,
}

// DB represents the embedded key/value store: one data file, one mmap
// region, a dual meta page pair, a freelist, and a single writer.
type DB struct {
	path     string
	file     *os.File
	opened   bool
	readOnly bool

	NoSync         bool
	NoGrowSync     bool
	NoFreelistSync bool
	MmapFlags      int

	data     mmap.MMap
	datasz   int
	filesz   int
	pageSz   int
	meta0    *meta
	meta1    *meta
	freelist *freelist

	rwtx *Tx
	txs  []*Tx

	stats Stats

	rwlock   sync.Mutex
	metalock sync.Mutex
	mmaplock sync.RWMutex
	statmu   sync.Mutex
}

// Open opens (creating if necessary) the data file at path and returns
// a ready-to-use DB. Only one process may hold a writable DB open on a
// given path at a time; Open blocks (up to Options.Timeout) waiting for
// the advisory file lock otherwise.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	db := &DB{opened: true}
	if options == nil {
		options = DefaultOptions
	}
	db.NoGrowSync = options.NoGrowSync
	db.NoFreelistSync = options.NoFreelistSync
	db.NoSync = options.NoSync
	db.MmapFlags = options.MmapFlags
	db.readOnly = options.ReadOnly

	flag := os.O_RDWR
	if db.readOnly {
		flag = os.O_RDONLY
	}

	var err error
	db.path = path
	if db.file, err = os.OpenFile(db.path, flag|os.O_CREATE, mode); err != nil {
		_ = db.close()
		return nil, err
	}

	if err := flock(db.file, !db.readOnly, options.Timeout); err != nil {
		_ = db.close()
		return nil, err
	}

	info, err := db.file.Stat()
	if err != nil {
		_ = db.close()
		return nil, err
	}
	db.filesz = int(info.Size())

	if info.Size() == 0 {
		if options.PageSize != 0 {
			db.pageSz = options.PageSize
		}
		if err := db.init(); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		db.pageSz = os.Getpagesize()
		buf := make([]byte, 0x1000)
		if _, err := db.file.ReadAt(buf, 0); err == nil {
			if m := (*page)(unsafe.Pointer(&buf[0])).meta(); m.validate() == nil {
				db.pageSz = int(m.pageSize)
			}
		}
	}

	db.freelist = newFreelist()

	if err := db.mmap(options.InitialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	if !db.readOnly {
		db.loadFreelist()
	}

	return db, nil
}

// loadFreelist rebuilds the in-memory freelist from the page the
// current meta names, or starts empty when NoFreelistSync left no
// freelist page to read (a full reachability scan is not attempted;
// see DESIGN.md).
func (db *DB) loadFreelist() {
	m := db.meta()
	if m.freelist == pgidNoFreelist {
		db.freelist = newFreelist()
		return
	}
	db.freelist.read(db.page(m.freelist))
}

// freelistPage returns the page the current meta names as the
// freelist, or ErrInvalid when NoFreelistSync left none persisted.
func (db *DB) freelistPage() (*page, error) {
	m := db.meta()
	if m.freelist == pgidNoFreelist {
		return nil, ErrInvalid
	}
	return db.page(m.freelist), nil
}

// init formats a brand-new file: two meta pages (txid 0 and 1), an
// empty freelist page at id 2, and an empty leaf root at id 3.
func (db *DB) init() error {
	if db.pageSz == 0 {
		db.pageSz = os.Getpagesize()
	}

	buf := make([]byte, db.pageSz*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		m := p.meta()
		m.magic = metaMagic
		m.version = metaVersion
		m.pageSize = uint32(db.pageSz)
		m.freelist = 2
		m.root = bucketHeader{root: 3}
		m.pgid = 4
		m.txid = txid(i)
		m.checksum = m.sum64()
	}

	p := db.pageInBuffer(buf, pgid(2))
	p.id = pgid(2)
	p.flags = freelistPageFlag
	p.count = 0

	p = db.pageInBuffer(buf, pgid(3))
	p.id = pgid(3)
	p.flags = leafPageFlag
	p.count = 0

	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return err
	}
	if err := fdatasync(db.file); err != nil {
		return err
	}
	db.filesz = len(buf)
	return nil
}

// Close flushes nothing further (every committed write is already on
// disk) and releases the file lock and mmap.
func (db *DB) Close() error {
	db.metalock.Lock()
	defer db.metalock.Unlock()
	return db.close()
}

func (db *DB) close() error {
	db.opened = false
	db.freelist = nil

	if err := db.munmap(); err != nil {
		return err
	}

	if db.file != nil {
		if !db.readOnly {
			_ = funlock(db.file)
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %s", err)
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

// mmap (re)maps the data file, sized to fit at least minsz bytes, and
// re-derives the dual meta pointers from the fresh mapping.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat error: %s", err)
	} else if int(info.Size()) < db.pageSz*2 {
		return fmt.Errorf("file size too small: %d", info.Size())
	}

	size := int(info.Size())
	if size < minsz {
		size = minsz
	}
	size, err = db.mmapSize(size)
	if err != nil {
		return err
	}

	// The write tx's root bucket may have materialized nodes that still
	// borrow key/value slices straight out of the mapping about to be
	// replaced; copy them onto the heap first.
	if db.rwtx != nil {
		db.rwtx.root.dereference()
	}

	if err := db.munmap(); err != nil {
		return err
	}

	prot := mmap.RDONLY
	m, err := mmap.MapRegion(db.file, size, prot, 0, 0)
	if err != nil {
		return err
	}
	db.data = m
	db.datasz = size

	db.meta0 = db.page(0).meta()
	db.meta1 = db.page(1).meta()

	err0 := db.meta0.validate()
	err1 := db.meta1.validate()
	if err0 != nil && err1 != nil {
		return err0
	}

	return nil
}

func (db *DB) munmap() error {
	if db.data != nil {
		if err := db.data.Unmap(); err != nil {
			return fmt.Errorf("unmap error: %s", err)
		}
		db.data = nil
	}
	return nil
}

// mmapSize rounds size up to the next step of the growth policy:
// doubling from 32KB through 1GB, then flat 1GB steps, always a
// pageSize multiple, rejecting anything past maxMapSize.
func (db *DB) mmapSize(size int) (int, error) {
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i, nil
		}
	}
	if size > maxMapSize {
		return 0, fmt.Errorf("mmap too large: %d", size)
	}

	sz := int64(size)
	if remainder := sz % int64(maxMmapStep); remainder > 0 {
		sz += int64(maxMmapStep) - remainder
	}

	pageSize := int64(db.pageSz)
	if (sz % pageSize) != 0 {
		sz = ((sz / pageSize) + 1) * pageSize
	}

	if sz > maxMapSize {
		return 0, fmt.Errorf("mmap too large: %d", sz)
	}
	return int(sz), nil
}

// grow ensures the underlying file is at least sz bytes, independent
// of whatever the current mmap happens to cover.
func (db *DB) grow(sz int) error {
	if sz <= db.filesz {
		return nil
	}

	if db.datasz < minMmapSize && sz < minMmapSize {
		sz = minMmapSize
	}

	if !db.NoGrowSync && !db.readOnly {
		if runtime.GOOS != "windows" {
			if err := db.file.Truncate(int64(sz)); err != nil {
				return fmt.Errorf("file resize error: %s", err)
			}
		}
		if err := db.file.Sync(); err != nil {
			return fmt.Errorf("file sync error: %s", err)
		}
	}

	db.filesz = sz
	return nil
}

// Begin starts a new transaction. Multiple read transactions may run
// concurrently; only one write transaction runs at a time, and Begin
// blocks until any prior write transaction closes.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.RLock()

	if !db.opened {
		db.mmaplock.RUnlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{}
	t.init(db)

	db.txs = append(db.txs, t)

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	if db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	db.rwlock.Lock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	if minid := db.minReadTxID(); minid > 0 {
		db.freelist.release(minid - 1)
	}

	return t, nil
}

// minReadTxID returns the lowest txid pinned by any open read
// transaction, or 0 if none are open.
func (db *DB) minReadTxID() txid {
	var min txid
	for _, t := range db.txs {
		if min == 0 || t.meta.txid < min {
			min = t.meta.txid
		}
	}
	return min
}

func (db *DB) removeReadTx(t *Tx) {
	db.mmaplock.RUnlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	for i, tx := range db.txs {
		if tx == t {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs = db.txs[:last]
			break
		}
	}
}

// Update runs fn inside a managed write transaction, committing on a
// nil return and rolling back otherwise.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// View runs fn inside a managed read-only transaction.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	t.managed = true
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Rollback()
}

// Stats returns a copy of the database's cumulative counters.
func (db *DB) Stats() Stats {
	db.statmu.Lock()
	defer db.statmu.Unlock()
	return db.stats
}

// Check walks every page reachable from the root bucket and, recursively,
// from every nested bucket, and reports any page referenced more than
// once, or any page below the high water mark that is neither reachable
// nor on the freelist.
func (db *DB) Check() error {
	return db.View(func(tx *Tx) error {
		reachable := map[pgid]bool{0: true, 1: true}
		var problems []string

		var walk func(b *Bucket) error
		walk = func(b *Bucket) error {
			tx.forEachPage(b.Root(), 0, func(p *page, _ *node, _ int) {
				if p == nil {
					return
				}
				for i := pgid(0); i <= pgid(p.overflow); i++ {
					id := p.id + i
					if reachable[id] {
						problems = append(problems, fmt.Sprintf("page %d: multiple references", id))
					}
					reachable[id] = true
				}
			})
			return b.ForEachBucket(func(name []byte) error {
				if child := b.Bucket(name); child != nil {
					return walk(child)
				}
				return nil
			})
		}
		if err := walk(&tx.root); err != nil {
			return err
		}

		if f := tx.meta.freelist; f != pgidNoFreelist {
			reachable[f] = true
		}

		for i := pgid(2); i < tx.meta.pgid; i++ {
			if !reachable[i] && !db.freelist.freed(i) {
				problems = append(problems, fmt.Sprintf("page %d: unreachable and unfreed", i))
			}
		}

		if len(problems) > 0 {
			return fmt.Errorf("check: %s", strings.Join(problems, "; "))
		}
		return nil
	})
}

// page returns a *page view directly into the mmap.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSz)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer is page's counterpart for a plain in-memory buffer, used
// while formatting a new file before anything is mapped.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSz)]))
}

// meta returns the higher-txid meta page, i.e. the most recently
// committed one, falling back to the other slot if that one no longer
// passes its checksum (a torn write or bit rot hit exactly one of the
// two copies). Both are known to have passed validate() at mmap time
// unless this database opened with exactly one corrupted meta page.
func (db *DB) meta() *meta {
	hi, lo := db.meta0, db.meta1
	if db.meta1.txid > db.meta0.txid {
		hi, lo = db.meta1, db.meta0
	}
	if hi.validate() == nil {
		return hi
	}
	return lo
}

// pageSize reports the page size this database was formatted with.
func (db *DB) pageSize() int { return db.pageSz }

// allocate returns a contiguous, zeroed in-memory block of count pages,
// first trying the freelist and otherwise extending the high water
// mark (and remapping, if the mmap no longer covers it).
func (db *DB) allocate(tx txid, count int) (*page, error) {
	buf := make([]byte, count*db.pageSz)
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.overflow = uint32(count - 1)

	if p.id = db.freelist.allocate(tx, count); p.id != 0 {
		return p, nil
	}

	p.id = db.rwtx.meta.pgid
	minsz := int(p.id+pgid(count)+1) * db.pageSz
	if minsz > len(db.data) {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %s", err)
		}
	}

	db.rwtx.meta.pgid += pgid(count)

	return p, nil
}

// DBInfo summarizes a database's on-disk layout, for diagnostic tools
// such as cmd/embkvctl.
type DBInfo struct {
	Path          string
	PageSize      int
	TxID          uint64
	RootBucket    uint64
	HighWaterPgid uint64
	FreePageN     int
	PendingPageN  int
}

// Info reports the current meta snapshot and freelist size.
func (db *DB) Info() DBInfo {
	m := db.meta()
	return DBInfo{
		Path:          db.path,
		PageSize:      db.pageSz,
		TxID:          uint64(m.txid),
		RootBucket:    uint64(m.root.root),
		HighWaterPgid: uint64(m.pgid),
		FreePageN:     db.freelist.freeCount(),
		PendingPageN:  db.freelist.pendingCount(),
	}
}

// Stats holds cumulative database-level counters, refreshed whenever a
// write transaction closes; read transactions do not add to them.
type Stats struct {
	TxStats TxStats

	FreePageN    int
	PendingPageN int
}

func (s Stats) Sub(other Stats) Stats {
	return Stats{
		TxStats:      s.TxStats.Sub(other.TxStats),
		FreePageN:    s.FreePageN,
		PendingPageN: s.PendingPageN,
	}
}
