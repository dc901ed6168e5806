package embkv

import (
	"bytes"
	"fmt"
)

const (
	// maxKeySize is the largest key embkv will store.
	maxKeySize = 32768
	// maxValueSize is the largest value embkv will store; the
	// asymmetric -2 (rather than -1) follows the source constant this
	// module's size limits were resolved against, see DESIGN.md.
	maxValueSize = (1 << 31) - 2

	minFillPercent = 0.1
	maxFillPercent = 1.0
	// DefaultFillPercent is used when filling pages when spilling.
	DefaultFillPercent = 0.5

	// bucketHeaderSize is the size, in bytes, of a bucketHeader.
	bucketHeaderSize = 16 // unsafe.Sizeof(bucketHeader{})
)

// Bucket is a named, ordered collection of key/value pairs that may
// also contain nested buckets. A bucket's on-disk identity is its root
// page id plus a sequence counter advanced by NextSequence.
type Bucket struct {
	*bucketHeader // root pgid (0 = inline) and sequence, promoted
	tx          *Tx
	buckets     map[string]*Bucket // child-bucket cache, subtree-scoped
	page        *page              // inline page, when root == 0
	rootNode    *node
	nodes       map[pgid]*node // node cache, by source page id
	fillPercent float64
}

func newBucket(tx *Tx) Bucket {
	b := Bucket{tx: tx, fillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

// Writable reports whether this bucket belongs to a write transaction.
func (b *Bucket) Writable() bool { return b.tx.writable }

// Root returns the root page id backing this bucket (0 when inline).
func (b *Bucket) Root() pgid { return b.root }

// SetFillPercent overrides the ratio of a page to fill when splitting,
// clamped to [0.1, 1.0].
func (b *Bucket) SetFillPercent(p float64) {
	if p < minFillPercent {
		p = minFillPercent
	} else if p > maxFillPercent {
		p = maxFillPercent
	}
	b.fillPercent = p
}

func (b *Bucket) fillPercentOrDefault() float64 {
	if b.fillPercent == 0 {
		return DefaultFillPercent
	}
	return b.fillPercent
}

// Cursor creates a cursor associated with this bucket. The cursor is
// valid only as long as the transaction is open.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.CursorCount++
	return &Cursor{bucket: b, stack: make([]elemRef, 0)}
}

// Bucket retrieves a nested bucket by name, or nil if it does not
// exist or the name addresses a plain value.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child, ok := b.buckets[string(name)]; ok {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seekBucket(name)

	if !bytes.Equal(name, k) || flags&bucketLeafFlag == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}
	return child
}

// seekBucket is Cursor.Seek without collapsing bucket flags into a nil
// value; Bucket() needs the raw flags to tell a sub-bucket from a miss.
func (c *Cursor) seekBucket(name []byte) (key, value []byte, flags uint32) {
	return c.seek(name)
}

// openBucket materializes a Bucket from a leaf value: either an inline
// page (root_pgid == 0, the page bytes follow the header in the same
// value) or a reference to an external root page.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)

	if b.tx.writable {
		child.bucketHeader = &bucketHeader{}
		*child.bucketHeader = *(*bucketHeader)(unsafeBucketHeader(value))
	} else {
		child.bucketHeader = (*bucketHeader)(unsafeBucketHeader(value))
	}

	if child.root == 0 {
		child.page = (*page)(unsafeAdd(unsafeBucketHeader(value), bucketHeaderSize))
	}

	return &child
}

// CreateBucket creates a new, empty bucket under name. It fails with
// ErrBucketExists if name is already a bucket, and with
// ErrIncompatibleValue if name holds a plain value.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTxClosed
	} else if !b.tx.writable {
		return nil, ErrTxNotWritable
	} else if len(name) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)

	if bytes.Equal(name, k) {
		if flags&bucketLeafFlag != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	var bucket = Bucket{
		bucketHeader: &bucketHeader{},
		rootNode:     &node{isLeaf: true},
		fillPercent:  DefaultFillPercent,
	}
	bucket.tx = b.tx
	bucket.buckets = make(map[string]*Bucket)
	bucket.nodes = make(map[pgid]*node)
	bucket.rootNode.bucket = &bucket

	value := bucket.write()

	key := cloneBytes(name)
	c.node().put(key, key, value, 0, bucketLeafFlag)

	b.page = nil

	return b.Bucket(name), nil
}

// CreateBucketIfNotExists behaves like CreateBucket but returns the
// existing bucket instead of failing when name is already a bucket.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == ErrBucketExists {
		return b.Bucket(name), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket deletes a bucket and every key and sub-bucket it
// contains.
func (b *Bucket) DeleteBucket(name []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(name)

	if !bytes.Equal(name, k) {
		return ErrBucketNotFound
	} else if flags&bucketLeafFlag == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(name)
	err := child.ForEachBucket(func(k []byte) error {
		if err := child.DeleteBucket(k); err != nil {
			return fmt.Errorf("delete bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(b.buckets, string(name))

	child.nodes = make(map[pgid]*node)
	child.rootNode = nil
	child.free()

	c.node().del(name)

	return nil
}

// free releases every page reachable from this bucket's root to the
// freelist, for use by DeleteBucket.
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}

	tx := b.tx
	b.forEachPageNode(func(p *page, n *node, _ int) {
		if p != nil {
			tx.db.freelist.free(tx.meta.txid, p)
		} else {
			n.free()
		}
	})
	b.root = 0
}

// NextSequence returns an auto-increment integer for this bucket. The
// sequence is persisted in the bucket header across commits.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTxClosed
	} else if !b.Writable() {
		return 0, ErrTxNotWritable
	}
	// Materialize the root node so the parent rewrites this bucket's
	// header, and with it the new sequence, at commit.
	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}
	b.sequence++
	return b.sequence, nil
}

// ForEach calls fn for every key in the bucket in ascending order.
// Sub-bucket entries are passed with a nil value.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTxClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachBucket calls fn with the name of every direct sub-bucket.
func (b *Bucket) ForEachBucket(fn func(name []byte) error) error {
	return b.ForEach(func(k, v []byte) error {
		if v != nil {
			return nil
		}
		return fn(k)
	})
}

// Get returns the value for key, or nil if it does not exist or names a
// sub-bucket.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)
	if flags&bucketLeafFlag != 0 {
		return nil
	}
	if !bytes.Equal(key, k) {
		return nil
	}
	return v
}

// Put sets the value for key. When overwrite is false and key already
// holds a value, Put leaves it untouched and returns (false, nil);
// otherwise it stores value and returns (true, nil).
func (b *Bucket) Put(key, value []byte, overwrite bool) (bool, error) {
	if b.tx.db == nil {
		return false, ErrTxClosed
	} else if !b.Writable() {
		return false, ErrTxNotWritable
	} else if len(key) == 0 {
		return false, ErrKeyRequired
	} else if len(key) > maxKeySize {
		return false, ErrKeyTooLarge
	} else if int64(len(value)) > maxValueSize {
		return false, ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)
	exists := bytes.Equal(key, k)

	if exists && flags&bucketLeafFlag != 0 {
		return false, ErrIncompatibleValue
	}
	if exists && !overwrite {
		return false, nil
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)

	return true, nil
}

// Delete removes key, if present. Delete fails when the key addresses
// a sub-bucket; use DeleteBucket instead.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTxClosed
	} else if !b.Writable() {
		return ErrTxNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) && flags&bucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)

	return nil
}

// pageNode returns either a live page view or the in-memory node for
// id, preferring the node when a write tx has one cached (its own dirty
// state).
func (b *Bucket) pageNode(id pgid) (*page, *node) {
	if b.root == 0 {
		if id != 0 {
			panic(fmt.Sprintf("inline bucket non-zero page access(2): %d != 0", id))
		}
		if b.rootNode != nil {
			return nil, b.rootNode
		}
		return b.page, nil
	}

	if b.nodes != nil {
		if n := b.nodes[id]; n != nil {
			return nil, n
		}
	}

	return b.tx.page(id), nil
}

// node materializes (or returns the cached) *node for id, with parent
// as its in-memory parent link.
func (b *Bucket) node(id pgid, parent *node) *node {
	_assert(b.nodes != nil, "node cache requires a writable tx")

	if n := b.nodes[id]; n != nil {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}

	var p = b.page
	if p == nil {
		p = b.tx.page(id)
	}

	n.read(p)
	b.nodes[id] = n

	b.tx.stats.NodeCount++

	return n
}

// rebalance rebalances every dirty node in this bucket and its
// sub-buckets.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// spill writes every dirty node in this bucket (and recursively, every
// dirty sub-bucket) to new pages.
func (b *Bucket) spill() error {
	for name, child := range b.buckets {
		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, bucketHeaderSize)
			*(*bucketHeader)(unsafeBucketHeader(value)) = *child.bucketHeader
		}

		if child.rootNode == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			panic(fmt.Sprintf("misplaced bucket header: %x -> %x", []byte(name), k))
		}
		if flags&bucketLeafFlag == 0 {
			panic(fmt.Sprintf("unexpected bucket header flag: %x", flags))
		}
		c.node().put([]byte(name), []byte(name), value, 0, bucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	if b.rootNode.pgid >= b.tx.meta.pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", b.rootNode.pgid, b.tx.meta.pgid))
	}
	b.root = b.rootNode.pgid

	return nil
}

// inlineable reports whether the bucket is small enough to embed its
// whole root page inside the parent's leaf value rather than occupying
// its own page.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	size := pageHeaderSize
	for _, item := range n.inodes {
		size += leafPageElementSize + len(item.key) + len(item.value)
		if item.flags&bucketLeafFlag != 0 {
			return false
		} else if size > b.maxInlineBucketSize() {
			return false
		}
	}

	return true
}

func (b *Bucket) maxInlineBucketSize() int {
	return b.tx.db.pageSize() / 4
}

// write serializes the bucket header (and, if inline, its whole root
// page) into a leaf value.
func (b *Bucket) write() []byte {
	n := b.rootNode
	if n == nil {
		n = &node{isLeaf: true}
	}

	value := make([]byte, bucketHeaderSize+n.size())

	bh := (*bucketHeader)(unsafeBucketHeader(value))
	*bh = *b.bucketHeader

	p := (*page)(unsafeAdd(unsafeBucketHeader(value), bucketHeaderSize))
	n.write(p)

	return value
}

// forEachPageNode walks every page reachable from the bucket's root,
// invoking fn with a depth counter; see Tx.forEachPage (the node
// argument is always nil).
func (b *Bucket) forEachPageNode(fn func(*page, *node, int)) {
	b.tx.forEachPage(b.root, 0, fn)
}

// dereference copies every materialized node in this bucket (and every
// child bucket, recursively) onto the heap, so none of it still borrows
// from an mmap that is about to be unmapped.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.dereference()
	}
	for _, child := range b.buckets {
		child.dereference()
	}
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	clone := make([]byte, len(v))
	copy(clone, v)
	return clone
}
