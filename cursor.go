package embkv

import (
	"bytes"
	"fmt"
	"sort"
)

// Cursor walks key/value pairs in a bucket in sorted order. Cursors are
// valid only for the life of the transaction that created them; keys
// and values they return are views into the mmap (or into dirty node
// state) with the same lifetime.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// Bucket returns the bucket this cursor walks.
func (c *Cursor) Bucket() *Bucket { return c.bucket }

// First positions the cursor on the first item and returns it. A nil
// key/value pair means the bucket is empty.
func (c *Cursor) First() (key, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	c.first()

	if c.stack[len(c.stack)-1].count() == 0 {
		c.next()
	}

	k, v, flags := c.keyValue()
	if flags&uint32(bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Last positions the cursor on the last item and returns it.
func (c *Cursor) Last() (key, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	p, n := c.bucket.pageNode(c.bucket.root)
	ref := elemRef{page: p, node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.last()

	k, v, flags := c.keyValue()
	if flags&uint32(bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Next advances the cursor and returns the new item, or a nil pair at
// end of bucket.
func (c *Cursor) Next() (key, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	k, v, flags := c.next()
	if flags&uint32(bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Prev retreats the cursor and returns the new item, or a nil pair at
// the beginning of the bucket.
func (c *Cursor) Prev() (key, value []byte) {
	_assert(c.bucket.tx.db != nil, "tx closed")

	for i := len(c.stack) - 1; i >= 0; i-- {
		elem := &c.stack[i]
		if elem.index > 0 {
			elem.index--
			break
		}
		c.stack = c.stack[:i]
	}

	if len(c.stack) == 0 {
		return nil, nil
	}

	c.last()
	k, v, flags := c.keyValue()
	if flags&uint32(bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Seek positions the cursor at the given key, or the next key after it
// if there is no exact match; returns a nil key if none follow.
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	k, v, flags := c.seek(seek)

	if ref := &c.stack[len(c.stack)-1]; ref.index >= ref.count() {
		k, v, flags = c.next()
	}

	if k == nil {
		return nil, nil
	} else if flags&uint32(bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the key/value currently under the cursor. It fails on
// a read-only tx or when the element is a sub-bucket header.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	} else if !c.bucket.Writable() {
		return ErrTxNotWritable
	}

	key, _, flags := c.keyValue()
	if flags&bucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

func (c *Cursor) seek(seek []byte) (key, value []byte, flags uint32) {
	_assert(c.bucket.tx.db != nil, "tx closed")

	c.stack = c.stack[:0]
	c.search(seek, c.bucket.root)
	ref := &c.stack[len(c.stack)-1]

	if ref.index >= ref.count() {
		return nil, nil, 0
	}
	return c.keyValue()
}

func (c *Cursor) first() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var id pgid
		if ref.node != nil {
			id = ref.node.inodes[ref.index].pgid
		} else {
			id = ref.page.branchPageElement(uint16(ref.index)).pgid
		}
		p, n := c.bucket.pageNode(id)
		c.stack = append(c.stack, elemRef{page: p, node: n, index: 0})
	}
}

func (c *Cursor) last() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		var id pgid
		if ref.node != nil {
			id = ref.node.inodes[ref.index].pgid
		} else {
			id = ref.page.branchPageElement(uint16(ref.index)).pgid
		}
		p, n := c.bucket.pageNode(id)

		next := elemRef{page: p, node: n}
		next.index = next.count() - 1
		c.stack = append(c.stack, next)
	}
}

func (c *Cursor) next() (key, value []byte, flags uint32) {
	for {
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		if i == -1 {
			return nil, nil, 0
		}

		c.stack = c.stack[:i+1]
		c.first()

		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

func (c *Cursor) search(key []byte, id pgid) {
	p, n := c.bucket.pageNode(id)
	if p != nil && (p.flags&(branchPageFlag|leafPageFlag)) == 0 {
		panic(fmt.Sprintf("invalid page type: %d: %x", p.id, p.flags))
	}
	e := elemRef{page: p, node: n}
	c.stack = append(c.stack, e)

	if e.isLeaf() {
		c.nsearch(key)
		return
	}

	if n != nil {
		c.searchNode(key, n)
		return
	}
	c.searchPage(key, p)
}

func (c *Cursor) searchNode(key []byte, n *node) {
	var exact bool
	index := sort.Search(len(n.inodes), func(i int) bool {
		ret := bytes.Compare(n.inodes[i].key, key)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, n.inodes[index].pgid)
}

func (c *Cursor) searchPage(key []byte, p *page) {
	elems := p.branchPageElements()

	var exact bool
	index := sort.Search(int(p.count), func(i int) bool {
		ret := bytes.Compare(elems[i].key(), key)
		if ret == 0 {
			exact = true
		}
		return ret != -1
	})
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, elems[index].pgid)
}

func (c *Cursor) nsearch(key []byte) {
	e := &c.stack[len(c.stack)-1]
	p, n := e.page, e.node

	if n != nil {
		index := sort.Search(len(n.inodes), func(i int) bool {
			return bytes.Compare(n.inodes[i].key, key) != -1
		})
		e.index = index
		return
	}

	elems := p.leafPageElements()
	index := sort.Search(int(p.count), func(i int) bool {
		return bytes.Compare(elems[i].key(), key) != -1
	})
	e.index = index
}

func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	ref := &c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	if ref.node != nil {
		inode := &ref.node.inodes[ref.index]
		return inode.key, inode.value, inode.flags
	}

	elem := ref.page.leafPageElement(uint16(ref.index))
	return elem.key(), elem.value(), elem.flags
}

// node returns (materializing if necessary) the leaf node the cursor
// currently points into.
func (c *Cursor) node() *node {
	_assert(len(c.stack) > 0, "accessing a node with a zero-length cursor stack")

	if ref := &c.stack[len(c.stack)-1]; ref.node != nil && ref.isLeaf() {
		return ref.node
	}

	n := c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.id, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		_assert(!n.isLeaf, "expected branch node")
		n = n.childAt(int(ref.index))
	}
	_assert(n.isLeaf, "expected leaf node")
	return n
}

// elemRef is one stack frame: either a read-only page or a materialized
// node (a write tx prefers its own dirty node when one exists).
type elemRef struct {
	page  *page
	node  *node
	index int
}

func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return r.page.flags&leafPageFlag != 0
}

func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return int(r.page.count)
}
