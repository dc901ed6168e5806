package embkv

import (
	"bytes"
	"fmt"
	"sort"
	"unsafe"
)

// node is the in-memory, mutable shadow of a page used while a write
// transaction has it open for modification. It exists only for the
// lifetime of that transaction.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte
	pgid       pgid
	parent     *node
	children   []*node
	inodes     inodes
}

// root returns the top-most node this node is attached to.
func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys is the minimum inode count for this node's kind.
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size returns the number of bytes the node would need once serialized.
func (n *node) size() int {
	size := pageHeaderSize
	elem := n.pageElementSize()
	for _, item := range n.inodes {
		size += elem + len(item.key) + len(item.value)
	}
	return size
}

// sizeLessThan reports size() < v without computing the full size,
// bailing out early once the running total reaches v.
func (n *node) sizeLessThan(v int) bool {
	size := pageHeaderSize
	elem := n.pageElementSize()
	for _, item := range n.inodes {
		size += elem + len(item.key) + len(item.value)
		if size >= v {
			return false
		}
	}
	return true
}

func (n *node) pageElementSize() int {
	if n.isLeaf {
		return leafPageElementSize
	}
	return branchPageElementSize
}

func (n *node) childAt(index int) *node {
	if n.isLeaf {
		panic(fmt.Sprintf("invalid childAt(%d) on a leaf node", index))
	}
	return n.bucket.node(n.inodes[index].pgid, n)
}

func (n *node) childIndex(child *node) int {
	return sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, child.key) != -1 })
}

func (n *node) numChildren() int { return len(n.inodes) }

func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(index + 1)
}

func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	index := n.parent.childIndex(n)
	if index == 0 {
		return nil
	}
	return n.parent.childAt(index - 1)
}

// put inserts or replaces the inode found by oldKey with newKey/value.
func (n *node) put(oldKey, newKey, value []byte, childPgid pgid, flags uint32) {
	if childPgid >= n.bucket.tx.meta.pgid {
		panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", childPgid, n.bucket.tx.meta.pgid))
	} else if len(oldKey) <= 0 {
		panic("put: zero-length old key")
	} else if len(newKey) <= 0 {
		panic("put: zero-length new key")
	}

	index := sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, oldKey) != -1 })

	exact := len(n.inodes) > 0 && index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
	}

	inode := &n.inodes[index]
	inode.flags = flags
	inode.key = newKey
	inode.value = value
	inode.pgid = childPgid
}

// del removes the inode for key, if present, and marks the node
// unbalanced.
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool { return bytes.Compare(n.inodes[i].key, key) != -1 })
	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}
	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read populates inodes by pointing key/value at the mmap bytes of p
// (a read-only borrow, valid for the life of the owning tx).
func (n *node) read(p *page) {
	n.pgid = p.id
	n.isLeaf = (p.flags & leafPageFlag) != 0
	n.inodes = make(inodes, int(p.count))

	for i := 0; i < int(p.count); i++ {
		inode := &n.inodes[i]
		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			inode.flags = elem.flags
			inode.key = elem.key()
			inode.value = elem.value()
		} else {
			elem := p.branchPageElement(uint16(i))
			inode.pgid = elem.pgid
			inode.key = elem.key()
		}
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes the node's inodes onto p.
func (n *node) write(p *page) {
	if n.isLeaf {
		p.flags |= leafPageFlag
	} else {
		p.flags |= branchPageFlag
	}
	if len(n.inodes) >= 0xFFFF {
		panic(fmt.Sprintf("inode overflow: %d (pgid=%d)", len(n.inodes), p.id))
	}
	p.count = uint16(len(n.inodes))
	if p.count == 0 {
		return
	}

	b := unsafeAdd(unsafe.Pointer(p), uintptr(pageHeaderSize+n.pageElementSize()*len(n.inodes)))
	off := 0

	for i, item := range n.inodes {
		if len(item.key) <= 0 {
			panic("write: zero-length inode key")
		}
		if n.isLeaf {
			elem := p.leafPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafeAdd(b, uintptr(off))) - uintptr(unsafe.Pointer(elem)))
			elem.flags = item.flags
			elem.ksize = uint32(len(item.key))
			elem.vsize = uint32(len(item.value))
		} else {
			elem := p.branchPageElement(uint16(i))
			elem.pos = uint32(uintptr(unsafeAdd(b, uintptr(off))) - uintptr(unsafe.Pointer(elem)))
			elem.ksize = uint32(len(item.key))
			elem.pgid = item.pgid
		}

		dst := unsafeByteSlice(b, uintptr(off), 0, len(item.key)+len(item.value))
		copy(dst, item.key)
		copy(dst[len(item.key):], item.value)
		off += len(item.key) + len(item.value)
	}
}

// split breaks n into a chain of sibling nodes when it would not fit
// on one page; called only from spill().
func (n *node) split(pageSize int) []*node {
	nodes := []*node{n}

	if len(n.inodes) <= minKeysPerPage*2 || n.size() < pageSize {
		return nodes
	}

	threshold := int(float64(pageSize) * n.bucket.fillPercentOrDefault())
	if threshold < pageHeaderSize {
		threshold = pageSize / 2
	}

	size := pageHeaderSize
	all := n.inodes
	current := n
	current.inodes = nil

	for i, item := range all {
		elemSize := n.pageElementSize() + len(item.key) + len(item.value)

		if len(current.inodes) >= minKeysPerPage && i < len(all)-minKeysPerPage && size+elemSize > threshold {
			if n.parent == nil {
				n.parent = &node{bucket: n.bucket, children: []*node{n}}
			}
			current = &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
			n.parent.children = append(n.parent.children, current)
			nodes = append(nodes, current)
			size = pageHeaderSize
			n.bucket.tx.stats.Split++
		}

		size += elemSize
		current.inodes = append(current.inodes, item)
	}

	return nodes
}

// spill writes the subtree rooted at n to dirty pages, splitting
// oversize nodes along the way (the write-amplification step that
// gives copy-on-write semantics).
func (n *node) spill() error {
	tx := n.bucket.tx
	if n.spilled {
		return nil
	}

	for _, child := range n.children {
		if err := child.spill(); err != nil {
			return err
		}
	}

	if n.pgid > 0 {
		tx.db.freelist.free(tx.meta.txid, tx.page(n.pgid))
		n.pgid = 0
	}

	parts := n.split(tx.db.pageSize())
	for _, part := range parts {
		p, err := tx.allocate((part.size() / tx.db.pageSize()) + 1)
		if err != nil {
			return err
		}
		if p.id >= tx.meta.pgid {
			panic(fmt.Sprintf("pgid (%d) above high water mark (%d)", p.id, tx.meta.pgid))
		}
		part.pgid = p.id
		part.write(p)
		part.spilled = true

		if part.parent != nil {
			key := part.key
			if key == nil {
				key = part.inodes[0].key
			}
			part.parent.put(key, part.inodes[0].key, nil, part.pgid, 0)
			part.key = part.inodes[0].key
		}

		tx.stats.Spill++
	}

	if n.parent != nil && n.parent.pgid == 0 {
		p, err := tx.allocate((n.parent.size() / tx.db.pageSize()) + 1)
		if err != nil {
			return err
		}
		n.parent.write(p)
		n.parent.pgid = p.id
	}

	return nil
}

// rebalance merges n with a sibling (or collapses it into its parent)
// if it has fallen under the fill threshold.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false

	n.bucket.tx.stats.Rebalance++

	threshold := n.bucket.tx.db.pageSize() / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	if n.parent == nil {
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children

			for _, inode := range n.inodes {
				if c, ok := n.bucket.nodes[inode.pgid]; ok {
					c.parent = n
				}
			}

			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	if n.parent.numChildren() < 2 {
		panic("parent must have at least 2 children")
	}

	var target *node
	useNextSibling := n.parent.childIndex(n) == 0
	if useNextSibling {
		target = n.nextSibling()
	} else {
		target = n.prevSibling()
	}

	if target.numChildren() > target.minKeys() {
		if useNextSibling {
			if c, ok := n.bucket.nodes[target.inodes[0].pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
			n.inodes = append(n.inodes, target.inodes[0])
			target.inodes = target.inodes[1:]

			target.parent.put(target.key, target.inodes[0].key, nil, target.pgid, 0)
			target.key = target.inodes[0].key
		} else {
			if c, ok := n.bucket.nodes[target.inodes[len(target.inodes)-1].pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
			n.inodes = append(n.inodes, inode{})
			copy(n.inodes[1:], n.inodes)
			n.inodes[0] = target.inodes[len(target.inodes)-1]
			target.inodes = target.inodes[:len(target.inodes)-1]
		}

		n.parent.put(n.key, n.inodes[0].key, nil, n.pgid, 0)
		n.key = n.inodes[0].key
		return
	}

	if useNextSibling {
		for _, inode := range target.inodes {
			if c, ok := n.bucket.nodes[inode.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
		}
		n.inodes = append(n.inodes, target.inodes...)
		n.parent.del(target.key)
		n.parent.removeChild(target)
		delete(n.bucket.nodes, target.pgid)
		target.free()
	} else {
		for _, inode := range n.inodes {
			if c, ok := n.bucket.nodes[inode.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = target
				c.parent.children = append(c.parent.children, c)
			}
		}
		target.inodes = append(target.inodes, n.inodes...)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		n.parent.put(target.key, target.inodes[0].key, nil, target.pgid, 0)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	}

	n.parent.rebalance()
}

func (n *node) removeChild(target *node) {
	for i, child := range n.children {
		if child == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// dereference copies every inode's key/value onto the heap so the node
// survives an mmap remap (its inodes would otherwise point into memory
// that may be unmapped).
func (n *node) dereference() {
	if n.key != nil {
		key := make([]byte, len(n.key))
		copy(key, n.key)
		n.key = key
	}

	for i := range n.inodes {
		inode := &n.inodes[i]
		key := make([]byte, len(inode.key))
		copy(key, inode.key)
		inode.key = key

		value := make([]byte, len(inode.value))
		copy(value, inode.value)
		inode.value = value
	}

	for _, child := range n.children {
		child.dereference()
	}
}

// free posts the node's current page, if any, to the freelist.
func (n *node) free() {
	if n.pgid != 0 {
		n.bucket.tx.db.freelist.free(n.bucket.tx.meta.txid, n.bucket.tx.page(n.pgid))
		n.pgid = 0
	}
}

// inode is a single slot inside a node: a leaf entry (key/value, or a
// bucket header when flags has bucketLeafFlag set) or a branch entry
// (key, child pgid).
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode
