package larch

import (
	"bytes"
	"sort"
)

// NodeId identifies a node within a forest. Id 0 means "none"; ids
// are assigned monotonically and never reused.
type NodeId uint64

// NoId is the reserved "no node" id.
const NoId NodeId = 0

// Node is implemented by LeafNode and IndexNode.
type Node interface {
	Id() NodeId
	// SetId assigns a node's id. Used by BTree's shadow step to give a
	// cloned node a freshly allocated id.
	SetId(NodeId)
	// FirstKey returns the smallest key stored in, or reachable
	// through, this node. Panics if the node is empty.
	FirstKey() []byte
	// Len returns the number of pairs/entries in the node.
	Len() int
	// EncodedSize returns the node's cached encoded size. Callers
	// must keep it up to date via the mutation methods below, which
	// all maintain the cache incrementally.
	EncodedSize() int
	// Clone returns a deep copy of the node with a fresh id (0, to be
	// assigned by the caller via SetId) and the same cached size.
	Clone() Node
}

// leafPair is one key/value pair of a LeafNode.
type leafPair struct {
	key   []byte
	value []byte
}

// Key returns the pair's key.
func (p leafPair) Key() []byte { return p.key }

// Val returns the pair's value.
func (p leafPair) Val() []byte { return p.value }

// LeafNode holds an ordered, key-unique sequence of (key, value)
// pairs.
type LeafNode struct {
	id    NodeId
	pairs []leafPair
	size  int // cached encoded size; -1 means "needs recompute"
}

// NewLeafNode builds a leaf from already-sorted, unique keys.
func NewLeafNode(id NodeId, keys [][]byte, values [][]byte) *LeafNode {
	if len(keys) != len(values) {
		panic("larch: mismatched keys/values length")
	}
	pairs := make([]leafPair, len(keys))
	for i := range keys {
		pairs[i] = leafPair{key: keys[i], value: values[i]}
	}
	n := &LeafNode{id: id, pairs: pairs, size: -1}
	return n
}

func (n *LeafNode) Id() NodeId      { return n.id }
func (n *LeafNode) SetId(id NodeId) { n.id = id }
func (n *LeafNode) Len() int        { return len(n.pairs) }

func (n *LeafNode) FirstKey() []byte {
	if len(n.pairs) == 0 {
		panic("larch: FirstKey on empty leaf")
	}
	return n.pairs[0].key
}

func (n *LeafNode) EncodedSize() int {
	if n.size < 0 {
		n.size = NewNodeCodec(n.keySize()).leafSize(n.pairs)
	}
	return n.size
}

func (n *LeafNode) keySize() int {
	if len(n.pairs) == 0 {
		return 0
	}
	return len(n.pairs[0].key)
}

func (n *LeafNode) Clone() Node {
	pairs := make([]leafPair, len(n.pairs))
	copy(pairs, n.pairs)
	return &LeafNode{id: 0, pairs: pairs, size: n.size}
}

// Keys returns the sequence of keys, in order. The returned slice
// must not be mutated.
func (n *LeafNode) Keys() [][]byte {
	out := make([][]byte, len(n.pairs))
	for i, p := range n.pairs {
		out[i] = p.key
	}
	return out
}

// Pairs returns key/value pairs in order, for codec/tests.
func (n *LeafNode) Pairs() ([][]byte, [][]byte) {
	keys := make([][]byte, len(n.pairs))
	values := make([][]byte, len(n.pairs))
	for i, p := range n.pairs {
		keys[i] = p.key
		values[i] = p.value
	}
	return keys, values
}

// find returns the index of key, and whether it was found. If not
// found, the index is where it would be inserted to keep order.
func (n *LeafNode) find(key []byte) (int, bool) {
	i := sort.Search(len(n.pairs), func(i int) bool {
		return bytes.Compare(n.pairs[i].key, key) >= 0
	})
	if i < len(n.pairs) && bytes.Equal(n.pairs[i].key, key) {
		return i, true
	}
	return i, false
}

// Get returns the value for key, if present.
func (n *LeafNode) Get(key []byte) ([]byte, bool) {
	i, ok := n.find(key)
	if !ok {
		return nil, false
	}
	return n.pairs[i].value, true
}

// Insert adds or replaces key's value, keeping the cached size in
// sync incrementally.
func (n *LeafNode) Insert(key, value []byte) {
	i, ok := n.find(key)
	codec := NewNodeCodec(len(key))
	if ok {
		old := n.pairs[i].value
		if n.size >= 0 {
			n.size = codec.leafSizeDeltaReplace(n.size, old, value)
		}
		n.pairs[i].value = value
		return
	}
	n.pairs = append(n.pairs, leafPair{})
	copy(n.pairs[i+1:], n.pairs[i:])
	n.pairs[i] = leafPair{key: key, value: value}
	if n.size >= 0 {
		n.size = codec.leafSizeDeltaAdd(n.size, value)
	} else {
		n.size = codec.leafSize(n.pairs)
	}
}

// Remove deletes key, if present, updating the cached size.
func (n *LeafNode) Remove(key []byte) bool {
	i, ok := n.find(key)
	if !ok {
		return false
	}
	removed := n.pairs[i]
	n.pairs = append(n.pairs[:i], n.pairs[i+1:]...)
	if n.size >= 0 {
		n.size -= len(removed.key) + 4 + len(removed.value)
	}
	return true
}

// FindRange returns the pairs with lo <= key <= hi, both bounds
// inclusive.
func (n *LeafNode) FindRange(lo, hi []byte) []leafPair {
	start := sort.Search(len(n.pairs), func(i int) bool {
		return bytes.Compare(n.pairs[i].key, lo) >= 0
	})
	end := sort.Search(len(n.pairs), func(i int) bool {
		return bytes.Compare(n.pairs[i].key, hi) > 0
	})
	if start >= end {
		return nil
	}
	out := make([]leafPair, end-start)
	copy(out, n.pairs[start:end])
	return out
}

// indexEntry is one (key, child id) entry of an IndexNode.
type indexEntry struct {
	key     []byte
	childId NodeId
}

// IndexNode holds an ordered sequence of (key, child_id) entries. For
// entry i, the subtree rooted at childId contains only keys k such
// that entries[i].key <= k < entries[i+1].key (or +inf for the last
// entry).
type IndexNode struct {
	id      NodeId
	entries []indexEntry
	size    int
}

// NewIndexNode builds an index node from already-sorted keys.
func NewIndexNode(id NodeId, keys [][]byte, childIds []NodeId) *IndexNode {
	if len(keys) != len(childIds) {
		panic("larch: mismatched keys/children length")
	}
	entries := make([]indexEntry, len(keys))
	for i := range keys {
		entries[i] = indexEntry{key: keys[i], childId: childIds[i]}
	}
	return &IndexNode{id: id, entries: entries, size: -1}
}

func (n *IndexNode) Id() NodeId      { return n.id }
func (n *IndexNode) SetId(id NodeId) { n.id = id }
func (n *IndexNode) Len() int        { return len(n.entries) }

func (n *IndexNode) FirstKey() []byte {
	if len(n.entries) == 0 {
		panic("larch: FirstKey on empty index")
	}
	return n.entries[0].key
}

func (n *IndexNode) keySize() int {
	if len(n.entries) == 0 {
		return 0
	}
	return len(n.entries[0].key)
}

func (n *IndexNode) EncodedSize() int {
	if n.size < 0 {
		n.size = NewNodeCodec(n.keySize()).indexSize(len(n.entries))
	}
	return n.size
}

func (n *IndexNode) Clone() Node {
	entries := make([]indexEntry, len(n.entries))
	copy(entries, n.entries)
	return &IndexNode{id: 0, entries: entries, size: n.size}
}

// Keys returns the entries' keys in order.
func (n *IndexNode) Keys() [][]byte {
	out := make([][]byte, len(n.entries))
	for i, e := range n.entries {
		out[i] = e.key
	}
	return out
}

// Children returns the entries' child ids in order.
func (n *IndexNode) Children() []NodeId {
	out := make([]NodeId, len(n.entries))
	for i, e := range n.entries {
		out[i] = e.childId
	}
	return out
}

// ChildFor returns the child id whose subtree may contain key: the
// entry with the greatest key <= key, or the first entry if key is
// smaller than everything.
func (n *IndexNode) ChildFor(key []byte) NodeId {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) > 0
	})
	if i == 0 {
		return n.entries[0].childId
	}
	return n.entries[i-1].childId
}

// indexOf returns the position of the entry selected by ChildFor.
func (n *IndexNode) indexOf(key []byte) int {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// ChildrenInRange returns the child ids whose subtrees may intersect
// [lo, hi].
func (n *IndexNode) ChildrenInRange(lo, hi []byte) []NodeId {
	start := n.indexOf(lo)
	end := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, hi) > 0
	})
	if end <= start {
		end = start + 1
	}
	if end > len(n.entries) {
		end = len(n.entries)
	}
	out := make([]NodeId, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, n.entries[i].childId)
	}
	return out
}

// Add inserts or replaces the (key, childId) entry, keeping entries
// sorted.
func (n *IndexNode) Add(key []byte, childId NodeId) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	if i < len(n.entries) && bytes.Equal(n.entries[i].key, key) {
		n.entries[i].childId = childId
		return
	}
	n.entries = append(n.entries, indexEntry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = indexEntry{key: key, childId: childId}
	n.size = -1
}

// Remove deletes the entry with this exact key.
func (n *IndexNode) Remove(key []byte) bool {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	if i >= len(n.entries) || !bytes.Equal(n.entries[i].key, key) {
		return false
	}
	n.entries = append(n.entries[:i], n.entries[i+1:]...)
	n.size = -1
	return true
}

// SetKey renames the key of the entry pointing at childId and keeps
// the entries sorted by key.
func (n *IndexNode) SetKey(childId NodeId, newKey []byte) {
	for i := range n.entries {
		if n.entries[i].childId == childId {
			n.entries[i].key = newKey
			n.size = -1
			sort.SliceStable(n.entries, func(a, b int) bool {
				return bytes.Compare(n.entries[a].key, n.entries[b].key) < 0
			})
			return
		}
	}
}

// SplitEntries removes the entries at [pos:] and returns their keys
// and child ids, for use by index-node splitting.
func (n *IndexNode) SplitEntries(pos int) ([][]byte, []NodeId) {
	tail := n.entries[pos:]
	keys := make([][]byte, len(tail))
	childIds := make([]NodeId, len(tail))
	for i, e := range tail {
		keys[i] = e.key
		childIds[i] = e.childId
	}
	n.entries = n.entries[:pos]
	n.size = -1
	return keys, childIds
}

// AppendEntries extends an index node with already-sorted, disjoint
// (key, childId) pairs.
func (n *IndexNode) AppendEntries(keys [][]byte, childIds []NodeId) {
	for i := range keys {
		n.entries = append(n.entries, indexEntry{key: keys[i], childId: childIds[i]})
	}
	n.size = -1
}
