// Package btree implements the copy-on-write B-tree algorithms: CoW
// descent, leaf/index splitting, merge-on-underflow, and tree
// shallowing, over a pluggable larch/store.NodeStore. Grounded
// directly in original_source/larch/tree.py's BTree class, with the
// recursive refcount sweep on node removal replaced by an explicit
// stack per larch's design note that prefers iterative walks over
// recursion for unbounded-depth operations.
package btree

import (
	"bytes"
	"sort"

	"go.uber.org/zap"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/store"
)

// Pair is one (key, value) result of a range lookup.
type Pair struct {
	Key   []byte
	Value []byte
}

// BTree is a single tree within a forest: a root node id plus the
// algorithms to search and mutate it, backed by a shared NodeStore.
type BTree struct {
	store  store.NodeStore
	log    *zap.SugaredLogger
	rootId larch.NodeId
}

// New wraps an existing root (or larch.NoId for an empty tree) with
// the CoW algorithms, backed by s. log may be nil.
func New(s store.NodeStore, rootId larch.NodeId, log *zap.SugaredLogger) *BTree {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BTree{store: s, log: log, rootId: rootId}
}

// RootId returns the tree's current root id, or larch.NoId if empty.
func (t *BTree) RootId() larch.NodeId { return t.rootId }

// Drop releases the tree's root, decrementing (and, transitively,
// cascading into) every node no longer shared by another tree. After
// Drop the tree is empty; used by Forest.RemoveTree.
func (t *BTree) Drop() error {
	if t.rootId == larch.NoId {
		return nil
	}
	if err := t.decrement(t.rootId); err != nil {
		return err
	}
	t.rootId = larch.NoId
	return nil
}

func (t *BTree) checkKeySize(key []byte) error {
	if len(key) != t.store.KeySize() {
		return larch.WrongKeySizeError(key, t.store.KeySize())
	}
	return nil
}

func (t *BTree) checkValueSize(value []byte) error {
	if len(value) > t.store.MaxValueSize() {
		return larch.ValueTooLargeError(len(value), t.store.MaxValueSize())
	}
	return nil
}

func (t *BTree) newLeaf(keys, values [][]byte) (*larch.LeafNode, error) {
	id := t.store.NewId()
	return larch.NewLeafNode(id, keys, values), nil
}

// newIndex builds a fresh index node and increments every named
// child's refcount, mirroring tree.py's _new_index.
func (t *BTree) newIndex(keys [][]byte, childIds []larch.NodeId) (*larch.IndexNode, error) {
	id := t.store.NewId()
	idx := larch.NewIndexNode(id, keys, childIds)
	for _, c := range childIds {
		if _, err := t.store.IncrRefcount(c); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// shadow returns a node that is safe to mutate in place: the node
// itself if its refcount is exactly 1 (uniquely owned), or a clone
// with a freshly allocated id otherwise. A cloned index node's children
// each gain one reference, held by the clone.
func (t *BTree) shadow(n larch.Node) (larch.Node, error) {
	rc, err := t.store.Refcount(n.Id())
	if err != nil {
		return nil, err
	}
	if rc == 1 {
		return n, nil
	}
	clone := n.Clone()
	clone.SetId(t.store.NewId())
	if idx, ok := clone.(*larch.IndexNode); ok {
		for _, c := range idx.Children() {
			if err := t.increment(c); err != nil {
				return nil, err
			}
		}
	}
	return clone, nil
}

// setRoot installs newRoot as the tree's root, retiring the previous
// root and pinning the new one's refcount to 1 (it may transiently be
// 2, e.g. during reduceHeight, before this call normalizes it).
func (t *BTree) setRoot(newRoot larch.Node) error {
	if t.rootId != larch.NoId && t.rootId != newRoot.Id() {
		if err := t.decrement(t.rootId); err != nil {
			return err
		}
	}
	if err := t.store.PutNode(newRoot); err != nil {
		return err
	}
	t.rootId = newRoot.Id()
	return t.store.SetRefcount(newRoot.Id(), 1)
}

func (t *BTree) increment(id larch.NodeId) error {
	_, err := t.store.IncrRefcount(id)
	return err
}

// decrement retires id (and, if that drops it to zero, its children
// recursively) using an explicit worklist instead of recursion, per
// the design note on refcount-sweep depth.
func (t *BTree) decrement(id larch.NodeId) error {
	stack := []larch.NodeId{id}
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]

		rc, err := t.store.Refcount(cur)
		if err != nil {
			return err
		}
		if rc > 1 {
			if _, err := t.store.DecrRefcount(cur); err != nil {
				return err
			}
			continue
		}

		node, err := t.store.GetNode(cur)
		if err != nil {
			return err
		}
		if idx, ok := node.(*larch.IndexNode); ok {
			stack = append(stack, idx.Children()...)
		}
		if _, err := t.store.DecrRefcount(cur); err != nil {
			return err
		}
		if err := t.store.RemoveNode(cur); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds or replaces key's value.
func (t *BTree) Insert(key, value []byte) error {
	return t.insert(key, value, false)
}

// InsertNext inserts key, value under the precondition that key is
// strictly greater than every key already in the tree: it skips the
// binary search at each index level in favor of always descending
// into the rightmost child. Grounded in the teacher's PutNext
// (btree/btree.go), used for bulk-loading sequential keys.
func (t *BTree) InsertNext(key, value []byte) error {
	return t.insert(key, value, true)
}

func (t *BTree) insert(key, value []byte, appendOnly bool) error {
	if err := t.checkKeySize(key); err != nil {
		return err
	}
	if err := t.checkValueSize(value); err != nil {
		return err
	}

	var root larch.Node
	var err error
	if t.rootId != larch.NoId {
		root, err = t.store.GetNode(t.rootId)
		if err != nil {
			return err
		}
	}

	if root == nil || root.Len() == 0 {
		leaf, err := t.newLeaf([][]byte{key}, [][]byte{value})
		if err != nil {
			return err
		}
		if err := t.store.PutNode(leaf); err != nil {
			return err
		}
		var newRoot larch.Node
		if root == nil {
			idx, err := t.newIndex([][]byte{key}, []larch.NodeId{leaf.Id()})
			if err != nil {
				return err
			}
			newRoot = idx
		} else {
			shadowed, err := t.shadow(root)
			if err != nil {
				return err
			}
			idx := shadowed.(*larch.IndexNode)
			idx.Add(key, leaf.Id())
			if err := t.increment(leaf.Id()); err != nil {
				return err
			}
			newRoot = idx
		}
		return t.setRoot(newRoot)
	}

	kids, err := t.insertIntoIndex(root.(*larch.IndexNode), key, value, appendOnly)
	if err != nil {
		return err
	}
	var newRoot larch.Node
	if len(kids) == 1 {
		newRoot = kids[0]
	} else {
		keys := make([][]byte, len(kids))
		childIds := make([]larch.NodeId, len(kids))
		for i, k := range kids {
			keys[i] = k.FirstKey()
			childIds[i] = k.Id()
		}
		idx, err := t.newIndex(keys, childIds)
		if err != nil {
			return err
		}
		newRoot = idx
	}
	return t.setRoot(newRoot)
}

// insertIntoIndex inserts key, value somewhere under oldIndex and
// returns its replacement(s): one node if no split was needed, two
// sibling nodes at the same height otherwise. Never makes the tree
// taller; that is insert's job.
func (t *BTree) insertIntoIndex(oldIndex *larch.IndexNode, key, value []byte, appendOnly bool) ([]*larch.IndexNode, error) {
	shadowed, err := t.shadow(oldIndex)
	if err != nil {
		return nil, err
	}
	newIndex := shadowed.(*larch.IndexNode)

	var childId larch.NodeId
	if appendOnly {
		children := newIndex.Children()
		childId = children[len(children)-1]
	} else {
		childId = newIndex.ChildFor(key)
	}
	child, err := t.store.GetNode(childId)
	if err != nil {
		return nil, err
	}
	childKey := child.FirstKey()

	var newKids []larch.Node
	switch c := child.(type) {
	case *larch.IndexNode:
		kids, err := t.insertIntoIndex(c, key, value, appendOnly)
		if err != nil {
			return nil, err
		}
		for _, k := range kids {
			newKids = append(newKids, k)
		}
	case *larch.LeafNode:
		kids, err := t.insertIntoLeaf(c, key, value)
		if err != nil {
			return nil, err
		}
		newKids = kids
	default:
		return nil, larch.CorruptNodeError("unknown node type during insert")
	}

	newIndex.Remove(childKey)
	doDec := true
	for _, kid := range newKids {
		newIndex.Add(kid.FirstKey(), kid.Id())
		if kid.Id() != child.Id() {
			if err := t.increment(kid.Id()); err != nil {
				return nil, err
			}
		} else {
			doDec = false
		}
	}
	if doDec {
		if err := t.decrement(child.Id()); err != nil {
			return nil, err
		}
	}

	if newIndex.Len() > t.store.MaxIndexPairs() {
		n := newIndex.Len() / 2
		tailKeys, tailChildIds := newIndex.SplitEntries(n)
		second := larch.NewIndexNode(t.store.NewId(), tailKeys, tailChildIds)
		if err := t.store.PutNode(newIndex); err != nil {
			return nil, err
		}
		if err := t.store.PutNode(second); err != nil {
			return nil, err
		}
		return []*larch.IndexNode{newIndex, second}, nil
	}

	if err := t.store.PutNode(newIndex); err != nil {
		return nil, err
	}
	return []*larch.IndexNode{newIndex}, nil
}

// insertIntoLeaf inserts key, value into leaf and returns its
// replacement(s), splitting at a byte-size midpoint if the leaf would
// overflow node_size.
func (t *BTree) insertIntoLeaf(leaf *larch.LeafNode, key, value []byte) ([]larch.Node, error) {
	shadowed, err := t.shadow(leaf)
	if err != nil {
		return nil, err
	}
	n := shadowed.(*larch.LeafNode)
	n.Insert(key, value)

	if n.EncodedSize() <= t.store.NodeSize() {
		if err := t.store.PutNode(n); err != nil {
			return nil, err
		}
		return []larch.Node{n}, nil
	}

	keys, values := n.Pairs()
	codec := larch.NewNodeCodec(t.store.KeySize())
	pos := leafSplitPos(codec, values)

	tailKeys := append([][]byte(nil), keys[pos:]...)
	tailValues := append([][]byte(nil), values[pos:]...)
	for _, k := range tailKeys {
		n.Remove(k)
	}
	second, err := t.newLeaf(tailKeys, tailValues)
	if err != nil {
		return nil, err
	}

	rebalanceLeaves(n, second, t.store.NodeSize())

	if err := t.store.PutNode(n); err != nil {
		return nil, err
	}
	if err := t.store.PutNode(second); err != nil {
		return nil, err
	}
	return []larch.Node{n, second}, nil
}

// leafSplitPos picks the index at which to split pairs: the first
// position where the first half's running encoded size reaches half
// the leaf's total, per the byte-size-based split policy.
func leafSplitPos(codec larch.NodeCodec, values [][]byte) int {
	header := codec.HeaderSize()
	total := header
	sizes := make([]int, len(values))
	for i, v := range values {
		sizes[i] = codec.LeafPairSize(v)
		total += sizes[i]
	}
	target := total / 2
	cum := header
	pos := len(values) / 2
	for i, sz := range sizes {
		cum += sz
		if cum >= target {
			pos = i + 1
			break
		}
	}
	if pos < 1 {
		pos = 1
	}
	if pos > len(values)-1 {
		pos = len(values) - 1
	}
	return pos
}

// rebalanceLeaves moves one pair at a time between two freshly split
// leaves until both fit within nodeSize, the way tree.py's
// _insert_into_leaf corrects an unlucky split.
func rebalanceLeaves(first, second *larch.LeafNode, nodeSize int) {
	for second.EncodedSize() > nodeSize {
		keys := second.Keys()
		if len(keys) == 0 {
			break
		}
		k := keys[0]
		v, _ := second.Get(k)
		second.Remove(k)
		first.Insert(k, v)
	}
	for first.EncodedSize() > nodeSize {
		keys := first.Keys()
		if len(keys) <= 1 {
			break
		}
		k := keys[len(keys)-1]
		v, _ := first.Get(k)
		first.Remove(k)
		second.Insert(k, v)
	}
}

// Lookup returns the value for key, or ErrKeyNotFound.
func (t *BTree) Lookup(key []byte) ([]byte, error) {
	if err := t.checkKeySize(key); err != nil {
		return nil, err
	}
	if t.rootId == larch.NoId {
		return nil, larch.KeyNotFoundError(key)
	}
	id := t.rootId
	for {
		node, err := t.store.GetNode(id)
		if err != nil {
			return nil, err
		}
		switch n := node.(type) {
		case *larch.IndexNode:
			if n.Len() == 0 {
				return nil, larch.KeyNotFoundError(key)
			}
			id = n.ChildFor(key)
		case *larch.LeafNode:
			v, ok := n.Get(key)
			if !ok {
				return nil, larch.KeyNotFoundError(key)
			}
			return v, nil
		default:
			return nil, larch.CorruptNodeError("unknown node type during lookup")
		}
	}
}

// LookupRange returns every (key, value) pair with lo <= key <= hi,
// in ascending key order, materialized rather than streamed so the
// caller may mutate the tree between iterations.
func (t *BTree) LookupRange(lo, hi []byte) ([]Pair, error) {
	if err := t.checkKeySize(lo); err != nil {
		return nil, err
	}
	if err := t.checkKeySize(hi); err != nil {
		return nil, err
	}
	if t.rootId == larch.NoId {
		return nil, nil
	}
	var out []Pair
	err := t.walkRange(lo, hi, func(n *larch.LeafNode) {
		for _, p := range n.FindRange(lo, hi) {
			out = append(out, Pair{Key: p.Key(), Value: p.Val()})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountRange returns the number of keys in [lo, hi] without
// materializing values.
func (t *BTree) CountRange(lo, hi []byte) (int, error) {
	if err := t.checkKeySize(lo); err != nil {
		return 0, err
	}
	if err := t.checkKeySize(hi); err != nil {
		return 0, err
	}
	if t.rootId == larch.NoId {
		return 0, nil
	}
	count := 0
	err := t.walkRange(lo, hi, func(n *larch.LeafNode) {
		count += len(n.FindRange(lo, hi))
	})
	return count, err
}

// RangeIsEmpty reports whether [lo, hi] contains no keys.
func (t *BTree) RangeIsEmpty(lo, hi []byte) (bool, error) {
	n, err := t.CountRange(lo, hi)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// walkRange is a stack-based, left-to-right walk of every leaf whose
// range may intersect [lo, hi], per the design note preferring an
// iterative walk over recursion for range operations.
func (t *BTree) walkRange(lo, hi []byte, visit func(*larch.LeafNode)) error {
	stack := []larch.NodeId{t.rootId}
	for len(stack) > 0 {
		n := len(stack) - 1
		id := stack[n]
		stack = stack[:n]

		node, err := t.store.GetNode(id)
		if err != nil {
			return err
		}
		switch nd := node.(type) {
		case *larch.LeafNode:
			visit(nd)
		case *larch.IndexNode:
			children := nd.ChildrenInRange(lo, hi)
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		default:
			return larch.CorruptNodeError("unknown node type during range walk")
		}
	}
	return nil
}

// Remove deletes key from the tree, or fails with ErrKeyNotFound.
func (t *BTree) Remove(key []byte) error {
	if err := t.checkKeySize(key); err != nil {
		return err
	}
	if t.rootId == larch.NoId {
		return larch.KeyNotFoundError(key)
	}
	root, err := t.store.GetNode(t.rootId)
	if err != nil {
		return err
	}
	idx, ok := root.(*larch.IndexNode)
	if !ok {
		return larch.CorruptNodeError("root is not an index node")
	}
	newRoot, err := t.removeFromIndex(idx, key)
	if err != nil {
		return err
	}
	if err := t.setRoot(newRoot); err != nil {
		return err
	}
	return t.reduceHeight()
}

func (t *BTree) removeFromIndex(oldIndex *larch.IndexNode, key []byte) (*larch.IndexNode, error) {
	if oldIndex.Len() == 0 {
		return nil, larch.KeyNotFoundError(key)
	}
	childId := oldIndex.ChildFor(key)
	shadowed, err := t.shadow(oldIndex)
	if err != nil {
		return nil, err
	}
	newIndex := shadowed.(*larch.IndexNode)

	child, err := t.store.GetNode(childId)
	if err != nil {
		return nil, err
	}
	childKey := child.FirstKey()

	switch c := child.(type) {
	case *larch.IndexNode:
		newKid, err := t.removeFromIndex(c, key)
		if err != nil {
			return nil, err
		}
		newIndex.Remove(childKey)
		if newKid.Len() > 0 {
			if err := t.addOrMergeIndex(newIndex, newKid); err != nil {
				return nil, err
			}
		} else if newKid.Id() != child.Id() {
			// newKid is a scratch shadow of a shared child that
			// emptied out completely: it was never given its own
			// refcount (nothing referenced it yet), so it is dropped
			// directly rather than decremented.
			if err := t.store.RemoveNode(newKid.Id()); err != nil {
				return nil, err
			}
		}
		if err := t.decrement(child.Id()); err != nil {
			return nil, err
		}
	case *larch.LeafNode:
		shadowedLeaf, err := t.shadow(c)
		if err != nil {
			return nil, err
		}
		leaf := shadowedLeaf.(*larch.LeafNode)
		if !leaf.Remove(key) {
			return nil, larch.KeyNotFoundError(key)
		}
		if err := t.store.PutNode(leaf); err != nil {
			return nil, err
		}
		newIndex.Remove(childKey)
		if leaf.Len() > 0 {
			if err := t.addOrMergeLeaf(newIndex, leaf); err != nil {
				return nil, err
			}
		} else if leaf.Id() != child.Id() {
			// Same reasoning as the index-node case above: a
			// scratch shadow of a shared leaf that emptied out
			// was never referenced, so it is dropped directly.
			if err := t.store.RemoveNode(leaf.Id()); err != nil {
				return nil, err
			}
		}
		if err := t.decrement(child.Id()); err != nil {
			return nil, err
		}
	default:
		return nil, larch.CorruptNodeError("unknown node type during remove")
	}

	if err := t.store.PutNode(newIndex); err != nil {
		return nil, err
	}
	return newIndex, nil
}

func (t *BTree) addOrMergeIndex(parent *larch.IndexNode, node *larch.IndexNode) error {
	keys := parent.Keys()
	key := node.FirstKey()
	i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) >= 0 })

	var newNode *larch.IndexNode
	var err error
	if i > 0 {
		if newNode, err = t.mergeIndex(parent, node, i-1); err != nil {
			return err
		}
	}
	if newNode == nil && i < len(keys) {
		if newNode, err = t.mergeIndex(parent, node, i); err != nil {
			return err
		}
	}
	if newNode == nil {
		newNode = node
	}

	// mergeIndex always returns node itself (possibly with a sibling
	// folded in) or nil; newNode and node are the same entry either
	// way, so there is exactly one new reference to account for.
	if err := t.store.PutNode(newNode); err != nil {
		return err
	}
	parent.Add(newNode.FirstKey(), newNode.Id())
	return t.increment(newNode.Id())
}

func (t *BTree) addOrMergeLeaf(parent *larch.IndexNode, node *larch.LeafNode) error {
	keys := parent.Keys()
	key := node.FirstKey()
	i := sort.Search(len(keys), func(i int) bool { return bytes.Compare(keys[i], key) >= 0 })

	var newNode *larch.LeafNode
	var err error
	if i > 0 {
		if newNode, err = t.mergeLeaf(parent, node, i-1); err != nil {
			return err
		}
	}
	if newNode == nil && i < len(keys) {
		if newNode, err = t.mergeLeaf(parent, node, i); err != nil {
			return err
		}
	}
	if newNode == nil {
		newNode = node
	}

	// mergeLeaf always returns node itself (possibly with a sibling
	// folded in) or nil; newNode and node are the same entry either
	// way, so there is exactly one new reference to account for.
	if err := t.store.PutNode(newNode); err != nil {
		return err
	}
	parent.Add(newNode.FirstKey(), newNode.Id())
	return t.increment(newNode.Id())
}

// mergeIndex tries to fold the sibling at parent's entry siblingIndex
// into node, returning nil (no error) if the combined entry count
// would exceed max_index_length.
func (t *BTree) mergeIndex(parent *larch.IndexNode, node *larch.IndexNode, siblingIndex int) (*larch.IndexNode, error) {
	siblingKey := parent.Keys()[siblingIndex]
	siblingId := parent.ChildFor(siblingKey)
	siblingNode, err := t.store.GetNode(siblingId)
	if err != nil {
		return nil, err
	}
	sibling, ok := siblingNode.(*larch.IndexNode)
	if !ok {
		return nil, larch.CorruptNodeError("sibling is not an index node")
	}
	if node.Len()+sibling.Len() > t.store.MaxIndexPairs() {
		return nil, nil
	}

	// node is already a private scratch copy handed down from
	// removeFromIndex (its own shadow, or a fresh unregistered clone);
	// it needs no further shadowing here.
	newNode := node
	sibKeys := sibling.Keys()
	sibChildren := sibling.Children()
	for i := range sibKeys {
		newNode.Add(sibKeys[i], sibChildren[i])
		if err := t.increment(sibChildren[i]); err != nil {
			return nil, err
		}
	}
	if err := t.store.PutNode(newNode); err != nil {
		return nil, err
	}
	parent.Remove(siblingKey)
	if err := t.decrement(sibling.Id()); err != nil {
		return nil, err
	}
	return newNode, nil
}

// mergeLeaf tries to fold the sibling leaf at parent's entry
// siblingIndex into node, returning nil if the combined encoded size
// would exceed node_size.
func (t *BTree) mergeLeaf(parent *larch.IndexNode, node *larch.LeafNode, siblingIndex int) (*larch.LeafNode, error) {
	siblingKey := parent.Keys()[siblingIndex]
	siblingId := parent.ChildFor(siblingKey)
	siblingNode, err := t.store.GetNode(siblingId)
	if err != nil {
		return nil, err
	}
	sibling, ok := siblingNode.(*larch.LeafNode)
	if !ok {
		return nil, larch.CorruptNodeError("sibling is not a leaf node")
	}
	if node.EncodedSize()+sibling.EncodedSize() > t.store.NodeSize() {
		return nil, nil
	}

	// node is already a private scratch copy (see mergeIndex); no
	// further shadowing needed.
	newNode := node
	sk, sv := sibling.Pairs()
	for i := range sk {
		newNode.Insert(sk[i], sv[i])
	}
	if err := t.store.PutNode(newNode); err != nil {
		return nil, err
	}
	parent.Remove(siblingKey)
	if err := t.decrement(sibling.Id()); err != nil {
		return nil, err
	}
	return newNode, nil
}

// RemoveRange removes every key in [lo, hi]. Implemented as a plain
// per-key loop: find the keys via LookupRange, then Remove each. This
// is O(k log N) rather than a single bulk traversal, a deliberate
// trade-off for obvious correctness (spec's design notes call out a
// bulk traversal as future optimization).
func (t *BTree) RemoveRange(lo, hi []byte) error {
	pairs, err := t.LookupRange(lo, hi)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if err := t.Remove(p.Key); err != nil {
			return err
		}
	}
	return nil
}

// reduceHeight collapses a root index node with exactly one entry
// into that entry's child, repeating until the root has more than one
// entry, is a leaf, or its only child is shared or is a leaf.
func (t *BTree) reduceHeight() error {
	for {
		root, err := t.store.GetNode(t.rootId)
		if err != nil {
			return err
		}
		idx, ok := root.(*larch.IndexNode)
		if !ok || idx.Len() != 1 {
			return nil
		}
		childId := idx.ChildFor(idx.FirstKey())
		childRc, err := t.store.Refcount(childId)
		if err != nil {
			return err
		}
		if childRc != 1 {
			return nil
		}
		child, err := t.store.GetNode(childId)
		if err != nil {
			return err
		}
		if _, isLeaf := child.(*larch.LeafNode); isLeaf {
			return nil
		}
		// Prevent the child from being collected when the old root's
		// refcount is decremented inside setRoot; setRoot normalizes
		// it back to 1.
		if err := t.store.SetRefcount(childId, 2); err != nil {
			return err
		}
		if err := t.setRoot(child); err != nil {
			return err
		}
	}
}
