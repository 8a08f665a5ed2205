// Package forest implements the multi-tree container that lets many
// BTrees share nodes in one NodeStore (spec.md §3, "Forest"). Grounded
// on original_source/larch/forest.py's Forest class, adapted so that
// cloning relies on the same refcount-based copy-on-write sharing the
// trees already use internally (shadow-on-write) instead of the
// original's eager index-node copy.
package forest

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/btree"
	"github.com/obnam-mirror/larch/store"
)

// treeIdsKey is a forest-owned metadata entry (not one of the store's
// five reserved keys) holding the stable TreeID of each entry in
// RootIds, in the same order. Position in Trees() is not identity —
// TreeIDs survive a tree being removed from the middle of the list.
const treeIdsKey = "tree_ids"

// Tree is one B-tree within a forest, plus the stable handle used to
// refer to it across commits (its root id changes on every mutation;
// its TreeID never does).
type Tree struct {
	ID   int64
	tree *btree.BTree
}

// BTree returns the tree's mutable algorithms.
func (t *Tree) BTree() *btree.BTree { return t.tree }

// Forest is a collection of related BTrees, all sharing one NodeStore
// (spec.md §3). Cloning a tree is O(1): it shares the clone's root
// with the original and lets shadow-on-write fork them apart lazily.
type Forest struct {
	store  store.NodeStore
	log    *zap.SugaredLogger
	trees  []*Tree
	nextId int64
}

// Open builds a Forest over an already-opened NodeStore, reconstructing
// its tree list from the store's persisted root_ids/tree_ids metadata.
func Open(s store.NodeStore, log *zap.SugaredLogger) (*Forest, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f := &Forest{store: s, log: log}

	rootIds := s.RootIds()
	treeIds, err := f.readTreeIds(len(rootIds))
	if err != nil {
		return nil, err
	}
	f.trees = make([]*Tree, len(rootIds))
	maxId := int64(0)
	for i, rootId := range rootIds {
		f.trees[i] = &Tree{ID: treeIds[i], tree: btree.New(s, rootId, log)}
		if treeIds[i] > maxId {
			maxId = treeIds[i]
		}
	}
	f.nextId = maxId + 1
	return f, nil
}

func (f *Forest) readTreeIds(want int) ([]int64, error) {
	raw, ok, err := f.store.GetMetadata(treeIdsKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		// Older or hand-built metadata with no tree_ids entry: assign
		// fresh stable ids positionally.
		ids := make([]int64, want)
		for i := range ids {
			ids[i] = int64(i) + 1
		}
		return ids, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "forest: malformed tree_ids entry %q", p)
		}
		ids[i] = v
	}
	if len(ids) != want {
		return nil, larch.FormatProblemError("tree_ids length disagrees with root_ids length")
	}
	return ids, nil
}

// Store returns the forest's underlying node store, for callers (such
// as package fsck) that need to walk or repair it directly.
func (f *Forest) Store() store.NodeStore { return f.store }

// Trees returns every tree in the forest, in creation order.
func (f *Forest) Trees() []*Tree {
	out := make([]*Tree, len(f.trees))
	copy(out, f.trees)
	return out
}

// Tree looks up a tree by its stable id.
func (f *Forest) Tree(id int64) (*Tree, bool) {
	for _, t := range f.trees {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// NewTree creates and returns a brand new, empty tree in the forest.
func (f *Forest) NewTree() *Tree {
	t := &Tree{ID: f.nextId, tree: btree.New(f.store, larch.NoId, f.log)}
	f.nextId++
	f.trees = append(f.trees, t)
	return t
}

// CloneTree creates a new tree that starts out identical to old,
// sharing every node with it. The clone is O(1): it increments old's
// root refcount rather than copying anything; the first write to
// either tree shadows the shared nodes apart.
func (f *Forest) CloneTree(old *Tree) (*Tree, error) {
	rootId := old.tree.RootId()
	if rootId != larch.NoId {
		if _, err := f.store.IncrRefcount(rootId); err != nil {
			return nil, err
		}
	}
	t := &Tree{ID: f.nextId, tree: btree.New(f.store, rootId, f.log)}
	f.nextId++
	f.trees = append(f.trees, t)
	return t, nil
}

// RemoveTree drops a tree from the forest, releasing its root (and,
// transitively, any nodes no longer shared by another tree).
func (f *Forest) RemoveTree(t *Tree) error {
	for i, candidate := range f.trees {
		if candidate == t {
			if err := t.tree.Drop(); err != nil {
				return err
			}
			f.trees = append(f.trees[:i], f.trees[i+1:]...)
			return nil
		}
	}
	return errors.New("forest: tree not found")
}

// Commit persists every tree's current root, then commits the
// underlying node store (spec.md §4.7).
func (f *Forest) Commit() error {
	rootIds := make([]larch.NodeId, len(f.trees))
	treeIds := make([]string, len(f.trees))
	for i, t := range f.trees {
		rootIds[i] = t.tree.RootId()
		treeIds[i] = strconv.FormatInt(t.ID, 10)
	}
	f.store.SetRootIds(rootIds)
	if err := f.store.SetMetadata(treeIdsKey, strings.Join(treeIds, ",")); err != nil {
		return err
	}
	if err := f.store.Commit(); err != nil {
		return err
	}
	f.log.Infow("forest committed", "trees", len(f.trees))
	return nil
}

// SortedTreeIDs returns every tree's stable id, ascending, so callers
// such as package fsck can walk trees in a deterministic order tied to
// tree identity rather than incidental slice position.
func (f *Forest) SortedTreeIDs() []int64 {
	ids := make([]int64, len(f.trees))
	for i, t := range f.trees {
		ids[i] = t.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
