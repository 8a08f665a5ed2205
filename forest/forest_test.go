package forest

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/obnam-mirror/larch/store"
	"github.com/obnam-mirror/larch/vfs"
)

func u64key(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

func openTestForest(t *testing.T, fs vfs.FS, dir string) *Forest {
	t.Helper()
	s, err := store.Open(fs, dir, store.Options{NodeSize: 256, KeySize: 8}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	f, err := Open(s, nil)
	if err != nil {
		t.Fatalf("forest.Open: %v", err)
	}
	return f
}

func TestNewTreeStartsEmpty(t *testing.T) {
	fs := vfs.NewMemFS()
	f := openTestForest(t, fs, "/forest")

	tr := f.NewTree()
	if _, err := tr.BTree().Lookup(u64key(1)); err == nil {
		t.Fatal("fresh tree should have no keys")
	}
}

func TestCloneTreeIsolation(t *testing.T) {
	fs := vfs.NewMemFS()
	f := openTestForest(t, fs, "/forest")

	a := f.NewTree()
	for i := uint64(0); i < 50; i++ {
		if err := a.BTree().InsertNext(u64key(i), u64key(i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	b, err := f.CloneTree(a)
	if err != nil {
		t.Fatalf("CloneTree: %v", err)
	}
	for i := uint64(0); i < 50; i += 2 {
		if err := b.BTree().Remove(u64key(i)); err != nil {
			t.Fatalf("b.Remove(%d): %v", i, err)
		}
	}

	pairsA, err := a.BTree().LookupRange(u64key(0), u64key(0xFFFFFFFFFFFFFFFF))
	if err != nil {
		t.Fatalf("a.LookupRange: %v", err)
	}
	if len(pairsA) != 50 {
		t.Fatalf("tree A has %d pairs after clone mutated, want 50", len(pairsA))
	}

	pairsB, err := b.BTree().LookupRange(u64key(0), u64key(0xFFFFFFFFFFFFFFFF))
	if err != nil {
		t.Fatalf("b.LookupRange: %v", err)
	}
	if len(pairsB) != 25 {
		t.Fatalf("tree B has %d pairs, want 25", len(pairsB))
	}
}

// A four-generation clone chain (spec.md §8 scenario 2): B clones A
// and removes the odds, C clones B and reinserts them, D clones C and
// removes the evens. Every earlier generation must remain unaffected
// by later mutations.
func TestCloneChainBackwardsCompatibility(t *testing.T) {
	fs := vfs.NewMemFS()
	f := openTestForest(t, fs, "/forest")

	a := f.NewTree()
	const n = 200
	for i := uint64(0); i < n; i++ {
		if err := a.BTree().InsertNext(u64key(i), u64key(i)); err != nil {
			t.Fatalf("a insert %d: %v", i, err)
		}
	}

	b, err := f.CloneTree(a)
	if err != nil {
		t.Fatalf("clone b: %v", err)
	}
	for i := uint64(1); i < n; i += 2 {
		if err := b.BTree().Remove(u64key(i)); err != nil {
			t.Fatalf("b remove %d: %v", i, err)
		}
	}

	c, err := f.CloneTree(b)
	if err != nil {
		t.Fatalf("clone c: %v", err)
	}
	for i := uint64(1); i < n; i += 2 {
		if err := c.BTree().Insert(u64key(i), u64key(i)); err != nil {
			t.Fatalf("c reinsert %d: %v", i, err)
		}
	}

	d, err := f.CloneTree(c)
	if err != nil {
		t.Fatalf("clone d: %v", err)
	}
	for i := uint64(0); i < n; i += 2 {
		if err := d.BTree().Remove(u64key(i)); err != nil {
			t.Fatalf("d remove %d: %v", i, err)
		}
	}

	countA, _ := a.BTree().CountRange(u64key(0), u64key(0xFFFFFFFFFFFFFFFF))
	countB, _ := b.BTree().CountRange(u64key(0), u64key(0xFFFFFFFFFFFFFFFF))
	countC, _ := c.BTree().CountRange(u64key(0), u64key(0xFFFFFFFFFFFFFFFF))
	countD, _ := d.BTree().CountRange(u64key(0), u64key(0xFFFFFFFFFFFFFFFF))

	if countA != n {
		t.Fatalf("A count = %d, want %d (untouched by descendants)", countA, n)
	}
	if countB != n/2 {
		t.Fatalf("B count = %d, want %d (odds removed)", countB, n/2)
	}
	if countC != n {
		t.Fatalf("C count = %d, want %d (odds reinserted)", countC, n)
	}
	if countD != n/2 {
		t.Fatalf("D count = %d, want %d (evens removed)", countD, n/2)
	}

	if _, err := a.BTree().Lookup(u64key(1)); err != nil {
		t.Fatal("A should still see odd keys untouched by B's removal")
	}
	if _, err := b.BTree().Lookup(u64key(1)); err == nil {
		t.Fatal("B should not see odd keys it removed")
	}
	if _, err := d.BTree().Lookup(u64key(0)); err == nil {
		t.Fatal("D should not see even keys it removed")
	}
	if _, err := d.BTree().Lookup(u64key(1)); err != nil {
		t.Fatal("D should still see odd keys (inherited from C, untouched by D)")
	}
}

func TestRemoveTree(t *testing.T) {
	fs := vfs.NewMemFS()
	f := openTestForest(t, fs, "/forest")

	a := f.NewTree()
	a.BTree().Insert(u64key(1), u64key(1))
	b := f.NewTree()
	b.BTree().Insert(u64key(2), u64key(2))

	if err := f.RemoveTree(a); err != nil {
		t.Fatalf("RemoveTree: %v", err)
	}
	if len(f.Trees()) != 1 {
		t.Fatalf("Trees() len = %d, want 1", len(f.Trees()))
	}
	if _, ok := f.Tree(a.ID); ok {
		t.Fatal("removed tree still reachable via Tree()")
	}
	if _, ok := f.Tree(b.ID); !ok {
		t.Fatal("surviving tree no longer reachable via Tree()")
	}
}

func TestCommitReopenPreservesTreesAndStableIds(t *testing.T) {
	fs := vfs.NewMemFS()
	f := openTestForest(t, fs, "/forest")

	a := f.NewTree()
	a.BTree().Insert(u64key(1), []byte("a"))
	b := f.NewTree()
	b.BTree().Insert(u64key(2), []byte("b"))

	aID, bID := a.ID, b.ID

	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2, err := store.Open(fs, "/forest", store.Options{}, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	f2, err := Open(s2, nil)
	if err != nil {
		t.Fatalf("reopen forest: %v", err)
	}

	if len(f2.Trees()) != 2 {
		t.Fatalf("reopened forest has %d trees, want 2", len(f2.Trees()))
	}
	ra, ok := f2.Tree(aID)
	if !ok {
		t.Fatal("tree A's stable id lost across commit+reopen")
	}
	v, err := ra.BTree().Lookup(u64key(1))
	if err != nil || !bytes.Equal(v, []byte("a")) {
		t.Fatalf("Lookup after reopen = %q, %v, want a, nil", v, err)
	}
	if _, ok := f2.Tree(bID); !ok {
		t.Fatal("tree B's stable id lost across commit+reopen")
	}
}

func TestCommitReopenAfterRemoveTreeKeepsIdsStable(t *testing.T) {
	fs := vfs.NewMemFS()
	f := openTestForest(t, fs, "/forest")

	a := f.NewTree()
	b := f.NewTree()
	c := f.NewTree()
	bID, cID := b.ID, c.ID

	if err := f.RemoveTree(a); err != nil {
		t.Fatalf("RemoveTree: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2, err := store.Open(fs, "/forest", store.Options{}, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	f2, err := Open(s2, nil)
	if err != nil {
		t.Fatalf("reopen forest: %v", err)
	}
	if len(f2.Trees()) != 2 {
		t.Fatalf("reopened forest has %d trees, want 2", len(f2.Trees()))
	}
	if _, ok := f2.Tree(bID); !ok {
		t.Fatal("B's stable id not preserved after removing a middle sibling")
	}
	if _, ok := f2.Tree(cID); !ok {
		t.Fatal("C's stable id not preserved after removing a middle sibling")
	}
}
