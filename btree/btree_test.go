package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/store"
)

func u32key(i uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], i)
	return b[:]
}

func TestInsertLookup(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)

	if err := tree.Insert(u32key(1), []byte("one")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	v, err := tree.Lookup(u32key(1))
	if err != nil || !bytes.Equal(v, []byte("one")) {
		t.Fatalf("Lookup = %q, %v, want one, nil", v, err)
	}
}

func TestInsertReplacesValue(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)

	tree.Insert(u32key(1), []byte("v1"))
	tree.Insert(u32key(1), []byte("v2"))

	v, err := tree.Lookup(u32key(1))
	if err != nil || !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("Lookup = %q, %v, want v2, nil", v, err)
	}
}

func TestInsertThenRemoveLookupFails(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)

	tree.Insert(u32key(1), []byte("v"))
	if err := tree.Remove(u32key(1)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := tree.Lookup(u32key(1)); err == nil {
		t.Fatal("expected KeyNotFound after remove")
	}
}

func TestRemoveTwiceFailsSecondTime(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)
	tree.Insert(u32key(1), []byte("v"))
	if err := tree.Remove(u32key(1)); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := tree.Remove(u32key(1)); err == nil {
		t.Fatal("second Remove should fail (not idempotent)")
	}
}

func TestWrongKeySizeRejected(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)
	if err := tree.Insert([]byte("short"), []byte("v")); err == nil {
		t.Fatal("expected WrongKeySize error")
	}
}

func TestOversizedValueRejectedLeavesTreeUnchanged(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)
	tree.Insert(u32key(1), []byte("ok"))

	big := bytes.Repeat([]byte("x"), 200)
	if err := tree.Insert(u32key(2), big); err == nil {
		t.Fatal("expected ValueTooLarge error")
	}
	if _, err := tree.Lookup(u32key(2)); err == nil {
		t.Fatal("oversized insert must not have partially applied")
	}
	v, err := tree.Lookup(u32key(1))
	if err != nil || !bytes.Equal(v, []byte("ok")) {
		t.Fatalf("prior key corrupted by failed insert: %q, %v", v, err)
	}
}

// Scenario 1 (spec.md §8): insert 1024 sequential 4-byte keys with
// node_size small enough to force splits, then verify LookupRange
// returns all of them in order.
func TestScenario1024SequentialInsertThenRangeScan(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)

	const n = 1024
	for i := uint32(0); i < n; i++ {
		if err := tree.InsertNext(u32key(i), []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("InsertNext(%d): %v", i, err)
		}
	}

	pairs, err := tree.LookupRange(u32key(0), u32key(0xFFFFFFFF))
	if err != nil {
		t.Fatalf("LookupRange: %v", err)
	}
	if len(pairs) != n {
		t.Fatalf("LookupRange returned %d pairs, want %d", len(pairs), n)
	}
	for i, p := range pairs {
		want := u32key(uint32(i))
		if !bytes.Equal(p.Key, want) {
			t.Fatalf("pair %d key = %x, want %x", i, p.Key, want)
		}
		if string(p.Value) != fmt.Sprintf("%d", i) {
			t.Fatalf("pair %d value = %q, want %q", i, p.Value, fmt.Sprintf("%d", i))
		}
	}
}

// Scenario 3 (spec.md §8): insert 100 keys, remove all but the first,
// and check the surviving key is still reachable.
func TestScenarioRemoveAllButFirst(t *testing.T) {
	s := store.NewMemory(512, 19)
	tree := New(s, larch.NoId, nil)

	keys := make([][]byte, 100)
	for i := range keys {
		k := make([]byte, 19)
		binary.BigEndian.PutUint64(k[:8], uint64(i))
		keys[i] = k
		value := bytes.Repeat([]byte{byte(i)}, 128)
		if err := tree.InsertNext(k, value); err != nil {
			t.Fatalf("InsertNext(%d): %v", i, err)
		}
	}

	for i := 1; i < len(keys); i++ {
		if err := tree.Remove(keys[i]); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}

	v, err := tree.Lookup(keys[0])
	if err != nil {
		t.Fatalf("Lookup(first): %v", err)
	}
	want := bytes.Repeat([]byte{0}, 128)
	if !bytes.Equal(v, want) {
		t.Fatal("surviving key's value was corrupted")
	}

	ids, err := s.ListNodeIds()
	if err != nil {
		t.Fatalf("ListNodeIds: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("node count = %d, want 2 (root index + one leaf)", len(ids))
	}
}

// Scenario 5 (spec.md §8): refcount overflow must raise, not wrap.
// Cloning a tree takes one more reference on its root, so a clone of a
// root already at 0xffff must fail.
func TestRefcountOverflowGuard(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)
	tree.Insert(u32key(1), []byte("v"))

	if err := s.SetRefcount(tree.RootId(), 0xffff); err != nil {
		t.Fatalf("SetRefcount: %v", err)
	}
	if _, err := s.IncrRefcount(tree.RootId()); err == nil {
		t.Fatal("expected refcount overflow to surface as an error")
	}
}

// Clone isolation (algebraic law): cloning a tree by sharing its root
// and then mutating the clone must not affect the original.
func TestCloneIsolation(t *testing.T) {
	s := store.NewMemory(128, 4)
	t1 := New(s, larch.NoId, nil)
	for i := uint32(0); i < 20; i++ {
		if err := t1.InsertNext(u32key(i), u32key(i)); err != nil {
			t.Fatalf("InsertNext(%d): %v", i, err)
		}
	}

	if t1.RootId() != larch.NoId {
		if _, err := s.IncrRefcount(t1.RootId()); err != nil {
			t.Fatalf("IncrRefcount: %v", err)
		}
	}
	t2 := New(s, t1.RootId(), nil)

	for i := uint32(0); i < 20; i += 2 {
		if err := t2.Remove(u32key(i)); err != nil {
			t.Fatalf("t2.Remove(%d): %v", i, err)
		}
	}

	pairs1, err := t1.LookupRange(u32key(0), u32key(0xFFFFFFFF))
	if err != nil {
		t.Fatalf("t1.LookupRange: %v", err)
	}
	if len(pairs1) != 20 {
		t.Fatalf("t1 has %d pairs after t2 mutated, want 20 (untouched)", len(pairs1))
	}

	pairs2, err := t2.LookupRange(u32key(0), u32key(0xFFFFFFFF))
	if err != nil {
		t.Fatalf("t2.LookupRange: %v", err)
	}
	if len(pairs2) != 10 {
		t.Fatalf("t2 has %d pairs, want 10 (evens removed)", len(pairs2))
	}
}

func TestRangeQueries(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)
	for i := uint32(0); i < 50; i++ {
		if err := tree.InsertNext(u32key(i), u32key(i)); err != nil {
			t.Fatalf("InsertNext(%d): %v", i, err)
		}
	}

	n, err := tree.CountRange(u32key(10), u32key(19))
	if err != nil {
		t.Fatalf("CountRange: %v", err)
	}
	if n != 10 {
		t.Fatalf("CountRange(10,19) = %d, want 10", n)
	}

	empty, err := tree.RangeIsEmpty(u32key(1000), u32key(2000))
	if err != nil {
		t.Fatalf("RangeIsEmpty: %v", err)
	}
	if !empty {
		t.Fatal("RangeIsEmpty(1000,2000) = false, want true")
	}
}

func TestRemoveRange(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)
	for i := uint32(0); i < 30; i++ {
		if err := tree.InsertNext(u32key(i), u32key(i)); err != nil {
			t.Fatalf("InsertNext(%d): %v", i, err)
		}
	}

	if err := tree.RemoveRange(u32key(10), u32key(19)); err != nil {
		t.Fatalf("RemoveRange: %v", err)
	}
	n, err := tree.CountRange(u32key(0), u32key(0xFFFFFFFF))
	if err != nil {
		t.Fatalf("CountRange: %v", err)
	}
	if n != 20 {
		t.Fatalf("remaining count = %d, want 20", n)
	}
	if _, err := tree.Lookup(u32key(15)); err == nil {
		t.Fatal("key in removed range still present")
	}
}

func TestRangeIterStreamsInOrder(t *testing.T) {
	s := store.NewMemory(128, 4)
	tree := New(s, larch.NoId, nil)
	for i := uint32(0); i < 10; i++ {
		tree.InsertNext(u32key(i), u32key(i))
	}

	it, err := tree.RangeIter(u32key(0), u32key(0xFFFFFFFF))
	if err != nil {
		t.Fatalf("RangeIter: %v", err)
	}
	count := 0
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		if !bytes.Equal(k, u32key(uint32(count))) {
			t.Fatalf("Iter key %d = %x, want %x", count, k, u32key(uint32(count)))
		}
		count++
	}
	if count != 10 {
		t.Fatalf("Iter produced %d pairs, want 10", count)
	}
}
