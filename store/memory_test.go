package store

import (
	"testing"

	larch "github.com/obnam-mirror/larch"
)

func TestMemoryNodeStorePutGet(t *testing.T) {
	s := NewMemory(4096, 4)
	id := s.NewId()
	n := larch.NewLeafNode(id, [][]byte{[]byte("aaaa")}, [][]byte{[]byte("1")})

	if err := s.PutNode(n); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if _, err := s.IncrRefcount(id); err != nil {
		t.Fatalf("IncrRefcount: %v", err)
	}

	got, err := s.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Id() != id {
		t.Fatalf("GetNode id = %d, want %d", got.Id(), id)
	}
}

func TestMemoryNodeStoreGetMissingNode(t *testing.T) {
	s := NewMemory(4096, 4)
	if _, err := s.GetNode(999); err == nil {
		t.Fatal("expected error for missing node")
	}
}

func TestMemoryNodeStoreDecrRefcountDoesNotAutoRemove(t *testing.T) {
	s := NewMemory(4096, 4)
	id := s.NewId()
	n := larch.NewLeafNode(id, [][]byte{[]byte("aaaa")}, [][]byte{[]byte("1")})
	if err := s.PutNode(n); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if _, err := s.IncrRefcount(id); err != nil {
		t.Fatalf("IncrRefcount: %v", err)
	}

	v, err := s.DecrRefcount(id)
	if err != nil {
		t.Fatalf("DecrRefcount: %v", err)
	}
	if v != 0 {
		t.Fatalf("refcount = %d, want 0", v)
	}

	// The node's content must still be readable after the refcount
	// hits zero: callers cascading into children (btree's decrement)
	// need it before calling RemoveNode themselves.
	if _, ok := s.nodes[id]; !ok {
		t.Fatal("node was auto-removed on refcount reaching zero")
	}

	if err := s.RemoveNode(id); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if _, ok := s.nodes[id]; ok {
		t.Fatal("RemoveNode did not remove the node")
	}
}

func TestMemoryNodeStoreSetRefcount(t *testing.T) {
	s := NewMemory(4096, 4)
	id := s.NewId()
	if err := s.SetRefcount(id, 5); err != nil {
		t.Fatalf("SetRefcount: %v", err)
	}
	rc, err := s.Refcount(id)
	if err != nil || rc != 5 {
		t.Fatalf("Refcount = %d, %v, want 5, nil", rc, err)
	}
}

func TestMemoryNodeStoreReadOnlyRejectsMutation(t *testing.T) {
	s := NewMemory(4096, 4)
	s.SetReadOnly(true)
	n := larch.NewLeafNode(1, nil, nil)
	if err := s.PutNode(n); err == nil {
		t.Fatal("expected error writing to read-only store")
	}
}

func TestMemoryNodeStoreRefcountOverflow(t *testing.T) {
	s := NewMemory(4096, 4)
	id := s.NewId()
	if err := s.SetRefcount(id, 0xffff); err != nil {
		t.Fatalf("SetRefcount: %v", err)
	}
	if _, err := s.IncrRefcount(id); err == nil {
		t.Fatal("expected refcount overflow error")
	}
}
