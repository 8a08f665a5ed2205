package refcount

import (
	"testing"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/journal"
	"github.com/obnam-mirror/larch/vfs"
)

func newTestStore() (*Store, *journal.Journal, vfs.FS) {
	fs := vfs.NewMemFS()
	j := journal.New(fs, "/forest", nil)
	j.Open(false)
	return New(fs, j, "/forest", nil), j, fs
}

func TestRefcountGetDefaultsToZero(t *testing.T) {
	s, _, _ := newTestStore()
	v, err := s.Get(42)
	if err != nil || v != 0 {
		t.Fatalf("Get(42) = %d, %v, want 0, nil", v, err)
	}
}

func TestRefcountIncrDecr(t *testing.T) {
	s, _, _ := newTestStore()
	if v, err := s.Incr(1); err != nil || v != 1 {
		t.Fatalf("Incr = %d, %v, want 1, nil", v, err)
	}
	if v, err := s.Incr(1); err != nil || v != 2 {
		t.Fatalf("Incr = %d, %v, want 2, nil", v, err)
	}
	if v, err := s.Decr(1); err != nil || v != 1 {
		t.Fatalf("Decr = %d, %v, want 1, nil", v, err)
	}
}

func TestRefcountDecrBelowZeroErrors(t *testing.T) {
	s, _, _ := newTestStore()
	if _, err := s.Decr(1); err == nil {
		t.Fatal("expected error decrementing a zero refcount")
	}
}

func TestRefcountIncrOverflow(t *testing.T) {
	s, _, _ := newTestStore()
	if err := s.Set(1, 0xffff); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := s.Incr(1); err == nil {
		t.Fatal("expected refcount overflow error")
	}
}

func TestRefcountFlushPersistsAndAllZeroBucketIsDeleted(t *testing.T) {
	fs := vfs.NewMemFS()
	j := journal.New(fs, "/forest", nil)
	j.Open(false)
	s := New(fs, j, "/forest", nil)

	if _, err := s.Incr(5); err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := j.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !fs.Exists(s.bucketPath(bucketOf(5))) {
		t.Fatal("bucket file not written after flush+commit")
	}

	// Reopen fresh and bring the count back to zero; the bucket file
	// should be removed rather than rewritten as all-zero.
	s2 := New(fs, j, "/forest", nil)
	if _, err := s2.Decr(5); err != nil {
		t.Fatalf("Decr: %v", err)
	}
	if err := s2.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := j.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if fs.Exists(s2.bucketPath(bucketOf(5))) {
		t.Fatal("all-zero bucket should have been deleted, not rewritten")
	}
}

func TestRefcountBucketBoundary(t *testing.T) {
	low := larch.NodeId(BucketSize - 1)
	high := larch.NodeId(BucketSize)
	if bucketOf(low) == bucketOf(high) {
		t.Fatal("ids on either side of BucketSize should land in different buckets")
	}
	if offsetOf(high) != 0 {
		t.Fatalf("offsetOf(BucketSize) = %d, want 0", offsetOf(high))
	}
}
