// Package refcount implements the bucketed on-disk reference-count
// map described in spec.md §4.3: each node id maps to a 16-bit
// refcount, grouped into fixed-size buckets so that only touched
// buckets need to be loaded or rewritten.
package refcount

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/journal"
	"github.com/obnam-mirror/larch/vfs"
)

// BucketSize is the number of node ids grouped into one bucket file.
const BucketSize = 32768

const dirName = "refcounts"

// Store is a persistent NodeId -> uint16 map. Buckets are lazily
// loaded from disk and cached; dirty buckets are flushed through the
// journal on Flush.
type Store struct {
	fs      vfs.FS
	journal *journal.Journal
	dirname string
	log     *zap.SugaredLogger

	buckets map[uint64][]uint16 // bucket index -> counts
	dirty   map[uint64]bool
}

// New returns a refcount store rooted at dirname, using journal for
// durable writes.
func New(fs vfs.FS, j *journal.Journal, dirname string, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		fs:      fs,
		journal: j,
		dirname: dirname,
		log:     log,
		buckets: make(map[uint64][]uint16),
		dirty:   make(map[uint64]bool),
	}
}

func bucketOf(id larch.NodeId) uint64 {
	return uint64(id) / BucketSize
}

func offsetOf(id larch.NodeId) uint64 {
	return uint64(id) % BucketSize
}

func (s *Store) bucketPath(bucket uint64) string {
	return filepath.Join(s.dirname, dirName, fmt.Sprintf("refcount-%d", bucket))
}

func (s *Store) loadBucket(bucket uint64) ([]uint16, error) {
	if counts, ok := s.buckets[bucket]; ok {
		return counts, nil
	}
	counts := make([]uint16, BucketSize)
	path := s.bucketPath(bucket)
	if s.fs.Exists(path) {
		data, err := s.fs.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "refcount: reading bucket %d", bucket)
		}
		if len(data) != BucketSize*2 {
			return nil, errors.Newf("refcount: bucket %d has wrong size %d", bucket, len(data))
		}
		for i := range counts {
			counts[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
		}
	}
	s.buckets[bucket] = counts
	return counts, nil
}

// Get returns the refcount for id, or 0 if the id has never been
// assigned a nonzero count.
func (s *Store) Get(id larch.NodeId) (uint16, error) {
	counts, err := s.loadBucket(bucketOf(id))
	if err != nil {
		return 0, err
	}
	return counts[offsetOf(id)], nil
}

// Set sets the refcount for id.
func (s *Store) Set(id larch.NodeId, v uint16) error {
	bucket := bucketOf(id)
	counts, err := s.loadBucket(bucket)
	if err != nil {
		return err
	}
	counts[offsetOf(id)] = v
	s.dirty[bucket] = true
	return nil
}

// Incr increments id's refcount by one, failing with
// ErrRefcountOverflow rather than wrapping around.
func (s *Store) Incr(id larch.NodeId) (uint16, error) {
	v, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if v == math.MaxUint16 {
		return 0, larch.RefcountOverflowError(id)
	}
	v++
	if err := s.Set(id, v); err != nil {
		return 0, err
	}
	s.log.Debugw("refcount incremented", "id", id, "new", v)
	return v, nil
}

// Decr decrements id's refcount by one and returns the new value. It
// is an error to decrement a refcount that is already zero.
func (s *Store) Decr(id larch.NodeId) (uint16, error) {
	v, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, errors.Newf("refcount: decrementing node %d already at zero", id)
	}
	v--
	if err := s.Set(id, v); err != nil {
		return 0, err
	}
	s.log.Debugw("refcount decremented", "id", id, "new", v)
	return v, nil
}

// Flush stages every dirty bucket's write (or delete, if the bucket
// became all-zero) through the journal. It does not itself commit the
// journal — that is the caller's (NodeStore's) job, so refcount
// writes land in the same transaction as node writes and metadata.
func (s *Store) Flush() error {
	if len(s.dirty) == 0 {
		return nil
	}
	buckets := make([]uint64, 0, len(s.dirty))
	for b := range s.dirty {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	for _, bucket := range buckets {
		counts := s.buckets[bucket]
		if allZero(counts) {
			s.journal.Remove(s.bucketPath(bucket))
			delete(s.buckets, bucket)
			continue
		}
		data := make([]byte, BucketSize*2)
		for i, c := range counts {
			binary.BigEndian.PutUint16(data[i*2:i*2+2], c)
		}
		s.journal.Write(s.bucketPath(bucket), data)
	}
	s.log.Debugw("flushed refcount buckets", "count", len(buckets))
	s.dirty = make(map[uint64]bool)
	return nil
}

func allZero(counts []uint16) bool {
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}
