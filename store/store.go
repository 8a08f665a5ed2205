// Package store implements the NodeStore contract of spec.md §4.5: a
// memory-backed variant for tests and small forests, and a disk-backed
// variant with an LRU read cache, an LRU upload queue, and journaled
// persistence of nodes, refcounts and metadata.
package store

import (
	larch "github.com/obnam-mirror/larch"
)

// DefaultUploadQueueSize and DefaultReadCacheSize are the defaults
// named in spec.md §4.5 ("default ≥ 1024" and "default 500").
const (
	DefaultUploadQueueSize = 1024
	DefaultReadCacheSize   = 500
)

// NodeStore is the capability set BTree and Forest are polymorphic
// over (spec.md §9, "dynamic dispatch -> interface abstraction").
type NodeStore interface {
	// NewId allocates and returns the next node id, bumping last_id.
	NewId() larch.NodeId

	// GetNode returns the node for id, reading through the read cache
	// and upload queue before falling back to on-disk decode. Fails
	// with ErrNodeMissing if refcount is zero or storage has no file.
	GetNode(id larch.NodeId) (larch.Node, error)

	// PutNode marks a node dirty and parks it in the upload queue,
	// replacing any existing queue entry for the same id in place.
	PutNode(n larch.Node) error

	// RemoveNode drops id from the upload queue if present, else
	// schedules it for deletion at the next commit.
	RemoveNode(id larch.NodeId) error

	// ListNodeIds enumerates every live (refcount > 0) node id.
	ListNodeIds() ([]larch.NodeId, error)

	// Refcount returns id's current refcount (0 if never assigned).
	Refcount(id larch.NodeId) (uint16, error)
	// IncrRefcount increments id's refcount, failing with
	// ErrRefcountOverflow rather than wrapping.
	IncrRefcount(id larch.NodeId) (uint16, error)
	// DecrRefcount decrements id's refcount. It never removes the node
	// itself: a caller whose decrement drops the count to zero is
	// responsible for reading the node (if it must cascade into its
	// children) and calling RemoveNode explicitly.
	DecrRefcount(id larch.NodeId) (uint16, error)
	// SetRefcount forces id's refcount to an exact value, used by BTree
	// to pin a new root at 1 and to temporarily protect a node during
	// tree-height reduction.
	SetRefcount(id larch.NodeId, v uint16) error

	// Commit flushes the upload queue and the refcount store through
	// the journal, then rewrites metadata, then commits the journal.
	Commit() error

	// NodeSize, KeySize, MaxValueSize and MaxIndexPairs are the
	// structural parameters a BTree needs; MaxValueSize and
	// MaxIndexPairs are derived from NodeSize/KeySize rather than
	// free constants, so a store reopened with a different node_size
	// recomputes them consistently (SPEC_FULL.md supplement #2).
	NodeSize() int
	KeySize() int
	MaxValueSize() int
	MaxIndexPairs() int

	// RootIds and SetRootIds let Forest persist which node ids are
	// tree roots across commits.
	RootIds() []larch.NodeId
	SetRootIds(ids []larch.NodeId)

	// LastId returns the highest id ever allocated.
	LastId() larch.NodeId

	// SetMetadata/GetMetadata/RemoveMetadata/MetadataKeys expose the
	// general key/value metadata facility beyond the five reserved
	// structural keys (SPEC_FULL.md supplement #1).
	SetMetadata(key, value string) error
	GetMetadata(key string) (string, bool, error)
	RemoveMetadata(key string) error
	MetadataKeys() ([]string, error)

	// ReadOnly reports whether the store rejects mutation.
	ReadOnly() bool
}

// maxValueSize derives the per-store value size limit from node_size,
// mirroring NodeStore.__init__'s `node_size/2 - codec.leaf_header.size`.
func maxValueSize(nodeSize, keySize int) int {
	codec := larch.NewNodeCodec(keySize)
	limit := nodeSize/2 - codec.HeaderSize()
	if limit < 0 {
		limit = 0
	}
	return limit
}
