package store

import (
	"sort"

	larch "github.com/obnam-mirror/larch"
)

// MemoryNodeStore is a NodeStore backed entirely by in-process maps:
// no journal, no disk, no caches. It satisfies the same contract as
// DiskNodeStore for unit tests and small, throwaway forests.
type MemoryNodeStore struct {
	nodeSize int
	keySize  int

	nodes     map[larch.NodeId]larch.Node
	refcounts map[larch.NodeId]uint16
	metadata  map[string]string
	lastId    larch.NodeId
	rootIds   []larch.NodeId
	readOnly  bool
}

// NewMemory returns an empty in-memory node store.
func NewMemory(nodeSize, keySize int) *MemoryNodeStore {
	return &MemoryNodeStore{
		nodeSize:  nodeSize,
		keySize:   keySize,
		nodes:     make(map[larch.NodeId]larch.Node),
		refcounts: make(map[larch.NodeId]uint16),
		metadata:  make(map[string]string),
	}
}

func (s *MemoryNodeStore) NewId() larch.NodeId {
	s.lastId++
	return s.lastId
}

func (s *MemoryNodeStore) GetNode(id larch.NodeId) (larch.Node, error) {
	if s.refcounts[id] == 0 {
		return nil, larch.NodeMissingError(id, nil)
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, larch.NodeMissingError(id, nil)
	}
	return n, nil
}

func (s *MemoryNodeStore) PutNode(n larch.Node) error {
	if s.readOnly {
		return larch.ErrReadOnly
	}
	s.nodes[n.Id()] = n
	return nil
}

func (s *MemoryNodeStore) RemoveNode(id larch.NodeId) error {
	if s.readOnly {
		return larch.ErrReadOnly
	}
	delete(s.nodes, id)
	return nil
}

func (s *MemoryNodeStore) ListNodeIds() ([]larch.NodeId, error) {
	ids := make([]larch.NodeId, 0, len(s.nodes))
	for id, rc := range s.refcounts {
		if rc > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryNodeStore) Refcount(id larch.NodeId) (uint16, error) {
	return s.refcounts[id], nil
}

func (s *MemoryNodeStore) IncrRefcount(id larch.NodeId) (uint16, error) {
	if s.refcounts[id] == 1<<16-1 {
		return 0, larch.RefcountOverflowError(id)
	}
	s.refcounts[id]++
	return s.refcounts[id], nil
}

// DecrRefcount decrements id's refcount and returns the new value. It
// does NOT remove the node when the count reaches zero: callers that
// need to cascade into a removed node's children (btree's decrement)
// must read the node before it disappears, so removal is their
// explicit responsibility via RemoveNode.
func (s *MemoryNodeStore) DecrRefcount(id larch.NodeId) (uint16, error) {
	if s.refcounts[id] == 0 {
		return 0, larch.CorruptNodeError("decrementing refcount already at zero")
	}
	s.refcounts[id]--
	return s.refcounts[id], nil
}

// SetRefcount forces id's refcount to v, used by btree to pin a new
// root at 1 and to temporarily protect a child during height
// reduction.
func (s *MemoryNodeStore) SetRefcount(id larch.NodeId, v uint16) error {
	s.refcounts[id] = v
	return nil
}

func (s *MemoryNodeStore) Commit() error { return nil }

func (s *MemoryNodeStore) NodeSize() int { return s.nodeSize }
func (s *MemoryNodeStore) KeySize() int  { return s.keySize }
func (s *MemoryNodeStore) MaxValueSize() int {
	return maxValueSize(s.nodeSize, s.keySize)
}
func (s *MemoryNodeStore) MaxIndexPairs() int {
	return larch.NewNodeCodec(s.keySize).MaxIndexPairs(s.nodeSize)
}

func (s *MemoryNodeStore) RootIds() []larch.NodeId { return s.rootIds }
func (s *MemoryNodeStore) SetRootIds(ids []larch.NodeId) {
	s.rootIds = ids
}
func (s *MemoryNodeStore) LastId() larch.NodeId { return s.lastId }

func (s *MemoryNodeStore) SetMetadata(key, value string) error {
	s.metadata[key] = value
	return nil
}
func (s *MemoryNodeStore) GetMetadata(key string) (string, bool, error) {
	v, ok := s.metadata[key]
	return v, ok, nil
}
func (s *MemoryNodeStore) RemoveMetadata(key string) error {
	delete(s.metadata, key)
	return nil
}
func (s *MemoryNodeStore) MetadataKeys() ([]string, error) {
	keys := make([]string, 0, len(s.metadata))
	for k := range s.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryNodeStore) ReadOnly() bool { return s.readOnly }

// SetReadOnly flips the store into (or out of) read-only mode, used by
// tests that exercise ErrReadOnly.
func (s *MemoryNodeStore) SetReadOnly(ro bool) { s.readOnly = ro }
