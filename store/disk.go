package store

import (
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/journal"
	"github.com/obnam-mirror/larch/lru"
	"github.com/obnam-mirror/larch/refcount"
	"github.com/obnam-mirror/larch/vfs"
)

// Options configures a DiskNodeStore. NodeSize and KeySize are
// required when dirname has no existing metadata file. On reopen the
// stored values win: a differing NodeSize is logged and ignored (an
// Open Question spec.md resolves in favor of keeping the on-disk
// node_size), while a differing non-zero KeySize is rejected.
type Options struct {
	NodeSize        int
	KeySize         int
	ReadOnly        bool
	UploadQueueSize int
	ReadCacheSize   int
}

// DiskNodeStore is the disk-backed NodeStore: nodes live under
// dirname/nodes/<sharded-path>, refcounts under dirname/refcounts/,
// metadata at dirname/metadata, all made durable via a shared Journal
// (spec.md §4.5).
type DiskNodeStore struct {
	fs      vfs.FS
	dirname string
	journal *journal.Journal
	refs    *refcount.Store
	log     *zap.SugaredLogger
	codec   larch.NodeCodec

	nodeSize int
	keySize  int
	lastId   larch.NodeId
	rootIds  []larch.NodeId
	metadata map[string]string

	readCache   *lru.Cache[larch.NodeId, larch.Node]
	uploadQueue *lru.Cache[larch.NodeId, larch.Node]
	deletes     map[larch.NodeId]bool

	readOnly bool
}

// Open opens or creates a disk node store at dirname. It recovers the
// journal (replay or rollback) before reading metadata, so a crashed
// prior session is resolved first.
func Open(fs vfs.FS, dirname string, opts Options, log *zap.SugaredLogger) (*DiskNodeStore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.UploadQueueSize <= 0 {
		opts.UploadQueueSize = DefaultUploadQueueSize
	}
	if opts.ReadCacheSize <= 0 {
		opts.ReadCacheSize = DefaultReadCacheSize
	}

	j := journal.New(fs, dirname, log)
	if err := j.Open(opts.ReadOnly); err != nil {
		return nil, err
	}

	s := &DiskNodeStore{
		fs:       fs,
		dirname:  dirname,
		journal:  j,
		log:      log,
		readOnly: opts.ReadOnly,
		deletes:  make(map[larch.NodeId]bool),
	}
	s.refs = refcount.New(fs, j, dirname, log)

	metaPath := filepath.Join(dirname, metadataName)
	if fs.Exists(metaPath) {
		data, err := fs.ReadFile(metaPath)
		if err != nil {
			return nil, errors.Wrap(err, "store: reading metadata")
		}
		meta, err := decodeMetadata(data)
		if err != nil {
			return nil, err
		}
		if meta[metaFormat] != formatVersion {
			return nil, larch.FormatProblemError("unknown format " + meta[metaFormat])
		}
		keySize, err := parseUint(meta[metaKeySize], metaKeySize)
		if err != nil {
			return nil, larch.FormatProblemError(err.Error())
		}
		if opts.KeySize != 0 && opts.KeySize != keySize {
			return nil, larch.FormatProblemError("forest opened with key_size mismatch")
		}
		nodeSize, err := parseUint(meta[metaNodeSize], metaNodeSize)
		if err != nil {
			return nil, larch.FormatProblemError(err.Error())
		}
		if opts.NodeSize != 0 && opts.NodeSize != nodeSize {
			log.Warnw("node_size mismatch on reopen, keeping stored value",
				"stored", nodeSize, "requested", opts.NodeSize)
		}
		lastId, err := parseUint(meta[metaLastId], metaLastId)
		if err != nil {
			return nil, larch.FormatProblemError(err.Error())
		}
		rootIds, err := parseRootIds(meta[metaRootIds])
		if err != nil {
			return nil, larch.FormatProblemError(err.Error())
		}
		s.keySize = keySize
		s.nodeSize = nodeSize
		s.lastId = larch.NodeId(lastId)
		s.rootIds = rootIds
		s.metadata = meta
	} else {
		if opts.ReadOnly {
			return nil, larch.FormatProblemError("forest does not exist: " + dirname)
		}
		if opts.NodeSize == 0 || opts.KeySize == 0 {
			return nil, larch.FormatProblemError("new forest requires node_size and key_size")
		}
		s.keySize = opts.KeySize
		s.nodeSize = opts.NodeSize
		s.metadata = make(map[string]string)
	}

	s.codec = larch.NewNodeCodec(s.keySize)
	s.readCache = lru.New[larch.NodeId, larch.Node](opts.ReadCacheSize)
	s.uploadQueue = lru.New[larch.NodeId, larch.Node](opts.UploadQueueSize)
	s.uploadQueue.OnEvict = func(id larch.NodeId, n larch.Node) {
		s.stageNodeWrite(n)
	}
	return s, nil
}

func (s *DiskNodeStore) nodePath(id larch.NodeId) string {
	return idToPath(s.dirname, id)
}

func (s *DiskNodeStore) stageNodeWrite(n larch.Node) {
	if n.EncodedSize() > s.nodeSize {
		s.log.Errorw("encoding node larger than node_size", "id", n.Id(), "size", n.EncodedSize(), "node_size", s.nodeSize)
	}
	s.journal.Write(s.nodePath(n.Id()), s.codec.Encode(n))
}

func (s *DiskNodeStore) NewId() larch.NodeId {
	s.lastId++
	return s.lastId
}

func (s *DiskNodeStore) GetNode(id larch.NodeId) (larch.Node, error) {
	if s.deletes[id] {
		return nil, larch.NodeMissingError(id, nil)
	}
	if n, ok := s.readCache.Get(id); ok {
		return n, nil
	}
	if n, ok := s.uploadQueue.Get(id); ok {
		return n, nil
	}
	rc, err := s.refs.Get(id)
	if err != nil {
		return nil, err
	}
	if rc == 0 {
		return nil, larch.NodeMissingError(id, nil)
	}
	path := s.nodePath(id)
	if !s.fs.Exists(path) {
		return nil, larch.NodeMissingError(id, nil)
	}
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, larch.NodeMissingError(id, err)
	}
	n, err := s.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	s.readCache.Add(id, n)
	return n, nil
}

func (s *DiskNodeStore) PutNode(n larch.Node) error {
	if s.readOnly {
		return larch.ErrReadOnly
	}
	delete(s.deletes, n.Id())
	s.readCache.Remove(n.Id())
	s.uploadQueue.Add(n.Id(), n)
	return nil
}

func (s *DiskNodeStore) RemoveNode(id larch.NodeId) error {
	if s.readOnly {
		return larch.ErrReadOnly
	}
	s.uploadQueue.Remove(id)
	s.readCache.Remove(id)
	s.deletes[id] = true
	return nil
}

func (s *DiskNodeStore) ListNodeIds() ([]larch.NodeId, error) {
	files, err := s.fs.Walk(filepath.Join(s.dirname, nodesDir))
	if err != nil {
		return nil, errors.Wrap(err, "store: listing node ids")
	}
	seen := make(map[larch.NodeId]bool)
	for _, f := range files {
		id, err := pathToId(s.dirname, f)
		if err != nil {
			continue
		}
		seen[id] = true
	}
	for _, id := range s.uploadQueue.Keys() {
		seen[id] = true
	}
	for id := range s.deletes {
		delete(seen, id)
	}
	ids := make([]larch.NodeId, 0, len(seen))
	for id := range seen {
		rc, err := s.refs.Get(id)
		if err != nil {
			return nil, err
		}
		if rc > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *DiskNodeStore) Refcount(id larch.NodeId) (uint16, error) { return s.refs.Get(id) }
func (s *DiskNodeStore) IncrRefcount(id larch.NodeId) (uint16, error) {
	v, err := s.refs.Incr(id)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// DecrRefcount decrements id's refcount and returns the new value. It
// does NOT remove the node when the count reaches zero: callers that
// need to cascade into a removed node's children (btree's decrement)
// must read the node before it disappears, so removal is their
// explicit responsibility via RemoveNode.
func (s *DiskNodeStore) DecrRefcount(id larch.NodeId) (uint16, error) {
	return s.refs.Decr(id)
}

// SetRefcount forces id's refcount to v, used by btree to pin a new
// root at 1 and to temporarily protect a child during height
// reduction.
func (s *DiskNodeStore) SetRefcount(id larch.NodeId, v uint16) error {
	return s.refs.Set(id, v)
}

// Commit flushes the upload queue and refcount store through the
// journal, rewrites metadata, then commits the journal (spec.md §4.7).
func (s *DiskNodeStore) Commit() error {
	if s.readOnly {
		return larch.ErrReadOnly
	}
	s.uploadQueue.Drain()

	paths := make([]string, 0, len(s.deletes))
	for id := range s.deletes {
		paths = append(paths, s.nodePath(id))
	}
	sort.Strings(paths)
	for _, p := range paths {
		s.journal.Remove(p)
	}
	s.deletes = make(map[larch.NodeId]bool)

	if err := s.refs.Flush(); err != nil {
		return err
	}

	s.metadata[metaFormat] = formatVersion
	s.metadata[metaNodeSize] = strconv.Itoa(s.nodeSize)
	s.metadata[metaKeySize] = strconv.Itoa(s.keySize)
	s.metadata[metaLastId] = strconv.FormatUint(uint64(s.lastId), 10)
	s.metadata[metaRootIds] = formatRootIds(s.rootIds)
	s.journal.Write(filepath.Join(s.dirname, metadataName), encodeMetadata(s.metadata))

	if err := s.journal.Commit(); err != nil {
		return err
	}
	s.log.Infow("committed", "last_id", s.lastId, "roots", len(s.rootIds))
	return nil
}

func (s *DiskNodeStore) NodeSize() int { return s.nodeSize }
func (s *DiskNodeStore) KeySize() int  { return s.keySize }
func (s *DiskNodeStore) MaxValueSize() int {
	return maxValueSize(s.nodeSize, s.keySize)
}
func (s *DiskNodeStore) MaxIndexPairs() int {
	return s.codec.MaxIndexPairs(s.nodeSize)
}

func (s *DiskNodeStore) RootIds() []larch.NodeId { return s.rootIds }
func (s *DiskNodeStore) SetRootIds(ids []larch.NodeId) {
	s.rootIds = ids
}
func (s *DiskNodeStore) LastId() larch.NodeId { return s.lastId }

func (s *DiskNodeStore) SetMetadata(key, value string) error {
	if isReservedMetaKey(key) {
		return larch.FormatProblemError("metadata key is reserved: " + key)
	}
	s.metadata[key] = value
	return nil
}

func (s *DiskNodeStore) GetMetadata(key string) (string, bool, error) {
	v, ok := s.metadata[key]
	return v, ok, nil
}

func (s *DiskNodeStore) RemoveMetadata(key string) error {
	if isReservedMetaKey(key) {
		return larch.FormatProblemError("metadata key is reserved: " + key)
	}
	delete(s.metadata, key)
	return nil
}

func (s *DiskNodeStore) MetadataKeys() ([]string, error) {
	keys := make([]string, 0, len(s.metadata))
	for k := range s.metadata {
		if isReservedMetaKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *DiskNodeStore) ReadOnly() bool { return s.readOnly }

func isReservedMetaKey(key string) bool {
	switch key {
	case metaFormat, metaNodeSize, metaKeySize, metaLastId, metaRootIds:
		return true
	default:
		return false
	}
}
