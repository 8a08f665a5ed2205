package larch

import (
	"encoding/binary"
)

var (
	leafMagic  = [4]byte{'O', 'R', 'B', 'L'}
	indexMagic = [4]byte{'O', 'R', 'B', 'I'}
)

const (
	// headerSize is the size of the common magic+id+count header
	// shared by both node formats.
	headerSize = 4 + 8 + 4
	// leafValueLenSize is the per-pair value-length field.
	leafValueLenSize = 4
	// indexChildIdSize is the per-entry child-id field.
	indexChildIdSize = 8
)

// NodeCodec encodes and decodes nodes to/from the fixed-format byte
// blocks described in spec.md §4.1. It is parameterized only by the
// forest-wide key size, and holds no other state, so it is cheap to
// construct on demand (nodes cache their own encoded size; the codec
// is the pure function that computes or updates it).
type NodeCodec struct {
	KeySize int
}

// NewNodeCodec returns a codec for the given key size.
func NewNodeCodec(keySize int) NodeCodec {
	return NodeCodec{KeySize: keySize}
}

// HeaderSize returns the common magic+id+count header size shared by
// both node formats, used by NodeStore to derive max_value_size.
func (c NodeCodec) HeaderSize() int {
	return headerSize
}

func (c NodeCodec) leafPairFixedSize() int {
	return c.KeySize + leafValueLenSize
}

func (c NodeCodec) indexPairSize() int {
	return c.KeySize + indexChildIdSize
}

// LeafPairSize returns the encoded size contribution of one (key,
// value) pair, used by BTree to pick a byte-size-based leaf split
// point.
func (c NodeCodec) LeafPairSize(value []byte) int {
	return c.leafPairFixedSize() + len(value)
}

// MaxIndexPairs returns how many index entries fit in a node of the
// given size.
func (c NodeCodec) MaxIndexPairs(nodeSize int) int {
	return (nodeSize - headerSize) / c.indexPairSize()
}

func (c NodeCodec) leafSize(pairs []leafPair) int {
	total := headerSize
	for _, p := range pairs {
		total += c.leafPairFixedSize() + len(p.value)
	}
	return total
}

func (c NodeCodec) leafSizeDeltaAdd(oldSize int, value []byte) int {
	return oldSize + c.leafPairFixedSize() + len(value)
}

func (c NodeCodec) leafSizeDeltaReplace(oldSize int, oldValue, newValue []byte) int {
	return oldSize + len(newValue) - len(oldValue)
}

func (c NodeCodec) indexSize(numEntries int) int {
	return headerSize + c.indexPairSize()*numEntries
}

// Size returns the encoded size of any node, using its cache.
func (c NodeCodec) Size(n Node) int {
	return n.EncodedSize()
}

// EncodeLeaf serializes a leaf node.
func (c NodeCodec) EncodeLeaf(n *LeafNode) []byte {
	keys, values := n.Pairs()
	buf := make([]byte, 0, n.EncodedSize())
	buf = append(buf, leafMagic[:]...)
	buf = appendU64(buf, uint64(n.id))
	buf = appendU32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = append(buf, k...)
	}
	for _, v := range values {
		buf = appendU32(buf, uint32(len(v)))
	}
	for _, v := range values {
		buf = append(buf, v...)
	}
	return buf
}

// EncodeIndex serializes an index node.
func (c NodeCodec) EncodeIndex(n *IndexNode) []byte {
	keys := n.Keys()
	children := n.Children()
	buf := make([]byte, 0, n.EncodedSize())
	buf = append(buf, indexMagic[:]...)
	buf = appendU64(buf, uint64(n.id))
	buf = appendU32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = append(buf, k...)
	}
	for _, id := range children {
		buf = appendU64(buf, uint64(id))
	}
	return buf
}

// Encode serializes a node of either type.
func (c NodeCodec) Encode(n Node) []byte {
	switch v := n.(type) {
	case *LeafNode:
		return c.EncodeLeaf(v)
	case *IndexNode:
		return c.EncodeIndex(v)
	default:
		panic("larch: unknown node type")
	}
}

// Decode parses a node of either type from its encoded form.
func (c NodeCodec) Decode(buf []byte) (Node, error) {
	if len(buf) < 4 {
		return nil, CorruptNodeError("buffer shorter than magic cookie")
	}
	switch {
	case bytesEqualMagic(buf, leafMagic):
		return c.decodeLeaf(buf)
	case bytesEqualMagic(buf, indexMagic):
		return c.decodeIndex(buf)
	default:
		return nil, CorruptNodeError("unknown magic cookie")
	}
}

func bytesEqualMagic(buf []byte, magic [4]byte) bool {
	return buf[0] == magic[0] && buf[1] == magic[1] && buf[2] == magic[2] && buf[3] == magic[3]
}

func (c NodeCodec) decodeLeaf(buf []byte) (*LeafNode, error) {
	if len(buf) < headerSize {
		return nil, CorruptNodeError("leaf header truncated")
	}
	id := NodeId(binary.BigEndian.Uint64(buf[4:12]))
	if id == NoId {
		return nil, CorruptNodeError("decoded leaf has id 0")
	}
	count := int(binary.BigEndian.Uint32(buf[12:16]))
	offset := headerSize
	keysEnd := offset + count*c.KeySize
	if keysEnd > len(buf) {
		return nil, CorruptNodeError("leaf keys overrun buffer")
	}
	keys := make([][]byte, count)
	for i := 0; i < count; i++ {
		keys[i] = buf[offset : offset+c.KeySize]
		offset += c.KeySize
	}
	lengthsEnd := offset + count*leafValueLenSize
	if lengthsEnd > len(buf) {
		return nil, CorruptNodeError("leaf value lengths overrun buffer")
	}
	lengths := make([]int, count)
	for i := 0; i < count; i++ {
		lengths[i] = int(binary.BigEndian.Uint32(buf[offset : offset+4]))
		offset += 4
	}
	values := make([][]byte, count)
	for i, l := range lengths {
		if offset+l > len(buf) {
			return nil, CorruptNodeError("leaf values overrun buffer")
		}
		values[i] = buf[offset : offset+l]
		offset += l
	}
	n := NewLeafNode(id, keys, values)
	n.size = len(buf[:offset])
	return n, nil
}

func (c NodeCodec) decodeIndex(buf []byte) (*IndexNode, error) {
	if len(buf) < headerSize {
		return nil, CorruptNodeError("index header truncated")
	}
	id := NodeId(binary.BigEndian.Uint64(buf[4:12]))
	if id == NoId {
		return nil, CorruptNodeError("decoded index has id 0")
	}
	count := int(binary.BigEndian.Uint32(buf[12:16]))
	offset := headerSize
	keysEnd := offset + count*c.KeySize
	if keysEnd > len(buf) {
		return nil, CorruptNodeError("index keys overrun buffer")
	}
	keys := make([][]byte, count)
	for i := 0; i < count; i++ {
		keys[i] = buf[offset : offset+c.KeySize]
		offset += c.KeySize
	}
	childrenEnd := offset + count*indexChildIdSize
	if childrenEnd > len(buf) {
		return nil, CorruptNodeError("index children overrun buffer")
	}
	children := make([]NodeId, count)
	for i := 0; i < count; i++ {
		children[i] = NodeId(binary.BigEndian.Uint64(buf[offset : offset+8]))
		offset += 8
	}
	n := NewIndexNode(id, keys, children)
	n.size = offset
	return n, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
