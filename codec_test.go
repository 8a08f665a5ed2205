package larch

import (
	"bytes"
	"testing"
)

func TestCodecLeafRoundTrip(t *testing.T) {
	codec := NewNodeCodec(4)
	n := NewLeafNode(7,
		[][]byte{[]byte("aaaa"), []byte("bbbb")},
		[][]byte{[]byte("value-one"), []byte("value-two")})

	buf := codec.Encode(n)
	decoded, err := codec.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	leaf, ok := decoded.(*LeafNode)
	if !ok {
		t.Fatalf("decoded as %T, want *LeafNode", decoded)
	}
	if leaf.Id() != 7 {
		t.Fatalf("Id() = %d, want 7", leaf.Id())
	}
	keys, values := leaf.Pairs()
	if len(keys) != 2 || !bytes.Equal(keys[0], []byte("aaaa")) || !bytes.Equal(values[1], []byte("value-two")) {
		t.Fatalf("round trip mismatch: keys=%v values=%v", keys, values)
	}
}

func TestCodecIndexRoundTrip(t *testing.T) {
	codec := NewNodeCodec(2)
	n := NewIndexNode(9, [][]byte{[]byte("aa"), []byte("bb")}, []NodeId{100, 200})

	buf := codec.Encode(n)
	decoded, err := codec.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	idx, ok := decoded.(*IndexNode)
	if !ok {
		t.Fatalf("decoded as %T, want *IndexNode", decoded)
	}
	if idx.Id() != 9 {
		t.Fatalf("Id() = %d, want 9", idx.Id())
	}
	if idx.ChildFor([]byte("aa")) != 100 || idx.ChildFor([]byte("bb")) != 200 {
		t.Fatalf("decoded children wrong: %v", idx.Children())
	}
}

func TestCodecDecodeRejectsCorruptBuffer(t *testing.T) {
	codec := NewNodeCodec(4)
	if _, err := codec.Decode([]byte("junk")); err == nil {
		t.Fatal("expected error decoding unknown magic")
	}
	if _, err := codec.Decode([]byte{1, 2}); err == nil {
		t.Fatal("expected error decoding short buffer")
	}
}

func TestCodecMaxIndexPairs(t *testing.T) {
	codec := NewNodeCodec(8)
	max := codec.MaxIndexPairs(4096)
	if max <= 0 {
		t.Fatalf("MaxIndexPairs = %d, want positive", max)
	}
	n := NewIndexNode(1, nil, nil)
	for i := 0; i < max; i++ {
		var key [8]byte
		key[0] = byte(i)
		key[1] = byte(i >> 8)
		n.Add(key[:], NodeId(i+1))
	}
	if n.EncodedSize() > 4096 {
		t.Fatalf("EncodedSize() = %d at MaxIndexPairs, want <= 4096", n.EncodedSize())
	}
}
