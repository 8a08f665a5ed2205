package btree

// Iter yields consecutive (key, value) pairs. ok is false, with key
// and value nil, once the sequence is exhausted.
type Iter interface {
	Next() (key []byte, value []byte, ok bool)
}

type pairIter struct {
	pairs []Pair
	pos   int
}

func (it *pairIter) Next() (key []byte, value []byte, ok bool) {
	if it.pos >= len(it.pairs) {
		return nil, nil, false
	}
	p := it.pairs[it.pos]
	it.pos++
	return p.Key, p.Value, true
}

// RangeIter returns an Iter over every pair with lo <= key <= hi.
// Built on top of LookupRange, which already performs the iterative
// leaf walk; the whole range is collected in memory before the first
// Next call.
func (t *BTree) RangeIter(lo, hi []byte) (Iter, error) {
	pairs, err := t.LookupRange(lo, hi)
	if err != nil {
		return nil, err
	}
	return &pairIter{pairs: pairs}, nil
}
