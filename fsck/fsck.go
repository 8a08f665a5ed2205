// Package fsck implements the consistency checks spec.md §8 asks for:
// reachability, refcounts, leftmost-key ordering, node-size limits,
// index fill bounds, orphaned disk files and last_id monotonicity.
// Grounded on original_source/larch/fsck.py's Fsck/CheckIndexNode/
// CheckRefcounts classes, with the original's generator-of-generators
// work queue replaced by an explicit worklist. When fixing, dangling
// child references are dropped as each index node is walked; refcount
// and orphan repairs are made after the whole forest has been walked.
package fsck

import (
	"bytes"
	"fmt"
	"sort"

	larch "github.com/obnam-mirror/larch"
	"github.com/obnam-mirror/larch/forest"
	"github.com/obnam-mirror/larch/store"
)

// Severity classifies a Problem.
type Severity int

const (
	Warning Severity = iota
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "ERROR"
	}
	return "warning"
}

// Problem is one inconsistency found (and, if Fixed, repaired) by
// Check.
type Problem struct {
	Severity Severity
	Message  string
	Fixed    bool
}

func (p Problem) String() string {
	suffix := ""
	if p.Fixed {
		suffix = " (fixed)"
	}
	return fmt.Sprintf("%s: %s%s", p.Severity, p.Message, suffix)
}

// Check walks every tree in f, verifying all six invariants of
// spec.md §8: reachability and node-size limits (1), index fill
// bounds (2), the leftmost-key invariant (3), refcount correctness
// (4), that every live disk file is reachable and vice versa (5), and
// last_id monotonicity (6). Trees are visited in stable TreeID order
// (forest.Forest.SortedTreeIDs), so output does not depend on slice
// position.
//
// If fix is true, dangling child references are dropped and refcounts
// — including orphaned files with no reachable reference — are
// corrected. Structural violations (oversized nodes, fill bounds,
// leftmost-key mismatches, last_id) are reported but never
// auto-repaired: fixing them means re-splitting or re-merging nodes,
// not flipping a stored count.
func Check(f *forest.Forest, fix bool) ([]Problem, error) {
	s := f.Store()
	seen := make(map[larch.NodeId]uint64)
	var problems []Problem

	for _, id := range f.SortedTreeIDs() {
		t, ok := f.Tree(id)
		if !ok {
			continue
		}
		rootId := t.BTree().RootId()
		if rootId == larch.NoId {
			continue
		}
		firstSeen := seen[rootId] == 0
		seen[rootId]++
		if !firstSeen {
			// A root shared by several trees is walked only once, so
			// its children are not counted again.
			continue
		}

		ps, err := checkIndexTree(s, rootId, seen, fix)
		if err != nil {
			return nil, err
		}
		problems = append(problems, ps...)

		ops, err := CheckOrder(s, rootId)
		if err != nil {
			return nil, err
		}
		problems = append(problems, ops...)
	}

	refProblems, err := checkRefcounts(s, seen, fix)
	if err != nil {
		return nil, err
	}
	problems = append(problems, refProblems...)

	orphanProblems, err := checkOrphans(s, seen, fix)
	if err != nil {
		return nil, err
	}
	problems = append(problems, orphanProblems...)

	lastIdProblems, err := checkLastId(s, seen)
	if err != nil {
		return nil, err
	}
	problems = append(problems, lastIdProblems...)

	if fix {
		if err := f.Commit(); err != nil {
			return nil, err
		}
	}
	return problems, nil
}

// checkIndexTree walks the subtree rooted at rootId, which must be an
// index node, checking every descendant's reachability, node size and
// (for non-root index nodes) fill bounds. Dangling child references
// are reported (and, if fix, dropped); a child's refcount is bumped in
// seen exactly once per reference found, mirroring the original's
// "only recurse into a child the first time it's seen" rule so shared
// subtrees are not walked redundantly.
func checkIndexTree(s store.NodeStore, rootId larch.NodeId, seen map[larch.NodeId]uint64, fix bool) ([]Problem, error) {
	var problems []Problem
	stack := []larch.NodeId{rootId}

	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		isRoot := cur == rootId

		node, err := s.GetNode(cur)
		if err != nil {
			problems = append(problems, Problem{
				Severity: Error,
				Message:  fmt.Sprintf("node %d is missing", cur),
			})
			continue
		}
		idx, ok := node.(*larch.IndexNode)
		if !ok {
			problems = append(problems, Problem{
				Severity: Error,
				Message:  fmt.Sprintf("node %d: expected index node, found leaf", cur),
			})
			continue
		}
		if idx.Len() == 0 {
			problems = append(problems, Problem{
				Severity: Error,
				Message:  fmt.Sprintf("index node %d: no children", cur),
			})
			continue
		}
		problems = append(problems, checkIndexShape(s, idx, isRoot)...)

		keys := idx.Keys()
		children := idx.Children()
		var dropKeys [][]byte
		var dropProblems []int
		for i, childId := range children {
			firstSeen := seen[childId] == 0
			seen[childId]++
			if !firstSeen {
				continue
			}
			child, err := s.GetNode(childId)
			if err != nil {
				dropKeys = append(dropKeys, keys[i])
				problems = append(problems, Problem{
					Severity: Error,
					Message:  fmt.Sprintf("index node %d: child %d is missing", cur, childId),
				})
				dropProblems = append(dropProblems, len(problems)-1)
				continue
			}
			switch c := child.(type) {
			case *larch.IndexNode:
				stack = append(stack, c.Id())
			case *larch.LeafNode:
				problems = append(problems, checkLeafShape(s, c)...)
			}
		}

		if fix && len(dropKeys) > 0 {
			for _, k := range dropKeys {
				idx.Remove(k)
			}
			for _, pi := range dropProblems {
				problems[pi].Fixed = true
			}
			if err := s.PutNode(idx); err != nil {
				return nil, err
			}
		}
	}
	return problems, nil
}

// checkIndexShape reports invariant 1 (node size) and invariant 2
// (index fill bounds) for a single index node. Root is exempt from
// both the node-size bound and the min_index_length floor, per
// spec.md §8 ("root exempt down to 1"); max_index_length still applies
// to the root, since it is a hard ceiling on how many entries fit in
// one node_size block.
func checkIndexShape(s store.NodeStore, idx *larch.IndexNode, isRoot bool) []Problem {
	var problems []Problem
	if !isRoot && idx.EncodedSize() > s.NodeSize() {
		problems = append(problems, Problem{
			Severity: Error,
			Message:  fmt.Sprintf("index node %d: encoded size %d exceeds node_size %d", idx.Id(), idx.EncodedSize(), s.NodeSize()),
		})
	}
	max := s.MaxIndexPairs()
	if idx.Len() > max {
		problems = append(problems, Problem{
			Severity: Error,
			Message:  fmt.Sprintf("index node %d: %d entries exceeds max_index_length %d", idx.Id(), idx.Len(), max),
		})
	}
	if !isRoot {
		if min := minIndexLength(max); idx.Len() < min {
			problems = append(problems, Problem{
				Severity: Warning,
				Message:  fmt.Sprintf("index node %d: %d entries below min_index_length %d", idx.Id(), idx.Len(), min),
			})
		}
	}
	return problems
}

// checkLeafShape reports invariant 1 (node size) for a leaf node.
// Leaves are never tree roots in this design (insert always wraps the
// first leaf in an index node, see btree.insert), so no root exemption
// applies here.
func checkLeafShape(s store.NodeStore, leaf *larch.LeafNode) []Problem {
	if leaf.EncodedSize() > s.NodeSize() {
		return []Problem{{
			Severity: Error,
			Message:  fmt.Sprintf("leaf node %d: encoded size %d exceeds node_size %d", leaf.Id(), leaf.EncodedSize(), s.NodeSize()),
		}}
	}
	return nil
}

// minIndexLength derives the conventional B-tree half-full floor from
// max_index_length. Below 2, there is no meaningful floor below the
// ceiling itself.
func minIndexLength(max int) int {
	if max < 2 {
		return max
	}
	return (max + 1) / 2
}

// checkRefcounts verifies invariant 4: every node found reachable
// during the tree walk must have a stored refcount equal to the
// number of live references actually found.
func checkRefcounts(s store.NodeStore, seen map[larch.NodeId]uint64, fix bool) ([]Problem, error) {
	idsInOrder := make([]larch.NodeId, 0, len(seen))
	for id := range seen {
		idsInOrder = append(idsInOrder, id)
	}
	sort.Slice(idsInOrder, func(i, j int) bool { return idsInOrder[i] < idsInOrder[j] })

	var problems []Problem
	for _, id := range idsInOrder {
		want := seen[id]
		got, err := s.Refcount(id)
		if err != nil {
			return nil, err
		}
		if uint64(got) != want {
			p := Problem{
				Severity: Error,
				Message:  fmt.Sprintf("node %d: refcount is %d but should be %d", id, got, want),
			}
			if fix {
				if err := s.SetRefcount(id, uint16(want)); err != nil {
					return nil, err
				}
				p.Fixed = true
			}
			problems = append(problems, p)
		}
	}
	return problems, nil
}

// checkOrphans verifies the reverse direction of invariant 5: every
// node id the store considers live (refcount > 0, so ListNodeIds
// returns it) must have turned up during the tree walk. An id that
// never turned up is a file on disk with no reachable reference —
// fixing it means dropping the refcount to zero and scheduling the
// file for deletion, not just correcting a count.
func checkOrphans(s store.NodeStore, seen map[larch.NodeId]uint64, fix bool) ([]Problem, error) {
	ids, err := s.ListNodeIds()
	if err != nil {
		return nil, err
	}
	var problems []Problem
	for _, id := range ids {
		if seen[id] > 0 {
			continue
		}
		p := Problem{
			Severity: Warning,
			Message:  fmt.Sprintf("node %d: live on disk but unreachable from any tree", id),
		}
		if fix {
			if err := s.SetRefcount(id, 0); err != nil {
				return nil, err
			}
			if err := s.RemoveNode(id); err != nil {
				return nil, err
			}
			p.Fixed = true
		}
		problems = append(problems, p)
	}
	return problems, nil
}

// checkLastId verifies invariant 6: last_id must be at least as large
// as every node id ever observed, whether still reachable, still
// live-but-orphaned, or found during the walk. Not auto-fixable:
// NodeStore exposes no setter for last_id, since a store only ever
// grows it itself via NewId.
func checkLastId(s store.NodeStore, seen map[larch.NodeId]uint64) ([]Problem, error) {
	ids, err := s.ListNodeIds()
	if err != nil {
		return nil, err
	}
	max := larch.NoId
	for _, id := range ids {
		if id > max {
			max = id
		}
	}
	for id := range seen {
		if id > max {
			max = id
		}
	}
	if max > s.LastId() {
		return []Problem{{
			Severity: Error,
			Message:  fmt.Sprintf("last_id %d is less than observed node id %d", s.LastId(), max),
		}}, nil
	}
	return nil, nil
}

// CheckOrder verifies the leftmost-key invariant directly (spec.md §8,
// invariant 3: every index entry's key must equal its child's first
// key), walking the tree rooted at rootId without consulting or
// mutating refcounts.
func CheckOrder(s store.NodeStore, rootId larch.NodeId) ([]Problem, error) {
	if rootId == larch.NoId {
		return nil, nil
	}
	var problems []Problem
	stack := []larch.NodeId{rootId}
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]

		node, err := s.GetNode(cur)
		if err != nil {
			return nil, err
		}
		idx, ok := node.(*larch.IndexNode)
		if !ok {
			continue
		}
		keys := idx.Keys()
		children := idx.Children()
		for i, childId := range children {
			child, err := s.GetNode(childId)
			if err != nil {
				problems = append(problems, Problem{Severity: Error, Message: fmt.Sprintf("child %d missing", childId)})
				continue
			}
			if !bytes.Equal(child.FirstKey(), keys[i]) {
				problems = append(problems, Problem{
					Severity: Error,
					Message:  fmt.Sprintf("index node %d: entry key disagrees with child %d's first key", cur, childId),
				})
			}
			if childIdx, ok := child.(*larch.IndexNode); ok {
				stack = append(stack, childIdx.Id())
			}
		}
	}
	return problems, nil
}
