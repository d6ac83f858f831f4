package diff

import "pagespace/history/internal/content"

type OpKind int

const (
	// OpKeep pairs a section present in both versions at a stable position.
	OpKeep OpKind = iota
	// OpDelete is a section only in the first version.
	OpDelete
	// OpInsert is a section only in the second version.
	OpInsert
	// OpMoveFrom marks where a relocated section sat in the first version.
	OpMoveFrom
	// OpMoveTo marks where a relocated section sits in the second version.
	OpMoveTo
)

// Op refers to sections by index; A or B is -1 when the op has no side
// there.
type Op struct {
	Kind OpKind
	A    int
	B    int
}

// Align matches sections of a and b by ID. The matched sections that keep
// their relative order form a longest common subsequence; since IDs are
// unique it is found as a longest increasing subsequence of a-positions
// taken in b order. Every other matched section is reported as a move.
//
// The ops list b in order. Sections only in a, and move origins, follow
// the anchor they came after in a.
func Align(a, b []content.Section) []Op {
	posA := make(map[string]int, len(a))
	for i, s := range a {
		posA[s.ID] = i
	}
	posB := make(map[string]int, len(b))
	for j, s := range b {
		posB[s.ID] = j
	}

	type pair struct{ i, j int }
	matched := make([]pair, 0, len(b))
	for j, s := range b {
		if i, ok := posA[s.ID]; ok {
			matched = append(matched, pair{i: i, j: j})
		}
	}
	keys := make([]int, len(matched))
	for k, p := range matched {
		keys[k] = p.i
	}
	anchored := make(map[int]bool, len(matched))
	for _, k := range longestIncreasing(keys) {
		anchored[matched[k].i] = true
	}

	ops := make([]Op, 0, len(a)+len(b))
	next := 0
	flush := func() {
		for ; next < len(a) && !anchored[next]; next++ {
			if j, ok := posB[a[next].ID]; ok {
				ops = append(ops, Op{Kind: OpMoveFrom, A: next, B: j})
			} else {
				ops = append(ops, Op{Kind: OpDelete, A: next, B: -1})
			}
		}
	}
	flush()
	for j, s := range b {
		i, ok := posA[s.ID]
		switch {
		case !ok:
			ops = append(ops, Op{Kind: OpInsert, A: -1, B: j})
		case anchored[i]:
			ops = append(ops, Op{Kind: OpKeep, A: i, B: j})
			next = i + 1
			flush()
		default:
			ops = append(ops, Op{Kind: OpMoveTo, A: i, B: j})
		}
	}
	return ops
}

// longestIncreasing returns the indexes of one longest strictly increasing
// subsequence of keys, in order.
func longestIncreasing(keys []int) []int {
	if len(keys) == 0 {
		return nil
	}
	tails := make([]int, 0, len(keys))
	prev := make([]int, len(keys))
	for k, key := range keys {
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if keys[tails[mid]] < key {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		if lo > 0 {
			prev[k] = tails[lo-1]
		} else {
			prev[k] = -1
		}
		if lo == len(tails) {
			tails = append(tails, k)
		} else {
			tails[lo] = k
		}
	}
	out := make([]int, len(tails))
	for k, at := len(tails)-1, tails[len(tails)-1]; k >= 0; k-- {
		out[k] = at
		at = prev[at]
	}
	return out
}
