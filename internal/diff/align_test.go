package diff

import (
	"strings"
	"testing"

	"pagespace/history/internal/content"
)

func sections(ids ...string) []content.Section {
	out := make([]content.Section, len(ids))
	for i, id := range ids {
		out[i] = content.Section{ID: id, Hash: "h-" + id}
	}
	return out
}

func render(a, b []content.Section, ops []Op) string {
	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpKeep:
			parts = append(parts, "="+b[op.B].ID)
		case OpDelete:
			parts = append(parts, "-"+a[op.A].ID)
		case OpInsert:
			parts = append(parts, "+"+b[op.B].ID)
		case OpMoveFrom:
			parts = append(parts, "<"+a[op.A].ID)
		case OpMoveTo:
			parts = append(parts, ">"+b[op.B].ID)
		}
	}
	return strings.Join(parts, " ")
}

func TestAlign(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		want string
	}{
		{"equal", []string{"x", "y"}, []string{"x", "y"}, "=x =y"},
		{"insert and delete", []string{"x", "y", "z"}, []string{"x", "n", "z"}, "=x -y +n =z"},
		{"move to front", []string{"p1", "p2", "p3"}, []string{"p3", "p1", "p2"}, ">p3 =p1 =p2 <p3"},
		{"move to back", []string{"p1", "p2", "p3"}, []string{"p2", "p3", "p1"}, "<p1 =p2 =p3 >p1"},
		{"empty before", nil, []string{"a"}, "+a"},
		{"empty after", []string{"a"}, nil, "-a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := sections(tc.a...), sections(tc.b...)
			if got := render(a, b, Align(a, b)); got != tc.want {
				t.Fatalf("Align() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAlignCoversEverySectionOnce(t *testing.T) {
	a := sections("a", "b", "c", "d", "e", "f")
	b := sections("f", "c", "x", "a", "e", "y", "b")
	seenA := map[int]int{}
	seenB := map[int]int{}
	for _, op := range Align(a, b) {
		if op.A >= 0 {
			seenA[op.A]++
		}
		if op.B >= 0 && op.Kind != OpMoveFrom {
			seenB[op.B]++
		}
	}
	if len(seenB) != len(b) {
		t.Fatalf("b coverage = %v", seenB)
	}
	for _, n := range seenB {
		if n != 1 {
			t.Fatalf("b section emitted %d times", n)
		}
	}
	if len(seenA) != len(a) {
		t.Fatalf("a coverage = %v", seenA)
	}
}

func TestLongestIncreasing(t *testing.T) {
	keys := []int{3, 0, 4, 1, 5, 2, 6}
	got := longestIncreasing(keys)
	values := make([]int, len(got))
	for i, k := range got {
		values[i] = keys[k]
	}
	if len(values) != 4 {
		t.Fatalf("longestIncreasing() = %v", values)
	}
	for i := 1; i < len(values); i++ {
		if values[i-1] >= values[i] {
			t.Fatalf("not increasing: %v", values)
		}
	}
	if longestIncreasing(nil) != nil {
		t.Fatal("empty input should return nil")
	}
}

func TestWords(t *testing.T) {
	got := Words("We ship in spring.", "We ship in early spring!")
	if got[0] != (WordEdit{Op: WordEqual, Text: "We ship in "}) {
		t.Fatalf("Words()[0] = %+v", got[0])
	}
	var before, after, inserted strings.Builder
	for _, w := range got {
		switch w.Op {
		case WordInsert:
			inserted.WriteString(w.Text)
			after.WriteString(w.Text)
		case WordDelete:
			before.WriteString(w.Text)
		default:
			before.WriteString(w.Text)
			after.WriteString(w.Text)
		}
	}
	if before.String() != "We ship in spring." || after.String() != "We ship in early spring!" {
		t.Fatalf("edit script does not reproduce inputs: %q / %q", before.String(), after.String())
	}
	if inserted.String() != "early !" {
		t.Fatalf("inserted = %q", inserted.String())
	}
	for i := 1; i < len(got); i++ {
		if got[i].Op == got[i-1].Op {
			t.Fatalf("adjacent edits share op %s: %+v", got[i].Op, got)
		}
	}
}

func TestWordsHandlesEmptyAndUnicode(t *testing.T) {
	if got := Words("", ""); len(got) != 0 {
		t.Fatalf("Words(empty) = %+v", got)
	}
	got := Words("", "héllo wörld")
	if len(got) != 1 || got[0] != (WordEdit{Op: WordInsert, Text: "héllo wörld"}) {
		t.Fatalf("Words() = %+v", got)
	}
	if tokenize("a  b,c") == nil || len(tokenize("a  b,c")) != 5 {
		t.Fatalf("tokenize() = %q", tokenize("a  b,c"))
	}
	for _, i := range []int{0, 0xD7FE, 0xD7FF, 0xD800, 0x10000} {
		if runeIndex(tokenRune(i)) != i {
			t.Fatalf("token rune round trip failed for %d", i)
		}
	}
}
