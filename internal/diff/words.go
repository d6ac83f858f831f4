package diff

import (
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type WordOp string

const (
	WordEqual  WordOp = "equal"
	WordInsert WordOp = "insert"
	WordDelete WordOp = "delete"
)

type WordEdit struct {
	Op   WordOp `json:"op"`
	Text string `json:"text"`
}

const maxWordTokens = 0x10FFFF - 0x800

// Words returns a minimal word-level edit script turning a into b. Each
// distinct word, whitespace run or punctuation mark is mapped to one rune
// so diffmatchpatch works on tokens instead of characters.
func Words(a, b string) []WordEdit {
	tokensA, tokensB := tokenize(a), tokenize(b)
	table := make([]string, 0, len(tokensA)+len(tokensB))
	index := make(map[string]rune)
	encode := func(tokens []string) ([]rune, bool) {
		out := make([]rune, len(tokens))
		for k, tok := range tokens {
			r, ok := index[tok]
			if !ok {
				if len(table) >= maxWordTokens {
					return nil, false
				}
				r = tokenRune(len(table))
				index[tok] = r
				table = append(table, tok)
			}
			out[k] = r
		}
		return out, true
	}
	runesA, okA := encode(tokensA)
	runesB, okB := encode(tokensB)
	if !okA || !okB {
		return replaceAll(a, b)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMainRunes(runesA, runesB, false)

	edits := make([]WordEdit, 0, len(diffs))
	for _, d := range diffs {
		var sb strings.Builder
		for _, r := range d.Text {
			sb.WriteString(table[runeIndex(r)])
		}
		if sb.Len() == 0 {
			continue
		}
		op := WordEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = WordInsert
		case diffmatchpatch.DiffDelete:
			op = WordDelete
		}
		if n := len(edits); n > 0 && edits[n-1].Op == op {
			edits[n-1].Text += sb.String()
			continue
		}
		edits = append(edits, WordEdit{Op: op, Text: sb.String()})
	}
	return edits
}

func replaceAll(a, b string) []WordEdit {
	edits := make([]WordEdit, 0, 2)
	if a != "" {
		edits = append(edits, WordEdit{Op: WordDelete, Text: a})
	}
	if b != "" {
		edits = append(edits, WordEdit{Op: WordInsert, Text: b})
	}
	return edits
}

// tokenRune skips the surrogate range, which does not survive a round trip
// through string.
func tokenRune(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

func runeIndex(r rune) int {
	if r >= 0xE000 {
		r -= 0x800
	}
	return int(r) - 1
}

func tokenize(s string) []string {
	tokens := make([]string, 0, len(s)/4)
	start := -1
	var class int
	for i, r := range s {
		c := charClass(r)
		if start >= 0 && (c != class || c == classPunct) {
			tokens = append(tokens, s[start:i])
			start = -1
		}
		if start < 0 {
			start, class = i, c
		}
	}
	if start >= 0 {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

const (
	classWord = iota
	classSpace
	classPunct
)

func charClass(r rune) int {
	switch {
	case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r), r == '_', r == '\'':
		return classWord
	case unicode.IsSpace(r):
		return classSpace
	default:
		return classPunct
	}
}
