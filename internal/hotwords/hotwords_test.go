package hotwords

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

type vocab map[string]int

func (v vocab) ID(tok string) (int, bool) {
	id, ok := v[tok]
	return id, ok
}

var testVocab = vocab{"<blk>": 0, "▁HE": 1, "LL": 2, "O": 3, "▁WORLD": 4, "你": 5, "好": 6, "X": 7}

func approx(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-5 }

func TestParse(t *testing.T) {
	phrases, err := Parse("▁HE LL O\n\n你 好 :2.5\n", testVocab, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(phrases) != 2 {
		t.Fatalf("got %d phrases, want 2", len(phrases))
	}
	if got := phrases[0].Tokens; len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("phrase 0 tokens = %v", got)
	}
	if phrases[0].Score != 5 {
		t.Errorf("phrase 0 score = %v, want 5", phrases[0].Score)
	}
	if phrases[1].Score != 2.5 {
		t.Errorf("phrase 1 score = %v, want 2.5", phrases[1].Score)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"unknown token":   "▁HE NOPE\n",
		"bad score":       "▁HE :abc\n",
		"score only":      ":1.0\n",
		"non-finite":      "▁HE :NaN\n",
		"negative score":  "▁HE :-1\n",
		"second line bad": "▁HE\nzzz\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text, testVocab, 1)
			if !errors.Is(err, ErrParse) {
				t.Fatalf("err = %v, want ErrParse", err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Line == 0 {
				t.Fatalf("err = %#v, want *ParseError with line", err)
			}
		})
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotwords.txt")
	if err := os.WriteFile(path, []byte("▁WORLD\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	phrases, err := ParseFile(path, testVocab, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(phrases) != 1 || phrases[0].Tokens[0] != 4 {
		t.Fatalf("phrases = %+v", phrases)
	}
}

func walk(g *Graph, tokens ...int) (State, float32) {
	s, total := Root, float32(0)
	for _, tok := range tokens {
		var d float32
		s, d = g.Forward(s, tok)
		total += d
	}
	return s, total
}

func TestGraphFullMatchLocksBonus(t *testing.T) {
	g := NewGraph([]Phrase{{Tokens: []int{1, 2, 3}, Score: 5}})
	s, total := walk(g, 1, 2, 3)
	if !approx(total, 15) {
		t.Fatalf("bonus after full match = %v, want 15", total)
	}
	if !g.Completed(s) {
		t.Error("state after full match should be completed")
	}
	if g.Speculative(s) != 0 {
		t.Errorf("speculative after full match = %v, want 0", g.Speculative(s))
	}
	// Continuing with unrelated tokens never retracts a locked bonus.
	_, more := walk(g, 1, 2, 3, 7, 7)
	if !approx(more, 15) {
		t.Errorf("bonus after trailing tokens = %v, want 15", more)
	}
}

func TestGraphPartialMatchRetracted(t *testing.T) {
	g := NewGraph([]Phrase{{Tokens: []int{1, 2, 3}, Score: 5}})
	s, total := walk(g, 1, 2)
	if !approx(total, 10) || !approx(g.Speculative(s), 10) {
		t.Fatalf("partial: total=%v speculative=%v, want 10/10", total, g.Speculative(s))
	}
	s, total = walk(g, 1, 2, 7)
	if !approx(total, 0) || s != Root {
		t.Fatalf("abandoned: total=%v state=%v, want 0 at root", total, s)
	}
}

func TestGraphFallbackToSuffix(t *testing.T) {
	// "HE HE LL O": the first HE is abandoned, the second starts the real match.
	g := NewGraph([]Phrase{{Tokens: []int{1, 2, 3}, Score: 5}})
	_, total := walk(g, 1, 1, 2, 3)
	if !approx(total, 15) {
		t.Fatalf("bonus = %v, want 15", total)
	}
}

func TestGraphLongerPhraseKeepsLockedPrefix(t *testing.T) {
	g := NewGraph([]Phrase{
		{Tokens: []int{1, 2, 3}, Score: 5},
		{Tokens: []int{1, 2, 3, 4}, Score: 5},
	})
	s, total := walk(g, 1, 2, 3, 4)
	if !approx(total, 20) || !g.Completed(s) {
		t.Fatalf("longer phrase: total=%v completed=%v", total, g.Completed(s))
	}
	// Diverging after the shorter phrase completes keeps its 15.
	_, total = walk(g, 1, 2, 3, 7)
	if !approx(total, 15) {
		t.Fatalf("diverged after short phrase: total=%v, want 15", total)
	}
}

func TestGraphSuffixHotwordLocks(t *testing.T) {
	// "LL" completes inside "▁HE LL O" after ▁HE LL.
	g := NewGraph([]Phrase{
		{Tokens: []int{1, 2, 3}, Score: 5},
		{Tokens: []int{2}, Score: 5},
	})
	s, total := walk(g, 1, 2)
	if !approx(total, 10) || !g.Completed(s) {
		t.Fatalf("after ▁HE LL: total=%v completed=%v, want 10 and completed", total, g.Completed(s))
	}
	if !approx(g.Speculative(s), 5) {
		t.Errorf("speculative after ▁HE LL = %v, want 5", g.Speculative(s))
	}

	_, embedded := walk(g, 1, 2, 4)
	_, alone := walk(g, 2, 4)
	if !approx(embedded, 5) || !approx(alone, 5) {
		t.Fatalf("LL kept: embedded=%v alone=%v, want 5 both", embedded, alone)
	}

	s, total = walk(g, 1, 2, 3)
	if !approx(total, 15) || g.Speculative(s) != 0 {
		t.Fatalf("full phrase: total=%v speculative=%v, want 15/0", total, g.Speculative(s))
	}
}

func TestGraphSuffixLockCappedByHeldScore(t *testing.T) {
	g := NewGraph([]Phrase{
		{Tokens: []int{1, 2, 3}, Score: 1},
		{Tokens: []int{2}, Score: 10},
	})
	s, total := walk(g, 1, 2)
	if !approx(total, 2) || g.Speculative(s) != 0 {
		t.Fatalf("total=%v speculative=%v, want 2/0", total, g.Speculative(s))
	}
	_, total = walk(g, 1, 2, 4)
	if !approx(total, 2) {
		t.Fatalf("after leaving the trie total=%v, want 2", total)
	}
}

func TestGraphSharedPrefixTakesMaxScore(t *testing.T) {
	a := NewGraph([]Phrase{{Tokens: []int{1, 2}, Score: 1}, {Tokens: []int{1, 3}, Score: 4}})
	b := NewGraph([]Phrase{{Tokens: []int{1, 3}, Score: 4}, {Tokens: []int{1, 2}, Score: 1}})
	_, ta := walk(a, 1, 2)
	_, tb := walk(b, 1, 2)
	if !approx(ta, tb) || !approx(ta, 5) {
		t.Fatalf("order-dependent scores: %v vs %v, want 5", ta, tb)
	}
}

func TestNilGraph(t *testing.T) {
	var g *Graph
	if NewGraph(nil) != nil {
		t.Fatal("NewGraph(nil) should be nil")
	}
	s, d := g.Forward(Root, 3)
	if s != Root || d != 0 || g.Speculative(s) != 0 || g.Len() != 0 {
		t.Fatal("nil graph should be inert")
	}
}
