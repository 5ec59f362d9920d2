package symbols

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// WordBoundary marks the start of a word in SentencePiece vocabularies.
const WordBoundary = "▁"

// ErrMalformed is returned when a token table line cannot be parsed.
var ErrMalformed = errors.New("symbols: malformed token table")

// Table maps token strings to integer ids and back.
type Table struct {
	byID    map[int]string
	byToken map[string]int
	size    int
}

// Load reads a token table file in "<token> <id>" per-line format.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbols: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a token table from r. Ids need not be contiguous, but the
// vocabulary size is taken as max(id)+1.
func Read(r io.Reader) (*Table, error) {
	t := &Table{
		byID:    make(map[int]string),
		byToken: make(map[string]int),
	}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		var tok, rawID string
		switch len(fields) {
		case 1:
			// A bare id means the token itself is whitespace (e.g. a space symbol).
			tok, rawID = " ", fields[0]
		case 2:
			tok, rawID = fields[0], fields[1]
		default:
			return nil, fmt.Errorf("%w: line %d: %q", ErrMalformed, lineNo, line)
		}
		if !utf8.ValidString(tok) {
			return nil, fmt.Errorf("%w: line %d: token is not valid UTF-8", ErrMalformed, lineNo)
		}
		id, err := strconv.Atoi(rawID)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: line %d: invalid id %q", ErrMalformed, lineNo, rawID)
		}
		if _, dup := t.byID[id]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate id %d", ErrMalformed, lineNo, id)
		}
		t.byID[id] = tok
		t.byToken[tok] = id
		if id+1 > t.size {
			t.size = id + 1
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("symbols: read: %w", err)
	}
	if t.size == 0 {
		return nil, fmt.Errorf("%w: empty table", ErrMalformed)
	}
	return t, nil
}

// New builds a table from tokens indexed by id.
func New(tokens []string) *Table {
	t := &Table{
		byID:    make(map[int]string, len(tokens)),
		byToken: make(map[string]int, len(tokens)),
		size:    len(tokens),
	}
	for id, tok := range tokens {
		t.byID[id] = tok
		t.byToken[tok] = id
	}
	return t
}

// Size returns the vocabulary size.
func (t *Table) Size() int { return t.size }

// Token returns the string for id, or "" if id is unknown.
func (t *Table) Token(id int) string { return t.byID[id] }

// ID returns the id of tok.
func (t *Table) ID(tok string) (int, bool) {
	id, ok := t.byToken[tok]
	return id, ok
}

// Detokenize joins tokens into display text. Word-boundary markers become
// spaces and byte-fallback tokens such as <0x41> are decoded; leading
// whitespace is dropped. Byte sequences that do not form valid UTF-8 become
// U+FFFD.
func Detokenize(tokens []string) string {
	var b strings.Builder
	for _, tok := range tokens {
		if v, ok := byteFallback(tok); ok {
			b.WriteByte(v)
			continue
		}
		b.WriteString(strings.ReplaceAll(tok, WordBoundary, " "))
	}
	return strings.ToValidUTF8(strings.TrimLeft(b.String(), " "), "\uFFFD")
}

func byteFallback(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
