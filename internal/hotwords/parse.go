package hotwords

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrParse is the sentinel matched by every *ParseError.
var ErrParse = errors.New("hotwords: parse error")

// ParseError reports a malformed hotword line.
type ParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hotwords: line %d %q: %s", e.Line, e.Text, e.Reason)
}

// Is lets errors.Is(err, ErrParse) match any ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Vocabulary resolves token strings to ids.
type Vocabulary interface {
	ID(token string) (int, bool)
}

// Phrase is one hotword: a token-id sequence and the bonus applied per token.
type Phrase struct {
	Tokens []int
	Score  float32
}

// Parse reads hotword text: one phrase per line, tokens separated by
// whitespace, optionally ending with ":<score>" to override defaultScore.
// Blank lines are skipped. An unknown token or a malformed score fails the
// whole parse; nothing is silently dropped.
func Parse(text string, vocab Vocabulary, defaultScore float32) ([]Phrase, error) {
	return read(strings.NewReader(text), vocab, defaultScore)
}

// ParseFile is Parse over the contents of path.
func ParseFile(path string, vocab Vocabulary, defaultScore float32) ([]Phrase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hotwords: open %s: %w", path, err)
	}
	defer f.Close()
	return read(f, vocab, defaultScore)
}

func read(r io.Reader, vocab Vocabulary, defaultScore float32) ([]Phrase, error) {
	var phrases []Phrase
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimRight(sc.Text(), "\r")
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}
		score := defaultScore
		if last := fields[len(fields)-1]; strings.HasPrefix(last, ":") {
			v, err := strconv.ParseFloat(last[1:], 32)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &ParseError{Line: lineNo, Text: raw, Reason: fmt.Sprintf("invalid score %q", last)}
			}
			if v < 0 {
				return nil, &ParseError{Line: lineNo, Text: raw, Reason: fmt.Sprintf("negative score %q", last)}
			}
			score = float32(v)
			fields = fields[:len(fields)-1]
			if len(fields) == 0 {
				return nil, &ParseError{Line: lineNo, Text: raw, Reason: "score without tokens"}
			}
		}
		ids := make([]int, 0, len(fields))
		for _, tok := range fields {
			id, ok := vocab.ID(tok)
			if !ok {
				return nil, &ParseError{Line: lineNo, Text: raw, Reason: fmt.Sprintf("unknown token %q", tok)}
			}
			ids = append(ids, id)
		}
		phrases = append(phrases, Phrase{Tokens: ids, Score: score})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("hotwords: read: %w", err)
	}
	return phrases, nil
}
