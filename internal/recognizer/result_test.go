package recognizer

import (
	"encoding/json"
	"testing"
)

func TestResultJSONExample(t *testing.T) {
	r := Result{
		Text:       "hi",
		Tokens:     []string{"hi"},
		Timestamps: []float32{0},
		IsFinal:    true,
	}
	want := `{"text":"hi","tokens":["hi"],"start_time":0.0,"timestamps":"[0.00]","segment":0,"is_final":true}`
	if got := r.JSON(); got != want {
		t.Fatalf("JSON() =\n%s\nwant\n%s", got, want)
	}
}

func TestResultJSONEmpty(t *testing.T) {
	r := Result{Segment: 3}
	want := `{"text":"","tokens":[],"start_time":0.0,"timestamps":"[]","segment":3,"is_final":false}`
	if got := r.JSON(); got != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
}

func TestResultJSONNumbers(t *testing.T) {
	r := Result{
		Text:       "a b c",
		Tokens:     []string{"a", "b", "c"},
		StartTime:  1.5,
		Timestamps: []float32{0, 0.32, 0.64},
		Segment:    2,
	}
	want := `{"text":"a b c","tokens":["a","b","c"],"start_time":1.5,"timestamps":"[0.00, 0.32, 0.64]","segment":2,"is_final":false}`
	if got := r.JSON(); got != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}

	r.StartTime = 2
	if got := formatNumber(r.StartTime); got != "2.0" {
		t.Fatalf("formatNumber(2) = %s, want 2.0", got)
	}
}

func TestResultJSONEscaping(t *testing.T) {
	r := Result{Text: "a\"b\\c\n<&>\x01", Tokens: []string{"<0xE4>"}, Timestamps: []float32{0.004}}
	want := `{"text":"a\"b\\c\n<&>\u0001","tokens":["<0xE4>"],"start_time":0.0,"timestamps":"[0.00]","segment":0,"is_final":false}`
	if got := r.JSON(); got != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
}

func TestResultMarshalJSONIsValid(t *testing.T) {
	r := Result{Text: "héllo \"x\"", Tokens: []string{"h", "éllo"}, Timestamps: []float32{0.04, 0.08}, IsFinal: true}
	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Text       string   `json:"text"`
		Tokens     []string `json:"tokens"`
		StartTime  float64  `json:"start_time"`
		Timestamps string   `json:"timestamps"`
		Segment    int      `json:"segment"`
		IsFinal    bool     `json:"is_final"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal(%s): %v", raw, err)
	}
	if decoded.Text != r.Text || decoded.Timestamps != "[0.04, 0.08]" || !decoded.IsFinal {
		t.Fatalf("decoded = %+v", decoded)
	}
	if string(raw) != r.JSON() {
		t.Fatalf("Marshal = %s, JSON = %s", raw, r.JSON())
	}
}
