package endpoint

import "fmt"

// State of a Detector.
type State int

const (
	Listening State = iota
	EndpointReached
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case EndpointReached:
		return "endpoint"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Rule fires when all of its conditions hold. Durations are in seconds.
// A rule with both durations zero never fires.
type Rule struct {
	MustContainNonSilence bool
	MinTrailingSilence    float32
	MinUtteranceLength    float32
}

func (r Rule) String() string {
	return fmt.Sprintf("EndpointRule(must_contain_nonsilence=%t, min_trailing_silence=%.2f, min_utterance_length=%.2f)",
		r.MustContainNonSilence, r.MinTrailingSilence, r.MinUtteranceLength)
}

func (r Rule) active() bool {
	return r.MinTrailingSilence > 0 || r.MinUtteranceLength > 0
}

// durations accumulate float32 frame shifts; compare with a tolerance well
// below one frame so 30 x 0.04s counts as 1.2s.
const tolerance = 1e-4

func (r Rule) match(nonSilence bool, trailingSilence, utteranceLength float64) bool {
	if !r.active() {
		return false
	}
	if r.MustContainNonSilence && !nonSilence {
		return false
	}
	return trailingSilence+tolerance >= float64(r.MinTrailingSilence) &&
		utteranceLength+tolerance >= float64(r.MinUtteranceLength)
}

// Detector declares end of utterance from per-frame decoder signals.
// Once EndpointReached it stays there until Reset.
type Detector struct {
	enabled    bool
	frameShift float32 // seconds per decoder output frame
	rules      []Rule

	state          State
	decodedFrames  int
	trailingBlanks int
	nonSilence     bool
	fired          int // index of the rule that fired, -1 if none
}

// NewDetector returns a detector. frameShift is the duration of one decoder
// output frame in seconds. A disabled detector never leaves Listening.
func NewDetector(enabled bool, frameShift float32, rules ...Rule) *Detector {
	return &Detector{
		enabled:    enabled,
		frameShift: frameShift,
		rules:      rules,
		fired:      -1,
	}
}

// Observe records frames newly decoded in the current segment. trailingBlanks
// is the decoder's count of output frames since the last non-blank token and
// emitted reports whether the segment holds any non-blank token. It returns
// true if the detector is (now or already) in EndpointReached.
func (d *Detector) Observe(frames, trailingBlanks int, emitted bool) bool {
	if !d.enabled {
		return false
	}
	if d.state == EndpointReached {
		return true
	}
	d.decodedFrames += frames
	d.trailingBlanks = trailingBlanks
	d.nonSilence = d.nonSilence || emitted

	silence := float64(d.trailingBlanks) * float64(d.frameShift)
	length := float64(d.decodedFrames) * float64(d.frameShift)
	for i, r := range d.rules {
		if r.match(d.nonSilence, silence, length) {
			d.state = EndpointReached
			d.fired = i
			return true
		}
	}
	return false
}

// IsEndpoint reports whether an endpoint has been declared since the last Reset.
func (d *Detector) IsEndpoint() bool { return d.state == EndpointReached }

// State returns the current state.
func (d *Detector) State() State { return d.state }

// FiredRule returns the 1-based index of the rule that declared the current
// endpoint, or 0.
func (d *Detector) FiredRule() int { return d.fired + 1 }

// Reset returns the detector to Listening with zeroed counters.
func (d *Detector) Reset() {
	d.state = Listening
	d.decodedFrames = 0
	d.trailingBlanks = 0
	d.nonSilence = false
	d.fired = -1
}
