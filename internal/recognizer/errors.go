package recognizer

import (
	"errors"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/hotwords"
)

var (
	// ErrConfiguration is returned by New when the recognizer cannot be built.
	ErrConfiguration = errors.New("recognizer: configuration error")
	// ErrInvalidInput is returned by Feed for features the stream cannot accept.
	ErrInvalidInput = errors.New("recognizer: invalid input")
	// ErrUnderrun is returned by Consume when fewer frames are buffered than requested.
	ErrUnderrun = errors.New("recognizer: underrun")
	// ErrNotReady reports a stream passed to DecodeStreams without a full chunk.
	ErrNotReady = errors.New("recognizer: stream not ready")
	// ErrForeignStream reports a stream created by a different recognizer.
	ErrForeignStream = errors.New("recognizer: stream belongs to another recognizer")
)

// ErrParse is the hotword parse sentinel, re-exported for callers that only
// import this package.
var ErrParse = hotwords.ErrParse
