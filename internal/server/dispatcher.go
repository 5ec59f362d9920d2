package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/archive"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/recognizer"
)

// ErrShuttingDown is reported to sessions still open when the dispatcher stops.
var ErrShuttingDown = errors.New("server: shutting down")

const (
	resultBuffer  = 32
	archiveBuffer = 256
	saveTimeout   = 5 * time.Second
)

// Archiver stores finalized segments.
type Archiver interface {
	Save(ctx context.Context, seg archive.Segment) error
}

// Session is one stream registered with the dispatcher. Results are
// delivered on Results until the dispatcher closes it; Err then reports why.
type Session struct {
	stream   *recognizer.Stream
	results  chan recognizer.Result
	gone     chan struct{}
	goneOnce sync.Once
	err      error

	// Owned by the dispatcher goroutine.
	lastText string
	sent     bool // the result for lastText reached the consumer
	dirty    bool
}

// Stream returns the recognizer stream behind the session.
func (s *Session) Stream() *recognizer.Stream { return s.stream }

// Results delivers partial and final results in decode order.
func (s *Session) Results() <-chan recognizer.Result { return s.results }

// Err is valid after Results is closed. Nil means input finished normally.
func (s *Session) Err() error { return s.err }

func (s *Session) isGone() bool {
	select {
	case <-s.gone:
		return true
	default:
		return false
	}
}

// Dispatcher is the single decode caller. It aggregates ready streams from
// every open session into batches of at most maxBatch and emits results.
type Dispatcher struct {
	rec      *recognizer.Recognizer
	log      *slog.Logger
	maxBatch int
	interval time.Duration
	archiver Archiver

	mu       sync.Mutex
	sessions []*Session
	stopped  bool
	cursor   int

	wake     chan struct{}
	archiveQ chan archive.Segment
	batches  atomic.Int64
}

// NewDispatcher returns a dispatcher. archiver may be nil.
func NewDispatcher(rec *recognizer.Recognizer, maxBatch int, interval time.Duration, archiver Archiver, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &Dispatcher{
		rec:      rec,
		log:      logger.With("component", "dispatcher"),
		maxBatch: maxBatch,
		interval: interval,
		archiver: archiver,
		wake:     make(chan struct{}, 1),
		archiveQ: make(chan archive.Segment, archiveBuffer),
	}
}

// Open registers stream and returns its session.
func (d *Dispatcher) Open(stream *recognizer.Stream) *Session {
	sess := &Session{
		stream:  stream,
		results: make(chan recognizer.Result, resultBuffer),
		gone:    make(chan struct{}),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		sess.dirty = true
		sess.err = ErrShuttingDown
		close(sess.results)
		return sess
	}
	d.sessions = append(d.sessions, sess)
	d.Wake()
	return sess
}

// Close detaches a session whose consumer went away. The dispatcher drops it
// on its next pass.
func (d *Dispatcher) Close(sess *Session) {
	sess.goneOnce.Do(func() { close(sess.gone) })
	d.Wake()
}

// Wake schedules a pass without waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Batches returns how many DecodeStreams calls have run.
func (d *Dispatcher) Batches() int64 { return d.batches.Load() }

// Run decodes until ctx is cancelled. Sessions still open are then closed
// with ErrShuttingDown.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(d.archiveQ)
		return d.loop(gctx)
	})
	g.Go(func() error {
		d.drainArchive()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	defer d.shutdown()
	for {
		for d.step(ctx) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// step runs one batch and settles finished sessions. It reports whether a
// batch ran.
func (d *Dispatcher) step(ctx context.Context) bool {
	live := d.prune()
	if len(live) == 0 {
		return false
	}

	var batch []*Session
	start := d.cursor % len(live)
	for i := 0; i < len(live) && len(batch) < d.maxBatch; i++ {
		sess := live[(start+i)%len(live)]
		if d.rec.IsReady(sess.stream) {
			batch = append(batch, sess)
		}
	}
	d.cursor = start + 1

	if len(batch) > 0 {
		d.decode(ctx, batch)
	}
	for _, sess := range live {
		if sess.stream.IsInputFinished() && !d.rec.IsReady(sess.stream) {
			d.finish(ctx, sess, nil)
		}
	}
	return len(batch) > 0
}

// prune drops detached and finished sessions and returns the rest.
func (d *Dispatcher) prune() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := d.sessions[:0]
	for _, sess := range d.sessions {
		if sess.isGone() || sess.dirty {
			continue
		}
		live = append(live, sess)
	}
	clear(d.sessions[len(live):])
	d.sessions = live
	return append([]*Session(nil), live...)
}

func (d *Dispatcher) decode(ctx context.Context, batch []*Session) {
	streams := make([]*recognizer.Stream, len(batch))
	for i, sess := range batch {
		streams[i] = sess.stream
	}
	d.batches.Add(1)
	if err := d.rec.DecodeStreams(streams); err != nil {
		// Model failures leave every stream untouched; fail the batch so it
		// is not retried forever.
		d.log.Error("decode failed", "streams", len(streams), "error", err)
		for _, sess := range batch {
			d.finish(ctx, sess, err)
		}
		return
	}

	for _, sess := range batch {
		res := d.rec.GetResult(sess.stream)
		if d.rec.IsEndpoint(sess.stream) {
			d.deliver(ctx, sess, res, true)
			d.archive(sess, res)
			d.rec.Reset(sess.stream)
			sess.lastText = ""
			sess.sent = false
			continue
		}
		if res.Text != sess.lastText {
			sess.sent = d.deliver(ctx, sess, res, false)
			sess.lastText = res.Text
		}
	}
}

// finish sends the last result of a session and closes it. A result the
// consumer already holds is not sent again. err non-nil closes the session
// without a result.
func (d *Dispatcher) finish(ctx context.Context, sess *Session, err error) {
	if sess.dirty {
		return
	}
	sess.dirty = true
	if err == nil {
		res := d.rec.GetResult(sess.stream)
		if res.Text != "" || res.Segment == 0 {
			if !sess.sent || res.Text != sess.lastText {
				d.deliver(ctx, sess, res, true)
			}
			d.archive(sess, res)
		}
	}
	sess.err = err
	close(sess.results)
}

// deliver hands res to the session and reports whether it was taken.
// Partial results are dropped when the consumer lags; final results wait
// for it.
func (d *Dispatcher) deliver(ctx context.Context, sess *Session, res recognizer.Result, final bool) bool {
	if !final {
		select {
		case sess.results <- res:
			return true
		default:
			d.log.Debug("partial result dropped", "stream", sess.stream.ID())
			return false
		}
	}
	select {
	case sess.results <- res:
		return true
	case <-sess.gone:
	case <-ctx.Done():
	}
	return false
}

func (d *Dispatcher) archive(sess *Session, res recognizer.Result) {
	if d.archiver == nil || res.Text == "" {
		return
	}
	seg := archive.Segment{
		StreamID:   sess.stream.ID(),
		Segment:    res.Segment,
		Text:       res.Text,
		Tokens:     res.Tokens,
		Timestamps: res.Timestamps,
		StartTime:  res.StartTime,
		ResultJSON: res.JSON(),
	}
	select {
	case d.archiveQ <- seg:
	default:
		d.log.Warn("archive queue full, segment dropped", "stream", seg.StreamID, "segment", seg.Segment)
	}
}

func (d *Dispatcher) drainArchive() {
	for seg := range d.archiveQ {
		if d.archiver == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := d.archiver.Save(ctx, seg); err != nil {
			d.log.Error("archive save failed", "stream", seg.StreamID, "segment", seg.Segment, "error", err)
		}
		cancel()
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = nil
	d.stopped = true
	d.mu.Unlock()
	for _, sess := range sessions {
		if !sess.dirty {
			sess.dirty = true
			sess.err = ErrShuttingDown
			close(sess.results)
		}
	}
}
