package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/archive"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/config"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/engine"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/hotwords"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/recognizer"
)

const (
	blk = iota
	hi
	he
	vocabSize
)

// newTestRecognizer builds a greedy recognizer over the stub model: four
// input frames per chunk, one output frame per chunk, 0.04 s per output
// frame, endpoint after two blank frames following speech. opts adjust the
// configuration before the recognizer is built.
func newTestRecognizer(t *testing.T, opts ...func(*config.RecognizerConfig)) *recognizer.Recognizer {
	t.Helper()
	tokens := filepath.Join(t.TempDir(), "tokens.txt")
	if err := os.WriteFile(tokens, []byte("<blk> 0\nhi 1\n▁HE 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultRecognizer()
	cfg.Feat.FeatureDim = vocabSize
	cfg.Model.Tokens = tokens
	cfg.Model.ChunkFrames = 4
	cfg.Model.SubsamplingFactor = 4
	cfg.Endpoint.Rule2.MinTrailingSilence = 0.08
	for _, opt := range opts {
		opt(&cfg)
	}

	model, err := engine.NewStubModel(vocabSize, vocabSize, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := recognizer.New(cfg, model, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

// chunk returns one decode chunk whose single output frame peaks on token.
func chunk(token int) [][]float32 {
	row := make([]float32, vocabSize)
	for i := range row {
		row[i] = float32(math.Log(0.05))
	}
	row[token] = float32(math.Log(0.9))
	return [][]float32{row, make([]float32, vocabSize), make([]float32, vocabSize), make([]float32, vocabSize)}
}

type memArchive struct {
	mu   sync.Mutex
	segs []archive.Segment
}

func (m *memArchive) Save(_ context.Context, seg archive.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segs = append(m.segs, seg)
	return nil
}

func (m *memArchive) saved() []archive.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]archive.Segment(nil), m.segs...)
}

// startTestServer runs the service with a live dispatcher on localhost:0.
func startTestServer(t *testing.T, arch Archiver) RecognitionClient {
	t.Helper()
	return startRecognizerServer(t, newTestRecognizer(t), arch)
}

func startRecognizerServer(t *testing.T, rec *recognizer.Recognizer, arch Archiver) RecognitionClient {
	t.Helper()

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(rec, 4, 5*time.Millisecond, arch, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(runDone)
	}()

	grpcServer := grpc.NewServer()
	RegisterRecognitionServer(grpcServer, New(rec, d, slog.Default()))
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		grpcServer.Stop()
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		cancel()
		<-runDone
	})
	return NewRecognitionClient(conn)
}

func sendChunks(t *testing.T, stream RecognitionClientStream, tokens ...int) {
	t.Helper()
	for _, tok := range tokens {
		if err := stream.Send(wrapperspb.Bytes(EncodeFeatures(chunk(tok)...))); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
}

func collect(t *testing.T, stream RecognitionClientStream) []string {
	t.Helper()
	var out []string
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		out = append(out, msg.GetValue())
	}
}

func TestRecognizeEndpointResult(t *testing.T) {
	arch := &memArchive{}
	client := startTestServer(t, arch)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Recognize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sendChunks(t, stream, hi, blk, blk)
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	results := collect(t, stream)
	if len(results) == 0 {
		t.Fatal("no results")
	}
	want := `{"text":"hi","tokens":["hi"],"start_time":0.0,"timestamps":"[0.00]","segment":0,"is_final":true}`
	if got := results[len(results)-1]; got != want {
		t.Fatalf("last result = %s, want %s (all: %v)", got, want, results)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(arch.saved()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	saved := arch.saved()
	if len(saved) != 1 || saved[0].Text != "hi" || saved[0].ResultJSON != want {
		t.Fatalf("archived = %+v", saved)
	}
}

func TestRecognizeFlushesTailOnClose(t *testing.T) {
	client := startTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Recognize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Two frames only: less than a chunk until input is finished.
	frames := chunk(he)[:2]
	if err := stream.Send(wrapperspb.Bytes(EncodeFeatures(frames...))); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	results := collect(t, stream)
	want := `{"text":"HE","tokens":["▁HE"],"start_time":0.0,"timestamps":"[0.00]","segment":0,"is_final":false}`
	if len(results) != 1 || results[0] != want {
		t.Fatalf("results = %v, want [%s]", results, want)
	}
}

func TestRecognizeSilenceOnly(t *testing.T) {
	client := startTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Recognize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sendChunks(t, stream, blk, blk, blk, blk)
	stream.CloseSend()

	results := collect(t, stream)
	want := `{"text":"","tokens":[],"start_time":0.0,"timestamps":"[]","segment":0,"is_final":false}`
	if len(results) != 1 || results[0] != want {
		t.Fatalf("results = %v, want [%s]", results, want)
	}
}

func TestRecognizeHotwordsParseError(t *testing.T) {
	client := startTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctx = metadata.AppendToOutgoingContext(ctx, HotwordsMetadataKey, "▁HE NOPE")
	stream, err := client.Recognize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = stream.Recv()
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestRecognizeAppliesHotwordsFile(t *testing.T) {
	rec := newTestRecognizer(t, func(cfg *config.RecognizerConfig) {
		cfg.DecodingMethod = config.ModifiedBeamSearch
		cfg.HotwordsFile = filepath.Join(t.TempDir(), "hotwords.txt")
		if err := os.WriteFile(cfg.HotwordsFile, []byte("▁HE :10\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	})
	client := startRecognizerServer(t, rec, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Recognize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Acoustically hi wins; the hotword bonus tips it to ▁HE.
	frames := chunk(hi)
	frames[0] = []float32{float32(math.Log(0.1)), float32(math.Log(0.5)), float32(math.Log(0.4))}
	if err := stream.Send(wrapperspb.Bytes(EncodeFeatures(frames...))); err != nil {
		t.Fatal(err)
	}
	stream.CloseSend()

	results := collect(t, stream)
	want := `{"text":"HE","tokens":["▁HE"],"start_time":0.0,"timestamps":"[0.00]","segment":0,"is_final":false}`
	if len(results) == 0 || results[len(results)-1] != want {
		t.Fatalf("results = %v, want last %s", results, want)
	}
}

func TestRecognizeRejectsMalformedPayload(t *testing.T) {
	client := startTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Recognize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Not a whole number of frames.
	if err := stream.Send(wrapperspb.Bytes(EncodeFeatures(make([]float32, vocabSize+1)))); err != nil {
		t.Fatal(err)
	}
	for {
		_, err = stream.Recv()
		if err != nil {
			break
		}
	}
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestRecognizeConcurrentStreamsIsolation(t *testing.T) {
	client := startTestServer(t, nil)

	cases := []struct {
		tokens []int
		text   string
	}{
		{[]int{hi, blk, hi}, "hihi"},
		{[]int{he, blk}, "HE"},
		{[]int{blk, blk, he, hi}, "HEhi"},
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(cases))
	for _, c := range cases {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			stream, err := client.Recognize(ctx)
			if err != nil {
				errs <- err
				return
			}
			for _, tok := range c.tokens {
				if err := stream.Send(wrapperspb.Bytes(EncodeFeatures(chunk(tok)...))); err != nil {
					errs <- err
					return
				}
			}
			stream.CloseSend()
			var last string
			for {
				msg, err := stream.Recv()
				if err == io.EOF {
					break
				}
				if err != nil {
					errs <- err
					return
				}
				last = msg.GetValue()
			}
			want := fmt.Sprintf(`{"text":%q`, c.text)
			if len(last) < len(want) || last[:len(want)] != want {
				errs <- fmt.Errorf("stream %v: last result %s", c.tokens, last)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDispatcherBatchesAcrossSessions(t *testing.T) {
	rec := newTestRecognizer(t)
	d := NewDispatcher(rec, 2, time.Second, nil, nil)
	ctx := context.Background()

	var sessions []*Session
	for i := 0; i < 3; i++ {
		s := rec.CreateStream()
		if err := s.Feed(chunk(hi)...); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, d.Open(s))
	}

	if !d.step(ctx) {
		t.Fatal("step ran no batch")
	}
	if d.Batches() != 1 {
		t.Fatalf("batches = %d, want 1", d.Batches())
	}
	ready := 0
	for _, s := range sessions {
		if rec.IsReady(s.Stream()) {
			ready++
		}
	}
	if ready != 1 {
		t.Fatalf("%d streams still ready, want 1 (batch limit 2)", ready)
	}

	if !d.step(ctx) || d.step(ctx) {
		t.Fatal("expected exactly one more batch")
	}
	for i, s := range sessions {
		select {
		case res := <-s.Results():
			if res.Text != "hi" {
				t.Fatalf("session %d result = %+v", i, res)
			}
		default:
			t.Fatalf("session %d got no result", i)
		}
	}
}

func TestDispatcherFinishSkipsDeliveredResult(t *testing.T) {
	rec := newTestRecognizer(t)
	d := NewDispatcher(rec, 4, time.Second, nil, nil)
	s := rec.CreateStream()
	if err := s.Feed(chunk(hi)...); err != nil {
		t.Fatal(err)
	}
	s.InputFinished()
	sess := d.Open(s)

	if !d.step(context.Background()) {
		t.Fatal("step ran no batch")
	}
	var got []recognizer.Result
	for res := range sess.Results() {
		got = append(got, res)
	}
	if len(got) != 1 || got[0].Text != "hi" {
		t.Fatalf("results = %+v, want one result with text hi", got)
	}
	if sess.Err() != nil {
		t.Fatalf("Err = %v", sess.Err())
	}
}

func TestDispatcherDropsClosedSessions(t *testing.T) {
	rec := newTestRecognizer(t)
	d := NewDispatcher(rec, 4, time.Second, nil, nil)
	s := rec.CreateStream()
	s.Feed(chunk(hi)...)
	sess := d.Open(s)
	d.Close(sess)
	d.Close(sess)

	if d.step(context.Background()) {
		t.Fatal("closed session was decoded")
	}
	if len(d.prune()) != 0 {
		t.Fatal("closed session still registered")
	}
}

func TestDispatcherShutdownClosesSessions(t *testing.T) {
	rec := newTestRecognizer(t)
	d := NewDispatcher(rec, 4, time.Millisecond, nil, nil)
	sess := d.Open(rec.CreateStream())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := <-sess.Results(); ok {
		t.Fatal("results channel still open")
	}
	if !errors.Is(sess.Err(), ErrShuttingDown) {
		t.Fatalf("Err = %v", sess.Err())
	}

	late := d.Open(rec.CreateStream())
	if _, ok := <-late.Results(); ok || !errors.Is(late.Err(), ErrShuttingDown) {
		t.Fatal("session opened after shutdown not rejected")
	}
}

func TestFeatureCodec(t *testing.T) {
	frames := [][]float32{{1, -2.5, 0}, {float32(math.Inf(1)), 3, 4}}
	got, err := DecodeFeatures(EncodeFeatures(frames...), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0][1] != -2.5 || !math.IsInf(float64(got[1][0]), 1) {
		t.Fatalf("decoded = %v", got)
	}

	if _, err := DecodeFeatures([]byte{1, 2, 3}, 3); !errors.Is(err, recognizer.ErrInvalidInput) {
		t.Fatalf("odd length: err = %v", err)
	}
	if _, err := DecodeFeatures(EncodeFeatures([]float32{1, 2}), 3); !errors.Is(err, recognizer.ErrInvalidInput) {
		t.Fatalf("partial frame: err = %v", err)
	}
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("x: %w", recognizer.ErrInvalidInput), codes.InvalidArgument},
		{&hotwords.ParseError{Line: 1, Reason: "bad"}, codes.InvalidArgument},
		{ErrShuttingDown, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.ResourceExhausted, "full"), codes.ResourceExhausted},
	}
	for _, c := range cases {
		if got := status.Code(toStatus(c.err)); got != c.code {
			t.Errorf("toStatus(%v) = %v, want %v", c.err, got, c.code)
		}
	}
	if toStatus(nil) != nil {
		t.Error("toStatus(nil) != nil")
	}
}
