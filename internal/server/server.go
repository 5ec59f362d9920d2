package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/hotwords"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/recognizer"
)

// Server implements RecognitionServer. Every Recognize call owns one
// recognizer stream; decoding happens on the shared dispatcher.
type Server struct {
	rec        *recognizer.Recognizer
	dispatcher *Dispatcher
	log        *slog.Logger
}

// New returns a Server feeding dispatcher.
func New(rec *recognizer.Recognizer, dispatcher *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		rec:        rec,
		dispatcher: dispatcher,
		log:        logger.With("component", "server"),
	}
}

// Recognize streams feature frames in and result JSON out. Hotwords are
// taken from the hotwords-bin metadata. When the client closes its send
// side the buffered tail is decoded, a last result is sent and the call
// ends.
func (s *Server) Recognize(stream RecognitionStream) error {
	ctx := stream.Context()
	text := hotwordsFromMetadata(ctx)

	rs, err := s.rec.CreateStreamWithHotwords(text)
	if err != nil {
		return toStatus(err)
	}
	log := s.log.With("stream_id", rs.ID().String())
	log.Info("stream opened", "hotwords", text != "")

	sess := s.dispatcher.Open(rs)
	defer s.dispatcher.Close(sess)

	recvDone := make(chan error, 1)
	go func() { recvDone <- s.receive(stream, rs) }()

	sent := 0
	for {
		select {
		case res, ok := <-sess.Results():
			if !ok {
				if err := sess.Err(); err != nil {
					log.Warn("stream aborted", "error", err)
					return toStatus(err)
				}
				log.Info("stream closed", "results", sent, "segments", rs.Segment()+1)
				return nil
			}
			if err := stream.Send(wrapperspb.String(res.JSON())); err != nil {
				return err
			}
			sent++
		case err := <-recvDone:
			if err != nil {
				log.Warn("receive failed", "error", err)
				return toStatus(err)
			}
			recvDone = nil
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (s *Server) receive(stream RecognitionStream, rs *recognizer.Stream) error {
	dim := s.rec.Config().Feat.FeatureDim
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			rs.InputFinished()
			s.dispatcher.Wake()
			return nil
		}
		if err != nil {
			return err
		}
		payload := msg.GetValue()
		if len(payload) == 0 {
			continue
		}
		if len(payload) > MaxFeatureChunkBytes {
			return status.Errorf(codes.InvalidArgument,
				"feature chunk too large: %d bytes (max %d)", len(payload), MaxFeatureChunkBytes)
		}
		frames, err := DecodeFeatures(payload, dim)
		if err != nil {
			return err
		}
		if err := rs.Feed(frames...); err != nil {
			return err
		}
		s.dispatcher.Wake()
	}
}

func hotwordsFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	return strings.Join(md.Get(HotwordsMetadataKey), "\n")
}

// toStatus maps recognizer errors onto gRPC codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	switch {
	case errors.Is(err, recognizer.ErrInvalidInput), errors.Is(err, hotwords.ErrParse):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
