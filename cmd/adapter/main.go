package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/nupi-ai/plugin-asr-local-transducer/internal/archive"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/config"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/engine"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/recognizer"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/server"
	"github.com/nupi-ai/plugin-asr-local-transducer/internal/symbols"
)

// version is set at build time via -ldflags.
var version = "dev"

// lazyRecognitionServer returns Unavailable until the real service is set.
type lazyRecognitionServer struct {
	server atomic.Pointer[server.RecognitionServer]
}

func (l *lazyRecognitionServer) setServer(srv server.RecognitionServer) {
	l.server.Store(&srv)
}

func (l *lazyRecognitionServer) Recognize(stream server.RecognitionStream) error {
	srv := l.server.Load()
	if srv == nil {
		return status.Error(codes.Unavailable, "recognition service is initializing, please retry in a moment")
	}
	return (*srv).Recognize(stream)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loadResult, err := config.Loader{}.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loadResult.Config

	logger := newLogger(cfg.LogLevel)
	for _, warn := range loadResult.Warnings {
		logger.Warn(warn)
	}

	logger.Info("starting adapter",
		"adapter", "asr-local-transducer",
		"version", version,
		"engine_config", cfg.Engine,
		"listen_addr", cfg.ListenAddr,
		"max_batch_size", cfg.MaxBatchSize,
		"decode_interval_ms", cfg.DecodeIntervalMs,
	)
	logger.Info("recognizer config", "config", cfg.Recognizer.String())

	// Bind before loading the model so the port is known early.
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to bind listener", "error", err)
		os.Exit(1)
	}
	defer lis.Close()
	logger.Info("listener bound, port ready", "addr", lis.Addr().String())

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(server.MaxFeatureChunkBytes + 64*1024),
	)
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)
	setServing(healthServer, healthgrpc.HealthCheckResponse_NOT_SERVING)

	lazyService := &lazyRecognitionServer{}
	server.RegisterRecognitionServer(grpcServer, lazyService)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	logger.Info("gRPC server started (NOT_SERVING while initializing)")

	model, resolved, err := loadModel(cfg, logger)
	if err != nil {
		logger.Error("failed to load model", "error", err)
		grpcServer.Stop()
		os.Exit(1)
	}
	defer model.Close()

	rec, err := recognizer.New(cfg.Recognizer, model, logger)
	if err != nil {
		logger.Error("failed to create recognizer", "error", err)
		grpcServer.Stop()
		os.Exit(1)
	}
	logger.Info("recognizer ready", "recognizer", rec.String())

	var archiver server.Archiver
	if cfg.Archive.DSN != "" {
		store := archive.NewStore(logger)
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := store.Connect(connectCtx, cfg.Archive.DSN)
		cancel()
		if err != nil {
			logger.Error("failed to connect archive", "error", err)
			grpcServer.Stop()
			os.Exit(1)
		}
		defer store.Close()
		archiver = store
		logger.Info("archive enabled")
	}

	dispatcher := server.NewDispatcher(rec, cfg.MaxBatchSize,
		time.Duration(cfg.DecodeIntervalMs)*time.Millisecond, archiver, logger)
	g.Go(func() error { return dispatcher.Run(gctx) })

	lazyService.setServer(server.New(rec, dispatcher, logger))
	setServing(healthServer, healthgrpc.HealthCheckResponse_SERVING)
	logger.Info("adapter ready to serve requests", "engine", resolved)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested, stopping gRPC server")
		setServing(healthServer, healthgrpc.HealthCheckResponse_NOT_SERVING)

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			logger.Warn("graceful stop timed out, forcing stop")
			grpcServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("adapter terminated with error", "error", err)
		os.Exit(1)
	}
	logger.Info("adapter stopped")
}

func setServing(h *health.Server, st healthgrpc.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", st)
	h.SetServingStatus(server.ServiceName, st)
}

// loadModel resolves the configured engine. "auto" picks the ONNX model when
// it is compiled in and a model path is set, the stub otherwise. In auto
// mode with NUPI_DEV_MODE=1 a failing ONNX load falls back to the stub.
func loadModel(cfg config.Config, logger *slog.Logger) (engine.Model, string, error) {
	rc := cfg.Recognizer
	resolved := cfg.Engine
	auto := resolved == config.EngineAuto
	if auto {
		if engine.NativeAvailable() && rc.Model.Model != "" {
			resolved = config.EngineONNX
		} else {
			resolved = config.EngineStub
		}
	}

	if resolved == config.EngineONNX {
		model, err := engine.NewNativeModel(engine.ONNXOptions{
			Path:        rc.Model.Model,
			FeatureDim:  rc.Feat.FeatureDim,
			ChunkFrames: rc.Model.ChunkFrames,
			Subsampling: rc.Model.SubsamplingFactor,
			Vocab:       vocabSize(rc.Model.Tokens),
			NumThreads:  rc.Model.NumThreads,
			Provider:    rc.Model.Provider,
		})
		if err == nil {
			return model, resolved, nil
		}
		if !auto || os.Getenv("NUPI_DEV_MODE") != "1" {
			if auto {
				logger.Error("hint: set NUPI_DEV_MODE=1 to allow fallback to the stub engine")
			}
			return nil, "", err
		}
		logger.Warn("onnx model failed to load, falling back to stub engine (NUPI_DEV_MODE=1)",
			"error", err,
			"hint", "unset NUPI_DEV_MODE for production behavior")
		resolved = config.EngineStub
	}

	logger.Warn("using stub engine: results follow the input features and are NOT speech recognition",
		"hint", "build with -tags onnx and set model_config.model")
	model, err := engine.NewStubModel(rc.Feat.FeatureDim, vocabSize(rc.Model.Tokens), rc.Model.ChunkFrames, rc.Model.SubsamplingFactor)
	return model, resolved, err
}

// vocabSize reads the tokens file. Load errors are reported again by
// recognizer.New, so a failure here yields 0.
func vocabSize(path string) int {
	table, err := symbols.Load(path)
	if err != nil {
		return 0
	}
	return table.Size()
}

func newLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
