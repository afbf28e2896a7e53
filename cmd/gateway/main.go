package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/advisory"
	"github.com/sirengate/sirengate/pkg/audit"
	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/challenge"
	"github.com/sirengate/sirengate/pkg/config"
	"github.com/sirengate/sirengate/pkg/deception"
	"github.com/sirengate/sirengate/pkg/evolve"
	"github.com/sirengate/sirengate/pkg/feature"
	"github.com/sirengate/sirengate/pkg/gateway"
	"github.com/sirengate/sirengate/pkg/hive"
	"github.com/sirengate/sirengate/pkg/memory"
	"github.com/sirengate/sirengate/pkg/signature"
	"github.com/sirengate/sirengate/pkg/structural"
)

// stack is the assembled gateway. Every collaborator past the cascade is
// optional and degrades to nil when its backend is not configured or not
// reachable.
type stack struct {
	cfg        *config.Manager
	normalizer *feature.Normalizer
	runner     *cascade.Runner
	store      *memory.Store
	engine     *evolve.Engine
	feed       *hive.Feed
	limiter    *challenge.Limiter
	deceiver   *deception.Router
	auditor    *audit.Writer
	advisor    *advisory.Service
	logger     zerolog.Logger
}

// withTransport controls whether serve-only collaborators (audit sinks,
// hive feed, learning workers) are brought up. The score verb skips them.
func newStack(logger zerolog.Logger, withTransport bool) (*stack, error) {
	cfgPath := config.GetEnv("SIRENGATE_CONFIG", "")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	mgr := config.NewManager(cfg, cfgPath, logger)
	snap := mgr.Current()

	s := &stack{cfg: mgr, logger: logger}
	s.normalizer = feature.NewNormalizer(snap.DecodeLayerCap)

	// Signature stage: builtins plus optional YAML overlay.
	registry := signature.Builtin()
	if snap.SignatureDir != "" {
		n, err := signature.LoadDir(registry, snap.SignatureDir, logger)
		if err != nil {
			logger.Warn().Err(err).Str("dir", snap.SignatureDir).Msg("○ signature overlay skipped")
		} else {
			logger.Info().Int("loaded", n).Msg("✓ signature overlay loaded")
		}
	}
	sigStage := signature.NewMatcher(registry, logger)
	logger.Info().Int("patterns", registry.Len()).Msg("✓ signature library ready")

	// Structural stage: heuristics, refined by an ONNX classifier when a
	// model is on disk.
	onnx := structural.LoadOnnxModel(snap.ModelPath, logger)
	if onnx != nil {
		logger.Info().Msg("✓ structural classifier ready (heuristics + ONNX)")
	} else {
		logger.Info().Msg("✓ structural classifier ready (heuristics only)")
	}
	structuralStage := structural.NewClassifier(onnx, logger)

	// Semantic stage: attack memory over chromem-go with Ollama embeddings.
	var semanticStage cascade.Stage
	embedder := memory.NewOllamaEmbedder(snap.EmbedURL, snap.EmbedModel, snap.EmbedDimension)
	store, err := memory.NewStore(embedder, snap.Memory, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("○ attack memory disabled (store init failed)")
	} else {
		s.store = store
		semanticStage = memory.NewMatcher(store, mgr, logger)
		logger.Info().Msg("✓ attack memory ready (chromem-go + embeddings)")
	}

	s.runner = cascade.NewRunner(sigStage, structuralStage, semanticStage, mgr, logger)

	if !withTransport {
		return s, nil
	}

	// Hive feed: cross-instance blocklist over NATS JetStream.
	if s.store != nil {
		feed, err := hive.Connect(snap.NATSURL, snap.HiveSubject, embedder, s.store, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("○ hive feed disabled (connect failed)")
		} else if feed != nil {
			if err := feed.Listen(); err != nil {
				logger.Warn().Err(err).Msg("○ hive subscription failed, share-only mode")
			}
			s.feed = feed
			logger.Info().Str("subject", snap.HiveSubject).Msg("✓ hive feed connected")
		} else {
			logger.Info().Msg("○ hive feed disabled (no NATS URL)")
		}
	}

	// Advisory co-pilot: patch proposals for confirmed attacks.
	if client := advisory.NewClient(snap.AdvisoryURL, logger); client != nil {
		var proposals advisory.ProposalStore
		if snap.AdvisoryDSN != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			pg, err := advisory.NewPGStore(ctx, snap.AdvisoryDSN)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("○ advisory proposals falling back to in-memory store")
			} else {
				proposals = pg
			}
		}
		s.advisor = advisory.NewService(client, proposals, snap.AdvisoryAutopilot, logger)
		logger.Info().Bool("autopilot", snap.AdvisoryAutopilot).Msg("✓ advisory service ready")
	} else {
		logger.Info().Msg("○ advisory disabled (no URL)")
	}

	// Learning loop: reinforcement, hive shares and patch proposals run
	// off the request path.
	if s.store != nil {
		s.engine = evolve.NewEngine(s.store, s.feed, s.advisor, mgr, logger)
		s.engine.Start(2)
		logger.Info().Msg("✓ learning workers started")
	}

	s.limiter = challenge.NewLimiter(snap.RedisAddr, mgr, logger)
	if s.limiter != nil {
		logger.Info().Str("addr", snap.RedisAddr).Msg("✓ challenge limiter ready")
	} else {
		logger.Info().Msg("○ challenge limiter disabled (no Redis, challenges fail open)")
	}

	s.deceiver = deception.NewRouter(snap.DeceptionURL, logger)
	if s.deceiver != nil {
		logger.Info().Str("endpoint", snap.DeceptionURL).Msg("✓ deception endpoint ready")
	} else {
		logger.Info().Msg("○ deception disabled (attacks get 403)")
	}

	// Audit trail: JSONL file always, Postgres when a DSN is configured.
	sinks := make([]audit.Sink, 0, 2)
	if fileSink, err := audit.NewFileSink(snap.AuditLogPath); err != nil {
		logger.Warn().Err(err).Str("path", snap.AuditLogPath).Msg("○ audit file sink disabled")
	} else {
		sinks = append(sinks, fileSink)
	}
	if snap.AuditDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgSink, err := audit.NewPGSink(ctx, snap.AuditDSN)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("○ audit postgres sink disabled")
		} else {
			sinks = append(sinks, pgSink)
		}
	}
	s.auditor = audit.NewWriter(logger, sinks...)
	logger.Info().Int("sinks", len(sinks)).Msg("✓ audit trail ready")

	return s, nil
}

func (s *stack) close() {
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.feed != nil {
		s.feed.Close()
	}
	if s.limiter != nil {
		_ = s.limiter.Close()
	}
	if s.auditor != nil {
		s.auditor.Close()
	}
}

func runServe(addr string) {
	logger := newLogger()
	s, err := newStack(logger, true)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer s.close()

	if addr == "" {
		addr = s.cfg.Current().ListenAddr
	} else if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	srv := gateway.NewServer(gateway.Deps{
		Config:     s.cfg,
		Normalizer: s.normalizer,
		Runner:     s.runner,
		Store:      s.store,
		Engine:     s.engine,
		Limiter:    s.limiter,
		Deceiver:   s.deceiver,
		Auditor:    s.auditor,
		Feed:       s.feed,
		Advisor:    s.advisor,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(addr) }()
	logger.Info().Str("addr", addr).Str("backend", s.cfg.Current().BackendURL).Msg("sirengate listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if _, err := s.cfg.Reload(); err != nil {
					logger.Error().Err(err).Msg("reload failed, keeping previous config")
				} else {
					logger.Info().Msg("configuration reloaded")
				}
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			if err := srv.Shutdown(); err != nil {
				logger.Error().Err(err).Msg("shutdown error")
			}
			return
		case err := <-errCh:
			if err != nil {
				logger.Fatal().Err(err).Msg("server stopped")
			}
			return
		}
	}
}

// runScore pushes one payload through the cascade and prints the decision.
// Useful for tuning thresholds and signature overlays offline.
func runScore(text string) {
	logger := newLogger()
	s, err := newStack(logger, false)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	fs := s.normalizer.Normalize(feature.RawRequest{
		Method: "POST",
		Path:   "/score",
		Body:   text,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	decision := s.runner.Decide(ctx, fs)

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("encode decision")
	}
	fmt.Println(string(out))
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(config.GetEnv("SIRENGATE_LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		addr := ""
		if len(os.Args) > 2 {
			addr = os.Args[2]
		}
		runServe(addr)
	case "score":
		if len(os.Args) < 3 {
			fmt.Println("Usage: sirengate score <text>")
			os.Exit(1)
		}
		runScore(strings.Join(os.Args[2:], " "))
	case "version":
		fmt.Printf("sirengate v%s\n", gateway.Version)
		fmt.Println("Inline traffic inspection gateway with deception routing")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("sirengate v%s - inline traffic inspection gateway\n\n", gateway.Version)
	fmt.Println("Usage:")
	fmt.Println("  sirengate serve [addr]   Start the gateway (default from SIRENGATE_LISTEN)")
	fmt.Println("  sirengate score <text>   Score a payload through the cascade")
	fmt.Println("  sirengate version        Show version")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  sirengate serve 8080")
	fmt.Println("  sirengate score \"id=1 union select password from users\"")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  SIRENGATE_CONFIG         Path to YAML config (env overrides still apply)")
	fmt.Println("  SIRENGATE_BACKEND_URL    Protected service to forward clean traffic to")
	fmt.Println("  SIRENGATE_DECEPTION_URL  Honeypot endpoint for confirmed attacks")
	fmt.Println("  SIRENGATE_EMBED_URL      Ollama-compatible embeddings server")
	fmt.Println("  SIRENGATE_NATS_URL       Hive blocklist feed (NATS JetStream)")
	fmt.Println("  SIRENGATE_REDIS_ADDR     Challenge rate limiter backend")
}
