// Package gateway is the transport shell: a Fiber app that inspects every
// inbound request through the scoring cascade and then forwards, challenges
// or deceives it. Operator surfaces (status, attack search, config reload,
// patch proposals) hang off the same app under /api and /admin.
package gateway

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/advisory"
	"github.com/sirengate/sirengate/pkg/audit"
	"github.com/sirengate/sirengate/pkg/cascade"
	"github.com/sirengate/sirengate/pkg/challenge"
	"github.com/sirengate/sirengate/pkg/config"
	"github.com/sirengate/sirengate/pkg/deception"
	"github.com/sirengate/sirengate/pkg/evolve"
	"github.com/sirengate/sirengate/pkg/feature"
	"github.com/sirengate/sirengate/pkg/hive"
	"github.com/sirengate/sirengate/pkg/httputil"
	"github.com/sirengate/sirengate/pkg/memory"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Deps bundles the inspection pipeline and its collaborators. Runner,
// Normalizer, Config and Auditor are required; everything else may be nil
// and the matching feature degrades.
type Deps struct {
	Config     *config.Manager
	Normalizer *feature.Normalizer
	Runner     *cascade.Runner
	Store      *memory.Store
	Engine     *evolve.Engine
	Limiter    *challenge.Limiter
	Deceiver   *deception.Router
	Auditor    *audit.Writer
	Feed       *hive.Feed
	Advisor    *advisory.Service
	Logger     zerolog.Logger
}

// Server owns the Fiber app and the routing counters surfaced on
// /api/status.
type Server struct {
	app  *fiber.App
	deps Deps
	log  zerolog.Logger

	// replaySlots caps concurrent honeypot replays.
	replaySlots *httputil.Semaphore

	forwarded    atomic.Int64
	challenged   atomic.Int64
	refused      atomic.Int64
	deceived     atomic.Int64
	blocked      atomic.Int64
	upstreamErrs atomic.Int64

	// confirmed attacks broken down for /api/status
	attackMu      sync.Mutex
	attacksByType map[string]int64
	attacksByLvl  map[string]int64

	startedAt time.Time
}

// NewServer builds the app and registers all routes. The catch-all
// inspection route is registered last so the operator surfaces keep
// their paths.
func NewServer(deps Deps) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:   "sirengate " + Version,
			BodyLimit: httputil.MaxBodyBytes,
		}),
		deps:          deps,
		log:           deps.Logger,
		replaySlots:   httputil.NewSemaphore(64),
		attacksByType: map[string]int64{},
		attacksByLvl:  map[string]int64{},
		startedAt:     time.Now(),
	}

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/api/status", s.handleStatus)
	s.app.Get("/api/attacks/search", s.handleSearch)
	s.app.Get("/api/advisory/proposals", s.handleProposals)
	s.app.Post("/api/advisory/proposals/:id/approve", s.handleApprove)
	s.app.Post("/api/advisory/proposals/:id/reject", s.handleReject)
	s.app.Post("/admin/reload", s.handleReload)
	s.app.All("/*", s.handleInspect)

	return s
}

// App exposes the underlying Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks serving the app on addr.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleStatus(c fiber.Ctx) error {
	status := fiber.Map{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"routing": fiber.Map{
			"forwarded":       s.forwarded.Load(),
			"challenged":      s.challenged.Load(),
			"refused":         s.refused.Load(),
			"deceived":        s.deceived.Load(),
			"blocked":         s.blocked.Load(),
			"upstream_errors": s.upstreamErrs.Load(),
		},
		"replay_slots": s.replaySlots.Stats(),
		"attacks":      s.attackStats(),
	}
	if s.deps.Store != nil {
		status["memory"] = fiber.Map{"records": s.deps.Store.Count()}
	}
	if s.deps.Engine != nil {
		status["evolution"] = s.deps.Engine.Stats()
	}
	if s.deps.Auditor != nil {
		status["audit"] = s.deps.Auditor.Stats()
	}
	if s.deps.Feed != nil {
		status["hive"] = fiber.Map{
			"connected": s.deps.Feed.Connected(),
			"counters":  s.deps.Feed.Stats(),
		}
	}
	if s.deps.Deceiver != nil {
		status["deception_served"] = s.deps.Deceiver.Served()
	}
	return c.JSON(status)
}

func (s *Server) attackStats() fiber.Map {
	s.attackMu.Lock()
	defer s.attackMu.Unlock()
	byType := make(map[string]int64, len(s.attacksByType))
	for k, v := range s.attacksByType {
		byType[k] = v
	}
	byLevel := make(map[string]int64, len(s.attacksByLvl))
	for k, v := range s.attacksByLvl {
		byLevel[k] = v
	}
	return fiber.Map{"by_type": byType, "by_level": byLevel}
}

func (s *Server) recordAttack(attackType, level string) {
	s.attackMu.Lock()
	s.attacksByType[attackType]++
	s.attacksByLvl[level]++
	s.attackMu.Unlock()
}

func (s *Server) handleSearch(c fiber.Ctx) error {
	if s.deps.Store == nil {
		return c.Status(503).JSON(fiber.Map{"error": "attack memory disabled"})
	}
	q := c.Query("q")
	if q == "" {
		return c.Status(400).JSON(fiber.Map{"error": "missing query parameter: q"})
	}
	topK := s.deps.Config.Current().Memory.TopK
	if raw := c.Query("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return c.Status(400).JSON(fiber.Map{"error": "top_k must be a positive integer"})
		}
		topK = n
	}

	matches, err := s.deps.Store.Search(c.Context(), q, topK)
	if err != nil {
		s.log.Error().Err(err).Msg("attack search failed")
		return c.Status(500).JSON(fiber.Map{"error": "search failed"})
	}
	if matches == nil {
		matches = []memory.Match{}
	}
	return c.JSON(fiber.Map{
		"query":   q,
		"count":   len(matches),
		"matches": matches,
	})
}

func (s *Server) handleProposals(c fiber.Ctx) error {
	if s.deps.Advisor == nil {
		return c.Status(503).JSON(fiber.Map{"error": "advisory disabled"})
	}
	pending, err := s.deps.Advisor.Pending(c.Context())
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	if pending == nil {
		pending = []advisory.Proposal{}
	}
	return c.JSON(fiber.Map{"count": len(pending), "proposals": pending})
}

func (s *Server) handleApprove(c fiber.Ctx) error {
	if s.deps.Advisor == nil {
		return c.Status(503).JSON(fiber.Map{"error": "advisory disabled"})
	}
	id := c.Params("id")
	if err := s.deps.Advisor.Approve(c.Context(), id); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"id": id, "status": "approved"})
}

func (s *Server) handleReject(c fiber.Ctx) error {
	if s.deps.Advisor == nil {
		return c.Status(503).JSON(fiber.Map{"error": "advisory disabled"})
	}
	id := c.Params("id")
	if err := s.deps.Advisor.Reject(c.Context(), id); err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"id": id, "status": "rejected"})
}

func (s *Server) handleReload(c fiber.Ctx) error {
	cfg, err := s.deps.Config.Reload()
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	s.log.Info().Msg("configuration reloaded")
	return c.JSON(fiber.Map{
		"status":     "reloaded",
		"thresholds": cfg.Thresholds,
	})
}
