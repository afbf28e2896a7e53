// Package challenge handles SUSPICIOUS traffic. The current posture is
// allow-with-logging behind a per-client rate limit: a suspicious client
// keeps working within its budget, gets 429 beyond it, and every challenged
// request is audited either way. The limit tier fails open; ATTACK handling
// never passes through here.
package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/config"
)

// Verdict is the limiter's answer for one suspicious request.
type Verdict struct {
	Allowed   bool
	Remaining int
	// FailOpen marks verdicts issued while the limiter backend was down.
	FailOpen bool
}

// Limiter is a sliding-window counter over Redis, keyed by client and
// target service. A nil Limiter allows everything, which is how the
// gateway runs without Redis configured.
type Limiter struct {
	rdb    *redis.Client
	cfg    *config.Manager
	logger zerolog.Logger
	now    func() time.Time
}

// NewLimiter connects to Redis at addr. An empty addr returns nil.
func NewLimiter(addr string, cfg *config.Manager, logger zerolog.Logger) *Limiter {
	if addr == "" {
		return nil
	}
	return &Limiter{
		rdb:    redis.NewClient(&redis.Options{Addr: addr}),
		cfg:    cfg,
		logger: logger.With().Str("component", "challenge").Logger(),
		now:    time.Now,
	}
}

// Allow records one suspicious request for the client/service pair and
// reports whether it fits the window budget. Backend trouble allows the
// request and flags the verdict.
func (l *Limiter) Allow(ctx context.Context, clientIP, service string) Verdict {
	if l == nil {
		return Verdict{Allowed: true, FailOpen: true}
	}

	snap := l.cfg.Current()
	budget := snap.ChallengeBudget
	window := snap.ChallengeWindow

	key := fmt.Sprintf("challenge:%s:%s", clientIP, service)
	now := l.now().UTC()
	cutoff := now.Add(-window)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Str("client", clientIP).Msg("limiter backend down, challenge fails open")
		return Verdict{Allowed: true, FailOpen: true}
	}

	used := int(card.Val())
	remaining := budget - used
	if remaining < 0 {
		remaining = 0
	}
	return Verdict{Allowed: used <= budget, Remaining: remaining}
}

// Close releases the Redis connection.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	return l.rdb.Close()
}
