// Package pacing inserts humanized delays between browser actions.
package pacing

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lienwatch/noticecrawl/internal/metrics"
)

// Config controls delay ranges and the extended-pause cadence.
type Config struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	LongPauseEvery int
	LongPauseMin   time.Duration
	LongPauseMax   time.Duration
	// MaxActionsPerSecond caps burst rate regardless of the random draw.
	// Zero means no cap.
	MaxActionsPerSecond float64
}

func defaults(cfg Config) Config {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 3 * time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = 8 * time.Second
	}
	if cfg.LongPauseEvery <= 0 {
		cfg.LongPauseEvery = 10
	}
	if cfg.LongPauseMin <= 0 {
		cfg.LongPauseMin = 5 * time.Second
	}
	if cfg.LongPauseMax < cfg.LongPauseMin {
		cfg.LongPauseMax = 10 * time.Second
	}
	return cfg
}

// Pacer produces randomized inter-action delays and a periodic extended
// pause. A fixed delay is itself a detectable signature, so every wait is
// drawn from a range.
type Pacer struct {
	cfg     Config
	rng     *rand.Rand
	limiter *rate.Limiter
	sleep   func(context.Context, time.Duration) error
	logger  *zap.Logger
}

// New constructs a Pacer. The logger may be nil.
func New(cfg Config, logger *zap.Logger) *Pacer {
	cfg = defaults(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.MaxActionsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxActionsPerSecond), 1)
	}
	metrics.Init()
	return &Pacer{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		limiter: limiter,
		sleep:   sleepCtx,
		logger:  logger,
	}
}

// Pause blocks for a randomized delay. noticeNum is the 1-based count of
// notices processed so far; every LongPauseEvery notices an extended pause
// is appended.
func (p *Pacer) Pause(ctx context.Context, noticeNum int) error {
	d := p.between(p.cfg.MinDelay, p.cfg.MaxDelay)
	p.logger.Debug("inter-action delay", zap.Duration("delay", d))
	metrics.ObservePacingDelay(d)
	if err := p.sleep(ctx, d); err != nil {
		return err
	}

	if noticeNum > 0 && noticeNum%p.cfg.LongPauseEvery == 0 {
		long := p.between(p.cfg.LongPauseMin, p.cfg.LongPauseMax)
		p.logger.Info("extended pause",
			zap.Int("notices", noticeNum),
			zap.Duration("pause", long),
		)
		if err := p.sleep(ctx, long); err != nil {
			return err
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return nil
}

// Between returns a random duration in [min, max]. Exposed for the
// challenge engine, whose post-click waits need the same jitter.
func (p *Pacer) Between(min, max time.Duration) time.Duration {
	return p.between(min, max)
}

// Sleep waits for a randomized duration in [min, max], honoring ctx.
func (p *Pacer) Sleep(ctx context.Context, min, max time.Duration) error {
	return p.sleep(ctx, p.between(min, max))
}

func (p *Pacer) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.rng.Int63n(int64(max-min)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacing interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
