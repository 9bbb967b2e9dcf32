// Package recovery restores the browser session to a usable results page
// after a detail-page visit or a failed interaction.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/browser"
)

const maxBackAttempts = 2

// Config controls what counts as a restored results page.
type Config struct {
	// ResultsURLFragment must appear in the page URL.
	ResultsURLFragment string
	// ResultsTableSelector must match at least MinRows rows.
	ResultsTableSelector string
	RowSelector          string
	MinRows              int
	SettleDelay          time.Duration
}

func (c *Config) applyDefaults() {
	if c.ResultsURLFragment == "" {
		c.ResultsURLFragment = "Search.aspx"
	}
	if c.MinRows <= 0 {
		c.MinRows = 1
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
}

// Navigator returns the session to the results page. A false return means
// the results context is unrecoverable and the caller must stop iterating
// the current page.
type Navigator struct {
	drv    browser.Driver
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewNavigator builds a Navigator with defaults filled in.
func NewNavigator(drv browser.Driver, cfg Config, logger *zap.Logger) *Navigator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{drv: drv, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// BackToResults issues history-back navigations until the results page is
// verified, bounded at two attempts. Unbounded retries against a broken
// session only burn the request budget.
func (n *Navigator) BackToResults(ctx context.Context) (bool, error) {
	for attempt := 1; attempt <= maxBackAttempts; attempt++ {
		if err := n.drv.Back(ctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			n.logger.Warn("history back failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if err := n.sleep(ctx, n.cfg.SettleDelay); err != nil {
			return false, err
		}
		ok, err := n.verify(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			n.logger.Warn("results verification errored",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if ok {
			if attempt > 1 {
				n.logger.Info("results page restored after retry",
					zap.Int("attempt", attempt),
				)
			}
			return true, nil
		}
		n.logger.Warn("back navigation did not reach results page",
			zap.Int("attempt", attempt),
		)
	}
	return false, nil
}

// verify checks all three recovery conditions: URL, results table presence,
// and a minimum row count.
func (n *Navigator) verify(ctx context.Context) (bool, error) {
	loc, err := n.drv.Location(ctx)
	if err != nil {
		return false, fmt.Errorf("read location: %w", err)
	}
	if !strings.Contains(loc, n.cfg.ResultsURLFragment) {
		return false, nil
	}

	if n.cfg.ResultsTableSelector != "" {
		tables, err := n.drv.QueryAll(ctx, n.cfg.ResultsTableSelector)
		if err != nil {
			return false, fmt.Errorf("query results table: %w", err)
		}
		if len(tables) == 0 {
			return false, nil
		}
	}

	if n.cfg.RowSelector != "" {
		rows, err := n.drv.QueryAll(ctx, n.cfg.RowSelector)
		if err != nil {
			return false, fmt.Errorf("query result rows: %w", err)
		}
		if len(rows) < n.cfg.MinRows {
			return false, nil
		}
	}
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
