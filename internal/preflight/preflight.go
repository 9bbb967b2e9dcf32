// Package preflight probes the target site before a crawl starts. The
// browser session is expensive to set up; a plain HTTP reachability check
// catches network and DNS problems first.
package preflight

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config controls the probe.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Result is what the probe observed.
type Result struct {
	StatusCode int
	BodyBytes  int
	Elapsed    time.Duration
}

// Prober checks that the search page answers over plain HTTP.
type Prober struct {
	cfg       Config
	collector *colly.Collector
	logger    *zap.Logger
}

// New builds a Prober.
func New(cfg Config, logger *zap.Logger) *Prober {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Prober{cfg: cfg, collector: c, logger: logger}
}

// Check fetches url once and reports reachability. A non-2xx status or a
// transport error fails the probe.
func (p *Prober) Check(ctx context.Context, url string) (Result, error) {
	collector := p.collector.Clone()

	var (
		result   Result
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.BodyBytes = len(r.Body)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case visitErr := <-done:
		result.Elapsed = time.Since(start)
		if fetchErr != nil {
			return result, fmt.Errorf("probe %s: %w", url, fetchErr)
		}
		if visitErr != nil {
			return result, fmt.Errorf("probe %s: %w", url, visitErr)
		}
	}

	if result.StatusCode < 200 || result.StatusCode > 299 {
		return result, fmt.Errorf("probe %s: unexpected status %d", url, result.StatusCode)
	}
	p.logger.Info("preflight probe succeeded",
		zap.String("url", url),
		zap.Int("status", result.StatusCode),
		zap.Int("body_bytes", result.BodyBytes),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}
