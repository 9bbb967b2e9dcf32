// Package vpn wraps the Mullvad command line client. Runs are routed
// through the VPN so repeated crawls do not present a stable residential
// address to the target site.
package vpn

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config controls VPN handling for a run.
type Config struct {
	// Enabled gates all VPN interaction. When false every method is a no-op.
	Enabled bool
	// Relay is an optional relay location passed to `mullvad relay set
	// location` before connecting.
	Relay string
	// ConnectTimeout bounds how long to wait for the tunnel to come up.
	ConnectTimeout time.Duration
	// Required makes a failed connection fatal to the run instead of a
	// logged warning.
	Required bool
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// runner executes a CLI command and returns combined output. Tests swap it.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// Mullvad manages the tunnel through the `mullvad` binary.
type Mullvad struct {
	cfg    Config
	logger *zap.Logger
	run    runner
	sleep  func(context.Context, time.Duration) error
}

// New builds a Mullvad manager.
func New(cfg Config, logger *zap.Logger) *Mullvad {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mullvad{cfg: cfg, logger: logger, run: execRunner, sleep: sleepCtx}
}

// Connected reports whether the tunnel is currently up.
func (m *Mullvad) Connected(ctx context.Context) (bool, error) {
	out, err := m.run(ctx, "mullvad", "status")
	if err != nil {
		return false, fmt.Errorf("mullvad status: %w", err)
	}
	return strings.Contains(strings.ToLower(out), "connected") &&
		!strings.Contains(strings.ToLower(out), "disconnected"), nil
}

// EnsureConnected brings the tunnel up if it is not already. When the
// config marks the VPN as not required, failures degrade to a warning so a
// local development run still works.
func (m *Mullvad) EnsureConnected(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	up, err := m.Connected(ctx)
	if err == nil && up {
		m.logger.Info("vpn tunnel already connected")
		return nil
	}
	if err != nil {
		m.logger.Warn("vpn status check failed", zap.Error(err))
	}

	if m.cfg.Relay != "" {
		args := append([]string{"relay", "set", "location"}, strings.Fields(m.cfg.Relay)...)
		if out, err := m.run(ctx, "mullvad", args...); err != nil {
			m.logger.Warn("vpn relay selection failed",
				zap.String("relay", m.cfg.Relay),
				zap.String("output", strings.TrimSpace(out)),
				zap.Error(err),
			)
		}
	}

	if out, err := m.run(ctx, "mullvad", "connect"); err != nil {
		return m.connectFailure(fmt.Errorf("mullvad connect: %w (%s)", err, strings.TrimSpace(out)))
	}

	deadline := time.Now().Add(m.cfg.ConnectTimeout)
	for time.Now().Before(deadline) {
		if err := m.sleep(ctx, 2*time.Second); err != nil {
			return err
		}
		up, err := m.Connected(ctx)
		if err != nil {
			continue
		}
		if up {
			m.logger.Info("vpn tunnel connected")
			return nil
		}
	}
	return m.connectFailure(fmt.Errorf("vpn tunnel did not come up within %s", m.cfg.ConnectTimeout))
}

func (m *Mullvad) connectFailure(err error) error {
	if m.cfg.Required {
		return err
	}
	m.logger.Warn("continuing without vpn", zap.Error(err))
	return nil
}

// Disconnect tears the tunnel down. Failures are logged, not returned;
// teardown runs during shutdown where there is nothing left to abort.
func (m *Mullvad) Disconnect(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	if out, err := m.run(ctx, "mullvad", "disconnect"); err != nil {
		m.logger.Warn("vpn disconnect failed",
			zap.String("output", strings.TrimSpace(out)),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("vpn tunnel disconnected")
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
