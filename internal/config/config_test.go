package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	require.Equal(t, "https://www.mnpublicnotice.com/Search.aspx", cfg.Search.URL)
	require.Equal(t, []string{"foreclosure"}, cfg.Search.Keywords)
	require.Equal(t, 50, cfg.Search.PageSize)
	require.False(t, cfg.Search.AbortOnDetection)
	require.True(t, cfg.Browser.Headless)
	require.InDelta(t, 3.0, cfg.Pacing.MinDelaySeconds, 0.001)
	require.InDelta(t, 8.0, cfg.Pacing.MaxDelaySeconds, 0.001)
	require.Equal(t, 10, cfg.Pacing.LongPauseEvery)
	require.Equal(t, "https://2captcha.com", cfg.Captcha.BaseURL)
	require.Equal(t, "output", cfg.Output.Dir)
	require.False(t, cfg.DB.Enabled)
	require.Equal(t, 1, cfg.Recovery.MinRows)
	require.True(t, cfg.Status.Enabled)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
search:
  keywords: ["foreclosure", "sheriff sale"]
  page_size: 25
  abort_on_detection: true
pacing:
  min_delay_seconds: 2
  max_delay_seconds: 5
db:
  enabled: true
  dsn: postgres://localhost/notices
status:
  port: 9091
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"foreclosure", "sheriff sale"}, cfg.Search.Keywords)
	require.Equal(t, 25, cfg.Search.PageSize)
	require.True(t, cfg.Search.AbortOnDetection)
	require.InDelta(t, 2.0, cfg.Pacing.MinDelaySeconds, 0.001)
	require.True(t, cfg.DB.Enabled)
	require.Equal(t, 9091, cfg.Status.Port)
}

func newTestFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Bool("headless", true, "")
	flags.StringSlice("keywords", nil, "")
	flags.Int("day-window", 0, "")
	flags.Int("max-pages", 0, "")
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadWithFlagOverrides(t *testing.T) {
	flags := newTestFlags(t,
		"--headless=false",
		"--keywords=probate,lien",
		"--day-window=3",
		"--max-pages=2",
	)

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.False(t, cfg.Browser.Headless)
	require.Equal(t, []string{"probate", "lien"}, cfg.Search.Keywords)
	require.Equal(t, 3, cfg.Search.DayWindow)
	require.Equal(t, 2, cfg.Search.MaxPages)
}

func TestUnchangedFlagsKeepDefaults(t *testing.T) {
	cfg, err := Load("", newTestFlags(t))
	require.NoError(t, err)
	require.Equal(t, []string{"foreclosure"}, cfg.Search.Keywords)
	require.True(t, cfg.Browser.Headless)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Search.URL = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Search.Keywords = nil
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Search.PageSize = 51
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Pacing.MaxDelaySeconds = 1
	cfg.Pacing.MinDelaySeconds = 2
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.DB.Enabled = true
	cfg.DB.DSN = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Recovery.MinRows = 0
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}
