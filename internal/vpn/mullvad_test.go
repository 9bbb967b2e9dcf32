package vpn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

func scriptedRunner(calls *[]call, respond func(args []string) (string, error)) runner {
	return func(_ context.Context, name string, args ...string) (string, error) {
		*calls = append(*calls, call{name: name, args: args})
		return respond(args)
	}
}

func newTestMullvad(cfg Config, calls *[]call, respond func(args []string) (string, error)) *Mullvad {
	m := New(cfg, nil)
	m.run = scriptedRunner(calls, respond)
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestEnsureConnectedNoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	var calls []call
	m := newTestMullvad(Config{Enabled: false}, &calls, func([]string) (string, error) {
		return "", nil
	})
	require.NoError(t, m.EnsureConnected(context.Background()))
	require.Empty(t, calls)
}

func TestEnsureConnectedSkipsWhenTunnelUp(t *testing.T) {
	t.Parallel()

	var calls []call
	m := newTestMullvad(Config{Enabled: true}, &calls, func([]string) (string, error) {
		return "Connected to se-got-wg-001 in Gothenburg, Sweden", nil
	})
	require.NoError(t, m.EnsureConnected(context.Background()))
	require.Len(t, calls, 1)
	require.Equal(t, []string{"status"}, calls[0].args)
}

func TestEnsureConnectedBringsTunnelUp(t *testing.T) {
	t.Parallel()

	var calls []call
	connected := false
	m := newTestMullvad(Config{Enabled: true, Relay: "us mnp", ConnectTimeout: time.Second}, &calls,
		func(args []string) (string, error) {
			switch args[0] {
			case "status":
				if connected {
					return "Connected", nil
				}
				return "Disconnected", nil
			case "relay":
				return "", nil
			case "connect":
				connected = true
				return "", nil
			default:
				return "", errors.New("unexpected command")
			}
		})

	require.NoError(t, m.EnsureConnected(context.Background()))

	var subcommands []string
	for _, c := range calls {
		subcommands = append(subcommands, strings.Join(c.args[:1], ""))
	}
	require.Contains(t, subcommands, "relay")
	require.Contains(t, subcommands, "connect")
}

func TestConnectFailureFatalWhenRequired(t *testing.T) {
	t.Parallel()

	var calls []call
	m := newTestMullvad(Config{Enabled: true, Required: true, ConnectTimeout: 10 * time.Millisecond}, &calls,
		func(args []string) (string, error) {
			if args[0] == "connect" {
				return "Error: daemon not running", errors.New("exit status 1")
			}
			return "Disconnected", nil
		})
	require.Error(t, m.EnsureConnected(context.Background()))
}

func TestConnectFailureSoftWhenOptional(t *testing.T) {
	t.Parallel()

	var calls []call
	m := newTestMullvad(Config{Enabled: true, Required: false, ConnectTimeout: 10 * time.Millisecond}, &calls,
		func(args []string) (string, error) {
			if args[0] == "connect" {
				return "", errors.New("exit status 1")
			}
			return "Disconnected", nil
		})
	require.NoError(t, m.EnsureConnected(context.Background()))
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	var calls []call
	m := newTestMullvad(Config{Enabled: true}, &calls, func([]string) (string, error) {
		return "", nil
	})
	m.Disconnect(context.Background())
	require.Len(t, calls, 1)
	require.Equal(t, []string{"disconnect"}, calls[0].args)
}
