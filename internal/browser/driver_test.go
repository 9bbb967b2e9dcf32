package browser

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClickChainStopsAtFirstSuccess(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	fake.OnClick = func(_ string, strategy ClickStrategy) error {
		if strategy == ClickDirect {
			return errors.New("intercepted by overlay")
		}
		return nil
	}

	err := ClickChain(context.Background(), fake, "#btn", ClickDirect, ClickScripted, ClickCoordinates)
	require.NoError(t, err)
	// Direct failed, scripted succeeded, coordinates never attempted.
	require.Equal(t, []string{"#btn:0", "#btn:1"}, fake.ClickLog)
}

func TestClickChainReportsLastError(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	fake.OnClick = func(string, ClickStrategy) error {
		return errors.New("node not found")
	}

	err := ClickChain(context.Background(), fake, "#btn", ClickDirect, ClickScripted)
	require.Error(t, err)
	require.Contains(t, err.Error(), "all click strategies failed")
	require.Len(t, fake.ClickLog, 2)
}

func TestClickChainWithoutStrategies(t *testing.T) {
	t.Parallel()

	err := ClickChain(context.Background(), NewFake(), "#btn")
	require.Error(t, err)
}
