package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lienwatch/noticecrawl/internal/browser"
)

const (
	gridSel = "#results-grid"
	rowSel  = "#results-grid tr.row"
)

func newTestNavigator(fake *browser.Fake) *Navigator {
	n := NewNavigator(fake, Config{
		ResultsTableSelector: gridSel,
		RowSelector:          rowSel,
		MinRows:              1,
	}, nil)
	n.sleep = func(context.Context, time.Duration) error { return nil }
	return n
}

func resultsState(fake *browser.Fake) {
	fake.URLValue = "https://www.mnpublicnotice.com/Search.aspx"
	fake.Elements[gridSel] = []browser.Element{{Selector: gridSel}}
	fake.Elements[rowSel] = []browser.Element{{Selector: "#row1"}}
}

func TestBackRestoresResultsFirstTry(t *testing.T) {
	t.Parallel()

	fake := browser.NewFake()
	fake.URLValue = "https://www.mnpublicnotice.com/Details.aspx?ID=1"
	fake.OnBack = func() error {
		resultsState(fake)
		return nil
	}

	ok, err := newTestNavigator(fake).BackToResults(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, fake.BackCount)
}

func TestBackRetriesOnceThenSucceeds(t *testing.T) {
	t.Parallel()

	fake := browser.NewFake()
	fake.URLValue = "https://www.mnpublicnotice.com/Details.aspx?ID=1"
	fake.OnBack = func() error {
		// First back lands on an intermediate page; second reaches results.
		if fake.BackCount == 1 {
			fake.URLValue = "https://www.mnpublicnotice.com/Intermediate.aspx"
			return nil
		}
		resultsState(fake)
		return nil
	}

	ok, err := newTestNavigator(fake).BackToResults(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, fake.BackCount)
}

// Two failed attempts must terminate recovery; a third back navigation
// would run against a session already known to be broken.
func TestBackGivesUpAfterTwoAttempts(t *testing.T) {
	t.Parallel()

	fake := browser.NewFake()
	fake.URLValue = "https://www.mnpublicnotice.com/Details.aspx?ID=1"

	ok, err := newTestNavigator(fake).BackToResults(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, fake.BackCount)
}

func TestURLAloneIsNotEnough(t *testing.T) {
	t.Parallel()

	fake := browser.NewFake()
	fake.OnBack = func() error {
		// Right URL, but the grid never materializes.
		fake.URLValue = "https://www.mnpublicnotice.com/Search.aspx"
		return nil
	}

	ok, err := newTestNavigator(fake).BackToResults(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMinRowsEnforced(t *testing.T) {
	t.Parallel()

	fake := browser.NewFake()
	fake.OnBack = func() error {
		fake.URLValue = "https://www.mnpublicnotice.com/Search.aspx"
		fake.Elements[gridSel] = []browser.Element{{Selector: gridSel}}
		// Grid present but empty.
		fake.Elements[rowSel] = nil
		return nil
	}

	ok, err := newTestNavigator(fake).BackToResults(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
