package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lienwatch/noticecrawl/internal/crawl"
	"github.com/lienwatch/noticecrawl/internal/extract"
)

func TestCrawlCommandFlags(t *testing.T) {
	t.Parallel()

	cmd := newCrawlCmd()
	for _, name := range []string{"headless", "keywords", "day-window", "max-pages"} {
		require.NotNil(t, cmd.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestEstimateRunCostUSD(t *testing.T) {
	t.Parallel()

	require.Zero(t, estimateRunCostUSD(0, 0))
	require.InDelta(t, 0.003, estimateRunCostUSD(1, 0), 1e-9)
	require.InDelta(t, 0.002, estimateRunCostUSD(0, 1), 1e-9)
	require.InDelta(t, 10*0.003+50*0.002, estimateRunCostUSD(10, 50), 1e-9)
}

func TestLogSummaryReportsExtractionStatsAndCost(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	logSummary(zap.New(core), crawl.Summary{
		SearchDate:       time.Date(2026, time.August, 22, 0, 0, 0, 0, time.UTC),
		ChallengesSolved: 2,
	}, extract.Stats{ModelCalls: 5, ModelFailures: 1, FallbackApplied: 1})

	entries := logs.FilterMessage("run finished").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	require.EqualValues(t, 5, fields["model_calls"])
	require.EqualValues(t, 1, fields["fallback_extractions"])
	require.Equal(t, "0.016", fields["estimated_cost_usd"])
}
