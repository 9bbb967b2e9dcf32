// Package crawl drives the full notice run: search setup, per-notice
// iteration, challenge handling, extraction, and pagination.
package crawl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/browser"
	"github.com/lienwatch/noticecrawl/internal/captcha"
	"github.com/lienwatch/noticecrawl/internal/dedup"
	"github.com/lienwatch/noticecrawl/internal/extract"
	"github.com/lienwatch/noticecrawl/internal/metrics"
	"github.com/lienwatch/noticecrawl/internal/notice"
	"github.com/lienwatch/noticecrawl/internal/pacing"
	"github.com/lienwatch/noticecrawl/internal/recovery"
	"github.com/lienwatch/noticecrawl/internal/sink"
)

// Selectors for the search form and results grid. The site is a WebForms
// application; control IDs are stable across deployments.
const (
	keywordInputSel    = "#ctl00_ContentPlaceHolder1_as1_txtSearch"
	anyWordsRadioSel   = "#ctl00_ContentPlaceHolder1_as1_rdoType_1"
	dateRangeToggleSel = "#ctl00_ContentPlaceHolder1_as1_divDateRange"
	dateRangeRadioSel  = "#ctl00_ContentPlaceHolder1_as1_rbRange"
	searchButtonSel    = "#ctl00_ContentPlaceHolder1_as1_btnGo"
	perPageSelectSel   = "#ctl00_ContentPlaceHolder1_WSExtendedGridNP1_GridView1_ctl01_ddlPerPage"
	resultsGridSel     = "#ctl00_ContentPlaceHolder1_WSExtendedGridNP1_GridView1"
	resultRowSel       = "#ctl00_ContentPlaceHolder1_WSExtendedGridNP1_GridView1 tr"
	viewButtonSel      = "input[id*='btnView2'].viewButton"
	dateInputSel       = "input[id*='DateRange']"
)

// nextPageSelectors are tried in order; absence of all of them ends the run.
var nextPageSelectors = []string{
	"input[id*='btnNext']",
	"a[id*='btnNext']",
	"input[title='Next Page']",
	"a[title='Next Page']",
}

// maxRowsPerPage is the largest page size the site offers. More rows than
// this in one grid means the DOM is in a broken state.
const maxRowsPerPage = 50

// Config drives one run.
type Config struct {
	SearchURL string
	Keywords  []string
	// DayWindow extends the range this many days back from yesterday.
	// Zero means yesterday only.
	DayWindow int
	PageSize  int
	// MaxPages bounds pagination; zero means unbounded.
	MaxPages int
	// AbortOnDetection ends the whole run on the first automation flag
	// instead of skipping the notice.
	AbortOnDetection bool
}

// Summary is the final accounting of a run.
type Summary struct {
	RunID               string
	SearchDate          time.Time
	PagesCrawled        int
	NoticesProcessed    int
	RecordsWritten      int
	ChallengesSolved    int
	ChallengesAbandoned int
	OutputPath          string
	// Fallback holds records that could not be written to the sink. They
	// are preserved so the run's coverage is recoverable from logs.
	Fallback []notice.Record
}

// Controller owns the run loop.
type Controller struct {
	drv       browser.Driver
	engine    *captcha.Engine
	pacer     *pacing.Pacer
	navigator *recovery.Navigator
	extractor extract.Extractor
	out       sink.Sink
	tracker   *dedup.Tracker
	cfg       Config
	runID     string
	logger    *zap.Logger

	mu      sync.Mutex
	summary Summary
}

// New wires a Controller. All collaborators are required except extractor,
// which may be nil when extraction is disabled.
func New(
	drv browser.Driver,
	engine *captcha.Engine,
	pacer *pacing.Pacer,
	navigator *recovery.Navigator,
	extractor extract.Extractor,
	out sink.Sink,
	cfg Config,
	runID string,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 || cfg.PageSize > maxRowsPerPage {
		cfg.PageSize = maxRowsPerPage
	}
	return &Controller{
		drv:       drv,
		engine:    engine,
		pacer:     pacer,
		navigator: navigator,
		extractor: extractor,
		out:       out,
		tracker:   dedup.New(),
		cfg:       cfg,
		runID:     runID,
		logger:    logger,
	}
}

// Snapshot returns the current run counters for the status endpoint.
func (c *Controller) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.Fallback = nil
	return s
}

// SearchDate returns the single day the run queries: always yesterday.
// Notices post overnight, so today's slice is incomplete until tomorrow.
func SearchDate(now time.Time) time.Time {
	y := now.AddDate(0, 0, -1)
	return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, now.Location())
}

// Run executes the crawl to completion. Setup failures are fatal;
// per-notice failures skip the notice and continue.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	searchDate := SearchDate(time.Now())
	c.mu.Lock()
	c.summary = Summary{
		RunID:      c.runID,
		SearchDate: searchDate,
		OutputPath: c.out.Destination(),
	}
	c.mu.Unlock()

	c.logger.Info("run starting",
		zap.String("run_id", c.runID),
		zap.Time("search_date", searchDate),
		zap.Strings("keywords", c.cfg.Keywords),
	)

	if err := c.setupSearch(ctx, searchDate); err != nil {
		return c.finish(), fmt.Errorf("search setup: %w", err)
	}
	if err := c.setPageSize(ctx); err != nil {
		return c.finish(), fmt.Errorf("set page size: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return c.finish(), ctx.Err()
		default:
		}

		c.mu.Lock()
		c.summary.PagesCrawled++
		page := c.summary.PagesCrawled
		c.mu.Unlock()
		metrics.ObservePage()

		if err := c.processPage(ctx, page); err != nil {
			if ctx.Err() != nil {
				return c.finish(), ctx.Err()
			}
			return c.finish(), err
		}

		if c.cfg.MaxPages > 0 && page >= c.cfg.MaxPages {
			c.logger.Info("page bound reached", zap.Int("pages", page))
			break
		}
		advanced, err := c.nextPage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.finish(), ctx.Err()
			}
			c.logger.Warn("pagination failed, ending run", zap.Error(err))
			break
		}
		if !advanced {
			c.logger.Info("no next-page control, run complete", zap.Int("pages", page))
			break
		}
		// A fresh page means fresh rows; identifiers seen on the previous
		// page no longer index the live DOM.
		c.tracker.Reset()
	}

	return c.finish(), nil
}

func (c *Controller) finish() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// setupSearch navigates to the search page, fills in the query, and
// submits. Everything here is fatal on failure: a run with a wrong query
// produces confidently wrong output.
func (c *Controller) setupSearch(ctx context.Context, searchDate time.Time) error {
	if err := c.drv.Navigate(ctx, c.cfg.SearchURL); err != nil {
		return fmt.Errorf("navigate to search page: %w", err)
	}
	if err := c.drv.WaitVisible(ctx, keywordInputSel, 30*time.Second); err != nil {
		return fmt.Errorf("search form not visible: %w", err)
	}

	keywords := strings.Join(c.cfg.Keywords, " ")
	if err := c.drv.SetValue(ctx, keywordInputSel, keywords); err != nil {
		return fmt.Errorf("set keywords: %w", err)
	}
	if err := c.drv.Click(ctx, anyWordsRadioSel, browser.ClickDirect); err != nil {
		return fmt.Errorf("select any-words mode: %w", err)
	}

	// The date range panel is collapsed until its toggle is clicked.
	if err := c.drv.Click(ctx, dateRangeToggleSel, browser.ClickDirect); err != nil {
		return fmt.Errorf("open date range panel: %w", err)
	}
	if err := c.drv.Click(ctx, dateRangeRadioSel, browser.ClickDirect); err != nil {
		return fmt.Errorf("select range mode: %w", err)
	}
	if err := c.fillDateRange(ctx, searchDate); err != nil {
		return err
	}

	if err := c.drv.Click(ctx, searchButtonSel, browser.ClickDirect); err != nil {
		return fmt.Errorf("submit search: %w", err)
	}
	if err := c.drv.WaitVisible(ctx, resultsGridSel, 30*time.Second); err != nil {
		return fmt.Errorf("results grid not visible: %w", err)
	}
	c.logger.Info("search submitted",
		zap.String("keywords", keywords),
		zap.Time("from", searchDate.AddDate(0, 0, -c.cfg.DayWindow)),
		zap.Time("to", searchDate),
	)
	return nil
}

// fillDateRange writes both bounds of the range. Input IDs vary between the
// from and to fields only by a substring, so both are located by query.
func (c *Controller) fillDateRange(ctx context.Context, searchDate time.Time) error {
	from := searchDate.AddDate(0, 0, -c.cfg.DayWindow).Format("1/2/2006")
	to := searchDate.Format("1/2/2006")

	inputs, err := c.drv.QueryAll(ctx, dateInputSel)
	if err != nil {
		return fmt.Errorf("locate date inputs: %w", err)
	}
	var filled int
	for _, in := range inputs {
		if in.Selector == "" {
			continue
		}
		id := strings.ToLower(in.Attrs["id"] + in.Attrs["name"])
		switch {
		case strings.Contains(id, "from"):
			if err := c.drv.SetValue(ctx, in.Selector, from); err != nil {
				return fmt.Errorf("set from date: %w", err)
			}
			filled++
		case strings.Contains(id, "to"):
			if err := c.drv.SetValue(ctx, in.Selector, to); err != nil {
				return fmt.Errorf("set to date: %w", err)
			}
			filled++
		}
	}
	if filled < 2 {
		return fmt.Errorf("date range inputs not found (filled %d of 2)", filled)
	}
	return nil
}

// setPageSize switches the grid to the largest page size and waits for the
// postback to recount rows.
func (c *Controller) setPageSize(ctx context.Context) error {
	size := strconv.Itoa(c.cfg.PageSize)
	if err := c.drv.SelectOption(ctx, perPageSelectSel, size); err != nil {
		// Some result sets are small enough that the control is absent.
		c.logger.Warn("per-page control unavailable", zap.Error(err))
		return nil
	}
	if err := c.drv.WaitVisible(ctx, resultsGridSel, 30*time.Second); err != nil {
		return fmt.Errorf("grid did not reload after page-size change: %w", err)
	}
	c.logger.Info("page size set", zap.String("size", size))
	return nil
}

// processPage iterates every unprocessed notice on the current results
// page. It returns nil when the page is exhausted or the results context is
// unrecoverable; only setup-class faults propagate.
func (c *Controller) processPage(ctx context.Context, page int) error {
	buttons, err := c.drv.QueryAll(ctx, viewButtonSel)
	if err != nil {
		return fmt.Errorf("query view buttons: %w", err)
	}
	if err := c.validateRowCount(page, buttons); err != nil {
		c.logger.Warn("abandoning page", zap.Int("page", page), zap.Error(err))
		return nil
	}
	c.checkStaleDOM(page, buttons)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		id, selector, found, err := c.firstUnprocessed(ctx)
		if err != nil {
			return fmt.Errorf("scan for unprocessed notice: %w", err)
		}
		if !found {
			c.logger.Info("page exhausted", zap.Int("page", page))
			return nil
		}

		// Mark before any browser action. If the visit fails partway the
		// notice must not be retried against a DOM that may have shifted.
		c.tracker.Mark(id)

		c.mu.Lock()
		c.summary.NoticesProcessed++
		count := c.summary.NoticesProcessed
		c.mu.Unlock()

		if err := c.pacer.Pause(ctx, count); err != nil {
			return err
		}

		navigated, abort, err := c.visitNotice(ctx, id, selector, count)
		if err != nil {
			return err
		}
		if abort {
			return fmt.Errorf("automation detected and abort_on_detection is set")
		}
		if !navigated {
			// The view click never left the results page; back-stepping from
			// here would land on the pre-results form.
			continue
		}

		ok, err := c.navigator.BackToResults(ctx)
		if err != nil {
			return err
		}
		if !ok {
			metrics.ObserveRecoveryFailure()
			c.logger.Error("results page unrecoverable, ending page loop",
				zap.Int("page", page),
				zap.String("notice_id", id),
			)
			return nil
		}
	}
}

// visitNotice opens one notice, clears any challenge, extracts fields, and
// writes the record. Per-notice faults are absorbed. navigated reports
// whether the browser left the results page; abort requests a full-run
// abort.
func (c *Controller) visitNotice(ctx context.Context, id, selector string, count int) (navigated, abort bool, err error) {
	log := c.logger.With(zap.String("notice_id", id), zap.Int("count", count))

	if err := browser.ClickChain(ctx, c.drv, selector,
		browser.ClickDirect, browser.ClickScripted); err != nil {
		if ctx.Err() != nil {
			return false, false, ctx.Err()
		}
		log.Warn("view click failed, skipping notice", zap.Error(err))
		metrics.ObserveNotice("skipped")
		return false, false, nil
	}

	if c.engine.Detect(ctx) {
		result, err := c.engine.Resolve(ctx)
		if err != nil {
			return true, false, err
		}
		if result.AutomationDetected {
			c.mu.Lock()
			c.summary.ChallengesAbandoned++
			c.mu.Unlock()
			metrics.ObserveChallenge("automation_detected")
			metrics.ObserveNotice("abandoned")
			if c.cfg.AbortOnDetection {
				return true, true, nil
			}
			log.Warn("automation detected, notice abandoned")
			return true, false, nil
		}
		if !result.Solved {
			c.mu.Lock()
			c.summary.ChallengesAbandoned++
			c.mu.Unlock()
			metrics.ObserveChallenge("abandoned")
			metrics.ObserveNotice("abandoned")
			log.Warn("challenge unsolved, notice abandoned",
				zap.Stringer("final_state", result.FinalState))
			return true, false, nil
		}
		c.mu.Lock()
		c.summary.ChallengesSolved++
		c.mu.Unlock()
		metrics.ObserveChallenge("solved")
		log.Info("challenge cleared")
	}

	detailURL, err := c.drv.Location(ctx)
	if err != nil {
		log.Warn("detail URL read failed, skipping notice", zap.Error(err))
		metrics.ObserveNotice("skipped")
		return true, false, nil
	}
	// The URL-embedded identifier is authoritative; the row-level one can
	// go stale between the scan and the click.
	if urlID, ok := notice.ParseID(detailURL); ok {
		id = urlID
		c.tracker.Mark(urlID)
	}

	rec := notice.Empty(detailURL)
	rec.NoticeID = id

	content, err := c.drv.Content(ctx)
	if err != nil {
		log.Warn("detail content read failed, writing bare record", zap.Error(err))
	} else if c.extractor != nil {
		extracted, err := c.extractor.Extract(ctx, content, detailURL)
		if err != nil {
			if ctx.Err() != nil {
				return true, false, ctx.Err()
			}
			log.Warn("extraction failed, writing bare record", zap.Error(err))
		} else {
			extracted.NoticeID = id
			extracted.Link = detailURL
			rec = extracted
		}
	}

	c.writeRecord(rec, log)
	return true, false, nil
}

// writeRecord persists one record. Sink failures divert the record to the
// in-memory fallback list rather than losing the visit.
func (c *Controller) writeRecord(rec notice.Record, log *zap.Logger) {
	if err := c.out.Write(rec); err != nil {
		log.Error("sink write failed, record held in memory", zap.Error(err))
		c.mu.Lock()
		c.summary.Fallback = append(c.summary.Fallback, rec)
		c.mu.Unlock()
		metrics.ObserveNotice("skipped")
		return
	}
	c.mu.Lock()
	c.summary.RecordsWritten++
	c.mu.Unlock()
	metrics.ObserveRecordWritten("primary")
	metrics.ObserveNotice("written")
	if !rec.HasName() {
		log.Info("record written without party names", zap.String("link", rec.Link))
	}
}

// firstUnprocessed scans the live grid for the first view button whose
// notice identifier has not been marked. The scan re-queries every time
// because each detail round trip replaces the DOM.
func (c *Controller) firstUnprocessed(ctx context.Context) (id, selector string, found bool, err error) {
	buttons, err := c.drv.QueryAll(ctx, viewButtonSel)
	if err != nil {
		return "", "", false, err
	}
	for _, b := range buttons {
		if b.Selector == "" {
			continue
		}
		bid, ok := buttonID(b)
		if !ok {
			// No identifier to dedup on. Visit it once keyed by selector so
			// the loop still terminates.
			bid = "sel:" + b.Selector
		}
		if c.tracker.Seen(bid) {
			continue
		}
		if !ok {
			c.logger.Warn("view button has no parseable notice identifier",
				zap.String("selector", b.Selector))
		}
		return bid, b.Selector, true, nil
	}
	return "", "", false, nil
}

// buttonID pulls the notice identifier out of a view button's action
// metadata.
func buttonID(el browser.Element) (string, bool) {
	for _, attr := range []string{"onclick", "href", "data-url"} {
		if v := el.Attrs[attr]; v != "" {
			if id, ok := notice.ParseID(v); ok {
				return id, true
			}
		}
	}
	return "", false
}

// validateRowCount rejects grids in impossible states.
func (c *Controller) validateRowCount(page int, buttons []browser.Element) error {
	n := len(buttons)
	switch {
	case n == 0:
		return fmt.Errorf("results grid has no rows")
	case n > maxRowsPerPage:
		return fmt.Errorf("results grid has %d rows, maximum is %d", n, maxRowsPerPage)
	case n < c.cfg.PageSize:
		c.logger.Info("short page",
			zap.Int("page", page),
			zap.Int("rows", n),
			zap.Int("page_size", c.cfg.PageSize),
		)
	}
	return nil
}

// checkStaleDOM warns when the grid's identifiers are mostly duplicates,
// which indicates the postback left stale rows in place.
func (c *Controller) checkStaleDOM(page int, buttons []browser.Element) {
	if len(buttons) == 0 {
		return
	}
	unique := make(map[string]struct{}, len(buttons))
	for _, b := range buttons {
		if id, ok := buttonID(b); ok {
			unique[id] = struct{}{}
		}
	}
	if len(unique)*10 < len(buttons) {
		c.logger.Warn("results grid identifiers mostly duplicated, DOM may be stale",
			zap.Int("page", page),
			zap.Int("rows", len(buttons)),
			zap.Int("unique_ids", len(unique)),
		)
	}
}

// nextPage advances pagination. The false return without error means no
// next control exists and the run is complete.
func (c *Controller) nextPage(ctx context.Context) (bool, error) {
	for _, sel := range nextPageSelectors {
		elements, err := c.drv.QueryAll(ctx, sel)
		if err != nil || len(elements) == 0 {
			continue
		}
		if err := browser.ClickChain(ctx, c.drv, sel,
			browser.ClickDirect, browser.ClickScripted); err != nil {
			return false, fmt.Errorf("click next page: %w", err)
		}
		if err := c.drv.WaitVisible(ctx, resultsGridSel, 30*time.Second); err != nil {
			return false, fmt.Errorf("grid did not reload after pagination: %w", err)
		}
		return true, nil
	}
	return false, nil
}
