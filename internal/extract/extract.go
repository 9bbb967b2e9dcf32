// Package extract turns raw notice text into structured records. A language
// model does the heavy lifting; a pattern-based fallback keeps the pipeline
// producing when the model is unavailable or returns nothing usable.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/lienwatch/noticecrawl/internal/metrics"
	"github.com/lienwatch/noticecrawl/internal/notice"
)

// maxNoticeChars bounds how much notice text is sent per request. Notices
// past this length are boilerplate; the party and sale fields appear early.
const maxNoticeChars = 3000

// Extractor pulls structured fields from notice text.
type Extractor interface {
	Extract(ctx context.Context, rawText, sourceURL string) (notice.Record, error)
}

// Client is the message-API surface the extractor needs, narrowed so tests
// can substitute a scripted implementation.
type Client interface {
	CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type sdkClient struct {
	client anthropic.Client
}

func (c *sdkClient) CreateMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}

// Config controls the model extractor.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
}

// Stats counts extraction activity across a run.
type Stats struct {
	ModelCalls      int64
	ModelFailures   int64
	FallbackApplied int64
}

// ModelExtractor extracts fields with a language model and falls back to
// pattern matching when the model yields nothing meaningful.
type ModelExtractor struct {
	cfg    Config
	client Client
	logger *zap.Logger

	modelCalls      atomic.Int64
	modelFailures   atomic.Int64
	fallbackApplied atomic.Int64
}

// New builds a ModelExtractor from an API key.
func New(cfg Config, logger *zap.Logger) *ModelExtractor {
	cfg.applyDefaults()
	var client Client
	if cfg.APIKey != "" {
		client = &sdkClient{client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey))}
	}
	return newWithClient(cfg, client, logger)
}

// NewWithClient builds a ModelExtractor around an existing client.
func NewWithClient(cfg Config, client Client, logger *zap.Logger) *ModelExtractor {
	cfg.applyDefaults()
	return newWithClient(cfg, client, logger)
}

func newWithClient(cfg Config, client Client, logger *zap.Logger) *ModelExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &ModelExtractor{cfg: cfg, client: client, logger: logger}
}

// Stats returns a snapshot of extraction counters.
func (m *ModelExtractor) Stats() Stats {
	return Stats{
		ModelCalls:      m.modelCalls.Load(),
		ModelFailures:   m.modelFailures.Load(),
		FallbackApplied: m.fallbackApplied.Load(),
	}
}

// Extract produces a record from notice text. It never fails the notice:
// when neither path produces usable fields, the returned record still
// carries the source link so the row is preserved downstream.
func (m *ModelExtractor) Extract(ctx context.Context, rawText, sourceURL string) (notice.Record, error) {
	cleaned := CleanText(rawText)
	rec := notice.Empty(sourceURL)

	if m.client != nil {
		modelRec, err := m.extractWithModel(ctx, cleaned, sourceURL)
		if err != nil {
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			m.modelFailures.Add(1)
			m.logger.Warn("model extraction failed, using pattern fallback", zap.Error(err))
		} else if modelRec.HasName() {
			// Sale dates are high-precision pattern territory; overlay the
			// regex result even when the model answered.
			if d := findSaleDate(cleaned); d != "" {
				modelRec.DateOfSale = d
			}
			metrics.ObserveExtraction("model")
			return modelRec, nil
		} else {
			m.logger.Debug("model returned no party names, using pattern fallback")
		}
	}

	m.fallbackApplied.Add(1)
	metrics.ObserveExtraction("fallback")
	return m.extractWithPatterns(cleaned, sourceURL), nil
}

const promptTemplate = `Extract the following fields from this foreclosure or public notice text. Respond with ONLY a JSON object, no other text:
{"first_name": "", "last_name": "", "street": "", "city": "", "zip": "", "date_of_sale": "", "plaintiff": ""}

Rules:
- first_name and last_name are the mortgagor or debtor, not the lender.
- street, city, zip describe the property address.
- plaintiff is the mortgagee, creditor, or foreclosing party.
- Leave a field empty when the text does not state it.

Notice text:
%s`

type modelFields struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	Zip        string `json:"zip"`
	DateOfSale string `json:"date_of_sale"`
	Plaintiff  string `json:"plaintiff"`
}

func (m *ModelExtractor) extractWithModel(ctx context.Context, text, sourceURL string) (notice.Record, error) {
	m.modelCalls.Add(1)

	msg, err := m.client.CreateMessage(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(m.cfg.Model),
		MaxTokens: m.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(promptTemplate, text))),
		},
	})
	if err != nil {
		return notice.Record{}, fmt.Errorf("create message: %w", err)
	}

	var body strings.Builder
	for _, block := range msg.Content {
		body.WriteString(block.Text)
	}

	fields, err := parseModelJSON(body.String())
	if err != nil {
		return notice.Record{}, err
	}

	rec := notice.Empty(sourceURL)
	rec.FirstName = strings.TrimSpace(fields.FirstName)
	rec.LastName = strings.TrimSpace(fields.LastName)
	rec.Street = strings.TrimSpace(fields.Street)
	rec.City = strings.TrimSpace(fields.City)
	rec.Zip = strings.TrimSpace(fields.Zip)
	rec.DateOfSale = strings.TrimSpace(fields.DateOfSale)
	rec.Plaintiff = strings.TrimSpace(fields.Plaintiff)
	return rec, nil
}

// parseModelJSON tolerates prose around the JSON object.
func parseModelJSON(body string) (modelFields, error) {
	var fields modelFields
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return fields, fmt.Errorf("no JSON object in model response")
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &fields); err != nil {
		return fields, fmt.Errorf("decode model response: %w", err)
	}
	return fields, nil
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)

	// Name tokens are title-case or bare initials; the pattern stops at the
	// next all-caps heading after whitespace collapse removes line breaks.
	mortgagorPattern = regexp.MustCompile(`(?:MORTGAGOR|DEBTOR|Mortgagor|Debtor)(?:\(S\))?S?:?\s+((?:[A-Z][a-z.'-]+|[A-Z]\.?\b)(?:\s+(?:[A-Z][a-z.'-]+|[A-Z]\.?\b)){0,3})`)
	addressPattern   = regexp.MustCompile(`(\d+\s+[A-Za-z0-9 .'-]+?),\s*([A-Za-z .'-]+?),?\s*(?:MN|Minnesota)\s*,?\s*(\d{5})`)
	saleDatePattern  = regexp.MustCompile(`(?i)DATE\s+AND\s+TIME\s+OF\s+SALE:?\s+([A-Za-z]+\s+\d{1,2},?\s+\d{4})`)
	plaintiffPattern = regexp.MustCompile(`(?i)(?:MORTGAGEE|CREDITOR|PLAINTIFF):?\s+([A-Za-z0-9 .,'&-]+?)(?:\n|,\s*(?:its|as)\b|$)`)
)

// CleanText strips markup and collapses whitespace, truncating to the
// per-notice length cap on a rune boundary.
func CleanText(raw string) string {
	text := tagPattern.ReplaceAllString(raw, " ")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if len(text) > maxNoticeChars {
		cut := maxNoticeChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// extractWithPatterns applies the regex fallback path.
func (m *ModelExtractor) extractWithPatterns(text, sourceURL string) notice.Record {
	rec := notice.Empty(sourceURL)

	if match := mortgagorPattern.FindStringSubmatch(text); match != nil {
		first, last := splitName(match[1])
		rec.FirstName = first
		rec.LastName = last
	}
	if match := addressPattern.FindStringSubmatch(text); match != nil {
		rec.Street = strings.TrimSpace(match[1])
		rec.City = strings.TrimSpace(match[2])
		rec.Zip = match[3]
	}
	rec.DateOfSale = findSaleDate(text)
	if match := plaintiffPattern.FindStringSubmatch(text); match != nil {
		rec.Plaintiff = strings.TrimSpace(match[1])
	}
	return rec
}

func findSaleDate(text string) string {
	if match := saleDatePattern.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// splitName treats the final token as the surname.
func splitName(full string) (first, last string) {
	parts := strings.Fields(strings.TrimSpace(full))
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
	}
}
