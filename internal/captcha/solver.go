// Package captcha resolves anti-bot challenges blocking notice detail pages.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Solver submits an image challenge to an external solving service and
// blocks until a response token is available. Calls run seconds to minutes;
// the service's own timeout bounds them.
type Solver interface {
	Solve(ctx context.Context, siteKey, pageURL string) (string, error)
}

// Distinguishable solving-service failure modes, kept separate so the run
// log can tell a drained account from an overloaded service.
var (
	ErrInsufficientBalance = errors.New("solver account has insufficient balance")
	ErrInvalidKey          = errors.New("solver API key is invalid")
	ErrNoCapacity          = errors.New("solver has no workers available")
	ErrUnsolvable          = errors.New("solver reports challenge unsolvable")
	ErrSolveTimeout        = errors.New("solver timed out")
)

// TwoCaptchaConfig controls the solving-service client.
type TwoCaptchaConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// TwoCaptcha implements Solver over the 2Captcha HTTP API.
type TwoCaptcha struct {
	cfg    TwoCaptchaConfig
	client *http.Client
	logger *zap.Logger
}

// NewTwoCaptcha builds a client. APIKey must be set; the remaining fields
// have workable defaults.
func NewTwoCaptcha(cfg TwoCaptchaConfig, logger *zap.Logger) (*TwoCaptcha, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("solver API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://2captcha.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TwoCaptcha{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}, nil
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge and polls until a token is ready or the
// configured timeout elapses.
func (t *TwoCaptcha) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	id, err := t.submit(ctx, siteKey, pageURL)
	if err != nil {
		return "", err
	}
	t.logger.Info("challenge submitted to solver", zap.String("task_id", id))

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrSolveTimeout, ctx.Err())
		case <-ticker.C:
		}

		token, ready, err := t.poll(ctx, id)
		if err != nil {
			return "", err
		}
		if ready {
			return token, nil
		}
	}
}

func (t *TwoCaptcha) submit(ctx context.Context, siteKey, pageURL string) (string, error) {
	params := url.Values{
		"key":       {t.cfg.APIKey},
		"method":    {"userrecaptcha"},
		"googlekey": {siteKey},
		"pageurl":   {pageURL},
		"json":      {"1"},
	}
	resp, err := t.do(ctx, t.cfg.BaseURL+"/in.php?"+params.Encode())
	if err != nil {
		return "", err
	}
	if resp.Status != 1 {
		return "", mapServiceError(resp.Request)
	}
	return resp.Request, nil
}

func (t *TwoCaptcha) poll(ctx context.Context, id string) (string, bool, error) {
	params := url.Values{
		"key":    {t.cfg.APIKey},
		"action": {"get"},
		"id":     {id},
		"json":   {"1"},
	}
	resp, err := t.do(ctx, t.cfg.BaseURL+"/res.php?"+params.Encode())
	if err != nil {
		return "", false, err
	}
	if resp.Status == 1 {
		return resp.Request, true, nil
	}
	if resp.Request == "CAPCHA_NOT_READY" {
		return "", false, nil
	}
	return "", false, mapServiceError(resp.Request)
}

func (t *TwoCaptcha) do(ctx context.Context, rawURL string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build solver request: %w", err)
	}
	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call solver: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned status %d", httpResp.StatusCode)
	}
	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}
	return &resp, nil
}

func mapServiceError(code string) error {
	switch {
	case strings.Contains(code, "ZERO_BALANCE"):
		return fmt.Errorf("%w (%s)", ErrInsufficientBalance, code)
	case strings.Contains(code, "WRONG_USER_KEY"), strings.Contains(code, "KEY_DOES_NOT_EXIST"):
		return fmt.Errorf("%w (%s)", ErrInvalidKey, code)
	case strings.Contains(code, "NO_SLOT_AVAILABLE"):
		return fmt.Errorf("%w (%s)", ErrNoCapacity, code)
	case strings.Contains(code, "CAPTCHA_UNSOLVABLE"):
		return fmt.Errorf("%w (%s)", ErrUnsolvable, code)
	default:
		return fmt.Errorf("solver error: %s", code)
	}
}
