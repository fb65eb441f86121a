// Package captcha verifies CAPTCHA tokens against a siteverify-style provider
// (reCAPTCHA, hCaptcha, Turnstile all accept the same form).
package captcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/version"
)

var (
	ErrVerificationTimeout     = errors.New("captcha verification timed out")
	ErrVerificationUnavailable = errors.New("captcha verification unavailable")
)

// Response is the provider verdict for one token.
type Response struct {
	Success    bool     `json:"success"`
	Score      *float64 `json:"score,omitempty"`
	Action     string   `json:"action,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// HTTPVerifier posts tokens to the provider. Transport failures and 5xx replies
// count against a circuit breaker; a rejected token is a successful call.
type HTTPVerifier struct {
	verifyURL string
	secret    string
	timeout   time.Duration
	client    *http.Client
	cb        *gobreaker.CircuitBreaker[*Response]
}

// NewHTTPVerifier builds a verifier from the captcha section of the config.
func NewHTTPVerifier(cfg config.CaptchaConfig) *HTTPVerifier {
	maxFailures := cfg.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "captcha-verify",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Component("captcha").WithField("from", from.String()).WithField("to", to.String()).Warn("captcha verifier circuit state changed")
		},
	})
	return &HTTPVerifier{
		verifyURL: cfg.VerifyURL,
		secret:    cfg.Secret,
		timeout:   cfg.Timeout,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cb: cb,
	}
}

// Verify checks token with the provider within the configured timeout.
func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) (*Response, error) {
	resp, err := v.cb.Execute(func() (*Response, error) {
		return v.post(ctx, token, remoteIP)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
		}
		return nil, err
	}
	return resp, nil
}

func (v *HTTPVerifier) post(ctx context.Context, token, remoteIP string) (*Response, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent())

	httpResp, err := v.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrVerificationTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: provider returned status %d", ErrVerificationUnavailable, httpResp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrVerificationTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}
	if httpResp.StatusCode >= 400 {
		return &Response{Success: false, ErrorCodes: []string{fmt.Sprintf("http-%d", httpResp.StatusCode)}}, nil
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrVerificationUnavailable, err)
	}
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
