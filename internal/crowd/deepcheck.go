package crowd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
	"github.com/ksanyok/promopilot-sub004/internal/retry"
)

const maxExcerpt = 500

// CheckRequest is what the deep-check collaborator submits.
type CheckRequest struct {
	URL      string          `json:"url"`
	Identity domain.Identity `json:"identity"`
	Subject  string          `json:"subject"`
	Message  string          `json:"message"`
	Language string          `json:"language"`
	Token    string          `json:"token"`
}

// DeepChecker performs the actual form submission.
type DeepChecker interface {
	Check(ctx context.Context, req CheckRequest) (*domain.CrowdResult, error)
}

type checkResponse struct {
	Status          string `json:"status"`
	HTTPStatus      int    `json:"http_status"`
	ResponseExcerpt string `json:"response_excerpt"`
	MessageExcerpt  string `json:"message_excerpt"`
	EvidenceURL     string `json:"evidence_url"`
}

// errServer marks a 5xx answer so the retry policy treats it as transient.
var errServer = errors.New("deep-check server error")

// HTTPDeepChecker calls the deep-check service over HTTP.
type HTTPDeepChecker struct {
	endpoint string
	client   *http.Client
	retry    retry.Config
	limiter  *rate.Limiter
	now      func() time.Time
}

// CheckerOption configures an HTTPDeepChecker.
type CheckerOption func(*HTTPDeepChecker)

// WithRateLimit paces outbound checks to rps with the given burst. A
// non-positive rps leaves checks unpaced.
func WithRateLimit(rps float64, burst int) CheckerOption {
	return func(c *HTTPDeepChecker) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPDeepChecker creates a client for endpoint.
func NewHTTPDeepChecker(endpoint string, timeout time.Duration, opts ...CheckerOption) *HTTPDeepChecker {
	c := &HTTPDeepChecker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			IsRetryable: func(err error) bool {
				return errors.Is(err, errServer) || retry.DefaultIsRetryable(err)
			},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check posts req and decodes the collaborator's verdict. 5xx answers and
// transport errors are retried once; 4xx answers are returned as errors.
func (c *HTTPDeepChecker) Check(ctx context.Context, req CheckRequest) (*domain.CrowdResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal deep-check request: %w", err)
	}

	started := c.now()
	var decoded checkResponse
	err = retry.Retry(ctx, c.retry, func() error {
		if c.limiter != nil {
			if waitErr := c.limiter.Wait(ctx); waitErr != nil {
				return fmt.Errorf("deep-check rate limit: %w", waitErr)
			}
		}
		return c.post(ctx, body, &decoded)
	})
	if err != nil {
		return nil, err
	}

	return &domain.CrowdResult{
		Status:          decoded.Status,
		HTTPStatus:      decoded.HTTPStatus,
		ResponseExcerpt: excerpt(decoded.ResponseExcerpt),
		MessageExcerpt:  excerpt(decoded.MessageExcerpt),
		EvidenceURL:     decoded.EvidenceURL,
		DurationMS:      c.now().Sub(started).Milliseconds(),
		CheckedAt:       c.now().UTC(),
	}, nil
}

func (c *HTTPDeepChecker) post(ctx context.Context, body []byte, out *checkResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build deep-check request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("deep-check request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read deep-check response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", errServer, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("deep-check rejected request: status %d: %s", resp.StatusCode, excerpt(string(raw)))
	}
	if err = json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode deep-check response: %w", err)
	}
	return nil
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= maxExcerpt {
		return s
	}
	return string(r[:maxExcerpt])
}
