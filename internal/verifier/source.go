package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/pledgeproof/verifier-cli/internal/model"
	"github.com/pledgeproof/verifier-cli/internal/resilience"
)

// HTTPSource queries an evidence provider's activity endpoint. Calls are
// rate limited per source, retried on transient failures, and guarded by a
// circuit breaker so a dead endpoint fails fast.
type HTTPSource struct {
	name    string
	baseURL string
	weight  float64
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// SourceOption configures an HTTPSource.
type SourceOption func(*HTTPSource)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) SourceOption {
	return func(s *HTTPSource) {
		s.client = hc
	}
}

// WithRateLimit sets the per-source request rate.
func WithRateLimit(perSec float64, burst int) SourceOption {
	return func(s *HTTPSource) {
		s.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithBreaker sets the circuit breaker guarding this source.
func WithBreaker(b *resilience.Breaker) SourceOption {
	return func(s *HTTPSource) {
		s.breaker = b
	}
}

// WithRetry overrides the in-call retry configuration.
func WithRetry(cfg resilience.RetryConfig) SourceOption {
	return func(s *HTTPSource) {
		s.retry = cfg
	}
}

// NewHTTPSource creates an evidence source client for the given endpoint.
func NewHTTPSource(name, baseURL string, weight float64, opts ...SourceOption) *HTTPSource {
	s := &HTTPSource{
		name:    name,
		baseURL: baseURL,
		weight:  weight,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(5, 5),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{}),
		retry:   resilience.DefaultRetryConfig(),
	}
	s.retry.OnRetry = resilience.RetryLogger(name, "verify")
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig builds an HTTPSource from a SourceConfig entry.
func NewFromConfig(src SourceConfig, breakers *resilience.SourceBreakers) *HTTPSource {
	opts := []SourceOption{WithBreaker(breakers.Get(src.Name))}
	if src.RatePerSec > 0 {
		burst := src.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, WithRateLimit(src.RatePerSec, burst))
	}
	if src.TimeoutSecs > 0 {
		opts = append(opts, WithHTTPClient(&http.Client{
			Timeout: time.Duration(src.TimeoutSecs) * time.Second,
		}))
	}
	return NewHTTPSource(src.Name, src.Endpoint, src.Weight, opts...)
}

// Name returns the source identifier.
func (s *HTTPSource) Name() string { return s.name }

// Weight returns the source trust weight.
func (s *HTTPSource) Weight() float64 { return s.weight }

// activityResponse is the provider's activity record payload.
type activityResponse struct {
	Amount     uint64    `json:"amount"`
	ObservedAt time.Time `json:"observed_at"`
	ProofRef   string    `json:"proof_ref"`
}

// Verify fetches the account's recorded activity from the source endpoint.
func (s *HTTPSource) Verify(ctx context.Context, account, exerciseType string) (*model.Evidence, error) {
	return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*model.Evidence, error) {
		return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*model.Evidence, error) {
			return s.fetch(ctx, account, exerciseType)
		})
	})
}

func (s *HTTPSource) fetch(ctx context.Context, account, exerciseType string) (*model.Evidence, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "%s: rate wait", s.name)
	}

	q := url.Values{}
	q.Set("account", account)
	q.Set("type", exerciseType)
	reqURL := fmt.Sprintf("%s/activity?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: build request", s.name)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: activity request", s.name)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// No recorded activity for this account.
		return nil, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.Transient(
			eris.Errorf("%s: status %d", s.name, resp.StatusCode), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("%s: status %d", s.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: read body", s.name)
	}

	var ar activityResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, eris.Wrapf(err, "%s: decode activity", s.name)
	}

	observed := ar.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	return &model.Evidence{
		SourceID:          s.name,
		AmountObserved:    ar.Amount,
		Weight:            s.weight,
		TimestampObserved: observed,
		ProofRef:          ar.ProofRef,
	}, nil
}
