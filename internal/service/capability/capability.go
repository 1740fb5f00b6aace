// Package capability wraps the external capabilities agents call out
// to (model inference and infrastructure scanners) behind circuit
// breakers so a failing provider degrades fast instead of queueing
// timeouts.
package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// InferenceRequest is one model call made on behalf of an agent.
type InferenceRequest struct {
	Model     string                 `json:"model"`
	Prompt    string                 `json:"prompt"`
	Context   map[string]interface{} `json:"context,omitempty"`
	MaxTokens int                    `json:"max_tokens,omitempty"`
}

// InferenceResponse is the provider's answer.
type InferenceResponse struct {
	Text       string `json:"text"`
	Model      string `json:"model"`
	TokensUsed int    `json:"tokens_used"`
}

// InferenceProvider is an external model backend.
type InferenceProvider interface {
	Name() string
	Infer(ctx context.Context, req InferenceRequest) (*InferenceResponse, error)
}

// ScanTarget identifies what a scanner plugin should inspect.
type ScanTarget struct {
	System string                 `json:"system"`
	Scope  map[string]interface{} `json:"scope,omitempty"`
}

// Finding is a single scanner observation, shaped for ingestion as
// evidence content.
type Finding struct {
	CheckID  string                 `json:"check_id"`
	Resource string                 `json:"resource"`
	Result   string                 `json:"result"`
	Severity string                 `json:"severity,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ScanReport is the outcome of one scanner run.
type ScanReport struct {
	Target    ScanTarget `json:"target"`
	Findings  []Finding  `json:"findings"`
	ScannedAt time.Time  `json:"scanned_at"`
}

// ScannerPlugin is an external infrastructure scanner.
type ScannerPlugin interface {
	Name() string
	Scan(ctx context.Context, target ScanTarget) (*ScanReport, error)
}

// BreakerConfig tunes the per-capability circuit breakers.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	return c
}

// Client routes inference and scan calls through named providers, each
// behind its own circuit breaker.
type Client struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu        sync.RWMutex
	providers map[string]InferenceProvider
	scanners  map[string]ScannerPlugin
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewClient creates an empty capability client.
func NewClient(cfg BreakerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		providers: make(map[string]InferenceProvider),
		scanners:  make(map[string]ScannerPlugin),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RegisterProvider adds an inference provider under its own breaker.
func (c *Client) RegisterProvider(p InferenceProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Name()] = p
	c.breakers["inference:"+p.Name()] = c.newBreaker("inference:" + p.Name())
}

// RegisterScanner adds a scanner plugin under its own breaker.
func (c *Client) RegisterScanner(s ScannerPlugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanners[s.Name()] = s
	c.breakers["scanner:"+s.Name()] = c.newBreaker("scanner:" + s.Name())
}

func (c *Client) newBreaker(name string) *gobreaker.CircuitBreaker {
	cfg := c.cfg
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("capability breaker state change",
				zap.String("capability", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Infer calls the named provider through its breaker. An open breaker
// surfaces as a transient error so the scheduler retries later.
func (c *Client) Infer(ctx context.Context, provider string, req InferenceRequest) (*InferenceResponse, error) {
	c.mu.RLock()
	p, ok := c.providers[provider]
	cb := c.breakers["inference:"+provider]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("inference provider " + provider)
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return p.Infer(ctx, req)
	})
	if err != nil {
		return nil, c.mapBreakerErr("inference provider "+provider, err)
	}
	return result.(*InferenceResponse), nil
}

// Scan calls the named scanner through its breaker.
func (c *Client) Scan(ctx context.Context, scanner string, target ScanTarget) (*ScanReport, error) {
	c.mu.RLock()
	s, ok := c.scanners[scanner]
	cb := c.breakers["scanner:"+scanner]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("scanner plugin " + scanner)
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return s.Scan(ctx, target)
	})
	if err != nil {
		return nil, c.mapBreakerErr("scanner "+scanner, err)
	}
	return result.(*ScanReport), nil
}

func (c *Client) mapBreakerErr(capability string, err error) error {
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return errors.NewTransientError(
			fmt.Sprintf("%s is unavailable, circuit open", capability)).WithCause(err)
	default:
		return errors.NewExternalError(capability, err.Error()).WithCause(err)
	}
}

// BreakerState reports the current breaker state for a capability key
// ("inference:<name>" or "scanner:<name>").
func (c *Client) BreakerState(key string) (gobreaker.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cb, ok := c.breakers[key]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}
