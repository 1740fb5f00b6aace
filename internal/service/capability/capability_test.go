package capability

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

type stubProvider struct {
	name  string
	fail  bool
	calls int
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Infer(_ context.Context, req InferenceRequest) (*InferenceResponse, error) {
	p.calls++
	if p.fail {
		return nil, fmt.Errorf("model backend unreachable")
	}
	return &InferenceResponse{Text: "assessment: compliant", Model: req.Model, TokensUsed: 12}, nil
}

type stubScanner struct {
	name string
	fail bool
}

func (s *stubScanner) Name() string { return s.name }
func (s *stubScanner) Scan(_ context.Context, target ScanTarget) (*ScanReport, error) {
	if s.fail {
		return nil, fmt.Errorf("scan agent offline")
	}
	return &ScanReport{
		Target:    target,
		ScannedAt: time.Now().UTC(),
		Findings: []Finding{
			{CheckID: "s3-public-access", Resource: "bucket-a", Result: "pass"},
		},
	}, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return NewClient(BreakerConfig{FailureThreshold: 3, Timeout: time.Minute},
		zaptest.NewLogger(t))
}

func TestInferSuccess(t *testing.T) {
	c := newTestClient(t)
	c.RegisterProvider(&stubProvider{name: "model-a"})

	resp, err := c.Infer(context.Background(), "model-a",
		InferenceRequest{Model: "reviewer-v1", Prompt: "assess control CC6.1"})
	require.NoError(t, err)
	assert.Equal(t, "reviewer-v1", resp.Model)
	assert.NotEmpty(t, resp.Text)
}

func TestInferUnknownProvider(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Infer(context.Background(), "ghost", InferenceRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestProviderErrorsSurfaceAsExternal(t *testing.T) {
	c := newTestClient(t)
	c.RegisterProvider(&stubProvider{name: "model-a", fail: true})

	_, err := c.Infer(context.Background(), "model-a", InferenceRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c := newTestClient(t)
	provider := &stubProvider{name: "model-a", fail: true}
	c.RegisterProvider(provider)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Infer(ctx, "model-a", InferenceRequest{})
		require.Error(t, err)
	}

	state, ok := c.BreakerState("inference:model-a")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateOpen, state)

	// Open circuit fails fast without touching the provider, and is
	// classified transient so callers can retry later.
	callsBefore := provider.calls
	_, err := c.Infer(ctx, "model-a", InferenceRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, callsBefore, provider.calls)
}

func TestBreakersAreIndependent(t *testing.T) {
	c := newTestClient(t)
	c.RegisterProvider(&stubProvider{name: "broken", fail: true})
	c.RegisterProvider(&stubProvider{name: "healthy"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = c.Infer(ctx, "broken", InferenceRequest{})
	}

	_, err := c.Infer(ctx, "healthy", InferenceRequest{})
	require.NoError(t, err)
}

func TestScanThroughBreaker(t *testing.T) {
	c := newTestClient(t)
	c.RegisterScanner(&stubScanner{name: "cloud"})

	report, err := c.Scan(context.Background(), "cloud",
		ScanTarget{System: "aws", Scope: map[string]interface{}{"region": "eu-west-1"}})
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "pass", report.Findings[0].Result)

	_, err = c.Scan(context.Background(), "ghost", ScanTarget{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
