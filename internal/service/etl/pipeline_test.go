package etl

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	return NewRuntime(metrics.NewNopRegistry(), zaptest.NewLogger(t))
}

// captureLoader records every batch it receives.
type captureLoader struct {
	mu       sync.Mutex
	received []Record
}

func (c *captureLoader) Name() string { return "capture" }
func (c *captureLoader) Load(_ context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, records...)
	return nil
}

func staticExtractor(name string, records []Record) Extractor {
	return ExtractorFunc{StageName: name, Fn: func(context.Context) ([]Record, error) {
		return records, nil
	}}
}

func TestRegisterPipelineRejectsUnknownStages(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterExtractor(staticExtractor("src", nil))
	rt.RegisterLoader(&captureLoader{})

	err := rt.RegisterPipeline(PipelineSpec{
		ID:         "p1",
		Extractors: []string{"src"},
		Loaders:    []string{"capture"},
		Validations: []string{
			"no-such-rule",
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-rule")

	err = rt.RegisterPipeline(PipelineSpec{ID: "p2", Loaders: []string{"capture"}})
	require.Error(t, err) // no extractors
}

func TestValidationRejectionsDropRecordsButRunSucceeds(t *testing.T) {
	rt := newTestRuntime(t)

	records := make([]Record, 0, 100)
	for i := 0; i < 100; i++ {
		rec := Record{"asset_id": fmt.Sprintf("asset-%d", i), "region": "eu-west-1"}
		// Seven records arrive without the mandatory asset ID.
		if i%15 == 0 {
			delete(rec, "asset_id")
		}
		records = append(records, rec)
	}

	loader := &captureLoader{}
	rt.RegisterExtractor(staticExtractor("asset-feed", records))
	rt.RegisterValidation(RequiredFields("required-asset-fields", "asset_id"))
	rt.RegisterLoader(loader)

	require.NoError(t, rt.RegisterPipeline(PipelineSpec{
		ID:          "asset-sync",
		Extractors:  []string{"asset-feed"},
		Validations: []string{"required-asset-fields"},
		Loaders:     []string{"capture"},
	}))

	run, err := rt.Run(context.Background(), "asset-sync")
	require.NoError(t, err)

	assert.Equal(t, RunStateSuccess, run.State)
	assert.Equal(t, 100, run.RecordsProcessed)
	assert.Equal(t, 7, run.RecordsFailed)
	assert.Equal(t, 93, run.RecordsSuccess)
	require.Len(t, run.ValidationResults, 1)
	assert.Len(t, run.ValidationResults[0].Errors, 7)
	assert.Len(t, loader.received, 93)
}

func TestAbortOnInvalidStopsBeforeLoading(t *testing.T) {
	rt := newTestRuntime(t)
	loader := &captureLoader{}
	rt.RegisterExtractor(staticExtractor("src", []Record{{"ok": true}, {}}))
	rt.RegisterValidation(RequiredFields("required-ok", "ok"))
	rt.RegisterLoader(loader)

	require.NoError(t, rt.RegisterPipeline(PipelineSpec{
		ID:             "strict",
		Extractors:     []string{"src"},
		Validations:    []string{"required-ok"},
		Loaders:        []string{"capture"},
		AbortOnInvalid: true,
	}))

	run, err := rt.Run(context.Background(), "strict")
	require.Error(t, err)
	assert.Equal(t, RunStateFailed, run.State)
	assert.Empty(t, loader.received)
}

func TestTransformationsRunInOrder(t *testing.T) {
	rt := newTestRuntime(t)
	loader := &captureLoader{}
	rt.RegisterExtractor(staticExtractor("src", []Record{{"n": 1}}))
	rt.RegisterTransformation(TransformationFunc{
		StageName: "double",
		Fn: func(_ context.Context, records []Record) ([]Record, error) {
			for _, rec := range records {
				rec["n"] = rec["n"].(int) * 2
			}
			return records, nil
		},
	})
	rt.RegisterTransformation(TransformationFunc{
		StageName: "add-one",
		Fn: func(_ context.Context, records []Record) ([]Record, error) {
			for _, rec := range records {
				rec["n"] = rec["n"].(int) + 1
			}
			return records, nil
		},
	})
	rt.RegisterLoader(loader)

	require.NoError(t, rt.RegisterPipeline(PipelineSpec{
		ID:              "math",
		Extractors:      []string{"src"},
		Transformations: []string{"double", "add-one"},
		Loaders:         []string{"capture"},
	}))

	run, err := rt.Run(context.Background(), "math")
	require.NoError(t, err)
	assert.Equal(t, RunStateSuccess, run.State)
	require.Len(t, loader.received, 1)
	assert.Equal(t, 3, loader.received[0]["n"])
}

func TestStageErrorFailsRunAndInvokesHandlers(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterExtractor(ExtractorFunc{StageName: "broken", Fn: func(context.Context) ([]Record, error) {
		return nil, fmt.Errorf("upstream unavailable")
	}})
	rt.RegisterLoader(&captureLoader{})

	var handled error
	rt.RegisterErrorHandler("record-failure", func(_ context.Context, run *PipelineRun, err error) {
		handled = err
	})

	require.NoError(t, rt.RegisterPipeline(PipelineSpec{
		ID:            "flaky",
		Extractors:    []string{"broken"},
		Loaders:       []string{"capture"},
		ErrorHandlers: []string{"record-failure"},
	}))

	run, err := rt.Run(context.Background(), "flaky")
	require.Error(t, err)
	assert.Equal(t, RunStateFailed, run.State)
	assert.Contains(t, run.Error, "upstream unavailable")
	require.Error(t, handled)

	// The failure is recorded as the pipeline's last run.
	last, ok := rt.LastRun("flaky")
	require.True(t, ok)
	assert.Equal(t, run.RunID, last.RunID)
}

func TestLoaderErrorMarksAllRecordsFailed(t *testing.T) {
	rt := newTestRuntime(t)
	rt.RegisterExtractor(staticExtractor("src", []Record{{"a": 1}, {"a": 2}, {"a": 3}}))
	rt.RegisterLoader(LoaderFunc{StageName: "sink", Fn: func(context.Context, []Record) error {
		return fmt.Errorf("destination rejected write")
	}})

	require.NoError(t, rt.RegisterPipeline(PipelineSpec{
		ID:         "doomed",
		Extractors: []string{"src"},
		Loaders:    []string{"sink"},
	}))

	run, err := rt.Run(context.Background(), "doomed")
	require.Error(t, err)
	assert.Equal(t, RunStateFailed, run.State)
	assert.Equal(t, 3, run.RecordsFailed)
}

func TestConcurrentRunsRejected(t *testing.T) {
	rt := newTestRuntime(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	var enteredOnce sync.Once
	rt.RegisterExtractor(ExtractorFunc{StageName: "slow", Fn: func(context.Context) ([]Record, error) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		return nil, nil
	}})
	rt.RegisterLoader(&captureLoader{})

	require.NoError(t, rt.RegisterPipeline(PipelineSpec{
		ID:         "long-haul",
		Extractors: []string{"slow"},
		Loaders:    []string{"capture"},
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rt.Run(context.Background(), "long-haul")
	}()

	<-entered
	_, err := rt.Run(context.Background(), "long-haul")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	close(release)
	<-done

	// A fresh run is allowed once the first completes.
	_, err = rt.Run(context.Background(), "long-haul")
	require.NoError(t, err)
}

func TestRunUnknownPipeline(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Run(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
