// Package etl implements the extract/transform/validate/load runtime:
// named stage registries, single-flight pipeline runs, batched parallel
// processing, and interval/daily scheduling.
package etl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	"github.com/complyon/compliance-agent-backend/internal/metrics"
)

// Record is a single unit of data flowing through a pipeline.
type Record map[string]interface{}

// Extractor emits a bounded sequence of records.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) ([]Record, error)
}

// Transformation maps a record set to a new record set.
type Transformation interface {
	Name() string
	Transform(ctx context.Context, records []Record) ([]Record, error)
}

// Validation inspects a record set and reports which records are
// acceptable. Validations never mutate records.
type Validation interface {
	Name() string
	Validate(ctx context.Context, records []Record) (*ValidationResult, error)
}

// Loader writes a record set to its destination.
type Loader interface {
	Name() string
	Load(ctx context.Context, records []Record) error
}

// ErrorHandler runs when a pipeline stage raises an error.
type ErrorHandler func(ctx context.Context, run *PipelineRun, err error)

// ValidationError describes a single rejected record.
type ValidationError struct {
	RecordIndex int    `json:"record_index"`
	Field       string `json:"field,omitempty"`
	Message     string `json:"message"`
}

// ValidationResult is the outcome of one validation stage.
type ValidationResult struct {
	Valid    bool                   `json:"valid"`
	Errors   []ValidationError      `json:"errors,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Stats    map[string]interface{} `json:"stats,omitempty"`
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc struct {
	StageName string
	Fn        func(ctx context.Context) ([]Record, error)
}

func (e ExtractorFunc) Name() string { return e.StageName }
func (e ExtractorFunc) Extract(ctx context.Context) ([]Record, error) {
	return e.Fn(ctx)
}

// TransformationFunc adapts a function to the Transformation interface.
type TransformationFunc struct {
	StageName string
	Fn        func(ctx context.Context, records []Record) ([]Record, error)
}

func (t TransformationFunc) Name() string { return t.StageName }
func (t TransformationFunc) Transform(ctx context.Context, records []Record) ([]Record, error) {
	return t.Fn(ctx, records)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc struct {
	StageName string
	Fn        func(ctx context.Context, records []Record) error
}

func (l LoaderFunc) Name() string { return l.StageName }
func (l LoaderFunc) Load(ctx context.Context, records []Record) error {
	return l.Fn(ctx, records)
}

// RunState is the lifecycle of a pipeline run.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStateFailed  RunState = "failed"
)

// PipelineRun is a single execution instance of a pipeline.
type PipelineRun struct {
	RunID             uuid.UUID          `json:"run_id"`
	PipelineID        string             `json:"pipeline_id"`
	State             RunState           `json:"state"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       time.Time          `json:"completed_at,omitempty"`
	RecordsProcessed  int                `json:"records_processed"`
	RecordsSuccess    int                `json:"records_success"`
	RecordsFailed     int                `json:"records_failed"`
	ValidationResults []ValidationResult `json:"validation_results,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// PipelineSpec configures a pipeline as an ordered chain of named
// stages. Stage names must be registered on the runtime before the
// pipeline itself registers.
type PipelineSpec struct {
	ID              string
	Extractors      []string
	Transformations []string
	Validations     []string
	Loaders         []string
	ErrorHandlers   []string

	// AbortOnInvalid stops the run when a validation stage rejects
	// records. The default drops rejected records and continues.
	AbortOnInvalid bool
}

type pipeline struct {
	spec            PipelineSpec
	extractors      []Extractor
	transformations []Transformation
	validations     []Validation
	loaders         []Loader
	errorHandlers   []ErrorHandler
}

// Runtime owns the stage registries and executes pipelines. Stages are
// registered once by name and referenced by any number of pipelines.
type Runtime struct {
	logger  *zap.Logger
	metrics *metrics.Registry

	mu              sync.Mutex
	extractors      map[string]Extractor
	transformations map[string]Transformation
	validations     map[string]Validation
	loaders         map[string]Loader
	errorHandlers   map[string]ErrorHandler
	pipelines       map[string]*pipeline
	running         map[string]bool
	lastRuns        map[string]*PipelineRun
}

// NewRuntime creates an empty ETL runtime.
func NewRuntime(m *metrics.Registry, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		logger:          logger,
		metrics:         m,
		extractors:      make(map[string]Extractor),
		transformations: make(map[string]Transformation),
		validations:     make(map[string]Validation),
		loaders:         make(map[string]Loader),
		errorHandlers:   make(map[string]ErrorHandler),
		pipelines:       make(map[string]*pipeline),
		running:         make(map[string]bool),
		lastRuns:        make(map[string]*PipelineRun),
	}
}

func (r *Runtime) RegisterExtractor(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[e.Name()] = e
}

func (r *Runtime) RegisterTransformation(t Transformation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformations[t.Name()] = t
}

func (r *Runtime) RegisterValidation(v Validation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations[v.Name()] = v
}

func (r *Runtime) RegisterLoader(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[l.Name()] = l
}

func (r *Runtime) RegisterErrorHandler(name string, h ErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorHandlers[name] = h
}

// RegisterPipeline resolves every stage name in the spec against the
// registries. Unknown names fail registration, not the first run.
func (r *Runtime) RegisterPipeline(spec PipelineSpec) error {
	if spec.ID == "" {
		return errors.NewValidationError("MISSING_PIPELINE_ID", "pipeline ID is required")
	}
	if len(spec.Extractors) == 0 {
		return errors.NewValidationError("MISSING_EXTRACTORS",
			"a pipeline needs at least one extractor")
	}
	if len(spec.Loaders) == 0 {
		return errors.NewValidationError("MISSING_LOADERS",
			"a pipeline needs at least one loader")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := &pipeline{spec: spec}
	for _, name := range spec.Extractors {
		e, ok := r.extractors[name]
		if !ok {
			return unknownStage("extractor", name)
		}
		p.extractors = append(p.extractors, e)
	}
	for _, name := range spec.Transformations {
		t, ok := r.transformations[name]
		if !ok {
			return unknownStage("transformation", name)
		}
		p.transformations = append(p.transformations, t)
	}
	for _, name := range spec.Validations {
		v, ok := r.validations[name]
		if !ok {
			return unknownStage("validation", name)
		}
		p.validations = append(p.validations, v)
	}
	for _, name := range spec.Loaders {
		l, ok := r.loaders[name]
		if !ok {
			return unknownStage("loader", name)
		}
		p.loaders = append(p.loaders, l)
	}
	for _, name := range spec.ErrorHandlers {
		h, ok := r.errorHandlers[name]
		if !ok {
			return unknownStage("error handler", name)
		}
		p.errorHandlers = append(p.errorHandlers, h)
	}

	r.pipelines[spec.ID] = p
	return nil
}

func unknownStage(kind, name string) error {
	return errors.NewValidationError("UNKNOWN_STAGE",
		fmt.Sprintf("pipeline references unregistered %s %q", kind, name))
}

// LastRun returns the most recent run of a pipeline, if any.
func (r *Runtime) LastRun(pipelineID string) (*PipelineRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.lastRuns[pipelineID]
	return run, ok
}

// Run executes a pipeline end to end. Only one run per pipeline may be
// in flight; concurrent submissions fail with a conflict.
func (r *Runtime) Run(ctx context.Context, pipelineID string) (*PipelineRun, error) {
	r.mu.Lock()
	p, ok := r.pipelines[pipelineID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.ErrPipelineNotFound
	}
	if r.running[pipelineID] {
		r.mu.Unlock()
		return nil, errors.NewConflictError(
			fmt.Sprintf("pipeline %s is already running", pipelineID))
	}
	r.running[pipelineID] = true
	r.mu.Unlock()

	run := &PipelineRun{
		RunID:      uuid.New(),
		PipelineID: pipelineID,
		State:      RunStateRunning,
		StartedAt:  time.Now().UTC(),
	}

	err := r.execute(ctx, p, run)
	run.CompletedAt = time.Now().UTC()
	if err != nil {
		run.State = RunStateFailed
		run.Error = err.Error()
		for _, h := range p.errorHandlers {
			h(ctx, run, err)
		}
		r.logger.Error("pipeline run failed",
			zap.String("pipeline", pipelineID),
			zap.String("run_id", run.RunID.String()),
			zap.Error(err))
	} else {
		run.State = RunStateSuccess
		r.logger.Info("pipeline run completed",
			zap.String("pipeline", pipelineID),
			zap.String("run_id", run.RunID.String()),
			zap.Int("processed", run.RecordsProcessed),
			zap.Int("failed", run.RecordsFailed))
	}

	if r.metrics != nil {
		r.metrics.PipelineRuns.WithLabelValues(pipelineID, string(run.State)).Inc()
		r.metrics.RecordsProcessed.Add(float64(run.RecordsProcessed))
		r.metrics.RecordsFailed.Add(float64(run.RecordsFailed))
	}

	r.mu.Lock()
	r.running[pipelineID] = false
	r.lastRuns[pipelineID] = run
	r.mu.Unlock()
	return run, err
}

// execute drives the stage chain. Validation rejections drop records
// and count as failures; a stage error aborts the run.
func (r *Runtime) execute(ctx context.Context, p *pipeline, run *PipelineRun) error {
	var records []Record
	for _, e := range p.extractors {
		batch, err := e.Extract(ctx)
		if err != nil {
			return errors.Wrap(err, "extractor "+e.Name())
		}
		records = append(records, batch...)
	}
	run.RecordsProcessed = len(records)

	for _, t := range p.transformations {
		var err error
		records, err = t.Transform(ctx, records)
		if err != nil {
			return errors.Wrap(err, "transformation "+t.Name())
		}
	}

	for _, v := range p.validations {
		result, err := v.Validate(ctx, records)
		if err != nil {
			return errors.Wrap(err, "validation "+v.Name())
		}
		run.ValidationResults = append(run.ValidationResults, *result)
		if result.Valid {
			continue
		}
		if p.spec.AbortOnInvalid {
			return errors.NewValidationError("PIPELINE_VALIDATION_FAILED",
				fmt.Sprintf("validation %s rejected %d records",
					v.Name(), len(result.Errors)))
		}
		before := len(records)
		records = dropRejected(records, result)
		run.RecordsFailed += before - len(records)
	}

	for _, l := range p.loaders {
		if err := l.Load(ctx, records); err != nil {
			run.RecordsFailed = run.RecordsProcessed
			return errors.Wrap(err, "loader "+l.Name())
		}
	}

	run.RecordsSuccess = run.RecordsProcessed - run.RecordsFailed
	return nil
}

// dropRejected filters out records flagged by a validation result.
// Indexes in the result refer to positions in the validated slice.
func dropRejected(records []Record, result *ValidationResult) []Record {
	rejected := make(map[int]bool, len(result.Errors))
	for _, e := range result.Errors {
		rejected[e.RecordIndex] = true
	}
	kept := records[:0]
	for i, rec := range records {
		if !rejected[i] {
			kept = append(kept, rec)
		}
	}
	return kept
}
