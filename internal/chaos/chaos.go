// internal/chaos/chaos.go
package chaos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"nowver/internal/chain"
	"nowver/internal/registry"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // 0.0 to 1.0 (share of buyers or writes affected)
}

// Metric defines a measurable registry property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action represents a fault injection or recovery action
type Action struct {
	Type       string // mint-storm, transfer-storm, inject-latency, inject-failure
	Target     string
	Parameters map[string]interface{}
	Execute    func(context.Context) error
}

// Assertion validates experiment outcome
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithTick sets how often metrics are sampled while observing.
func WithTick(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

// WithCooldown sets the pause between game day experiments.
func WithCooldown(d time.Duration) Option {
	return func(e *Engine) { e.cooldown = d }
}

// WithObservation overrides every experiment's observation window.
func WithObservation(d time.Duration) Option {
	return func(e *Engine) { e.observation = d }
}

// WithOutput redirects the game day report.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// Engine orchestrates chaos experiments against a registry stream of its
// own, so production streams in the same store are never touched.
type Engine struct {
	tracer  trace.Tracer
	store   registry.EventLog
	faults  *FaultyLog
	service registry.Service
	name    string
	owner   chain.Address
	nextID  atomic.Uint64

	tick        time.Duration
	cooldown    time.Duration
	observation time.Duration
	out         io.Writer

	experiments []Experiment
	results     []ExperimentResult
	mu          sync.Mutex
}

// NewEngine deploys a fresh registry stream in store, fronted by a
// FaultyLog, and returns an engine driving it.
func NewEngine(ctx context.Context, store registry.EventLog, opts ...Option) (*Engine, error) {
	ce := &Engine{
		tracer:   otel.Tracer("nowver/chaos"),
		store:    store,
		faults:   NewFaultyLog(store),
		name:     "chaos-" + uuid.NewString(),
		owner:    randomAddress(),
		tick:     time.Second,
		cooldown: 30 * time.Second,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(ce)
	}

	svc, err := registry.NewService(ctx, ce.faults, registry.ServiceConfig{Name: ce.name})
	if err != nil {
		return nil, fmt.Errorf("failed to open chaos registry: %w", err)
	}
	if err := svc.Deploy(ctx, ce.owner, "ipfs://chaos/"); err != nil {
		return nil, fmt.Errorf("failed to deploy chaos registry: %w", err)
	}
	ce.service = svc
	return ce, nil
}

// Service is the registry under test.
func (ce *Engine) Service() registry.Service {
	return ce.service
}

// Faults controls fault injection into the registry's event log.
func (ce *Engine) Faults() *FaultyLog {
	return ce.faults
}

// RegisterExperiment adds an experiment to the test suite
func (ce *Engine) RegisterExperiment(exp Experiment) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.experiments = append(ce.experiments, exp)
}

// GetExperiments returns the list of registered experiments.
func (ce *Engine) GetExperiments() []Experiment {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]Experiment(nil), ce.experiments...)
}

// Results returns every completed experiment result in run order.
func (ce *Engine) Results() []ExperimentResult {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ExperimentResult(nil), ce.results...)
}

// RunExperiment executes a single chaos experiment
func (ce *Engine) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
			attribute.Float64("experiment.blast_radius", exp.BlastRadius),
		),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	// Phase 1: Validate steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := ce.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.SteadyStateValid = false
		result.Violations = violations
		return result, errors.New("steady state invalid - aborting experiment")
	}
	result.SteadyStateValid = true

	// Phase 2: Inject chaos
	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	// Phase 3: Observe system behavior
	span.AddEvent("observing_system")
	window := exp.Duration
	if ce.observation > 0 {
		window = ce.observation
	}
	observationCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var (
		recoveryStart   time.Time
		systemRecovered bool
	)
	sample := func() {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
					Timestamp: time.Now(),
					Error:     err.Error(),
					Component: metric.Name,
				})
				continue
			}

			result.Observations[metric.Name] = append(
				result.Observations[metric.Name],
				DataPoint{Timestamp: time.Now(), Value: value},
			)

			if !evaluateThreshold(value, metric.Threshold) {
				if recoveryStart.IsZero() {
					recoveryStart = time.Now()
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  time.Now(),
				})
			} else if !recoveryStart.IsZero() && !systemRecovered {
				mttr := time.Since(recoveryStart)
				result.MTTR = &mttr
				systemRecovered = true
			}
		}
	}

	ticker := time.NewTicker(ce.tick)
	defer ticker.Stop()

observe:
	for {
		select {
		case <-observationCtx.Done():
			break observe
		case <-ticker.C:
			sample()
		}
	}

	// Phase 4: Rollback chaos injection
	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}
	// one sample after rollback so assertions always see the settled state
	sample()

	// Phase 5: Validate assertions
	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	ce.mu.Lock()
	ce.results = append(ce.results, *result)
	ce.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)

	return result, nil
}

func (ce *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}

		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions checks each assertion against the final observation of
// its metric and returns the messages of those that failed.
func validateAssertions(assertions []Assertion, result *ExperimentResult) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, assertion.Message+" (no observations)")
			continue
		}

		finalValue := observations[len(observations)-1].Value
		if !assertion.Condition(finalValue) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
}

// ExecuteGameDay runs every scenario in order and fails if any hypothesis
// did not hold.
func (ce *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := ce.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(
			attribute.String("gameday.name", gameDay.Name),
		),
	)
	defer span.End()

	fmt.Fprintf(ce.out, "🎮 Starting Game Day: %s\n", gameDay.Name)
	fmt.Fprintf(ce.out, "📅 Date: %s\n", gameDay.Date.Format(time.RFC3339))
	fmt.Fprintf(ce.out, "🏷️  Registry stream: %s\n", ce.name)
	if len(gameDay.Participants) > 0 {
		fmt.Fprintf(ce.out, "👥 Participants: %v\n", gameDay.Participants)
	}

	var failed []string
	for i, scenario := range gameDay.Scenarios {
		fmt.Fprintf(ce.out, "\n🔬 Experiment %d/%d: %s\n", i+1, len(gameDay.Scenarios), scenario.Name)
		fmt.Fprintf(ce.out, "💡 Hypothesis: %s\n", scenario.Hypothesis)

		result, err := ce.RunExperiment(ctx, scenario)
		if err != nil {
			fmt.Fprintf(ce.out, "❌ Experiment failed: %v\n", err)
			failed = append(failed, scenario.Name)
			continue
		}

		ce.printExperimentResult(result)
		if !result.HypothesisHeld {
			failed = append(failed, scenario.Name)
		}

		if i < len(gameDay.Scenarios)-1 && ce.cooldown > 0 {
			select {
			case <-time.After(ce.cooldown):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d experiments failed: %v", len(failed), len(gameDay.Scenarios), failed)
	}
	return nil
}

func (ce *Engine) printExperimentResult(result *ExperimentResult) {
	if result.HypothesisHeld {
		fmt.Fprintf(ce.out, "✅ Hypothesis held - Registry behaved as expected\n")
	} else {
		fmt.Fprintf(ce.out, "❌ Hypothesis violated - Unexpected behavior observed\n")
		for _, msg := range result.FailedAssertions {
			fmt.Fprintf(ce.out, "   - %s\n", msg)
		}
	}

	if len(result.Violations) > 0 {
		fmt.Fprintf(ce.out, "⚠️  Violations detected: %d\n", len(result.Violations))
		for _, v := range result.Violations {
			fmt.Fprintf(ce.out, "   - %s: expected %.2f, got %.2f\n", v.MetricName, v.Expected, v.Actual)
		}
	}

	if len(result.ErrorEvents) > 0 {
		fmt.Fprintf(ce.out, "🧯 Errors recorded: %d\n", len(result.ErrorEvents))
	}

	if result.MTTR != nil {
		fmt.Fprintf(ce.out, "⏱️  MTTR: %s\n", *result.MTTR)
	}

	fmt.Fprintf(ce.out, "📊 Duration: %s\n", result.Duration)
}

// WriteReport encodes all results as JSON.
func (ce *Engine) WriteReport(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(ce.Results())
}

func randomAddress() chain.Address {
	var a chain.Address
	id := uuid.New()
	copy(a[:], id[:])
	copy(a[16:], id[:4])
	return a
}
