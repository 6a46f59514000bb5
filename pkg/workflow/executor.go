/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

const executorComponent = "step-executor"

// ExecutorConfig tunes the retry and timeout policy for automatic steps.
type ExecutorConfig struct {
	// BaseBackoff is the first retry delay; each further delay doubles.
	BaseBackoff time.Duration
	// MaxAttempts caps collaborator invocations per step run.
	MaxAttempts int
	// InvokeTimeout bounds a single collaborator call. Timeouts fail the
	// attempt; they never escalate (that is the human-step regime).
	InvokeTimeout time.Duration
}

// DefaultExecutorConfig returns the standard retry policy.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		BaseBackoff:   time.Second,
		MaxAttempts:   3,
		InvokeTimeout: 60 * time.Second,
	}
}

// StepExecutor runs one unit of work. Automatic steps call the external
// collaborator synchronously behind a circuit breaker; human steps park as
// AwaitingSignal and return immediately so the coordinator goroutine stays
// free. A parked step is resolved only by the signal dispatcher.
type StepExecutor struct {
	invoker Invoker
	config  ExecutorConfig
	breaker *gobreaker.CircuitBreaker
	metrics *Metrics
	logger  *logging.StructuredLogger
	tracer  trace.Tracer

	// sleep is the retry delay hook, injectable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(invoker Invoker, config ExecutorConfig, metrics *Metrics, logger *logging.StructuredLogger) *StepExecutor {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        executorComponent,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})

	return &StepExecutor{
		invoker: invoker,
		config:  config,
		breaker: breaker,
		metrics: metrics,
		logger:  logger.WithComponent(executorComponent),
		tracer:  otel.Tracer(executorComponent),
		sleep:   sleepCtx,
	}
}

// Run executes one step. For human steps the returned outcome carries
// AwaitingSignal and the step function is never re-invoked; resumption is
// the dispatcher's job.
func (e *StepExecutor) Run(ctx context.Context, step *StepRecord) StepOutcome {
	ctx, span := e.tracer.Start(ctx, "step.run", trace.WithAttributes(
		attribute.String("workflow.instance_id", step.InstanceID),
		attribute.String("workflow.phase", string(step.Phase)),
		attribute.String("workflow.step", step.Name),
		attribute.String("workflow.step_kind", string(step.Kind)),
	))
	defer span.End()

	now := time.Now()
	step.StartedAt = &now

	if step.Kind == StepHuman {
		step.Status = StepAwaitingSignal
		return StepOutcome{StepID: step.ID, Status: StepAwaitingSignal}
	}

	step.Status = StepRunning
	return e.runAutomatic(ctx, step)
}

// runAutomatic invokes the collaborator with capped exponential backoff.
func (e *StepExecutor) runAutomatic(ctx context.Context, step *StepRecord) StepOutcome {
	sc := StepContext{
		InstanceID: step.InstanceID,
		Phase:      step.Phase,
		StepID:     step.ID,
		StepName:   step.Name,
		Payload:    step.Payload,
	}

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		step.Attempts = attempt

		payload, err := e.invokeOnce(ctx, sc)
		if err == nil {
			e.resolve(step, StepDone, payload, "")
			return StepOutcome{StepID: step.ID, Status: StepDone, Payload: payload}
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			break
		}

		e.metrics.StepRetries.WithLabelValues(string(step.Phase), step.Name).Inc()
		e.logger.WarnWithContext("automatic step attempt failed",
			"instance_id", step.InstanceID,
			"step", step.Name,
			"attempt", attempt,
			"error", err.Error(),
		)

		backoff := e.config.BaseBackoff << (attempt - 1)
		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	failure := errors.NewActivityFailure(executorComponent, step.Name, lastErr, step.Attempts).
		WithInstance(step.InstanceID).
		WithStep(step.ID)
	e.resolve(step, StepFailed, nil, failure.Error())
	return StepOutcome{StepID: step.ID, Status: StepFailed, Err: failure}
}

// invokeOnce makes a single bounded collaborator call through the breaker.
func (e *StepExecutor) invokeOnce(ctx context.Context, sc StepContext) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.InvokeTimeout)
	defer cancel()

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.invoker.Invoke(callCtx, sc)
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, executorComponent, sc.StepName, "collaborator call timed out")
		}
		return nil, err
	}

	payload, _ := result.(json.RawMessage)
	return payload, nil
}

// resolve records a terminal status. Terminal states are monotonic: a step
// already resolved is left untouched.
func (e *StepExecutor) resolve(step *StepRecord, status StepStatus, payload json.RawMessage, reason string) {
	if step.Status.IsTerminal() {
		return
	}
	now := time.Now()
	step.Status = status
	step.ResolvedAt = &now
	step.FailureReason = reason
	if payload != nil {
		step.Payload = payload
	}
	e.metrics.StepsResolved.WithLabelValues(string(step.Phase), string(step.Kind), string(status)).Inc()
}

// sleepCtx waits for d or context cancellation, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
