// Package engine drives task execution: it turns a goal into steps via
// the planning capability, executes them through the driver with
// self-healing target resolution, verifies outcomes on redacted
// screenshots, and reports progress on an ordered event stream.
package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/privacy"
	"github.com/xkilldash9x/webpilot/internal/resolver"
	"github.com/xkilldash9x/webpilot/internal/vision"
)

// defaultScrollAmount is the pixel distance of a scroll step with no
// explicit amount.
const defaultScrollAmount = 600

// Collaborators bundles the external capabilities one task runs against.
type Collaborators struct {
	Driver   schemas.Driver
	Resolver *resolver.Resolver
	Redactor *privacy.Redactor
	Verifier *vision.Verifier
	Planner  schemas.PlanningCapability
	Memory   schemas.MemoryStore
}

// Orchestrator executes a single task as a step-level state machine:
// resolve, act, verify, heal on failure, then move on or abort.
type Orchestrator struct {
	cfg    config.EngineConfig
	c      Collaborators
	stream *Stream
	logger *zap.Logger

	// visionTap observes every screened image just before it is handed
	// to the verifier. Test instrumentation only.
	visionTap func(privacy.Screened)
}

func NewOrchestrator(cfg config.EngineConfig, c Collaborators, stream *Stream, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, c: c, stream: stream, logger: logger.Named("engine")}
}

// Run executes the goal to completion and returns the task report. The
// report is always non-nil, even when the task fails.
func (o *Orchestrator) Run(ctx context.Context, taskID string, goal schemas.Goal) (*schemas.TaskReport, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	defer cancel()

	userContext := o.loadUserContext(ctx, goal.UserID)
	ec := NewExecutionContext(goal.Objective, goal.UserID, o.cfg.MaxIterations, userContext)

	o.logger.Info("Task started",
		zap.String("task_id", taskID),
		zap.String("mode", string(goal.Mode)),
		zap.String("goal", privacy.SanitizeText(goal.Objective)),
	)

	var status schemas.TaskStatus
	var finalResult string
	var runErr error
	if goal.Mode == schemas.ModeAutonomous {
		status, finalResult, runErr = o.runAutonomous(ctx, taskID, ec)
	} else {
		status, finalResult, runErr = o.runGuided(ctx, taskID, ec)
	}

	report := &schemas.TaskReport{
		TaskID:        taskID,
		Status:        status,
		Steps:         ec.Results(),
		FinalResult:   finalResult,
		ExecutionTime: time.Since(start).Seconds(),
	}

	o.persistRecord(ctx, goal, report)

	// Terminal events must go out even when the task context expired.
	pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer pubCancel()
	if runErr != nil {
		o.publish(pubCtx, schemas.Event{Type: schemas.EventError, TaskID: taskID, Message: runErr.Error()})
	}
	o.publish(pubCtx, schemas.Event{Type: schemas.EventDone, TaskID: taskID, Report: report})

	o.logger.Info("Task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.Float64("execution_time", report.ExecutionTime),
	)
	return report, runErr
}

func (o *Orchestrator) loadUserContext(ctx context.Context, userID string) map[string]string {
	if o.c.Memory == nil || userID == "" {
		return nil
	}
	uc, err := o.c.Memory.GetUserContext(ctx, userID)
	if err != nil {
		o.logger.Warn("User context unavailable, continuing without it", zap.Error(err))
		return nil
	}
	return uc
}

func (o *Orchestrator) persistRecord(ctx context.Context, goal schemas.Goal, report *schemas.TaskReport) {
	if o.c.Memory == nil || goal.UserID == "" {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := o.c.Memory.SaveExecutionRecord(saveCtx, schemas.ExecutionRecord{
		UserID:        goal.UserID,
		Command:       goal.Objective,
		Status:        report.Status,
		Steps:         report.Steps,
		ExecutionTime: report.ExecutionTime,
	})
	if err != nil {
		o.logger.Warn("Failed to persist execution record", zap.Error(err))
	}
}

// runGuided plans once up front and walks the plan.
func (o *Orchestrator) runGuided(ctx context.Context, taskID string, ec *ExecutionContext) (schemas.TaskStatus, string, error) {
	plan, err := o.c.Planner.CreatePlan(ctx, ec.Goal(), ec.UserContext())
	if err != nil {
		return schemas.TaskFailed, "", schemas.NewTaskError(schemas.KindPlanning, -1, "plan creation failed", err)
	}

	aborted := false
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return statusOf(ec.Results(), false), "task deadline exceeded", err
		}

		stepNumber := i + 1
		o.publish(ctx, schemas.Event{
			Type:       schemas.EventStepStart,
			TaskID:     taskID,
			StepNumber: stepNumber,
			StepDesc:   step.Description,
		})

		result := o.executeStep(ctx, stepNumber, step, ec)
		ec.AddResult(result)
		o.publish(ctx, schemas.Event{
			Type:       schemas.EventStepResult,
			TaskID:     taskID,
			StepNumber: stepNumber,
			Result:     &result,
		})
		o.refreshPage(ctx, ec)

		if result.Status == schemas.StepFailed && !o.cfg.SkipOnFailure {
			aborted = true
			break
		}
	}

	results := ec.Results()
	completed := !aborted && len(results) == len(plan.Steps)
	status := statusOf(results, completed)
	return status, summarize(results, status), nil
}

// runAutonomous replans one step per iteration from the updated context.
// Step failures feed back into the next planning call instead of
// aborting; only the iteration bound, the planner declaring the goal
// achieved, a planning breakdown, or a privacy refusal end the loop.
func (o *Orchestrator) runAutonomous(ctx context.Context, taskID string, ec *ExecutionContext) (schemas.TaskStatus, string, error) {
	for {
		iter, ok := ec.NextIteration()
		if !ok {
			results := ec.Results()
			return statusOf(results, false), fmt.Sprintf("iteration budget of %d exhausted", o.cfg.MaxIterations), nil
		}
		if err := ctx.Err(); err != nil {
			return statusOf(ec.Results(), false), "task deadline exceeded", err
		}

		o.refreshPage(ctx, ec)
		o.observeFrame(ctx, ec)

		step, done, err := o.c.Planner.NextStep(ctx, ec.Snapshot())
		if err != nil {
			return statusOf(ec.Results(), false), "",
				schemas.NewTaskError(schemas.KindPlanning, iter, "next-step planning failed", err)
		}
		if done {
			return schemas.TaskCompleted, "goal achieved", nil
		}

		o.publish(ctx, schemas.Event{
			Type:       schemas.EventStepStart,
			TaskID:     taskID,
			StepNumber: iter,
			StepDesc:   step.Description,
		})

		result := o.executeStep(ctx, iter, *step, ec)
		ec.AddResult(result)
		o.publish(ctx, schemas.Event{
			Type:       schemas.EventStepResult,
			TaskID:     taskID,
			StepNumber: iter,
			Result:     &result,
		})

		if result.Status == schemas.StepFailed && result.ErrorKind == schemas.KindPrivacy {
			return statusOf(ec.Results(), false), "",
				schemas.NewTaskError(schemas.KindPrivacy, iter, "screenshot could not be certified safe", nil)
		}
	}
}

// executeStep runs one step through the resolve / act / verify loop,
// healing within the retry budget. It always returns a terminal result.
func (o *Orchestrator) executeStep(ctx context.Context, stepNumber int, step schemas.Step, ec *ExecutionContext) schemas.StepResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	result := schemas.StepResult{
		StepNumber:  stepNumber,
		Description: step.Description,
		Timestamp:   start.UTC(),
	}

	target := step.Target
	from := 0
	attempt := 0

	for {
		var res *resolver.Resolution
		if step.Action.NeedsTarget() {
			r, err := o.c.Resolver.ResolveFrom(ctx, o.c.Driver, target, from)
			if err != nil {
				return o.fail(result, start, err, nil)
			}
			res = r
		}

		if err := o.perform(ctx, step, res); err != nil {
			// The resolved element did not accept the action; resume the
			// chain past the strategy that produced it.
			if res != nil && attempt < o.cfg.StepRetryBudget && res.Index+1 < o.c.Resolver.Len() {
				attempt++
				from = res.Index + 1
				o.logger.Debug("Action failed on resolved target, healing",
					zap.Int("step", stepNumber),
					zap.String("strategy", res.Strategy),
					zap.Error(err),
				)
				continue
			}
			return o.fail(result, start,
				schemas.NewTaskError(schemas.KindAction, stepNumber, "action execution failed", err), res)
		}

		if step.Action == schemas.ActionScreenshot {
			screened, err := o.captureScreened(ctx)
			if err != nil {
				return o.fail(result, start, err, res)
			}
			result.Screenshot = base64.StdEncoding.EncodeToString(screened.PNG())
		}

		if step.VerificationHint == "" {
			return o.succeed(result, start, res, attempt)
		}

		judgement, screenshot, verr := o.verifyStep(ctx, step, ec)
		result.Judgement = judgement
		if screenshot != "" {
			result.Screenshot = screenshot
		}
		if verr != nil {
			return o.fail(result, start, verr, res)
		}
		if judgement.Success {
			return o.succeed(result, start, res, attempt)
		}

		// The page disagrees with the expectation. A concrete hint from
		// the judgement becomes the new text target for one more try.
		if judgement.Recoverable() && attempt < o.cfg.StepRetryBudget {
			attempt++
			target.TextHint = judgement.NextActionHint
			target.CSSHint = ""
			target.XPathHint = ""
			from = 0
			o.logger.Info("Verification failed with a recoverable hint, retrying",
				zap.Int("step", stepNumber),
				zap.String("hint", judgement.NextActionHint),
			)
			continue
		}
		return o.fail(result, start,
			schemas.NewTaskError(schemas.KindVerification, stepNumber,
				fmt.Sprintf("verification judged the step unsuccessful: %s", judgement.Description), nil), res)
	}
}

// perform executes the primitive action against the driver.
func (o *Orchestrator) perform(ctx context.Context, step schemas.Step, res *resolver.Resolution) error {
	drv := o.c.Driver
	switch step.Action {
	case schemas.ActionNavigate:
		return drv.Navigate(ctx, step.Value)

	case schemas.ActionClick:
		if res.Point != nil {
			return drv.ClickAt(ctx, res.Point.X, res.Point.Y)
		}
		return drv.Click(ctx, res.Selector)

	case schemas.ActionTypeText:
		if res.Selector != "" {
			return drv.Type(ctx, res.Selector, step.Value)
		}
		// Coordinate-resolved field: focus by click, then key it in.
		if err := drv.ClickAt(ctx, res.Point.X, res.Point.Y); err != nil {
			return err
		}
		for _, ch := range step.Value {
			if err := drv.Press(ctx, string(ch)); err != nil {
				return err
			}
		}
		return nil

	case schemas.ActionScroll:
		direction := strings.ToLower(strings.TrimSpace(step.Value))
		if direction != "up" {
			direction = "down"
		}
		return drv.Scroll(ctx, direction, defaultScrollAmount)

	case schemas.ActionWait:
		seconds, err := strconv.ParseFloat(strings.TrimSpace(step.Value), 64)
		if err != nil || seconds <= 0 {
			seconds = 1
		}
		return drv.Wait(ctx, time.Duration(seconds*float64(time.Second)))

	case schemas.ActionPress:
		return drv.Press(ctx, step.Value)

	case schemas.ActionScreenshot:
		// Captured (and redacted) by the caller.
		return nil

	default:
		return fmt.Errorf("unsupported action %q", step.Action)
	}
}

// captureScreened snapshots the page through the redactor. Every image
// that leaves the engine goes through here.
func (o *Orchestrator) captureScreened(ctx context.Context) (privacy.Screened, error) {
	screened, err := o.c.Redactor.Capture(ctx, o.c.Driver)
	if err != nil {
		return privacy.Screened{}, err
	}
	if o.visionTap != nil {
		o.visionTap(screened)
	}
	return screened, nil
}

// verifyStep captures a redacted screenshot and asks the verifier to
// judge it against the step's expectation.
func (o *Orchestrator) verifyStep(ctx context.Context, step schemas.Step, ec *ExecutionContext) (*schemas.Judgement, string, error) {
	screened, err := o.captureScreened(ctx)
	if err != nil {
		return nil, "", err
	}
	encoded := base64.StdEncoding.EncodeToString(screened.PNG())

	judgement, verr := o.c.Verifier.Verify(ctx, screened, schemas.VisionContext{
		Goal:             ec.Goal(),
		LastAction:       step.Description,
		VerificationHint: step.VerificationHint,
	})
	return judgement, encoded, verr
}

func (o *Orchestrator) succeed(result schemas.StepResult, start time.Time, res *resolver.Resolution, attempt int) schemas.StepResult {
	result.Status = schemas.StepSuccess
	if res != nil {
		result.StrategyUsed = res.Strategy
		if res.Healed() || attempt > 0 {
			result.Status = schemas.StepHealed
		}
	} else if attempt > 0 {
		result.Status = schemas.StepHealed
	}
	result.LatencyMS = time.Since(start).Milliseconds()
	return result
}

func (o *Orchestrator) fail(result schemas.StepResult, start time.Time, err error, res *resolver.Resolution) schemas.StepResult {
	result.Status = schemas.StepFailed
	result.Error = err.Error()
	result.ErrorKind = schemas.KindOf(err)
	if res != nil {
		result.StrategyUsed = res.Strategy
	}
	result.LatencyMS = time.Since(start).Milliseconds()
	o.logger.Warn("Step failed",
		zap.Int("step", result.StepNumber),
		zap.String("error", result.Error),
	)
	return result
}

// refreshPage updates the execution context's view of the page. Failures
// are tolerated; a stale snapshot beats a dead task.
func (o *Orchestrator) refreshPage(ctx context.Context, ec *ExecutionContext) {
	url, err := o.c.Driver.CurrentURL(ctx)
	if err != nil {
		return
	}
	text, err := o.c.Driver.PageText(ctx)
	if err != nil {
		text = ""
	}
	ec.UpdatePage(url, privacy.SanitizeText(text))
}

// observeFrame diffs the current raw screenshot against the previous
// iteration's so the planner learns when the page is stuck. The raw
// bytes stay inside the engine; only redacted images leave it.
func (o *Orchestrator) observeFrame(ctx context.Context, ec *ExecutionContext) {
	png, err := o.c.Driver.Screenshot(ctx)
	if err != nil {
		return
	}
	stalled := false
	if prev := ec.LastFrame(); prev != nil {
		changed, err := vision.ChangedSince(prev, png, vision.DefaultChangeThreshold)
		if err == nil {
			stalled = !changed
		}
	}
	ec.ObserveFrame(png, stalled)
}

func (o *Orchestrator) publish(ctx context.Context, ev schemas.Event) {
	if o.stream == nil {
		return
	}
	if err := o.stream.Publish(ctx, ev); err != nil {
		o.logger.Debug("Event dropped", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// statusOf derives the task status from the step log. completed requires
// the whole plan to have run clean.
func statusOf(results []schemas.StepResult, completed bool) schemas.TaskStatus {
	succeeded := 0
	for _, r := range results {
		if r.Status == schemas.StepSuccess || r.Status == schemas.StepHealed {
			succeeded++
		}
	}
	switch {
	case completed && succeeded == len(results) && len(results) > 0:
		return schemas.TaskCompleted
	case succeeded > 0:
		return schemas.TaskPartial
	default:
		return schemas.TaskFailed
	}
}

func summarize(results []schemas.StepResult, status schemas.TaskStatus) string {
	succeeded := 0
	for _, r := range results {
		if r.Status != schemas.StepFailed {
			succeeded++
		}
	}
	return fmt.Sprintf("%d/%d steps succeeded (%s)", succeeded, len(results), status)
}

