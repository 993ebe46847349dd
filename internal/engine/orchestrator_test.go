package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/drivertest"
	"github.com/xkilldash9x/webpilot/internal/privacy"
	"github.com/xkilldash9x/webpilot/internal/resolver"
	"github.com/xkilldash9x/webpilot/internal/vision"
)

// -- fixtures --

func engineCfg() config.EngineConfig {
	return config.EngineConfig{
		MaxIterations:   20,
		StepTimeout:     30 * time.Second,
		TaskTimeout:     5 * time.Minute,
		StepRetryBudget: 2,
	}
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 30), uint8(y * 30), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakePlanner struct {
	mu        sync.Mutex
	plan      *schemas.Plan
	planErr   error
	nextSteps []*schemas.Step
	doneAfter int
	nextErr   error
	calls     int
	snapshots []schemas.ContextSnapshot
}

func (p *fakePlanner) CreatePlan(ctx context.Context, goal string, userContext map[string]string) (*schemas.Plan, error) {
	return p.plan, p.planErr
}

func (p *fakePlanner) NextStep(ctx context.Context, snapshot schemas.ContextSnapshot) (*schemas.Step, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.snapshots = append(p.snapshots, snapshot)
	if p.nextErr != nil {
		return nil, false, p.nextErr
	}
	if p.doneAfter > 0 && p.calls > p.doneAfter {
		return nil, true, nil
	}
	if len(p.nextSteps) == 0 {
		return &schemas.Step{Action: schemas.ActionScroll, Value: "down", Description: "keep looking"}, false, nil
	}
	step := p.nextSteps[0]
	if len(p.nextSteps) > 1 {
		p.nextSteps = p.nextSteps[1:]
	}
	return step, false, nil
}

func (p *fakePlanner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePlanner) Snapshots() []schemas.ContextSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schemas.ContextSnapshot, len(p.snapshots))
	copy(out, p.snapshots)
	return out
}

// scriptedVision returns queued raw judgements in order, repeating the
// last one. It records every image it is shown.
type scriptedVision struct {
	mu     sync.Mutex
	queue  []string
	images [][]byte
}

func (v *scriptedVision) Judge(ctx context.Context, redactedPNG []byte, vctx schemas.VisionContext) (json.RawMessage, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.images = append(v.images, redactedPNG)
	if len(v.queue) == 0 {
		return json.RawMessage(`{"description":"ok","success":true,"confidence":0.9}`), nil
	}
	raw := v.queue[0]
	if len(v.queue) > 1 {
		v.queue = v.queue[1:]
	}
	return json.RawMessage(raw), nil
}

func (v *scriptedVision) Images() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.images))
	copy(out, v.images)
	return out
}

type harness struct {
	drv    *drivertest.FakeDriver
	plan   *fakePlanner
	vis    *scriptedVision
	stream *Stream
	orch   *Orchestrator
}

func newHarness(t *testing.T, cfg config.EngineConfig) *harness {
	t.Helper()
	drv := drivertest.New()
	drv.Screenshots = [][]byte{tinyPNG(t)}
	plan := &fakePlanner{}
	vis := &scriptedVision{}
	stream := NewStream()

	redactor := privacy.NewRedactor(config.PrivacyConfig{BlockSize: 4, RegionPaddingPx: 2}, nil, zap.NewNop())
	verifier := vision.NewVerifier(vis, nil, zap.NewNop())
	res := resolver.New(config.ResolverConfig{
		Strategies:        []string{"exact", "relaxed", "text", "contains-text"},
		OCROffsetMarginPx: 3,
	}, nil, zap.NewNop())

	orch := NewOrchestrator(cfg, Collaborators{
		Driver:   drv,
		Resolver: res,
		Redactor: redactor,
		Verifier: verifier,
		Planner:  plan,
	}, stream, zap.NewNop())

	return &harness{drv: drv, plan: plan, vis: vis, stream: stream, orch: orch}
}

func (h *harness) drainEvents() []schemas.Event {
	h.stream.Close()
	var out []schemas.Event
	for ev := range h.stream.Events() {
		out = append(out, ev)
	}
	return out
}

// -- guided mode --

func TestGuidedTaskCompletes(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.drv.Elements["#q"] = []drivertest.Element{{Box: schemas.Rect{X: 10, Y: 10, Width: 200, Height: 30}}}
	h.plan.plan = &schemas.Plan{
		Goal: "search for cats",
		Steps: []schemas.Step{
			{Action: schemas.ActionNavigate, Value: "https://example.com", Description: "open site"},
			{Action: schemas.ActionTypeText, Target: schemas.Target{CSSHint: "#q"}, Value: "cats", Description: "enter query"},
			{Action: schemas.ActionPress, Value: "Enter", Description: "submit", VerificationHint: "results"},
		},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "search for cats", Mode: schemas.ModeGuided})
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskCompleted, report.Status)
	require.Len(t, report.Steps, 3)
	for _, s := range report.Steps {
		assert.Equal(t, schemas.StepSuccess, s.Status)
	}

	// The verified step carries a judgement and a redacted screenshot.
	last := report.Steps[2]
	require.NotNil(t, last.Judgement)
	assert.True(t, last.Judgement.Success)
	assert.NotEmpty(t, last.Screenshot)

	assert.Equal(t, "https://example.com", h.drv.URL)
}

func TestGuidedStepHealsOnStaleSelector(t *testing.T) {
	h := newHarness(t, engineCfg())
	// "#search" is gone but an element still carries the token.
	h.drv.Elements[`[id*="search"]`] = []drivertest.Element{{Box: schemas.Rect{X: 5, Y: 5, Width: 60, Height: 20}}}
	h.plan.plan = &schemas.Plan{
		Goal:  "click search",
		Steps: []schemas.Step{{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#search"}, Description: "click search"}},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "click search", Mode: schemas.ModeGuided})
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskCompleted, report.Status)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, schemas.StepHealed, report.Steps[0].Status)
	assert.Equal(t, "relaxed", report.Steps[0].StrategyUsed)
}

func TestGuidedAbortsOnFailureByDefault(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.plan = &schemas.Plan{
		Goal: "g",
		Steps: []schemas.Step{
			{Action: schemas.ActionNavigate, Value: "https://example.com", Description: "open"},
			{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#missing"}, Description: "click missing"},
			{Action: schemas.ActionPress, Value: "Enter", Description: "never reached"},
		},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeGuided})
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskPartial, report.Status)
	require.Len(t, report.Steps, 2, "third step must not execute")
	assert.Equal(t, schemas.StepFailed, report.Steps[1].Status)
	assert.Contains(t, report.Steps[1].Error, string(schemas.KindResolution))
	assert.Empty(t, h.drv.CallsTo("Press"))
}

func TestGuidedSkipOnFailureContinues(t *testing.T) {
	cfg := engineCfg()
	cfg.SkipOnFailure = true
	h := newHarness(t, cfg)
	h.plan.plan = &schemas.Plan{
		Goal: "g",
		Steps: []schemas.Step{
			{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#missing"}, Description: "click missing"},
			{Action: schemas.ActionPress, Value: "Enter", Description: "still runs"},
		},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeGuided})
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskPartial, report.Status)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, schemas.StepFailed, report.Steps[0].Status)
	assert.Equal(t, schemas.StepSuccess, report.Steps[1].Status)
	assert.Len(t, h.drv.CallsTo("Press"), 1)
}

func TestGuidedPlanningFailureFailsTask(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.planErr = schemas.NewTaskError(schemas.KindPlanning, -1, "invalid plan", nil)

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeGuided})
	require.Error(t, err)
	assert.Equal(t, schemas.KindPlanning, schemas.KindOf(err))
	assert.Equal(t, schemas.TaskFailed, report.Status)
}

// -- verification and healing --

func TestVerificationFailureWithRecoverableHintRetries(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.drv.Elements["#buy"] = []drivertest.Element{{Box: schemas.Rect{X: 1, Y: 1, Width: 10, Height: 10}}}
	h.drv.Elements[`//*[contains(normalize-space(text()), 'Confirm purchase')]`] = []drivertest.Element{
		{Box: schemas.Rect{X: 1, Y: 30, Width: 40, Height: 12}},
	}
	h.vis.queue = []string{
		`{"description":"a confirmation dialog appeared","success":false,"confidence":0.8,"next_action_hint":"Confirm purchase"}`,
		`{"description":"purchase confirmed","success":true,"confidence":0.9}`,
	}
	h.plan.plan = &schemas.Plan{
		Goal: "buy",
		Steps: []schemas.Step{
			{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#buy"}, Description: "buy", VerificationHint: "purchase confirmed"},
		},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "buy", Mode: schemas.ModeGuided})
	require.NoError(t, err)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, schemas.StepHealed, report.Steps[0].Status, "hint-driven retry marks the step healed")
	require.NotNil(t, report.Steps[0].Judgement)
	assert.True(t, report.Steps[0].Judgement.Success)

	// The retry clicked the element found by the hint text.
	clicks := h.drv.CallsTo("Click")
	require.Len(t, clicks, 2)
	assert.Contains(t, clicks[1].Selector, "Confirm purchase")
}

func TestMalformedJudgementFailsStep(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.drv.Elements["#go"] = []drivertest.Element{{Box: schemas.Rect{X: 1, Y: 1, Width: 10, Height: 10}}}
	h.vis.queue = []string{`not json at all`}
	h.plan.plan = &schemas.Plan{
		Goal: "g",
		Steps: []schemas.Step{
			{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#go"}, Description: "go", VerificationHint: "done"},
		},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeGuided})
	require.NoError(t, err)
	require.Len(t, report.Steps, 1)
	assert.Equal(t, schemas.StepFailed, report.Steps[0].Status)
	assert.Contains(t, report.Steps[0].Error, string(schemas.KindVerification))
	require.NotNil(t, report.Steps[0].Judgement, "conservative judgement still attached")
	assert.False(t, report.Steps[0].Judgement.Success)
	assert.Equal(t, schemas.HintUnknown, report.Steps[0].Judgement.NextActionHint)
}

func TestUnrecoverableJudgementDoesNotRetry(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.drv.Elements["#go"] = []drivertest.Element{{Box: schemas.Rect{X: 1, Y: 1, Width: 10, Height: 10}}}
	h.vis.queue = []string{`{"description":"nothing changed","success":false,"confidence":0.9,"next_action_hint":"unknown"}`}
	h.plan.plan = &schemas.Plan{
		Goal: "g",
		Steps: []schemas.Step{
			{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#go"}, Description: "go", VerificationHint: "changed"},
		},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeGuided})
	require.NoError(t, err)
	assert.Equal(t, schemas.StepFailed, report.Steps[0].Status)
	assert.Len(t, h.drv.CallsTo("Click"), 1, "hint=unknown must not trigger a retry")
}

// -- the trust boundary --

func TestVisionOnlySeesRedactedImages(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.drv.Elements["#go"] = []drivertest.Element{{Box: schemas.Rect{X: 1, Y: 1, Width: 10, Height: 10}}}
	h.plan.plan = &schemas.Plan{
		Goal: "g",
		Steps: []schemas.Step{
			{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#go"}, Description: "go", VerificationHint: "ok"},
		},
	}

	var tapped [][]byte
	h.orch.visionTap = func(s privacy.Screened) {
		tapped = append(tapped, s.PNG())
	}

	_, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeGuided})
	require.NoError(t, err)

	images := h.vis.Images()
	require.NotEmpty(t, images)
	require.Len(t, tapped, len(images))
	for i := range images {
		assert.Equal(t, tapped[i], images[i], "every image shown to the vision capability came out of the redactor")
	}
}

// -- autonomous mode --

func TestAutonomousStopsAtIterationBound(t *testing.T) {
	cfg := engineCfg()
	cfg.MaxIterations = 5
	h := newHarness(t, cfg)
	// Planner never declares the goal achieved.

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "wander", Mode: schemas.ModeAutonomous})
	require.NoError(t, err)
	assert.Equal(t, 5, h.plan.Calls(), "exactly one planning call per iteration")
	assert.Len(t, report.Steps, 5)
	assert.Contains(t, report.FinalResult, "iteration budget")
}

func TestAutonomousCompletesWhenGoalAchieved(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.doneAfter = 2

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeAutonomous})
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskCompleted, report.Status)
	assert.Len(t, report.Steps, 2)
	assert.Equal(t, "goal achieved", report.FinalResult)
}

func TestAutonomousFailedStepFeedsBack(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.doneAfter = 2
	h.plan.nextSteps = []*schemas.Step{
		{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#gone"}, Description: "click missing"},
		{Action: schemas.ActionScroll, Value: "down", Description: "recover"},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeAutonomous})
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskCompleted, report.Status)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, schemas.StepFailed, report.Steps[0].Status)
	assert.Equal(t, schemas.StepSuccess, report.Steps[1].Status)
}

func TestFailedStepKindIsTypedNotParsedFromText(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.doneAfter = 2
	h.plan.nextSteps = []*schemas.Step{
		// The target text embeds an error-kind name, so the rendered error
		// message will contain it too. Only the typed kind may drive loop
		// control.
		{Action: schemas.ActionClick, Target: schemas.Target{TextHint: "privacy_violation_risk"}, Description: "click odd label"},
		{Action: schemas.ActionScroll, Value: "down", Description: "recover"},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeAutonomous})
	require.NoError(t, err)
	assert.Equal(t, schemas.TaskCompleted, report.Status, "a resolution failure must not abort the loop as a privacy refusal")
	require.Len(t, report.Steps, 2)
	assert.Equal(t, schemas.StepFailed, report.Steps[0].Status)
	assert.Equal(t, schemas.KindResolution, report.Steps[0].ErrorKind)
	assert.Contains(t, report.Steps[0].Error, "privacy_violation_risk")
	assert.Equal(t, schemas.StepSuccess, report.Steps[1].Status)
}

func TestAutonomousAbortsOnPrivacyRefusal(t *testing.T) {
	h := newHarness(t, engineCfg())
	// A screenshot the redactor cannot certify clean.
	h.drv.Screenshots = [][]byte{[]byte("not a png")}
	h.drv.Elements["#go"] = []drivertest.Element{{Box: schemas.Rect{X: 1, Y: 1, Width: 10, Height: 10}}}
	h.plan.nextSteps = []*schemas.Step{
		{Action: schemas.ActionClick, Target: schemas.Target{CSSHint: "#go"}, Description: "go", VerificationHint: "ok"},
	}

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeAutonomous})
	require.Error(t, err)
	assert.Equal(t, schemas.KindPrivacy, schemas.KindOf(err))
	assert.Equal(t, schemas.TaskFailed, report.Status)
	assert.Equal(t, 1, h.plan.Calls(), "the loop must not continue past a privacy refusal")
	require.Len(t, report.Steps, 1)
	assert.Equal(t, schemas.KindPrivacy, report.Steps[0].ErrorKind)
}

func TestAutonomousFlagsStalledPage(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.doneAfter = 3
	// The fake driver serves the same frame every iteration, so the page
	// never visibly changes.

	_, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeAutonomous})
	require.NoError(t, err)

	snaps := h.plan.Snapshots()
	require.GreaterOrEqual(t, len(snaps), 3)
	assert.False(t, snaps[0].PageStalled, "no previous frame to compare on the first iteration")
	assert.True(t, snaps[1].PageStalled)
	assert.True(t, snaps[2].PageStalled)
}

func TestAutonomousPlanningErrorFailsTask(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.nextErr = schemas.NewTaskError(schemas.KindPlanning, -1, "model refused", nil)

	report, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeAutonomous})
	require.Error(t, err)
	assert.Equal(t, schemas.KindPlanning, schemas.KindOf(err))
	assert.Equal(t, schemas.TaskFailed, report.Status)
}

// -- events --

func TestEventOrderingMatchesExecution(t *testing.T) {
	h := newHarness(t, engineCfg())
	h.plan.plan = &schemas.Plan{
		Goal: "g",
		Steps: []schemas.Step{
			{Action: schemas.ActionNavigate, Value: "https://example.com", Description: "one"},
			{Action: schemas.ActionScroll, Value: "down", Description: "two"},
		},
	}

	_, err := h.orch.Run(context.Background(), "t1", schemas.Goal{Objective: "g", Mode: schemas.ModeGuided})
	require.NoError(t, err)

	events := h.drainEvents()
	require.Len(t, events, 5)
	assert.Equal(t, schemas.EventStepStart, events[0].Type)
	assert.Equal(t, 1, events[0].StepNumber)
	assert.Equal(t, schemas.EventStepResult, events[1].Type)
	assert.Equal(t, 1, events[1].StepNumber)
	assert.Equal(t, schemas.EventStepStart, events[2].Type)
	assert.Equal(t, 2, events[2].StepNumber)
	assert.Equal(t, schemas.EventStepResult, events[3].Type)
	assert.Equal(t, schemas.EventDone, events[4].Type)
	require.NotNil(t, events[4].Report)
	assert.Equal(t, schemas.TaskCompleted, events[4].Report.Status)
}

// -- execution context --

func TestIterationCounterIsMonotonicAndBounded(t *testing.T) {
	ec := NewExecutionContext("g", "u", 3, nil)
	for i := 1; i <= 3; i++ {
		n, ok := ec.NextIteration()
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	n, ok := ec.NextIteration()
	assert.False(t, ok)
	assert.Equal(t, 3, n, "counter never exceeds the bound")
	n, ok = ec.NextIteration()
	assert.False(t, ok)
	assert.Equal(t, 3, n, "counter never moves backward")
}

func TestSnapshotCarriesRecentResultsOnly(t *testing.T) {
	ec := NewExecutionContext("g", "u", 20, map[string]string{"city": "Lisbon"})
	for i := 1; i <= 8; i++ {
		ec.AddResult(schemas.StepResult{StepNumber: i, Status: schemas.StepSuccess})
	}
	ec.UpdatePage("https://example.com", "hello")

	snap := ec.Snapshot()
	assert.Equal(t, "https://example.com", snap.CurrentURL)
	assert.Equal(t, "hello", snap.PageText)
	assert.Equal(t, "Lisbon", snap.UserContext["city"])
	require.Len(t, snap.LastResults, maxSnapshotResults)
	assert.Equal(t, 4, snap.LastResults[0].StepNumber, "only the tail of the log is carried")
}

func TestStatusOf(t *testing.T) {
	ok := schemas.StepResult{Status: schemas.StepSuccess}
	healed := schemas.StepResult{Status: schemas.StepHealed}
	bad := schemas.StepResult{Status: schemas.StepFailed}

	assert.Equal(t, schemas.TaskCompleted, statusOf([]schemas.StepResult{ok, healed}, true))
	assert.Equal(t, schemas.TaskPartial, statusOf([]schemas.StepResult{ok, bad}, false))
	assert.Equal(t, schemas.TaskFailed, statusOf([]schemas.StepResult{bad}, false))
	assert.Equal(t, schemas.TaskFailed, statusOf(nil, false))
}
