// Package planner implements the planning capability on the shared LLM
// client: whole plans for guided mode, one step at a time for autonomous
// mode. Model output is schema-validated here so the engine never sees
// an action outside the closed vocabulary.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

const planSystemPrompt = `You are a browser automation planner. Given a user goal, produce an ordered
plan of primitive browser steps.

Allowed actions: navigate, click, type, scroll, wait, press, screenshot.
- navigate: value is the URL.
- click: target identifies the element.
- type: target identifies the field, value is the text to enter.
- scroll: value is "up" or "down".
- wait: value is a duration in seconds.
- press: value is a key name such as Enter or Tab.
- screenshot: captures the page for verification.

Targets carry hints: css_hint (a CSS selector), text_hint (visible text),
xpath_hint. Provide as many hints as you can; fallbacks use them when the
primary selector is stale.

Respond ONLY with JSON:
{"goal": "...", "steps": [{"action": "...", "target": {"css_hint": "...",
"text_hint": "..."}, "value": "...", "description": "...",
"verification_hint": "text expected on screen afterwards"}]}`

const nextStepSystemPrompt = `You are a browser automation agent deciding the single next step toward a
goal. You receive the current URL, visible page text, recent step results
and user context.

Allowed actions: navigate, click, type, scroll, wait, press, screenshot.
Respond ONLY with JSON:
{"goal_achieved": true/false, "reasoning": "...",
 "step": {"action": "...", "target": {"css_hint": "...", "text_hint": "..."},
          "value": "...", "description": "...", "verification_hint": "..."}}
When goal_achieved is true, omit the step.`

// LLMPlanner implements schemas.PlanningCapability.
type LLMPlanner struct {
	client   llmclient.Client
	validate *validator.Validate
	logger   *zap.Logger
}

func New(client llmclient.Client, logger *zap.Logger) *LLMPlanner {
	return &LLMPlanner{
		client:   client,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("planner"),
	}
}

// CreatePlan asks the model for a full plan and validates it. When the
// model cannot produce a usable plan, a minimal search fallback keeps
// the task actionable rather than dead on arrival.
func (p *LLMPlanner) CreatePlan(ctx context.Context, goal string, userContext map[string]string) (*schemas.Plan, error) {
	prompt := fmt.Sprintf("Goal: %s\n%s", goal, formatUserContext(userContext))

	resp, err := p.client.GenerateResponse(ctx, llmclient.GenerationRequest{
		SystemPrompt: planSystemPrompt,
		UserPrompt:   prompt,
		ForceJSON:    true,
	})
	if err != nil {
		p.logger.Warn("Plan generation failed, using fallback plan", zap.Error(err))
		return p.fallbackPlan(goal), nil
	}

	plan, err := llmutil.ParseJSONResponse[schemas.Plan](resp)
	if err != nil {
		p.logger.Warn("Plan response unparseable, using fallback plan", zap.Error(err))
		return p.fallbackPlan(goal), nil
	}
	if plan.Goal == "" {
		plan.Goal = goal
	}

	if err := p.validate.Struct(plan); err != nil {
		return nil, schemas.NewTaskError(schemas.KindPlanning, -1,
			fmt.Sprintf("generated plan failed validation: %v", err), err)
	}
	return plan, nil
}

// nextStepResponse is the autonomous-iteration response shape.
type nextStepResponse struct {
	GoalAchieved bool          `json:"goal_achieved"`
	Reasoning    string        `json:"reasoning"`
	Step         *schemas.Step `json:"step"`
}

// NextStep produces the next single step, or (nil, true, nil) when the
// model judges the goal achieved.
func (p *LLMPlanner) NextStep(ctx context.Context, snapshot schemas.ContextSnapshot) (*schemas.Step, bool, error) {
	resp, err := p.client.GenerateResponse(ctx, llmclient.GenerationRequest{
		SystemPrompt: nextStepSystemPrompt,
		UserPrompt:   formatSnapshot(snapshot),
		ForceJSON:    true,
	})
	if err != nil {
		return nil, false, schemas.NewTaskError(schemas.KindPlanning, snapshot.Iteration,
			"next-step generation failed", err)
	}

	parsed, err := llmutil.ParseJSONResponse[nextStepResponse](resp)
	if err != nil {
		return nil, false, schemas.NewTaskError(schemas.KindPlanning, snapshot.Iteration,
			"next-step response unparseable", err)
	}

	if parsed.GoalAchieved {
		return nil, true, nil
	}
	if parsed.Step == nil {
		return nil, false, schemas.NewTaskError(schemas.KindPlanning, snapshot.Iteration,
			"model returned neither a step nor goal_achieved", nil)
	}
	if err := p.validate.Struct(parsed.Step); err != nil {
		return nil, false, schemas.NewTaskError(schemas.KindPlanning, snapshot.Iteration,
			fmt.Sprintf("generated step failed validation: %v", err), err)
	}
	return parsed.Step, false, nil
}

// fallbackPlan is the degenerate plan used when generation fails: open a
// search engine and search for the goal verbatim.
func (p *LLMPlanner) fallbackPlan(goal string) *schemas.Plan {
	return &schemas.Plan{
		Goal: goal,
		Steps: []schemas.Step{
			{
				Action:      schemas.ActionNavigate,
				Value:       "https://www.google.com",
				Description: "Open the search engine",
			},
			{
				Action:      schemas.ActionTypeText,
				Target:      schemas.Target{CSSHint: `textarea[name="q"]`, TextHint: "Search"},
				Value:       goal,
				Description: "Enter the goal as a search query",
			},
			{
				Action:           schemas.ActionPress,
				Value:            "Enter",
				Description:      "Submit the search",
				VerificationHint: "results",
			},
		},
	}
}

func formatUserContext(userContext map[string]string) string {
	if len(userContext) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known user context:\n")
	for k, v := range userContext {
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	return b.String()
}

func formatSnapshot(s schemas.ContextSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", s.Goal)
	fmt.Fprintf(&b, "Iteration: %d\n", s.Iteration)
	fmt.Fprintf(&b, "Current URL: %s\n", s.CurrentURL)
	if s.PageStalled {
		b.WriteString("Note: the page did not visibly change since the previous action.\n")
	}
	if s.PageText != "" {
		text := s.PageText
		if len(text) > 4000 {
			text = text[:4000]
		}
		fmt.Fprintf(&b, "Visible page text:\n%s\n", text)
	}
	if len(s.LastResults) > 0 {
		b.WriteString("Recent steps:\n")
		for _, r := range s.LastResults {
			fmt.Fprintf(&b, "- [%s] %s", r.Status, r.Description)
			if r.Error != "" {
				fmt.Fprintf(&b, " (error: %s)", r.Error)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(formatUserContext(s.UserContext))
	return b.String()
}

var _ schemas.PlanningCapability = (*LLMPlanner)(nil)
