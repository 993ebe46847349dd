package schemas

import "time"

// -- Task Schemas --

// Mode selects how a task's plan is produced.
type Mode string

const (
	// ModeGuided produces one full plan up front and executes it step by step.
	ModeGuided Mode = "guided"
	// ModeAutonomous re-plans a single next step every iteration from the
	// updated execution context.
	ModeAutonomous Mode = "autonomous"
)

// Goal is a natural-language objective together with the execution mode.
type Goal struct {
	Objective string `json:"objective" validate:"required"`
	Mode      Mode   `json:"mode" validate:"required,oneof=guided autonomous"`
	UserID    string `json:"user_id"`
}

// ActionType is the closed vocabulary of primitive browser actions a Step
// may request. Plans arriving from the planning capability are validated
// against this set at the boundary; there is no string-keyed dispatch.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionTypeText   ActionType = "type"
	ActionScroll     ActionType = "scroll"
	ActionWait       ActionType = "wait"
	ActionPress      ActionType = "press"
	ActionScreenshot ActionType = "screenshot"
)

// ValidActions lists every ActionType for boundary validation and prompts.
var ValidActions = []ActionType{
	ActionNavigate, ActionClick, ActionTypeText, ActionScroll,
	ActionWait, ActionPress, ActionScreenshot,
}

// NeedsTarget reports whether the action requires target resolution before
// it can execute.
func (a ActionType) NeedsTarget() bool {
	return a == ActionClick || a == ActionTypeText
}

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned bounding box in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Target is the logical descriptor of the element a Step acts on. The
// Selector Resolver turns it into a concrete element or a click coordinate.
type Target struct {
	CSSHint        string `json:"css_hint,omitempty"`
	TextHint       string `json:"text_hint,omitempty"`
	XPathHint      string `json:"xpath_hint,omitempty"`
	CoordinateHint *Point `json:"coordinate_hint,omitempty"`
}

// Empty reports whether the descriptor carries no hint at all.
func (t Target) Empty() bool {
	return t.CSSHint == "" && t.TextHint == "" && t.XPathHint == "" && t.CoordinateHint == nil
}

// Step is one primitive action with its target descriptor and an optional
// verification hint checked after execution.
type Step struct {
	Action           ActionType `json:"action" validate:"required,oneof=navigate click type scroll wait press screenshot"`
	Target           Target     `json:"target"`
	Value            string     `json:"value,omitempty"`
	Description      string     `json:"description,omitempty"`
	VerificationHint string     `json:"verification_hint,omitempty"`
}

// Plan is an ordered sequence of Steps realizing a Goal.
type Plan struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps" validate:"required,min=1,dive"`
}

// StepStatus is the terminal status of an executed Step. Exactly one of
// these is assigned before a StepResult exists.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepHealed  StepStatus = "healed"
	StepFailed  StepStatus = "failed"
)

// StepResult records the outcome of one executed Step.
type StepResult struct {
	StepNumber   int        `json:"step_number"`
	Description  string     `json:"description"`
	Status       StepStatus `json:"status"`
	StrategyUsed string     `json:"strategy_used,omitempty"`
	LatencyMS    int64      `json:"latency_ms"`
	Judgement    *Judgement `json:"judgement,omitempty"`
	Screenshot   string     `json:"screenshot,omitempty"` // redacted, base64 PNG
	Error        string     `json:"error,omitempty"`
	// ErrorKind carries the failure's taxonomy kind so loop control never
	// has to parse it back out of the rendered Error string.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskStatus is the terminal status of a whole task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskPartial   TaskStatus = "partial"
	TaskFailed    TaskStatus = "failed"
)

// TaskReport is the command-intake response shape: everything a caller
// learns about a finished task.
type TaskReport struct {
	TaskID        string       `json:"task_id"`
	Status        TaskStatus   `json:"status"`
	Steps         []StepResult `json:"steps"`
	FinalResult   string       `json:"final_result,omitempty"`
	ExecutionTime float64      `json:"execution_time"` // seconds
}

// ExecutionRecord is what the engine persists about a finished task.
type ExecutionRecord struct {
	UserID        string       `json:"user_id"`
	Command       string       `json:"command"`
	Status        TaskStatus   `json:"status"`
	Steps         []StepResult `json:"steps"`
	ExecutionTime float64      `json:"execution_time"`
}

// ContextSnapshot is the read-only view of an ExecutionContext handed to
// the planning capability each autonomous iteration.
type ContextSnapshot struct {
	Goal        string            `json:"goal"`
	CurrentURL  string            `json:"current_url"`
	Iteration   int               `json:"iteration"`
	PageText    string            `json:"page_text,omitempty"`
	// PageStalled is true when the page did not visibly change since the
	// previous iteration.
	PageStalled bool              `json:"page_stalled,omitempty"`
	LastResults []StepResult      `json:"last_results,omitempty"`
	UserContext map[string]string `json:"user_context,omitempty"`
}

// -- Privacy Schemas --

// SensitiveCategory classifies why a screen region must be redacted.
type SensitiveCategory string

const (
	CategoryPassword SensitiveCategory = "password"
	CategoryOTP      SensitiveCategory = "otp"
	CategoryPIN      SensitiveCategory = "pin"
	CategoryCard     SensitiveCategory = "card"
	CategorySSN      SensitiveCategory = "ssn"
	CategoryEmail    SensitiveCategory = "email"
	CategoryPhone    SensitiveCategory = "phone"
	CategoryAPIKey   SensitiveCategory = "api_key"
)

// SensitiveRegion is a screen area that must never leave the engine
// unredacted. Regions are derived per screenshot and never persisted raw.
type SensitiveRegion struct {
	Box      Rect              `json:"box"`
	Category SensitiveCategory `json:"category"`
}

// TextRegion is one piece of OCR-extracted text with its bounding box.
type TextRegion struct {
	Text string `json:"text"`
	Box  Rect   `json:"box"`
}

// -- Progress Events --

// EventType tags a frame on a task's ordered progress stream.
type EventType string

const (
	EventStepStart  EventType = "step_start"
	EventStepResult EventType = "step_result"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one frame of the per-task progress stream. Ordering within a
// task's stream matches step execution order.
type Event struct {
	Type       EventType   `json:"type"`
	TaskID     string      `json:"task_id"`
	StepNumber int         `json:"step_number,omitempty"`
	StepDesc   string      `json:"description,omitempty"`
	Result     *StepResult `json:"result,omitempty"`
	Report     *TaskReport `json:"report,omitempty"`
	Message    string      `json:"message,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
