package schemas

import (
	"context"
	"encoding/json"
	"time"
)

// -- Capability Interfaces --
//
// The engine depends exclusively on these interfaces; concrete clients
// (LLM-backed, chromedp-backed, sqlite-backed) live in internal packages
// and tests substitute fakes.

// PlanningCapability turns a goal into executable steps. CreatePlan is the
// guided-mode entry point; NextStep is called once per autonomous
// iteration and may signal that the goal is already achieved.
type PlanningCapability interface {
	// CreatePlan produces a full, schema-valid Plan for the goal.
	CreatePlan(ctx context.Context, goal string, userContext map[string]string) (*Plan, error)
	// NextStep produces the single next Step from the updated execution
	// context. The boolean is true when the capability judges the goal
	// achieved, in which case the Step is nil.
	NextStep(ctx context.Context, snapshot ContextSnapshot) (*Step, bool, error)
}

// VisionCapability interprets a redacted screenshot. It returns the raw
// judgement payload; schema validation is the Vision Verifier's job, so a
// malformed model response is data here, not an error.
type VisionCapability interface {
	Judge(ctx context.Context, redactedPNG []byte, vctx VisionContext) (json.RawMessage, error)
}

// OCRCapability extracts positioned text from an image.
type OCRCapability interface {
	ExtractText(ctx context.Context, png []byte) ([]TextRegion, error)
}

// MemoryStore is the shared user-memory collaborator. It is read at task
// start and written at task end; implementations must serialize writes per
// user id.
type MemoryStore interface {
	GetUserContext(ctx context.Context, userID string) (map[string]string, error)
	SaveExecutionRecord(ctx context.Context, rec ExecutionRecord) error
}

// -- Browser Driver --

// Driver is the primitive browser-automation surface the engine depends on
// exclusively. One Driver instance backs exactly one task; it is not safe
// for concurrent mutation.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// Click clicks the single element matched by selector. Selectors
	// starting with "/" or "//" are treated as XPath.
	Click(ctx context.Context, selector string) error
	// ClickAt clicks at a viewport coordinate (OCR fallback path).
	ClickAt(ctx context.Context, x, y float64) error
	// MoveMouse dispatches a pointer move without clicking.
	MoveMouse(ctx context.Context, x, y float64) error
	Type(ctx context.Context, selector, text string) error
	// Scroll scrolls by amount pixels; direction is "up" or "down".
	Scroll(ctx context.Context, direction string, amount float64) error
	// Wait pauses, honoring context cancellation.
	Wait(ctx context.Context, d time.Duration) error
	// Press sends a key (single character or a named key like "Enter") to
	// the focused element.
	Press(ctx context.Context, key string) error
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Query returns how many elements match the selector.
	Query(ctx context.Context, selector string) (int, error)
	// BoundingBox returns the box of the single element matched by
	// selector, or an error if there is no such element.
	BoundingBox(ctx context.Context, selector string) (*Rect, error)
	// PageText returns the visible text of the current page.
	PageText(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	// Close tears the session down and releases its resources.
	Close(ctx context.Context) error
}
