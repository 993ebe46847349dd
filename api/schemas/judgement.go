package schemas

// Judgement is the structured outcome of vision-based page-state
// verification, after the Vision Verifier has validated (and possibly
// adjusted) the external capability's raw output.
type Judgement struct {
	// Description is the capability's free-text summary of the screen.
	Description string `json:"description"`
	// Success reports whether the last action appears to have achieved its
	// intent on the visible page.
	Success bool `json:"success"`
	// Confidence, when present, is the capability's self-reported certainty
	// in [0,1]. A nil value is treated as low confidence.
	Confidence *float64 `json:"confidence,omitempty"`
	// ElementsFound lists notable UI elements the capability recognized.
	ElementsFound []string `json:"elements_found,omitempty"`
	// Errors lists error banners or failure text visible on the page.
	Errors []string `json:"errors,omitempty"`
	// NextActionHint suggests how to recover when Success is false.
	// HintUnknown means no usable suggestion.
	NextActionHint string `json:"next_action_hint,omitempty"`
}

// Sentinel hint values for Judgement.NextActionHint.
const (
	HintUnknown = "unknown"
	HintAbort   = "abort"
)

// Recoverable reports whether a failed judgement carries a hint the
// orchestrator can act on by re-entering Acting with an adjusted target.
func (j *Judgement) Recoverable() bool {
	if j == nil || j.Success {
		return false
	}
	switch j.NextActionHint {
	case "", HintUnknown, HintAbort:
		return false
	}
	return true
}

// VisionContext is the textual context handed to the vision capability
// alongside the redacted screenshot.
type VisionContext struct {
	Goal             string `json:"goal"`
	LastAction       string `json:"last_action"`
	VerificationHint string `json:"verification_hint,omitempty"`
}
