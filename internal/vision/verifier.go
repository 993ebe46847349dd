// Package vision turns redacted screenshots into step judgements. The
// verifier is the schema boundary for the vision capability's output: a
// malformed model response degrades to a conservative judgement instead
// of crashing the task.
package vision

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
	"github.com/xkilldash9x/webpilot/internal/privacy"
)

// ConfidenceThreshold is the judgement confidence below which the
// verifier cross-checks the verification hint against OCR text.
const ConfidenceThreshold = 0.5

// Verifier validates and cross-checks vision judgements.
type Verifier struct {
	vision schemas.VisionCapability
	ocr    schemas.OCRCapability
	logger *zap.Logger
}

// NewVerifier builds a Verifier. OCR may be nil, which disables the
// low-confidence cross-check.
func NewVerifier(vision schemas.VisionCapability, ocr schemas.OCRCapability, logger *zap.Logger) *Verifier {
	return &Verifier{vision: vision, ocr: ocr, logger: logger.Named("vision")}
}

// rawJudgement mirrors Judgement with pointer fields so missing keys are
// distinguishable from zero values.
type rawJudgement struct {
	Description    *string  `json:"description"`
	Success        *bool    `json:"success"`
	Confidence     *float64 `json:"confidence"`
	ElementsFound  []string `json:"elements_found"`
	Errors         []string `json:"errors"`
	NextActionHint *string  `json:"next_action_hint"`
}

// Verify asks the vision capability to judge the redacted screenshot and
// validates the response. Only redaction-certified images can reach this
// method; the privacy.Screened parameter type enforces that at compile
// time.
//
// A malformed or failed judgement returns BOTH a conservative judgement
// (success=false, hint=unknown) and a verification error; the caller
// decides whether the task continues.
func (v *Verifier) Verify(ctx context.Context, screened privacy.Screened, vctx schemas.VisionContext) (*schemas.Judgement, error) {
	raw, err := v.vision.Judge(ctx, screened.PNG(), vctx)
	if err != nil {
		return conservative("vision capability call failed"),
			schemas.NewTaskError(schemas.KindVerification, -1, "vision capability call failed", err)
	}

	parsed, err := llmutil.ParseJSONResponse[rawJudgement](string(raw))
	if err != nil || parsed.Success == nil || parsed.Description == nil {
		v.logger.Warn("Vision judgement failed schema validation", zap.Error(err))
		return conservative("vision judgement did not match the expected schema"),
			schemas.NewTaskError(schemas.KindVerification, -1, "malformed vision judgement", err)
	}

	j := &schemas.Judgement{
		Description:   *parsed.Description,
		Success:       *parsed.Success,
		Confidence:    parsed.Confidence,
		ElementsFound: parsed.ElementsFound,
		Errors:        parsed.Errors,
	}
	if parsed.NextActionHint != nil {
		j.NextActionHint = *parsed.NextActionHint
	}

	v.crossCheck(ctx, screened, vctx, j)
	return j, nil
}

// crossCheck validates low-confidence judgements against OCR: when the
// verification hint names visible text, its presence on the page is a
// stronger signal than an uncertain vision call.
func (v *Verifier) crossCheck(ctx context.Context, screened privacy.Screened, vctx schemas.VisionContext, j *schemas.Judgement) {
	if v.ocr == nil || vctx.VerificationHint == "" {
		return
	}
	if j.Confidence != nil && *j.Confidence >= ConfidenceThreshold {
		return
	}

	regions, err := v.ocr.ExtractText(ctx, screened.PNG())
	if err != nil {
		v.logger.Warn("OCR cross-check unavailable", zap.Error(err))
		return
	}

	hint := strings.ToLower(vctx.VerificationHint)
	found := false
	for _, r := range regions {
		if strings.Contains(strings.ToLower(r.Text), hint) {
			found = true
			break
		}
	}

	if found != j.Success {
		v.logger.Info("OCR cross-check overrode low-confidence judgement",
			zap.Bool("vision_success", j.Success),
			zap.Bool("ocr_found_hint", found),
		)
		j.Success = found
		j.Errors = append(j.Errors, "low-confidence judgement overridden by OCR cross-check")
	}
}

func conservative(reason string) *schemas.Judgement {
	return &schemas.Judgement{
		Description:    reason,
		Success:        false,
		NextActionHint: schemas.HintUnknown,
	}
}
