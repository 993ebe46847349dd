package vision

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

const judgeSystemPrompt = `You analyze browser screenshots to judge whether an automation step succeeded.
The screenshot has sensitive regions obscured; judge only what is visible.
Respond ONLY with a JSON object:
{
  "description": "what the page currently shows",
  "success": true or false,
  "confidence": 0.0 to 1.0,
  "elements_found": ["notable visible elements"],
  "errors": ["visible error messages, if any"],
  "next_action_hint": "short suggestion if the step failed, else empty"
}`

// LLMVision implements the vision capability on the shared generation
// client. It hands back the raw model output; schema validation belongs
// to the Verifier.
type LLMVision struct {
	client llmclient.Client
	cfg    config.LLMConfig
	logger *zap.Logger
}

func NewLLMVision(client llmclient.Client, cfg config.LLMConfig, logger *zap.Logger) *LLMVision {
	return &LLMVision{client: client, cfg: cfg, logger: logger.Named("vision.llm")}
}

func (v *LLMVision) Judge(ctx context.Context, redactedPNG []byte, vctx schemas.VisionContext) (json.RawMessage, error) {
	prompt := fmt.Sprintf(
		"Goal: %s\nLast action: %s\nExpected outcome: %s\n\nJudge the attached screenshot.",
		vctx.Goal, vctx.LastAction, vctx.VerificationHint,
	)

	resp, err := v.client.GenerateResponse(ctx, llmclient.GenerationRequest{
		SystemPrompt: judgeSystemPrompt,
		UserPrompt:   prompt,
		ImagePNG:     redactedPNG,
		Model:        v.cfg.VisionModel,
		ForceJSON:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("vision judgement request failed: %w", err)
	}
	return json.RawMessage(llmutil.ExtractJSON(resp)), nil
}

const ocrSystemPrompt = `You extract visible text from browser screenshots with positions.
Respond ONLY with a JSON array, one entry per distinct text fragment:
[{"text": "...", "box": {"x": 0, "y": 0, "width": 0, "height": 0}}]
Coordinates are CSS pixels from the top-left of the screenshot.`

// LLMOCR implements positioned text extraction on the vision model.
type LLMOCR struct {
	client llmclient.Client
	cfg    config.LLMConfig
	logger *zap.Logger
}

func NewLLMOCR(client llmclient.Client, cfg config.LLMConfig, logger *zap.Logger) *LLMOCR {
	return &LLMOCR{client: client, cfg: cfg, logger: logger.Named("vision.ocr")}
}

func (o *LLMOCR) ExtractText(ctx context.Context, pngBytes []byte) ([]schemas.TextRegion, error) {
	resp, err := o.client.GenerateResponse(ctx, llmclient.GenerationRequest{
		SystemPrompt: ocrSystemPrompt,
		UserPrompt:   "Extract all visible text with bounding boxes.",
		ImagePNG:     pngBytes,
		Model:        o.cfg.VisionModel,
		ForceJSON:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("OCR request failed: %w", err)
	}

	regions, err := llmutil.ParseJSONResponse[[]schemas.TextRegion](resp)
	if err != nil {
		return nil, fmt.Errorf("OCR response parse failed: %w", err)
	}
	return *regions, nil
}
