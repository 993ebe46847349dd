// Package privacy detects sensitive screen regions and irreversibly
// obscures them before a screenshot may cross the trust boundary to any
// external analysis capability.
package privacy

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/png"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Screened is a screenshot that has passed redaction. Only the Redactor
// constructs it, which makes "unredacted bytes reach the vision path" a
// compile-time impossibility rather than a runtime convention.
type Screened struct {
	png     []byte
	regions []schemas.SensitiveRegion
}

// PNG returns the redacted image bytes.
func (s Screened) PNG() []byte { return s.png }

// Regions returns the sensitive regions that were obscured.
func (s Screened) Regions() []schemas.SensitiveRegion { return s.regions }

// Empty reports whether the screened image holds no bytes.
func (s Screened) Empty() bool { return len(s.png) == 0 }

// Redactor masks sensitive regions in screenshots. Detection combines a
// static structural table queried against the live page with regex
// matching over OCR-extracted text.
type Redactor struct {
	cfg    config.PrivacyConfig
	ocr    schemas.OCRCapability
	logger *zap.Logger
}

// NewRedactor builds a Redactor. The OCR capability may be nil, in which
// case only structural detection runs.
func NewRedactor(cfg config.PrivacyConfig, ocr schemas.OCRCapability, logger *zap.Logger) *Redactor {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 20
	}
	return &Redactor{cfg: cfg, ocr: ocr, logger: logger.Named("privacy")}
}

// Capture takes a screenshot through the driver, detects sensitive
// regions, and returns the redacted result. A detection that cannot be
// redacted yields a privacy_violation_risk error and no Screened image.
func (r *Redactor) Capture(ctx context.Context, drv schemas.Driver) (Screened, error) {
	raw, err := drv.Screenshot(ctx)
	if err != nil {
		return Screened{}, schemas.NewTaskError(schemas.KindAction, -1, "screenshot capture failed", err)
	}
	regions, err := r.DetectRegions(ctx, drv, raw)
	if err != nil {
		// Detection failure means we cannot certify the screenshot clean.
		return Screened{}, schemas.NewTaskError(schemas.KindPrivacy, -1, "sensitive region detection failed", err)
	}
	return r.Redact(raw, regions)
}

// DetectRegions finds every sensitive region on the current page: first
// via the structural pattern table against the live DOM, then via regex
// matching over OCR text of the screenshot.
func (r *Redactor) DetectRegions(ctx context.Context, drv schemas.Driver, screenshot []byte) ([]schemas.SensitiveRegion, error) {
	var regions []schemas.SensitiveRegion

	for _, entry := range structuralPatterns {
		for _, sel := range entry.Selectors {
			n, err := drv.Query(ctx, sel)
			if err != nil || n == 0 {
				continue
			}
			box, err := drv.BoundingBox(ctx, sel)
			if err != nil || box == nil {
				continue
			}
			regions = append(regions, schemas.SensitiveRegion{Box: *box, Category: entry.Category})
		}
	}

	if r.ocr != nil && len(screenshot) > 0 {
		ocrRegions, err := r.ocr.ExtractText(ctx, screenshot)
		if err != nil {
			r.logger.Warn("OCR unavailable for sensitive text detection; relying on structural detection only", zap.Error(err))
		} else {
			regions = append(regions, r.matchTextRegions(ocrRegions)...)
		}
	}

	return mergeOverlapping(r.pad(regions)), nil
}

func (r *Redactor) matchTextRegions(texts []schemas.TextRegion) []schemas.SensitiveRegion {
	var out []schemas.SensitiveRegion
	for _, tr := range texts {
		if tr.Text == "" {
			continue
		}
		for _, p := range textPatterns {
			if !p.Pattern.MatchString(tr.Text) {
				continue
			}
			out = append(out, schemas.SensitiveRegion{Box: tr.Box, Category: p.Category})
			if p.Label {
				// The input field usually sits below or beside the label.
				out = append(out, schemas.SensitiveRegion{
					Box: schemas.Rect{
						X:      tr.Box.X,
						Y:      tr.Box.Y + tr.Box.Height,
						Width:  tr.Box.Width * 2,
						Height: tr.Box.Height * 2,
					},
					Category: p.Category,
				})
			}
			break
		}
	}
	return out
}

func (r *Redactor) pad(regions []schemas.SensitiveRegion) []schemas.SensitiveRegion {
	p := float64(r.cfg.RegionPaddingPx)
	out := make([]schemas.SensitiveRegion, 0, len(regions))
	for _, reg := range regions {
		out = append(out, schemas.SensitiveRegion{
			Box: schemas.Rect{
				X:      reg.Box.X - p,
				Y:      reg.Box.Y - p,
				Width:  reg.Box.Width + 2*p,
				Height: reg.Box.Height + 2*p,
			},
			Category: reg.Category,
		})
	}
	return out
}

// mergeOverlapping coalesces intersecting boxes. The merged region keeps
// the category of the earliest contributing region.
func mergeOverlapping(regions []schemas.SensitiveRegion) []schemas.SensitiveRegion {
	var merged []schemas.SensitiveRegion
	for _, reg := range regions {
		absorbed := false
		for i := range merged {
			if rectsOverlap(merged[i].Box, reg.Box) {
				merged[i].Box = union(merged[i].Box, reg.Box)
				absorbed = true
				break
			}
		}
		if !absorbed {
			merged = append(merged, reg)
		}
	}
	return merged
}

func rectsOverlap(a, b schemas.Rect) bool {
	return a.X < b.X+b.Width && b.X < a.X+a.Width &&
		a.Y < b.Y+b.Height && b.Y < a.Y+a.Height
}

func union(a, b schemas.Rect) schemas.Rect {
	x0 := min(a.X, b.X)
	y0 := min(a.Y, b.Y)
	x1 := max(a.X+a.Width, b.X+b.Width)
	y1 := max(a.Y+a.Height, b.Y+b.Height)
	return schemas.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Redact obscures every region in the screenshot and returns the result.
// The transform is a block-average mosaic anchored at each region's
// origin: irreversible (block contents are destroyed) and exactly
// idempotent (re-averaging a constant block is the identity), so
// redacting an already-redacted screenshot is byte-stable pixel-wise.
// If any on-screen region cannot be transformed the screenshot is
// refused outright rather than released partially redacted.
func (r *Redactor) Redact(rawPNG []byte, regions []schemas.SensitiveRegion) (Screened, error) {
	src, err := png.Decode(bytes.NewReader(rawPNG))
	if err != nil {
		return Screened{}, schemas.NewTaskError(schemas.KindPrivacy, -1, "cannot decode screenshot for redaction", err)
	}

	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, reg := range regions {
		box := clampToImage(reg.Box, img.Bounds())
		if box.Empty() {
			// Region scrolled out of the viewport; nothing of it is in
			// this screenshot.
			continue
		}
		pixelate(img, box, r.cfg.BlockSize)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Screened{}, schemas.NewTaskError(schemas.KindPrivacy, -1, "cannot encode redacted screenshot", err)
	}
	if len(regions) > 0 && buf.Len() == 0 {
		return Screened{}, schemas.NewTaskError(schemas.KindPrivacy, -1, "redaction produced no output for detected regions", nil)
	}
	return Screened{png: buf.Bytes(), regions: regions}, nil
}

func clampToImage(box schemas.Rect, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(int(box.X), int(box.Y), int(box.X+box.Width), int(box.Y+box.Height))
	return r.Intersect(bounds)
}

// pixelate replaces every BlockSize x BlockSize cell of the region with
// its integer mean color. The grid is anchored at the region's top-left
// corner so a second application sees the same cells.
func pixelate(img *image.RGBA, region image.Rectangle, block int) {
	for by := region.Min.Y; by < region.Max.Y; by += block {
		for bx := region.Min.X; bx < region.Max.X; bx += block {
			cell := image.Rect(bx, by, bx+block, by+block).Intersect(region)
			fillMean(img, cell)
		}
	}
}

func fillMean(img *image.RGBA, cell image.Rectangle) {
	n := uint32(cell.Dx() * cell.Dy())
	if n == 0 {
		return
	}
	var sr, sg, sb, sa uint32
	for y := cell.Min.Y; y < cell.Max.Y; y++ {
		for x := cell.Min.X; x < cell.Max.X; x++ {
			i := img.PixOffset(x, y)
			sr += uint32(img.Pix[i])
			sg += uint32(img.Pix[i+1])
			sb += uint32(img.Pix[i+2])
			sa += uint32(img.Pix[i+3])
		}
	}
	mr := uint8((sr + n/2) / n)
	mg := uint8((sg + n/2) / n)
	mb := uint8((sb + n/2) / n)
	ma := uint8((sa + n/2) / n)
	for y := cell.Min.Y; y < cell.Max.Y; y++ {
		for x := cell.Min.X; x < cell.Max.X; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = mr
			img.Pix[i+1] = mg
			img.Pix[i+2] = mb
			img.Pix[i+3] = ma
		}
	}
}
