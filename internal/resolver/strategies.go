package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// uniqueMatch returns the selector if it matches exactly one element.
// Zero matches means "not found"; multiple matches are ambiguous and
// also rejected, a looser strategy may still disambiguate by text.
func uniqueMatch(ctx context.Context, drv schemas.Driver, selector string) (bool, error) {
	n, err := drv.Query(ctx, selector)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// -- exact --

// exactStrategy tries the planner's hints verbatim: the CSS hint first,
// then the XPath hint.
type exactStrategy struct{}

func (exactStrategy) Name() string { return "exact" }

func (exactStrategy) Resolve(ctx context.Context, drv schemas.Driver, target schemas.Target) (*Resolution, error) {
	for _, sel := range []string{target.CSSHint, target.XPathHint} {
		if sel == "" {
			continue
		}
		ok, err := uniqueMatch(ctx, drv, sel)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Resolution{Selector: sel}, nil
		}
	}
	return nil, nil
}

// -- relaxed --

// relaxedStrategy derives looser attribute-contains selectors from the
// original hints: an id becomes [id*=...], [name*=...] and [class*=...]
// probes, and a text hint probes placeholder, aria-label and title.
type relaxedStrategy struct{}

func (relaxedStrategy) Name() string { return "relaxed" }

func (relaxedStrategy) Resolve(ctx context.Context, drv schemas.Driver, target schemas.Target) (*Resolution, error) {
	for _, sel := range relaxedAlternatives(target) {
		ok, err := uniqueMatch(ctx, drv, sel)
		if err != nil {
			continue
		}
		if ok {
			return &Resolution{Selector: sel}, nil
		}
	}
	return nil, nil
}

func relaxedAlternatives(target schemas.Target) []string {
	var alts []string
	seen := make(map[string]bool)
	add := func(sel string) {
		if sel != "" && !seen[sel] {
			seen[sel] = true
			alts = append(alts, sel)
		}
	}

	if css := strings.TrimSpace(target.CSSHint); css != "" {
		// Drop pseudo-classes; they are the most common cause of a stale
		// exact selector.
		if i := strings.IndexByte(css, ':'); i > 0 {
			add(css[:i])
		}

		if token, kind := coreToken(css); token != "" {
			switch kind {
			case "#":
				add(fmt.Sprintf(`[id*=%q]`, token))
				add(fmt.Sprintf(`[name*=%q]`, token))
				add(fmt.Sprintf(`[class*=%q]`, token))
				add(fmt.Sprintf(`[data-testid*=%q]`, token))
			case ".":
				add(fmt.Sprintf(`[class*=%q]`, token))
				add(fmt.Sprintf(`[id*=%q]`, token))
			}
		}
	}

	if text := strings.TrimSpace(target.TextHint); text != "" {
		add(fmt.Sprintf(`[placeholder*=%q]`, text))
		add(fmt.Sprintf(`[aria-label*=%q]`, text))
		add(fmt.Sprintf(`[title*=%q]`, text))
	}

	return alts
}

// coreToken extracts the identifier out of a simple "#id" / ".class" /
// "tag#id" / "tag.class" selector, reporting which kind it was.
func coreToken(css string) (string, string) {
	for _, kind := range []string{"#", "."} {
		if i := strings.Index(css, kind); i >= 0 {
			token := css[i+1:]
			// Stop at the next combinator or pseudo-class.
			if j := strings.IndexAny(token, " >.:[#"); j >= 0 {
				token = token[:j]
			}
			if token != "" {
				return token, kind
			}
		}
	}
	return "", ""
}

// -- text / contains-text --

// textStrategy locates elements by their visible text via an XPath
// probe, exact first and substring in the looser variant.
type textStrategy struct {
	exactMatch bool
}

func (s textStrategy) Name() string {
	if s.exactMatch {
		return "text"
	}
	return "contains-text"
}

func (s textStrategy) Resolve(ctx context.Context, drv schemas.Driver, target schemas.Target) (*Resolution, error) {
	text := strings.TrimSpace(target.TextHint)
	if text == "" {
		return nil, nil
	}

	var xpath string
	if s.exactMatch {
		xpath = fmt.Sprintf(`//*[normalize-space(text())=%s]`, xpathLiteral(text))
	} else {
		xpath = fmt.Sprintf(`//*[contains(normalize-space(text()), %s)]`, xpathLiteral(text))
	}

	ok, err := uniqueMatch(ctx, drv, xpath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Resolution{Selector: xpath}, nil
}

// xpathLiteral quotes a string for use inside an XPath expression,
// falling back to concat() when it contains both quote kinds.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, `'`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

// -- ocr --

// ocrStrategy is the last resort: read the screen, find the hint text,
// click near the middle of where it appears. The random offset keeps the
// click inside the text box by the configured margin. The rand source is
// shared by every task resolving through this chain, so it is guarded.
type ocrStrategy struct {
	ocr    schemas.OCRCapability
	margin float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (*ocrStrategy) Name() string { return "ocr" }

func (s *ocrStrategy) Resolve(ctx context.Context, drv schemas.Driver, target schemas.Target) (*Resolution, error) {
	if s.ocr == nil {
		return nil, nil
	}
	text := strings.TrimSpace(target.TextHint)
	if text == "" {
		return nil, nil
	}

	shot, err := drv.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	regions, err := s.ocr.ExtractText(ctx, shot)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(text)
	for _, r := range regions {
		if !strings.Contains(strings.ToLower(r.Text), needle) {
			continue
		}
		p := s.offsetPoint(r.Box)
		return &Resolution{Point: &p}, nil
	}
	return nil, nil
}

// offsetPoint picks a point near the box center, jittered but kept at
// least margin inside the edges.
func (s *ocrStrategy) offsetPoint(box schemas.Rect) schemas.Point {
	c := box.Center()
	maxDX := box.Width/2 - s.margin
	maxDY := box.Height/2 - s.margin
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxDX > 0 {
		c.X += (s.rng.Float64()*2 - 1) * maxDX
	}
	if maxDY > 0 {
		c.Y += (s.rng.Float64()*2 - 1) * maxDY
	}
	return c
}
