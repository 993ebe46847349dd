// Package resolver turns a logical target descriptor into something the
// driver can act on: a selector that matches exactly one element, or a
// click coordinate. Strategies run in a fixed order from strictest to
// loosest; a step that succeeds past the first strategy is "healed".
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Resolution is a successful outcome: either Selector or Point is set,
// never both.
type Resolution struct {
	// Selector matches exactly one element when non-empty.
	Selector string
	// Point is a raw click coordinate (coordinate-hint and OCR paths).
	Point *schemas.Point
	// Strategy is the name of the strategy that produced the resolution.
	Strategy string
	// Index is the strategy's position in the chain; > 0 means healed.
	Index int
}

// Healed reports whether a fallback strategy produced the resolution.
func (r Resolution) Healed() bool { return r.Index > 0 }

// Strategy is one way of locating a target. A (nil, nil) return means
// "not found here, try the next one"; errors abort the chain only when
// the context is done.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, drv schemas.Driver, target schemas.Target) (*Resolution, error)
}

// Resolver runs the strategy chain.
type Resolver struct {
	chain  []Strategy
	logger *zap.Logger
}

// New builds a Resolver from the configured strategy names. Unknown
// names were rejected at config validation. The Resolver is shared
// across concurrent tasks; every strategy must be safe for concurrent
// use.
func New(cfg config.ResolverConfig, ocr schemas.OCRCapability, logger *zap.Logger) *Resolver {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	chain := make([]Strategy, 0, len(cfg.Strategies))
	for _, name := range cfg.Strategies {
		switch name {
		case "exact":
			chain = append(chain, exactStrategy{})
		case "relaxed":
			chain = append(chain, relaxedStrategy{})
		case "text":
			chain = append(chain, textStrategy{exactMatch: true})
		case "contains-text":
			chain = append(chain, textStrategy{exactMatch: false})
		case "ocr":
			chain = append(chain, &ocrStrategy{ocr: ocr, margin: cfg.OCROffsetMarginPx, rng: rng})
		}
	}
	return &Resolver{chain: chain, logger: logger.Named("resolver")}
}

// Resolve runs the full chain from the beginning.
func (r *Resolver) Resolve(ctx context.Context, drv schemas.Driver, target schemas.Target) (*Resolution, error) {
	return r.ResolveFrom(ctx, drv, target, 0)
}

// ResolveFrom runs the chain starting at index from, so a healing retry
// can resume past the strategy that already failed to act.
func (r *Resolver) ResolveFrom(ctx context.Context, drv schemas.Driver, target schemas.Target, from int) (*Resolution, error) {
	if target.Empty() {
		return nil, schemas.NewTaskError(schemas.KindResolution, -1, "target descriptor carries no hints", nil)
	}
	if from >= len(r.chain) {
		return nil, r.exhausted(target, from, nil)
	}

	// A literal coordinate hint needs no strategy at all.
	if target.CoordinateHint != nil && from == 0 {
		p := *target.CoordinateHint
		return &Resolution{Point: &p, Strategy: "coordinate", Index: 0}, nil
	}

	var attempted []string
	for i := from; i < len(r.chain); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := r.chain[i]
		attempted = append(attempted, s.Name())

		res, err := s.Resolve(ctx, drv, target)
		if err != nil {
			r.logger.Debug("Strategy errored, continuing down the chain",
				zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		if res == nil {
			continue
		}

		res.Strategy = s.Name()
		res.Index = i
		if i > from {
			r.logger.Info("Target healed by fallback strategy",
				zap.String("strategy", s.Name()), zap.Int("index", i))
		}
		return res, nil
	}

	return nil, r.exhausted(target, from, attempted)
}

func (r *Resolver) exhausted(target schemas.Target, from int, attempted []string) error {
	msg := fmt.Sprintf("no strategy resolved the target (css=%q text=%q xpath=%q, tried from index %d: %s)",
		target.CSSHint, target.TextHint, target.XPathHint, from, strings.Join(attempted, ", "))
	return schemas.NewTaskError(schemas.KindResolution, -1, msg, nil)
}

// Len returns the number of strategies in the chain.
func (r *Resolver) Len() int { return len(r.chain) }
