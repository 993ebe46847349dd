// Package humanoid wraps a browser driver so its actions exhibit
// human-plausible timing and motion: randomized pre-action delays,
// curved mouse paths, and per-character typing cadence. All randomness
// flows from a single seedable source, so behavior is reproducible when
// a seed is pinned.
package humanoid

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Modulator decorates a Driver with human-behavior pacing. It implements
// schemas.Driver so callers are agnostic to whether modulation is on.
type Modulator struct {
	inner  schemas.Driver
	cfg    config.HumanoidConfig
	logger *zap.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	pos     schemas.Point
	actions int
}

// New wraps the driver. With cfg.Enabled false every call passes straight
// through. Seed 0 derives the seed from the clock.
func New(inner schemas.Driver, cfg config.HumanoidConfig, logger *zap.Logger) *Modulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Modulator{
		inner:  inner,
		cfg:    cfg,
		logger: logger.Named("humanoid"),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// randDuration picks uniformly in [min, max].
func (m *Modulator) randDuration(min, max time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= min {
		return min
	}
	return min + time.Duration(m.rng.Int63n(int64(max-min)))
}

func (m *Modulator) randFloat() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func (m *Modulator) randInt(min, max int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max <= min {
		return min
	}
	return min + m.rng.Intn(max-min+1)
}

// preAction hesitates before an interaction and, periodically, inserts a
// longer reading pause the way a person stops to scan the page.
func (m *Modulator) preAction(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	m.mu.Lock()
	m.actions++
	pause := m.cfg.ReadingPauseEvery > 0 && m.actions%m.cfg.ReadingPauseEvery == 0
	m.mu.Unlock()

	if pause {
		d := m.randDuration(m.cfg.ReadingPauseMin, m.cfg.ReadingPauseMax)
		m.logger.Debug("Reading pause", zap.Duration("duration", d))
		// A short scroll, then a stop to scan the page.
		if err := m.inner.Scroll(ctx, "down", float64(m.randInt(40, 120))); err != nil {
			return err
		}
		if err := m.inner.Wait(ctx, d); err != nil {
			return err
		}
	}

	return m.inner.Wait(ctx, m.randDuration(m.cfg.PreActionDelayMin, m.cfg.PreActionDelayMax))
}

// glide moves the pointer along a curved path from its last known
// position to the destination.
func (m *Modulator) glide(ctx context.Context, x, y float64) error {
	if !m.cfg.Enabled {
		return m.inner.MoveMouse(ctx, x, y)
	}

	m.mu.Lock()
	from := m.pos
	m.mu.Unlock()

	steps := m.randInt(m.cfg.PathStepsMin, m.cfg.PathStepsMax)
	path := m.bezierPath(from, schemas.Point{X: x, Y: y}, steps)
	for _, p := range path {
		if err := m.inner.MoveMouse(ctx, p.X, p.Y); err != nil {
			return err
		}
		if err := m.inner.Wait(ctx, time.Duration(5+m.randInt(0, 10))*time.Millisecond); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.pos = schemas.Point{X: x, Y: y}
	m.mu.Unlock()
	return nil
}

// bezierPath samples a quadratic bezier whose control point is offset
// perpendicular to the straight line, with per-point jitter. The final
// point is always exactly the destination.
func (m *Modulator) bezierPath(from, to schemas.Point, steps int) []schemas.Point {
	if steps < 2 {
		steps = 2
	}

	dx, dy := to.X-from.X, to.Y-from.Y
	dist := math.Hypot(dx, dy)
	// Curve bow scales with distance, capped so long moves stay sane.
	bow := math.Min(dist*0.2, 100) * (m.randFloat()*2 - 1)
	var ctrl schemas.Point
	if dist > 0 {
		ctrl = schemas.Point{
			X: (from.X+to.X)/2 - dy/dist*bow,
			Y: (from.Y+to.Y)/2 + dx/dist*bow,
		}
	} else {
		ctrl = from
	}

	path := make([]schemas.Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		inv := 1 - t
		p := schemas.Point{
			X: inv*inv*from.X + 2*inv*t*ctrl.X + t*t*to.X,
			Y: inv*inv*from.Y + 2*inv*t*ctrl.Y + t*t*to.Y,
		}
		if i < steps && m.cfg.PathJitterPx > 0 {
			p.X += (m.randFloat()*2 - 1) * m.cfg.PathJitterPx
			p.Y += (m.randFloat()*2 - 1) * m.cfg.PathJitterPx
		}
		path = append(path, p)
	}
	return path
}

// -- schemas.Driver --

func (m *Modulator) Navigate(ctx context.Context, url string) error {
	if err := m.preAction(ctx); err != nil {
		return err
	}
	return m.inner.Navigate(ctx, url)
}

func (m *Modulator) Click(ctx context.Context, selector string) error {
	if err := m.preAction(ctx); err != nil {
		return err
	}
	if m.cfg.Enabled {
		if box, err := m.inner.BoundingBox(ctx, selector); err == nil && box != nil {
			c := box.Center()
			if err := m.glide(ctx, c.X, c.Y); err != nil {
				return err
			}
		}
	}
	return m.inner.Click(ctx, selector)
}

func (m *Modulator) ClickAt(ctx context.Context, x, y float64) error {
	if err := m.preAction(ctx); err != nil {
		return err
	}
	if err := m.glide(ctx, x, y); err != nil {
		return err
	}
	return m.inner.ClickAt(ctx, x, y)
}

func (m *Modulator) MoveMouse(ctx context.Context, x, y float64) error {
	return m.glide(ctx, x, y)
}

// Type focuses the field and enters text one keystroke at a time with a
// randomized inter-key delay.
func (m *Modulator) Type(ctx context.Context, selector, text string) error {
	if !m.cfg.Enabled {
		return m.inner.Type(ctx, selector, text)
	}
	// Click handles the pre-action hesitation and the pointer glide.
	if err := m.Click(ctx, selector); err != nil {
		return err
	}
	for _, ch := range text {
		if err := m.inner.Press(ctx, string(ch)); err != nil {
			return err
		}
		if err := m.inner.Wait(ctx, m.randDuration(m.cfg.TypingDelayMin, m.cfg.TypingDelayMax)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Modulator) Scroll(ctx context.Context, direction string, amount float64) error {
	if err := m.preAction(ctx); err != nil {
		return err
	}
	return m.inner.Scroll(ctx, direction, amount)
}

func (m *Modulator) Wait(ctx context.Context, d time.Duration) error {
	return m.inner.Wait(ctx, d)
}

func (m *Modulator) Press(ctx context.Context, key string) error {
	if err := m.preAction(ctx); err != nil {
		return err
	}
	return m.inner.Press(ctx, key)
}

func (m *Modulator) Screenshot(ctx context.Context) ([]byte, error) {
	return m.inner.Screenshot(ctx)
}

func (m *Modulator) Query(ctx context.Context, selector string) (int, error) {
	return m.inner.Query(ctx, selector)
}

func (m *Modulator) BoundingBox(ctx context.Context, selector string) (*schemas.Rect, error) {
	return m.inner.BoundingBox(ctx, selector)
}

func (m *Modulator) PageText(ctx context.Context) (string, error) {
	return m.inner.PageText(ctx)
}

func (m *Modulator) CurrentURL(ctx context.Context) (string, error) {
	return m.inner.CurrentURL(ctx)
}

func (m *Modulator) Close(ctx context.Context) error {
	return m.inner.Close(ctx)
}
