package vision

import (
	"bytes"
	"fmt"
	"image/png"
)

// DefaultChangeThreshold is the fraction of differing pixels above which
// two screenshots count as visually changed.
const DefaultChangeThreshold = 0.005

// ChangedSince reports whether the current screenshot differs visually
// from the previous one by more than threshold (fraction of pixels).
// Dimension changes always count as changed. The autonomous loop uses
// this as a cheap stuck-page signal instead of a full vision call.
func ChangedSince(prevPNG, currPNG []byte, threshold float64) (bool, error) {
	if threshold <= 0 {
		threshold = DefaultChangeThreshold
	}
	frac, err := ChangedFraction(prevPNG, currPNG)
	if err != nil {
		return false, err
	}
	return frac > threshold, nil
}

// ChangedFraction returns the fraction of pixels that differ between two
// PNG screenshots. Images of different dimensions return 1.
func ChangedFraction(prevPNG, currPNG []byte) (float64, error) {
	prev, err := png.Decode(bytes.NewReader(prevPNG))
	if err != nil {
		return 0, fmt.Errorf("cannot decode previous screenshot: %w", err)
	}
	curr, err := png.Decode(bytes.NewReader(currPNG))
	if err != nil {
		return 0, fmt.Errorf("cannot decode current screenshot: %w", err)
	}

	pb, cb := prev.Bounds(), curr.Bounds()
	if pb.Dx() != cb.Dx() || pb.Dy() != cb.Dy() {
		return 1, nil
	}

	total := pb.Dx() * pb.Dy()
	if total == 0 {
		return 0, nil
	}

	differing := 0
	for y := 0; y < pb.Dy(); y++ {
		for x := 0; x < pb.Dx(); x++ {
			pr, pg, pbl, pa := prev.At(pb.Min.X+x, pb.Min.Y+y).RGBA()
			cr, cg, cbl, ca := curr.At(cb.Min.X+x, cb.Min.Y+y).RGBA()
			if pr != cr || pg != cg || pbl != cbl || pa != ca {
				differing++
			}
		}
	}
	return float64(differing) / float64(total), nil
}
