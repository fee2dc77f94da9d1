// Package segmenter splits normalized long-form text into bounded,
// ordered segments suitable for one synthesis request each.
//
// Segmentation is a pure function: identical input text and options
// always produce identical boundaries, which makes runs resumable and
// cached audio addressable by segment id.
package segmenter

import (
	"unicode"

	"github.com/book-expert/narration-service/internal/core"
)

// DefaultTailMergeFactor is the production heuristic for folding a short
// trailing segment into its predecessor.
const DefaultTailMergeFactor = core.DefaultTailMergeFactor

// sentenceTerminators are the characters a segment may be cut after,
// including locale-specific equivalents of the ASCII terminators. The
// Unicode ellipsis is absent on purpose: Normalize rewrites it to "..."
// before segmentation, so the closing period is what gets matched.
var sentenceTerminators = map[rune]struct{}{
	'.': {},
	'!': {},
	'?': {},
	'。': {},
	'！': {},
	'？': {},
	'؟': {},
	'।': {},
}

// Options bounds a segmentation run. Min and Max are rune counts.
type Options struct {
	Min             int
	Max             int
	TailMergeFactor float64
}

// Segment splits text into ordered segments of Min..Max runes, cutting
// at sentence terminators where possible, whitespace otherwise, and hard
// rune boundaries as a last resort.
//
// Degenerate bounds (Min <= 0 or Min >= Max) return the whole text as a
// single segment; empty or whitespace-only input returns nil. Both are
// policy choices, not errors.
func Segment(text string, opts Options) []core.Segment {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	if opts.TailMergeFactor <= 1.0 {
		opts.TailMergeFactor = DefaultTailMergeFactor
	}

	if opts.Min <= 0 || opts.Min >= opts.Max {
		return buildSegments([]string{normalized})
	}

	parts := splitGreedy([]rune(normalized), opts.Min, opts.Max)
	parts = mergeShortTail(parts, opts)

	return buildSegments(parts)
}

// splitGreedy consumes runes left to right, emitting one part per
// iteration according to the cut-point priority: sentence terminator in
// [min, max], then whitespace >= min, then a hard cut at max.
func splitGreedy(runes []rune, minLen, maxLen int) []string {
	var parts []string

	pos := 0
	for pos < len(runes) {
		for pos < len(runes) && runes[pos] == ' ' {
			pos++
		}

		if pos >= len(runes) {
			break
		}

		remaining := len(runes) - pos
		if remaining <= maxLen {
			parts = append(parts, string(runes[pos:]))

			break
		}

		next := findCut(runes, pos, minLen, maxLen)
		part := string(runes[pos:next.end])

		if part != "" {
			parts = append(parts, part)
		}

		pos = next.advance
	}

	return parts
}

// cut describes one boundary decision: the part ends at end, and the
// next part starts at advance (they differ when a separator rune is
// consumed by the boundary itself).
type cut struct {
	end     int
	advance int
}

func findCut(runes []rune, pos, minLen, maxLen int) cut {
	// Prefer a sentence terminator, scanning backward from max to min.
	for i := pos + maxLen - 1; i >= pos+minLen-1; i-- {
		if _, ok := sentenceTerminators[runes[i]]; ok {
			return cut{end: i + 1, advance: i + 1}
		}
	}

	// Fall back to the last whitespace boundary at or beyond min.
	for i := pos + maxLen - 1; i >= pos+minLen-1; i-- {
		if unicode.IsSpace(runes[i]) {
			return cut{end: i, advance: i + 1}
		}
	}

	// Hard cut at max.
	return cut{end: pos + maxLen, advance: pos + maxLen}
}

// mergeShortTail folds a final part shorter than min into the previous
// part when their combined rune count stays within max * factor.
func mergeShortTail(parts []string, opts Options) []string {
	if len(parts) < 2 {
		return parts
	}

	last := []rune(parts[len(parts)-1])
	previous := []rune(parts[len(parts)-2])

	if len(last) >= opts.Min {
		return parts
	}

	limit := int(float64(opts.Max) * opts.TailMergeFactor)
	if len(previous)+len(last) > limit {
		return parts
	}

	merged := string(previous) + " " + string(last)

	return append(parts[:len(parts)-2], merged)
}

func buildSegments(parts []string) []core.Segment {
	segments := make([]core.Segment, 0, len(parts))

	for i, part := range parts {
		segments = append(segments, core.Segment{
			ID:         i + 1,
			Text:       part,
			EditedText: part,
			Status:     core.SegmentPending,
		})
	}

	return segments
}
