// Package merge stitches a user-selected subset of cached segment audio
// into one playable WAV file.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/wav"
)

// ErrNothingSelected indicates that no selected segment had cached
// audio. Merging an empty selection is a rejected operation, not a
// zero-length success.
var ErrNothingSelected = errors.New("no cached audio selected for merge")

// Engine decodes cached blobs and re-encodes a single container.
type Engine struct {
	cache core.AudioCache
}

// New creates a merge engine over the given cache.
func New(cache core.AudioCache) *Engine {
	return &Engine{cache: cache}
}

// Merge concatenates the decoded samples of the selected segments in
// ascending id order and re-encodes them as one mono 16-bit WAV file.
//
// All inputs are assumed to share the sample rate of the first decoded
// blob, since they come from one provider and voice; mismatched rates
// are a documented limitation, not handled.
func (e *Engine) Merge(ctx context.Context, userID string, segmentIDs []int) ([]byte, error) {
	if len(segmentIDs) == 0 {
		return nil, ErrNothingSelected
	}

	ordered := make([]int, len(segmentIDs))
	copy(ordered, segmentIDs)
	sort.Ints(ordered)

	var (
		samples    []float64
		sampleRate int
	)

	for _, segmentID := range ordered {
		data, err := e.cache.Get(ctx, userID, segmentID)
		if err != nil {
			if errors.Is(err, core.ErrNotCached) {
				continue
			}

			return nil, fmt.Errorf("failed to load segment %d for merge: %w", segmentID, err)
		}

		decoded, rate, err := wav.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode segment %d: %w", segmentID, err)
		}

		if sampleRate == 0 {
			sampleRate = rate
		}

		samples = append(samples, decoded...)
	}

	if len(samples) == 0 {
		return nil, ErrNothingSelected
	}

	return wav.Encode(samples, sampleRate), nil
}
