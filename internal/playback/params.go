package playback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/justchokingaround/mbplay/internal/stream"
)

// ErrInvalidParams is returned by LaunchParams.Validate
var ErrInvalidParams = errors.New("invalid launch parameters")

// LaunchParams describes what to play. Only ItemID is required.
type LaunchParams struct {
	ItemID        string
	AudioIndex    *int
	SubtitleIndex *int
	MediaSourceID string
	MaxBitrate    *int64
	// StartPaused loads the item without starting playback
	StartPaused bool
}

// Validate checks that indices are nonnegative and the bitrate positive
func (p LaunchParams) Validate() error {
	if strings.TrimSpace(p.ItemID) == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidParams)
	}
	if p.AudioIndex != nil && *p.AudioIndex < 0 {
		return fmt.Errorf("%w: audio index %d is negative", ErrInvalidParams, *p.AudioIndex)
	}
	if p.SubtitleIndex != nil && *p.SubtitleIndex < 0 {
		return fmt.Errorf("%w: subtitle index %d is negative", ErrInvalidParams, *p.SubtitleIndex)
	}
	if p.MaxBitrate != nil && *p.MaxBitrate <= 0 {
		return fmt.Errorf("%w: max bitrate %d must be positive", ErrInvalidParams, *p.MaxBitrate)
	}
	return nil
}

// Constraints converts the parameters into stream constraints
func (p LaunchParams) Constraints() stream.Constraints {
	return stream.Constraints{
		AudioIndex:    p.AudioIndex,
		SubtitleIndex: p.SubtitleIndex,
		MediaSourceID: p.MediaSourceID,
		MaxBitrate:    p.MaxBitrate,
	}
}
