package playback

import (
	"time"

	"github.com/justchokingaround/mbplay/internal/stream"
	"github.com/justchokingaround/mbplay/internal/tracks"
)

// TicksPerMillisecond converts between server ticks and milliseconds
const TicksPerMillisecond = 10_000

// Phase is the coarse session state
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading"
	PhaseReady     Phase = "ready"
	PhasePlaying   Phase = "playing"
	PhasePaused    Phase = "paused"
	PhaseBuffering Phase = "buffering"
	PhaseStopped   Phase = "stopped"
)

// State is a snapshot of a session. Only the session loop writes it;
// everyone else gets copies.
type State struct {
	Phase         Phase
	PositionTicks int64
	DurationTicks int64

	IsPlaying       bool
	IsBuffering     bool
	IsSeeking       bool
	PlaybackStopped bool

	AudioTrack    tracks.Selection
	SubtitleTrack tracks.Selection

	PlayMethod    stream.PlayMethod
	StreamURL     string
	PlaySessionID string
	MediaSourceID string
}

// Position returns the position as a duration
func (s State) Position() time.Duration {
	return FromTicks(s.PositionTicks)
}

// Duration returns the runtime as a duration
func (s State) Duration() time.Duration {
	return FromTicks(s.DurationTicks)
}

// Ticks converts d to server ticks, flooring sub-tick remainders
func Ticks(d time.Duration) int64 {
	return int64(d / 100)
}

// FromTicks converts server ticks to a duration
func FromTicks(ticks int64) time.Duration {
	return time.Duration(ticks) * 100
}
