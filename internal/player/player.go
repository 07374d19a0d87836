// Package player defines the playback engine the session controller drives.
package player

import (
	"context"
	"time"
)

// Engine is an opaque playback surface. Load must complete before any other
// control call. Callbacks may fire from any goroutine.
type Engine interface {
	Load(ctx context.Context, url string, opts LoadOptions) error
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error

	// SelectAudioTrack and SelectTextTrack take the engine's track id.
	// A negative id disables text tracks.
	SelectAudioTrack(ctx context.Context, id int) error
	SelectTextTrack(ctx context.Context, id int) error

	// SetCallbacks replaces the event sinks. The zero value detaches.
	SetCallbacks(cb Callbacks)
	Close() error
}

// LoadOptions contains options for starting playback
type LoadOptions struct {
	Start time.Duration
	// Paused keeps the engine paused after loading until Resume
	Paused bool
	Title  string

	Headers   map[string]string
	UserAgent string
	ExtraArgs []string
}

// Progress is one periodic position sample
type Progress struct {
	CurrentTime time.Duration
	// Duration is the playable duration known so far
	Duration time.Duration
}

// PlaybackState represents the state reported by the engine
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateEnded   PlaybackState = "ended"
)

// String returns the string representation of PlaybackState
func (s PlaybackState) String() string {
	return string(s)
}

// TrackType distinguishes audio and text tracks
type TrackType string

const (
	TrackAudio TrackType = "audio"
	TrackText  TrackType = "sub"
	TrackVideo TrackType = "video"
)

// Track is a track as discovered by the engine, in the engine's own order
type Track struct {
	ID       int
	Type     TrackType
	Language string
	Title    string
	Codec    string
	Default  bool
	Selected bool
	External bool
}

// Label is a human readable name for the track
func (t Track) Label() string {
	switch {
	case t.Title != "" && t.Language != "":
		return t.Title + " (" + t.Language + ")"
	case t.Title != "":
		return t.Title
	case t.Language != "":
		return t.Language
	default:
		return string(t.Type)
	}
}

// Callbacks contains callback functions for engine events. Nil fields are skipped.
type Callbacks struct {
	OnProgress             func(Progress)
	OnBuffer               func(buffering bool)
	OnError                func(error)
	OnAudioTracks          func([]Track)
	OnTextTracks           func([]Track)
	OnPlaybackStateChanged func(PlaybackState)
	// OnSeek announces a position jump not caused by a Seek call
	// (e.g. the user seeking in the engine's own window)
	OnSeek func(position time.Duration)
}
