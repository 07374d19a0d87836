// Package stream negotiates a playable URL for an item with the media server.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/metrics"
)

var (
	// ErrNoClient is returned when there is no authenticated server client
	ErrNoClient = errors.New("no authenticated media server client")
	// ErrNoItem is returned when the item is missing
	ErrNoItem = errors.New("media item not available")
	// ErrNegotiationFailed is returned when the server rejects negotiation or
	// returns an incomplete answer
	ErrNegotiationFailed = errors.New("stream negotiation failed")
)

// PlayMethod is how the server delivers the stream
type PlayMethod string

const (
	DirectStream PlayMethod = "DirectStream"
	Transcode    PlayMethod = "Transcode"
)

// ClassifyPlayMethod derives the play method from the URL shape: an HLS
// manifest means the server is transcoding.
func ClassifyPlayMethod(streamURL string) PlayMethod {
	if strings.Contains(strings.ToLower(streamURL), ".m3u8") {
		return Transcode
	}
	return DirectStream
}

// Constraints narrow negotiation. Nil or empty fields leave the choice to the server.
type Constraints struct {
	AudioIndex    *int
	SubtitleIndex *int
	MediaSourceID string
	MaxBitrate    *int64
}

// Equal reports whether both constraint sets would negotiate the same stream
func (c Constraints) Equal(o Constraints) bool {
	return intPtrEqual(c.AudioIndex, o.AudioIndex) &&
		intPtrEqual(c.SubtitleIndex, o.SubtitleIndex) &&
		c.MediaSourceID == o.MediaSourceID &&
		int64PtrEqual(c.MaxBitrate, o.MaxBitrate)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Descriptor is a resolved playable target. It is never mutated; a change of
// constraints produces a new one.
type Descriptor struct {
	ItemID          string
	URL             string
	PlaySessionID   string
	MediaSource     mediaserver.MediaSource
	PlayMethod      PlayMethod
	Constraints     Constraints
	StartPositionMs int64
}

// NeedsResolve reports whether c calls for a new descriptor
func NeedsResolve(prev *Descriptor, c Constraints) bool {
	return prev == nil || !prev.Constraints.Equal(c)
}

// Service is the part of the media server client the resolver needs
type Service interface {
	Authenticated() bool
	PlaybackInfo(ctx context.Context, itemID string, req mediaserver.PlaybackInfoRequest) (*mediaserver.PlaybackInfoResponse, error)
	StaticStreamURL(itemID string, src mediaserver.MediaSource, playSessionID string) string
	ServerURL(relative string) string
}

// Request is one resolution
type Request struct {
	Item        *mediaserver.Item
	UserID      string
	Constraints Constraints
}

// Resolver turns items into descriptors
type Resolver struct {
	svc    Service
	logger *slog.Logger
}

// NewResolver creates a resolver. A nil svc makes every Resolve fail with ErrNoClient.
func NewResolver(svc Service, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{svc: svc, logger: logger}
}

// Resolve negotiates a stream for req
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Descriptor, error) {
	if r == nil || r.svc == nil || !r.svc.Authenticated() {
		return nil, ErrNoClient
	}
	if req.Item == nil || req.Item.ID == "" {
		return nil, ErrNoItem
	}

	d, err := r.negotiate(ctx, req)
	if err != nil {
		metrics.IncResolution("", false)
		return nil, err
	}
	metrics.IncResolution(string(d.PlayMethod), true)

	r.logger.Debug("stream resolved",
		"item", d.ItemID,
		"media_source", d.MediaSource.ID,
		"play_method", d.PlayMethod,
		"play_session", d.PlaySessionID,
	)
	return d, nil
}

func (r *Resolver) negotiate(ctx context.Context, req Request) (*Descriptor, error) {
	item := req.Item
	c := req.Constraints

	info, err := r.svc.PlaybackInfo(ctx, item.ID, mediaserver.PlaybackInfoRequest{
		UserID:              req.UserID,
		MaxStreamingBitrate: c.MaxBitrate,
		StartTimeTicks:      item.ResumeTicks(),
		AudioStreamIndex:    c.AudioIndex,
		SubtitleStreamIndex: c.SubtitleIndex,
		MediaSourceID:       c.MediaSourceID,
		EnableDirectPlay:    true,
		EnableDirectStream:  true,
		EnableTranscoding:   true,
		DeviceProfile:       mediaserver.MpvProfile(derefInt64(c.MaxBitrate)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	if info.ErrorCode != "" {
		return nil, fmt.Errorf("%w: server refused playback: %s", ErrNegotiationFailed, info.ErrorCode)
	}
	if info.PlaySessionID == "" {
		return nil, fmt.Errorf("%w: no play session id", ErrNegotiationFailed)
	}

	src, ok := chooseSource(info.MediaSources, c.MediaSourceID)
	if !ok {
		return nil, fmt.Errorf("%w: no media source", ErrNegotiationFailed)
	}

	var streamURL string
	switch {
	case src.TranscodingURL != "":
		streamURL = r.svc.ServerURL(src.TranscodingURL)
	case src.SupportsDirectPlay || src.SupportsDirectStream:
		streamURL = r.svc.StaticStreamURL(item.ID, src, info.PlaySessionID)
	default:
		return nil, fmt.Errorf("%w: media source %s has no playable url", ErrNegotiationFailed, src.ID)
	}

	return &Descriptor{
		ItemID:          item.ID,
		URL:             streamURL,
		PlaySessionID:   info.PlaySessionID,
		MediaSource:     src,
		PlayMethod:      ClassifyPlayMethod(streamURL),
		Constraints:     c,
		StartPositionMs: item.ResumeTicks() / 10_000,
	}, nil
}

func chooseSource(sources []mediaserver.MediaSource, id string) (mediaserver.MediaSource, bool) {
	if len(sources) == 0 {
		return mediaserver.MediaSource{}, false
	}
	if id != "" {
		for _, s := range sources {
			if s.ID == id {
				return s, true
			}
		}
	}
	return sources[0], true
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
