// Package playback owns one play session: it keeps the engine, the server
// play-state and the user's intent consistent while everything around it
// (resolution, engine startup, reports) happens asynchronously.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/metrics"
	"github.com/justchokingaround/mbplay/internal/player"
	"github.com/justchokingaround/mbplay/internal/reporter"
	"github.com/justchokingaround/mbplay/internal/stream"
	"github.com/justchokingaround/mbplay/internal/tracks"
)

var (
	// ErrClosed is returned by commands issued after Close
	ErrClosed = errors.New("playback session closed")
	// ErrNotReady is returned by track commands before the engine is attached
	ErrNotReady = errors.New("playback engine not ready")
)

// ItemSource fetches item metadata
type ItemSource interface {
	GetItem(ctx context.Context, itemID string) (*mediaserver.Item, error)
}

// Resolver turns an item and constraints into a stream descriptor
type Resolver interface {
	Resolve(ctx context.Context, req stream.Request) (*stream.Descriptor, error)
}

// Deps are the collaborators of a session
type Deps struct {
	Items    ItemSource
	Resolver Resolver
	Reports  reporter.Service
	// NewEngine creates a fresh engine for every attach
	NewEngine func() (player.Engine, error)

	UserID         string
	ReportInterval time.Duration
	// LoadOptions is the template for every engine load; Start and Paused
	// are filled in by the session
	LoadOptions player.LoadOptions
	Logger      *slog.Logger
}

// Hooks must not wait on session commands. OnState, OnError and OnEnded run
// on the session goroutine; OnClosed runs on the goroutine calling Close,
// after the session goroutine has exited.
type Hooks struct {
	OnState  func(State)
	OnError  func(error)
	OnEnded  func()
	OnClosed func(State, *mediaserver.Item)
}

// Session is one playing item. All state changes run on a single goroutine;
// the exported methods are safe for concurrent use.
type Session struct {
	deps     Deps
	params   LaunchParams
	hooks    Hooks
	logger   *slog.Logger
	item     *mediaserver.Item
	reporter *reporter.Reporter

	snapshot atomic.Pointer[State]

	mu      sync.Mutex
	queue   []func()
	exiting bool
	notify  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	// owned by the loop goroutine
	state         State
	closed        bool
	desc          *stream.Descriptor
	catalog       *tracks.Catalog
	engine        player.Engine
	engineGen     uint64
	resolveGen    uint64
	attaches      int
	wantPlay      bool
	seekTarget    time.Duration
	pendingSeek   *time.Duration
	jumpAllowed   bool
	launchSubDone bool
	reselectSub   bool
}

// Open fetches the item, resolves its stream and starts loading the engine.
// Resolution failures are returned without creating a session.
func Open(ctx context.Context, deps Deps, params LaunchParams, hooks Hooks) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if deps.Items == nil || deps.Resolver == nil || deps.Reports == nil {
		return nil, stream.ErrNoClient
	}
	if deps.NewEngine == nil {
		return nil, errors.New("no playback engine configured")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	item, err := deps.Items.GetItem(ctx, params.ItemID)
	if err != nil {
		if errors.Is(err, mediaserver.ErrNotAuthenticated) {
			return nil, fmt.Errorf("%w: %w", stream.ErrNoClient, err)
		}
		return nil, fmt.Errorf("%w: %w", stream.ErrNoItem, err)
	}

	desc, err := deps.Resolver.Resolve(ctx, stream.Request{
		Item:        item,
		UserID:      deps.UserID,
		Constraints: params.Constraints(),
	})
	if err != nil {
		return nil, err
	}

	logger := deps.Logger.With("item", item.ID)
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:   deps,
		params: params,
		hooks:  hooks,
		logger: logger,
		item:   item,
		reporter: reporter.New(deps.Reports, reporter.Options{
			Interval: deps.ReportInterval,
			Logger:   logger,
		}),
		notify:   make(chan struct{}, 1),
		ctx:      sctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		state: State{
			Phase:         PhaseIdle,
			PositionTicks: item.ResumeTicks(),
			DurationTicks: item.RunTimeTicks,
			AudioTrack:    tracks.SelectionNone,
			SubtitleTrack: tracks.SelectionNone,
		},
		wantPlay: !params.StartPaused,
	}
	s.state.IsPlaying = s.wantPlay
	snap := s.state
	s.snapshot.Store(&snap)

	metrics.ActiveSessions.Inc()
	go s.loop()

	start := time.Duration(desc.StartPositionMs) * time.Millisecond
	s.post(func() { s.attach(desc, start) })
	return s, nil
}

// Item returns the item being played
func (s *Session) Item() *mediaserver.Item { return s.item }

// State returns the latest snapshot
func (s *Session) State() State { return *s.snapshot.Load() }

// Subtitles lists the server's text subtitle tracks of the current source
func (s *Session) Subtitles(ctx context.Context) ([]tracks.Track, error) {
	var out []tracks.Track
	err := s.do(ctx, func() error {
		if s.catalog != nil {
			out = s.catalog.Subtitles()
		}
		return nil
	})
	return out, err
}

// Play resumes playback. The first successful play sends the start report.
func (s *Session) Play(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state.PlaybackStopped {
			return nil
		}
		s.wantPlay = true
		s.state.IsPlaying = true
		defer s.publish()
		if s.engine == nil {
			return nil
		}
		return s.resume(ctx)
	})
}

// Pause pauses playback. It is a no-op unless playing.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.state.PlaybackStopped || !s.state.IsPlaying {
			return nil
		}
		s.wantPlay = false
		s.state.IsPlaying = false
		defer s.publish()
		if s.engine == nil {
			return nil
		}
		if err := s.engine.Pause(ctx); err != nil {
			return err
		}
		if !s.state.IsBuffering {
			s.state.Phase = PhasePaused
		}
		s.reporter.Progress(s.report(), false)
		return nil
	})
}

// TogglePause plays when paused and pauses when playing
func (s *Session) TogglePause(ctx context.Context) error {
	if s.State().IsPlaying {
		return s.Pause(ctx)
	}
	return s.Play(ctx)
}

// Seek moves to position. Progress reports are suppressed until the engine
// delivers its first sample after the seek.
func (s *Session) Seek(ctx context.Context, position time.Duration) error {
	if position < 0 {
		position = 0
	}
	return s.do(ctx, func() error {
		if s.state.PlaybackStopped {
			return nil
		}
		defer s.publish()
		if s.engine == nil {
			// replayed once the pending load attaches
			s.pendingSeek = &position
			s.state.PositionTicks = Ticks(position)
			return nil
		}
		return s.seek(ctx, position)
	})
}

func (s *Session) seek(ctx context.Context, position time.Duration) error {
	s.state.IsSeeking = true
	s.seekTarget = position
	if err := s.engine.Seek(ctx, position); err != nil {
		s.state.IsSeeking = false
		return err
	}
	return nil
}

// Stop pauses the engine and sends the stop report. It is terminal; later
// transport commands are ignored.
func (s *Session) Stop(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.stop(ctx)
		return nil
	})
}

// SetAudioTrack selects the audio track at sel in the engine's order
func (s *Session) SetAudioTrack(ctx context.Context, sel tracks.Selection) error {
	return s.do(ctx, func() error {
		if s.engine == nil {
			return ErrNotReady
		}
		id, ok := s.catalog.AudioTrackID(sel)
		if !ok {
			return fmt.Errorf("audio track %d not available", sel)
		}
		if err := s.engine.SelectAudioTrack(ctx, id); err != nil {
			return err
		}
		s.state.AudioTrack = sel
		s.publish()
		return nil
	})
}

// SetSubtitleTrack selects the subtitle at sel, or disables subtitles for
// tracks.SelectionNone
func (s *Session) SetSubtitleTrack(ctx context.Context, sel tracks.Selection) error {
	return s.do(ctx, func() error {
		return s.applySubtitle(ctx, sel)
	})
}

// SelectSubtitleByName fuzzy matches query against the subtitle names
func (s *Session) SelectSubtitleByName(ctx context.Context, query string) error {
	return s.do(ctx, func() error {
		if s.catalog == nil {
			return ErrNotReady
		}
		sel, ok := s.catalog.FindSubtitle(query)
		if !ok {
			return fmt.Errorf("no subtitle matching %q", query)
		}
		return s.applySubtitle(ctx, sel)
	})
}

// Reconfigure re-resolves the stream when c differs from the current
// constraints. It returns once resolution has been started.
func (s *Session) Reconfigure(ctx context.Context, c stream.Constraints) error {
	return s.do(ctx, func() error {
		s.reconfigure(c)
		return nil
	})
}

// SetMaxBitrate changes the bitrate cap; bps <= 0 removes it
func (s *Session) SetMaxBitrate(ctx context.Context, bps int64) error {
	return s.do(ctx, func() error {
		c := s.currentConstraints()
		if bps > 0 {
			c.MaxBitrate = &bps
		} else {
			c.MaxBitrate = nil
		}
		s.reconfigure(c)
		return nil
	})
}

// Close stops playback, sends the stop report if needed, releases the
// engine and waits for queued reports until ctx expires. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.post(func() {
			s.stop(ctx)
			s.closed = true
			s.resolveGen++
			s.engineGen++
			s.detachEngine()
			s.publish()

			s.mu.Lock()
			s.exiting = true
			s.mu.Unlock()
		})
		<-s.loopDone

		s.cancel()
		s.wg.Wait()

		s.closeErr = s.reporter.Close(ctx)
		metrics.ActiveSessions.Dec()
		if s.hooks.OnClosed != nil {
			s.hooks.OnClosed(s.State(), s.item)
		}
		s.logger.Debug("playback session closed")
	})
	return s.closeErr
}

// currentConstraints are the negotiated constraints with the track
// selections made since then
func (s *Session) currentConstraints() stream.Constraints {
	var c stream.Constraints
	if s.desc != nil {
		c = s.desc.Constraints
	}
	if s.catalog == nil {
		return c
	}
	if idx, ok := s.catalog.ServerAudioIndex(s.state.AudioTrack); ok {
		c.AudioIndex = &idx
	}
	if s.state.SubtitleTrack != tracks.SelectionNone {
		if idx, ok := s.catalog.ServerSubtitleIndex(s.state.SubtitleTrack); ok {
			c.SubtitleIndex = &idx
		}
	}
	return c
}

func (s *Session) post(fn func()) bool {
	s.mu.Lock()
	if s.exiting {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the loop and waits for its result
func (s *Session) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	ok := s.post(func() {
		if s.closed {
			res <- ErrClosed
			return
		}
		res <- fn()
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			exiting := s.exiting
			s.mu.Unlock()
			if exiting {
				return
			}
			<-s.notify
			continue
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}

func (s *Session) publish() {
	snap := s.state
	s.snapshot.Store(&snap)
	if s.hooks.OnState != nil {
		s.hooks.OnState(snap)
	}
}

func (s *Session) report() reporter.Report {
	r := reporter.Report{
		ItemID:        s.item.ID,
		PositionTicks: s.state.PositionTicks,
		IsPaused:      !s.state.IsPlaying,
		Seeking:       s.state.IsSeeking,
	}
	if s.desc != nil {
		r.MediaSourceID = s.desc.MediaSource.ID
		r.PlaySessionID = s.desc.PlaySessionID
		r.PlayMethod = string(s.desc.PlayMethod)
		r.AudioStreamIndex = s.desc.Constraints.AudioIndex
	}
	if s.catalog != nil {
		if idx, ok := s.catalog.ServerAudioIndex(s.state.AudioTrack); ok {
			r.AudioStreamIndex = &idx
		}
		if idx, ok := s.catalog.ServerSubtitleIndex(s.state.SubtitleTrack); ok {
			r.SubtitleStreamIndex = &idx
		}
	}
	return r
}

func (s *Session) resume(ctx context.Context) error {
	if err := s.engine.Resume(ctx); err != nil {
		return err
	}
	if !s.state.IsBuffering {
		s.state.Phase = PhasePlaying
	}
	s.reporter.Start(s.report())
	return nil
}

func (s *Session) stop(ctx context.Context) {
	if s.state.PlaybackStopped {
		return
	}
	wasPlaying := s.state.IsPlaying
	s.state.PlaybackStopped = true
	s.state.IsPlaying = false
	s.state.Phase = PhaseStopped
	s.wantPlay = false

	if s.engine != nil && wasPlaying {
		if err := s.engine.Pause(ctx); err != nil {
			s.logger.Debug("failed to pause engine on stop", "error", err)
		}
	}
	s.reporter.Stopped(s.report())
	s.publish()
	s.logger.Info("playback stopped", "position", s.state.Position())
}

func (s *Session) reconfigure(c stream.Constraints) {
	if s.state.PlaybackStopped || !stream.NeedsResolve(s.desc, c) {
		return
	}
	s.resolveGen++
	gen := s.resolveGen
	req := stream.Request{Item: s.item, UserID: s.deps.UserID, Constraints: c}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		desc, err := s.deps.Resolver.Resolve(s.ctx, req)
		s.post(func() { s.onResolved(gen, desc, err) })
	}()
}

func (s *Session) onResolved(gen uint64, desc *stream.Descriptor, err error) {
	if s.closed || gen != s.resolveGen {
		s.logger.Debug("discarding stale stream resolution")
		return
	}
	if err != nil {
		s.logger.Warn("stream re-resolution failed", "error", err)
		s.fail(err)
		return
	}
	start := s.state.Position()
	if s.state.IsSeeking {
		start = s.seekTarget
		s.state.PositionTicks = Ticks(start)
	}
	s.attach(desc, start)
}

// attach replaces the engine with a fresh one loading desc. The old engine
// is detached and closed before the new one exists.
func (s *Session) attach(desc *stream.Descriptor, start time.Duration) {
	s.detachEngine()
	s.engineGen++
	gen := s.engineGen

	s.attaches++
	s.desc = desc
	s.catalog = tracks.NewCatalog(&desc.MediaSource)
	if s.attaches == 1 && s.params.AudioIndex != nil {
		if sel, ok := s.catalog.AudioSelection(*s.params.AudioIndex); ok {
			s.state.AudioTrack = sel
		}
	}
	s.reselectSub = s.attaches > 1 && s.state.SubtitleTrack != tracks.SelectionNone
	s.jumpAllowed = true

	if !s.state.PlaybackStopped {
		s.state.Phase = PhaseLoading
	}
	s.state.IsBuffering = false
	s.state.IsSeeking = false
	s.state.StreamURL = desc.URL
	s.state.PlayMethod = desc.PlayMethod
	s.state.PlaySessionID = desc.PlaySessionID
	s.state.MediaSourceID = desc.MediaSource.ID
	s.publish()

	opts := s.deps.LoadOptions
	opts.Start = start
	opts.Paused = true
	if opts.Title == "" {
		opts.Title = s.item.Name
	}

	s.logger.Info("loading stream", "method", desc.PlayMethod, "start", start)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		eng, err := s.deps.NewEngine()
		if err == nil {
			err = eng.Load(s.ctx, desc.URL, opts)
		}
		if !s.post(func() { s.onLoaded(gen, eng, err) }) && eng != nil {
			_ = eng.Close()
		}
	}()
}

func (s *Session) onLoaded(gen uint64, eng player.Engine, err error) {
	if s.closed || gen != s.engineGen {
		if eng != nil {
			_ = eng.Close()
		}
		return
	}
	if err != nil {
		if eng != nil {
			_ = eng.Close()
		}
		s.state.Phase = PhaseIdle
		s.publish()
		s.fail(fmt.Errorf("failed to load stream: %w", err))
		return
	}

	s.engine = eng
	eng.SetCallbacks(s.callbacks(gen))
	if !s.state.PlaybackStopped {
		s.state.Phase = PhaseReady
	}

	if p := s.pendingSeek; p != nil {
		s.pendingSeek = nil
		if err := s.seek(s.ctx, *p); err != nil {
			s.logger.Warn("failed to apply pending seek", "error", err)
		}
	}
	if s.wantPlay && !s.state.PlaybackStopped {
		if err := s.resume(s.ctx); err != nil {
			s.fail(err)
		}
	}
	if s.attaches > 1 {
		s.reporter.Progress(s.report(), false)
	}
	s.publish()
}

func (s *Session) detachEngine() {
	if s.engine == nil {
		return
	}
	s.engine.SetCallbacks(player.Callbacks{})
	if err := s.engine.Close(); err != nil {
		s.logger.Debug("failed to close engine", "error", err)
	}
	s.engine = nil
}

// callbacks routes engine events onto the loop, tagged with the engine
// generation so events from a replaced engine are dropped
func (s *Session) callbacks(gen uint64) player.Callbacks {
	on := func(fn func()) {
		s.post(func() {
			if s.closed || gen != s.engineGen {
				return
			}
			fn()
		})
	}
	return player.Callbacks{
		OnProgress: func(p player.Progress) { on(func() { s.onProgress(p) }) },
		OnBuffer:   func(b bool) { on(func() { s.onBuffer(b) }) },
		OnError:    func(err error) { on(func() { s.fail(err) }) },
		OnAudioTracks:          func(t []player.Track) { on(func() { s.onAudioTracks(t) }) },
		OnTextTracks:           func(t []player.Track) { on(func() { s.onTextTracks(t) }) },
		OnPlaybackStateChanged: func(st player.PlaybackState) { on(func() { s.onEngineState(st) }) },
		OnSeek:                 func(time.Duration) { on(func() { s.jumpAllowed = true }) },
	}
}

func (s *Session) onProgress(p player.Progress) {
	if s.state.PlaybackStopped {
		return
	}
	if p.Duration > 0 {
		s.state.DurationTicks = Ticks(p.Duration)
	}

	if s.state.IsSeeking {
		// the first sample after a seek may still predate it
		s.state.IsSeeking = false
		s.state.PositionTicks = Ticks(s.seekTarget)
		s.jumpAllowed = false
		s.reporter.Progress(s.report(), false)
		s.publish()
		return
	}

	ticks := Ticks(p.CurrentTime)
	if ticks == 0 && s.state.PositionTicks > 0 {
		return
	}
	if ticks < s.state.PositionTicks && !s.jumpAllowed {
		return
	}
	s.jumpAllowed = false
	s.state.PositionTicks = ticks
	s.reporter.Progress(s.report(), true)
	s.publish()
}

func (s *Session) onBuffer(buffering bool) {
	s.state.IsBuffering = buffering
	if !s.state.PlaybackStopped && s.engine != nil {
		switch {
		case buffering:
			s.state.Phase = PhaseBuffering
		case s.state.IsPlaying:
			s.state.Phase = PhasePlaying
		default:
			s.state.Phase = PhasePaused
		}
	}
	s.publish()
}

func (s *Session) onEngineState(st player.PlaybackState) {
	if s.state.PlaybackStopped {
		return
	}
	switch st {
	case player.StatePlaying:
		if s.state.IsPlaying {
			return
		}
		// resumed from the engine's own controls
		s.wantPlay = true
		s.state.IsPlaying = true
		if !s.state.IsBuffering {
			s.state.Phase = PhasePlaying
		}
		if !s.reporter.Start(s.report()) {
			s.reporter.Progress(s.report(), false)
		}
		s.publish()
	case player.StatePaused:
		if !s.state.IsPlaying {
			return
		}
		s.wantPlay = false
		s.state.IsPlaying = false
		if !s.state.IsBuffering {
			s.state.Phase = PhasePaused
		}
		s.reporter.Progress(s.report(), false)
		s.publish()
	case player.StateEnded:
		s.logger.Info("playback ended")
		if s.hooks.OnEnded != nil {
			s.hooks.OnEnded()
		}
	}
}

// onAudioTracks applies the current audio selection once per attached
// engine, so the launch choice and any later change survive a re-attach
func (s *Session) onAudioTracks(t []player.Track) {
	s.catalog.SetAudioTracks(t)
	if !s.catalog.InitialAudio() || s.state.AudioTrack == tracks.SelectionNone {
		return
	}
	if s.desc.PlayMethod == stream.Transcode {
		// the server muxes only the selected audio stream
		return
	}
	id, ok := s.catalog.AudioTrackID(s.state.AudioTrack)
	if !ok {
		s.logger.Warn("selected audio track not found in engine", "track", s.state.AudioTrack)
		return
	}
	if err := s.engine.SelectAudioTrack(s.ctx, id); err != nil {
		s.logger.Warn("failed to apply audio track", "error", err)
	}
}

func (s *Session) onTextTracks(t []player.Track) {
	s.catalog.SetTextTracks(t)
	if len(t) == 0 {
		return
	}

	switch {
	case !s.launchSubDone:
		s.launchSubDone = true
		if sel, ok := s.catalog.InitialSubtitle(s.params.SubtitleIndex); ok {
			if err := s.applySubtitle(s.ctx, sel); err != nil {
				s.logger.Warn("failed to apply launch subtitle", "error", err)
			}
		}
	case s.reselectSub:
		s.reselectSub = false
		if err := s.applySubtitle(s.ctx, s.state.SubtitleTrack); err != nil {
			s.logger.Warn("failed to restore subtitle", "error", err)
		}
	}
}

func (s *Session) applySubtitle(ctx context.Context, sel tracks.Selection) error {
	if s.engine == nil {
		return ErrNotReady
	}
	id, ok := s.catalog.TextTrackID(sel)
	if !ok {
		return fmt.Errorf("subtitle track %d not available", sel)
	}
	if err := s.engine.SelectTextTrack(ctx, id); err != nil {
		return err
	}
	s.state.SubtitleTrack = sel
	s.publish()
	return nil
}

// fail surfaces an error. Engine failures do not end the session and never
// produce a stop report on their own.
func (s *Session) fail(err error) {
	s.logger.Error("playback error", "error", err)
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}
