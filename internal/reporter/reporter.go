// Package reporter sends play-state reports to the media server without
// blocking playback.
package reporter

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
	"golang.org/x/time/rate"
)

// ErrReportFailed wraps a rejected or undeliverable report
var ErrReportFailed = errors.New("play-state report failed")

// maxQueuedProgress bounds how many progress reports may wait behind a slow server
const maxQueuedProgress = 8

// Kind is the report endpoint
type Kind string

const (
	KindStart    Kind = "start"
	KindProgress Kind = "progress"
	KindStopped  Kind = "stopped"
)

// Service is the play-state API
type Service interface {
	ReportPlaybackStart(ctx context.Context, r mediaserver.PlaybackReport) error
	ReportPlaybackProgress(ctx context.Context, r mediaserver.PlaybackReport) error
	ReportPlaybackStopped(ctx context.Context, r mediaserver.PlaybackReport) error
}

// Report is a snapshot of session fields to send
type Report struct {
	ItemID              string
	MediaSourceID       string
	PlaySessionID       string
	AudioStreamIndex    *int
	SubtitleStreamIndex *int
	PositionTicks       int64
	IsPaused            bool
	PlayMethod          string
	// Seeking suppresses progress reports
	Seeking bool
}

func (r Report) payload() mediaserver.PlaybackReport {
	return mediaserver.PlaybackReport{
		ItemID:              r.ItemID,
		MediaSourceID:       r.MediaSourceID,
		PlaySessionID:       r.PlaySessionID,
		AudioStreamIndex:    r.AudioStreamIndex,
		SubtitleStreamIndex: r.SubtitleStreamIndex,
		PositionTicks:       r.PositionTicks,
		IsPaused:            r.IsPaused,
		PlayMethod:          r.PlayMethod,
		CanSeek:             true,
	}
}

// Options configures a Reporter
type Options struct {
	// Interval is the minimum spacing of periodic progress reports; 0 disables throttling
	Interval time.Duration
	Logger   *slog.Logger
	// OnFailure is told about every failed report; failures are never retried
	OnFailure func(kind Kind, err error)
}

type job struct {
	kind    Kind
	report  Report
	barrier chan struct{}
}

// Reporter serialises reports on one worker goroutine
type Reporter struct {
	svc       Service
	limiter   *rate.Limiter
	logger    *slog.Logger
	onFailure func(Kind, error)

	started atomic.Bool
	stopped atomic.Bool

	mu     sync.Mutex
	queue  []job
	closed bool
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a reporter. Close must be called to stop its worker.
func New(svc Service, opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		svc:       svc,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    opts.Logger,
		onFailure: opts.OnFailure,
		notify:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Start queues the start report. Only the first call per reporter does anything.
func (r *Reporter) Start(rep Report) bool {
	if !r.started.CompareAndSwap(false, true) {
		return false
	}
	return r.enqueue(job{kind: KindStart, report: rep})
}

// Progress queues a progress report. Reports taken before the start report,
// while seeking, at position zero or after the stop report are dropped. periodic samples are throttled
// to the configured interval; explicit events are not.
func (r *Reporter) Progress(rep Report, periodic bool) bool {
	if !r.started.Load() || r.stopped.Load() {
		return false
	}
	if rep.Seeking || rep.PositionTicks <= 0 {
		return false
	}
	if periodic && !r.limiter.Allow() {
		return false
	}
	return r.enqueue(job{kind: KindProgress, report: rep})
}

// Stopped queues the stop report. Only the first call per reporter does
// anything, however many close paths race.
func (r *Reporter) Stopped(rep Report) bool {
	if !r.stopped.CompareAndSwap(false, true) {
		return false
	}
	return r.enqueue(job{kind: KindStopped, report: rep})
}

// HasStarted reports whether the start report was queued
func (r *Reporter) HasStarted() bool { return r.started.Load() }

// HasStopped reports whether the stop report was queued
func (r *Reporter) HasStopped() bool { return r.stopped.Load() }

func (r *Reporter) enqueue(j job) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if j.kind == KindProgress && len(r.queue) >= maxQueuedProgress {
		r.mu.Unlock()
		r.logger.Debug("dropping progress report, queue full")
		return false
	}
	r.queue = append(r.queue, j)
	r.mu.Unlock()

	r.wake()
	return true
}

func (r *Reporter) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Flush waits until every report queued before the call has been sent
func (r *Reporter) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.queue = append(r.queue, job{barrier: barrier})
	r.mu.Unlock()
	r.wake()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker. If ctx expires first the
// remaining reports are abandoned.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wake()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}

func (r *Reporter) run() {
	defer close(r.done)

	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			<-r.notify
			continue
		}
		j := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.process(j)
	}
}

func (r *Reporter) process(j job) {
	if j.barrier != nil {
		close(j.barrier)
		return
	}
	if r.ctx.Err() != nil {
		r.fail(j.kind, r.ctx.Err())
		return
	}

	var err error
	payload := j.report.payload()
	switch j.kind {
	case KindStart:
		err = r.svc.ReportPlaybackStart(r.ctx, payload)
	case KindProgress:
		err = r.svc.ReportPlaybackProgress(r.ctx, payload)
	case KindStopped:
		err = r.svc.ReportPlaybackStopped(r.ctx, payload)
	}

	if err != nil {
		r.fail(j.kind, err)
		return
	}

	metrics.IncReport(string(j.kind), true)
	r.logger.Debug("play-state reported",
		"kind", j.kind,
		"item", j.report.ItemID,
		"position_ticks", j.report.PositionTicks,
		"paused", j.report.IsPaused,
	)
}

func (r *Reporter) fail(kind Kind, cause error) {
	metrics.IncReport(string(kind), false)
	err := fmt.Errorf("%w: %s: %w", ErrReportFailed, kind, cause)
	r.logger.Warn("play-state report failed", "kind", kind, "error", cause)
	if r.onFailure != nil {
		r.onFailure(kind, err)
	}
}
