// Package remote forwards server remote-control commands to a playback session.
package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/justchokingaround/mbplay/internal/mediaserver"
)

// Kind is a remote command verb
type Kind string

const (
	Play   Kind = "play"
	Pause  Kind = "pause"
	Stop   Kind = "stop"
	Toggle Kind = "toggle"
	Seek   Kind = "seek"
)

// Command is one inbound remote command
type Command struct {
	Kind Kind
	// Position is the target of a Seek
	Position time.Duration
}

// Session is the part of a playback session the bridge drives
type Session interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	TogglePause(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
}

// Bridge applies commands to a session. It never publishes state back.
type Bridge struct {
	session Session
	logger  *slog.Logger
}

// NewBridge creates a bridge for session
func NewBridge(session Session, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{session: session, logger: logger}
}

// Run dispatches commands until ctx is done or in is closed
func (b *Bridge) Run(ctx context.Context, in <-chan Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-in:
			if !ok {
				return
			}
			if err := b.Dispatch(ctx, cmd); err != nil {
				b.logger.Warn("remote command failed", "command", cmd.Kind, "error", err)
			}
		}
	}
}

// Dispatch applies a single command
func (b *Bridge) Dispatch(ctx context.Context, cmd Command) error {
	b.logger.Debug("remote command", "command", cmd.Kind, "position", cmd.Position)

	switch cmd.Kind {
	case Play:
		return b.session.Play(ctx)
	case Pause:
		return b.session.Pause(ctx)
	case Stop:
		return b.session.Stop(ctx)
	case Toggle:
		return b.session.TogglePause(ctx)
	case Seek:
		return b.session.Seek(ctx, cmd.Position)
	default:
		b.logger.Debug("ignoring unknown remote command", "command", cmd.Kind)
		return nil
	}
}

// FromPlaystate maps a server Playstate request to a command. Verbs the
// bridge does not handle report false.
func FromPlaystate(req mediaserver.PlaystateRequest) (Command, bool) {
	switch req.Command {
	case "Unpause":
		return Command{Kind: Play}, true
	case "Pause":
		return Command{Kind: Pause}, true
	case "PlayPause":
		return Command{Kind: Toggle}, true
	case "Stop":
		return Command{Kind: Stop}, true
	case "Seek":
		return Command{Kind: Seek, Position: time.Duration(req.SeekPositionTicks) * 100}, true
	default:
		return Command{}, false
	}
}

// Translate converts socket requests into commands until ctx is done or in
// is closed. The returned channel is closed on exit.
func Translate(ctx context.Context, in <-chan mediaserver.PlaystateRequest) <-chan Command {
	out := make(chan Command)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-in:
				if !ok {
					return
				}
				cmd, ok := FromPlaystate(req)
				if !ok {
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
