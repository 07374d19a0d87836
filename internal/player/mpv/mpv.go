package mpv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/diniamo/gopv"
	"github.com/justchokingaround/mbplay/internal/player"
)

const (
	pollInterval = 1 * time.Second
	// position jumps larger than this between polls are reported as seeks
	seekThreshold = 3 * time.Second
)

// ErrClosed is returned by control calls after Close
var ErrClosed = errors.New("mpv player closed")

// ipcClient is the part of gopv.Client the player uses
type ipcClient interface {
	Request(args ...interface{}) (interface{}, error)
}

// Options configures the mpv process
type Options struct {
	Debug          bool
	LoadUserConfig bool
	ExtraArgs      []string
	Logger         *slog.Logger
}

// MPVPlayer implements player.Engine using mpv with JSON IPC
type MPVPlayer struct {
	mu sync.RWMutex

	// mpv process and IPC
	client    ipcClient
	cmd       *exec.Cmd
	ipcConfig *IPCConfig
	platform  Platform

	opts      Options
	logger    *slog.Logger
	callbacks player.Callbacks

	// set when a Seek call is in flight so the next jump is not announced
	expectJump bool
	// cleared on SetCallbacks so the next poll re-announces tracks
	trackSig string

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	ended  bool
}

var _ player.Engine = (*MPVPlayer)(nil)

// New checks that mpv is installed and returns an unloaded player
func New(opts Options) (*MPVPlayer, error) {
	platform := DetectPlatform()
	if _, err := FindMPVExecutable(platform); err != nil {
		return nil, fmt.Errorf("mpv not found: %w", err)
	}
	return newPlayer(platform, opts), nil
}

func newPlayer(platform Platform, opts Options) *MPVPlayer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MPVPlayer{
		platform: platform,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Load starts mpv on url and blocks until its IPC socket answers
func (p *MPVPlayer) Load(ctx context.Context, url string, opts player.LoadOptions) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.cmd != nil {
		p.mu.Unlock()
		return errors.New("mpv player already loaded")
	}

	mpvExec := GetMPVExecutable(p.platform)
	if _, err := exec.LookPath(mpvExec); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("mpv executable not found in PATH (%s): %w", mpvExec, err)
	}

	ipcConfig, err := GetIPCConfig(p.platform)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to generate IPC config: %w", err)
	}
	p.ipcConfig = ipcConfig

	cmd := exec.Command(mpvExec, p.buildMPVArgs(url, opts)...)
	// Detach mpv from the terminal so it cannot steal the CLI's input
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		p.cleanupIPC()
		p.mu.Unlock()
		return fmt.Errorf("failed to start %s: %w", mpvExec, err)
	}
	p.cmd = cmd
	p.mu.Unlock()

	go p.monitorProcess(cmd)

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := p.waitForIPC(initCtx, ipcConfig); err != nil {
		_ = p.Close()
		if p.platform == PlatformWindows {
			return fmt.Errorf("timeout waiting for named pipe %s (mpv.exe may have failed to start): %w", ipcConfig.Address, err)
		}
		return fmt.Errorf("timeout waiting for mpv IPC at %s: %w", ipcConfig.Address, err)
	}

	connStr := GetGopvConnectionString(ipcConfig)
	client, err := gopv.Connect(connStr, func(err error) {
		p.emitError(fmt.Errorf("mpv IPC: %w", err))
	})
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("failed to connect to mpv IPC at %s: %w", connStr, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_, _ = client.Request("quit")
		return ErrClosed
	}
	p.client = client
	p.mu.Unlock()

	p.logger.Debug("mpv ready", "ipc", connStr)
	go p.monitorProgress()
	return nil
}

// Resume unpauses playback
func (p *MPVPlayer) Resume(ctx context.Context) error {
	return p.setProperty("pause", false)
}

// Pause pauses playback
func (p *MPVPlayer) Pause(ctx context.Context) error {
	return p.setProperty("pause", true)
}

// Seek seeks to the specified position
func (p *MPVPlayer) Seek(ctx context.Context, position time.Duration) error {
	p.mu.Lock()
	p.expectJump = true
	p.mu.Unlock()
	return p.setProperty("time-pos", position.Seconds())
}

// SelectAudioTrack switches to the audio track with mpv id
func (p *MPVPlayer) SelectAudioTrack(ctx context.Context, id int) error {
	return p.setProperty("aid", id)
}

// SelectTextTrack switches subtitles; a negative id turns them off
func (p *MPVPlayer) SelectTextTrack(ctx context.Context, id int) error {
	if id < 0 {
		return p.setProperty("sid", "no")
	}
	return p.setProperty("sid", id)
}

// SetCallbacks replaces the event sinks
func (p *MPVPlayer) SetCallbacks(cb player.Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = cb
	p.trackSig = ""
}

func (p *MPVPlayer) setProperty(name string, value interface{}) error {
	p.mu.RLock()
	client, closed := p.client, p.closed
	p.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if client == nil {
		return errors.New("mpv player not loaded")
	}
	if _, err := client.Request("set_property", name, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	return nil
}

// Close quits mpv and releases IPC resources. Safe to call more than once.
func (p *MPVPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.callbacks = player.Callbacks{}
	p.cancel()

	// Ask mpv to quit but never wait long; gopv closes itself on EOF when
	// the process dies, so the client is not closed here.
	if p.client != nil {
		client := p.client
		p.client = nil
		go func() {
			done := make(chan struct{})
			go func() {
				_, _ = client.Request("quit")
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(500 * time.Millisecond):
			}
		}()
	}

	// monitorProcess reaps the process
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}

	p.cleanupIPC()
	return nil
}

// cleanupIPC removes the unix socket file if any (must be called with lock held)
func (p *MPVPlayer) cleanupIPC() {
	if p.ipcConfig != nil && p.ipcConfig.IsSocket {
		_ = os.Remove(p.ipcConfig.Address)
	}
	p.ipcConfig = nil
}

func (p *MPVPlayer) snapshotCallbacks() player.Callbacks {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.callbacks
}

func (p *MPVPlayer) emitError(err error) {
	if cb := p.snapshotCallbacks(); cb.OnError != nil {
		cb.OnError(err)
	}
}

// monitorState carries poll-to-poll observations
type monitorState struct {
	havePos   bool
	lastPos   time.Duration
	paused    bool
	havePause bool
	buffering bool
}

// monitorProgress polls mpv once per interval and turns property changes into callbacks
func (p *MPVPlayer) monitorProgress() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var st monitorState
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if done := p.poll(&st, pollInterval); done {
				return
			}
		}
	}
}

// poll reads one sample and dispatches callbacks. It returns true once playback has ended.
func (p *MPVPlayer) poll(st *monitorState, elapsed time.Duration) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return true
	}

	timePos, posErr := getFloat(client, "time-pos")
	duration, _ := getFloat(client, "duration")
	paused, pauseErr := getBool(client, "pause")
	buffering, _ := getBool(client, "paused-for-cache")
	eof, _ := getBool(client, "eof-reached")
	trackList, trackErr := client.Request("get_property", "track-list")

	if posErr != nil && pauseErr != nil {
		// IPC is gone; monitorProcess reports the exit
		return false
	}

	p.mu.Lock()
	cb := p.callbacks
	expectJump := p.expectJump
	var audio, text []player.Track
	var tracksChanged bool
	if trackErr == nil {
		audio, text = parseTrackList(trackList)
		sig := fmt.Sprintf("%v|%v", audio, text)
		if sig != p.trackSig {
			p.trackSig = sig
			tracksChanged = true
		}
	}
	p.mu.Unlock()

	if tracksChanged {
		if cb.OnAudioTracks != nil {
			cb.OnAudioTracks(audio)
		}
		if cb.OnTextTracks != nil {
			cb.OnTextTracks(text)
		}
	}

	// the position does not advance while paused
	if st.havePause && st.paused {
		elapsed = 0
	}
	if pauseErr == nil && (!st.havePause || paused != st.paused) {
		st.paused, st.havePause = paused, true
		if cb.OnPlaybackStateChanged != nil && !eof {
			state := player.StatePlaying
			if paused {
				state = player.StatePaused
			}
			cb.OnPlaybackStateChanged(state)
		}
	}

	if buffering != st.buffering {
		st.buffering = buffering
		if cb.OnBuffer != nil {
			cb.OnBuffer(buffering)
		}
	}

	if posErr == nil {
		pos := seconds(timePos)
		if st.havePos && isJump(st.lastPos, pos, elapsed) {
			if expectJump {
				p.mu.Lock()
				p.expectJump = false
				p.mu.Unlock()
			} else if cb.OnSeek != nil {
				cb.OnSeek(pos)
			}
		}
		st.lastPos, st.havePos = pos, true

		if cb.OnProgress != nil {
			cb.OnProgress(player.Progress{CurrentTime: pos, Duration: seconds(duration)})
		}
	}

	if eof {
		p.mu.Lock()
		first := !p.ended
		p.ended = true
		p.mu.Unlock()
		if first && cb.OnPlaybackStateChanged != nil {
			cb.OnPlaybackStateChanged(player.StateEnded)
		}
		return true
	}
	return false
}

// isJump reports whether moving from last to pos over elapsed wall time
// cannot be explained by normal playback
func isJump(last, pos, elapsed time.Duration) bool {
	drift := pos - (last + elapsed)
	return time.Duration(math.Abs(float64(drift))) > seekThreshold
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func getFloat(client ipcClient, name string) (float64, error) {
	result, err := client.Request("get_property", name)
	if err != nil {
		return 0, err
	}
	v, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("property %s is %T, not a number", name, result)
	}
	return v, nil
}

func getBool(client ipcClient, name string) (bool, error) {
	result, err := client.Request("get_property", name)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("property %s is %T, not a bool", name, result)
	}
	return v, nil
}

// parseTrackList splits mpv's track-list property into audio and text tracks, keeping mpv's order
func parseTrackList(raw interface{}) (audio, text []player.Track) {
	entries, ok := raw.([]interface{})
	if !ok {
		return nil, nil
	}

	for _, e := range entries {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}

		t := player.Track{
			Type:     player.TrackType(stringField(m, "type")),
			Language: stringField(m, "lang"),
			Title:    stringField(m, "title"),
			Codec:    stringField(m, "codec"),
			Default:  boolField(m, "default"),
			Selected: boolField(m, "selected"),
			External: boolField(m, "external"),
		}
		if id, ok := m["id"].(float64); ok {
			t.ID = int(id)
		}

		switch t.Type {
		case player.TrackAudio:
			audio = append(audio, t)
		case player.TrackText:
			text = append(text, t)
		}
	}
	return audio, text
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// monitorProcess reaps mpv and reports how it went away
func (p *MPVPlayer) monitorProcess(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.RLock()
	closed := p.closed
	ended := p.ended
	cb := p.callbacks
	p.mu.RUnlock()

	if !closed {
		switch {
		case err != nil && cb.OnError != nil:
			cb.OnError(fmt.Errorf("mpv process exited unexpectedly: %w", err))
		case err == nil && !ended && cb.OnPlaybackStateChanged != nil:
			// the user quit mpv
			cb.OnPlaybackStateChanged(player.StateEnded)
		}
	}

	_ = p.Close()
}

// buildMPVArgs builds the command-line arguments for mpv
func (p *MPVPlayer) buildMPVArgs(url string, opts player.LoadOptions) []string {
	args := []string{
		GetMPVIPCArgument(p.ipcConfig),
		"--idle=yes",
		"--keep-open=yes", // stop on the last frame so eof-reached is observable
		"--no-ytdl",
	}

	if !p.opts.LoadUserConfig {
		args = append(args, "--no-config")
	}

	if !p.opts.Debug {
		args = append(args, "--msg-level=all=warn")
	}

	if opts.Paused {
		args = append(args, "--pause=yes")
	}

	if opts.Start > 0 {
		args = append(args, fmt.Sprintf("--start=%g", opts.Start.Seconds()))
	}

	if opts.UserAgent != "" {
		args = append(args, fmt.Sprintf("--user-agent=%s", opts.UserAgent))
	}

	headersList := []string{}
	for key, value := range opts.Headers {
		if key != "User-Agent" {
			headersList = append(headersList, fmt.Sprintf("%s: %s", key, value))
		}
	}
	if len(headersList) > 0 {
		args = append(args, fmt.Sprintf("--http-header-fields=%s", strings.Join(headersList, ",")))
	}

	if opts.Title != "" {
		args = append(args, fmt.Sprintf("--force-media-title=%s", opts.Title))
	}

	args = append(args, p.opts.ExtraArgs...)
	args = append(args, opts.ExtraArgs...)

	// URL must be last
	args = append(args, url)

	return args
}

// waitForIPC waits for the IPC endpoint to accept connections
func (p *MPVPlayer) waitForIPC(ctx context.Context, ipc *IPCConfig) error {
	timeoutDuration := 5 * time.Second
	if ipc.Type == IPCTCP || ipc.Type == IPCNamedPipe {
		timeoutDuration = 10 * time.Second
	}

	timeout := time.After(timeoutDuration)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrClosed
		case <-timeout:
			return fmt.Errorf("timeout waiting for IPC at %s after %v", ipc.Address, timeoutDuration)
		case <-ticker.C:
			switch ipc.Type {
			case IPCUnixSocket:
				if _, err := os.Stat(ipc.Address); err == nil {
					time.Sleep(200 * time.Millisecond)
					return nil
				}
			case IPCTCP:
				conn, err := net.DialTimeout("tcp", ipc.Address, 200*time.Millisecond)
				if err == nil {
					_ = conn.Close()
					time.Sleep(300 * time.Millisecond)
					return nil
				}
			case IPCNamedPipe:
				if isPipeReady(ipc.Address) {
					time.Sleep(200 * time.Millisecond)
					return nil
				}
			}
		}
	}
}
