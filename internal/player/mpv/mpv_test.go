package mpv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/justchokingaround/mbplay/internal/player"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIPC answers get_property from a map and records set_property calls
type fakeIPC struct {
	mu    sync.Mutex
	props map[string]interface{}
	sets  [][]interface{}
}

func newFakeIPC() *fakeIPC {
	return &fakeIPC{props: map[string]interface{}{
		"time-pos":         10.0,
		"duration":         1440.0,
		"pause":            false,
		"paused-for-cache": false,
		"eof-reached":      false,
		"track-list":       []interface{}{},
	}}
}

func (f *fakeIPC) Request(args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch args[0] {
	case "get_property":
		v, ok := f.props[args[1].(string)]
		if !ok {
			return nil, errors.New("property unavailable")
		}
		return v, nil
	case "set_property":
		f.sets = append(f.sets, args[1:])
		return nil, nil
	}
	return nil, nil
}

func (f *fakeIPC) set(name string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props[name] = v
}

func newLoadedPlayer(t *testing.T) (*MPVPlayer, *fakeIPC) {
	t.Helper()
	ipc := newFakeIPC()
	p := newPlayer(PlatformLinux, Options{})
	p.client = ipc
	t.Cleanup(func() { _ = p.Close() })
	return p, ipc
}

// recorder collects callback invocations
type recorder struct {
	progress []player.Progress
	states   []player.PlaybackState
	buffers  []bool
	seeks    []time.Duration
	audio    [][]player.Track
	text     [][]player.Track
}

func (r *recorder) callbacks() player.Callbacks {
	return player.Callbacks{
		OnProgress:             func(p player.Progress) { r.progress = append(r.progress, p) },
		OnPlaybackStateChanged: func(s player.PlaybackState) { r.states = append(r.states, s) },
		OnBuffer:               func(b bool) { r.buffers = append(r.buffers, b) },
		OnSeek:                 func(d time.Duration) { r.seeks = append(r.seeks, d) },
		OnAudioTracks:          func(t []player.Track) { r.audio = append(r.audio, t) },
		OnTextTracks:           func(t []player.Track) { r.text = append(r.text, t) },
	}
}

func TestBuildMPVArgs(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		load     player.LoadOptions
		expected []string
		absent   []string
	}{
		{
			name:     "basic playback",
			expected: []string{"--idle=yes", "--keep-open=yes", "--no-config", "--msg-level=all=warn"},
			absent:   []string{"--pause=yes", "--start="},
		},
		{
			name:     "paused with start offset",
			load:     player.LoadOptions{Paused: true, Start: 12 * time.Second},
			expected: []string{"--pause=yes", "--start=12"},
		},
		{
			name:     "fractional start",
			load:     player.LoadOptions{Start: 1500 * time.Millisecond},
			expected: []string{"--start=1.5"},
		},
		{
			name:     "user config and debug",
			opts:     Options{LoadUserConfig: true, Debug: true},
			absent:   []string{"--no-config", "--msg-level=all=warn"},
			expected: []string{"--idle=yes"},
		},
		{
			name: "headers and title",
			load: player.LoadOptions{
				Headers:   map[string]string{"Authorization": "MediaBrowser Token=x"},
				UserAgent: "mbplay/1.0",
				Title:     "Pilot",
			},
			expected: []string{
				"--http-header-fields=Authorization: MediaBrowser Token=x",
				"--user-agent=mbplay/1.0",
				"--force-media-title=Pilot",
			},
		},
		{
			name:     "extra args from config and call",
			opts:     Options{ExtraArgs: []string{"--hwdec=auto"}},
			load:     player.LoadOptions{ExtraArgs: []string{"--cache=yes"}},
			expected: []string{"--hwdec=auto", "--cache=yes"},
		},
	}

	const url = "https://media.example/Videos/1/stream.mkv?Static=true"
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPlayer(PlatformLinux, tt.opts)
			p.ipcConfig = &IPCConfig{Type: IPCUnixSocket, Address: "/tmp/test.sock", IsSocket: true}

			args := p.buildMPVArgs(url, tt.load)

			assert.Equal(t, "--input-ipc-server=/tmp/test.sock", args[0])
			assert.Equal(t, url, args[len(args)-1])

			joined := strings.Join(args, " ")
			for _, want := range tt.expected {
				assert.Contains(t, args, want)
			}
			for _, unwanted := range tt.absent {
				assert.NotContains(t, joined, unwanted)
			}
		})
	}
}

func TestParseTrackList(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"id": 1.0, "type": "video", "codec": "h264"},
		map[string]interface{}{"id": 1.0, "type": "audio", "lang": "jpn", "codec": "aac", "default": true, "selected": true},
		map[string]interface{}{"id": 2.0, "type": "audio", "lang": "eng", "title": "Dub"},
		map[string]interface{}{"id": 1.0, "type": "sub", "lang": "eng", "title": "English", "selected": true},
		map[string]interface{}{"id": 2.0, "type": "sub", "lang": "eng", "title": "Signs", "external": true},
		"garbage",
	}

	audio, text := parseTrackList(raw)

	require.Len(t, audio, 2)
	assert.Equal(t, player.Track{ID: 1, Type: player.TrackAudio, Language: "jpn", Codec: "aac", Default: true, Selected: true}, audio[0])
	assert.Equal(t, "Dub (eng)", audio[1].Label())

	require.Len(t, text, 2)
	assert.Equal(t, 1, text[0].ID)
	assert.True(t, text[1].External)

	audio, text = parseTrackList(nil)
	assert.Empty(t, audio)
	assert.Empty(t, text)
}

func TestIsJump(t *testing.T) {
	tests := []struct {
		name    string
		last    time.Duration
		pos     time.Duration
		elapsed time.Duration
		want    bool
	}{
		{"normal playback", 10 * time.Second, 11 * time.Second, time.Second, false},
		{"paused", 10 * time.Second, 10 * time.Second, 0, false},
		{"buffer stall", 10 * time.Second, 10 * time.Second, time.Second, false},
		{"forward skip", 10 * time.Second, 95 * time.Second, time.Second, true},
		{"rewind", 95 * time.Second, 10 * time.Second, time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isJump(tt.last, tt.pos, tt.elapsed))
		})
	}
}

func TestPoll(t *testing.T) {
	p, ipc := newLoadedPlayer(t)
	ipc.set("track-list", []interface{}{
		map[string]interface{}{"id": 1.0, "type": "sub", "title": "English"},
	})

	rec := &recorder{}
	p.SetCallbacks(rec.callbacks())

	var st monitorState
	assert.False(t, p.poll(&st, time.Second))

	require.Len(t, rec.progress, 1)
	assert.Equal(t, 10*time.Second, rec.progress[0].CurrentTime)
	assert.Equal(t, 24*time.Minute, rec.progress[0].Duration)
	assert.Equal(t, []player.PlaybackState{player.StatePlaying}, rec.states)
	require.Len(t, rec.text, 1)
	assert.Equal(t, "English", rec.text[0][0].Title)

	t.Run("unchanged tracks are not re-announced", func(t *testing.T) {
		ipc.set("time-pos", 11.0)
		p.poll(&st, time.Second)
		assert.Len(t, rec.text, 1)
		assert.Len(t, rec.states, 1)
		assert.Empty(t, rec.seeks)
	})

	t.Run("new callbacks get the tracks again", func(t *testing.T) {
		p.SetCallbacks(rec.callbacks())
		ipc.set("time-pos", 12.0)
		p.poll(&st, time.Second)
		assert.Len(t, rec.text, 2)
	})

	t.Run("pause and buffering", func(t *testing.T) {
		ipc.set("pause", true)
		ipc.set("paused-for-cache", true)
		p.poll(&st, time.Second)
		assert.Equal(t, player.StatePaused, rec.states[len(rec.states)-1])
		assert.Equal(t, []bool{true}, rec.buffers)
	})

	t.Run("external jump is announced", func(t *testing.T) {
		ipc.set("pause", false)
		ipc.set("paused-for-cache", false)
		ipc.set("time-pos", 300.0)
		p.poll(&st, time.Second)
		assert.Equal(t, []time.Duration{300 * time.Second}, rec.seeks)
	})

	t.Run("jump caused by Seek is not announced", func(t *testing.T) {
		require.NoError(t, p.Seek(context.Background(), 30*time.Second))
		ipc.set("time-pos", 30.0)
		p.poll(&st, time.Second)
		assert.Len(t, rec.seeks, 1)
	})

	t.Run("end of file", func(t *testing.T) {
		ipc.set("eof-reached", true)
		assert.True(t, p.poll(&st, time.Second))
		assert.Equal(t, player.StateEnded, rec.states[len(rec.states)-1])
	})
}

func TestControls(t *testing.T) {
	p, ipc := newLoadedPlayer(t)
	ctx := context.Background()

	require.NoError(t, p.Resume(ctx))
	require.NoError(t, p.Pause(ctx))
	require.NoError(t, p.Seek(ctx, 90*time.Second))
	require.NoError(t, p.SelectAudioTrack(ctx, 2))
	require.NoError(t, p.SelectTextTrack(ctx, 3))
	require.NoError(t, p.SelectTextTrack(ctx, -1))

	assert.Equal(t, [][]interface{}{
		{"pause", false},
		{"pause", true},
		{"time-pos", 90.0},
		{"aid", 2},
		{"sid", 3},
		{"sid", "no"},
	}, ipc.sets)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Resume(ctx), ErrClosed)
}

func TestControlsBeforeLoad(t *testing.T) {
	p := newPlayer(PlatformLinux, Options{})
	defer p.Close()

	assert.Error(t, p.Pause(context.Background()))
}

func TestCloseDetachesCallbacks(t *testing.T) {
	p, _ := newLoadedPlayer(t)
	rec := &recorder{}
	p.SetCallbacks(rec.callbacks())

	require.NoError(t, p.Close())

	var st monitorState
	assert.True(t, p.poll(&st, time.Second))
	assert.Empty(t, rec.progress)
}
