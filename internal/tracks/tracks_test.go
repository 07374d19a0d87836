package tracks

import (
	"testing"

	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/player"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func testSource() *mediaserver.MediaSource {
	return &mediaserver.MediaSource{
		ID: "ms-1",
		MediaStreams: []mediaserver.MediaStream{
			{Type: mediaserver.StreamTypeVideo, Index: 0},
			{Type: mediaserver.StreamTypeAudio, Index: 1, Language: "jpn", DisplayTitle: "Japanese - AAC"},
			{Type: mediaserver.StreamTypeAudio, Index: 2, Language: "eng", DisplayTitle: "English - AC3"},
			{Type: mediaserver.StreamTypeSubtitle, Index: 3, Language: "eng", DisplayTitle: "English", IsTextSubtitleStream: true},
			{Type: mediaserver.StreamTypeSubtitle, Index: 4, Language: "eng", DisplayTitle: "English", IsTextSubtitleStream: true},
			{Type: mediaserver.StreamTypeSubtitle, Index: 5, Language: "eng", DisplayTitle: "PGS English"},
			{Type: mediaserver.StreamTypeSubtitle, Index: 6, Language: "eng", DisplayTitle: "Director's Commentary", IsTextSubtitleStream: true},
		},
	}
}

func TestSubtitleTracks(t *testing.T) {
	t.Run("deduplicates by display title keeping first", func(t *testing.T) {
		got := SubtitleTracks(testSource())
		require.Len(t, got, 2)
		assert.Equal(t, Track{Index: 3, Language: "eng", DisplayTitle: "English"}, got[0])
		assert.Equal(t, "Director's Commentary", got[1].DisplayTitle)
	})

	t.Run("image subtitles are excluded", func(t *testing.T) {
		for _, tr := range SubtitleTracks(testSource()) {
			assert.NotEqual(t, 5, tr.Index)
		}
	})

	t.Run("falls back to title then language", func(t *testing.T) {
		got := SubtitleTracks(&mediaserver.MediaSource{MediaStreams: []mediaserver.MediaStream{
			{Type: mediaserver.StreamTypeSubtitle, Index: 1, Title: "Signs", IsTextSubtitleStream: true},
			{Type: mediaserver.StreamTypeSubtitle, Index: 2, Language: "ger", IsTextSubtitleStream: true},
		}})
		require.Len(t, got, 2)
		assert.Equal(t, "Signs", got[0].DisplayTitle)
		assert.Equal(t, "ger", got[1].DisplayTitle)
	})

	t.Run("nil source", func(t *testing.T) {
		assert.Empty(t, SubtitleTracks(nil))
	})
}

func TestAudioTracks(t *testing.T) {
	got := AudioTracks(testSource())
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, 2, got[1].Index)
}

func TestCatalog_InitialSubtitle(t *testing.T) {
	live := []player.Track{
		{ID: 1, Type: player.TrackText, Title: "English", Language: "eng"},
		{ID: 2, Type: player.TrackText, Title: "Director's Commentary", Language: "eng"},
	}

	t.Run("waits for discovery then applies once", func(t *testing.T) {
		c := NewCatalog(testSource())

		_, ok := c.InitialSubtitle(intp(6))
		assert.False(t, ok, "nothing discovered yet")

		c.SetTextTracks(live)
		sel, ok := c.InitialSubtitle(intp(6))
		require.True(t, ok)
		assert.Equal(t, Selection(1), sel)

		c.SetTextTracks(live)
		_, ok = c.InitialSubtitle(intp(6))
		assert.False(t, ok, "later discoveries must not re-apply")
	})

	t.Run("no request consumes the latch", func(t *testing.T) {
		c := NewCatalog(testSource())
		c.SetTextTracks(live)
		_, ok := c.InitialSubtitle(nil)
		assert.False(t, ok)
		_, ok = c.InitialSubtitle(intp(3))
		assert.False(t, ok)
	})

	t.Run("unknown or deduplicated index", func(t *testing.T) {
		c := NewCatalog(testSource())
		c.SetTextTracks(live)
		_, ok := c.InitialSubtitle(intp(4))
		assert.False(t, ok)
	})
}

func TestCatalog_IndexMapping(t *testing.T) {
	c := NewCatalog(testSource())
	c.SetAudioTracks([]player.Track{{ID: 1, Type: player.TrackAudio}, {ID: 2, Type: player.TrackAudio}})
	c.SetTextTracks([]player.Track{{ID: 7, Type: player.TrackText}, {ID: 8, Type: player.TrackText}, {ID: 9, Type: player.TrackText}})

	tests := []struct {
		name   string
		fn     func() (int, bool)
		want   int
		wantOK bool
	}{
		{"text id", func() (int, bool) { return c.TextTrackID(0) }, 7, true},
		{"text id skips deduplicated streams", func() (int, bool) { return c.TextTrackID(1) }, 9, true},
		{"text none", func() (int, bool) { return c.TextTrackID(SelectionNone) }, -1, true},
		{"text out of range", func() (int, bool) { return c.TextTrackID(5) }, 0, false},
		{"audio id", func() (int, bool) { return c.AudioTrackID(0) }, 1, true},
		{"audio none", func() (int, bool) { return c.AudioTrackID(SelectionNone) }, 0, false},
		{"server subtitle", func() (int, bool) { return c.ServerSubtitleIndex(1) }, 6, true},
		{"server subtitle none", func() (int, bool) { return c.ServerSubtitleIndex(SelectionNone) }, -1, true},
		{"server audio", func() (int, bool) { return c.ServerAudioIndex(1) }, 2, true},
		{"server audio out of range", func() (int, bool) { return c.ServerAudioIndex(9) }, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.fn()
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}

	sel, ok := c.AudioSelection(2)
	require.True(t, ok)
	assert.Equal(t, Selection(1), sel)
	_, ok = c.AudioSelection(42)
	assert.False(t, ok)
}

func TestCatalog_FindSubtitle(t *testing.T) {
	c := NewCatalog(testSource())

	sel, ok := c.FindSubtitle("commentary")
	require.True(t, ok)
	assert.Equal(t, Selection(1), sel)

	_, ok = c.FindSubtitle("   ")
	assert.False(t, ok)
	_, ok = c.FindSubtitle("zzzz")
	assert.False(t, ok)

	// positions always refer to the server list, whatever the engine lists
	c.SetTextTracks([]player.Track{
		{ID: 1, Title: "Commentary", Codec: "hdmv_pgs_subtitle"},
		{ID: 2, Title: "English", Language: "eng"},
	})
	sel, ok = c.FindSubtitle("english")
	require.True(t, ok)
	assert.Equal(t, Selection(0), sel)
	idx, ok := c.ServerSubtitleIndex(sel)
	require.True(t, ok)
	assert.Equal(t, 3, idx)
}

func TestCatalog_TextTrackIDSkipsImageSubtitles(t *testing.T) {
	src := &mediaserver.MediaSource{MediaStreams: []mediaserver.MediaStream{
		{Type: mediaserver.StreamTypeSubtitle, Index: 2, Language: "eng", DisplayTitle: "English PGS"},
		{Type: mediaserver.StreamTypeSubtitle, Index: 3, Language: "eng", DisplayTitle: "English", IsTextSubtitleStream: true},
		{Type: mediaserver.StreamTypeSubtitle, Index: 4, Language: "eng", Title: "Signs & Songs", DisplayTitle: "Signs & Songs - ASS", IsTextSubtitleStream: true},
	}}

	tests := []struct {
		name string
		live []player.Track
		sel  Selection
		want int
	}{
		{
			name: "matched by title",
			live: []player.Track{
				{ID: 1, Title: "English PGS", Language: "eng", Codec: "hdmv_pgs_subtitle"},
				{ID: 2, Title: "English", Language: "eng", Codec: "subrip"},
				{ID: 3, Title: "Signs & Songs", Language: "eng", Codec: "ass"},
			},
			sel:  1,
			want: 3,
		},
		{
			name: "untitled tracks matched by text order",
			live: []player.Track{
				{ID: 1, Codec: "dvd_subtitle"},
				{ID: 2, Codec: "subrip"},
				{ID: 3, Codec: "ass"},
			},
			sel:  1,
			want: 3,
		},
		{
			name: "language mismatch falls back to order",
			live: []player.Track{
				{ID: 1, Title: "Signs & Songs", Language: "ger", Codec: "subrip"},
				{ID: 2, Codec: "ass"},
			},
			sel:  1,
			want: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCatalog(src)
			c.SetTextTracks(tt.live)

			got, ok := c.TextTrackID(tt.sel)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("missing engine track", func(t *testing.T) {
		c := NewCatalog(src)
		c.SetTextTracks([]player.Track{{ID: 1, Codec: "hdmv_pgs_subtitle"}, {ID: 2, Codec: "subrip"}})
		_, ok := c.TextTrackID(1)
		assert.False(t, ok)
	})
}

func TestCatalog_InitialAudio(t *testing.T) {
	c := NewCatalog(testSource())
	assert.False(t, c.InitialAudio(), "nothing discovered yet")

	c.SetAudioTracks([]player.Track{{ID: 1, Type: player.TrackAudio}})
	assert.True(t, c.InitialAudio())
	assert.False(t, c.InitialAudio())
}
