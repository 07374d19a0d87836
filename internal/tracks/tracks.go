// Package tracks builds the selectable audio and subtitle lists for a session.
package tracks

import (
	"strings"

	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/player"
	"github.com/sahilm/fuzzy"
	"github.com/samber/lo"
)

// Selection is a position in the catalog's server track list, or SelectionNone
type Selection int

// SelectionNone means no track is selected
const SelectionNone Selection = -1

// Track is a server-declared stream as shown to the user
type Track struct {
	// Index is the server's stream index
	Index        int
	Language     string
	DisplayTitle string
	Title        string
}

// imageCodecs are bitmap subtitle formats as the engine names them
var imageCodecs = map[string]bool{
	"pgs":               true,
	"pgssub":            true,
	"hdmv_pgs_subtitle": true,
	"dvd_subtitle":      true,
	"dvdsub":            true,
	"dvb_subtitle":      true,
	"dvbsub":            true,
	"vobsub":            true,
	"xsub":              true,
}

// IsImageSubtitle reports whether the engine track is a bitmap subtitle
func IsImageSubtitle(t player.Track) bool {
	return imageCodecs[strings.ToLower(t.Codec)]
}

// SubtitleTracks lists the text subtitle streams of src, first occurrence of
// each display title only. Image subtitles are excluded: the server burns
// them into the video when selected at negotiation time.
func SubtitleTracks(src *mediaserver.MediaSource) []Track {
	return streamsOf(src, mediaserver.StreamTypeSubtitle, true)
}

// AudioTracks lists the audio streams of src in source order
func AudioTracks(src *mediaserver.MediaSource) []Track {
	return streamsOf(src, mediaserver.StreamTypeAudio, false)
}

func streamsOf(src *mediaserver.MediaSource, streamType string, textOnly bool) []Track {
	if src == nil {
		return nil
	}

	matching := lo.Filter(src.MediaStreams, func(s mediaserver.MediaStream, _ int) bool {
		return s.Type == streamType && (!textOnly || s.IsTextSubtitleStream)
	})
	out := lo.Map(matching, func(s mediaserver.MediaStream, _ int) Track {
		return Track{Index: s.Index, Language: s.Language, DisplayTitle: displayTitle(s), Title: s.Title}
	})
	if textOnly {
		out = lo.UniqBy(out, func(t Track) string { return t.DisplayTitle })
	}
	return out
}

func displayTitle(s mediaserver.MediaStream) string {
	switch {
	case s.DisplayTitle != "":
		return s.DisplayTitle
	case s.Title != "":
		return s.Title
	default:
		return s.Language
	}
}

// Catalog pairs the server's stream lists with the tracks the engine discovers.
// It is owned by a single session loop and is not safe for concurrent use.
type Catalog struct {
	subtitles []Track
	audio     []Track

	// textOrder is each text subtitle's position among the source's text
	// subtitle streams, duplicates included, keyed by server index
	textOrder map[int]int

	liveAudio []player.Track
	liveText  []player.Track

	initialDone      bool
	initialAudioDone bool
}

// NewCatalog builds a catalog for the negotiated media source
func NewCatalog(src *mediaserver.MediaSource) *Catalog {
	c := &Catalog{
		subtitles: SubtitleTracks(src),
		audio:     AudioTracks(src),
		textOrder: make(map[int]int),
	}
	if src != nil {
		pos := 0
		for _, s := range src.MediaStreams {
			if s.Type == mediaserver.StreamTypeSubtitle && s.IsTextSubtitleStream && !s.IsExternal {
				c.textOrder[s.Index] = pos
				pos++
			}
		}
	}
	return c
}

// Subtitles returns the deduplicated server subtitle list
func (c *Catalog) Subtitles() []Track { return c.subtitles }

// SetAudioTracks records the engine's audio tracks
func (c *Catalog) SetAudioTracks(t []player.Track) { c.liveAudio = t }

// SetTextTracks records the engine's text tracks
func (c *Catalog) SetTextTracks(t []player.Track) { c.liveText = t }

// AudioTracks returns the engine's audio tracks
func (c *Catalog) AudioTracks() []player.Track { return c.liveAudio }

// TextTracks returns the engine's text tracks
func (c *Catalog) TextTracks() []player.Track { return c.liveText }

// InitialSubtitle maps the subtitle stream index requested at launch to its
// catalog position. It answers ok at most once per catalog, on the first call
// after text tracks were discovered; later discoveries never re-apply it.
func (c *Catalog) InitialSubtitle(requested *int) (Selection, bool) {
	if c.initialDone || len(c.liveText) == 0 {
		return SelectionNone, false
	}
	c.initialDone = true

	if requested == nil {
		return SelectionNone, false
	}
	_, pos, found := lo.FindIndexOf(c.subtitles, func(t Track) bool { return t.Index == *requested })
	if !found {
		return SelectionNone, false
	}
	return Selection(pos), true
}

// InitialAudio reports whether the launch audio selection is still to be
// applied. It answers true at most once per catalog, on the first call after
// audio tracks were discovered.
func (c *Catalog) InitialAudio() bool {
	if c.initialAudioDone || len(c.liveAudio) == 0 {
		return false
	}
	c.initialAudioDone = true
	return true
}

// TextTrackID is the engine id of the subtitle at sel, -1 for none. Image
// subtitles the engine lists are skipped; the catalog entry is matched by
// title first, then by its order among the source's embedded text subtitles.
func (c *Catalog) TextTrackID(sel Selection) (int, bool) {
	if sel == SelectionNone {
		return -1, true
	}
	if int(sel) < 0 || int(sel) >= len(c.subtitles) {
		return 0, false
	}
	want := c.subtitles[sel]

	text := lo.Reject(c.liveText, func(t player.Track, _ int) bool { return IsImageSubtitle(t) })
	if live, ok := lo.Find(text, func(t player.Track) bool { return sameTitle(t, want) }); ok {
		return live.ID, true
	}

	pos, ok := c.textOrder[want.Index]
	if !ok || pos >= len(text) {
		return 0, false
	}
	return text[pos].ID, true
}

func sameTitle(live player.Track, t Track) bool {
	if live.Title == "" {
		return false
	}
	if live.Language != "" && t.Language != "" && !strings.EqualFold(live.Language, t.Language) {
		return false
	}
	return strings.EqualFold(live.Title, t.Title) || strings.EqualFold(live.Title, t.DisplayTitle)
}

// AudioTrackID is the engine id of the audio stream at sel. The engine lists
// audio in container order, the same order as the server.
func (c *Catalog) AudioTrackID(sel Selection) (int, bool) {
	if int(sel) < 0 || int(sel) >= len(c.liveAudio) {
		return 0, false
	}
	return c.liveAudio[sel].ID, true
}

// ServerSubtitleIndex maps a subtitle selection to the server stream index
// for play-state reports. None maps to -1.
func (c *Catalog) ServerSubtitleIndex(sel Selection) (int, bool) {
	if sel == SelectionNone {
		return -1, true
	}
	if int(sel) < 0 || int(sel) >= len(c.subtitles) {
		return 0, false
	}
	return c.subtitles[sel].Index, true
}

// ServerAudioIndex maps an audio selection to the server stream index
func (c *Catalog) ServerAudioIndex(sel Selection) (int, bool) {
	if int(sel) < 0 || int(sel) >= len(c.audio) {
		return 0, false
	}
	return c.audio[sel].Index, true
}

// AudioSelection is the position of the server audio stream index in the catalog
func (c *Catalog) AudioSelection(index int) (Selection, bool) {
	_, pos, found := lo.FindIndexOf(c.audio, func(t Track) bool { return t.Index == index })
	if !found {
		return SelectionNone, false
	}
	return Selection(pos), true
}

// FindSubtitle fuzzy-matches query against the catalog's subtitle titles
// and languages
func (c *Catalog) FindSubtitle(query string) (Selection, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SelectionNone, false
	}

	labels := lo.Map(c.subtitles, func(t Track, _ int) string { return t.DisplayTitle + " " + t.Language })

	matches := fuzzy.Find(query, labels)
	if len(matches) == 0 {
		return SelectionNone, false
	}
	return Selection(matches[0].Index), true
}
