package mediaserver

// TicksPerSecond is the server's time resolution (100ns ticks)
const TicksPerSecond = 10_000_000

// Stream types as reported in MediaStream.Type
const (
	StreamTypeAudio    = "Audio"
	StreamTypeVideo    = "Video"
	StreamTypeSubtitle = "Subtitle"
)

// Item is the subset of BaseItemDto the client uses
type Item struct {
	ID           string            `json:"Id"`
	Name         string            `json:"Name"`
	Type         string            `json:"Type"`
	SeriesName   string            `json:"SeriesName,omitempty"`
	Overview     string            `json:"Overview,omitempty"`
	// ProductionYear, ParentIndexNumber (season) and IndexNumber (episode)
	// are zero when the server does not know them
	ProductionYear    int `json:"ProductionYear,omitempty"`
	ParentIndexNumber int `json:"ParentIndexNumber,omitempty"`
	IndexNumber       int `json:"IndexNumber,omitempty"`
	RunTimeTicks int64             `json:"RunTimeTicks"`
	CanDownload  bool              `json:"CanDownload"`
	MediaSources []MediaSource     `json:"MediaSources,omitempty"`
	ImageTags    map[string]string `json:"ImageTags,omitempty"`
	UserData     *UserData         `json:"UserData,omitempty"`
}

// ResumeTicks returns the stored playback position, or 0
func (i *Item) ResumeTicks() int64 {
	if i == nil || i.UserData == nil {
		return 0
	}
	return i.UserData.PlaybackPositionTicks
}

// UserData is the per-user state of an item
type UserData struct {
	PlaybackPositionTicks int64 `json:"PlaybackPositionTicks"`
	PlayCount             int   `json:"PlayCount"`
	Played                bool  `json:"Played"`
	IsFavorite            bool  `json:"IsFavorite"`
}

// MediaSource is one playable representation of an item
type MediaSource struct {
	ID                         string        `json:"Id"`
	Name                       string        `json:"Name,omitempty"`
	Container                  string        `json:"Container"`
	Size                       int64         `json:"Size,omitempty"`
	Bitrate                    int64         `json:"Bitrate,omitempty"`
	RunTimeTicks               int64         `json:"RunTimeTicks,omitempty"`
	ETag                       string        `json:"ETag,omitempty"`
	SupportsDirectPlay         bool          `json:"SupportsDirectPlay"`
	SupportsDirectStream       bool          `json:"SupportsDirectStream"`
	SupportsTranscoding        bool          `json:"SupportsTranscoding"`
	TranscodingURL             string        `json:"TranscodingUrl,omitempty"`
	TranscodingSubProtocol     string        `json:"TranscodingSubProtocol,omitempty"`
	DefaultAudioStreamIndex    *int          `json:"DefaultAudioStreamIndex,omitempty"`
	DefaultSubtitleStreamIndex *int          `json:"DefaultSubtitleStreamIndex,omitempty"`
	MediaStreams               []MediaStream `json:"MediaStreams,omitempty"`
}

// MediaStream describes a single track inside a media source
type MediaStream struct {
	Type                 string `json:"Type"`
	Index                int    `json:"Index"`
	Codec                string `json:"Codec,omitempty"`
	Language             string `json:"Language,omitempty"`
	Title                string `json:"Title,omitempty"`
	DisplayTitle         string `json:"DisplayTitle,omitempty"`
	IsDefault            bool   `json:"IsDefault"`
	IsForced             bool   `json:"IsForced"`
	IsExternal           bool   `json:"IsExternal"`
	IsTextSubtitleStream bool   `json:"IsTextSubtitleStream"`
	DeliveryMethod       string `json:"DeliveryMethod,omitempty"`
}

// PlaybackInfoRequest is the body of POST /Items/{id}/PlaybackInfo
type PlaybackInfoRequest struct {
	UserID              string         `json:"UserId"`
	MaxStreamingBitrate *int64         `json:"MaxStreamingBitrate,omitempty"`
	StartTimeTicks      int64          `json:"StartTimeTicks,omitempty"`
	AudioStreamIndex    *int           `json:"AudioStreamIndex,omitempty"`
	SubtitleStreamIndex *int           `json:"SubtitleStreamIndex,omitempty"`
	MediaSourceID       string         `json:"MediaSourceId,omitempty"`
	EnableDirectPlay    bool           `json:"EnableDirectPlay"`
	EnableDirectStream  bool           `json:"EnableDirectStream"`
	EnableTranscoding   bool           `json:"EnableTranscoding"`
	AutoOpenLiveStream  bool           `json:"AutoOpenLiveStream"`
	DeviceProfile       *DeviceProfile `json:"DeviceProfile,omitempty"`
}

// PlaybackInfoResponse is the negotiation result
type PlaybackInfoResponse struct {
	MediaSources  []MediaSource `json:"MediaSources"`
	PlaySessionID string        `json:"PlaySessionId"`
	ErrorCode     string        `json:"ErrorCode,omitempty"`
}

// DeviceProfile tells the server what the client can decode
type DeviceProfile struct {
	Name                string               `json:"Name"`
	MaxStreamingBitrate int64                `json:"MaxStreamingBitrate,omitempty"`
	DirectPlayProfiles  []DirectPlayProfile  `json:"DirectPlayProfiles"`
	TranscodingProfiles []TranscodingProfile `json:"TranscodingProfiles"`
	SubtitleProfiles    []SubtitleProfile    `json:"SubtitleProfiles"`
}

// DirectPlayProfile matches containers the client plays as-is
type DirectPlayProfile struct {
	Type      string `json:"Type"`
	Container string `json:"Container,omitempty"`
}

// TranscodingProfile is the fallback format when direct play is refused
type TranscodingProfile struct {
	Type       string `json:"Type"`
	Container  string `json:"Container"`
	Protocol   string `json:"Protocol"`
	AudioCodec string `json:"AudioCodec"`
	VideoCodec string `json:"VideoCodec"`
	Context    string `json:"Context"`
}

// SubtitleProfile declares how a subtitle format is delivered
type SubtitleProfile struct {
	Format string `json:"Format"`
	Method string `json:"Method"`
}

// MpvProfile describes mpv: it plays nearly everything directly and falls
// back to HLS when the server must transcode (bitrate cap, burned-in subs).
func MpvProfile(maxBitrate int64) *DeviceProfile {
	return &DeviceProfile{
		Name:                "mbplay-mpv",
		MaxStreamingBitrate: maxBitrate,
		DirectPlayProfiles: []DirectPlayProfile{
			{Type: "Video"},
			{Type: "Audio"},
		},
		TranscodingProfiles: []TranscodingProfile{{
			Type:       "Video",
			Container:  "ts",
			Protocol:   "hls",
			AudioCodec: "aac,mp3,ac3,eac3,opus",
			VideoCodec: "h264,hevc",
			Context:    "Streaming",
		}},
		SubtitleProfiles: []SubtitleProfile{
			{Format: "srt", Method: "Embed"},
			{Format: "ass", Method: "Embed"},
			{Format: "ssa", Method: "Embed"},
			{Format: "vtt", Method: "Embed"},
			{Format: "pgssub", Method: "Embed"},
			{Format: "dvdsub", Method: "Embed"},
		},
	}
}

// PlaybackReport is the body of the /Sessions/Playing* endpoints
type PlaybackReport struct {
	ItemID              string `json:"ItemId"`
	MediaSourceID       string `json:"MediaSourceId,omitempty"`
	PlaySessionID       string `json:"PlaySessionId,omitempty"`
	AudioStreamIndex    *int   `json:"AudioStreamIndex,omitempty"`
	SubtitleStreamIndex *int   `json:"SubtitleStreamIndex,omitempty"`
	PositionTicks       int64  `json:"PositionTicks"`
	IsPaused            bool   `json:"IsPaused"`
	IsMuted             bool   `json:"IsMuted"`
	CanSeek             bool   `json:"CanSeek"`
	PlayMethod          string `json:"PlayMethod,omitempty"`
	EventName           string `json:"EventName,omitempty"`
}

// Capabilities is posted so the server offers this session as a remote-control target
type Capabilities struct {
	PlayableMediaTypes           []string `json:"PlayableMediaTypes"`
	SupportedCommands            []string `json:"SupportedCommands"`
	SupportsMediaControl         bool     `json:"SupportsMediaControl"`
	SupportsPersistentIdentifier bool     `json:"SupportsPersistentIdentifier"`
}

// AuthenticateRequest is the body of POST /Users/AuthenticateByName
type AuthenticateRequest struct {
	Username string `json:"Username"`
	Pw       string `json:"Pw"`
}

// AuthenticationResult is the response of a successful login
type AuthenticationResult struct {
	AccessToken string `json:"AccessToken"`
	ServerID    string `json:"ServerId"`
	User        struct {
		ID   string `json:"Id"`
		Name string `json:"Name"`
	} `json:"User"`
}

// PlaystateRequest is the payload of a "Playstate" socket message
type PlaystateRequest struct {
	Command           string `json:"Command"`
	SeekPositionTicks int64  `json:"SeekPositionTicks,omitempty"`
	ControllingUserID string `json:"ControllingUserId,omitempty"`
}
