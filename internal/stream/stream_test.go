package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	authenticated bool
	info          *mediaserver.PlaybackInfoResponse
	err           error

	calls    int
	lastItem string
	lastReq  mediaserver.PlaybackInfoRequest
}

func (f *fakeService) Authenticated() bool { return f.authenticated }

func (f *fakeService) PlaybackInfo(_ context.Context, itemID string, req mediaserver.PlaybackInfoRequest) (*mediaserver.PlaybackInfoResponse, error) {
	f.calls++
	f.lastItem = itemID
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeService) StaticStreamURL(itemID string, src mediaserver.MediaSource, playSessionID string) string {
	return "http://media/Videos/" + itemID + "/stream." + src.Container + "?Static=true&MediaSourceId=" + src.ID + "&PlaySessionId=" + playSessionID
}

func (f *fakeService) ServerURL(relative string) string { return "http://media" + relative }

func intp(v int) *int       { return &v }
func int64p(v int64) *int64 { return &v }

func directInfo() *mediaserver.PlaybackInfoResponse {
	return &mediaserver.PlaybackInfoResponse{
		PlaySessionID: "ps-1",
		MediaSources: []mediaserver.MediaSource{
			{ID: "ms-1", Container: "mkv", SupportsDirectPlay: true},
			{ID: "ms-2", Container: "mp4", SupportsDirectStream: true},
		},
	}
}

func TestResolve_Prerequisites(t *testing.T) {
	item := &mediaserver.Item{ID: "item-1"}

	t.Run("nil service", func(t *testing.T) {
		_, err := NewResolver(nil, nil).Resolve(context.Background(), Request{Item: item})
		assert.ErrorIs(t, err, ErrNoClient)
	})

	t.Run("unauthenticated service is not contacted", func(t *testing.T) {
		svc := &fakeService{}
		_, err := NewResolver(svc, nil).Resolve(context.Background(), Request{Item: item})
		assert.ErrorIs(t, err, ErrNoClient)
		assert.Zero(t, svc.calls)
	})

	t.Run("missing item is not negotiated", func(t *testing.T) {
		svc := &fakeService{authenticated: true}
		_, err := NewResolver(svc, nil).Resolve(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrNoItem)

		_, err = NewResolver(svc, nil).Resolve(context.Background(), Request{Item: &mediaserver.Item{}})
		assert.ErrorIs(t, err, ErrNoItem)
		assert.Zero(t, svc.calls)
	})
}

func TestResolve_DirectStream(t *testing.T) {
	svc := &fakeService{authenticated: true, info: directInfo()}
	item := &mediaserver.Item{
		ID:       "item-1",
		UserData: &mediaserver.UserData{PlaybackPositionTicks: 1_200_000_000},
	}

	d, err := NewResolver(svc, nil).Resolve(context.Background(), Request{Item: item, UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "item-1", d.ItemID)
	assert.Equal(t, "ps-1", d.PlaySessionID)
	assert.Equal(t, "ms-1", d.MediaSource.ID)
	assert.Equal(t, DirectStream, d.PlayMethod)
	assert.Contains(t, d.URL, "/Videos/item-1/stream.mkv")
	assert.Equal(t, int64(120_000), d.StartPositionMs)

	assert.Equal(t, "u1", svc.lastReq.UserID)
	assert.Equal(t, int64(1_200_000_000), svc.lastReq.StartTimeTicks)
	assert.Nil(t, svc.lastReq.MaxStreamingBitrate)
	assert.NotNil(t, svc.lastReq.DeviceProfile)
}

func TestResolve_Constraints(t *testing.T) {
	info := directInfo()
	info.MediaSources[1].TranscodingURL = "/videos/item-1/master.m3u8?MediaSourceId=ms-2"
	svc := &fakeService{authenticated: true, info: info}

	c := Constraints{
		AudioIndex:    intp(1),
		SubtitleIndex: intp(3),
		MediaSourceID: "ms-2",
		MaxBitrate:    int64p(2_000_000),
	}
	d, err := NewResolver(svc, nil).Resolve(context.Background(), Request{Item: &mediaserver.Item{ID: "item-1"}, Constraints: c})
	require.NoError(t, err)

	assert.Equal(t, "ms-2", d.MediaSource.ID)
	assert.Equal(t, Transcode, d.PlayMethod)
	assert.Equal(t, "http://media/videos/item-1/master.m3u8?MediaSourceId=ms-2", d.URL)
	assert.True(t, d.Constraints.Equal(c))
	assert.Equal(t, int64(0), d.StartPositionMs)

	require.NotNil(t, svc.lastReq.AudioStreamIndex)
	assert.Equal(t, 1, *svc.lastReq.AudioStreamIndex)
	assert.Equal(t, 3, *svc.lastReq.SubtitleStreamIndex)
	assert.Equal(t, "ms-2", svc.lastReq.MediaSourceID)
	assert.Equal(t, int64(2_000_000), *svc.lastReq.MaxStreamingBitrate)
	assert.Equal(t, int64(2_000_000), svc.lastReq.DeviceProfile.MaxStreamingBitrate)
}

func TestResolve_NegotiationFailures(t *testing.T) {
	tests := []struct {
		name string
		info *mediaserver.PlaybackInfoResponse
		err  error
	}{
		{name: "transport error", err: errors.New("connection refused")},
		{name: "error code", info: &mediaserver.PlaybackInfoResponse{ErrorCode: "NotAllowed", PlaySessionID: "ps"}},
		{name: "no play session", info: &mediaserver.PlaybackInfoResponse{MediaSources: directInfo().MediaSources}},
		{name: "no media source", info: &mediaserver.PlaybackInfoResponse{PlaySessionID: "ps"}},
		{
			name: "source without url",
			info: &mediaserver.PlaybackInfoResponse{
				PlaySessionID: "ps",
				MediaSources:  []mediaserver.MediaSource{{ID: "ms", Container: "mkv"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{authenticated: true, info: tt.info, err: tt.err}
			d, err := NewResolver(svc, nil).Resolve(context.Background(), Request{Item: &mediaserver.Item{ID: "x"}})
			assert.Nil(t, d)
			assert.ErrorIs(t, err, ErrNegotiationFailed)
		})
	}
}

func TestResolve_UnknownMediaSourceFallsBackToFirst(t *testing.T) {
	svc := &fakeService{authenticated: true, info: directInfo()}
	d, err := NewResolver(svc, nil).Resolve(context.Background(), Request{
		Item:        &mediaserver.Item{ID: "x"},
		Constraints: Constraints{MediaSourceID: "gone"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ms-1", d.MediaSource.ID)
}

func TestResolve_BitrateChangeYieldsNewDescriptor(t *testing.T) {
	svc := &fakeService{authenticated: true, info: directInfo()}
	r := NewResolver(svc, nil)
	item := &mediaserver.Item{ID: "item-1"}

	first, err := r.Resolve(context.Background(), Request{Item: item})
	require.NoError(t, err)
	assert.Equal(t, DirectStream, first.PlayMethod)

	capped := Constraints{MaxBitrate: int64p(1_000_000)}
	require.True(t, NeedsResolve(first, capped))

	svc.info = &mediaserver.PlaybackInfoResponse{
		PlaySessionID: "ps-2",
		MediaSources:  []mediaserver.MediaSource{{ID: "ms-1", TranscodingURL: "/videos/item-1/master.m3u8"}},
	}
	second, err := r.Resolve(context.Background(), Request{Item: item, Constraints: capped})
	require.NoError(t, err)

	assert.NotEqual(t, first.URL, second.URL)
	assert.Equal(t, Transcode, second.PlayMethod)
	assert.Equal(t, DirectStream, first.PlayMethod)
}

func TestClassifyPlayMethod(t *testing.T) {
	tests := []struct {
		url  string
		want PlayMethod
	}{
		{"http://media/videos/1/master.m3u8?x=1", Transcode},
		{"http://media/videos/1/MAIN.M3U8", Transcode},
		{"http://media/Videos/1/stream.mkv?Static=true", DirectStream},
		{"", DirectStream},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPlayMethod(tt.url))
		})
	}
}

func TestConstraintsEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Constraints
		want bool
	}{
		{"both empty", Constraints{}, Constraints{}, true},
		{"same values in different pointers", Constraints{AudioIndex: intp(1)}, Constraints{AudioIndex: intp(1)}, true},
		{"audio differs", Constraints{AudioIndex: intp(1)}, Constraints{AudioIndex: intp(2)}, false},
		{"subtitle set vs unset", Constraints{SubtitleIndex: intp(0)}, Constraints{}, false},
		{"source differs", Constraints{MediaSourceID: "a"}, Constraints{MediaSourceID: "b"}, false},
		{"bitrate differs", Constraints{MaxBitrate: int64p(1)}, Constraints{MaxBitrate: int64p(2)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}

	assert.True(t, NeedsResolve(nil, Constraints{}))
	assert.False(t, NeedsResolve(&Descriptor{Constraints: Constraints{AudioIndex: intp(1)}}, Constraints{AudioIndex: intp(1)}))
}
