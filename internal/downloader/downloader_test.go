package downloader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justchokingaround/mbplay/internal/config"
	"github.com/justchokingaround/mbplay/internal/database"
	"github.com/justchokingaround/mbplay/internal/httpclient"
	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeResolver struct {
	calls      atomic.Int32
	directPlay bool
}

func (r *fakeResolver) Resolve(_ context.Context, req stream.Request) (*stream.Descriptor, error) {
	r.calls.Add(1)
	return &stream.Descriptor{
		ItemID: req.Item.ID,
		URL:    "http://server/Videos/" + req.Item.ID + "/stream.mkv",
		MediaSource: mediaserver.MediaSource{
			ID:                 "ms-" + req.Item.ID,
			Container:          "mkv,webm",
			SupportsDirectPlay: r.directPlay,
		},
		PlayMethod: stream.DirectStream,
	}, nil
}

type fakeSource struct{ base string }

func (s fakeSource) DownloadURL(itemID string) string {
	return s.base + "/Items/" + itemID + "/Download"
}

func (s fakeSource) DownloadHeaders() map[string]string {
	return map[string]string{"Authorization": `MediaBrowser Token="tok"`}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	return db
}

type testEnv struct {
	manager  *Manager
	resolver *fakeResolver
	db       *gorm.DB
	dir      string
}

func newTestEnv(t *testing.T, srv *httptest.Server) *testEnv {
	t.Helper()

	env := &testEnv{
		resolver: &fakeResolver{directPlay: true},
		db:       newTestDB(t),
		dir:      t.TempDir(),
	}
	base := ""
	if srv != nil {
		base = srv.URL
	}

	m, err := NewManager(env.db, &config.DownloadsConfig{Path: env.dir}, Options{
		Resolver: env.resolver,
		Source:   fakeSource{base: base},
		HTTP:     httpclient.NewClient(httpclient.ClientConfig{Timeout: -1, DisableRetry: true}),
		UserID:   "u1",
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	env.manager = m
	return env
}

func movie(id string) *mediaserver.Item {
	return &mediaserver.Item{ID: id, Name: "Big Buck Bunny", Type: "Movie", ProductionYear: 2008, CanDownload: true}
}

func waitDone(t *testing.T, tr *Transfer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-tr.Done():
		return tr.Err()
	case <-ctx.Done():
		t.Fatal("transfer did not finish")
		return nil
	}
}

func TestManager_DownloadCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("mbplay"), 50_000)
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Items/movie/Download", r.URL.Path)
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv)
	tr, err := env.manager.Download(context.Background(), movie("movie"), stream.Constraints{})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, tr))

	assert.Equal(t, StatusComplete, tr.Status())
	assert.Equal(t, 1.0, tr.Progress())
	assert.Equal(t, `MediaBrowser Token="tok"`, auth.Load())
	assert.Nil(t, env.manager.Active())

	want := filepath.Join(env.dir, "Big Buck Bunny (2008).mkv")
	assert.Equal(t, want, tr.Path())
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.NoFileExists(t, want+".part")

	rec, err := env.manager.Get(context.Background(), "movie")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, string(StatusComplete), rec.Status)
	assert.Equal(t, 1.0, rec.Progress)
	assert.Equal(t, int64(len(payload)), rec.TotalBytes)
	assert.Equal(t, "mkv", rec.Container)
	assert.Equal(t, "ms-movie", rec.MediaSourceID)
	assert.NotNil(t, rec.CompletedAt)
}

func TestManager_NotDownloadable(t *testing.T) {
	t.Run("server forbids", func(t *testing.T) {
		env := newTestEnv(t, nil)
		item := movie("movie")
		item.CanDownload = false

		_, err := env.manager.Download(context.Background(), item, stream.Constraints{})
		assert.ErrorIs(t, err, ErrNotDownloadable)
		assert.Zero(t, env.resolver.calls.Load())
	})

	t.Run("source needs transcoding", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.resolver.directPlay = false

		_, err := env.manager.Download(context.Background(), movie("movie"), stream.Constraints{})
		assert.ErrorIs(t, err, ErrNotDownloadable)
		assert.Nil(t, env.manager.Active(), "a rejected download frees the slot")

		records, err := env.manager.List(context.Background())
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestManager_SecondRequestReturnsActiveTransfer(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv)
	ctx := context.Background()

	first, err := env.manager.Download(ctx, movie("movie"), stream.Constraints{})
	require.NoError(t, err)
	second, err := env.manager.Download(ctx, movie("movie"), stream.Constraints{})
	require.NoError(t, err)
	other, err := env.manager.Download(ctx, movie("other"), stream.Constraints{})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, other)
	assert.Equal(t, StatusRunning, first.Status())

	close(release)
	require.NoError(t, waitDone(t, first))
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, int32(1), env.resolver.calls.Load())
}

func TestManager_CancelRemovesPartial(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	env := newTestEnv(t, srv)
	tr, err := env.manager.Download(context.Background(), movie("movie"), stream.Constraints{})
	require.NoError(t, err)

	<-started
	require.Eventually(t, func() bool {
		written, _ := tr.Bytes()
		return written > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, tr.Progress(), 0.0)
	assert.Less(t, tr.Progress(), 1.0)

	tr.Cancel()
	err = waitDone(t, tr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, tr.Status())
	assert.NoFileExists(t, tr.Path())
	assert.NoFileExists(t, tr.Path()+".part")

	rec, err := env.manager.Get(context.Background(), "movie")
	require.NoError(t, err)
	assert.Nil(t, rec, "cancelled downloads leave no record")
}

func TestManager_FailureLeavesNoRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv)
	tr, err := env.manager.Download(context.Background(), movie("movie"), stream.Constraints{})
	require.NoError(t, err)

	err = waitDone(t, tr)
	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, StatusFailed, tr.Status())

	records, err := env.manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestManager_Remove(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	path := filepath.Join(env.dir, "movie.mkv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, database.PutDownload(env.db, &database.Download{
		ItemID: "movie", Title: "Movie", Status: string(StatusComplete), Progress: 1, FilePath: path,
	}))
	require.NoError(t, database.PutDownload(env.db, &database.Download{
		ItemID: "kept", Title: "Kept", Status: string(StatusComplete), Progress: 1, FilePath: path,
	}))

	require.NoError(t, env.manager.Remove(ctx, "movie", true))
	assert.NoFileExists(t, path)

	rec, err := env.manager.Get(ctx, "movie")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// the file is already gone; only the record goes
	require.NoError(t, env.manager.Remove(ctx, "kept", true))
	assert.Error(t, env.manager.Remove(ctx, "missing", false))
}

func TestManager_RecordsOnlyWithoutClient(t *testing.T) {
	m, err := NewManager(newTestDB(t), &config.DownloadsConfig{Path: t.TempDir()}, Options{})
	require.NoError(t, err)

	_, err = m.Download(context.Background(), movie("movie"), stream.Constraints{})
	assert.ErrorIs(t, err, stream.ErrNoClient)

	records, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNewManager_RejectsBadTemplate(t *testing.T) {
	_, err := NewManager(newTestDB(t), &config.DownloadsConfig{Path: t.TempDir(), FilenameTemplate: "{title} {quality}"}, Options{
		Resolver: &fakeResolver{},
		Source:   fakeSource{},
	})
	assert.Error(t, err)
}

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name      string
		template  string
		item      mediaserver.Item
		container string
		want      string
	}{
		{
			name:      "movie with year",
			template:  defaultTemplate,
			item:      mediaserver.Item{Name: "Heat", ProductionYear: 1995},
			container: "mkv",
			want:      "Heat (1995).mkv",
		},
		{
			name:      "movie without year drops the parentheses",
			template:  defaultTemplate,
			item:      mediaserver.Item{Name: "Heat"},
			container: "mp4",
			want:      "Heat.mp4",
		},
		{
			name:      "padded episode",
			template:  defaultEpisodeTemplate,
			item:      mediaserver.Item{Name: "Pilot", SeriesName: "Show", ParentIndexNumber: 1, IndexNumber: 2},
			container: "mkv",
			want:      "Show - S01E02 - Pilot.mkv",
		},
		{
			name:     "unsafe characters",
			template: "{title}",
			item:     mediaserver.Item{Name: `AC/DC: Live? "1991"`},
			want:     "AC-DC - Live '1991'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTemplate(tt.template, &tt.item, tt.container)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseTemplate("", &mediaserver.Item{}, "mkv")
	assert.Error(t, err)
}

func TestTemplateFor(t *testing.T) {
	episode := &mediaserver.Item{Type: "Episode", SeriesName: "Show"}
	assert.Equal(t, "ep", TemplateFor(episode, "movie", "ep"))
	assert.Equal(t, "movie", TemplateFor(&mediaserver.Item{Type: "Movie"}, "movie", "ep"))
	assert.Equal(t, defaultTemplate, TemplateFor(&mediaserver.Item{Type: "Movie"}, "", ""))
}

func TestValidateTemplate(t *testing.T) {
	assert.NoError(t, ValidateTemplate(defaultEpisodeTemplate))
	assert.Error(t, ValidateTemplate(""))
	assert.Error(t, ValidateTemplate("{title"))
	assert.Error(t, ValidateTemplate("{title} [{quality}]"))
}

func TestEnsureUniqueFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Movie.mkv")
	assert.Equal(t, path, EnsureUniqueFilename(path))

	require.NoError(t, os.WriteFile(path, nil, 0644))
	assert.Equal(t, filepath.Join(dir, "Movie (1).mkv"), EnsureUniqueFilename(path))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "download", SanitizeFilename("  ..  "))
	assert.Equal(t, "a-b", SanitizeFilename("a|b"))
	assert.LessOrEqual(t, len(SanitizeFilename(string(bytes.Repeat([]byte("word "), 100)))), 200)
}
