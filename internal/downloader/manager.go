package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/justchokingaround/mbplay/internal/config"
	"github.com/justchokingaround/mbplay/internal/database"
	"github.com/justchokingaround/mbplay/internal/httpclient"
	"github.com/justchokingaround/mbplay/internal/mediaserver"
	"github.com/justchokingaround/mbplay/internal/metrics"
	"github.com/justchokingaround/mbplay/internal/stream"
	"gorm.io/gorm"
)

// Resolver negotiates the stream for an item
type Resolver interface {
	Resolve(ctx context.Context, req stream.Request) (*stream.Descriptor, error)
}

// Source builds the original-file download request
type Source interface {
	DownloadURL(itemID string) string
	DownloadHeaders() map[string]string
}

// Options are the collaborators of a Manager. Resolver and Source may be
// nil for a manager that only lists and removes records.
type Options struct {
	Resolver Resolver
	Source   Source
	// HTTP performs the transfer. It should not have a request timeout.
	HTTP   *httpclient.Client
	UserID string
	Logger *slog.Logger
	// OnProgress is called from the transfer goroutine about twice a second
	OnProgress func(*Transfer)
}

// Manager runs at most one transfer at a time
type Manager struct {
	mu     sync.Mutex
	active *Transfer
	wg     sync.WaitGroup

	db         *gorm.DB
	config     *config.DownloadsConfig
	resolver   Resolver
	source     Source
	http       *httpclient.Client
	userID     string
	logger     *slog.Logger
	onProgress func(*Transfer)
}

// NewManager creates a download manager
func NewManager(db *gorm.DB, cfg *config.DownloadsConfig, opts Options) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	for _, tmpl := range []string{cfg.FilenameTemplate, cfg.EpisodeFilenameTemplate} {
		if tmpl == "" {
			continue
		}
		if err := ValidateTemplate(tmpl); err != nil {
			return nil, fmt.Errorf("invalid filename template: %w", err)
		}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTP == nil {
		httpCfg := httpclient.DefaultClientConfig()
		httpCfg.Timeout = -1
		httpCfg.Logger = opts.Logger
		opts.HTTP = httpclient.NewClient(httpCfg)
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Manager{
		db:         db,
		config:     cfg,
		resolver:   opts.Resolver,
		source:     opts.Source,
		http:       opts.HTTP,
		userID:     opts.UserID,
		logger:     opts.Logger,
		onProgress: opts.OnProgress,
	}, nil
}

// Download starts transferring item. While another transfer is in flight its
// handle is returned instead of starting a second one.
func (m *Manager) Download(ctx context.Context, item *mediaserver.Item, c stream.Constraints) (*Transfer, error) {
	if m.resolver == nil || m.source == nil {
		return nil, stream.ErrNoClient
	}
	if item == nil {
		return nil, stream.ErrNoItem
	}
	if !item.CanDownload {
		return nil, fmt.Errorf("%w: server does not allow downloading %s", ErrNotDownloadable, item.ID)
	}

	m.mu.Lock()
	if m.active != nil {
		t := m.active
		m.mu.Unlock()
		if t.ItemID != item.ID {
			m.logger.Info("download already in progress", "active", t.ItemID, "requested", item.ID)
		}
		return t, nil
	}
	tctx, cancel := context.WithCancel(context.Background())
	t := newTransfer(item.ID, displayTitle(item), cancel)
	m.active = t
	m.mu.Unlock()

	path, desc, err := m.prepare(ctx, item, c)
	if err != nil {
		m.release(t)
		cancel()
		t.finish(StatusFailed, err)
		return nil, err
	}
	t.start(path)

	m.wg.Add(1)
	go m.run(tctx, t, path, desc)
	return t, nil
}

// prepare resolves the stream, checks it can be fetched as a file and picks
// the output path
func (m *Manager) prepare(ctx context.Context, item *mediaserver.Item, c stream.Constraints) (string, *stream.Descriptor, error) {
	desc, err := m.resolver.Resolve(ctx, stream.Request{Item: item, UserID: m.userID, Constraints: c})
	if err != nil {
		return "", nil, err
	}
	if !desc.MediaSource.SupportsDirectPlay {
		return "", nil, fmt.Errorf("%w: media source %s needs transcoding", ErrNotDownloadable, desc.MediaSource.ID)
	}

	if m.config.MinFreeSpace > 0 {
		if err := checkDiskSpace(m.config.Path, m.config.MinFreeSpace); err != nil {
			return "", nil, fmt.Errorf("insufficient disk space: %w", err)
		}
	}

	container := firstContainer(desc.MediaSource.Container)
	tmpl := TemplateFor(item, m.config.FilenameTemplate, m.config.EpisodeFilenameTemplate)
	name, err := ParseTemplate(tmpl, item, container)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse filename template: %w", err)
	}
	return EnsureUniqueFilename(filepath.Join(m.config.Path, name)), desc, nil
}

func (m *Manager) release(t *Transfer) {
	m.mu.Lock()
	if m.active == t {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, t *Transfer, path string, desc *stream.Descriptor) {
	defer m.wg.Done()

	logger := m.logger.With("item", t.ItemID, "path", path)
	logger.Info("download started")
	start := time.Now()

	part := path + ".part"
	written, err := m.transfer(ctx, t, m.source.DownloadURL(t.ItemID), m.source.DownloadHeaders(), part)
	if err == nil {
		err = os.Rename(part, path)
	}
	if err != nil {
		_ = os.Remove(part)
		status := StatusFailed
		if errors.Is(err, context.Canceled) {
			status = StatusCancelled
			err = fmt.Errorf("download cancelled: %w", err)
			logger.Info("download cancelled")
		} else {
			logger.Error("download failed", "error", err)
		}
		metrics.IncTransfer(string(status))
		m.release(t)
		t.finish(status, err)
		return
	}

	now := time.Now()
	record := &database.Download{
		ItemID:        t.ItemID,
		Title:         t.Title,
		Status:        string(StatusComplete),
		Progress:      1,
		FilePath:      path,
		Container:     firstContainer(desc.MediaSource.Container),
		MediaSourceID: desc.MediaSource.ID,
		TotalBytes:    written,
		CreatedAt:     start,
		CompletedAt:   &now,
	}
	if err := database.PutDownload(m.db, record); err != nil {
		logger.Error("failed to record download", "error", err)
	}

	metrics.IncTransfer(string(StatusComplete))
	logger.Info("download complete",
		"size", humanize.Bytes(uint64(written)),
		"took", time.Since(start).Round(time.Second),
	)
	m.release(t)
	t.finish(StatusComplete, nil)
}

// Active returns the in-flight transfer, if any
func (m *Manager) Active() *Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// List returns the persisted download records, newest first
func (m *Manager) List(ctx context.Context) ([]database.Download, error) {
	return database.ListDownloads(m.db.WithContext(ctx), "")
}

// Get returns the record for itemID or nil
func (m *Manager) Get(ctx context.Context, itemID string) (*database.Download, error) {
	return database.GetDownload(m.db.WithContext(ctx), itemID)
}

// Remove deletes the record for itemID and, when deleteFile is set, the file
func (m *Manager) Remove(ctx context.Context, itemID string, deleteFile bool) error {
	rec, err := database.GetDownload(m.db.WithContext(ctx), itemID)
	if err != nil {
		return fmt.Errorf("failed to load download: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no download recorded for %s", itemID)
	}

	if deleteFile && rec.FilePath != "" {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		m.logger.Info("deleted download file", "path", rec.FilePath)
	}
	return database.DeleteDownload(m.db.WithContext(ctx), itemID)
}

// Close cancels the in-flight transfer and waits for it to clean up
func (m *Manager) Close() {
	if t := m.Active(); t != nil {
		t.Cancel()
	}
	m.wg.Wait()
}

func displayTitle(item *mediaserver.Item) string {
	if item.SeriesName != "" {
		return item.SeriesName + " - " + item.Name
	}
	return item.Name
}

func firstContainer(container string) string {
	first, _, _ := strings.Cut(container, ",")
	return strings.TrimSpace(first)
}
